package frontend

import (
	"context"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdoorman/pgdoorman/pkg/params"
	"github.com/pgdoorman/pgdoorman/pkg/pgwire"
)

// pendingKind classifies one outstanding request whose server response the
// relay must pair up. Responses arrive strictly in request order; each kind
// has a fixed completion condition.
type pendingKind int

const (
	pendingParse    pendingKind = iota // completes at ParseComplete
	pendingBind                        // completes at BindComplete
	pendingDescribe                    // completes at RowDescription or NoData
	pendingExecute                     // completes at CommandComplete/PortalSuspended/EmptyQueryResponse
	pendingClose                       // completes at CloseComplete
	pendingQuery                       // completes only at ReadyForQuery
	pendingFunc                        // completes at FunctionCallResponse
	pendingSynthetic                   // no server response; emitted locally in order
)

// pendingResp is one entry of the response-pairing queue.
type pendingResp struct {
	kind pendingKind

	// suppress drops the server's response instead of forwarding it; set for
	// messages the pooler injected (eviction Closes, re-prepare Parses).
	suppress bool

	// synthetic holds the encoded message emitted to the client when this
	// entry reaches the queue head (ParseComplete/CloseComplete for cache
	// hits and intercepted Closes).
	synthetic []byte

	// insertedGlobal names a statement optimistically added to the backend's
	// PreparedTable by this entry; rolled back if the pipeline errors before
	// the server confirmed it.
	insertedGlobal string
}

// appendOut buffers raw bytes bound for the backend, charged against the
// memory budget until flushed.
func (s *Session) appendOut(p []byte) error {
	if err := s.service.acct.Reserve(int64(len(p))); err != nil {
		return err
	}
	s.outBufCharged += int64(len(p))
	s.outBuf = append(s.outBuf, p...)
	return nil
}

func (s *Session) appendOutMsg(msg pgproto3.FrontendMessage) error {
	buf, err := msg.Encode(nil)
	if err != nil {
		return err
	}
	return s.appendOut(buf)
}

func (s *Session) refundOutBuf() {
	s.service.acct.Refund(s.outBufCharged)
	s.outBufCharged = 0
	s.outBuf = nil
}

// flushOut writes the buffered pipeline to the backend.
func (s *Session) flushOut() error {
	if len(s.outBuf) == 0 {
		return nil
	}
	_, err := s.backend.Write(s.outBuf)
	s.refundOutBuf()
	return err
}

// bufferExtended handles one client extended-protocol message: Parse, Bind,
// Describe, Execute or Close. A backend is acquired at the first message of
// a sequence; prepared-statement rewriting happens here, at buffer time.
func (s *Session) bufferExtended(ctx context.Context, frame pgwire.Frame) error {
	body, err := frame.ReadBody()
	if err != nil {
		return err
	}
	defer s.reader.Release(body)

	if err := s.ensureBackend(ctx); err != nil {
		return err
	}

	rewriting := s.service.Config().General.PreparedStatements

	switch frame.Type {
	case pgwire.MsgClientParse:
		return s.bufferParse(body, rewriting)
	case pgwire.MsgClientBind:
		return s.bufferBind(body, rewriting)
	case pgwire.MsgClientDescribe:
		return s.bufferDescribe(body, rewriting)
	case pgwire.MsgClientClose:
		return s.bufferClose(body, rewriting)
	default: // Execute
		s.pending = append(s.pending, pendingResp{kind: pendingExecute})
		return s.appendOut(body.AppendTo(nil))
	}
}

func (s *Session) bufferParse(body pgwire.RawBody, rewriting bool) error {
	var parse pgproto3.Parse
	if err := parse.Decode(body.Body); err != nil {
		return pgwire.NewProtocolViolation(err, body.Type)
	}

	// Unnamed statements are never cached nor rewritten.
	if parse.Name == "" {
		s.pending = append(s.pending, pendingResp{kind: pendingParse})
		return s.appendOut(body.AppendTo(nil))
	}

	if !rewriting {
		// A named statement with rewriting off pins invisible state to this
		// backend; it must not be reused by other clients.
		s.backend.MarkDirty()
		s.pending = append(s.pending, pendingResp{kind: pendingParse})
		return s.appendOut(body.AppendTo(nil))
	}

	stmt := s.service.statements.GetOrInsert(parse.Query, parse.ParameterOIDs)
	s.clientPrepared[parse.Name] = stmt

	if s.backend.Prepared.Has(stmt.GlobalName) {
		// Cache hit: the server already holds this statement. Swallow the
		// Parse and answer with a local ParseComplete in sequence.
		s.backend.Stats().PrepareHit.Add(1)
		s.service.metrics.PrepareCacheHit.Inc()
		synthetic, _ := (&pgproto3.ParseComplete{}).Encode(nil)
		s.pending = append(s.pending, pendingResp{kind: pendingSynthetic, synthetic: synthetic})
		return nil
	}

	s.backend.Stats().PrepareMiss.Add(1)
	s.service.metrics.PrepareCacheMiss.Inc()
	if err := s.sendParseTo(stmt); err != nil {
		return err
	}
	// The client's own Parse elicited this ParseComplete; forward it.
	s.pending[len(s.pending)-1].suppress = false
	return nil
}

// sendParseTo queues a rewritten Parse for stmt onto the backend, evicting
// the LRU statement first when the backend's table is full. The queued
// entries are suppressed; callers forward the ParseComplete only when the
// client itself sent the Parse.
func (s *Session) sendParseTo(stmt *pgwire.Statement) error {
	if evicted, ok := s.backend.Prepared.Insert(stmt.GlobalName); ok {
		if err := s.appendOutMsg(&pgproto3.Close{ObjectType: pgwire.ObjectTypePreparedStatement, Name: evicted}); err != nil {
			return err
		}
		s.pending = append(s.pending, pendingResp{kind: pendingClose, suppress: true})
	}
	if err := s.appendOutMsg(&pgproto3.Parse{
		Name:          stmt.GlobalName,
		Query:         stmt.Query,
		ParameterOIDs: stmt.ParameterOIDs,
	}); err != nil {
		return err
	}
	s.pending = append(s.pending, pendingResp{
		kind:           pendingParse,
		suppress:       true,
		insertedGlobal: stmt.GlobalName,
	})
	return nil
}

// ensureOnBackend guarantees the statement bound to clientName is prepared
// on the current backend, re-preparing it silently when the client prepared
// it while bound to a different backend.
func (s *Session) ensureOnBackend(clientName string) (*pgwire.Statement, error) {
	stmt, ok := s.clientPrepared[clientName]
	if !ok {
		// Unknown name: forward untouched, let the server raise 26000.
		return nil, nil
	}
	if s.backend.Prepared.Has(stmt.GlobalName) {
		return stmt, nil
	}
	if err := s.sendParseTo(stmt); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (s *Session) bufferBind(body pgwire.RawBody, rewriting bool) error {
	if !rewriting {
		s.pending = append(s.pending, pendingResp{kind: pendingBind})
		return s.appendOut(body.AppendTo(nil))
	}

	var bind pgproto3.Bind
	if err := bind.Decode(body.Body); err != nil {
		return pgwire.NewProtocolViolation(err, body.Type)
	}
	if bind.PreparedStatement != "" {
		stmt, err := s.ensureOnBackend(bind.PreparedStatement)
		if err != nil {
			return err
		}
		if stmt != nil {
			bind.PreparedStatement = stmt.GlobalName
			s.pending = append(s.pending, pendingResp{kind: pendingBind})
			return s.appendOutMsg(&bind)
		}
	}
	s.pending = append(s.pending, pendingResp{kind: pendingBind})
	return s.appendOut(body.AppendTo(nil))
}

func (s *Session) bufferDescribe(body pgwire.RawBody, rewriting bool) error {
	var describe pgproto3.Describe
	if err := describe.Decode(body.Body); err != nil {
		return pgwire.NewProtocolViolation(err, body.Type)
	}

	if rewriting && describe.ObjectType == pgwire.ObjectTypePreparedStatement && describe.Name != "" {
		stmt, err := s.ensureOnBackend(describe.Name)
		if err != nil {
			return err
		}
		if stmt != nil {
			describe.Name = stmt.GlobalName
			s.pending = append(s.pending, pendingResp{kind: pendingDescribe})
			return s.appendOutMsg(&describe)
		}
	}
	s.pending = append(s.pending, pendingResp{kind: pendingDescribe})
	return s.appendOut(body.AppendTo(nil))
}

func (s *Session) bufferClose(body pgwire.RawBody, rewriting bool) error {
	var cls pgproto3.Close
	if err := cls.Decode(body.Body); err != nil {
		return pgwire.NewProtocolViolation(err, body.Type)
	}

	if rewriting && cls.ObjectType == pgwire.ObjectTypePreparedStatement && cls.Name != "" {
		// The statement stays prepared on the server for reuse by other
		// clients; only the client's own mapping is dropped.
		delete(s.clientPrepared, cls.Name)
		synthetic, _ := (&pgproto3.CloseComplete{}).Encode(nil)
		s.pending = append(s.pending, pendingResp{kind: pendingSynthetic, synthetic: synthetic})
		return nil
	}
	s.pending = append(s.pending, pendingResp{kind: pendingClose})
	return s.appendOut(body.AppendTo(nil))
}

func (s *Session) handleSync(ctx context.Context, frame pgwire.Frame) error {
	body, err := frame.ReadBody()
	if err != nil {
		return err
	}
	s.reader.Release(body)

	// A Sync with no backend and nothing buffered is answered locally.
	if s.backend == nil && len(s.outBuf) == 0 {
		s.drainPendingSynthetics()
		return s.writeMsgs(&pgproto3.ReadyForQuery{TxStatus: byte(s.txStatus)})
	}

	if err := s.ensureBackend(ctx); err != nil {
		return err
	}
	if err := s.appendOutMsg(&pgproto3.Sync{}); err != nil {
		return err
	}
	if err := s.flushOut(); err != nil {
		return err
	}
	if err := s.relayResponses(true); err != nil {
		return err
	}
	s.maybeRelease()
	return nil
}

func (s *Session) handleFlush(ctx context.Context, frame pgwire.Frame) error {
	body, err := frame.ReadBody()
	if err != nil {
		return err
	}
	s.reader.Release(body)

	if s.backend == nil && len(s.outBuf) == 0 {
		s.drainPendingSynthetics()
		return nil
	}
	if err := s.ensureBackend(ctx); err != nil {
		return err
	}
	if err := s.appendOutMsg(&pgproto3.Flush{}); err != nil {
		return err
	}
	if err := s.flushOut(); err != nil {
		return err
	}
	// Flush does not alter release eligibility; relay until every pending
	// response arrived, then return to reading the client.
	return s.relayResponses(false)
}

func (s *Session) handleFunctionCall(ctx context.Context, frame pgwire.Frame) error {
	body, err := frame.ReadBody()
	if err != nil {
		return err
	}
	defer s.reader.Release(body)

	if err := s.ensureBackend(ctx); err != nil {
		return err
	}
	if err := s.appendOut(body.AppendTo(nil)); err != nil {
		return err
	}
	s.pending = append(s.pending, pendingResp{kind: pendingFunc})
	if err := s.flushOut(); err != nil {
		return err
	}
	if err := s.relayResponses(true); err != nil {
		return err
	}
	s.maybeRelease()
	return nil
}

// drainPendingSynthetics emits queued local responses when there is nothing
// outstanding on a backend.
func (s *Session) drainPendingSynthetics() {
	for _, p := range s.pending {
		if p.kind == pendingSynthetic {
			if _, err := s.conn.Write(p.synthetic); err != nil {
				break
			}
		}
	}
	s.pending = nil
}

// dropPending rolls back optimistic PreparedTable inserts and clears the
// queue; used when the server reported an error and is skipping to Sync.
func (s *Session) dropPending() {
	for _, p := range s.pending {
		if p.insertedGlobal != "" {
			s.backend.Prepared.Remove(p.insertedGlobal)
		}
	}
	s.pending = nil
}

// relayResponses forwards server messages to the client, pairing them with
// the pending queue. When untilReady is set it runs to ReadyForQuery;
// otherwise (Flush) it returns once the queue is empty.
func (s *Session) relayResponses(untilReady bool) error {
	cfg := s.service.Config()
	streamThreshold := uint32(cfg.General.MessageSizeToBeStream.Int64())
	copyTimeout := cfg.General.ProxyCopyDataTimeout.Std()

	for {
		// Emit any synthetic responses that reached the queue head.
		for len(s.pending) > 0 && s.pending[0].kind == pendingSynthetic {
			if _, err := s.conn.Write(s.pending[0].synthetic); err != nil {
				return err
			}
			s.pending = s.pending[1:]
		}
		if !untilReady && len(s.pending) == 0 {
			return nil
		}

		frame, err := s.backend.ReadFrame()
		if err != nil {
			s.backendFailed()
			return pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.ConnectionFailure,
				"server connection lost", err)
		}

		// Oversized row and copy payloads are streamed in chunks rather
		// than buffered.
		if (frame.Type == pgwire.MsgServerDataRow || frame.Type == pgwire.MsgServerCopyData) &&
			frame.BodyLen > streamThreshold {
			if err := frame.StreamBody(s.conn, copyTimeout); err != nil {
				s.backendFailed()
				return pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.ConnectionFailure,
					"failed streaming server payload", err)
			}
			s.backend.Stats().BytesIn.Add(uint64(frame.BodyLen))
			continue
		}

		body, err := frame.ReadBody()
		if err != nil {
			s.backendFailed()
			return err
		}
		done, err := s.relayOne(frame, body, untilReady)
		// Both readers charge the same accountant; refund through either.
		s.reader.Release(body)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// relayOne processes a single buffered server message. It returns done=true
// when the relay loop should stop.
func (s *Session) relayOne(frame pgwire.Frame, body pgwire.RawBody, untilReady bool) (bool, error) {
	forward := true
	pop := false

	head := func() *pendingResp {
		if len(s.pending) == 0 {
			return nil
		}
		return &s.pending[0]
	}

	switch frame.Type {
	case pgwire.MsgServerReadyForQuery:
		if len(body.Body) == 1 {
			s.txStatus = pgwire.TxStatus(body.Body[0])
			s.backend.SetTxStatus(s.txStatus)
		}
		s.pending = nil
		if _, err := body.WriteTo(s.conn); err != nil {
			return true, err
		}
		return untilReady, nil

	case pgwire.MsgServerErrorResponse:
		// The server now discards messages until Sync; pending responses
		// will never arrive, and optimistic table inserts are void.
		s.dropPending()

	case pgwire.MsgServerParseComplete:
		if h := head(); h != nil && h.kind == pendingParse {
			forward = !h.suppress
			pop = true
		}

	case pgwire.MsgServerBindComplete:
		if h := head(); h != nil && h.kind == pendingBind {
			forward = !h.suppress
			pop = true
		}

	case pgwire.MsgServerCloseComplete:
		if h := head(); h != nil && h.kind == pendingClose {
			forward = !h.suppress
			pop = true
		}

	case pgwire.MsgServerRowDescription, pgwire.MsgServerNoData:
		if h := head(); h != nil && h.kind == pendingDescribe {
			forward = !h.suppress
			pop = true
		}

	case pgwire.MsgServerCommandComplete, pgwire.MsgServerPortalSuspended,
		pgwire.MsgServerEmptyQueryResponse:
		if h := head(); h != nil && h.kind == pendingExecute {
			pop = true
		}
		if frame.Type == pgwire.MsgServerCommandComplete {
			s.backend.Stats().Queries.Add(1)
			s.service.metrics.QueriesTotal.Inc()
		}

	case pgwire.MsgServerFuncCallResponse:
		if h := head(); h != nil && h.kind == pendingFunc {
			pop = true
		}

	case pgwire.MsgServerParameterStatus:
		s.captureParameterStatus(body)

	case pgwire.MsgServerCopyInResponse:
		if _, err := body.WriteTo(s.conn); err != nil {
			return true, err
		}
		return false, s.relayCopyIn()

	case pgwire.MsgServerCopyOutResponse:
		s.state.Store(stateCopy)

	case pgwire.MsgServerCopyDone:
		s.state.Store(stateActive)

	case pgwire.MsgServerCopyBothResponse:
		return true, pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.FeatureNotSupported,
			"COPY BOTH (replication) is not supported through the pooler", nil)
	}

	if forward {
		if _, err := body.WriteTo(s.conn); err != nil {
			return true, err
		}
		s.backend.Stats().BytesIn.Add(uint64(len(body.Body)))
	}
	if pop && len(s.pending) > 0 {
		s.pending = s.pending[1:]
	}
	return false, nil
}

// relayCopyIn switches to reading the client until CopyDone or CopyFail,
// streaming oversized CopyData chunks. The server's CommandComplete and
// ReadyForQuery follow through the normal relay.
func (s *Session) relayCopyIn() error {
	cfg := s.service.Config()
	streamThreshold := uint32(cfg.General.MessageSizeToBeStream.Int64())
	copyTimeout := cfg.General.ProxyCopyDataTimeout.Std()
	s.state.Store(stateCopy)
	defer s.state.Store(stateActive)

	for {
		frame, err := s.reader.ReadFrame()
		if err != nil {
			return pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.ConnectionFailure,
				"client connection lost during COPY", err)
		}

		switch frame.Type {
		case pgwire.MsgClientCopyData:
			if frame.BodyLen > streamThreshold {
				if err := frame.StreamBody(s.backend, copyTimeout); err != nil {
					s.backendFailed()
					return pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.ConnectionFailure,
						"failed streaming COPY data", err)
				}
				continue
			}
			body, err := frame.ReadBody()
			if err != nil {
				return err
			}
			_, werr := body.WriteTo(s.backend)
			s.reader.Release(body)
			if werr != nil {
				s.backendFailed()
				return werr
			}

		case pgwire.MsgClientCopyDone, pgwire.MsgClientCopyFail:
			body, err := frame.ReadBody()
			if err != nil {
				return err
			}
			_, werr := body.WriteTo(s.backend)
			s.reader.Release(body)
			if werr != nil {
				s.backendFailed()
				return werr
			}
			return nil

		case pgwire.MsgClientFlush, pgwire.MsgClientSync:
			// Permitted mid-copy by the protocol; forward.
			body, err := frame.ReadBody()
			if err != nil {
				return err
			}
			_, werr := body.WriteTo(s.backend)
			s.reader.Release(body)
			if werr != nil {
				s.backendFailed()
				return werr
			}

		default:
			return pgwire.NewProtocolViolation(
				fmt.Errorf("message %q during COPY FROM STDIN", byte(frame.Type)), frame.Type)
		}
	}
}

func (s *Session) captureParameterStatus(body pgwire.RawBody) {
	var ps pgproto3.ParameterStatus
	if err := ps.Decode(body.Body); err != nil {
		return
	}
	cfg := s.service.Config()
	if s.backend != nil {
		s.backend.ServerParams[ps.Name] = ps.Value
	}
	if cfg.General.SyncServerParameters && !params.StartupOnly[ps.Name] {
		s.startupParams[ps.Name] = ps.Value
	}
	if cfg.General.LogClientParameterStatusChanges {
		s.logger.Info("client parameter status change", "name", ps.Name, "value", ps.Value)
	}
}

// backendFailed destroys the bound backend after an unrecoverable error.
func (s *Session) backendFailed() {
	conn := s.backend
	if conn == nil {
		return
	}
	s.backend = nil
	s.boundBackend.Store(nil)
	conn.MarkDirty()
	s.pool.Release(conn, false)
	s.pending = nil
}
