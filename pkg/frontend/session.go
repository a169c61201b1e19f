package frontend

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdoorman/pgdoorman/pkg/admin"
	"github.com/pgdoorman/pgdoorman/pkg/backend"
	"github.com/pgdoorman/pgdoorman/pkg/config"
	"github.com/pgdoorman/pgdoorman/pkg/params"
	"github.com/pgdoorman/pgdoorman/pkg/pgwire"
)

// maxStartupFrame bounds the untyped first frame; real startup packets are
// well under this.
const maxStartupFrame = 16 * 1024

// cleanupTimeout bounds state-reset statements run while tearing a session
// down.
const cleanupTimeout = 2 * time.Second

// Session states reported by SHOW CLIENTS.
const (
	stateStartup int32 = iota
	stateIdle
	stateActive
	stateWaiting
	stateCopy
)

var stateNames = map[int32]string{
	stateStartup: "startup",
	stateIdle:    "idle",
	stateActive:  "active",
	stateWaiting: "waiting",
	stateCopy:    "copy",
}

// Session is one client connection from startup to termination.
type Session struct {
	service  *Service
	conn     net.Conn
	reader   *pgwire.RawReader
	logger   *slog.Logger
	admitted bool

	tlsState *tls.ConnectionState

	// Populated during startup.
	startupParams map[string]string
	key           backend.PoolKey
	poolCfg       config.PoolConfig
	userCfg       config.UserConfig

	// The virtual BackendKeyData issued to this client. Never a real
	// backend's key.
	cancelKey CancelKey

	// The client's view of the transaction state, tracked from relayed
	// ReadyForQuery messages.
	txStatus pgwire.TxStatus

	// Current backend binding; nil while unassigned.
	backend      *backend.Conn
	pool         *backend.Pool
	boundBackend atomic.Pointer[backend.Conn]

	// clientPrepared maps client-assigned statement names to global
	// statements. A pooler-local namespace: the same client name may map to
	// different statements over the session's lifetime.
	clientPrepared map[string]*pgwire.Statement

	// Extended-protocol pipeline buffered until Sync or Flush.
	outBuf        []byte
	outBufCharged int64
	pending       []pendingResp

	forced      atomic.Bool
	state       atomic.Int32
	connectedAt time.Time
	addr        string
}

func newSession(s *Service, conn net.Conn, admitted bool) *Session {
	sess := &Session{
		service:        s,
		conn:           conn,
		reader:         pgwire.NewRawReader(conn, s.acct),
		logger:         s.logger.With("client", conn.RemoteAddr().String()),
		admitted:       admitted,
		clientPrepared: make(map[string]*pgwire.Statement),
		txStatus:       pgwire.TxIdle,
		connectedAt:    time.Now(),
		addr:           conn.RemoteAddr().String(),
	}
	return sess
}

// Run drives the session: startup, auth, then the relay loop.
func (s *Session) Run(ctx context.Context) {
	defer s.close()

	isCancel, err := s.handleStartup(ctx)
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			s.logger.Debug("startup failed", "error", err)
		}
		return
	}
	if isCancel {
		return
	}

	s.logger = s.logger.With("user", s.key.User, "database", s.key.Database)

	if config.IsAdminDatabase(s.key.Database) {
		s.runAdmin(ctx)
		return
	}

	if err := s.authenticate(ctx); err != nil {
		s.logger.Warn("authentication failed", "error", err)
		return
	}

	if err := s.initProcessState(); err != nil {
		return
	}
	s.logger = s.logger.With("pid", s.cancelKey.PID)
	s.service.registerSession(s)
	defer s.service.unregisterSession(s)

	s.sendAuthOKAndParams()
	s.run(ctx)
}

// handleStartup reads untyped first frames: SSL and GSS probes, cancel
// requests, and finally the StartupMessage. Returns isCancel=true when the
// connection was a cancel request and is done.
func (s *Session) handleStartup(ctx context.Context) (bool, error) {
	for {
		code, body, err := s.readStartupFrame()
		if err != nil {
			return false, err
		}

		switch code {
		case pgwire.SSLRequestCode:
			if err := s.handleSSLRequest(); err != nil {
				return false, err
			}

		case pgwire.GSSEncRequestCode:
			// GSS encryption is not supported; decline and keep reading.
			if _, err := s.conn.Write([]byte{'N'}); err != nil {
				return false, err
			}

		case pgwire.CancelRequestCode:
			if len(body) < 12 {
				return false, pgwire.NewProtocolViolation(fmt.Errorf("short cancel request"), 0)
			}
			key := CancelKey{
				PID:    binary.BigEndian.Uint32(body[4:8]),
				Secret: binary.BigEndian.Uint32(body[8:12]),
			}
			s.service.cancels.Cancel(ctx, key)
			return true, nil

		default:
			if code>>16 != 3 {
				return false, pgwire.NewProtocolViolation(fmt.Errorf("unsupported protocol version %d", code), 0)
			}
			return false, s.handleStartupMessage(body)
		}
	}
}

func (s *Session) readStartupFrame() (uint32, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 8 || length > maxStartupFrame {
		return 0, nil, pgwire.NewProtocolViolation(fmt.Errorf("invalid startup packet length %d", length), 0)
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint32(body[:4]), body, nil
}

func (s *Session) handleSSLRequest() error {
	tlsCfg := s.service.tlsConfig.Load()
	if tlsCfg == nil {
		// TLS not configured. Per observed driver expectations, an
		// over-admission TLS probe also gets 'N' rather than an error.
		_, err := s.conn.Write([]byte{'N'})
		return err
	}
	if !s.admitted {
		_, err := s.conn.Write([]byte{'N'})
		if err != nil {
			return err
		}
		return nil
	}

	if _, err := s.conn.Write([]byte{'S'}); err != nil {
		return err
	}
	tlsConn := tls.Server(s.conn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	s.conn = tlsConn
	state := tlsConn.ConnectionState()
	s.tlsState = &state
	s.reader = pgwire.NewRawReader(s.conn, s.service.acct)
	return nil
}

func (s *Session) handleStartupMessage(body []byte) error {
	if !s.admitted {
		s.sendError(pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.TooManyConnections,
			"sorry, too many clients already", nil))
		return errors.New("admission limit reached")
	}

	var startup pgproto3.StartupMessage
	if err := startup.Decode(body); err != nil {
		return pgwire.NewProtocolViolation(err, 0)
	}

	cfg := s.service.Config()
	if cfg.TLSRequired() && s.tlsState == nil {
		s.sendError(pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.ProtocolViolation, "SSL/TLS required", nil))
		return errors.New("client did not request SSL but tls_mode requires it")
	}

	s.startupParams = startup.Parameters
	user := startup.Parameters["user"]
	database := startup.Parameters["database"]
	if user == "" {
		s.sendError(pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.InvalidAuthorizationSpecification, "no user specified", nil))
		return errors.New("no user in startup message")
	}
	if database == "" {
		database = user
	}
	s.key = backend.PoolKey{Database: database, User: user}

	if config.IsAdminDatabase(database) {
		return nil
	}

	poolCfg, userCfg, ok := cfg.FindUser(database, user)
	if !ok {
		s.sendError(pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.InvalidAuthorizationSpecification,
			fmt.Sprintf("no pool configured for database %q user %q", database, user), nil))
		return fmt.Errorf("unknown pool %s", s.key)
	}
	s.poolCfg = poolCfg
	s.userCfg = userCfg
	return nil
}

func (s *Session) initProcessState() error {
	var secret [4]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return err
	}
	s.cancelKey = CancelKey{
		PID:    s.service.pidCounter.Add(1),
		Secret: binary.BigEndian.Uint32(secret[:]),
	}
	return nil
}

func (s *Session) sendAuthOKAndParams() {
	statuses := params.BaseParameterStatuses.Clone()
	for _, p := range []string{params.ParamApplicationName, params.ParamClientEncoding} {
		if v, ok := s.startupParams[p]; ok {
			statuses[p] = v
		}
	}

	var buf []byte
	buf, _ = (&pgproto3.AuthenticationOk{}).Encode(buf)
	for name, value := range statuses {
		buf, _ = (&pgproto3.ParameterStatus{Name: name, Value: value}).Encode(buf)
	}
	buf, _ = (&pgproto3.BackendKeyData{ProcessID: s.cancelKey.PID, SecretKey: s.cancelKey.Secret}).Encode(buf)
	buf, _ = (&pgproto3.ReadyForQuery{TxStatus: byte(pgwire.TxIdle)}).Encode(buf)
	if _, err := s.conn.Write(buf); err != nil {
		s.logger.Debug("failed to complete startup", "error", err)
	}
	s.state.Store(stateIdle)
}

// run is the main relay loop, dispatching client frames until the session
// ends.
func (s *Session) run(ctx context.Context) {
	for {
		if s.forced.Load() {
			s.sendShutdownError()
			return
		}

		frame, err := s.reader.ReadFrame()
		if err != nil {
			if s.forced.Load() {
				_ = s.conn.SetReadDeadline(time.Time{})
				s.sendShutdownError()
				return
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("client read failed", "error", err)
			}
			return
		}

		if err := s.dispatch(ctx, frame); err != nil {
			var pgErr *pgwire.Err
			if errors.As(err, &pgErr) {
				s.sendError(pgErr)
				if !pgErr.IsFatal() {
					continue
				}
			}
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, frame pgwire.Frame) error {
	switch frame.Type {
	case pgwire.MsgClientTerminate:
		body, err := frame.ReadBody()
		if err == nil {
			s.reader.Release(body)
		}
		return io.EOF

	case pgwire.MsgClientQuery:
		return s.handleSimpleQuery(ctx, frame)

	case pgwire.MsgClientParse, pgwire.MsgClientBind, pgwire.MsgClientDescribe,
		pgwire.MsgClientExecute, pgwire.MsgClientClose:
		return s.bufferExtended(ctx, frame)

	case pgwire.MsgClientSync:
		return s.handleSync(ctx, frame)

	case pgwire.MsgClientFlush:
		return s.handleFlush(ctx, frame)

	case pgwire.MsgClientFunc:
		return s.handleFunctionCall(ctx, frame)

	case pgwire.MsgClientCopyData, pgwire.MsgClientCopyDone, pgwire.MsgClientCopyFail:
		return pgwire.NewProtocolViolation(errors.New("COPY message outside copy mode"), frame.Type)

	default:
		return pgwire.NewProtocolViolation(nil, frame.Type)
	}
}

// ensureBackend acquires a backend for the session's pool key and aligns its
// run-time parameters with the client's.
func (s *Session) ensureBackend(ctx context.Context) error {
	if s.backend != nil {
		return nil
	}

	cfg := s.service.Config()
	pool, ok := s.service.registry.Get(cfg, s.key)
	if !ok {
		return pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.InvalidCatalogName,
			fmt.Sprintf("pool %q is gone", s.key), nil)
	}

	s.state.Store(stateWaiting)
	start := time.Now()
	acquireCtx, cancel := context.WithTimeout(ctx, cfg.General.QueryWaitTimeout.Std())
	conn, err := pool.Acquire(acquireCtx)
	cancel()
	s.service.metrics.BackendAcquireDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.state.Store(stateIdle)
		var pgErr *pgwire.Err
		if errors.As(err, &pgErr) {
			return pgErr
		}
		return pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.CannotConnectNow, "failed to acquire backend", err)
	}
	s.state.Store(stateActive)

	if err := s.alignParams(ctx, cfg, conn); err != nil {
		pool.Release(conn, false)
		return pgwire.NewErr(pgwire.Error, pgerrcode.ConnectionFailure, "failed to prepare backend", err)
	}

	s.backend = conn
	s.pool = pool
	s.boundBackend.Store(conn)
	return nil
}

func (s *Session) alignParams(ctx context.Context, cfg *config.Config, conn *backend.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	if cfg.General.SyncServerParameters {
		want := params.ParameterStatuses{}
		for k, v := range s.startupParams {
			if !params.StartupOnly[k] {
				want[k] = v
			}
		}
		return conn.SyncParams(ctx, want)
	}
	return conn.PushApplicationName(ctx, s.startupParams[params.ParamApplicationName])
}

// maybeRelease applies the release-semantics matrix after a ReadyForQuery.
func (s *Session) maybeRelease() {
	if s.backend == nil || len(s.pending) > 0 || len(s.outBuf) > 0 {
		return
	}
	settings := s.pool.Settings()
	if settings.Mode == config.PoolModeSession {
		return
	}
	if s.txStatus != pgwire.TxIdle {
		return
	}
	s.releaseBackend(true)
	s.state.Store(stateIdle)
}

func (s *Session) releaseBackend(ok bool) {
	conn := s.backend
	if conn == nil {
		return
	}
	s.backend = nil
	s.boundBackend.Store(nil)
	s.pool.Release(conn, ok)
}

// close tears down the session, releasing any bound backend per §4.E: via
// discard_state in session mode, directly otherwise. A backend left
// mid-transaction is destroyed by the pool's release check.
func (s *Session) close() {
	if s.backend != nil {
		settings := s.pool.Settings()
		if settings.Mode == config.PoolModeSession && s.txStatus == pgwire.TxIdle {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			if err := s.backend.DiscardState(ctx); err != nil {
				s.backend.MarkDirty()
			}
			cancel()
		}
		s.releaseBackend(true)
	}
	s.refundOutBuf()
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("error closing client conn", "error", err)
	}
}

// beginForcedShutdown marks the session for 58006 termination and wakes a
// blocked idle read.
func (s *Session) beginForcedShutdown() {
	s.forced.Store(true)
	_ = s.conn.SetReadDeadline(time.Now())
}

func (s *Session) sendShutdownError() {
	s.sendError(pgwire.NewErr(pgwire.ErrorFatal, pgwire.SQLStateShuttingDown,
		"pooler is shut down now", nil))
}

// sendError writes an ErrorResponse. Non-fatal errors are followed by a
// ReadyForQuery so the client can continue.
func (s *Session) sendError(e *pgwire.Err) {
	s.logger.Debug("sent error to client", "code", e.Code, "message", e.Message)
	var buf []byte
	buf, _ = e.ErrorResponse.Encode(buf)
	if !e.IsFatal() {
		buf, _ = (&pgproto3.ReadyForQuery{TxStatus: byte(s.txStatus)}).Encode(buf)
	}
	if _, err := s.conn.Write(buf); err != nil {
		s.logger.Debug("error writing to client", "error", err)
	}
}

// writeMsgs encodes and writes protocol messages to the client.
func (s *Session) writeMsgs(msgs ...pgproto3.BackendMessage) error {
	var buf []byte
	var err error
	for _, m := range msgs {
		buf, err = m.Encode(buf)
		if err != nil {
			return err
		}
	}
	_, err = s.conn.Write(buf)
	return err
}

func (s *Session) clientInfo() ClientInfo {
	return ClientInfo{
		PID:         s.cancelKey.PID,
		Addr:        s.addr,
		Database:    s.key.Database,
		User:        s.key.User,
		State:       stateNames[s.state.Load()],
		ConnectedAt: s.connectedAt,
	}
}

// runAdmin serves the admin console for sessions opened against the
// reserved admin database names.
func (s *Session) runAdmin(ctx context.Context) {
	cfg := s.service.Config()
	if s.key.User != cfg.General.AdminUsername {
		s.sendError(pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.InvalidAuthorizationSpecification,
			fmt.Sprintf("user %q is not allowed to connect to the admin console", s.key.User), nil))
		return
	}
	s.userCfg = config.UserConfig{Username: cfg.General.AdminUsername, Password: cfg.General.AdminPassword}
	if err := s.authenticate(ctx); err != nil {
		s.logger.Warn("admin authentication failed", "error", err)
		return
	}
	if err := s.initProcessState(); err != nil {
		return
	}
	s.sendAuthOKAndParams()

	console := admin.NewConsole(s.service, s.logger)
	console.Serve(s.conn, s.reader)
}
