package frontend

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdoorman/pgdoorman/pkg/pgwire"
)

// handleSimpleQuery relays a Query message, intercepting the statements the
// pooler answers locally: the pooler check query, DEALLOCATE and DISCARD.
func (s *Session) handleSimpleQuery(ctx context.Context, frame pgwire.Frame) error {
	body, err := frame.ReadBody()
	if err != nil {
		return err
	}
	defer s.reader.Release(body)

	var query pgproto3.Query
	if err := query.Decode(body.Body); err != nil {
		return pgwire.NewProtocolViolation(err, body.Type)
	}

	cfg := s.service.Config()

	// Health check answered without touching a backend.
	if query.String == cfg.General.PoolerCheckQuery {
		return s.writeMsgs(
			&pgproto3.CommandComplete{CommandTag: []byte("")},
			&pgproto3.ReadyForQuery{TxStatus: byte(s.txStatus)},
		)
	}

	if cfg.General.PreparedStatements {
		if handled, err := s.interceptDeallocate(query.String); handled || err != nil {
			return err
		}
	}

	if err := s.ensureBackend(ctx); err != nil {
		return err
	}
	if err := s.appendOut(body.AppendTo(nil)); err != nil {
		return err
	}
	s.pending = append(s.pending, pendingResp{kind: pendingQuery})
	if err := s.flushOut(); err != nil {
		return err
	}
	if err := s.relayResponses(true); err != nil {
		return err
	}
	s.maybeRelease()
	return nil
}

// interceptDeallocate handles DEALLOCATE and DISCARD ALL statements locally
// so the server's shared prepared statements survive. Returns handled=false
// for statements that must flow to the server, including DEALLOCATE of a
// name the pooler does not know (the server then raises 26000).
func (s *Session) interceptDeallocate(sql string) (bool, error) {
	fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if len(fields) < 2 {
		return false, nil
	}

	verb := strings.ToUpper(fields[0])
	switch verb {
	case "DISCARD":
		if strings.ToUpper(fields[1]) == "ALL" && len(fields) == 2 {
			clear(s.clientPrepared)
			return true, s.writeMsgs(
				&pgproto3.CommandComplete{CommandTag: []byte("DISCARD ALL")},
				&pgproto3.ReadyForQuery{TxStatus: byte(s.txStatus)},
			)
		}
		return false, nil

	case "DEALLOCATE":
		args := fields[1:]
		if strings.ToUpper(args[0]) == "PREPARE" && len(args) > 1 {
			args = args[1:]
		}
		if len(args) != 1 {
			return false, nil
		}

		if strings.ToUpper(args[0]) == "ALL" {
			clear(s.clientPrepared)
		} else {
			name := unquoteIdent(args[0])
			if _, known := s.clientPrepared[name]; !known {
				return false, nil
			}
			delete(s.clientPrepared, name)
		}
		return true, s.writeMsgs(
			&pgproto3.CommandComplete{CommandTag: []byte("DEALLOCATE")},
			&pgproto3.ReadyForQuery{TxStatus: byte(s.txStatus)},
		)

	default:
		return false, nil
	}
}

func unquoteIdent(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}
