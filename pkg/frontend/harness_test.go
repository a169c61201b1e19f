package frontend

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgproto3/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pgdoorman/pgdoorman/pkg/auth"
	"github.com/pgdoorman/pgdoorman/pkg/config"
	"github.com/pgdoorman/pgdoorman/pkg/observability"
)

// recorded is one frontend message observed by the mock PostgreSQL server.
type recorded struct {
	Kind  string
	Name  string // statement name for Parse/Bind/Describe/Close
	Query string // SQL for Parse/Query
}

// recordingServer is a mock PostgreSQL server that accepts pgconn startups
// without auth, records every message, and produces protocol-correct
// responses, including transaction state for BEGIN/COMMIT/ROLLBACK.
type recordingServer struct {
	t        *testing.T
	listener net.Listener

	mu       sync.Mutex
	messages []recorded

	accepted atomic.Int32
	nextPID  atomic.Uint32
}

func newRecordingServer(t *testing.T) *recordingServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &recordingServer{t: t, listener: listener}
	s.nextPID.Store(40000)
	go s.acceptLoop()
	t.Cleanup(func() { _ = listener.Close() })
	return s
}

func (s *recordingServer) addr() (string, int) {
	tcpAddr := s.listener.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func (s *recordingServer) record(r recorded) {
	s.mu.Lock()
	s.messages = append(s.messages, r)
	s.mu.Unlock()
}

// Recorded returns a copy of everything the server has seen.
func (s *recordingServer) Recorded() []recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recorded, len(s.messages))
	copy(out, s.messages)
	return out
}

// CountKind counts recorded messages of one kind.
func (s *recordingServer) CountKind(kind string) int {
	n := 0
	for _, r := range s.Recorded() {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func (s *recordingServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		go s.handle(conn)
	}
}

func (s *recordingServer) handle(conn net.Conn) {
	defer conn.Close()
	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)

	if _, err := backend.ReceiveStartupMessage(); err != nil {
		return
	}
	startup := []pgproto3.BackendMessage{
		&pgproto3.AuthenticationOk{},
		&pgproto3.ParameterStatus{Name: "server_version", Value: "16.4"},
		&pgproto3.ParameterStatus{Name: "TimeZone", Value: "UTC"},
		&pgproto3.BackendKeyData{ProcessID: s.nextPID.Add(1), SecretKey: 777},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	}
	for _, msg := range startup {
		if err := backend.Send(msg); err != nil {
			return
		}
	}

	tx := byte('I')
	send := func(msgs ...pgproto3.BackendMessage) bool {
		for _, m := range msgs {
			if err := backend.Send(m); err != nil {
				return false
			}
		}
		return true
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *pgproto3.Parse:
			s.record(recorded{Kind: "Parse", Name: m.Name, Query: m.Query})
			if !send(&pgproto3.ParseComplete{}) {
				return
			}
		case *pgproto3.Bind:
			s.record(recorded{Kind: "Bind", Name: m.PreparedStatement})
			if !send(&pgproto3.BindComplete{}) {
				return
			}
		case *pgproto3.Describe:
			s.record(recorded{Kind: "Describe", Name: m.Name})
			if !send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
				{Name: []byte("?column?"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
			}}) {
				return
			}
		case *pgproto3.Execute:
			s.record(recorded{Kind: "Execute"})
			if !send(
				&pgproto3.DataRow{Values: [][]byte{[]byte("1")}},
				&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
			) {
				return
			}
		case *pgproto3.Close:
			s.record(recorded{Kind: "Close", Name: m.Name})
			if !send(&pgproto3.CloseComplete{}) {
				return
			}
		case *pgproto3.Sync:
			s.record(recorded{Kind: "Sync"})
			if !send(&pgproto3.ReadyForQuery{TxStatus: tx}) {
				return
			}
		case *pgproto3.CopyData:
			s.record(recorded{Kind: "CopyData"})
		case *pgproto3.CopyDone:
			s.record(recorded{Kind: "CopyDone"})
			if !send(&pgproto3.CommandComplete{CommandTag: []byte("COPY 2")}, &pgproto3.ReadyForQuery{TxStatus: tx}) {
				return
			}
		case *pgproto3.CopyFail:
			s.record(recorded{Kind: "CopyFail"})
			if !send(
				&pgproto3.ErrorResponse{Severity: "ERROR", Code: "57014", Message: m.Message},
				&pgproto3.ReadyForQuery{TxStatus: tx},
			) {
				return
			}
		case *pgproto3.Query:
			s.record(recorded{Kind: "Query", Query: m.String})
			switch m.String {
			case "COPY t FROM STDIN":
				if !send(&pgproto3.CopyInResponse{OverallFormat: 0, ColumnFormatCodes: []uint16{0, 0}}) {
					return
				}
			case "BEGIN":
				tx = 'T'
				if !send(&pgproto3.CommandComplete{CommandTag: []byte("BEGIN")}, &pgproto3.ReadyForQuery{TxStatus: tx}) {
					return
				}
			case "COMMIT", "ROLLBACK":
				tx = 'I'
				if !send(&pgproto3.CommandComplete{CommandTag: []byte(m.String)}, &pgproto3.ReadyForQuery{TxStatus: tx}) {
					return
				}
			default:
				if !send(
					&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
						{Name: []byte("?column?"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
					}},
					&pgproto3.DataRow{Values: [][]byte{[]byte("1")}},
					&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
					&pgproto3.ReadyForQuery{TxStatus: tx},
				) {
					return
				}
			}
		case *pgproto3.Terminate:
			return
		}
	}
}

const testPassword = "hunter2"

// newTestService builds a Service routing "appdb"/"app" at the mock server.
func newTestService(t *testing.T, server *recordingServer, mutate func(*config.Config)) *Service {
	t.Helper()
	host, port := server.addr()

	inner := md5.Sum([]byte(testPassword + "app"))
	cfg, err := config.Parse(fmt.Sprintf(`
[general]
prepared_statements = true
admin_password = "md5%s"

[pools.appdb]
server_host = "%s"
server_port = %d
server_database = "testdb"
pool_mode = "transaction"

[pools.appdb.users.0]
username = "app"
password = "md5%s"
pool_size = 2
`, hex.EncodeToString(inner[:]), host, port, hex.EncodeToString(inner[:])))
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewService(cfg, config.NewSecretCache(nil), observability.NewMetrics(prometheus.NewRegistry()), logger)
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)
	return svc
}

// testClient is a PostgreSQL client driving a live Session over net.Pipe.
type testClient struct {
	t        *testing.T
	conn     net.Conn
	frontend *pgproto3.Frontend
	key      *pgproto3.BackendKeyData
}

// connectClient performs startup and md5 authentication against the service.
func connectClient(t *testing.T, svc *Service, user, database string) *testClient {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	go svc.HandleConn(context.Background(), serverSide)
	t.Cleanup(func() { _ = clientSide.Close() })

	c := &testClient{
		t:        t,
		conn:     clientSide,
		frontend: pgproto3.NewFrontend(pgproto3.NewChunkReader(clientSide), clientSide),
	}

	require.NoError(t, c.frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": user, "database": database},
	}))

	for {
		msg, err := c.frontend.Receive()
		require.NoError(t, err)
		switch m := msg.(type) {
		case *pgproto3.AuthenticationMD5Password:
			response := auth.ExpectedMD5Response(testPassword, user, m.Salt)
			require.NoError(t, c.frontend.Send(&pgproto3.PasswordMessage{Password: response}))
		case *pgproto3.AuthenticationOk, *pgproto3.ParameterStatus:
			// keep reading
		case *pgproto3.BackendKeyData:
			key := *m
			c.key = &key
		case *pgproto3.ReadyForQuery:
			require.EqualValues(t, 'I', m.TxStatus)
			return c
		case *pgproto3.ErrorResponse:
			t.Fatalf("startup failed: %s %s", m.Code, m.Message)
		default:
			t.Fatalf("unexpected startup message %T", msg)
		}
	}
}

// expectStartupError connects and asserts startup fails with the SQLSTATE.
func expectStartupError(t *testing.T, svc *Service, user, database, wantCode string) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	go svc.HandleConn(context.Background(), serverSide)
	defer clientSide.Close()

	frontend := pgproto3.NewFrontend(pgproto3.NewChunkReader(clientSide), clientSide)
	require.NoError(t, frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": user, "database": database},
	}))

	for {
		msg, err := frontend.Receive()
		require.NoError(t, err)
		if m, ok := msg.(*pgproto3.ErrorResponse); ok {
			require.Equal(t, wantCode, m.Code)
			return
		}
	}
}

func (c *testClient) send(msgs ...pgproto3.FrontendMessage) {
	c.t.Helper()
	for _, m := range msgs {
		require.NoError(c.t, c.frontend.Send(m))
	}
}

// collectUntilReady gathers response message type names until ReadyForQuery,
// returning the sequence plus the final transaction status.
func (c *testClient) collectUntilReady() ([]string, byte) {
	c.t.Helper()
	var kinds []string
	for {
		msg, err := c.frontend.Receive()
		require.NoError(c.t, err)
		kinds = append(kinds, fmt.Sprintf("%T", msg))
		if m, ok := msg.(*pgproto3.ReadyForQuery); ok {
			return kinds, m.TxStatus
		}
	}
}

// simpleQuery runs sql and returns the response kinds and command tags.
func (c *testClient) simpleQuery(sql string) (kinds []string, tags []string) {
	c.t.Helper()
	c.send(&pgproto3.Query{String: sql})
	for {
		msg, err := c.frontend.Receive()
		require.NoError(c.t, err)
		kinds = append(kinds, fmt.Sprintf("%T", msg))
		switch m := msg.(type) {
		case *pgproto3.CommandComplete:
			tags = append(tags, string(m.CommandTag))
		case *pgproto3.ReadyForQuery:
			return kinds, tags
		}
	}
}

func (c *testClient) terminate() {
	_ = c.frontend.Send(&pgproto3.Terminate{})
	_ = c.conn.Close()
}
