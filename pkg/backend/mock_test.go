package backend

import (
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgproto3/v2"
)

// mockServer is a minimal PostgreSQL server: it completes the startup
// handshake without authentication and then answers every simple query with
// an empty CommandComplete. Good enough to exercise pool mechanics against
// real pgconn dials.
type mockServer struct {
	t        *testing.T
	listener net.Listener
	accepted atomic.Int32
	nextPID  atomic.Uint32
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	m := &mockServer{t: t, listener: listener}
	m.nextPID.Store(4000)
	go m.acceptLoop()
	t.Cleanup(func() { _ = listener.Close() })
	return m
}

func (m *mockServer) addr() (string, int) {
	tcpAddr := m.listener.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func (m *mockServer) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		m.accepted.Add(1)
		go m.handle(conn)
	}
}

func (m *mockServer) handle(conn net.Conn) {
	defer conn.Close()
	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)

	if _, err := backend.ReceiveStartupMessage(); err != nil {
		return
	}
	msgs := []pgproto3.BackendMessage{
		&pgproto3.AuthenticationOk{},
		&pgproto3.ParameterStatus{Name: "server_version", Value: "16.4"},
		&pgproto3.ParameterStatus{Name: "TimeZone", Value: "UTC"},
		&pgproto3.BackendKeyData{ProcessID: m.nextPID.Add(1), SecretKey: 12345},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	}
	for _, msg := range msgs {
		if err := backend.Send(msg); err != nil {
			return
		}
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			if err != io.EOF {
				return
			}
			return
		}
		switch msg.(type) {
		case *pgproto3.Query:
			_ = backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("SET")})
			_ = backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		case *pgproto3.Terminate:
			return
		}
	}
}

func (m *mockServer) settings() Settings {
	host, port := m.addr()
	return Settings{
		Dial: DialSettings{
			Host:           host,
			Port:           port,
			Database:       "testdb",
			User:           "tester",
			ConnectTimeout: 3 * time.Second,
			SettingsHash:   "hash-v1",
		},
		Size:              2,
		Mode:              "transaction",
		PreparedCacheSize: 16,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
