package admin

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgdoorman/pgdoorman/pkg/backend"
	"github.com/pgdoorman/pgdoorman/pkg/config"
	"github.com/pgdoorman/pgdoorman/pkg/pgwire"
)

type fakeSource struct {
	cfg       *config.Config
	reloaded  int
	shutdowns int
}

func (f *fakeSource) Config() *config.Config { return f.cfg }
func (f *fakeSource) Version() string        { return "1.8.2-test" }
func (f *fakeSource) PoolSnapshots() []backend.Snapshot {
	return []backend.Snapshot{{
		Key:     backend.PoolKey{Database: "appdb", User: "app"},
		Mode:    config.PoolModeTransaction,
		Size:    10,
		Live:    3,
		Idle:    2,
		Active:  1,
		Waiting: 0,
		Served:  42,
	}}
}
func (f *fakeSource) Servers() []backend.ServerInfo {
	return []backend.ServerInfo{{
		Key:   backend.PoolKey{Database: "appdb", User: "app"},
		Name:  "app@appdb#1",
		PID:   4001,
		State: "idle",
		Age:   time.Minute,
	}}
}
func (f *fakeSource) ClientRows() []ClientRow {
	return []ClientRow{{PID: 7, Addr: "127.0.0.1:5", Database: "appdb", User: "app", State: "idle", ConnectedAt: time.Unix(0, 0)}}
}
func (f *fakeSource) SessionCount() int    { return 1 }
func (f *fakeSource) StatementCount() int  { return 5 }
func (f *fakeSource) MemoryUsed() int64    { return 2048 }
func (f *fakeSource) StartedAt() time.Time { return time.Now().Add(-time.Hour) }
func (f *fakeSource) ReloadFromDisk() error {
	f.reloaded++
	return nil
}
func (f *fakeSource) RequestShutdown() { f.shutdowns++ }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse(`
[general]
admin_password = "secret"

[pools.appdb.users.0]
username = "app"
password = "hunter2"
`)
	require.NoError(t, err)
	return cfg
}

// consoleConn wires a Console to an in-memory connection and returns the
// client side as a pgproto3 frontend.
func consoleConn(t *testing.T, source Source) *pgproto3.Frontend {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	console := NewConsole(source, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go console.Serve(server, pgwire.NewRawReader(server, nil))

	return pgproto3.NewFrontend(pgproto3.NewChunkReader(client), client)
}

// runQuery collects the DataRows of one admin command.
func runQuery(t *testing.T, frontend *pgproto3.Frontend, sql string) (cols []string, rows [][]string, tag string) {
	t.Helper()
	require.NoError(t, frontend.Send(&pgproto3.Query{String: sql}))

	for {
		msg, err := frontend.Receive()
		require.NoError(t, err)
		switch m := msg.(type) {
		case *pgproto3.RowDescription:
			for _, f := range m.Fields {
				cols = append(cols, string(f.Name))
			}
		case *pgproto3.DataRow:
			row := make([]string, len(m.Values))
			for i, v := range m.Values {
				row[i] = string(v)
			}
			rows = append(rows, row)
		case *pgproto3.CommandComplete:
			tag = string(m.CommandTag)
		case *pgproto3.NoticeResponse, *pgproto3.ErrorResponse, *pgproto3.EmptyQueryResponse:
			// collected implicitly via tag-less flow
		case *pgproto3.ReadyForQuery:
			require.EqualValues(t, 'I', m.TxStatus)
			return cols, rows, tag
		}
	}
}

func TestShowVersion(t *testing.T) {
	frontend := consoleConn(t, &fakeSource{cfg: testConfig(t)})
	cols, rows, tag := runQuery(t, frontend, "SHOW VERSION")
	assert.Equal(t, []string{"version"}, cols)
	require.Len(t, rows, 1)
	assert.Equal(t, "PgDoorman 1.8.2-test", rows[0][0])
	assert.Equal(t, "SHOW", tag)
}

func TestShowPools(t *testing.T) {
	frontend := consoleConn(t, &fakeSource{cfg: testConfig(t)})
	cols, rows, _ := runQuery(t, frontend, "show pools")
	assert.Contains(t, cols, "cl_active")
	require.Len(t, rows, 1)
	assert.Equal(t, "appdb", rows[0][0])
	assert.Equal(t, "app", rows[0][1])
	assert.Equal(t, "transaction", rows[0][2])
}

func TestShowPoolsExtended(t *testing.T) {
	frontend := consoleConn(t, &fakeSource{cfg: testConfig(t)})
	cols, rows, _ := runQuery(t, frontend, "SHOW POOLS_EXTENDED")
	assert.Contains(t, cols, "sv_total")
	assert.Contains(t, cols, "served")
	require.Len(t, rows, 1)
}

func TestShowDatabasesAndUsers(t *testing.T) {
	frontend := consoleConn(t, &fakeSource{cfg: testConfig(t)})

	_, rows, _ := runQuery(t, frontend, "SHOW DATABASES")
	require.Len(t, rows, 1)
	assert.Equal(t, "appdb", rows[0][0])

	_, rows, _ = runQuery(t, frontend, "SHOW USERS")
	require.Len(t, rows, 1)
	assert.Equal(t, "app", rows[0][0])
}

func TestShowClientsAndServers(t *testing.T) {
	frontend := consoleConn(t, &fakeSource{cfg: testConfig(t)})

	_, rows, _ := runQuery(t, frontend, "SHOW CLIENTS")
	require.Len(t, rows, 1)
	assert.Equal(t, "7", rows[0][0])

	_, rows, _ = runQuery(t, frontend, "SHOW SERVERS")
	require.Len(t, rows, 1)
	assert.Equal(t, "app@appdb#1", rows[0][0])
}

func TestShowListsAndConnections(t *testing.T) {
	frontend := consoleConn(t, &fakeSource{cfg: testConfig(t)})

	cols, rows, _ := runQuery(t, frontend, "SHOW LISTS")
	assert.Equal(t, []string{"list", "items"}, cols)
	assert.NotEmpty(t, rows)

	_, rows, _ = runQuery(t, frontend, "SHOW CONNECTIONS")
	assert.NotEmpty(t, rows)
}

func TestShowConfigMasksPasswords(t *testing.T) {
	frontend := consoleConn(t, &fakeSource{cfg: testConfig(t)})
	_, rows, _ := runQuery(t, frontend, "SHOW CONFIG")
	for _, row := range rows {
		for _, cell := range row {
			assert.NotContains(t, cell, "hunter2")
			assert.NotContains(t, cell, `"secret"`)
		}
	}
}

func TestReload(t *testing.T) {
	source := &fakeSource{cfg: testConfig(t)}
	frontend := consoleConn(t, source)
	_, _, tag := runQuery(t, frontend, "RELOAD")
	assert.Equal(t, "RELOAD", tag)
	assert.Equal(t, 1, source.reloaded)
}

func TestShutdown(t *testing.T) {
	source := &fakeSource{cfg: testConfig(t)}
	frontend := consoleConn(t, source)
	_, _, tag := runQuery(t, frontend, "SHUTDOWN")
	assert.Equal(t, "SHUTDOWN", tag)
	assert.Equal(t, 1, source.shutdowns)
}

func TestUnknownShowCommand(t *testing.T) {
	frontend := consoleConn(t, &fakeSource{cfg: testConfig(t)})
	require.NoError(t, frontend.Send(&pgproto3.Query{String: "SHOW NONSENSE"}))

	sawError := false
	for {
		msg, err := frontend.Receive()
		require.NoError(t, err)
		if _, ok := msg.(*pgproto3.ErrorResponse); ok {
			sawError = true
		}
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			break
		}
	}
	assert.True(t, sawError)
}
