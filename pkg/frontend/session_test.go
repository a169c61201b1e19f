package frontend

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgdoorman/pgdoorman/pkg/config"
	"github.com/pgdoorman/pgdoorman/pkg/pgwire"
)

func TestSimpleQueryRelay(t *testing.T) {
	server := newRecordingServer(t)
	svc := newTestService(t, server, nil)
	client := connectClient(t, svc, "app", "appdb")
	defer client.terminate()

	kinds, tags := client.simpleQuery("SELECT 1")
	assert.Equal(t, []string{
		"*pgproto3.RowDescription",
		"*pgproto3.DataRow",
		"*pgproto3.CommandComplete",
		"*pgproto3.ReadyForQuery",
	}, kinds)
	assert.Equal(t, []string{"SELECT 1"}, tags)

	require.Equal(t, 1, server.CountKind("Query"))
}

func TestExtendedProtocolParity(t *testing.T) {
	server := newRecordingServer(t)
	svc := newTestService(t, server, nil)
	client := connectClient(t, svc, "app", "appdb")
	defer client.terminate()

	// Unnamed statements pass through untouched.
	client.send(
		&pgproto3.Parse{Name: "", Query: "SELECT 1"},
		&pgproto3.Bind{},
		&pgproto3.Describe{ObjectType: 'P'},
		&pgproto3.Execute{},
		&pgproto3.Sync{},
	)
	kinds, tx := client.collectUntilReady()
	assert.Equal(t, []string{
		"*pgproto3.ParseComplete",
		"*pgproto3.BindComplete",
		"*pgproto3.RowDescription",
		"*pgproto3.DataRow",
		"*pgproto3.CommandComplete",
		"*pgproto3.ReadyForQuery",
	}, kinds)
	assert.EqualValues(t, 'I', tx)

	recorded := server.Recorded()
	require.Len(t, recorded, 5)
	assert.Equal(t, "Parse", recorded[0].Kind)
	assert.Equal(t, "", recorded[0].Name, "unnamed statements are never rewritten")
}

func TestPreparedStatementRewriteAndReuse(t *testing.T) {
	server := newRecordingServer(t)
	svc := newTestService(t, server, nil)
	client := connectClient(t, svc, "app", "appdb")
	defer client.terminate()

	query := "SELECT name FROM t WHERE name=$1 LIMIT 1"

	// First pipeline: the named Parse is rewritten and forwarded.
	client.send(
		&pgproto3.Parse{Name: "s1", Query: query, ParameterOIDs: []uint32{25}},
		&pgproto3.Bind{PreparedStatement: "s1"},
		&pgproto3.Execute{},
		&pgproto3.Sync{},
	)
	kinds, _ := client.collectUntilReady()
	assert.Equal(t, []string{
		"*pgproto3.ParseComplete",
		"*pgproto3.BindComplete",
		"*pgproto3.DataRow",
		"*pgproto3.CommandComplete",
		"*pgproto3.ReadyForQuery",
	}, kinds)

	recorded := server.Recorded()
	require.Equal(t, "Parse", recorded[0].Kind)
	globalName := recorded[0].Name
	assert.True(t, strings.HasPrefix(globalName, pgwire.GlobalNamePrefix),
		"forwarded Parse must carry the rewritten name, got %q", globalName)
	assert.Equal(t, query, recorded[0].Query)
	require.Equal(t, "Bind", recorded[1].Kind)
	assert.Equal(t, globalName, recorded[1].Name, "Bind is rewritten to the global name")

	// Second pipeline, same statement text under a new client name: the
	// Parse must NOT reach the server again (transaction mode reuses the
	// same idle backend).
	client.send(
		&pgproto3.Parse{Name: "s2", Query: query, ParameterOIDs: []uint32{25}},
		&pgproto3.Bind{PreparedStatement: "s2"},
		&pgproto3.Execute{},
		&pgproto3.Sync{},
	)
	kinds, _ = client.collectUntilReady()
	assert.Equal(t, []string{
		"*pgproto3.ParseComplete",
		"*pgproto3.BindComplete",
		"*pgproto3.DataRow",
		"*pgproto3.CommandComplete",
		"*pgproto3.ReadyForQuery",
	}, kinds, "the client still observes a ParseComplete for the cache hit")

	assert.Equal(t, 1, server.CountKind("Parse"),
		"parsing the same statement twice sends at most one Parse per backend")
}

func TestVirtualBackendKeyData(t *testing.T) {
	server := newRecordingServer(t)
	svc := newTestService(t, server, nil)
	client := connectClient(t, svc, "app", "appdb")
	defer client.terminate()

	require.NotNil(t, client.key)
	// Real backend PIDs from the mock start at 40001; virtual PIDs must
	// never alias them.
	assert.Less(t, client.key.ProcessID, uint32(40000),
		"clients only ever see pooler-generated cancel keys")
	assert.NotZero(t, client.key.SecretKey)
}

func TestTransactionModeRelease(t *testing.T) {
	server := newRecordingServer(t)
	svc := newTestService(t, server, nil)
	client := connectClient(t, svc, "app", "appdb")
	defer client.terminate()

	_, tags := client.simpleQuery("BEGIN")
	assert.Equal(t, []string{"BEGIN"}, tags)

	snaps := svc.Registry().Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, 0, snaps[0].Idle, "backend stays bound inside a transaction")

	client.simpleQuery("SELECT 1")
	snaps = svc.Registry().Snapshots()
	assert.Equal(t, 0, snaps[0].Idle, "still bound after a query in the transaction")

	client.simpleQuery("COMMIT")
	require.Eventually(t, func() bool {
		snaps := svc.Registry().Snapshots()
		return len(snaps) == 1 && snaps[0].Idle == 1
	}, time.Second, 5*time.Millisecond, "ReadyForQuery('I') releases the backend")

	// The whole transaction ran on one backend connection.
	assert.Equal(t, int32(1), server.accepted.Load())
}

func TestDeallocateAllHandledLocally(t *testing.T) {
	server := newRecordingServer(t)
	svc := newTestService(t, server, nil)
	client := connectClient(t, svc, "app", "appdb")
	defer client.terminate()

	client.send(
		&pgproto3.Parse{Name: "s1", Query: "SELECT 1"},
		&pgproto3.Sync{},
	)
	client.collectUntilReady()
	before := len(server.Recorded())

	_, tags := client.simpleQuery("DEALLOCATE ALL")
	assert.Equal(t, []string{"DEALLOCATE"}, tags)
	assert.Len(t, server.Recorded(), before, "DEALLOCATE ALL never reaches a backend")

	_, tags = client.simpleQuery("DISCARD ALL")
	assert.Equal(t, []string{"DISCARD ALL"}, tags)
	assert.Len(t, server.Recorded(), before)
}

func TestDeallocateUnknownNamePassesThrough(t *testing.T) {
	server := newRecordingServer(t)
	svc := newTestService(t, server, nil)
	client := connectClient(t, svc, "app", "appdb")
	defer client.terminate()

	client.simpleQuery("DEALLOCATE nothere")
	recorded := server.Recorded()
	require.NotEmpty(t, recorded)
	assert.Equal(t, "Query", recorded[len(recorded)-1].Kind)
	assert.Equal(t, "DEALLOCATE nothere", recorded[len(recorded)-1].Query)
}

func TestCloseNamedStatementIsIntercepted(t *testing.T) {
	server := newRecordingServer(t)
	svc := newTestService(t, server, nil)
	client := connectClient(t, svc, "app", "appdb")
	defer client.terminate()

	client.send(
		&pgproto3.Parse{Name: "s1", Query: "SELECT 1"},
		&pgproto3.Close{ObjectType: 'S', Name: "s1"},
		&pgproto3.Sync{},
	)
	kinds, _ := client.collectUntilReady()
	assert.Equal(t, []string{
		"*pgproto3.ParseComplete",
		"*pgproto3.CloseComplete",
		"*pgproto3.ReadyForQuery",
	}, kinds)

	assert.Equal(t, 0, server.CountKind("Close"),
		"the server keeps the statement; only the client mapping is dropped")
}

func TestPoolerCheckQueryAnsweredLocally(t *testing.T) {
	server := newRecordingServer(t)
	svc := newTestService(t, server, nil)
	client := connectClient(t, svc, "app", "appdb")
	defer client.terminate()

	kinds, tags := client.simpleQuery(";")
	assert.Equal(t, []string{"*pgproto3.CommandComplete", "*pgproto3.ReadyForQuery"}, kinds)
	assert.Equal(t, []string{""}, tags)
	assert.Equal(t, int32(0), server.accepted.Load(), "no backend is dialed for the check query")
}

func TestCopyInRelay(t *testing.T) {
	server := newRecordingServer(t)
	svc := newTestService(t, server, nil)
	client := connectClient(t, svc, "app", "appdb")
	defer client.terminate()

	client.send(&pgproto3.Query{String: "COPY t FROM STDIN"})

	msg, err := client.frontend.Receive()
	require.NoError(t, err)
	require.IsType(t, &pgproto3.CopyInResponse{}, msg)

	client.send(
		&pgproto3.CopyData{Data: []byte("1\ta\n")},
		&pgproto3.CopyData{Data: []byte("2\tb\n")},
		&pgproto3.CopyDone{},
	)

	kinds, tx := client.collectUntilReady()
	assert.Equal(t, []string{"*pgproto3.CommandComplete", "*pgproto3.ReadyForQuery"}, kinds)
	assert.EqualValues(t, 'I', tx)

	assert.Equal(t, 2, server.CountKind("CopyData"))
	assert.Equal(t, 1, server.CountKind("CopyDone"))

	// The copy committed at ReadyForQuery('I'); the backend went back idle.
	require.Eventually(t, func() bool {
		snaps := svc.Registry().Snapshots()
		return len(snaps) == 1 && snaps[0].Idle == 1
	}, time.Second, 5*time.Millisecond)
}

func TestUnknownPoolRejectedAtStartup(t *testing.T) {
	server := newRecordingServer(t)
	svc := newTestService(t, server, nil)
	expectStartupError(t, svc, "app", "nosuchdb", "28000")
	expectStartupError(t, svc, "ghost", "appdb", "28000")
}

func TestAdmissionOverflow(t *testing.T) {
	server := newRecordingServer(t)
	svc := newTestService(t, server, func(cfg *config.Config) {
		cfg.General.MaxConnections = 1
	})

	first := connectClient(t, svc, "app", "appdb")
	defer first.terminate()

	expectStartupError(t, svc, "app", "appdb", "53300")
}

func TestCancelUnknownKeyIsSilentlyDropped(t *testing.T) {
	server := newRecordingServer(t)
	svc := newTestService(t, server, nil)

	// A cancel for a key nobody owns must be dropped without a response.
	svc.Cancels().Cancel(context.Background(), CancelKey{PID: 999999, Secret: 42})

	client := connectClient(t, svc, "app", "appdb")
	defer client.terminate()
	// Wrong secret for a live pid: also dropped.
	svc.Cancels().Cancel(context.Background(), CancelKey{PID: client.key.ProcessID, Secret: client.key.SecretKey + 1})
}

func TestForcedShutdownSends58006(t *testing.T) {
	server := newRecordingServer(t)
	svc := newTestService(t, server, nil)
	client := connectClient(t, svc, "app", "appdb")
	defer client.terminate()

	require.Eventually(t, func() bool { return svc.SessionCount() == 1 },
		time.Second, 5*time.Millisecond)

	svc.BeginDrain()
	svc.ForceDrain()

	msg, err := client.frontend.Receive()
	require.NoError(t, err)
	errResp, ok := msg.(*pgproto3.ErrorResponse)
	require.True(t, ok, "expected ErrorResponse, got %T", msg)
	assert.Equal(t, "58006", errResp.Code)
}
