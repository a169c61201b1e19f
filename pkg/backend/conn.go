// Package backend manages connections to real PostgreSQL servers and the
// per-(database,user) pools they live in.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdoorman/pgdoorman/pkg/config"
	"github.com/pgdoorman/pgdoorman/pkg/params"
	"github.com/pgdoorman/pgdoorman/pkg/pgwire"
)

// PoolKey identifies a pool: clients are bound to exactly one key from
// startup to termination.
type PoolKey struct {
	Database string
	User     string
}

func (k PoolKey) String() string {
	return k.User + "@" + k.Database
}

var connIDCounter atomic.Uint64

// Conn owns one TCP connection to a PostgreSQL server. It is either in
// exactly one Pool's idle set or bound to exactly one client session, never
// both and never neither while alive.
type Conn struct {
	ID  uint64
	Key PoolKey

	pg     *pgconn.PgConn
	conn   net.Conn
	reader *pgwire.RawReader

	// Prepared is the LRU of global statement names currently Parsed on this
	// server connection.
	Prepared *pgwire.PreparedTable

	// ServerParams collects the ParameterStatus values reported by the
	// server, updated as ParameterStatus messages transit the relay.
	ServerParams params.ParameterStatuses

	// appliedParams tracks what the pooler itself has SET on this
	// connection, to compute the next client's diff.
	appliedParams params.ParameterStatuses

	txStatus  pgwire.TxStatus
	createdAt time.Time
	lastUsed  time.Time

	// SettingsHash snapshots the connection-relevant config at dial time;
	// a reload that changes it retires the conn on next release.
	SettingsHash string

	closeOnRelease atomic.Bool
	// dirty means session state may diverge in ways the pooler cannot see
	// (e.g. a named statement prepared while rewriting was off); the conn is
	// discarded rather than reused.
	dirty bool

	stats  ConnStats
	logger *slog.Logger
}

// ConnStats are per-backend counters aggregated into SHOW SERVERS/STATS.
type ConnStats struct {
	Queries      atomic.Uint64
	Transactions atomic.Uint64
	BytesIn      atomic.Uint64
	BytesOut     atomic.Uint64
	PrepareHit   atomic.Uint64
	PrepareMiss  atomic.Uint64
}

// DialSettings carries everything needed to open one backend connection.
type DialSettings struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	TLS            bool
	VerifyTLS      bool
	ConnectTimeout time.Duration
	StartupParams  map[string]string
	SettingsHash   string
}

func (d DialSettings) pgconnConfig() (*pgconn.Config, error) {
	// ParseConfig must build the config; pgconn rejects hand-constructed
	// Config values. TLS is attached after parsing.
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s sslmode=disable",
		quoteDSN(d.Host), d.Port, quoteDSN(d.Database), quoteDSN(d.User))
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid backend settings: %w", err)
	}
	cfg.Password = d.Password
	cfg.ConnectTimeout = d.ConnectTimeout
	if d.TLS {
		pc := config.PoolConfig{ServerHost: d.Host, ServerTLS: true, VerifyServerCertificate: d.VerifyTLS}
		cfg.TLSConfig = pc.ServerTLSConfig()
	}
	for k, v := range d.StartupParams {
		cfg.RuntimeParams[k] = v
	}
	return cfg, nil
}

func quoteDSN(v string) string {
	if !strings.ContainsAny(v, " '\\") {
		return v
	}
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

// Open dials and authenticates one server connection. The pgconn machinery
// handles startup, auth (cleartext, md5, SCRAM-SHA-256) and TLS; after Open
// returns, all traffic flows through the raw frame reader.
func Open(ctx context.Context, key PoolKey, settings DialSettings, acct *pgwire.Accountant, preparedCapacity int, logger *slog.Logger) (*Conn, error) {
	cfg, err := settings.pgconnConfig()
	if err != nil {
		return nil, err
	}

	if settings.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.ConnectTimeout)
		defer cancel()
	}

	pg, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("backend connect failed: %w", err)
	}

	now := time.Now()
	c := &Conn{
		ID:            connIDCounter.Add(1),
		Key:           key,
		pg:            pg,
		conn:          pg.Conn(),
		Prepared:      pgwire.NewPreparedTable(preparedCapacity),
		ServerParams:  params.ParameterStatuses{},
		appliedParams: params.ParameterStatuses{},
		txStatus:      pgwire.TxStatus(pg.TxStatus()),
		createdAt:     now,
		lastUsed:      now,
		SettingsHash:  settings.SettingsHash,
	}
	c.reader = pgwire.NewRawReader(c.conn, acct)
	for _, p := range params.BaseTrackedParameters {
		if v := pg.ParameterStatus(p); v != "" {
			c.ServerParams[p] = v
		}
	}
	c.logger = logger.With("backend", c.Name(), "pid", pg.PID())
	return c, nil
}

// Name identifies the connection in logs and SHOW SERVERS.
func (c *Conn) Name() string {
	return fmt.Sprintf("%s#%d", c.Key, c.ID)
}

// PID returns the real server process id, used for out-of-band cancel.
func (c *Conn) PID() uint32 { return c.pg.PID() }

// SecretKey returns the real server secret key.
func (c *Conn) SecretKey() uint32 { return c.pg.SecretKey() }

// TxStatus reports the last transaction status observed on the wire.
func (c *Conn) TxStatus() pgwire.TxStatus { return c.txStatus }

// SetTxStatus records the status byte of a relayed ReadyForQuery.
func (c *Conn) SetTxStatus(s pgwire.TxStatus) {
	if s == pgwire.TxIdle && c.txStatus != pgwire.TxIdle {
		c.stats.Transactions.Add(1)
	}
	c.txStatus = s
}

// MarkDirty flags the connection as holding invisible session state; it will
// be closed instead of returned to the pool.
func (c *Conn) MarkDirty() { c.dirty = true }

// Dirty reports whether the connection must not be reused.
func (c *Conn) Dirty() bool { return c.dirty }

// MarkForClose retires the connection at its next release, used after a
// RELOAD changed connection settings or a trim shrank the pool.
func (c *Conn) MarkForClose() { c.closeOnRelease.Store(true) }

// Age returns how long the connection has existed.
func (c *Conn) Age() time.Duration { return time.Since(c.createdAt) }

// IdleSince returns the last time the conn was used by a client.
func (c *Conn) IdleSince() time.Time { return c.lastUsed }

// Touch updates the last-used stamp on release.
func (c *Conn) Touch() { c.lastUsed = time.Now() }

// Stats exposes the per-connection counters.
func (c *Conn) Stats() *ConnStats { return &c.stats }

// ReadFrame reads the next server frame header. The session decides whether
// to buffer or stream the body.
func (c *Conn) ReadFrame() (pgwire.Frame, error) {
	return c.reader.ReadFrame()
}

// Reader exposes the raw reader for body release accounting.
func (c *Conn) Reader() *pgwire.RawReader { return c.reader }

// Write relays raw bytes to the server.
func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.conn.Write(p)
	c.stats.BytesOut.Add(uint64(n))
	return n, err
}

// SetWriteDeadline implements pgwire.DeadlineWriter for streamed relays.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// SendMsg encodes and writes a single protocol message.
func (c *Conn) SendMsg(msg pgproto3.FrontendMessage) error {
	buf, err := msg.Encode(nil)
	if err != nil {
		return err
	}
	_, err = c.Write(buf)
	return err
}

// SimpleQuery runs sql over the raw wire and discards all result rows,
// returning the server's error if the command failed. Used for state
// maintenance statements, never for client traffic.
func (c *Conn) SimpleQuery(ctx context.Context, sql string) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return err
		}
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}

	if err := c.SendMsg(&pgproto3.Query{String: sql}); err != nil {
		return err
	}

	var queryErr error
	for {
		frame, err := c.ReadFrame()
		if err != nil {
			return err
		}
		body, err := frame.ReadBody()
		if err != nil {
			return err
		}

		switch frame.Type {
		case pgwire.MsgServerErrorResponse:
			var er pgproto3.ErrorResponse
			if err := er.Decode(body.Body); err == nil {
				queryErr = pgwire.NewErr(pgwire.Error, er.Code, er.Message, nil)
			} else {
				queryErr = fmt.Errorf("server error during %q", sql)
			}
		case pgwire.MsgServerParameterStatus:
			var ps pgproto3.ParameterStatus
			if err := ps.Decode(body.Body); err == nil {
				c.ServerParams[ps.Name] = ps.Value
			}
		case pgwire.MsgServerReadyForQuery:
			if len(body.Body) == 1 {
				c.SetTxStatus(pgwire.TxStatus(body.Body[0]))
			}
			c.reader.Release(body)
			return queryErr
		}
		c.reader.Release(body)
	}
}

// DiscardState resets all session state the previous client may have left:
// prepared statements, GUCs, cursors and LISTEN registrations.
func (c *Conn) DiscardState(ctx context.Context) error {
	err := c.SimpleQuery(ctx, "DEALLOCATE ALL; RESET ALL; CLOSE ALL; UNLISTEN *;")
	if err == nil {
		c.Prepared.Clear()
		c.appliedParams = params.ParameterStatuses{}
	}
	return err
}

// SyncParams aligns the server's run-time settings with the client's
// requested set by issuing a single SET batch for changed keys.
func (c *Conn) SyncParams(ctx context.Context, want params.ParameterStatuses) error {
	var b strings.Builder
	for key, value := range want {
		if params.StartupOnly[key] {
			continue
		}
		if c.appliedParams[key] == value && c.ServerParams[key] == value {
			continue
		}
		fmt.Fprintf(&b, "SET %s = %s; ", quoteIdent(key), quoteLiteral(value))
		c.appliedParams[key] = value
	}
	if b.Len() == 0 {
		return nil
	}
	return c.SimpleQuery(ctx, strings.TrimSpace(b.String()))
}

// PushApplicationName sets only application_name, the one parameter pushed
// even when sync_server_parameters is off.
func (c *Conn) PushApplicationName(ctx context.Context, name string) error {
	if name == "" || c.appliedParams[params.ParamApplicationName] == name {
		return nil
	}
	c.appliedParams[params.ParamApplicationName] = name
	return c.SimpleQuery(ctx, fmt.Sprintf("SET application_name = %s;", quoteLiteral(name)))
}

// CancelActiveRequest opens a short-lived connection to the server and sends
// a cancel carrying this connection's real BackendKeyData.
func (c *Conn) CancelActiveRequest(ctx context.Context) error {
	return c.pg.CancelRequest(ctx)
}

// Close terminates the server connection. A Terminate message is attempted
// on a best-effort basis before the socket is torn down.
func (c *Conn) Close() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if buf, err := (&pgproto3.Terminate{}).Encode(nil); err == nil {
		_, _ = c.conn.Write(buf)
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("error closing backend", "error", err)
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
