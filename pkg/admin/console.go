// Package admin implements the in-band admin console reachable through the
// reserved virtual databases (pgdoorman, pgbouncer). Only the simple query
// protocol is supported.
package admin

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgdoorman/pgdoorman/pkg/backend"
	"github.com/pgdoorman/pgdoorman/pkg/config"
	"github.com/pgdoorman/pgdoorman/pkg/pgwire"
)

// ClientRow is one SHOW CLIENTS row, kept here so the console does not
// depend on the frontend package.
type ClientRow struct {
	PID         uint32
	Addr        string
	Database    string
	User        string
	State       string
	ConnectedAt time.Time
}

// Source provides the live state snapshots the console renders.
type Source interface {
	Config() *config.Config
	Version() string
	PoolSnapshots() []backend.Snapshot
	Servers() []backend.ServerInfo
	ClientRows() []ClientRow
	SessionCount() int
	StatementCount() int
	MemoryUsed() int64
	StartedAt() time.Time
	ReloadFromDisk() error
	RequestShutdown()
}

// Console serves admin commands for one authenticated admin session.
type Console struct {
	source Source
	logger *slog.Logger
}

// NewConsole creates a console bound to a state source.
func NewConsole(source Source, logger *slog.Logger) *Console {
	return &Console{source: source, logger: logger}
}

// Serve runs the console loop until the client disconnects.
func (c *Console) Serve(conn net.Conn, reader *pgwire.RawReader) {
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			return
		}
		body, err := frame.ReadBody()
		if err != nil {
			return
		}

		switch frame.Type {
		case pgwire.MsgClientTerminate:
			reader.Release(body)
			return
		case pgwire.MsgClientQuery:
			var query pgproto3.Query
			decodeErr := query.Decode(body.Body)
			reader.Release(body)
			if decodeErr != nil {
				return
			}
			if err := c.execute(conn, query.String); err != nil {
				if !errors.Is(err, io.EOF) {
					c.logger.Debug("admin command failed", "error", err)
				}
				return
			}
		default:
			reader.Release(body)
			c.sendError(conn, "admin console supports only the simple query protocol")
		}
	}
}

func (c *Console) execute(conn net.Conn, sql string) error {
	fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if len(fields) == 0 {
		return writeMsgs(conn,
			&pgproto3.EmptyQueryResponse{},
			&pgproto3.ReadyForQuery{TxStatus: byte(pgwire.TxIdle)})
	}

	verb := strings.ToUpper(fields[0])
	switch verb {
	case "SHOW":
		if len(fields) < 2 {
			return c.sendError(conn, "SHOW requires an argument, try SHOW HELP")
		}
		return c.executeShow(conn, strings.ToUpper(fields[1]))

	case "RELOAD":
		if err := c.source.ReloadFromDisk(); err != nil {
			return c.sendError(conn, fmt.Sprintf("reload failed: %v", err))
		}
		return complete(conn, "RELOAD")

	case "SHUTDOWN":
		if err := complete(conn, "SHUTDOWN"); err != nil {
			return err
		}
		c.source.RequestShutdown()
		return io.EOF

	default:
		return c.sendError(conn, fmt.Sprintf("unsupported admin command %q, try SHOW HELP", verb))
	}
}

func (c *Console) executeShow(conn net.Conn, what string) error {
	switch what {
	case "HELP":
		return c.showHelp(conn)
	case "VERSION":
		return table(conn, []string{"version"}, [][]string{{"PgDoorman " + c.source.Version()}})
	case "CONFIG":
		return c.showConfig(conn)
	case "DATABASES":
		return c.showDatabases(conn)
	case "USERS":
		return c.showUsers(conn)
	case "POOLS":
		return c.showPools(conn, false)
	case "POOLS_EXTENDED":
		return c.showPools(conn, true)
	case "CLIENTS":
		return c.showClients(conn)
	case "SERVERS":
		return c.showServers(conn)
	case "LISTS":
		return c.showLists(conn)
	case "CONNECTIONS", "SOCKETS":
		return c.showConnections(conn)
	case "STATS":
		return c.showStats(conn)
	default:
		return c.sendError(conn, "Unsupported SHOW query against the admin database")
	}
}

func (c *Console) showHelp(conn net.Conn) error {
	detail := strings.Join([]string{
		"",
		"SHOW HELP|CONFIG|DATABASES|POOLS|POOLS_EXTENDED|CLIENTS|SERVERS|USERS|VERSION",
		"SHOW LISTS",
		"SHOW CONNECTIONS|SOCKETS",
		"SHOW STATS",
		"RELOAD",
		"SHUTDOWN",
	}, "\n\t")

	notice := &pgproto3.NoticeResponse{
		Severity: string(pgwire.NoticeLog),
		Code:     "00000",
		Message:  "Console usage",
		Detail:   detail,
	}
	return writeMsgs(conn,
		notice,
		&pgproto3.CommandComplete{CommandTag: []byte("SHOW")},
		&pgproto3.ReadyForQuery{TxStatus: byte(pgwire.TxIdle)})
}

func (c *Console) showConfig(conn net.Conn) error {
	var rows [][]string
	for _, line := range c.source.Config().Redacted() {
		key, value, found := strings.Cut(line, "=")
		if !found {
			key, value = line, ""
		}
		rows = append(rows, []string{strings.TrimSpace(key), strings.TrimSpace(value)})
	}
	return table(conn, []string{"key", "value"}, rows)
}

func (c *Console) showDatabases(conn net.Conn) error {
	cfg := c.source.Config()
	var rows [][]string
	for _, name := range cfg.PoolNames() {
		pool := cfg.Pools[name]
		rows = append(rows, []string{
			name,
			pool.ServerHost,
			strconv.Itoa(pool.ServerPort),
			pool.ServerDatabase,
			string(pool.PoolMode),
		})
	}
	return table(conn, []string{"name", "host", "port", "database", "pool_mode"}, rows)
}

func (c *Console) showUsers(conn net.Conn) error {
	cfg := c.source.Config()
	var rows [][]string
	for _, name := range cfg.PoolNames() {
		for _, user := range cfg.Pools[name].Users {
			rows = append(rows, []string{user.Username, name, string(user.PoolMode), strconv.Itoa(int(user.PoolSize))})
		}
	}
	return table(conn, []string{"name", "database", "pool_mode", "pool_size"}, rows)
}

func (c *Console) showPools(conn net.Conn, extended bool) error {
	snaps := c.source.PoolSnapshots()
	cols := []string{"database", "user", "pool_mode", "cl_active", "cl_waiting", "sv_active", "sv_idle", "sv_login"}
	if extended {
		cols = append(cols, "sv_total", "maxwait_us", "wait_timeouts", "served")
	}
	var rows [][]string
	for _, s := range snaps {
		row := []string{
			s.Key.Database,
			s.Key.User,
			string(s.Mode),
			strconv.Itoa(int(s.Active)),
			strconv.Itoa(s.Waiting),
			strconv.Itoa(int(s.Active)),
			strconv.Itoa(s.Idle),
			strconv.Itoa(int(s.Login)),
		}
		if extended {
			row = append(row,
				strconv.Itoa(int(s.Live)),
				strconv.FormatInt(s.MaxWait.Microseconds(), 10),
				strconv.FormatUint(s.WaitTimeouts, 10),
				strconv.FormatUint(s.Served, 10),
			)
		}
		rows = append(rows, row)
	}
	return table(conn, cols, rows)
}

func (c *Console) showClients(conn net.Conn) error {
	var rows [][]string
	for _, cl := range c.source.ClientRows() {
		rows = append(rows, []string{
			strconv.FormatUint(uint64(cl.PID), 10),
			cl.Addr,
			cl.Database,
			cl.User,
			cl.State,
			cl.ConnectedAt.Format(time.RFC3339),
		})
	}
	return table(conn, []string{"ptr", "addr", "database", "user", "state", "connect_time"}, rows)
}

func (c *Console) showServers(conn net.Conn) error {
	var rows [][]string
	for _, sv := range c.source.Servers() {
		rows = append(rows, []string{
			sv.Name,
			sv.Key.Database,
			sv.Key.User,
			strconv.FormatUint(uint64(sv.PID), 10),
			sv.State,
			sv.Age.Truncate(time.Second).String(),
			strconv.Itoa(sv.Prepared),
		})
	}
	return table(conn, []string{"name", "database", "user", "backend_pid", "state", "age", "prepared_statements"}, rows)
}

func (c *Console) showLists(conn net.Conn) error {
	snaps := c.source.PoolSnapshots()
	var servers, waiting int
	for _, s := range snaps {
		servers += int(s.Live)
		waiting += s.Waiting
	}
	rows := [][]string{
		{"databases", strconv.Itoa(len(c.source.Config().Pools))},
		{"pools", strconv.Itoa(len(snaps))},
		{"clients", strconv.Itoa(c.source.SessionCount())},
		{"servers", strconv.Itoa(servers)},
		{"waiting_clients", strconv.Itoa(waiting)},
		{"prepared_statements", strconv.Itoa(c.source.StatementCount())},
	}
	return table(conn, []string{"list", "items"}, rows)
}

func (c *Console) showConnections(conn net.Conn) error {
	rows := [][]string{
		{"client_connections", strconv.Itoa(c.source.SessionCount())},
		{"max_connections", strconv.Itoa(int(c.source.Config().General.MaxConnections))},
		{"memory_used_bytes", strconv.FormatInt(c.source.MemoryUsed(), 10)},
	}
	return table(conn, []string{"name", "value"}, rows)
}

func (c *Console) showStats(conn net.Conn) error {
	var rows [][]string
	uptime := time.Since(c.source.StartedAt()).Truncate(time.Second)
	for _, s := range c.source.PoolSnapshots() {
		rows = append(rows, []string{
			s.Key.Database,
			s.Key.User,
			strconv.FormatUint(s.Served, 10),
			strconv.FormatUint(s.WaitTimeouts, 10),
			strconv.FormatInt(s.MaxWait.Microseconds(), 10),
			uptime.String(),
		})
	}
	return table(conn, []string{"database", "user", "served", "wait_timeouts", "maxwait_us", "uptime"}, rows)
}

func (c *Console) sendError(conn net.Conn, message string) error {
	return writeMsgs(conn,
		&pgproto3.ErrorResponse{
			Severity: string(pgwire.Error),
			Code:     pgerrcode.FeatureNotSupported,
			Message:  message,
		},
		&pgproto3.ReadyForQuery{TxStatus: byte(pgwire.TxIdle)})
}

// table writes a RowDescription plus DataRows with all-text columns, then
// CommandComplete("SHOW") and ReadyForQuery, matching what psql expects.
func table(conn net.Conn, cols []string, rows [][]string) error {
	fields := make([]pgproto3.FieldDescription, len(cols))
	for i, col := range cols {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(col),
			DataTypeOID:  25, // text
			DataTypeSize: -1,
			TypeModifier: -1,
		}
	}

	msgs := []pgproto3.BackendMessage{&pgproto3.RowDescription{Fields: fields}}
	for _, row := range rows {
		values := make([][]byte, len(row))
		for i, v := range row {
			values[i] = []byte(v)
		}
		msgs = append(msgs, &pgproto3.DataRow{Values: values})
	}
	msgs = append(msgs,
		&pgproto3.CommandComplete{CommandTag: []byte("SHOW")},
		&pgproto3.ReadyForQuery{TxStatus: byte(pgwire.TxIdle)})
	return writeMsgs(conn, msgs...)
}

func complete(conn net.Conn, tag string) error {
	return writeMsgs(conn,
		&pgproto3.CommandComplete{CommandTag: []byte(tag)},
		&pgproto3.ReadyForQuery{TxStatus: byte(pgwire.TxIdle)})
}

func writeMsgs(conn net.Conn, msgs ...pgproto3.BackendMessage) error {
	var buf []byte
	var err error
	for _, m := range msgs {
		buf, err = m.Encode(buf)
		if err != nil {
			return err
		}
	}
	_, err = conn.Write(buf)
	return err
}
