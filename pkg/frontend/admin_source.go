package frontend

import (
	"os"

	"github.com/pgdoorman/pgdoorman/pkg/admin"
	"github.com/pgdoorman/pgdoorman/pkg/backend"
)

// The Service is the state source behind the admin console.
var _ admin.Source = (*Service)(nil)

// OnShutdownRequest installs the callback run by the admin SHUTDOWN command.
// The supervisor installs an orderly exit; the default is os.Exit(0).
func (s *Service) OnShutdownRequest(fn func()) {
	s.shutdownFn.Store(&fn)
}

// RequestShutdown implements admin.Source.
func (s *Service) RequestShutdown() {
	if fn := s.shutdownFn.Load(); fn != nil {
		(*fn)()
		return
	}
	os.Exit(0)
}

// PoolSnapshots implements admin.Source.
func (s *Service) PoolSnapshots() []backend.Snapshot {
	return s.registry.Snapshots()
}

// Servers implements admin.Source.
func (s *Service) Servers() []backend.ServerInfo {
	return s.registry.Servers()
}

// ClientRows implements admin.Source.
func (s *Service) ClientRows() []admin.ClientRow {
	clients := s.Clients()
	rows := make([]admin.ClientRow, len(clients))
	for i, c := range clients {
		rows[i] = admin.ClientRow{
			PID:         c.PID,
			Addr:        c.Addr,
			Database:    c.Database,
			User:        c.User,
			State:       c.State,
			ConnectedAt: c.ConnectedAt,
		}
	}
	return rows
}

// MemoryUsed implements admin.Source.
func (s *Service) MemoryUsed() int64 {
	return s.acct.Used()
}
