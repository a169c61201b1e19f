// Package frontend accepts client connections and relays them onto pooled
// backend connections.
package frontend

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/pgdoorman/pgdoorman/pkg/backend"
	"github.com/pgdoorman/pgdoorman/pkg/config"
	"github.com/pgdoorman/pgdoorman/pkg/observability"
	"github.com/pgdoorman/pgdoorman/pkg/pgwire"
)

// Version is stamped by the build and reported by SHOW VERSION.
var Version = "1.8.2"

// Service holds the shared state of the pooler: configuration, pools, the
// statement store, the cancel registry and the admission limiter. One
// Service serves every listener.
type Service struct {
	cfg       atomic.Pointer[config.Config]
	tlsConfig atomic.Pointer[tls.Config]

	secrets    *config.SecretCache
	registry   *backend.Registry
	statements *pgwire.StatementStore
	cancels    *CancelRegistry
	acct       *pgwire.Accountant
	metrics    *observability.Metrics
	logger     *slog.Logger

	// tickets caps concurrent client sessions at max_connections.
	tickets *puddle.Pool[struct{}]

	sessionMu sync.Mutex
	sessions  map[uint32]*Session

	pidCounter atomic.Uint32

	draining atomic.Bool

	shutdownFn atomic.Pointer[func()]

	startedAt time.Time
}

// NewService builds a Service from a validated configuration.
func NewService(cfg *config.Config, secrets *config.SecretCache, metrics *observability.Metrics, logger *slog.Logger) (*Service, error) {
	tlsCfg, err := cfg.ClientTLSConfig()
	if err != nil {
		return nil, err
	}

	tickets, err := puddle.NewPool(&puddle.Config[struct{}]{
		Constructor: func(ctx context.Context) (struct{}, error) { return struct{}{}, nil },
		Destructor:  func(struct{}) {},
		MaxSize:     cfg.General.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create admission pool: %w", err)
	}

	acct := pgwire.NewAccountant(cfg.General.MaxMemoryUsage.Int64())

	s := &Service{
		secrets:    secrets,
		registry:   backend.NewRegistry(acct, logger),
		statements: pgwire.NewStatementStore(),
		cancels:    NewCancelRegistry(),
		acct:       acct,
		metrics:    metrics,
		logger:     logger,
		tickets:    tickets,
		sessions:   make(map[uint32]*Session),
		startedAt:  time.Now(),
	}
	s.cfg.Store(cfg)
	if tlsCfg != nil {
		s.tlsConfig.Store(tlsCfg)
	}
	return s, nil
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.cfg.Load()
}

// Registry exposes the backend pools.
func (s *Service) Registry() *backend.Registry {
	return s.registry
}

// Accountant exposes the memory budget for stats.
func (s *Service) Accountant() *pgwire.Accountant {
	return s.acct
}

// StartedAt reports process start for SHOW STATS uptime.
func (s *Service) StartedAt() time.Time {
	return s.startedAt
}

// Reload swaps in a freshly loaded configuration. Pools whose connection
// settings changed retire their backends on next release, not immediately.
// max_connections and max_memory_usage are sized at startup and require a
// restart (or the SIGINT binary handover) to change.
func (s *Service) Reload(cfg *config.Config) error {
	tlsCfg, err := cfg.ClientTLSConfig()
	if err != nil {
		return err
	}
	s.cfg.Store(cfg)
	if tlsCfg != nil {
		s.tlsConfig.Store(tlsCfg)
	}
	s.registry.Reconfigure(cfg)
	s.logger.Info("configuration reloaded", "path", cfg.Path())
	return nil
}

// ReloadFromDisk re-reads the config file the service was started with.
func (s *Service) ReloadFromDisk() error {
	path := s.Config().Path()
	if path == "" {
		return fmt.Errorf("no config file to reload")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return s.Reload(cfg)
}

// HandleConn runs one client connection to completion. It is called by the
// supervisor's accept loop in its own goroutine.
func (s *Service) HandleConn(ctx context.Context, conn net.Conn) {
	var ticket *puddle.Resource[struct{}]
	admitted := !s.draining.Load()
	if admitted {
		t, err := s.tickets.TryAcquire(ctx)
		if err != nil {
			admitted = false
		} else {
			ticket = t
		}
	}

	session := newSession(s, conn, admitted)
	if admitted {
		defer ticket.Release()
		s.metrics.ClientConnectionsTotal.Inc()
	}
	session.Run(ctx)
}

// BeginDrain stops new work: the supervisor already closed the listeners;
// bound clients are allowed to finish until ForceDrain.
func (s *Service) BeginDrain() {
	s.draining.Store(true)
}

// ForceDrain disconnects every remaining session with SQLSTATE 58006 at its
// next statement boundary, waking idle readers immediately.
func (s *Service) ForceDrain() {
	s.sessionMu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionMu.Unlock()
	for _, sess := range sessions {
		sess.beginForcedShutdown()
	}
}

// Shutdown closes every pool. Used for SIGTERM and admin SHUTDOWN.
func (s *Service) Shutdown() {
	s.registry.Close()
}

func (s *Service) registerSession(sess *Session) {
	s.sessionMu.Lock()
	s.sessions[sess.cancelKey.PID] = sess
	s.sessionMu.Unlock()
	s.cancels.Register(sess.cancelKey, sess)
}

func (s *Service) unregisterSession(sess *Session) {
	s.sessionMu.Lock()
	delete(s.sessions, sess.cancelKey.PID)
	s.sessionMu.Unlock()
	s.cancels.Unregister(sess.cancelKey)
}

// ClientInfo describes one live client session for SHOW CLIENTS.
type ClientInfo struct {
	PID         uint32
	Addr        string
	Database    string
	User        string
	State       string
	ConnectedAt time.Time
}

// Clients lists the live client sessions.
func (s *Service) Clients() []ClientInfo {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	out := make([]ClientInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.clientInfo())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// SessionCount reports the number of live client sessions.
func (s *Service) SessionCount() int {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return len(s.sessions)
}

// StatementCount reports the size of the global statement store.
func (s *Service) StatementCount() int {
	return s.statements.Len()
}

// Cancels exposes the cancel registry for out-of-band cancel connections.
func (s *Service) Cancels() *CancelRegistry {
	return s.cancels
}

// Version reports the release string for SHOW VERSION.
func (s *Service) Version() string {
	return Version
}
