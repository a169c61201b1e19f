package backend

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pgdoorman/pgdoorman/pkg/config"
	"github.com/pgdoorman/pgdoorman/pkg/pgwire"
)

// Registry owns one Pool per (database, user) pair, created lazily from the
// current configuration.
type Registry struct {
	mu    sync.Mutex
	pools map[PoolKey]*Pool

	acct   *pgwire.Accountant
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(acct *pgwire.Accountant, logger *slog.Logger) *Registry {
	return &Registry{
		pools:  make(map[PoolKey]*Pool),
		acct:   acct,
		logger: logger,
	}
}

// SettingsFor derives a pool's Settings from the configuration.
func SettingsFor(cfg *config.Config, key PoolKey) (Settings, bool) {
	pool, user, ok := cfg.FindUser(key.Database, key.User)
	if !ok {
		return Settings{}, false
	}
	return Settings{
		Dial: DialSettings{
			Host:           pool.ServerHost,
			Port:           pool.ServerPort,
			Database:       pool.ServerDatabase,
			User:           user.ServerUsername,
			Password:       user.ServerPassword,
			TLS:            pool.ServerTLS,
			VerifyTLS:      pool.VerifyServerCertificate,
			ConnectTimeout: cfg.General.ConnectTimeout.Std(),
			SettingsHash:   cfg.ConnectionSettingsHash(key.Database, key.User),
		},
		Size:              user.PoolSize,
		MinSize:           user.MinPoolSize,
		Reserve:           user.ReservePoolSize,
		Mode:              user.PoolMode,
		RoundRobin:        cfg.General.ServerRoundRobin,
		IdleTimeout:       cfg.General.IdleTimeout.Std(),
		Lifetime:          cfg.General.ServerLifetime.Std(),
		PreparedCacheSize: cfg.General.PreparedStatementsCacheSize,
	}, true
}

// Get returns the pool for key, creating and starting it on first use.
// ok is false when the configuration has no such (database, user).
func (r *Registry) Get(cfg *config.Config, key PoolKey) (*Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pool, ok := r.pools[key]; ok {
		return pool, true
	}

	settings, ok := SettingsFor(cfg, key)
	if !ok {
		return nil, false
	}
	pool := NewPool(key, settings, r.acct, r.logger)
	pool.Start()
	r.pools[key] = pool
	return pool, true
}

// Reconfigure applies a reloaded configuration to every pool. Pools whose
// (database, user) disappeared are closed; connection-setting changes retire
// backends on next release.
func (r *Registry) Reconfigure(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, pool := range r.pools {
		settings, ok := SettingsFor(cfg, key)
		if !ok {
			pool.Close()
			delete(r.pools, key)
			continue
		}
		pool.Reconfigure(settings)
	}
}

// Snapshots returns a stable-ordered view of every pool.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(pools))
	for _, p := range pools {
		snaps = append(snaps, p.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Key.Database != snaps[j].Key.Database {
			return snaps[i].Key.Database < snaps[j].Key.Database
		}
		return snaps[i].Key.User < snaps[j].Key.User
	})
	return snaps
}

// ServerInfo describes one live idle backend for SHOW SERVERS.
type ServerInfo struct {
	Key       PoolKey
	Name      string
	PID       uint32
	State     string
	Age       time.Duration
	IdleSince time.Time
	Prepared  int
}

// Servers lists the currently idle backends of every pool.
func (r *Registry) Servers() []ServerInfo {
	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	var out []ServerInfo
	for _, p := range pools {
		for _, c := range p.IdleConns() {
			out = append(out, ServerInfo{
				Key:       c.Key,
				Name:      c.Name(),
				PID:       c.PID(),
				State:     "idle",
				Age:       c.Age(),
				IdleSince: c.IdleSince(),
				Prepared:  c.Prepared.Len(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close tears down every pool.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, pool := range r.pools {
		pool.Close()
		delete(r.pools, key)
	}
}
