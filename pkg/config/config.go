// Package config handles interpreting the pg_doorman.toml config file.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// PoolMode selects when a backend is released back to its pool.
type PoolMode string

const (
	// PoolModeSession binds a backend for the full client connection.
	PoolModeSession PoolMode = "session"
	// PoolModeTransaction releases the backend at every transaction boundary.
	PoolModeTransaction PoolMode = "transaction"
)

// AdminDatabases are the reserved virtual database names that route to the
// admin console instead of a real backend.
var AdminDatabases = []string{"pgdoorman", "pgbouncer"}

// IsAdminDatabase reports whether name addresses the admin console.
func IsAdminDatabase(name string) bool {
	for _, db := range AdminDatabases {
		if name == db {
			return true
		}
	}
	return false
}

// Config is the root of the pg_doorman.toml file.
type Config struct {
	General    General               `toml:"general"`
	Pools      map[string]PoolConfig `toml:"pools"`
	Prometheus *PrometheusConfig     `toml:"prometheus"`
	Include    *Include              `toml:"include"`

	path string
}

// Include pulls additional TOML fragments into the config; later files win.
type Include struct {
	Files []string `toml:"files"`
}

// General is the [general] section.
type General struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	WorkerThreads            int   `toml:"worker_threads"`
	WorkerCPUAffinityPinning bool  `toml:"worker_cpu_affinity_pinning"`
	MaxConnections           int32 `toml:"max_connections"`

	TLSMode        string `toml:"tls_mode"` // disable | allow | require | verify-full
	TLSCertificate string `toml:"tls_certificate"`
	TLSPrivateKey  string `toml:"tls_private_key"`
	TLSCaFile      string `toml:"tls_ca_file"`

	ConnectTimeout       Duration `toml:"connect_timeout"`
	QueryWaitTimeout     Duration `toml:"query_wait_timeout"`
	IdleTimeout          Duration `toml:"idle_timeout"`
	ServerLifetime       Duration `toml:"server_lifetime"`
	ShutdownTimeout      Duration `toml:"shutdown_timeout"`
	ProxyCopyDataTimeout Duration `toml:"proxy_copy_data_timeout"`

	MessageSizeToBeStream ByteSize `toml:"message_size_to_be_stream"`
	MaxMemoryUsage        ByteSize `toml:"max_memory_usage"`

	ServerRoundRobin     bool `toml:"server_round_robin"`
	SyncServerParameters bool `toml:"sync_server_parameters"`

	PreparedStatements          bool `toml:"prepared_statements"`
	PreparedStatementsCacheSize int  `toml:"prepared_statements_cache_size"`

	AdminUsername string `toml:"admin_username"`
	AdminPassword string `toml:"admin_password"`

	PoolerCheckQuery                string `toml:"pooler_check_query"`
	LogClientParameterStatusChanges bool   `toml:"log_client_parameter_status_changes"`
}

// PoolConfig is one [pools.<name>] section: a virtual database.
type PoolConfig struct {
	ServerHost     string   `toml:"server_host"`
	ServerPort     int      `toml:"server_port"`
	ServerDatabase string   `toml:"server_database"`
	PoolMode       PoolMode `toml:"pool_mode"`

	ServerTLS               bool `toml:"server_tls"`
	VerifyServerCertificate bool `toml:"verify_server_certificate"`

	Users map[string]UserConfig `toml:"users"`
}

// UserConfig is one [pools.<name>.users.<n>] section.
type UserConfig struct {
	Username string `toml:"username"`
	// Password may be a literal, an md5 hash ("md5<hex>"), a SCRAM verifier
	// ("SCRAM-SHA-256$iter:salt$stored:server"), a JWT public key sentinel
	// ("jwt-pkey-fpath:/path"), or an indirection ("env:NAME",
	// "aws-sm:<arn>#<key>") resolved through the SecretCache.
	Password string `toml:"password"`

	// Server credentials used when dialing the real backend. Defaults to
	// Username/Password when unset (password sentinels resolve first).
	ServerUsername string `toml:"server_username"`
	ServerPassword string `toml:"server_password"`

	PoolSize        int32    `toml:"pool_size"`
	MinPoolSize     int32    `toml:"min_pool_size"`
	ReservePoolSize int32    `toml:"reserve_pool_size"`
	PoolMode        PoolMode `toml:"pool_mode"`
}

// PrometheusConfig enables the metrics HTTP listener when present.
type PrometheusConfig struct {
	Listen string `toml:"listen"`
	Path   string `toml:"path"`
}

// GetListen returns the listen address, defaulting to ":9127".
func (c *PrometheusConfig) GetListen() string {
	if c.Listen == "" {
		return ":9127"
	}
	return c.Listen
}

// GetPath returns the metrics path, defaulting to "/metrics".
func (c *PrometheusConfig) GetPath() string {
	if c.Path == "" {
		return "/metrics"
	}
	return c.Path
}

// Load reads path and any [include] files, applies defaults and validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.path = path

	if cfg.Include != nil {
		dir := filepath.Dir(path)
		for _, f := range cfg.Include.Files {
			if !filepath.IsAbs(f) {
				f = filepath.Join(dir, f)
			}
			if _, err := toml.DecodeFile(f, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse include %s: %w", f, err)
			}
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse parses a TOML string. Used by tests and the admin console.
func Parse(tomlStr string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(tomlStr, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the file this config was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) applyDefaults() {
	g := &c.General
	if g.Host == "" {
		g.Host = "0.0.0.0"
	}
	if g.Port == 0 {
		g.Port = 6432
	}
	if g.WorkerThreads == 0 {
		g.WorkerThreads = 4
	}
	if g.MaxConnections == 0 {
		g.MaxConnections = 8192
	}
	if g.TLSMode == "" {
		g.TLSMode = "disable"
	}
	if g.ConnectTimeout == 0 {
		g.ConnectTimeout = Duration(3 * time.Second)
	}
	if g.QueryWaitTimeout == 0 {
		g.QueryWaitTimeout = Duration(5 * time.Second)
	}
	if g.IdleTimeout == 0 {
		g.IdleTimeout = Duration(5 * time.Minute)
	}
	if g.ServerLifetime == 0 {
		g.ServerLifetime = Duration(time.Hour)
	}
	if g.ShutdownTimeout == 0 {
		g.ShutdownTimeout = Duration(10 * time.Second)
	}
	if g.ProxyCopyDataTimeout == 0 {
		g.ProxyCopyDataTimeout = Duration(15 * time.Second)
	}
	if g.MessageSizeToBeStream == 0 {
		g.MessageSizeToBeStream = MiB
	}
	if g.MaxMemoryUsage == 0 {
		g.MaxMemoryUsage = 256 * MiB
	}
	if g.PreparedStatementsCacheSize == 0 {
		g.PreparedStatementsCacheSize = 512
	}
	if g.AdminUsername == "" {
		g.AdminUsername = "admin"
	}
	if g.PoolerCheckQuery == "" {
		g.PoolerCheckQuery = ";"
	}

	for name, pool := range c.Pools {
		if pool.ServerHost == "" {
			pool.ServerHost = "127.0.0.1"
		}
		if pool.ServerPort == 0 {
			pool.ServerPort = 5432
		}
		if pool.ServerDatabase == "" {
			pool.ServerDatabase = name
		}
		if pool.PoolMode == "" {
			pool.PoolMode = PoolModeTransaction
		}
		for key, user := range pool.Users {
			if user.PoolSize == 0 {
				user.PoolSize = 40
			}
			if user.PoolMode == "" {
				user.PoolMode = pool.PoolMode
			}
			if user.ServerUsername == "" {
				user.ServerUsername = user.Username
			}
			pool.Users[key] = user
		}
		c.Pools[name] = pool
	}
}

// Validate verifies the configuration. It does not stop at the first
// problem; all errors are accumulated and returned together.
func (c *Config) Validate() error {
	var errs []error

	switch c.General.TLSMode {
	case "disable", "allow", "require", "verify-full":
	default:
		errs = append(errs, fmt.Errorf("general.tls_mode: invalid value %q", c.General.TLSMode))
	}
	if c.General.TLSMode != "disable" && (c.General.TLSCertificate == "" || c.General.TLSPrivateKey == "") {
		errs = append(errs, errors.New("general: tls_mode enabled but tls_certificate/tls_private_key not set"))
	}

	for name, pool := range c.Pools {
		if IsAdminDatabase(name) {
			errs = append(errs, fmt.Errorf("pools.%s: database name is reserved for the admin console", name))
		}
		if len(pool.Users) == 0 {
			errs = append(errs, fmt.Errorf("pools.%s: no users configured", name))
		}
		switch pool.PoolMode {
		case PoolModeSession, PoolModeTransaction:
		default:
			errs = append(errs, fmt.Errorf("pools.%s: invalid pool_mode %q", name, pool.PoolMode))
		}
		for key, user := range pool.Users {
			if user.Username == "" {
				errs = append(errs, fmt.Errorf("pools.%s.users.%s: username is required", name, key))
			}
			if user.Password == "" {
				errs = append(errs, fmt.Errorf("pools.%s.users.%s: password is required", name, key))
			}
			if user.MinPoolSize > user.PoolSize {
				errs = append(errs, fmt.Errorf("pools.%s.users.%s: min_pool_size %d > pool_size %d", name, key, user.MinPoolSize, user.PoolSize))
			}
		}
	}

	return errors.Join(errs...)
}

// FindUser locates the user entry for (database, username).
func (c *Config) FindUser(database, username string) (PoolConfig, UserConfig, bool) {
	pool, ok := c.Pools[database]
	if !ok {
		return PoolConfig{}, UserConfig{}, false
	}
	for _, user := range pool.Users {
		if user.Username == username {
			return pool, user, true
		}
	}
	return PoolConfig{}, UserConfig{}, false
}

// ConnectionSettingsHash digests the settings of one (database, user) pair
// that require reconnecting when changed. After a RELOAD, pools whose hash
// moved close their backends on next release instead of immediately.
func (c *Config) ConnectionSettingsHash(database, username string) string {
	pool, user, ok := c.FindUser(database, username)
	if !ok {
		return ""
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s:%d:%s:%t:%t:%s:%s",
		pool.ServerHost, pool.ServerPort, pool.ServerDatabase,
		pool.ServerTLS, pool.VerifyServerCertificate,
		user.ServerUsername, user.ServerPassword)
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// PoolNames returns the configured database names, sorted for stable output.
func (c *Config) PoolNames() []string {
	names := make([]string, 0, len(c.Pools))
	for name := range c.Pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Redacted renders the config as "key = value" lines for SHOW CONFIG with
// passwords masked.
func (c *Config) Redacted() []string {
	masked := struct {
		General General               `toml:"general"`
		Pools   map[string]PoolConfig `toml:"pools"`
	}{
		General: c.General,
		Pools:   make(map[string]PoolConfig, len(c.Pools)),
	}
	masked.General.AdminPassword = mask(masked.General.AdminPassword)
	for name, pool := range c.Pools {
		users := make(map[string]UserConfig, len(pool.Users))
		for key, user := range pool.Users {
			user.Password = mask(user.Password)
			user.ServerPassword = mask(user.ServerPassword)
			users[key] = user
		}
		pool.Users = users
		masked.Pools[name] = pool
	}

	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(masked); err != nil {
		return []string{fmt.Sprintf("error rendering config: %v", err)}
	}
	return strings.Split(strings.TrimSpace(b.String()), "\n")
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
