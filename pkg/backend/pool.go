package backend

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"

	"github.com/pgdoorman/pgdoorman/pkg/config"
	"github.com/pgdoorman/pgdoorman/pkg/pgwire"
)

// maintenanceInterval is how often each pool sweeps idle timeouts, lifetime
// expiry and min_pool_size top-up.
const maintenanceInterval = 3 * time.Second

// loginFailureThreshold is how many consecutive failed server logins are
// tolerated before the oldest waiter is failed with 08006 instead of
// retrying silently.
const loginFailureThreshold = 3

// Settings is the reloadable portion of a pool's configuration.
type Settings struct {
	Dial DialSettings

	Size        int32
	MinSize     int32
	Reserve     int32
	Mode        config.PoolMode
	RoundRobin  bool
	IdleTimeout time.Duration
	Lifetime    time.Duration

	PreparedCacheSize int
}

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pool is closed")

type acquireResult struct {
	conn *Conn
	err  error
}

type waiter struct {
	result    chan acquireResult
	delivered bool
	enqueued  time.Time
}

// Pool holds the idle backends and the FIFO wait queue for one
// (database, user) pair.
type Pool struct {
	Key PoolKey

	mu            sync.Mutex
	idle          []*Conn
	waiters       *list.List // of *waiter
	live          int32      // open connections, idle + assigned
	login         int32      // dials in flight
	loginFailures int32
	closed        bool
	settings      Settings

	acct   *pgwire.Accountant
	logger *slog.Logger

	stopMaint chan struct{}
	maintOnce sync.Once

	// Counters for SHOW STATS.
	served       uint64
	waitTimeouts uint64
	maxWaitNanos int64
}

// NewPool creates a pool; call Start to begin maintenance.
func NewPool(key PoolKey, settings Settings, acct *pgwire.Accountant, logger *slog.Logger) *Pool {
	return &Pool{
		Key:       key,
		waiters:   list.New(),
		settings:  settings,
		acct:      acct,
		logger:    logger.With("pool", key.String()),
		stopMaint: make(chan struct{}),
	}
}

// Start launches the maintenance loop and warms the pool to min_pool_size.
func (p *Pool) Start() {
	go p.maintenanceLoop()
}

// Settings returns the current pool settings.
func (p *Pool) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// Reconfigure swaps settings after a RELOAD. When connection-relevant
// settings changed, existing backends are retired on next release rather
// than killed mid-query.
func (p *Pool) Reconfigure(settings Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()

	settingsChanged := settings.Dial.SettingsHash != p.settings.Dial.SettingsHash
	p.settings = settings

	if settingsChanged {
		for _, c := range p.idle {
			c.MarkForClose()
		}
	}
}

// Acquire returns an idle backend, dialing a new one when the pool has
// headroom. The context deadline bounds the wait (query_wait_timeout);
// expiry surfaces as a *pgwire.Err with SQLSTATE 53300.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if conn := p.popIdleLocked(); conn != nil {
		p.served++
		p.mu.Unlock()
		return conn, nil
	}

	if p.live+p.login < p.settings.Size+p.settings.Reserve {
		p.login++
		go p.dialOne()
	}

	w := &waiter{result: make(chan acquireResult, 1), enqueued: time.Now()}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case r := <-w.result:
		p.noteWait(w.enqueued)
		return r.conn, r.err
	case <-ctx.Done():
		p.mu.Lock()
		if w.delivered {
			// Lost the race: a conn was handed to us as the context fired.
			p.mu.Unlock()
			r := <-w.result
			if r.conn != nil {
				p.Release(r.conn, true)
			}
		} else {
			p.waiters.Remove(elem)
			p.waitTimeouts++
			p.mu.Unlock()
		}
		return nil, pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.TooManyConnections,
			"sorry, too many clients already (pool wait timeout)", ctx.Err())
	}
}

// popIdleLocked applies the pick policy: most recently released first by
// default, FIFO when server_round_robin is on.
func (p *Pool) popIdleLocked() *Conn {
	for len(p.idle) > 0 {
		var conn *Conn
		if p.settings.RoundRobin {
			conn = p.idle[0]
			p.idle = p.idle[1:]
		} else {
			conn = p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
		}
		if conn.closeOnRelease.Load() {
			p.destroyLocked(conn)
			continue
		}
		return conn
	}
	return nil
}

// Release returns a backend after use. ok is false when the session observed
// a fatal error on the connection; the conn is then closed, not reused.
// A conn that is mid-transaction, dirty, expired or retired is also closed.
func (p *Pool) Release(conn *Conn, ok bool) {
	conn.Touch()

	p.mu.Lock()
	expired := p.settings.Lifetime > 0 && conn.Age() > p.settings.Lifetime
	reusable := ok &&
		!conn.Dirty() &&
		!conn.closeOnRelease.Load() &&
		!expired &&
		conn.TxStatus() == pgwire.TxIdle

	if p.closed {
		p.destroyLocked(conn)
		p.mu.Unlock()
		return
	}

	if !reusable {
		p.destroyLocked(conn)
		// Someone may be waiting on capacity this conn just freed.
		if p.waiters.Len() > 0 && p.live+p.login < p.settings.Size+p.settings.Reserve {
			p.login++
			go p.dialOne()
		}
		p.mu.Unlock()
		return
	}

	if p.handoffLocked(conn) {
		p.mu.Unlock()
		return
	}

	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// handoffLocked gives conn to the oldest live waiter. FIFO fairness: no
// waiter is skipped unless it already timed out.
func (p *Pool) handoffLocked(conn *Conn) bool {
	for p.waiters.Len() > 0 {
		elem := p.waiters.Front()
		w := elem.Value.(*waiter)
		p.waiters.Remove(elem)
		w.delivered = true
		w.result <- acquireResult{conn: conn}
		p.served++
		return true
	}
	return false
}

func (p *Pool) dialOne() {
	settings := p.Settings()
	ctx := context.Background()
	conn, err := Open(ctx, p.Key, settings.Dial, p.acct, settings.PreparedCacheSize, p.logger)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.login--

	if err != nil {
		p.loginFailures++
		p.logger.Error("backend login failed", "error", err, "consecutive_failures", p.loginFailures)
		if p.waiters.Len() == 0 {
			return
		}
		if p.loginFailures >= loginFailureThreshold {
			// Stop hammering the server; surface the failure to the oldest
			// waiter. Remaining waiters keep waiting until their deadlines.
			elem := p.waiters.Front()
			w := elem.Value.(*waiter)
			p.waiters.Remove(elem)
			w.delivered = true
			w.result <- acquireResult{err: pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.ConnectionFailure,
				"server login failed", err)}
			return
		}
		// Transparent retry while demand remains.
		if p.live+p.login < p.settings.Size+p.settings.Reserve {
			p.login++
			go p.dialOne()
		}
		return
	}

	p.loginFailures = 0
	if p.closed {
		p.live++ // destroyLocked decrements
		p.destroyLocked(conn)
		return
	}
	p.live++
	if !p.handoffLocked(conn) {
		p.idle = append(p.idle, conn)
	}
}

// destroyLocked closes conn asynchronously and drops it from the live count.
func (p *Pool) destroyLocked(conn *Conn) {
	p.live--
	go conn.Close()
}

func (p *Pool) noteWait(since time.Time) {
	waited := time.Since(since).Nanoseconds()
	p.mu.Lock()
	if waited > p.maxWaitNanos {
		p.maxWaitNanos = waited
	}
	p.mu.Unlock()
}

func (p *Pool) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopMaint:
			return
		case <-ticker.C:
			p.maintain()
		}
	}
}

// maintain closes idle backends beyond idle_timeout or server_lifetime,
// trims pools shrunk by a reload, and tops the pool up to min_pool_size.
func (p *Pool) maintain() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	settings := p.settings

	var keep []*Conn
	now := time.Now()
	for _, c := range p.idle {
		idleTooLong := settings.IdleTimeout > 0 && now.Sub(c.IdleSince()) > settings.IdleTimeout && p.live > settings.MinSize
		tooOld := settings.Lifetime > 0 && c.Age() > settings.Lifetime
		overSize := p.live > settings.Size
		if idleTooLong || tooOld || overSize || c.closeOnRelease.Load() {
			p.destroyLocked(c)
			continue
		}
		keep = append(keep, c)
	}
	p.idle = keep

	missing := settings.MinSize - (p.live + p.login)
	for i := int32(0); i < missing; i++ {
		p.login++
		go p.dialOne()
	}
	p.mu.Unlock()
}

// Close tears down the pool: idle conns are closed now, assigned conns when
// released.
func (p *Pool) Close() {
	p.maintOnce.Do(func() { close(p.stopMaint) })
	p.mu.Lock()
	p.closed = true
	for _, c := range p.idle {
		p.destroyLocked(c)
	}
	p.idle = nil
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.delivered = true
		w.result <- acquireResult{err: ErrPoolClosed}
	}
	p.waiters.Init()
	p.mu.Unlock()
}

// Snapshot is a point-in-time view of the pool for the admin console and
// metrics exposition.
type Snapshot struct {
	Key          PoolKey
	Mode         config.PoolMode
	Size         int32
	MinSize      int32
	Live         int32
	Idle         int
	Active       int32
	Waiting      int
	Login        int32
	Served       uint64
	WaitTimeouts uint64
	MaxWait      time.Duration
}

// Snapshot captures the pool's current state.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Key:          p.Key,
		Mode:         p.settings.Mode,
		Size:         p.settings.Size,
		MinSize:      p.settings.MinSize,
		Live:         p.live,
		Idle:         len(p.idle),
		Active:       p.live - int32(len(p.idle)),
		Waiting:      p.waiters.Len(),
		Login:        p.login,
		Served:       p.served,
		WaitTimeouts: p.waitTimeouts,
		MaxWait:      time.Duration(p.maxWaitNanos),
	}
}

// IdleConns returns the idle connections for inspection (SHOW SERVERS).
func (p *Pool) IdleConns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conn, len(p.idle))
	copy(out, p.idle)
	return out
}
