package frontend

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"sync"
	"time"
)

// cancelTimeout bounds the out-of-band cancel round trip to the backend.
const cancelTimeout = 5 * time.Second

// CancelKey is the virtual (process id, secret) pair handed to a client in
// BackendKeyData. It never matches any real backend key.
type CancelKey struct {
	PID    uint32
	Secret uint32
}

// CancelRegistry maps virtual cancel keys to the session they were issued
// to. Lookups compare the secret in constant time; unknown keys are dropped
// silently.
type CancelRegistry struct {
	mu       sync.Mutex
	sessions map[uint32]*Session // keyed by virtual PID
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{sessions: make(map[uint32]*Session)}
}

// Register records the session owning a freshly issued key.
func (r *CancelRegistry) Register(key CancelKey, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[key.PID] = s
}

// Unregister forgets a session's key at session end.
func (r *CancelRegistry) Unregister(key CancelKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key.PID)
}

// Cancel routes a cancel request to the backend the key's session is
// currently bound to. Misses and unbound sessions are silent no-ops.
func (r *CancelRegistry) Cancel(ctx context.Context, key CancelKey) {
	r.mu.Lock()
	session, ok := r.sessions[key.PID]
	r.mu.Unlock()
	if !ok {
		return
	}

	var got, want [4]byte
	binary.BigEndian.PutUint32(got[:], key.Secret)
	binary.BigEndian.PutUint32(want[:], session.cancelKey.Secret)
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return
	}

	conn := session.boundBackend.Load()
	if conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()
	if err := conn.CancelActiveRequest(ctx); err != nil {
		session.logger.Debug("cancel request failed", "error", err)
	}
}
