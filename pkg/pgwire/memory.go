package pgwire

import (
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgerrcode"
)

// Accountant tracks process-wide buffered message memory against a hard cap.
// Reservations happen at frame boundaries; a reservation that would exceed
// the cap fails with a fatal out-of-memory error carrying SQLSTATE 53200.
type Accountant struct {
	limit int64
	used  atomic.Int64
}

// NewAccountant creates an Accountant with the given byte limit.
// A limit of 0 disables accounting.
func NewAccountant(limit int64) *Accountant {
	return &Accountant{limit: limit}
}

// Reserve charges n bytes. The error, if any, is a *Err with SQLSTATE 53200
// and the reservation is rolled back.
func (a *Accountant) Reserve(n int64) error {
	if a == nil || a.limit <= 0 || n == 0 {
		return nil
	}
	if total := a.used.Add(n); total > a.limit {
		a.used.Add(-n)
		return NewErr(ErrorFatal, pgerrcode.OutOfMemory,
			fmt.Sprintf("message memory budget exceeded: %d of %d bytes in use", total-n, a.limit), nil)
	}
	return nil
}

// Refund releases n bytes previously reserved.
func (a *Accountant) Refund(n int64) {
	if a == nil || a.limit <= 0 || n == 0 {
		return
	}
	if total := a.used.Add(-n); total < 0 {
		panic("pgwire: memory accountant went negative")
	}
}

// Used reports the bytes currently reserved.
func (a *Accountant) Used() int64 {
	if a == nil {
		return 0
	}
	return a.used.Load()
}

// Limit reports the configured cap, 0 if disabled.
func (a *Accountant) Limit() int64 {
	if a == nil {
		return 0
	}
	return a.limit
}
