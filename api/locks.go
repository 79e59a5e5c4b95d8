package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warp/settlement-engine/billing"
)

// ErrPeriodBusy is returned when another calculation of the same building
// and year holds the lock for longer than the wait timeout.
var ErrPeriodBusy = errors.New("billing period is being calculated")

// PeriodLocks serializes calculations per (building, year). Different
// periods proceed in parallel.
type PeriodLocks struct {
	mu      sync.Mutex
	slots   map[string]chan struct{}
	timeout time.Duration
}

// NewPeriodLocks creates a lock set. A caller waits at most timeout for a
// busy period.
func NewPeriodLocks(timeout time.Duration) *PeriodLocks {
	return &PeriodLocks{
		slots:   make(map[string]chan struct{}),
		timeout: timeout,
	}
}

// Acquire blocks until the period is free, the timeout elapses or ctx is
// done. The returned release func must be called exactly once.
func (l *PeriodLocks) Acquire(ctx context.Context, buildingID billing.BuildingID, year int) (func(), error) {
	slot := l.slot(fmt.Sprintf("%s/%d", buildingID, year))

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-timer.C:
		return nil, ErrPeriodBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *PeriodLocks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}
