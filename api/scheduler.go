/*
scheduler.go - Background recalculation of stale periods

PURPOSE:
  Yearly input imports (costs, readings, occupancy, advances, payments)
  make an already calculated period stale. The scheduler periodically
  recalculates those periods so stored results follow the inputs without
  an explicit calculate call.

DESIGN:
  - Import handlers mark (building, year) as pending
  - Runs a background goroutine with configurable check interval
  - Only periods that were calculated before are recalculated; draft or
    missing periods are left for an explicit calculate
  - Uses the same period locks as the HTTP handler, so a manual and a
    scheduled run never overlap

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 minute)
  - Enabled: Whether scheduler is active (default: false)

USAGE:
  scheduler := NewRecalculationScheduler(handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Calculate endpoint (manual calculation)
*/
package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/settlement-engine/billing"
)

// =============================================================================
// PENDING PERIODS
// =============================================================================

type periodKey struct {
	buildingID billing.BuildingID
	year       int
}

// pendingPeriods is the set of periods whose inputs changed.
type pendingPeriods struct {
	mu   sync.Mutex
	keys map[periodKey]struct{}
}

func newPendingPeriods() *pendingPeriods {
	return &pendingPeriods{keys: make(map[periodKey]struct{})}
}

func (p *pendingPeriods) mark(buildingID billing.BuildingID, year int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[periodKey{buildingID, year}] = struct{}{}
}

func (p *pendingPeriods) clear(buildingID billing.BuildingID, year int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, periodKey{buildingID, year})
}

// drain returns the pending periods in a stable order and empties the set.
func (p *pendingPeriods) drain() []periodKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]periodKey, 0, len(p.keys))
	for k := range p.keys {
		out = append(out, k)
	}
	p.keys = make(map[periodKey]struct{})
	sort.Slice(out, func(i, j int) bool {
		if out[i].buildingID != out[j].buildingID {
			return out[i].buildingID < out[j].buildingID
		}
		return out[i].year < out[j].year
	})
	return out
}

// =============================================================================
// SCHEDULER
// =============================================================================

// RecalculationScheduler recalculates stale periods in the background.
type RecalculationScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRecalculationScheduler creates a new scheduler.
func NewRecalculationScheduler(handler *Handler) *RecalculationScheduler {
	return &RecalculationScheduler{
		Handler:       handler,
		CheckInterval: time.Minute,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (rs *RecalculationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	log := rs.Handler.Logger
	if !rs.Enabled {
		log.Info("scheduler disabled, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	log.Info("scheduler started", "interval", rs.CheckInterval)
}

// Stop stops the scheduler and waits for a running check to finish.
func (rs *RecalculationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Handler.Logger.Info("scheduler stopped")
	}
}

func (rs *RecalculationScheduler) run() {
	defer rs.wg.Done()

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(context.Background())
		case <-rs.stop:
			return
		}
	}
}

// RunNow recalculates every pending period that has been calculated before
// and returns how many were recalculated.
func (rs *RecalculationScheduler) RunNow(ctx context.Context) int {
	h := rs.Handler
	processed := 0
	for _, key := range h.pending.drain() {
		period, err := h.Store.GetPeriod(ctx, key.buildingID, key.year)
		if err != nil {
			h.Logger.Error("scheduler: get period failed",
				"building", key.buildingID, "year", key.year, "error", err)
			h.pending.mark(key.buildingID, key.year)
			continue
		}
		if period == nil || period.Status != billing.PeriodCalculated {
			continue
		}

		summary, err := h.calculate(ctx, key.buildingID, key.year)
		if err != nil {
			h.Logger.Error("scheduler: recalculation failed",
				"building", key.buildingID, "year", key.year, "error", err)
			if !billing.IsClientError(err) {
				h.pending.mark(key.buildingID, key.year)
			}
			continue
		}
		processed++
		h.Logger.Info("scheduler: period recalculated",
			"building", key.buildingID, "year", key.year, "warnings", len(summary.Warnings))
	}
	return processed
}
