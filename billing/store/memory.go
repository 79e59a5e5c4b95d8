// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/settlement-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	buildings  map[billing.BuildingID]billing.Building
	units      map[billing.UnitID]billing.Unit
	services   map[billing.ServiceID]billing.Service
	costs      map[string]billing.Cost
	meters     map[string]billing.Meter
	readings   map[string]billing.MeterReading
	parameters map[paramKey]billing.UnitParameter
	occupancy  map[monthKey]billing.PersonMonths
	advances   map[advanceKey]billing.AdvanceMonthly
	payments   map[string]billing.Payment

	periods map[billing.PeriodID]billing.BillingPeriod
	results map[billing.PeriodID][]billing.BillingResult
}

type paramKey struct {
	UnitID billing.UnitID
	Name   string
}

type monthKey struct {
	UnitID billing.UnitID
	Year   int
	Month  int
}

type advanceKey struct {
	UnitID    billing.UnitID
	ServiceID billing.ServiceID
	Year      int
	Month     int
}

func NewMemory() *Memory {
	return &Memory{
		buildings:  make(map[billing.BuildingID]billing.Building),
		units:      make(map[billing.UnitID]billing.Unit),
		services:   make(map[billing.ServiceID]billing.Service),
		costs:      make(map[string]billing.Cost),
		meters:     make(map[string]billing.Meter),
		readings:   make(map[string]billing.MeterReading),
		parameters: make(map[paramKey]billing.UnitParameter),
		occupancy:  make(map[monthKey]billing.PersonMonths),
		advances:   make(map[advanceKey]billing.AdvanceMonthly),
		payments:   make(map[string]billing.Payment),
		periods:    make(map[billing.PeriodID]billing.BillingPeriod),
		results:    make(map[billing.PeriodID][]billing.BillingResult),
	}
}

// =============================================================================
// INPUTS
// =============================================================================

func (m *Memory) SaveBuilding(_ context.Context, b billing.Building) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buildings[b.ID] = b
	return nil
}

func (m *Memory) GetBuilding(_ context.Context, id billing.BuildingID) (*billing.Building, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buildings[id]
	if !ok {
		return nil, billing.ErrBuildingNotFound
	}
	return &b, nil
}

func (m *Memory) SaveUnit(ctx context.Context, u billing.Unit) error {
	return m.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveUnit(ctx, u) })
}

func (m *Memory) SaveService(ctx context.Context, s billing.Service) error {
	return m.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveService(ctx, s) })
}

func (m *Memory) SaveCost(ctx context.Context, c billing.Cost) error {
	return m.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveCost(ctx, c) })
}

func (m *Memory) SaveMeter(ctx context.Context, mt billing.Meter) error {
	return m.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveMeter(ctx, mt) })
}

func (m *Memory) SaveReading(ctx context.Context, r billing.MeterReading) error {
	return m.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveReading(ctx, r) })
}

func (m *Memory) SaveParameter(ctx context.Context, p billing.UnitParameter) error {
	return m.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveParameter(ctx, p) })
}

func (m *Memory) SaveOccupancy(ctx context.Context, p billing.PersonMonths) error {
	return m.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveOccupancy(ctx, p) })
}

func (m *Memory) SaveAdvance(ctx context.Context, a billing.AdvanceMonthly) error {
	return m.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveAdvance(ctx, a) })
}

func (m *Memory) SavePayment(ctx context.Context, p billing.Payment) error {
	return m.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SavePayment(ctx, p) })
}

// WithInputTx collects the writes of fn and applies them under one lock
// only when fn succeeds.
func (m *Memory) WithInputTx(_ context.Context, fn func(billing.InputWriter) error) error {
	batch := &inputBatch{}
	if err := fn(batch); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, apply := range batch.ops {
		apply(m)
	}
	return nil
}

// inputBatch records pending writes; Memory applies them on commit.
type inputBatch struct {
	ops []func(*Memory)
}

func (b *inputBatch) add(op func(*Memory)) error {
	b.ops = append(b.ops, op)
	return nil
}

func (b *inputBatch) SaveUnit(_ context.Context, u billing.Unit) error {
	return b.add(func(m *Memory) { m.units[u.ID] = u })
}

func (b *inputBatch) SaveService(_ context.Context, s billing.Service) error {
	return b.add(func(m *Memory) { m.services[s.ID] = s })
}

func (b *inputBatch) SaveCost(_ context.Context, c billing.Cost) error {
	return b.add(func(m *Memory) { m.costs[c.ID] = c })
}

func (b *inputBatch) SaveMeter(_ context.Context, mt billing.Meter) error {
	return b.add(func(m *Memory) { m.meters[mt.ID] = mt })
}

func (b *inputBatch) SaveReading(_ context.Context, r billing.MeterReading) error {
	return b.add(func(m *Memory) { m.readings[r.ID] = r })
}

func (b *inputBatch) SaveParameter(_ context.Context, p billing.UnitParameter) error {
	return b.add(func(m *Memory) { m.parameters[paramKey{p.UnitID, p.Name}] = p })
}

func (b *inputBatch) SaveOccupancy(_ context.Context, p billing.PersonMonths) error {
	return b.add(func(m *Memory) { m.occupancy[monthKey{p.UnitID, p.Year, p.Month}] = p })
}

func (b *inputBatch) SaveAdvance(_ context.Context, a billing.AdvanceMonthly) error {
	return b.add(func(m *Memory) { m.advances[advanceKey{a.UnitID, a.ServiceID, a.Year, a.Month}] = a })
}

func (b *inputBatch) SavePayment(_ context.Context, p billing.Payment) error {
	return b.add(func(m *Memory) { m.payments[p.ID] = p })
}

// ListUnits returns the building's units ordered by id.
func (m *Memory) ListUnits(_ context.Context, buildingID billing.BuildingID) ([]billing.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unitsLocked(buildingID), nil
}

// ListMeters returns the meters installed in the building's units.
func (m *Memory) ListMeters(_ context.Context, buildingID billing.BuildingID) ([]billing.Meter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metersLocked(m.unitsOfLocked(buildingID)), nil
}

func (m *Memory) unitsLocked(buildingID billing.BuildingID) []billing.Unit {
	var units []billing.Unit
	for _, u := range m.units {
		if u.BuildingID == buildingID {
			units = append(units, u)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units
}

func (m *Memory) metersLocked(inBuilding map[billing.UnitID]bool) []billing.Meter {
	var meters []billing.Meter
	for _, mt := range m.meters {
		if inBuilding[mt.UnitID] {
			meters = append(meters, mt)
		}
	}
	sort.Slice(meters, func(i, j int) bool { return meters[i].ID < meters[j].ID })
	return meters
}

// DeleteYearInputs removes the yearly rows of a building.
func (m *Memory) DeleteYearInputs(ctx context.Context, buildingID billing.BuildingID, year int) error {
	return m.WithInputTx(ctx, func(w billing.InputWriter) error { return w.DeleteYearInputs(ctx, buildingID, year) })
}

func (b *inputBatch) DeleteYearInputs(_ context.Context, buildingID billing.BuildingID, year int) error {
	return b.add(func(m *Memory) { m.deleteYearLocked(buildingID, year) })
}

func (m *Memory) deleteYearLocked(buildingID billing.BuildingID, year int) {
	inBuilding := m.unitsOfLocked(buildingID)
	for id, c := range m.costs {
		if c.BuildingID == buildingID && c.Year == year {
			delete(m.costs, id)
		}
	}
	for id, r := range m.readings {
		if mt, ok := m.meters[r.MeterID]; ok && inBuilding[mt.UnitID] && r.Year == year {
			delete(m.readings, id)
		}
	}
	for k := range m.occupancy {
		if inBuilding[k.UnitID] && k.Year == year {
			delete(m.occupancy, k)
		}
	}
	for k := range m.advances {
		if inBuilding[k.UnitID] && k.Year == year {
			delete(m.advances, k)
		}
	}
	for id, p := range m.payments {
		if p.BuildingID == buildingID && p.Year == year {
			delete(m.payments, id)
		}
	}
}

func (m *Memory) unitsOfLocked(buildingID billing.BuildingID) map[billing.UnitID]bool {
	out := make(map[billing.UnitID]bool)
	for id, u := range m.units {
		if u.BuildingID == buildingID {
			out[id] = true
		}
	}
	return out
}

// =============================================================================
// READ SIDE
// =============================================================================

// LoadYear returns the snapshot of one building and year. Slices are ordered
// by identifier so two loads of the same state are identical.
func (m *Memory) LoadYear(_ context.Context, buildingID billing.BuildingID, year int) (*billing.YearData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buildings[buildingID]
	if !ok {
		return nil, billing.ErrBuildingNotFound
	}
	data := &billing.YearData{Building: b, Year: year}
	inBuilding := m.unitsOfLocked(buildingID)

	data.Units = m.unitsLocked(buildingID)

	for _, s := range m.services {
		if s.BuildingID == buildingID {
			data.Services = append(data.Services, s)
		}
	}
	sort.Slice(data.Services, func(i, j int) bool { return data.Services[i].ID < data.Services[j].ID })

	for _, c := range m.costs {
		if c.BuildingID == buildingID && c.Year == year {
			data.Costs = append(data.Costs, c)
		}
	}
	sort.Slice(data.Costs, func(i, j int) bool { return data.Costs[i].ID < data.Costs[j].ID })

	data.Meters = m.metersLocked(inBuilding)
	meterIDs := make(map[string]bool, len(data.Meters))
	for _, mt := range data.Meters {
		meterIDs[mt.ID] = true
	}

	for _, r := range m.readings {
		if meterIDs[r.MeterID] && r.Year == year {
			data.Readings = append(data.Readings, r)
		}
	}
	sort.Slice(data.Readings, func(i, j int) bool { return data.Readings[i].ID < data.Readings[j].ID })

	for _, p := range m.parameters {
		if inBuilding[p.UnitID] {
			data.Parameters = append(data.Parameters, p)
		}
	}
	sort.Slice(data.Parameters, func(i, j int) bool {
		a, b := data.Parameters[i], data.Parameters[j]
		if a.UnitID != b.UnitID {
			return a.UnitID < b.UnitID
		}
		return a.Name < b.Name
	})

	for k, p := range m.occupancy {
		if inBuilding[k.UnitID] && k.Year == year {
			data.Occupancy = append(data.Occupancy, p)
		}
	}
	sort.Slice(data.Occupancy, func(i, j int) bool {
		a, b := data.Occupancy[i], data.Occupancy[j]
		if a.UnitID != b.UnitID {
			return a.UnitID < b.UnitID
		}
		return a.Month < b.Month
	})

	for k, a := range m.advances {
		if inBuilding[k.UnitID] && k.Year == year {
			data.Advances = append(data.Advances, a)
		}
	}
	sort.Slice(data.Advances, func(i, j int) bool {
		a, b := data.Advances[i], data.Advances[j]
		if a.UnitID != b.UnitID {
			return a.UnitID < b.UnitID
		}
		if a.ServiceID != b.ServiceID {
			return a.ServiceID < b.ServiceID
		}
		return a.Month < b.Month
	})

	for _, p := range m.payments {
		if p.BuildingID == buildingID && p.Year == year {
			data.Payments = append(data.Payments, p)
		}
	}
	sort.Slice(data.Payments, func(i, j int) bool { return data.Payments[i].ID < data.Payments[j].ID })

	return data, nil
}

func (m *Memory) GetPeriod(_ context.Context, buildingID billing.BuildingID, year int) (*billing.BillingPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.periods[billing.PeriodIDFor(buildingID, year)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) ListResults(_ context.Context, periodID billing.PeriodID) ([]billing.BillingResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listResultsLocked(periodID), nil
}

func (m *Memory) listResultsLocked(periodID billing.PeriodID) []billing.BillingResult {
	src := m.results[periodID]
	out := make([]billing.BillingResult, len(src))
	for i, r := range src {
		r.Lines = append([]billing.BillingServiceCost(nil), r.Lines...)
		out[i] = r
	}
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(billing.ResultWriter) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	periods map[billing.PeriodID]billing.BillingPeriod
	results map[billing.PeriodID][]billing.BillingResult
}

func (tm *TxMemory) snapshot() memorySnapshot {
	periods := make(map[billing.PeriodID]billing.BillingPeriod, len(tm.periods))
	for k, v := range tm.periods {
		periods[k] = v
	}
	results := make(map[billing.PeriodID][]billing.BillingResult, len(tm.results))
	for k := range tm.results {
		results[k] = tm.listResultsLocked(k)
	}
	return memorySnapshot{periods: periods, results: results}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.periods = s.periods
	tm.results = s.results
}

type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) SavePeriod(_ context.Context, p billing.BillingPeriod) error {
	p.Warnings = append([]billing.Warning(nil), p.Warnings...)
	tv.parent.periods[p.ID] = p
	return nil
}

func (tv *txMemoryView) DeleteResults(_ context.Context, periodID billing.PeriodID) error {
	delete(tv.parent.results, periodID)
	return nil
}

func (tv *txMemoryView) InsertResults(_ context.Context, results []billing.BillingResult) error {
	for _, r := range results {
		r.Lines = append([]billing.BillingServiceCost(nil), r.Lines...)
		tv.parent.results[r.BillingPeriodID] = append(tv.parent.results[r.BillingPeriodID], r)
	}
	return nil
}
