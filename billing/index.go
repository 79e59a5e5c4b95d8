package billing

import (
	"github.com/shopspring/decimal"
)

// yearIndex is the lookup structure built once per calculation from a
// YearData snapshot. Resolver and Aggregator read from it; nothing writes to
// it after construction, so it is safe to share across goroutines.
type yearIndex struct {
	year int

	consumption map[UnitID]map[ServiceID]decimal.Decimal
	activeMeter map[UnitID]map[ServiceID]bool
	occupancy   map[UnitID]decimal.Decimal
	parameters  map[UnitID]map[string]decimal.Decimal

	advances map[UnitID]map[ServiceID]*MonthlySeries

	costs map[ServiceID]decimal.Decimal
	vat   map[ServiceID]decimal.Decimal

	payments  map[UnitID][]Payment
	unmatched []Payment
}

func newYearIndex(data *YearData) (*yearIndex, error) {
	idx := &yearIndex{
		year:        data.Year,
		consumption: make(map[UnitID]map[ServiceID]decimal.Decimal),
		activeMeter: make(map[UnitID]map[ServiceID]bool),
		occupancy:   make(map[UnitID]decimal.Decimal),
		parameters:  make(map[UnitID]map[string]decimal.Decimal),
		advances:    make(map[UnitID]map[ServiceID]*MonthlySeries),
		costs:       make(map[ServiceID]decimal.Decimal),
		vat:         make(map[ServiceID]decimal.Decimal),
		payments:    make(map[UnitID][]Payment),
	}

	// Meters without a service cannot be attributed to any service line.
	meters := make(map[string]Meter, len(data.Meters))
	for _, m := range data.Meters {
		if m.ServiceID == "" {
			continue
		}
		meters[m.ID] = m
		if m.Active {
			if idx.activeMeter[m.UnitID] == nil {
				idx.activeMeter[m.UnitID] = make(map[ServiceID]bool)
			}
			idx.activeMeter[m.UnitID][m.ServiceID] = true
		}
	}
	for _, r := range data.Readings {
		if r.Year != data.Year {
			continue
		}
		m, ok := meters[r.MeterID]
		if !ok {
			continue
		}
		if idx.consumption[m.UnitID] == nil {
			idx.consumption[m.UnitID] = make(map[ServiceID]decimal.Decimal)
		}
		idx.consumption[m.UnitID][m.ServiceID] = idx.consumption[m.UnitID][m.ServiceID].Add(r.Consumption)
	}

	for _, p := range data.Occupancy {
		if p.Year != data.Year {
			continue
		}
		if p.Month < 1 || p.Month > 12 {
			return nil, &ConfigurationError{UnitID: p.UnitID, Field: "occupancy.month", Reason: "must be between 1 and 12"}
		}
		idx.occupancy[p.UnitID] = idx.occupancy[p.UnitID].Add(p.Persons)
	}

	for _, p := range data.Parameters {
		if idx.parameters[p.UnitID] == nil {
			idx.parameters[p.UnitID] = make(map[string]decimal.Decimal)
		}
		idx.parameters[p.UnitID][p.Name] = p.Value
	}

	for _, a := range data.Advances {
		if a.Year != data.Year {
			continue
		}
		if a.Month < 1 || a.Month > 12 {
			return nil, &ConfigurationError{ServiceID: a.ServiceID, UnitID: a.UnitID, Field: "advance.month", Reason: "must be between 1 and 12"}
		}
		if idx.advances[a.UnitID] == nil {
			idx.advances[a.UnitID] = make(map[ServiceID]*MonthlySeries)
		}
		series := idx.advances[a.UnitID][a.ServiceID]
		if series == nil {
			series = &MonthlySeries{}
			idx.advances[a.UnitID][a.ServiceID] = series
		}
		series[a.Month-1] = series[a.Month-1].Add(a.Amount)
	}

	for _, c := range data.Costs {
		if c.Year != data.Year || c.ServiceID == "" {
			continue
		}
		idx.costs[c.ServiceID] = idx.costs[c.ServiceID].Add(c.Amount)
		idx.vat[c.ServiceID] = idx.vat[c.ServiceID].Add(c.VATAmount)
	}

	byVS := make(map[string]UnitID, len(data.Units))
	known := make(map[UnitID]bool, len(data.Units))
	for _, u := range data.Units {
		known[u.ID] = true
		if u.VariableSymbol != "" {
			byVS[u.VariableSymbol] = u.ID
		}
	}
	for _, p := range data.Payments {
		if p.Year != data.Year {
			continue
		}
		unitID := p.UnitID
		if unitID == "" {
			unitID = byVS[p.VariableSymbol]
		}
		if unitID == "" || !known[unitID] {
			idx.unmatched = append(idx.unmatched, p)
			continue
		}
		idx.payments[unitID] = append(idx.payments[unitID], p)
	}

	return idx, nil
}
