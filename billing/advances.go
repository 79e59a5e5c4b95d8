/*
advances.go - Advance and payment aggregation

PURPOSE:
  Sums a unit's monthly advance prescriptions per service and its actual
  payments for the year, keeping a 12-slot monthly series of both.

PAYMENT BUCKETING:
  A payment lands in the month of PaidAt. Payments dated before the year
  count as January, after the year as December. A payment without a date
  counts as January.

PAYMENT MATCHING:
  By UnitID, else by the unit's variable symbol. Payments matching no unit
  of the building are reported as unmatched; the engine turns them into
  warnings.
*/
package billing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// AdvanceTotals are the prescribed advances of one unit for one service.
type AdvanceTotals struct {
	Total   decimal.Decimal
	Monthly MonthlySeries
}

// PaymentTotals are the actual payments of one unit.
type PaymentTotals struct {
	Total     decimal.Decimal
	Monthly   MonthlySeries
	ByService map[ServiceID]decimal.Decimal
	Count     int
}

// Aggregator sums advances and payments from one year snapshot.
type Aggregator struct {
	idx *yearIndex
}

// NewAggregator builds an aggregator for the snapshot.
func NewAggregator(data *YearData) (*Aggregator, error) {
	idx, err := newYearIndex(data)
	if err != nil {
		return nil, err
	}
	return &Aggregator{idx: idx}, nil
}

// Advances returns the prescribed advances of the unit for the service.
func (a *Aggregator) Advances(unitID UnitID, serviceID ServiceID) AdvanceTotals {
	series := a.idx.advances[unitID][serviceID]
	if series == nil {
		return AdvanceTotals{Total: decimal.Zero}
	}
	return AdvanceTotals{Total: series.Sum(), Monthly: *series}
}

// Payments returns the unit's payments for the year.
func (a *Aggregator) Payments(unitID UnitID) PaymentTotals {
	out := PaymentTotals{Total: decimal.Zero, ByService: make(map[ServiceID]decimal.Decimal)}
	for _, p := range a.idx.payments[unitID] {
		m := paymentMonth(p, a.idx.year)
		out.Monthly[m-1] = out.Monthly[m-1].Add(p.Amount)
		out.Total = out.Total.Add(p.Amount)
		if p.ServiceID != "" {
			out.ByService[p.ServiceID] = out.ByService[p.ServiceID].Add(p.Amount)
		}
		out.Count++
	}
	return out
}

// Unmatched returns the payments that matched no unit, ordered by id.
func (a *Aggregator) Unmatched() []Payment {
	out := append([]Payment(nil), a.idx.unmatched...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// paymentMonth returns the 1-based month bucket of a payment.
func paymentMonth(p Payment, year int) int {
	switch {
	case p.PaidAt.IsZero():
		return 1
	case p.PaidAt.Year() < year:
		return 1
	case p.PaidAt.Year() > year:
		return 12
	default:
		return int(p.PaidAt.Month())
	}
}
