/*
composer.go - Rounding and per-unit settlement

PURPOSE:
  Converts full-precision allocations into persisted figures and assembles
  one BillingResult per unit.

ROUNDING:
  Unit costs are rounded to 2 decimal places. For allocations meant to add
  up to the building total, the absorber unit takes the residual so that
  the persisted costs sum exactly to the rounded total. Other allocations
  keep their own rounding and a mismatch becomes an allocation_discrepancy
  warning.

RESULT:
  TotalCost      = sum of non repair-fund line costs
  RepairFund     = sum of repair-fund line costs
  Prescribed     = sum of line advances
  Paid           = all payments matched to the unit
  Result         = Paid - TotalCost - RepairFund
*/
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// settle rounds an allocation and returns the unit costs aligned with
// alloc.Units, plus a discrepancy warning when the costs do not add up.
func settle(alloc Allocation) ([]decimal.Decimal, []Warning) {
	costs := make([]decimal.Decimal, len(alloc.Units))
	for i, ua := range alloc.Units {
		costs[i] = RoundMoney(ua.Cost)
	}
	total := RoundMoney(alloc.TotalCost)

	if alloc.Balanced && alloc.Absorber >= 0 && alloc.Absorber < len(costs) {
		others := decimal.Zero
		for i, c := range costs {
			if i != alloc.Absorber {
				others = others.Add(c)
			}
		}
		costs[alloc.Absorber] = total.Sub(others)
		return costs, nil
	}

	if alloc.SkipDiscrepancyCheck {
		return costs, nil
	}
	sum := decimal.Zero
	for _, c := range costs {
		sum = sum.Add(c)
	}
	if sum.Equal(total) {
		return costs, nil
	}
	return costs, []Warning{{
		Code:      WarnAllocationDiscrepancy,
		ServiceID: alloc.ServiceID,
		Message: fmt.Sprintf("allocated %s of total %s (difference %s)",
			sum.StringFixed(MoneyPlaces), total.StringFixed(MoneyPlaces), total.Sub(sum).StringFixed(MoneyPlaces)),
	}}
}

// LineInput is one unit's share of one service ready to be persisted.
type LineInput struct {
	ResultID   ResultID
	Service    Service
	Allocation UnitAllocation
	UnitCost   decimal.Decimal // already rounded
	TotalCost  decimal.Decimal
	Advance    AdvanceTotals
	Paid       decimal.Decimal
}

// BuildLine produces the persisted line item.
func BuildLine(in LineInput) BillingServiceCost {
	advance := RoundMoney(in.Advance.Total)
	return BillingServiceCost{
		ID:                LineIDFor(in.ResultID, in.Service.ID),
		BillingResultID:   in.ResultID,
		ServiceID:         in.Service.ID,
		UnitID:            in.Allocation.UnitID,
		DistributionBase:  RoundQuantity(in.Allocation.Base),
		TotalBase:         RoundQuantity(in.Allocation.TotalBase),
		BuildingTotalCost: RoundMoney(in.TotalCost),
		PricePerUnit:      RoundQuantity(in.Allocation.PricePerUnit),
		UnitCost:          in.UnitCost,
		UnitAdvance:       advance,
		UnitPaid:          RoundMoney(in.Paid),
		UnitBalance:       advance.Sub(in.UnitCost),
		CalculationBasis:  in.Allocation.Basis,
		RepairFund:        in.Service.RepairFund,
	}
}

// ComposeInput is everything needed to settle one unit.
type ComposeInput struct {
	PeriodID      PeriodID
	UnitID        UnitID
	Lines         []BillingServiceCost
	Prescriptions MonthlySeries
	Payments      PaymentTotals
}

// Compose assembles the unit's BillingResult from its lines.
func Compose(in ComposeInput) BillingResult {
	res := BillingResult{
		ID:                     ResultIDFor(in.PeriodID, in.UnitID),
		BillingPeriodID:        in.PeriodID,
		UnitID:                 in.UnitID,
		TotalCost:              decimal.Zero,
		TotalAdvancePrescribed: decimal.Zero,
		RepairFund:             decimal.Zero,
		TotalAdvancePaid:       RoundMoney(in.Payments.Total),
		MonthlyPrescriptions:   in.Prescriptions.Rounded(),
		MonthlyPayments:        in.Payments.Monthly.Rounded(),
		Lines:                  in.Lines,
	}
	for _, l := range in.Lines {
		if l.RepairFund {
			res.RepairFund = res.RepairFund.Add(l.UnitCost)
		} else {
			res.TotalCost = res.TotalCost.Add(l.UnitCost)
		}
		res.TotalAdvancePrescribed = res.TotalAdvancePrescribed.Add(l.UnitAdvance)
	}
	res.Result = res.TotalAdvancePaid.Sub(res.TotalCost).Sub(res.RepairFund)
	return res
}
