/*
methodology.go - Methodology Strategy

PURPOSE:
  Turns a service's building-level total cost plus the per-unit bases into
  one cost per unit. Each methodology kind is a pure function; Apportion is
  the single switch selecting it.

BRANCHES:
  proportional  area, share, consumption, parameter, occupancy, equal:
                cost = total * base / sum(bases)
                sum(bases) == 0 -> every cost 0 + no_distribution_base
  divisor       sum(bases) replaced by the configured divisor; the costs may
                no longer add up to the total and that is reported
  override      a per-unit manual cost, or manual share of the total,
                replaces the computed value; the remainder is split over
                the other units by the normal rule. Overrides above the
                total leave the other units at 0 + overrides_exceed_total
  dual_rate     metered units pay consumption * with-meter rate; unmetered
                units split the remainder by person-months (or pay
                person-months * guidance * without-meter rate when the
                service has no invoiced total)
  formula       sandboxed expression per unit (formula.go)

OUTPUT:
  An Allocation at full precision. Rounding and the residual correction
  happen in composer.go. Every unit carries a CalculationBasis string that
  names the branch and its inputs.
*/
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// UnitAllocation is the full-precision outcome for one unit.
type UnitAllocation struct {
	UnitID       UnitID
	Base         decimal.Decimal
	TotalBase    decimal.Decimal
	PricePerUnit decimal.Decimal
	Cost         decimal.Decimal
	Basis        string
	Overridden   bool
}

// Allocation is the outcome of one service over all units.
type Allocation struct {
	ServiceID ServiceID
	TotalCost decimal.Decimal
	Units     []UnitAllocation // same order as the input units

	// Balanced is set when the costs are meant to add up to TotalCost; the
	// composer then moves the rounding residual onto Units[Absorber].
	Balanced bool
	Absorber int

	// SkipDiscrepancyCheck is set when a more specific warning already
	// explains why the costs do not add up.
	SkipDiscrepancyCheck bool

	Warnings []Warning
}

// ApportionInput is everything a methodology function reads.
type ApportionInput struct {
	Service   Service
	Units     []Unit // ordered by unit number
	Bases     []Base // aligned with Units
	TotalCost decimal.Decimal
	Resolver  *Resolver
	Formula   *Formula // formula kind only
}

// Apportion dispatches to the methodology of the service.
func Apportion(in ApportionInput) (Allocation, error) {
	if len(in.Bases) != len(in.Units) {
		return Allocation{}, fmt.Errorf("apportion %s: %d bases for %d units", in.Service.ID, len(in.Bases), len(in.Units))
	}
	switch kind := in.Service.Method.Kind; {
	case kind.IsProportional():
		return apportionProportional(in), nil
	case kind == MethodDualRate:
		return apportionDualRate(in), nil
	case kind == MethodFormula:
		return apportionFormula(in)
	default:
		return Allocation{}, &ConfigurationError{ServiceID: in.Service.ID, Field: "methodology", Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
}

func newAllocation(in ApportionInput) Allocation {
	alloc := Allocation{
		ServiceID: in.Service.ID,
		TotalCost: in.TotalCost,
		Units:     make([]UnitAllocation, len(in.Units)),
		Absorber:  -1,
	}
	for i, u := range in.Units {
		alloc.Units[i] = UnitAllocation{UnitID: u.ID, Base: in.Bases[i].Value}
	}
	return alloc
}

// applyOverrides fills the manually set units and returns their cost sum and
// the indexes of the units left to compute.
func applyOverrides(in ApportionInput, alloc *Allocation) (decimal.Decimal, []int) {
	overridden := decimal.Zero
	var computed []int
	for i, u := range in.Units {
		ov, ok := in.Service.Overrides[u.ID]
		switch {
		case ok && ov.Cost != nil:
			alloc.Units[i].Cost = *ov.Cost
			alloc.Units[i].Basis = fmt.Sprintf("manual cost %s", ov.Cost.String())
		case ok && ov.Share != nil:
			alloc.Units[i].Cost = in.TotalCost.Mul(*ov.Share)
			alloc.Units[i].Basis = fmt.Sprintf("manual share %s of total %s", ov.Share.String(), in.TotalCost.String())
		default:
			computed = append(computed, i)
			continue
		}
		alloc.Units[i].Overridden = true
		overridden = overridden.Add(alloc.Units[i].Cost)
	}
	return overridden, computed
}

// =============================================================================
// PROPORTIONAL
// =============================================================================

func apportionProportional(in ApportionInput) Allocation {
	alloc := newAllocation(in)
	overridden, computed := applyOverrides(in, &alloc)
	if len(computed) == 0 {
		return alloc
	}

	remainder := in.TotalCost.Sub(overridden)
	kind := in.Service.Method.Kind

	if remainder.IsNegative() {
		for _, i := range computed {
			alloc.Units[i].Basis = fmt.Sprintf("%s: overrides %s exceed total %s, nothing left (%s)",
				kind, overridden.String(), in.TotalCost.String(), in.Bases[i].Source)
		}
		alloc.Warnings = append(alloc.Warnings, OverridesExceedTotalWarning(in.Service.ID, overridden, in.TotalCost))
		alloc.SkipDiscrepancyCheck = true
		return alloc
	}

	sumBase := decimal.Zero
	for _, i := range computed {
		sumBase = sumBase.Add(alloc.Units[i].Base)
	}
	divisor := sumBase
	divisorLabel := "sum of bases"
	if d := in.Service.Method.Divisor; d != nil {
		divisor = *d
		divisorLabel = "manual divisor"
	}

	if divisor.IsZero() {
		for _, i := range computed {
			alloc.Units[i].Basis = fmt.Sprintf("%s: no distribution base (%s)", kind, in.Bases[i].Source)
		}
		alloc.Warnings = append(alloc.Warnings, NoDistributionBaseWarning(in.Service.ID))
		alloc.SkipDiscrepancyCheck = true
		return alloc
	}

	price := remainder.Div(divisor)
	for _, i := range computed {
		ua := &alloc.Units[i]
		ua.TotalBase = divisor
		ua.PricePerUnit = price
		ua.Cost = remainder.Mul(ua.Base).Div(divisor)
		ua.Basis = fmt.Sprintf("%s: %s x %s / %s %s (%s)",
			kind, remainder.String(), ua.Base.String(), divisorLabel, divisor.String(), in.Bases[i].Source)
	}

	if in.Service.Method.Divisor == nil {
		alloc.Balanced = true
		alloc.Absorber = computed[len(computed)-1]
	}
	return alloc
}

// =============================================================================
// DUAL RATE
// =============================================================================

func apportionDualRate(in ApportionInput) Allocation {
	alloc := newAllocation(in)
	overridden, computed := applyOverrides(in, &alloc)
	m := in.Service.Method
	r := in.Resolver

	var metered, unmetered []int
	for _, i := range computed {
		if r.HasActiveMeter(in.Units[i].ID, in.Service.ID) {
			metered = append(metered, i)
		} else {
			unmetered = append(unmetered, i)
		}
	}

	meteredCost := decimal.Zero
	meteredBase := decimal.Zero
	for _, i := range metered {
		ua := &alloc.Units[i]
		c := r.Consumption(ua.UnitID, in.Service.ID)
		ua.Base = c
		ua.PricePerUnit = m.WithMeterRate
		ua.Cost = c.Mul(m.WithMeterRate)
		ua.Basis = fmt.Sprintf("dual_rate metered: consumption %s x rate %s", c.String(), m.WithMeterRate.String())
		meteredCost = meteredCost.Add(ua.Cost)
		meteredBase = meteredBase.Add(c)
	}
	for _, i := range metered {
		alloc.Units[i].TotalBase = meteredBase
	}

	sumOcc := decimal.Zero
	for _, i := range unmetered {
		occ := r.Occupancy(in.Units[i].ID)
		alloc.Units[i].Base = occ
		sumOcc = sumOcc.Add(occ)
	}
	for _, i := range unmetered {
		alloc.Units[i].TotalBase = sumOcc
	}

	if len(unmetered) == 0 {
		return alloc
	}

	if in.TotalCost.IsZero() {
		// Rate-only service: nothing invoiced to reconcile against.
		guidance := m.GuidanceConstant
		if guidance.IsZero() {
			guidance = decimal.NewFromInt(1)
		}
		price := guidance.Mul(m.WithoutMeterRate)
		for _, i := range unmetered {
			ua := &alloc.Units[i]
			ua.PricePerUnit = price
			ua.Cost = ua.Base.Mul(price)
			ua.Basis = fmt.Sprintf("dual_rate unmetered: person-months %s x guidance %s x rate %s",
				ua.Base.String(), guidance.String(), m.WithoutMeterRate.String())
		}
		alloc.SkipDiscrepancyCheck = true
		return alloc
	}

	if in.TotalCost.Sub(overridden).IsNegative() {
		for _, i := range unmetered {
			alloc.Units[i].Basis = fmt.Sprintf("dual_rate unmetered: overrides %s exceed total %s",
				overridden.String(), in.TotalCost.String())
		}
		alloc.Warnings = append(alloc.Warnings, OverridesExceedTotalWarning(in.Service.ID, overridden, in.TotalCost))
		alloc.SkipDiscrepancyCheck = true
		return alloc
	}

	remainder := in.TotalCost.Sub(overridden).Sub(meteredCost)
	if !remainder.IsPositive() {
		for _, i := range unmetered {
			alloc.Units[i].Basis = fmt.Sprintf("dual_rate unmetered: no remainder (total %s, metered %s)",
				in.TotalCost.String(), meteredCost.String())
		}
		alloc.Warnings = append(alloc.Warnings, Warning{
			Code:      WarnMeteredExceedsTotal,
			ServiceID: in.Service.ID,
			Message: fmt.Sprintf("metered costs %s leave no remainder of total %s for unmetered units",
				RoundMoney(meteredCost).String(), RoundMoney(in.TotalCost).String()),
		})
		alloc.SkipDiscrepancyCheck = true
		return alloc
	}

	if sumOcc.IsZero() {
		for _, i := range unmetered {
			alloc.Units[i].Basis = "dual_rate unmetered: no person-months"
		}
		alloc.Warnings = append(alloc.Warnings, NoDistributionBaseWarning(in.Service.ID))
		alloc.SkipDiscrepancyCheck = true
		return alloc
	}

	price := remainder.Div(sumOcc)
	for _, i := range unmetered {
		ua := &alloc.Units[i]
		ua.PricePerUnit = price
		ua.Cost = remainder.Mul(ua.Base).Div(sumOcc)
		ua.Basis = fmt.Sprintf("dual_rate unmetered: remainder %s x person-months %s / %s",
			remainder.String(), ua.Base.String(), sumOcc.String())
	}
	alloc.Balanced = true
	alloc.Absorber = unmetered[len(unmetered)-1]
	return alloc
}

// =============================================================================
// FORMULA
// =============================================================================

func apportionFormula(in ApportionInput) (Allocation, error) {
	if in.Formula == nil {
		return Allocation{}, &FormulaError{ServiceID: in.Service.ID, Formula: in.Service.Method.Formula, Reason: "formula not compiled"}
	}
	alloc := newAllocation(in)
	_, computed := applyOverrides(in, &alloc)

	totalBase := decimal.Zero
	for _, b := range in.Bases {
		totalBase = totalBase.Add(b.Value)
	}

	for _, i := range computed {
		u := in.Units[i]
		ua := &alloc.Units[i]
		cost, err := in.Formula.Eval(u.ID, FormulaVars{
			UnitBase:      ua.Base,
			TotalBase:     totalBase,
			TotalCost:     in.TotalCost,
			UnitPrice:     in.Service.Method.UnitPrice,
			UnitArea:      u.TotalArea,
			UnitShare:     u.Share(),
			UnitOccupancy: in.Resolver.Occupancy(u.ID),
		})
		if err != nil {
			return Allocation{}, err
		}
		ua.Cost = cost
		ua.TotalBase = totalBase
		ua.PricePerUnit = in.Service.Method.UnitPrice
		ua.Basis = fmt.Sprintf("formula %q: unit_base %s, total_base %s, total_cost %s",
			in.Formula.Source(), ua.Base.String(), totalBase.String(), in.TotalCost.String())
	}
	return alloc, nil
}

// skippedAllocation is used in lenient mode when a formula fails.
func skippedAllocation(svc Service, units []Unit, total decimal.Decimal, cause error) Allocation {
	alloc := Allocation{ServiceID: svc.ID, TotalCost: total, Units: make([]UnitAllocation, len(units)), Absorber: -1}
	for i, u := range units {
		alloc.Units[i] = UnitAllocation{UnitID: u.ID, Basis: "formula skipped: " + cause.Error()}
	}
	alloc.SkipDiscrepancyCheck = true
	alloc.Warnings = []Warning{{
		Code:      WarnFormulaSkipped,
		ServiceID: svc.ID,
		Message:   cause.Error(),
	}}
	return alloc
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateService checks a service's methodology configuration. When units
// is non-nil, overrides must reference one of them.
func ValidateService(svc Service, units []Unit) error {
	m := svc.Method
	cfgErr := func(field, reason string) error {
		return &ConfigurationError{ServiceID: svc.ID, Field: field, Reason: reason}
	}

	if !m.Kind.IsValid() {
		return cfgErr("methodology", fmt.Sprintf("unknown kind %q", m.Kind))
	}
	switch m.AreaSource {
	case "", AreaTotal, AreaFloor:
	default:
		return cfgErr("area_source", fmt.Sprintf("unknown value %q", m.AreaSource))
	}
	switch m.MissingParameter {
	case "", MissingFail, MissingZero:
	default:
		return cfgErr("missing_parameter", fmt.Sprintf("unknown policy %q", m.MissingParameter))
	}
	if m.BaseKind() == MethodParameter && m.ParameterName == "" {
		return cfgErr("parameter_name", "is required for parameter bases")
	}
	if m.Divisor != nil {
		if !m.Kind.IsProportional() {
			return cfgErr("divisor", "only applies to proportional methodologies")
		}
		if !m.Divisor.IsPositive() {
			return cfgErr("divisor", "must be greater than zero")
		}
	}

	switch m.Kind {
	case MethodFormula:
		if m.Formula == "" {
			return cfgErr("formula", "is required for formula methodology")
		}
		if !m.BaseKind().IsProportional() {
			return cfgErr("formula_base", fmt.Sprintf("%q cannot be used as a formula base", m.FormulaBase))
		}
	case MethodDualRate:
		if m.WithMeterRate.IsNegative() || m.WithoutMeterRate.IsNegative() {
			return cfgErr("rates", "must not be negative")
		}
		if m.GuidanceConstant.IsNegative() {
			return cfgErr("guidance_constant", "must not be negative")
		}
	}

	var known map[UnitID]bool
	if units != nil {
		known = make(map[UnitID]bool, len(units))
		for _, u := range units {
			known[u.ID] = true
		}
	}
	for unitID, ov := range svc.Overrides {
		if known != nil && !known[unitID] {
			return &ConfigurationError{ServiceID: svc.ID, UnitID: unitID, Field: "override", Reason: "references a unit outside the building"}
		}
		if (ov.Cost == nil) == (ov.Share == nil) {
			return &ConfigurationError{ServiceID: svc.ID, UnitID: unitID, Field: "override", Reason: "needs exactly one of cost or share"}
		}
		if ov.Share != nil && (ov.Share.IsNegative() || ov.Share.GreaterThan(decimal.NewFromInt(1))) {
			return &ConfigurationError{ServiceID: svc.ID, UnitID: unitID, Field: "override.share", Reason: "must be between 0 and 1"}
		}
	}
	return nil
}
