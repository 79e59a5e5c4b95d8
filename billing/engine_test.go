package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/billing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	bldg = billing.BuildingID("bldg-1")
	year = 2024
)

var fixedNow = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msg ...any) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got.String(), msg)
}

func newTestEngine(t *testing.T, opts ...billing.Option) (*billing.Engine, *store.TxMemory) {
	st := store.NewTxMemory()
	opts = append([]billing.Option{billing.WithClock(func() time.Time { return fixedNow })}, opts...)
	engine, err := billing.NewEngine(st, opts...)
	require.NoError(t, err)
	return engine, st
}

// seedUnits creates the building and units "1" (60 m2) and "2" (40 m2).
func seedUnits(t *testing.T, st *store.TxMemory) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SaveBuilding(ctx, billing.Building{ID: bldg, Name: "Main Street 1"}))
	require.NoError(t, st.SaveUnit(ctx, billing.Unit{
		ID: "u1", BuildingID: bldg, Number: "1", TotalArea: dec("60"),
		ShareNumerator: 60, ShareDenominator: 100, VariableSymbol: "1001",
	}))
	require.NoError(t, st.SaveUnit(ctx, billing.Unit{
		ID: "u2", BuildingID: bldg, Number: "2", TotalArea: dec("40"),
		ShareNumerator: 40, ShareDenominator: 100, VariableSymbol: "1002",
	}))
}

func addUnit(t *testing.T, st *store.TxMemory, id billing.UnitID, number, area string) {
	t.Helper()
	require.NoError(t, st.SaveUnit(context.Background(), billing.Unit{
		ID: id, BuildingID: bldg, Number: number, TotalArea: dec(area),
		ShareNumerator: 1, ShareDenominator: 3,
	}))
}

func addService(t *testing.T, st *store.TxMemory, svc billing.Service) {
	t.Helper()
	svc.BuildingID = bldg
	svc.Active = true
	require.NoError(t, st.SaveService(context.Background(), svc))
}

func addCost(t *testing.T, st *store.TxMemory, id string, svc billing.ServiceID, amount string) {
	t.Helper()
	require.NoError(t, st.SaveCost(context.Background(), billing.Cost{
		ID: id, BuildingID: bldg, ServiceID: svc, Year: year, Amount: dec(amount),
	}))
}

func addMonthlyAdvances(t *testing.T, st *store.TxMemory, unit billing.UnitID, svc billing.ServiceID, amount string) {
	t.Helper()
	for m := 1; m <= 12; m++ {
		require.NoError(t, st.SaveAdvance(context.Background(), billing.AdvanceMonthly{
			UnitID: unit, ServiceID: svc, Year: year, Month: m, Amount: dec(amount),
		}))
	}
}

func addOccupancy(t *testing.T, st *store.TxMemory, unit billing.UnitID, persons string) {
	t.Helper()
	for m := 1; m <= 12; m++ {
		require.NoError(t, st.SaveOccupancy(context.Background(), billing.PersonMonths{
			UnitID: unit, Year: year, Month: m, Persons: dec(persons),
		}))
	}
}

func heating() billing.Service {
	return billing.Service{
		ID: "heat", Name: "Heating", Order: 1,
		Method: billing.Methodology{Kind: billing.MethodArea},
	}
}

func calculate(t *testing.T, engine *billing.Engine) (*billing.Summary, []billing.BillingResult) {
	t.Helper()
	summary, err := engine.Calculate(context.Background(), bldg, year)
	require.NoError(t, err)
	_, results, err := engine.Results(context.Background(), bldg, year)
	require.NoError(t, err)
	return summary, results
}

func resultFor(t *testing.T, results []billing.BillingResult, unit billing.UnitID) billing.BillingResult {
	t.Helper()
	for _, r := range results {
		if r.UnitID == unit {
			return r
		}
	}
	t.Fatalf("no result for unit %s", unit)
	return billing.BillingResult{}
}

func lineFor(t *testing.T, r billing.BillingResult, svc billing.ServiceID) billing.BillingServiceCost {
	t.Helper()
	for _, l := range r.Lines {
		if l.ServiceID == svc {
			return l
		}
	}
	t.Fatalf("no line for service %s on unit %s", svc, r.UnitID)
	return billing.BillingServiceCost{}
}

func hasWarning(warnings []billing.Warning, code billing.WarningCode) bool {
	for _, w := range warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// =============================================================================
// PROPORTIONAL APPORTIONMENT
// =============================================================================

func TestCalculate_AreaSplit(t *testing.T) {
	// GIVEN: Units of 60 m2 and 40 m2, heating billed by area, cost 10000
	// WHEN: Calculating the year
	// THEN: 6000 and 4000, with the inputs recorded on the lines

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, heating())
	addCost(t, st, "c1", "heat", "7000")
	addCost(t, st, "c2", "heat", "3000")

	summary, results := calculate(t, engine)

	require.Len(t, results, 2)
	l1 := lineFor(t, resultFor(t, results, "u1"), "heat")
	l2 := lineFor(t, resultFor(t, results, "u2"), "heat")
	assertDec(t, "6000", l1.UnitCost)
	assertDec(t, "4000", l2.UnitCost)
	assertDec(t, "60", l1.DistributionBase)
	assertDec(t, "100", l1.TotalBase)
	assertDec(t, "10000", l1.BuildingTotalCost)
	assertDec(t, "100", l1.PricePerUnit)
	assert.Contains(t, l1.CalculationBasis, "area")

	require.Len(t, summary.PerServiceTotals, 1)
	assertDec(t, "10000", summary.PerServiceTotals[0].TotalCost)
	assertDec(t, "10000", summary.PerServiceTotals[0].Allocated)
	assert.Empty(t, summary.Warnings)
	assert.Equal(t, 2, summary.UnitCount)
	assert.Equal(t, 1, summary.ServiceCount)
}

func TestCalculate_ShareSplit(t *testing.T) {
	// GIVEN: Shares 60/100 and 40/100, service billed by share, cost 500
	// WHEN: Calculating
	// THEN: 300 and 200

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, billing.Service{ID: "mgmt", Name: "Management", Method: billing.Methodology{Kind: billing.MethodShare}})
	addCost(t, st, "c1", "mgmt", "500")

	_, results := calculate(t, engine)

	assertDec(t, "300", lineFor(t, resultFor(t, results, "u1"), "mgmt").UnitCost)
	assertDec(t, "200", lineFor(t, resultFor(t, results, "u2"), "mgmt").UnitCost)
}

func TestCalculate_OverrideReplacesComputedCost(t *testing.T) {
	// GIVEN: Heating 10000 by area, unit 1 has a manual cost of 500
	// WHEN: Calculating
	// THEN: Unit 1 pays 500, unit 2 carries the remaining 9500

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	svc := heating()
	svc.Overrides = map[billing.UnitID]billing.Override{"u1": {Cost: decp("500")}}
	addService(t, st, svc)
	addCost(t, st, "c1", "heat", "10000")

	summary, results := calculate(t, engine)

	l1 := lineFor(t, resultFor(t, results, "u1"), "heat")
	assertDec(t, "500", l1.UnitCost)
	assert.Contains(t, l1.CalculationBasis, "manual cost")
	assertDec(t, "9500", lineFor(t, resultFor(t, results, "u2"), "heat").UnitCost)
	assert.Empty(t, summary.Warnings)
}

func TestCalculate_ShareOverride(t *testing.T) {
	// GIVEN: Heating 10000, unit 1 has a manual share of 0.25
	// WHEN: Calculating
	// THEN: Unit 1 pays 2500, unit 2 pays 7500

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	svc := heating()
	svc.Overrides = map[billing.UnitID]billing.Override{"u1": {Share: decp("0.25")}}
	addService(t, st, svc)
	addCost(t, st, "c1", "heat", "10000")

	_, results := calculate(t, engine)

	assertDec(t, "2500", lineFor(t, resultFor(t, results, "u1"), "heat").UnitCost)
	assertDec(t, "7500", lineFor(t, resultFor(t, results, "u2"), "heat").UnitCost)
}

func TestCalculate_AllUnitsOverridden_Discrepancy(t *testing.T) {
	// GIVEN: Every unit overridden with costs not adding up to the total
	// WHEN: Calculating
	// THEN: The overrides stand and an allocation_discrepancy warning is raised

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	svc := heating()
	svc.Overrides = map[billing.UnitID]billing.Override{
		"u1": {Cost: decp("100")},
		"u2": {Cost: decp("100")},
	}
	addService(t, st, svc)
	addCost(t, st, "c1", "heat", "1000")

	summary, results := calculate(t, engine)

	assertDec(t, "100", lineFor(t, resultFor(t, results, "u1"), "heat").UnitCost)
	assertDec(t, "100", lineFor(t, resultFor(t, results, "u2"), "heat").UnitCost)
	assert.True(t, hasWarning(summary.Warnings, billing.WarnAllocationDiscrepancy))
}

func TestCalculate_OverridesExceedTotal(t *testing.T) {
	// GIVEN: Heating 10000 by area, unit 1 has a manual cost of 12000
	// WHEN: Calculating
	// THEN: Unit 2 pays 0 instead of a negative remainder and overrides_exceed_total is raised

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	svc := heating()
	svc.Overrides = map[billing.UnitID]billing.Override{"u1": {Cost: decp("12000")}}
	addService(t, st, svc)
	addCost(t, st, "c1", "heat", "10000")

	summary, results := calculate(t, engine)

	assertDec(t, "12000", lineFor(t, resultFor(t, results, "u1"), "heat").UnitCost)
	l2 := lineFor(t, resultFor(t, results, "u2"), "heat")
	assertDec(t, "0", l2.UnitCost)
	assert.Contains(t, l2.CalculationBasis, "exceed total")
	require.Len(t, summary.Warnings, 1)
	assert.Equal(t, billing.WarnOverridesExceedTotal, summary.Warnings[0].Code)
	assert.Equal(t, billing.ServiceID("heat"), summary.Warnings[0].ServiceID)
}

func TestCalculate_ShareOverridesExceedTotal(t *testing.T) {
	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addUnit(t, st, "u3", "3", "10")
	svc := heating()
	svc.Overrides = map[billing.UnitID]billing.Override{
		"u1": {Share: decp("0.7")},
		"u2": {Share: decp("0.5")},
	}
	addService(t, st, svc)
	addCost(t, st, "c1", "heat", "1000")

	summary, results := calculate(t, engine)

	assertDec(t, "700", lineFor(t, resultFor(t, results, "u1"), "heat").UnitCost)
	assertDec(t, "500", lineFor(t, resultFor(t, results, "u2"), "heat").UnitCost)
	assertDec(t, "0", lineFor(t, resultFor(t, results, "u3"), "heat").UnitCost)
	assert.True(t, hasWarning(summary.Warnings, billing.WarnOverridesExceedTotal))
	assert.False(t, hasWarning(summary.Warnings, billing.WarnAllocationDiscrepancy))
}

func TestCalculate_RoundingResidualAbsorbed(t *testing.T) {
	// GIVEN: Three units, cost 100 split equally
	// WHEN: Calculating
	// THEN: 33.33 + 33.33 + 33.34, summing exactly to 100

	engine, st := newTestEngine(t)
	require.NoError(t, st.SaveBuilding(context.Background(), billing.Building{ID: bldg}))
	addUnit(t, st, "a", "1", "10")
	addUnit(t, st, "b", "2", "10")
	addUnit(t, st, "c", "3", "10")
	addService(t, st, billing.Service{ID: "lift", Name: "Lift", Method: billing.Methodology{Kind: billing.MethodEqual}})
	addCost(t, st, "c1", "lift", "100")

	summary, results := calculate(t, engine)

	assertDec(t, "33.33", lineFor(t, resultFor(t, results, "a"), "lift").UnitCost)
	assertDec(t, "33.33", lineFor(t, resultFor(t, results, "b"), "lift").UnitCost)
	assertDec(t, "33.34", lineFor(t, resultFor(t, results, "c"), "lift").UnitCost)
	assertDec(t, "100", summary.PerServiceTotals[0].Allocated)
	assert.False(t, hasWarning(summary.Warnings, billing.WarnAllocationDiscrepancy))
}

func TestCalculate_ZeroBase_NoDistributionBase(t *testing.T) {
	// GIVEN: A consumption service with cost but no readings
	// WHEN: Calculating
	// THEN: Every unit gets 0, with a no_distribution_base warning only

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, billing.Service{ID: "water", Name: "Water", Method: billing.Methodology{Kind: billing.MethodConsumption}})
	addCost(t, st, "c1", "water", "800")

	summary, results := calculate(t, engine)

	for _, r := range results {
		assertDec(t, "0", lineFor(t, r, "water").UnitCost)
	}
	assert.True(t, hasWarning(summary.Warnings, billing.WarnNoDistributionBase))
	assert.False(t, hasWarning(summary.Warnings, billing.WarnAllocationDiscrepancy))
}

func TestCalculate_ConsumptionSplit(t *testing.T) {
	// GIVEN: Unit 1 consumed 30, unit 2 consumed 10, water cost 800
	// WHEN: Calculating
	// THEN: 600 and 200

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	ctx := context.Background()
	addService(t, st, billing.Service{ID: "water", Name: "Water", Method: billing.Methodology{Kind: billing.MethodConsumption}})
	addCost(t, st, "c1", "water", "800")
	require.NoError(t, st.SaveMeter(ctx, billing.Meter{ID: "m1", UnitID: "u1", ServiceID: "water", Active: true}))
	require.NoError(t, st.SaveMeter(ctx, billing.Meter{ID: "m2", UnitID: "u2", ServiceID: "water", Active: true}))
	require.NoError(t, st.SaveReading(ctx, billing.MeterReading{ID: "r1", MeterID: "m1", Year: year, Consumption: dec("30")}))
	require.NoError(t, st.SaveReading(ctx, billing.MeterReading{ID: "r2", MeterID: "m2", Year: year, Consumption: dec("10")}))
	require.NoError(t, st.SaveReading(ctx, billing.MeterReading{ID: "r3", MeterID: "m2", Year: year - 1, Consumption: dec("99")}))

	_, results := calculate(t, engine)

	assertDec(t, "600", lineFor(t, resultFor(t, results, "u1"), "water").UnitCost)
	assertDec(t, "200", lineFor(t, resultFor(t, results, "u2"), "water").UnitCost)
}

func TestCalculate_DivisorDiscrepancy(t *testing.T) {
	// GIVEN: Area 100 in total, but a manual divisor of 200
	// WHEN: Calculating a cost of 1000
	// THEN: Units pay 300 and 200 and the missing 500 is reported

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	svc := heating()
	svc.Method.Divisor = decp("200")
	addService(t, st, svc)
	addCost(t, st, "c1", "heat", "1000")

	summary, results := calculate(t, engine)

	assertDec(t, "300", lineFor(t, resultFor(t, results, "u1"), "heat").UnitCost)
	assertDec(t, "200", lineFor(t, resultFor(t, results, "u2"), "heat").UnitCost)
	require.True(t, hasWarning(summary.Warnings, billing.WarnAllocationDiscrepancy))
}

func TestCalculate_ManualTotalCost(t *testing.T) {
	// GIVEN: Cost rows of 1000, but a manual total of 2000
	// WHEN: Calculating
	// THEN: The manual total is split

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	svc := heating()
	svc.ManualTotalCost = decp("2000")
	addService(t, st, svc)
	addCost(t, st, "c1", "heat", "1000")

	_, results := calculate(t, engine)

	assertDec(t, "1200", lineFor(t, resultFor(t, results, "u1"), "heat").UnitCost)
}

func TestCalculate_InactiveServiceIgnored(t *testing.T) {
	// GIVEN: One active and one inactive service
	// WHEN: Calculating
	// THEN: Only the active service produces lines

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, heating())
	require.NoError(t, st.SaveService(context.Background(), billing.Service{
		ID: "old", BuildingID: bldg, Name: "Old", Active: false,
		Method: billing.Methodology{Kind: billing.MethodArea},
	}))
	addCost(t, st, "c1", "heat", "100")
	addCost(t, st, "c2", "old", "100")

	_, results := calculate(t, engine)

	for _, r := range results {
		require.Len(t, r.Lines, 1)
		assert.Equal(t, billing.ServiceID("heat"), r.Lines[0].ServiceID)
	}
}

// =============================================================================
// PARAMETER BASES
// =============================================================================

func TestCalculate_MissingParameter_Fails(t *testing.T) {
	// GIVEN: A parameter service where unit 2 lacks the parameter
	// WHEN: Calculating with the default policy
	// THEN: ConfigurationError naming the unit, nothing persisted

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, billing.Service{ID: "bins", Name: "Waste", Method: billing.Methodology{
		Kind: billing.MethodParameter, ParameterName: "bins",
	}})
	addCost(t, st, "c1", "bins", "300")
	require.NoError(t, st.SaveParameter(context.Background(), billing.UnitParameter{UnitID: "u1", Name: "bins", Value: dec("2")}))

	_, err := engine.Calculate(context.Background(), bldg, year)

	var cfgErr *billing.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, billing.UnitID("u2"), cfgErr.UnitID)
	assert.True(t, billing.IsClientError(err))

	_, _, err = engine.Results(context.Background(), bldg, year)
	assert.ErrorIs(t, err, billing.ErrPeriodNotFound)
}

func TestCalculate_MissingParameter_ZeroPolicy(t *testing.T) {
	// GIVEN: Same setup, but missing parameters are treated as zero
	// WHEN: Calculating
	// THEN: Unit 1 carries everything, unit 2 gets a parameter_defaulted warning

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, billing.Service{ID: "bins", Name: "Waste", Method: billing.Methodology{
		Kind: billing.MethodParameter, ParameterName: "bins", MissingParameter: billing.MissingZero,
	}})
	addCost(t, st, "c1", "bins", "300")
	require.NoError(t, st.SaveParameter(context.Background(), billing.UnitParameter{UnitID: "u1", Name: "bins", Value: dec("2")}))

	summary, results := calculate(t, engine)

	assertDec(t, "300", lineFor(t, resultFor(t, results, "u1"), "bins").UnitCost)
	assertDec(t, "0", lineFor(t, resultFor(t, results, "u2"), "bins").UnitCost)
	require.True(t, hasWarning(summary.Warnings, billing.WarnParameterDefaulted))
	assert.Equal(t, billing.UnitID("u2"), summary.Warnings[0].UnitID)
}

// =============================================================================
// DUAL RATE
// =============================================================================

func seedDualRate(t *testing.T, st *store.TxMemory, total string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SaveBuilding(ctx, billing.Building{ID: bldg}))
	addUnit(t, st, "a", "1", "50")
	addUnit(t, st, "b", "2", "50")
	addUnit(t, st, "c", "3", "50")
	addService(t, st, billing.Service{ID: "water", Name: "Water", Method: billing.Methodology{
		Kind:             billing.MethodDualRate,
		WithMeterRate:    dec("50"),
		WithoutMeterRate: dec("10"),
		GuidanceConstant: dec("2"),
	}})
	if total != "" {
		addCost(t, st, "c1", "water", total)
	}
	require.NoError(t, st.SaveMeter(ctx, billing.Meter{ID: "m1", UnitID: "a", ServiceID: "water", Active: true}))
	require.NoError(t, st.SaveReading(ctx, billing.MeterReading{ID: "r1", MeterID: "m1", Year: year, Consumption: dec("10")}))
	addOccupancy(t, st, "b", "1")
	addOccupancy(t, st, "c", "2")
}

func TestCalculate_DualRate_RemainderByOccupancy(t *testing.T) {
	// GIVEN: Unit a metered (10 x 50), units b and c unmetered with 12 and 24 person-months
	// WHEN: Calculating a total of 2000
	// THEN: a pays 500, the remaining 1500 splits 500 / 1000

	engine, st := newTestEngine(t)
	seedDualRate(t, st, "2000")

	summary, results := calculate(t, engine)

	la := lineFor(t, resultFor(t, results, "a"), "water")
	assertDec(t, "500", la.UnitCost)
	assert.Contains(t, la.CalculationBasis, "metered")
	assertDec(t, "500", lineFor(t, resultFor(t, results, "b"), "water").UnitCost)
	assertDec(t, "1000", lineFor(t, resultFor(t, results, "c"), "water").UnitCost)
	assertDec(t, "2000", summary.PerServiceTotals[0].Allocated)
	assert.Empty(t, summary.Warnings)
}

func TestCalculate_DualRate_NoTotalUsesRates(t *testing.T) {
	// GIVEN: The same units but no invoiced cost
	// WHEN: Calculating
	// THEN: Unmetered units pay person-months x guidance x rate, no discrepancy warning

	engine, st := newTestEngine(t)
	seedDualRate(t, st, "")

	summary, results := calculate(t, engine)

	assertDec(t, "500", lineFor(t, resultFor(t, results, "a"), "water").UnitCost)
	assertDec(t, "240", lineFor(t, resultFor(t, results, "b"), "water").UnitCost)
	assertDec(t, "480", lineFor(t, resultFor(t, results, "c"), "water").UnitCost)
	assert.False(t, hasWarning(summary.Warnings, billing.WarnAllocationDiscrepancy))
}

func TestCalculate_DualRate_MeteredExceedsTotal(t *testing.T) {
	// GIVEN: Metered cost 500 but a total of only 400
	// WHEN: Calculating
	// THEN: Unmetered units pay 0 and metered_exceeds_total is raised

	engine, st := newTestEngine(t)
	seedDualRate(t, st, "400")

	summary, results := calculate(t, engine)

	assertDec(t, "500", lineFor(t, resultFor(t, results, "a"), "water").UnitCost)
	assertDec(t, "0", lineFor(t, resultFor(t, results, "b"), "water").UnitCost)
	assertDec(t, "0", lineFor(t, resultFor(t, results, "c"), "water").UnitCost)
	assert.True(t, hasWarning(summary.Warnings, billing.WarnMeteredExceedsTotal))
}

func TestCalculate_DualRate_MeterWinsOverOccupancy(t *testing.T) {
	// GIVEN: Metered unit a also has 36 person-months
	// WHEN: Calculating a total of 2000
	// THEN: a still pays consumption x rate and its person-months do not dilute b and c

	engine, st := newTestEngine(t)
	seedDualRate(t, st, "2000")
	addOccupancy(t, st, "a", "3")

	summary, results := calculate(t, engine)

	la := lineFor(t, resultFor(t, results, "a"), "water")
	assertDec(t, "500", la.UnitCost)
	assert.Contains(t, la.CalculationBasis, "dual_rate metered")
	assertDec(t, "500", lineFor(t, resultFor(t, results, "b"), "water").UnitCost)
	assertDec(t, "1000", lineFor(t, resultFor(t, results, "c"), "water").UnitCost)
	assert.Empty(t, summary.Warnings)
}

func TestCalculate_DualRate_InactiveMeterIsUnmetered(t *testing.T) {
	// GIVEN: Unit a's only meter is inactive and a has 12 person-months
	// WHEN: Calculating a total of 1800
	// THEN: a shares the total by person-months like b and c

	engine, st := newTestEngine(t)
	seedDualRate(t, st, "1800")
	require.NoError(t, st.SaveMeter(context.Background(), billing.Meter{ID: "m1", UnitID: "a", ServiceID: "water", Active: false}))
	addOccupancy(t, st, "a", "1")

	summary, results := calculate(t, engine)

	la := lineFor(t, resultFor(t, results, "a"), "water")
	assertDec(t, "450", la.UnitCost)
	assert.Contains(t, la.CalculationBasis, "dual_rate unmetered")
	assertDec(t, "450", lineFor(t, resultFor(t, results, "b"), "water").UnitCost)
	assertDec(t, "900", lineFor(t, resultFor(t, results, "c"), "water").UnitCost)
	assertDec(t, "1800", summary.PerServiceTotals[0].Allocated)
}

func TestCalculate_DualRate_OverridesExceedTotal(t *testing.T) {
	engine, st := newTestEngine(t)
	seedDualRate(t, st, "1000")
	svc := billing.Service{ID: "water", Name: "Water", Method: billing.Methodology{
		Kind:          billing.MethodDualRate,
		WithMeterRate: dec("50"),
	}, Overrides: map[billing.UnitID]billing.Override{"b": {Cost: decp("1200")}}}
	addService(t, st, svc)

	summary, results := calculate(t, engine)

	assertDec(t, "500", lineFor(t, resultFor(t, results, "a"), "water").UnitCost)
	assertDec(t, "1200", lineFor(t, resultFor(t, results, "b"), "water").UnitCost)
	assertDec(t, "0", lineFor(t, resultFor(t, results, "c"), "water").UnitCost)
	assert.True(t, hasWarning(summary.Warnings, billing.WarnOverridesExceedTotal))
	assert.False(t, hasWarning(summary.Warnings, billing.WarnMeteredExceedsTotal))
}

// =============================================================================
// FORMULAS
// =============================================================================

func formulaService(src string) billing.Service {
	return billing.Service{ID: "custom", Name: "Custom", Method: billing.Methodology{
		Kind: billing.MethodFormula, Formula: src, UnitPrice: dec("10"),
	}}
}

func TestCalculate_Formula(t *testing.T) {
	// GIVEN: Formula unit_area * unit_price with price 10, invoiced 1200
	// WHEN: Calculating
	// THEN: 600 and 400, and the 200 difference is reported

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, formulaService("unit_area * unit_price"))
	addCost(t, st, "c1", "custom", "1200")

	summary, results := calculate(t, engine)

	assertDec(t, "600", lineFor(t, resultFor(t, results, "u1"), "custom").UnitCost)
	assertDec(t, "400", lineFor(t, resultFor(t, results, "u2"), "custom").UnitCost)
	assert.True(t, hasWarning(summary.Warnings, billing.WarnAllocationDiscrepancy))
}

func TestCalculate_Formula_StrictAbortsRun(t *testing.T) {
	// GIVEN: A formula dividing by zero for unit 1
	// WHEN: Calculating in strict mode
	// THEN: FormulaError, and the earlier results are untouched

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, heating())
	addCost(t, st, "c1", "heat", "1000")
	_, before := calculate(t, engine)

	addService(t, st, formulaService("total_cost / (unit_area - 60)"))
	_, err := engine.Calculate(context.Background(), bldg, year)

	var fErr *billing.FormulaError
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, billing.UnitID("u1"), fErr.UnitID)
	assert.ErrorIs(t, err, billing.ErrFormula)

	_, after, err := engine.Results(context.Background(), bldg, year)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCalculate_Formula_LenientSkipsService(t *testing.T) {
	// GIVEN: The same failing formula next to a working service
	// WHEN: Calculating in lenient mode
	// THEN: The formula service is zeroed with formula_skipped, the other is billed

	engine, st := newTestEngine(t, billing.WithStrictness(billing.LenientFormulas))
	seedUnits(t, st)
	addService(t, st, heating())
	addCost(t, st, "c1", "heat", "1000")
	addService(t, st, formulaService("total_cost / (unit_area - 60)"))

	summary, results := calculate(t, engine)

	assertDec(t, "600", lineFor(t, resultFor(t, results, "u1"), "heat").UnitCost)
	for _, r := range results {
		l := lineFor(t, r, "custom")
		assertDec(t, "0", l.UnitCost)
		assert.True(t, strings.HasPrefix(l.CalculationBasis, "formula skipped"))
	}
	assert.True(t, hasWarning(summary.Warnings, billing.WarnFormulaSkipped))
}

func TestCalculate_Formula_UnknownIdentifier(t *testing.T) {
	// GIVEN: A formula referencing an undefined variable
	// WHEN: Calculating
	// THEN: FormulaError before anything is written

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, formulaService("os_exit(1)"))

	_, err := engine.Calculate(context.Background(), bldg, year)

	assert.ErrorIs(t, err, billing.ErrFormula)
	period, getErr := st.GetPeriod(context.Background(), bldg, year)
	require.NoError(t, getErr)
	assert.Nil(t, period)
}

// =============================================================================
// ADVANCES, PAYMENTS AND SETTLEMENT
// =============================================================================

func TestCalculate_SignConvention(t *testing.T) {
	// GIVEN: Unit 1 costs 6000, prescribed and paid 100 per month
	// WHEN: Calculating
	// THEN: Result = 1200 - 6000 = -4800, the unit owes

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, heating())
	addCost(t, st, "c1", "heat", "10000")
	addMonthlyAdvances(t, st, "u1", "heat", "100")
	for m := 1; m <= 12; m++ {
		require.NoError(t, st.SavePayment(context.Background(), billing.Payment{
			ID: "p" + time.Month(m).String(), BuildingID: bldg, UnitID: "u1", Year: year,
			Amount: dec("100"), PaidAt: time.Date(year, time.Month(m), 15, 0, 0, 0, 0, time.UTC),
		}))
	}

	_, results := calculate(t, engine)

	r := resultFor(t, results, "u1")
	assertDec(t, "6000", r.TotalCost)
	assertDec(t, "1200", r.TotalAdvancePrescribed)
	assertDec(t, "1200", r.TotalAdvancePaid)
	assertDec(t, "-4800", r.Result)
	assert.True(t, r.Owes())

	l := lineFor(t, r, "heat")
	assertDec(t, "1200", l.UnitAdvance)
	assertDec(t, "-4800", l.UnitBalance)
	for m := 0; m < 12; m++ {
		assertDec(t, "100", r.MonthlyPrescriptions[m])
		assertDec(t, "100", r.MonthlyPayments[m])
	}
}

func TestCalculate_PaymentsMatchedByVariableSymbol(t *testing.T) {
	// GIVEN: One payment identified only by variable symbol, one matching nothing
	// WHEN: Calculating
	// THEN: The first counts for unit 2, the second is reported as unmatched

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, heating())
	ctx := context.Background()
	require.NoError(t, st.SavePayment(ctx, billing.Payment{
		ID: "p1", BuildingID: bldg, VariableSymbol: "1002", Year: year, Amount: dec("250"),
		PaidAt: time.Date(year, time.May, 3, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, st.SavePayment(ctx, billing.Payment{
		ID: "p2", BuildingID: bldg, VariableSymbol: "9999", Year: year, Amount: dec("10"),
	}))

	summary, results := calculate(t, engine)

	r := resultFor(t, results, "u2")
	assertDec(t, "250", r.TotalAdvancePaid)
	assertDec(t, "250", r.MonthlyPayments[4])
	assert.True(t, hasWarning(summary.Warnings, billing.WarnUnmatchedPayment))
}

func TestCalculate_RepairFundSeparated(t *testing.T) {
	// GIVEN: Heating 1000 and a repair fund of 500, both by area
	// WHEN: Calculating
	// THEN: Repair fund is kept out of TotalCost but still reduces the result

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, heating())
	addService(t, st, billing.Service{ID: "fund", Name: "Repair fund", Order: 2, RepairFund: true,
		Method: billing.Methodology{Kind: billing.MethodArea}})
	addCost(t, st, "c1", "heat", "1000")
	addCost(t, st, "c2", "fund", "500")

	_, results := calculate(t, engine)

	r := resultFor(t, results, "u1")
	assertDec(t, "600", r.TotalCost)
	assertDec(t, "300", r.RepairFund)
	assertDec(t, "-900", r.Result)
	assert.True(t, lineFor(t, r, "fund").RepairFund)
}

func TestCalculate_TotalCostIsSumOfLines(t *testing.T) {
	// GIVEN: Several services with awkward amounts
	// WHEN: Calculating
	// THEN: TotalCost is the sum of the non repair-fund lines, RepairFund the
	// sum of the repair-fund lines, so together they cover every line

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addUnit(t, st, "u3", "3", "33.3")
	addService(t, st, heating())
	addService(t, st, billing.Service{ID: "lift", Name: "Lift", Order: 2, Method: billing.Methodology{Kind: billing.MethodEqual}})
	addService(t, st, billing.Service{ID: "fund", Name: "Repair fund", Order: 3, RepairFund: true,
		Method: billing.Methodology{Kind: billing.MethodShare}})
	addCost(t, st, "c1", "heat", "1234.57")
	addCost(t, st, "c2", "lift", "99.99")
	addCost(t, st, "c3", "fund", "777.77")

	summary, results := calculate(t, engine)

	for _, r := range results {
		costs, fund := decimal.Zero, decimal.Zero
		for _, l := range r.Lines {
			if l.RepairFund {
				fund = fund.Add(l.UnitCost)
			} else {
				costs = costs.Add(l.UnitCost)
			}
		}
		assertDec(t, costs.String(), r.TotalCost, r.UnitID)
		assertDec(t, fund.String(), r.RepairFund, r.UnitID)
		assertDec(t, costs.Add(fund).String(), r.TotalCost.Add(r.RepairFund), r.UnitID)
	}
	for _, total := range summary.PerServiceTotals {
		assertDec(t, total.TotalCost.String(), total.Allocated, total.ServiceID)
	}
}

func TestMonthlySeries_AlwaysTwelveValues(t *testing.T) {
	// GIVEN: A unit without advances or payments
	// WHEN: The result is encoded as JSON
	// THEN: Both series have exactly 12 entries

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, heating())

	_, results := calculate(t, engine)

	raw, err := json.Marshal(results[0].MonthlyPrescriptions)
	require.NoError(t, err)
	var values []string
	require.NoError(t, json.Unmarshal(raw, &values))
	assert.Len(t, values, 12)
	assert.Equal(t, "0.00", values[11])
}

// =============================================================================
// IDEMPOTENCE AND ATOMICITY
// =============================================================================

func TestCalculate_RecalculationIsIdentical(t *testing.T) {
	// GIVEN: A calculated period
	// WHEN: Calculating again with unchanged inputs
	// THEN: Results are identical and no row of the first run is left over

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, heating())
	addCost(t, st, "c1", "heat", "1000")
	addMonthlyAdvances(t, st, "u1", "heat", "10")

	_, first := calculate(t, engine)
	_, second := calculate(t, engine)

	assert.Equal(t, first, second)
	assert.Len(t, second, 2)
}

func TestCalculate_ReimportGivesSameResults(t *testing.T) {
	// GIVEN: A calculated period
	// WHEN: Yearly inputs are deleted, re-imported and recalculated
	// THEN: Results are identical

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, heating())
	importYear := func() {
		addCost(t, st, "c1", "heat", "1000")
		addMonthlyAdvances(t, st, "u2", "heat", "20")
	}
	importYear()
	_, first := calculate(t, engine)

	require.NoError(t, st.DeleteYearInputs(context.Background(), bldg, year))
	importYear()
	_, second := calculate(t, engine)

	assert.Equal(t, first, second)
}

func TestCalculate_RecalculationReplacesRemovedUnits(t *testing.T) {
	// GIVEN: A period calculated with three units
	// WHEN: One unit moves to another building and the period is recalculated
	// THEN: Only two results remain

	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addUnit(t, st, "u3", "3", "10")
	addService(t, st, heating())
	_, first := calculate(t, engine)
	require.Len(t, first, 3)

	require.NoError(t, st.SaveUnit(context.Background(), billing.Unit{ID: "u3", BuildingID: "other", Number: "3", ShareDenominator: 1}))
	_, second := calculate(t, engine)

	assert.Len(t, second, 2)
}

type failingWriter struct {
	billing.ResultWriter
}

func (failingWriter) InsertResults(context.Context, []billing.BillingResult) error {
	return errors.New("disk full")
}

type failingStore struct {
	*store.TxMemory
	fail bool
}

func (f *failingStore) WithTx(ctx context.Context, fn func(billing.ResultWriter) error) error {
	return f.TxMemory.WithTx(ctx, func(w billing.ResultWriter) error {
		if f.fail {
			return fn(failingWriter{w})
		}
		return fn(w)
	})
}

func TestCalculate_PersistenceFailureKeepsPriorResults(t *testing.T) {
	// GIVEN: A calculated period
	// WHEN: The next run fails while inserting results
	// THEN: PersistenceError, and the prior period and results are untouched

	mem := store.NewTxMemory()
	fs := &failingStore{TxMemory: mem}
	engine, err := billing.NewEngine(fs, billing.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	seedUnits(t, mem)
	addService(t, mem, heating())
	addCost(t, mem, "c1", "heat", "1000")
	_, before := calculate(t, engine)
	periodBefore, err := mem.GetPeriod(context.Background(), bldg, year)
	require.NoError(t, err)

	addCost(t, mem, "c2", "heat", "500")
	fs.fail = true
	_, err = engine.Calculate(context.Background(), bldg, year)

	assert.ErrorIs(t, err, billing.ErrPersistence)
	var pErr *billing.PersistenceError
	require.ErrorAs(t, err, &pErr)

	fs.fail = false
	_, after, err := engine.Results(context.Background(), bldg, year)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	periodAfter, err := mem.GetPeriod(context.Background(), bldg, year)
	require.NoError(t, err)
	assert.Equal(t, periodBefore, periodAfter)
}

// =============================================================================
// ORDERING AND ERRORS
// =============================================================================

func TestCalculate_NaturalUnitOrder(t *testing.T) {
	// GIVEN: Units numbered 10, 2 and 1
	// WHEN: Calculating
	// THEN: Results are ordered 1, 2, 10

	engine, st := newTestEngine(t)
	require.NoError(t, st.SaveBuilding(context.Background(), billing.Building{ID: bldg}))
	addUnit(t, st, "x", "10", "10")
	addUnit(t, st, "y", "2", "10")
	addUnit(t, st, "z", "1", "10")
	addService(t, st, heating())

	_, results := calculate(t, engine)

	require.Len(t, results, 3)
	assert.Equal(t, billing.UnitID("z"), results[0].UnitID)
	assert.Equal(t, billing.UnitID("y"), results[1].UnitID)
	assert.Equal(t, billing.UnitID("x"), results[2].UnitID)
}

func TestSortUnits_MixedNumbersIndependentOfInputOrder(t *testing.T) {
	// GIVEN: Units numbered 2, 10, 1a, B and 02 in every input order
	// WHEN: Sorting
	// THEN: The order is always 1a, 02, 2, 10, B

	units := []billing.Unit{
		{ID: "p", Number: "2"},
		{ID: "q", Number: "10"},
		{ID: "r", Number: "1a"},
		{ID: "s", Number: "B"},
		{ID: "t", Number: "02"},
	}
	want := []billing.UnitID{"r", "t", "p", "q", "s"}

	var permute func(int)
	permute = func(k int) {
		if k == len(units) {
			sorted := billing.SortUnits(units)
			got := make([]billing.UnitID, len(sorted))
			for i, u := range sorted {
				got[i] = u.ID
			}
			require.Equal(t, want, got)
			return
		}
		for i := k; i < len(units); i++ {
			units[k], units[i] = units[i], units[k]
			permute(k + 1)
			units[k], units[i] = units[i], units[k]
		}
	}
	permute(0)
}

func TestCalculate_Errors(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Calculate(ctx, bldg, 1800)
	assert.ErrorIs(t, err, billing.ErrInvalidYear)

	_, err = engine.Calculate(ctx, "missing", year)
	assert.ErrorIs(t, err, billing.ErrBuildingNotFound)
	assert.True(t, billing.IsNotFound(err))

	_, _, err = engine.Results(ctx, bldg, year)
	assert.ErrorIs(t, err, billing.ErrPeriodNotFound)

	_, err = billing.NewEngine(nil)
	assert.ErrorIs(t, err, billing.ErrNilStore)
}

func TestEnsurePeriod_CreatesDraftOnce(t *testing.T) {
	engine, st := newTestEngine(t)
	seedUnits(t, st)
	ctx := context.Background()

	p, err := engine.EnsurePeriod(ctx, bldg, year)
	require.NoError(t, err)
	assert.Equal(t, billing.PeriodDraft, p.Status)
	assert.Equal(t, billing.PeriodIDFor(bldg, year), p.ID)

	addService(t, st, heating())
	calculate(t, engine)

	p, err = engine.EnsurePeriod(ctx, bldg, year)
	require.NoError(t, err)
	assert.Equal(t, billing.PeriodCalculated, p.Status)
	assert.Equal(t, fixedNow, p.CalculatedAt)
}

func TestPreview_DoesNotPersist(t *testing.T) {
	engine, st := newTestEngine(t)
	seedUnits(t, st)
	addService(t, st, heating())
	addCost(t, st, "c1", "heat", "10")

	plan, err := engine.Preview(context.Background(), bldg, year)
	require.NoError(t, err)
	assert.Len(t, plan.Results, 2)

	period, err := st.GetPeriod(context.Background(), bldg, year)
	require.NoError(t, err)
	assert.Nil(t, period)
}
