package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/store/postgres"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newTestStore connects to PG_DSN. Every test works on its own building and
// id prefix so runs never collide.
func newTestStore(t *testing.T) (*postgres.Store, string) {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	store, err := postgres.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, uuid.NewString()[:8] + "-"
}

func seed(t *testing.T, s *postgres.Store, p string) billing.BuildingID {
	t.Helper()
	ctx := context.Background()
	bldg := billing.BuildingID(p + "b")
	unit1, unit2 := billing.UnitID(p+"u1"), billing.UnitID(p+"u2")
	heat, water := billing.ServiceID(p+"heat"), billing.ServiceID(p+"water")

	require.NoError(t, s.SaveBuilding(ctx, billing.Building{ID: bldg, Name: "Elm 4"}))
	require.NoError(t, s.SaveUnit(ctx, billing.Unit{
		ID: unit1, BuildingID: bldg, Number: "1", TotalArea: dec("60"),
		ShareNumerator: 60, ShareDenominator: 100, VariableSymbol: "1001",
	}))
	require.NoError(t, s.SaveUnit(ctx, billing.Unit{
		ID: unit2, BuildingID: bldg, Number: "2", TotalArea: dec("40"),
		ShareNumerator: 40, ShareDenominator: 100,
	}))
	require.NoError(t, s.SaveService(ctx, billing.Service{
		ID: heat, BuildingID: bldg, Name: "Heating", Order: 1, Active: true,
		Method: billing.Methodology{Kind: billing.MethodArea},
	}))
	require.NoError(t, s.SaveService(ctx, billing.Service{
		ID: water, BuildingID: bldg, Name: "Water", Order: 2, Active: true,
		Method: billing.Methodology{Kind: billing.MethodConsumption},
	}))
	require.NoError(t, s.SaveCost(ctx, billing.Cost{ID: p + "c1", BuildingID: bldg, ServiceID: heat, Year: 2024, Amount: dec("10000")}))
	require.NoError(t, s.SaveCost(ctx, billing.Cost{ID: p + "c2", BuildingID: bldg, ServiceID: water, Year: 2024, Amount: dec("800")}))
	require.NoError(t, s.SaveMeter(ctx, billing.Meter{ID: p + "m1", UnitID: unit1, ServiceID: water, Active: true}))
	require.NoError(t, s.SaveMeter(ctx, billing.Meter{ID: p + "m2", UnitID: unit2, ServiceID: water, Active: true}))
	require.NoError(t, s.SaveReading(ctx, billing.MeterReading{ID: p + "r1", MeterID: p + "m1", Year: 2024, Consumption: dec("30")}))
	require.NoError(t, s.SaveReading(ctx, billing.MeterReading{ID: p + "r2", MeterID: p + "m2", Year: 2024, Consumption: dec("10")}))
	for m := 1; m <= 12; m++ {
		require.NoError(t, s.SaveAdvance(ctx, billing.AdvanceMonthly{UnitID: unit1, ServiceID: heat, Year: 2024, Month: m, Amount: dec("100")}))
	}
	require.NoError(t, s.SavePayment(ctx, billing.Payment{
		ID: p + "p1", BuildingID: bldg, UnitID: unit1, Year: 2024, Amount: dec("1200"),
		PaidAt: time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC),
	}))
	return bldg
}

func TestPostgres_LoadYear(t *testing.T) {
	s, p := newTestStore(t)
	bldg := seed(t, s, p)

	data, err := s.LoadYear(context.Background(), bldg, 2024)
	require.NoError(t, err)

	require.Len(t, data.Units, 2)
	assert.Nil(t, data.Units[0].FloorArea)
	assert.Equal(t, "1001", data.Units[0].VariableSymbol)
	require.Len(t, data.Services, 2)
	assert.Len(t, data.Costs, 2)
	assert.Len(t, data.Readings, 2)
	assert.Len(t, data.Advances, 12)
	require.Len(t, data.Payments, 1)
	assert.Equal(t, time.June, data.Payments[0].PaidAt.Month())

	_, err = s.LoadYear(context.Background(), billing.BuildingID(p+"missing"), 2024)
	assert.ErrorIs(t, err, billing.ErrBuildingNotFound)
}

func TestPostgres_CalculateAndRecalculate(t *testing.T) {
	// GIVEN: A seeded building
	// WHEN: Calculating twice
	// THEN: The second run replaces the first without leftovers

	s, p := newTestStore(t)
	bldg := seed(t, s, p)
	engine, err := billing.NewEngine(s)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = engine.Calculate(ctx, bldg, 2024)
	require.NoError(t, err)
	_, first, err := engine.Results(ctx, bldg, 2024)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.True(t, dec("6600").Equal(first[0].TotalCost))
	assert.True(t, dec("-5400").Equal(first[0].Result))
	require.Len(t, first[0].Lines, 2)

	_, err = engine.Calculate(ctx, bldg, 2024)
	require.NoError(t, err)
	_, second, err := engine.Results(ctx, bldg, 2024)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPostgres_WithTx_RollsBack(t *testing.T) {
	s, p := newTestStore(t)
	bldg := seed(t, s, p)
	ctx := context.Background()

	err := s.WithTx(ctx, func(w billing.ResultWriter) error {
		require.NoError(t, w.SavePeriod(ctx, billing.BillingPeriod{
			ID: billing.PeriodIDFor(bldg, 2024), BuildingID: bldg, Year: 2024, Status: billing.PeriodDraft,
		}))
		return errors.New("abort")
	})
	require.Error(t, err)

	period, err := s.GetPeriod(ctx, bldg, 2024)
	require.NoError(t, err)
	assert.Nil(t, period)
}

func TestPostgres_WithInputTx_RollsBack(t *testing.T) {
	s, p := newTestStore(t)
	bldg := seed(t, s, p)
	ctx := context.Background()

	err := s.WithInputTx(ctx, func(w billing.InputWriter) error {
		require.NoError(t, w.DeleteYearInputs(ctx, bldg, 2024))
		require.NoError(t, w.SaveUnit(ctx, billing.Unit{
			ID: billing.UnitID(p + "u3"), BuildingID: bldg, Number: "3", TotalArea: dec("20"),
			ShareNumerator: 1, ShareDenominator: 100,
		}))
		return errors.New("abort")
	})
	require.Error(t, err)

	units, err := s.ListUnits(ctx, bldg)
	require.NoError(t, err)
	assert.Len(t, units, 2)
	meters, err := s.ListMeters(ctx, bldg)
	require.NoError(t, err)
	assert.Len(t, meters, 2)

	data, err := s.LoadYear(ctx, bldg, 2024)
	require.NoError(t, err)
	assert.Len(t, data.Costs, 2)
	assert.Len(t, data.Readings, 2)
}
