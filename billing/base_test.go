package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_Bases(t *testing.T) {
	// GIVEN: A unit with floor area, two meters (one without service),
	//        occupancy over two months and a named parameter
	// WHEN: Resolving bases for each methodology kind
	// THEN: Each kind reads its own source

	unit := Unit{ID: "a", TotalArea: d("80"), FloorArea: dp("72.5"), ShareNumerator: 1, ShareDenominator: 4}
	r, err := NewResolver(&YearData{
		Year:  2024,
		Units: []Unit{unit},
		Meters: []Meter{
			{ID: "m1", UnitID: "a", ServiceID: "water", Active: true},
			{ID: "m2", UnitID: "a"},
		},
		Readings: []MeterReading{
			{ID: "r1", MeterID: "m1", Year: 2024, Consumption: d("12.5")},
			{ID: "r2", MeterID: "m1", Year: 2024, Consumption: d("7.5")},
			{ID: "r3", MeterID: "m2", Year: 2024, Consumption: d("100")},
		},
		Occupancy: []PersonMonths{
			{UnitID: "a", Year: 2024, Month: 1, Persons: d("2")},
			{UnitID: "a", Year: 2024, Month: 2, Persons: d("3")},
		},
		Parameters: []UnitParameter{{UnitID: "a", Name: "bins", Value: d("4")}},
	})
	require.NoError(t, err)

	tests := []struct {
		method Methodology
		want   string
	}{
		{Methodology{Kind: MethodArea}, "80"},
		{Methodology{Kind: MethodArea, AreaSource: AreaFloor}, "72.5"},
		{Methodology{Kind: MethodShare}, "0.25"},
		{Methodology{Kind: MethodConsumption}, "20"},
		{Methodology{Kind: MethodOccupancy}, "5"},
		{Methodology{Kind: MethodParameter, ParameterName: "bins"}, "4"},
		{Methodology{Kind: MethodEqual}, "1"},
		{Methodology{Kind: MethodFormula, FormulaBase: MethodOccupancy}, "5"},
	}
	for _, tt := range tests {
		t.Run(string(tt.method.Kind), func(t *testing.T) {
			b, err := r.Resolve(Service{ID: "water", Method: tt.method}, unit)
			require.NoError(t, err)
			assert.True(t, d(tt.want).Equal(b.Value), "got %s", b.Value)
			assert.NotEmpty(t, b.Source)
		})
	}

	assert.True(t, r.HasActiveMeter("a", "water"))
	assert.False(t, r.HasActiveMeter("a", "heat"))
}

func TestResolver_MissingParameter(t *testing.T) {
	unit := Unit{ID: "a", ShareDenominator: 1}
	r, err := NewResolver(&YearData{Year: 2024, Units: []Unit{unit}})
	require.NoError(t, err)

	_, err = r.Resolve(Service{ID: "s", Method: Methodology{Kind: MethodParameter, ParameterName: "bins"}}, unit)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, UnitID("a"), cfgErr.UnitID)

	b, err := r.Resolve(Service{ID: "s", Method: Methodology{
		Kind: MethodParameter, ParameterName: "bins", MissingParameter: MissingZero,
	}}, unit)
	require.NoError(t, err)
	assert.True(t, b.Defaulted)
	assert.True(t, b.Value.IsZero())
}

func TestResolver_TotalCost(t *testing.T) {
	r, err := NewResolver(&YearData{
		Year: 2024,
		Costs: []Cost{
			{ID: "1", ServiceID: "s", Year: 2024, Amount: d("100")},
			{ID: "2", ServiceID: "s", Year: 2024, Amount: d("50.5")},
			{ID: "3", Year: 2024, Amount: d("1000")},
			{ID: "4", ServiceID: "s", Year: 2023, Amount: d("7")},
		},
	})
	require.NoError(t, err)

	assert.True(t, d("150.5").Equal(r.TotalCost(Service{ID: "s"})))
	assert.True(t, d("9").Equal(r.TotalCost(Service{ID: "s", ManualTotalCost: dp("9")})))
}
