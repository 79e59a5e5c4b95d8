/*
Package billing provides the cost apportionment and settlement engine.

PURPOSE:
  Takes one building's raw records for one year (invoiced costs, meter
  consumption, occupancy, monthly advance prescriptions and payments) and
  turns them into a per-unit, per-service settlement. Every intermediate
  figure is kept on the line items so a settlement can be explained later
  without re-running the engine.

KEY CONCEPTS IN THIS FILE (types.go):
  - Building, Unit, Service: the long-lived master data
  - Cost, Meter, MeterReading, UnitParameter, PersonMonths,
    AdvanceMonthly, Payment: yearly input rows (read-only to the engine)
  - BillingPeriod, BillingResult, BillingServiceCost: engine output
  - Methodology: tagged variant describing how a service is split

DESIGN PRINCIPLES:
  1. Precision: all money and quantities use decimal.Decimal
  2. Rounding happens once, when a figure is persisted (2 decimal places)
  3. Determinism: output identifiers are name-based UUIDs, so the same
     inputs produce byte-identical rows
  4. Auditability: each line records which methodology branch produced it

SIGN CONVENTION:
  BillingResult.Result = paid advances - cost - repair fund.
  Negative means the unit owes money, positive means a refund is due.

SEE ALSO:
  - base.go: distribution base resolution
  - methodology.go: per-kind apportionment
  - composer.go: rounding and per-unit settlement
  - engine.go: orchestration and transaction control
*/
package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BuildingID string
type UnitID string
type ServiceID string
type PeriodID string
type ResultID string
type LineID string

// idNamespace scopes the name-based identifiers of engine output rows.
var idNamespace = uuid.MustParse("5b0f8f4e-3c1d-4b7a-9e62-0d4c8a9f7e21")

// PeriodIDFor returns the stable identifier of a building's billing period.
func PeriodIDFor(buildingID BuildingID, year int) PeriodID {
	return PeriodID(uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("period/%s/%d", buildingID, year))).String())
}

// ResultIDFor returns the stable identifier of a unit's result in a period.
func ResultIDFor(periodID PeriodID, unitID UnitID) ResultID {
	return ResultID(uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("result/%s/%s", periodID, unitID))).String())
}

// LineIDFor returns the stable identifier of a service line within a result.
func LineIDFor(resultID ResultID, serviceID ServiceID) LineID {
	return LineID(uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("line/%s/%s", resultID, serviceID))).String())
}

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places persisted for money.
const MoneyPlaces = 2

// QuantityPlaces is the number of decimal places persisted for bases and
// unit prices.
const QuantityPlaces = 6

// RoundMoney rounds a monetary value for persistence.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyPlaces) }

// RoundQuantity rounds a base or per-unit price for persistence.
func RoundQuantity(d decimal.Decimal) decimal.Decimal { return d.Round(QuantityPlaces) }

// MonthlySeries holds one value per calendar month, January first.
// A fixed-size array so a persisted series can never be shorter than 12.
type MonthlySeries [12]decimal.Decimal

// Sum returns the total over all months.
func (s MonthlySeries) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, v := range s {
		total = total.Add(v)
	}
	return total
}

// Add returns the element-wise sum of two series.
func (s MonthlySeries) Add(o MonthlySeries) MonthlySeries {
	var out MonthlySeries
	for i := range s {
		out[i] = s[i].Add(o[i])
	}
	return out
}

// Rounded returns the series rounded for persistence.
func (s MonthlySeries) Rounded() MonthlySeries {
	var out MonthlySeries
	for i := range s {
		out[i] = RoundMoney(s[i])
	}
	return out
}

// MarshalJSON encodes the series as a JSON array of strings.
func (s MonthlySeries) MarshalJSON() ([]byte, error) {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = v.StringFixed(MoneyPlaces)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an array of at most 12 values; missing months are 0.
func (s *MonthlySeries) UnmarshalJSON(data []byte) error {
	var raw []decimal.Decimal
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) > len(s) {
		return fmt.Errorf("monthly series: %d values, want at most 12", len(raw))
	}
	for i := range s {
		s[i] = decimal.Zero
		if i < len(raw) {
			s[i] = raw[i]
		}
	}
	return nil
}

// =============================================================================
// MASTER DATA
// =============================================================================

type Building struct {
	ID          BuildingID
	Name        string
	Address     string
	BankAccount string
}

// Unit is one apartment or non-residential space of a building.
type Unit struct {
	ID               UnitID
	BuildingID       BuildingID
	Number           string
	TotalArea        decimal.Decimal
	FloorArea        *decimal.Decimal
	ShareNumerator   int64
	ShareDenominator int64
	Residents        *int
	VariableSymbol   string
}

// Share returns the ownership share as a fraction.
func (u Unit) Share() decimal.Decimal {
	if u.ShareDenominator == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(u.ShareNumerator).Div(decimal.NewFromInt(u.ShareDenominator))
}

// Validate checks the unit invariants.
func (u Unit) Validate() error {
	if u.ShareDenominator <= 0 {
		return &ConfigurationError{UnitID: u.ID, Field: "share_denominator", Reason: "must be greater than zero"}
	}
	if u.ShareNumerator < 0 {
		return &ConfigurationError{UnitID: u.ID, Field: "share_numerator", Reason: "must not be negative"}
	}
	if u.TotalArea.IsNegative() {
		return &ConfigurationError{UnitID: u.ID, Field: "total_area", Reason: "must not be negative"}
	}
	if u.FloorArea != nil && u.FloorArea.IsNegative() {
		return &ConfigurationError{UnitID: u.ID, Field: "floor_area", Reason: "must not be negative"}
	}
	return nil
}

// =============================================================================
// METHODOLOGY - Tagged variant over allocation rules
// =============================================================================

type MethodKind string

const (
	MethodArea        MethodKind = "area"        // unit area / building area
	MethodShare       MethodKind = "share"       // ownership share
	MethodConsumption MethodKind = "consumption" // metered consumption
	MethodParameter   MethodKind = "parameter"   // named per-unit attribute
	MethodOccupancy   MethodKind = "occupancy"   // person-months
	MethodEqual       MethodKind = "equal"       // same amount per unit
	MethodDualRate    MethodKind = "dual_rate"   // metered rate vs unmetered blend
	MethodFormula     MethodKind = "formula"     // custom expression
)

// IsProportional reports whether the kind splits cost by base ratio.
func (k MethodKind) IsProportional() bool {
	switch k {
	case MethodArea, MethodShare, MethodConsumption, MethodParameter, MethodOccupancy, MethodEqual:
		return true
	}
	return false
}

// IsValid reports whether the kind is known.
func (k MethodKind) IsValid() bool {
	return k.IsProportional() || k == MethodDualRate || k == MethodFormula
}

type AreaSource string

const (
	AreaTotal AreaSource = "total"
	AreaFloor AreaSource = "floor"
)

// MissingPolicy decides what happens when a named parameter is undefined
// for a unit.
type MissingPolicy string

const (
	MissingFail MissingPolicy = "error"
	MissingZero MissingPolicy = "zero"
)

// Methodology is the per-service allocation configuration.
// Kind selects the branch; the other fields are its payload.
type Methodology struct {
	Kind MethodKind

	// area
	AreaSource AreaSource

	// parameter
	ParameterName    string
	MissingParameter MissingPolicy

	// Available to formulas as unit_price.
	UnitPrice decimal.Decimal

	// Manual replacement for the sum of bases (proportional kinds only).
	Divisor *decimal.Decimal

	// formula
	Formula     string
	FormulaBase MethodKind // base exposed as unit_base; defaults to area

	// dual_rate
	WithMeterRate    decimal.Decimal
	WithoutMeterRate decimal.Decimal
	GuidanceConstant decimal.Decimal
}

// BaseKind returns the kind whose base the resolver computes for this
// methodology.
func (m Methodology) BaseKind() MethodKind {
	switch m.Kind {
	case MethodFormula:
		if m.FormulaBase == "" {
			return MethodArea
		}
		return m.FormulaBase
	case MethodDualRate:
		return MethodConsumption
	default:
		return m.Kind
	}
}

// Override replaces the computed cost of one unit for one service.
// Exactly one of Cost and Share is set.
type Override struct {
	Cost  *decimal.Decimal
	Share *decimal.Decimal // fraction of the building total
}

// Service is one cost category of a building together with its methodology.
type Service struct {
	ID         ServiceID
	BuildingID BuildingID
	Name       string
	Code       string
	Order      int
	Active     bool

	// MergeWithNext is presentation metadata; it never changes numbers.
	MergeWithNext bool

	// RepairFund marks the reserve contribution. Its lines are computed like
	// any other service but accounted separately from consumed cost.
	RepairFund bool

	Method Methodology

	// ManualTotalCost replaces the sum of the service's Cost rows.
	ManualTotalCost *decimal.Decimal

	Overrides map[UnitID]Override
}

// =============================================================================
// YEARLY INPUT ROWS
// =============================================================================

// Cost is one invoice-level amount. ServiceID is empty for general costs.
type Cost struct {
	ID            string
	BuildingID    BuildingID
	ServiceID     ServiceID
	Year          int
	Amount        decimal.Decimal
	VATRate       decimal.Decimal
	VATAmount     decimal.Decimal
	InvoiceNumber string
	Description   string
}

type Meter struct {
	ID           string
	UnitID       UnitID
	ServiceID    ServiceID
	SerialNumber string
	Active       bool
}

type MeterReading struct {
	ID          string
	MeterID     string
	Year        int
	Value       decimal.Decimal
	Consumption decimal.Decimal
}

type UnitParameter struct {
	UnitID UnitID
	Name   string
	Value  decimal.Decimal
}

type PersonMonths struct {
	UnitID  UnitID
	Year    int
	Month   int
	Persons decimal.Decimal
}

type AdvanceMonthly struct {
	UnitID    UnitID
	ServiceID ServiceID
	Year      int
	Month     int
	Amount    decimal.Decimal
}

// Payment is an actual payment received for a unit. UnitID may be empty when
// only the variable symbol is known; ServiceID is empty for unit-level
// payments.
type Payment struct {
	ID             string
	BuildingID     BuildingID
	UnitID         UnitID
	VariableSymbol string
	ServiceID      ServiceID
	Year           int
	Amount         decimal.Decimal
	PaidAt         time.Time
}

// YearData is everything the engine reads for one building and year.
type YearData struct {
	Building   Building
	Year       int
	Units      []Unit
	Services   []Service
	Costs      []Cost
	Meters     []Meter
	Readings   []MeterReading
	Parameters []UnitParameter
	Occupancy  []PersonMonths
	Advances   []AdvanceMonthly
	Payments   []Payment
}

// =============================================================================
// ENGINE OUTPUT
// =============================================================================

type PeriodStatus string

const (
	PeriodDraft      PeriodStatus = "draft"
	PeriodCalculated PeriodStatus = "calculated"
)

// BillingPeriod is the settlement of one building for one year.
type BillingPeriod struct {
	ID           PeriodID
	BuildingID   BuildingID
	Year         int
	Status       PeriodStatus
	CalculatedAt time.Time
	Warnings     []Warning
}

// BillingServiceCost is one unit's line for one service, with every figure
// used to produce it.
type BillingServiceCost struct {
	ID                LineID
	BillingResultID   ResultID
	ServiceID         ServiceID
	UnitID            UnitID
	DistributionBase  decimal.Decimal
	TotalBase         decimal.Decimal
	BuildingTotalCost decimal.Decimal
	PricePerUnit      decimal.Decimal
	UnitCost          decimal.Decimal
	UnitAdvance       decimal.Decimal
	UnitPaid          decimal.Decimal
	UnitBalance       decimal.Decimal
	CalculationBasis  string
	RepairFund        bool
}

// BillingResult is one unit's settlement for a period.
type BillingResult struct {
	ID                     ResultID
	BillingPeriodID        PeriodID
	UnitID                 UnitID
	TotalCost              decimal.Decimal
	TotalAdvancePrescribed decimal.Decimal
	TotalAdvancePaid       decimal.Decimal
	RepairFund             decimal.Decimal
	Result                 decimal.Decimal
	MonthlyPrescriptions   MonthlySeries
	MonthlyPayments        MonthlySeries
	Lines                  []BillingServiceCost
}

// Owes reports whether the unit has to pay additionally.
func (r BillingResult) Owes() bool { return r.Result.IsNegative() }

// ServiceTotal is the building-level outcome of one service.
type ServiceTotal struct {
	ServiceID  ServiceID
	Name       string
	TotalCost  decimal.Decimal
	Allocated  decimal.Decimal
	VATAmount  decimal.Decimal
	RepairFund bool
}

// Summary is returned to the caller after a calculation.
type Summary struct {
	BillingPeriodID  PeriodID
	BuildingID       BuildingID
	Year             int
	UnitCount        int
	ServiceCount     int
	PerServiceTotals []ServiceTotal
	Warnings         []Warning
	GeneratedAt      time.Time
}
