/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract. Input DTOs carry yaml
  tags as well because fixture files use the same row shapes.

NAMING CONVENTION:
  - *DTO: Request rows and response types
  - *Request: Request body wrappers
  - *Response: Complex response wrappers

TYPES:
  Master data:
    BuildingDTO, UnitDTO (services use factory.ServiceJSON)

  Yearly inputs:
    CostDTO, MeterDTO, ReadingDTO, ParameterDTO, OccupancyDTO,
    AdvanceDTO, PaymentDTO

  Output:
    SummaryDTO, PeriodResponse, ResultDTO, LineDTO, PlanDTO

  Fixtures:
    FixtureDTO, LoadFixtureRequest, LoadFixtureResponse

DECIMALS:
  Amounts accept JSON numbers or strings and are returned as strings, so
  clients never see a float rounding artifact.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/service.go: ServiceJSON type
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/billing"
)

const dateLayout = "2006-01-02"

// =============================================================================
// MASTER DATA
// =============================================================================

// BuildingDTO represents a building.
type BuildingDTO struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Address     string `json:"address,omitempty" yaml:"address,omitempty"`
	BankAccount string `json:"bank_account,omitempty" yaml:"bank_account,omitempty"`
}

func (b BuildingDTO) toBuilding() billing.Building {
	return billing.Building{
		ID:          billing.BuildingID(b.ID),
		Name:        b.Name,
		Address:     b.Address,
		BankAccount: b.BankAccount,
	}
}

func toBuildingDTO(b billing.Building) BuildingDTO {
	return BuildingDTO{ID: string(b.ID), Name: b.Name, Address: b.Address, BankAccount: b.BankAccount}
}

// UnitDTO represents one unit of a building.
type UnitDTO struct {
	ID               string           `json:"id" yaml:"id"`
	Number           string           `json:"number" yaml:"number"`
	TotalArea        decimal.Decimal  `json:"total_area" yaml:"total_area"`
	FloorArea        *decimal.Decimal `json:"floor_area,omitempty" yaml:"floor_area,omitempty"`
	ShareNumerator   int64            `json:"share_numerator" yaml:"share_numerator"`
	ShareDenominator int64            `json:"share_denominator" yaml:"share_denominator"`
	Residents        *int             `json:"residents,omitempty" yaml:"residents,omitempty"`
	VariableSymbol   string           `json:"variable_symbol,omitempty" yaml:"variable_symbol,omitempty"`
}

func (u UnitDTO) toUnit(buildingID billing.BuildingID) (billing.Unit, error) {
	if u.ID == "" {
		return billing.Unit{}, fmt.Errorf("unit id is required")
	}
	unit := billing.Unit{
		ID:               billing.UnitID(u.ID),
		BuildingID:       buildingID,
		Number:           u.Number,
		TotalArea:        u.TotalArea,
		FloorArea:        u.FloorArea,
		ShareNumerator:   u.ShareNumerator,
		ShareDenominator: u.ShareDenominator,
		Residents:        u.Residents,
		VariableSymbol:   u.VariableSymbol,
	}
	return unit, unit.Validate()
}

// =============================================================================
// YEARLY INPUTS
// =============================================================================

// CostDTO is one invoice-level cost. An empty service_id marks a general cost.
type CostDTO struct {
	ID            string          `json:"id" yaml:"id"`
	ServiceID     string          `json:"service_id,omitempty" yaml:"service_id,omitempty"`
	Year          int             `json:"year" yaml:"year"`
	Amount        decimal.Decimal `json:"amount" yaml:"amount"`
	VATRate       decimal.Decimal `json:"vat_rate,omitempty" yaml:"vat_rate,omitempty"`
	VATAmount     decimal.Decimal `json:"vat_amount,omitempty" yaml:"vat_amount,omitempty"`
	InvoiceNumber string          `json:"invoice_number,omitempty" yaml:"invoice_number,omitempty"`
	Description   string          `json:"description,omitempty" yaml:"description,omitempty"`
}

func (c CostDTO) toCost(buildingID billing.BuildingID) (billing.Cost, error) {
	if c.ID == "" {
		return billing.Cost{}, fmt.Errorf("cost id is required")
	}
	if err := billing.ValidateYear(c.Year); err != nil {
		return billing.Cost{}, err
	}
	return billing.Cost{
		ID:            c.ID,
		BuildingID:    buildingID,
		ServiceID:     billing.ServiceID(c.ServiceID),
		Year:          c.Year,
		Amount:        c.Amount,
		VATRate:       c.VATRate,
		VATAmount:     c.VATAmount,
		InvoiceNumber: c.InvoiceNumber,
		Description:   c.Description,
	}, nil
}

// MeterDTO is a meter installed in a unit.
type MeterDTO struct {
	ID           string `json:"id" yaml:"id"`
	UnitID       string `json:"unit_id" yaml:"unit_id"`
	ServiceID    string `json:"service_id,omitempty" yaml:"service_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty" yaml:"serial_number,omitempty"`
	Active       *bool  `json:"active,omitempty" yaml:"active,omitempty"` // default true
}

func (m MeterDTO) toMeter() (billing.Meter, error) {
	if m.ID == "" || m.UnitID == "" {
		return billing.Meter{}, fmt.Errorf("meter id and unit_id are required")
	}
	return billing.Meter{
		ID:           m.ID,
		UnitID:       billing.UnitID(m.UnitID),
		ServiceID:    billing.ServiceID(m.ServiceID),
		SerialNumber: m.SerialNumber,
		Active:       m.Active == nil || *m.Active,
	}, nil
}

// ReadingDTO is the yearly consumption of one meter.
type ReadingDTO struct {
	ID          string          `json:"id" yaml:"id"`
	MeterID     string          `json:"meter_id" yaml:"meter_id"`
	Year        int             `json:"year" yaml:"year"`
	Value       decimal.Decimal `json:"value,omitempty" yaml:"value,omitempty"`
	Consumption decimal.Decimal `json:"consumption" yaml:"consumption"`
}

func (r ReadingDTO) toReading() (billing.MeterReading, error) {
	if r.ID == "" || r.MeterID == "" {
		return billing.MeterReading{}, fmt.Errorf("reading id and meter_id are required")
	}
	if err := billing.ValidateYear(r.Year); err != nil {
		return billing.MeterReading{}, err
	}
	if r.Consumption.IsNegative() {
		return billing.MeterReading{}, fmt.Errorf("reading %s: consumption must not be negative", r.ID)
	}
	return billing.MeterReading{
		ID:          r.ID,
		MeterID:     r.MeterID,
		Year:        r.Year,
		Value:       r.Value,
		Consumption: r.Consumption,
	}, nil
}

// ParameterDTO is a named numeric attribute of a unit.
type ParameterDTO struct {
	UnitID string          `json:"unit_id" yaml:"unit_id"`
	Name   string          `json:"name" yaml:"name"`
	Value  decimal.Decimal `json:"value" yaml:"value"`
}

func (p ParameterDTO) toParameter() (billing.UnitParameter, error) {
	if p.UnitID == "" || p.Name == "" {
		return billing.UnitParameter{}, fmt.Errorf("parameter unit_id and name are required")
	}
	return billing.UnitParameter{UnitID: billing.UnitID(p.UnitID), Name: p.Name, Value: p.Value}, nil
}

// OccupancyDTO is the number of persons living in a unit during one month.
type OccupancyDTO struct {
	UnitID  string          `json:"unit_id" yaml:"unit_id"`
	Year    int             `json:"year" yaml:"year"`
	Month   int             `json:"month" yaml:"month"`
	Persons decimal.Decimal `json:"persons" yaml:"persons"`
}

func (o OccupancyDTO) toOccupancy() (billing.PersonMonths, error) {
	if o.UnitID == "" {
		return billing.PersonMonths{}, fmt.Errorf("occupancy unit_id is required")
	}
	if err := validatePeriodMonth(o.Year, o.Month); err != nil {
		return billing.PersonMonths{}, err
	}
	return billing.PersonMonths{UnitID: billing.UnitID(o.UnitID), Year: o.Year, Month: o.Month, Persons: o.Persons}, nil
}

// AdvanceDTO is one prescribed monthly advance.
type AdvanceDTO struct {
	UnitID    string          `json:"unit_id" yaml:"unit_id"`
	ServiceID string          `json:"service_id" yaml:"service_id"`
	Year      int             `json:"year" yaml:"year"`
	Month     int             `json:"month" yaml:"month"`
	Amount    decimal.Decimal `json:"amount" yaml:"amount"`
}

func (a AdvanceDTO) toAdvance() (billing.AdvanceMonthly, error) {
	if a.UnitID == "" || a.ServiceID == "" {
		return billing.AdvanceMonthly{}, fmt.Errorf("advance unit_id and service_id are required")
	}
	if err := validatePeriodMonth(a.Year, a.Month); err != nil {
		return billing.AdvanceMonthly{}, err
	}
	return billing.AdvanceMonthly{
		UnitID:    billing.UnitID(a.UnitID),
		ServiceID: billing.ServiceID(a.ServiceID),
		Year:      a.Year,
		Month:     a.Month,
		Amount:    a.Amount,
	}, nil
}

// PaymentDTO is a received payment. Either unit_id or variable_symbol
// identifies the payer.
type PaymentDTO struct {
	ID             string          `json:"id" yaml:"id"`
	UnitID         string          `json:"unit_id,omitempty" yaml:"unit_id,omitempty"`
	VariableSymbol string          `json:"variable_symbol,omitempty" yaml:"variable_symbol,omitempty"`
	ServiceID      string          `json:"service_id,omitempty" yaml:"service_id,omitempty"`
	Year           int             `json:"year" yaml:"year"`
	Amount         decimal.Decimal `json:"amount" yaml:"amount"`
	PaidAt         string          `json:"paid_at,omitempty" yaml:"paid_at,omitempty"` // YYYY-MM-DD
}

func (p PaymentDTO) toPayment(buildingID billing.BuildingID) (billing.Payment, error) {
	if p.ID == "" {
		return billing.Payment{}, fmt.Errorf("payment id is required")
	}
	if p.UnitID == "" && p.VariableSymbol == "" {
		return billing.Payment{}, fmt.Errorf("payment %s: unit_id or variable_symbol is required", p.ID)
	}
	if err := billing.ValidateYear(p.Year); err != nil {
		return billing.Payment{}, err
	}
	payment := billing.Payment{
		ID:             p.ID,
		BuildingID:     buildingID,
		UnitID:         billing.UnitID(p.UnitID),
		VariableSymbol: p.VariableSymbol,
		ServiceID:      billing.ServiceID(p.ServiceID),
		Year:           p.Year,
		Amount:         p.Amount,
	}
	if p.PaidAt != "" {
		paidAt, err := time.Parse(dateLayout, p.PaidAt)
		if err != nil {
			return billing.Payment{}, fmt.Errorf("payment %s: invalid paid_at (use YYYY-MM-DD): %w", p.ID, err)
		}
		payment.PaidAt = paidAt
	}
	return payment, nil
}

func validatePeriodMonth(year, month int) error {
	if err := billing.ValidateYear(year); err != nil {
		return err
	}
	if month < 1 || month > 12 {
		return fmt.Errorf("month %d out of range 1..12", month)
	}
	return nil
}

// =============================================================================
// OUTPUT
// =============================================================================

// ServiceTotalDTO is the building-level outcome of one service.
type ServiceTotalDTO struct {
	ServiceID  string          `json:"service_id"`
	Name       string          `json:"name"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	Allocated  decimal.Decimal `json:"allocated"`
	VATAmount  decimal.Decimal `json:"vat_amount"`
	RepairFund bool            `json:"repair_fund,omitempty"`
}

// SummaryDTO is returned by the calculate endpoint.
type SummaryDTO struct {
	BillingPeriodID  string            `json:"billing_period_id"`
	BuildingID       string            `json:"building_id"`
	Year             int               `json:"year"`
	UnitCount        int               `json:"unit_count"`
	ServiceCount     int               `json:"service_count"`
	PerServiceTotals []ServiceTotalDTO `json:"per_service_totals"`
	Warnings         []billing.Warning `json:"warnings"`
	GeneratedAt      string            `json:"generated_at"`
}

// LineDTO is one unit's line for one service.
type LineDTO struct {
	ID                string          `json:"id"`
	ServiceID         string          `json:"service_id"`
	DistributionBase  decimal.Decimal `json:"distribution_base"`
	TotalBase         decimal.Decimal `json:"total_base"`
	BuildingTotalCost decimal.Decimal `json:"building_total_cost"`
	PricePerUnit      decimal.Decimal `json:"price_per_unit"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	UnitAdvance       decimal.Decimal `json:"unit_advance"`
	UnitPaid          decimal.Decimal `json:"unit_paid"`
	UnitBalance       decimal.Decimal `json:"unit_balance"`
	CalculationBasis  string          `json:"calculation_basis"`
	RepairFund        bool            `json:"repair_fund,omitempty"`
}

// ResultDTO is one unit's settlement.
type ResultDTO struct {
	ID                     string            `json:"id"`
	UnitID                 string            `json:"unit_id"`
	TotalCost              decimal.Decimal   `json:"total_cost"`
	TotalAdvancePrescribed decimal.Decimal   `json:"total_advance_prescribed"`
	TotalAdvancePaid       decimal.Decimal   `json:"total_advance_paid"`
	RepairFund             decimal.Decimal   `json:"repair_fund"`
	Result                 decimal.Decimal   `json:"result"`
	Owes                   bool              `json:"owes"`
	MonthlyPrescriptions   []decimal.Decimal `json:"monthly_prescriptions"`
	MonthlyPayments        []decimal.Decimal `json:"monthly_payments"`
	Lines                  []LineDTO         `json:"lines"`
}

// PeriodDTO is a billing period header.
type PeriodDTO struct {
	ID           string            `json:"id"`
	BuildingID   string            `json:"building_id"`
	Year         int               `json:"year"`
	Status       string            `json:"status"`
	CalculatedAt string            `json:"calculated_at,omitempty"`
	Warnings     []billing.Warning `json:"warnings"`
}

// PeriodResponse is a period with its results.
type PeriodResponse struct {
	Period  PeriodDTO   `json:"period"`
	Results []ResultDTO `json:"results"`
}

// PlanDTO is a calculation that was not stored.
type PlanDTO struct {
	BillingPeriodID  string            `json:"billing_period_id"`
	PerServiceTotals []ServiceTotalDTO `json:"per_service_totals"`
	Results          []ResultDTO       `json:"results"`
	Warnings         []billing.Warning `json:"warnings"`
}

// ImportResponse reports how many rows an import accepted.
type ImportResponse struct {
	Kind     string `json:"kind"`
	Imported int    `json:"imported"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toTotalDTOs(totals []billing.ServiceTotal) []ServiceTotalDTO {
	dtos := make([]ServiceTotalDTO, len(totals))
	for i, t := range totals {
		dtos[i] = ServiceTotalDTO{
			ServiceID:  string(t.ServiceID),
			Name:       t.Name,
			TotalCost:  t.TotalCost,
			Allocated:  t.Allocated,
			VATAmount:  t.VATAmount,
			RepairFund: t.RepairFund,
		}
	}
	return dtos
}

func toSummaryDTO(s *billing.Summary) SummaryDTO {
	return SummaryDTO{
		BillingPeriodID:  string(s.BillingPeriodID),
		BuildingID:       string(s.BuildingID),
		Year:             s.Year,
		UnitCount:        s.UnitCount,
		ServiceCount:     s.ServiceCount,
		PerServiceTotals: toTotalDTOs(s.PerServiceTotals),
		Warnings:         nonNilWarnings(s.Warnings),
		GeneratedAt:      s.GeneratedAt.Format(time.RFC3339),
	}
}

func toPeriodDTO(p billing.BillingPeriod) PeriodDTO {
	dto := PeriodDTO{
		ID:         string(p.ID),
		BuildingID: string(p.BuildingID),
		Year:       p.Year,
		Status:     string(p.Status),
		Warnings:   nonNilWarnings(p.Warnings),
	}
	if !p.CalculatedAt.IsZero() {
		dto.CalculatedAt = p.CalculatedAt.Format(time.RFC3339)
	}
	return dto
}

func toResultDTOs(results []billing.BillingResult) []ResultDTO {
	dtos := make([]ResultDTO, len(results))
	for i, r := range results {
		lines := make([]LineDTO, len(r.Lines))
		for j, l := range r.Lines {
			lines[j] = LineDTO{
				ID:                string(l.ID),
				ServiceID:         string(l.ServiceID),
				DistributionBase:  l.DistributionBase,
				TotalBase:         l.TotalBase,
				BuildingTotalCost: l.BuildingTotalCost,
				PricePerUnit:      l.PricePerUnit,
				UnitCost:          l.UnitCost,
				UnitAdvance:       l.UnitAdvance,
				UnitPaid:          l.UnitPaid,
				UnitBalance:       l.UnitBalance,
				CalculationBasis:  l.CalculationBasis,
				RepairFund:        l.RepairFund,
			}
		}
		dtos[i] = ResultDTO{
			ID:                     string(r.ID),
			UnitID:                 string(r.UnitID),
			TotalCost:              r.TotalCost,
			TotalAdvancePrescribed: r.TotalAdvancePrescribed,
			TotalAdvancePaid:       r.TotalAdvancePaid,
			RepairFund:             r.RepairFund,
			Result:                 r.Result,
			Owes:                   r.Owes(),
			MonthlyPrescriptions:   r.MonthlyPrescriptions[:],
			MonthlyPayments:        r.MonthlyPayments[:],
			Lines:                  lines,
		}
	}
	return dtos
}

func toPlanDTO(p *billing.Plan) PlanDTO {
	return PlanDTO{
		BillingPeriodID:  string(p.PeriodID),
		PerServiceTotals: toTotalDTOs(p.Totals),
		Results:          toResultDTOs(p.Results),
		Warnings:         nonNilWarnings(p.Warnings),
	}
}

func nonNilWarnings(w []billing.Warning) []billing.Warning {
	if w == nil {
		return []billing.Warning{}
	}
	return w
}
