/*
errors.go - Error taxonomy and warnings of the settlement engine

ERROR CATEGORIES:
  1. Configuration errors - a service or unit is misconfigured; the whole
     run for the building/year is aborted (partial results would mislead)
  2. Formula errors - a custom formula is invalid or unsafe; aborts the run
     or only that service, depending on Strictness
  3. Persistence errors - storage failed; the prior calculated state is
     preserved because the write is one transaction

WARNINGS:
  Warnings never block a calculation. They are returned in the Summary and
  stored on the BillingPeriod so reports can show them.

USAGE:
  summary, err := engine.Calculate(ctx, "bldg-1", 2024)
  var cfgErr *billing.ConfigurationError
  if errors.As(err, &cfgErr) {
      // cfgErr.ServiceID, cfgErr.Field
  }
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfiguration is the category of all ConfigurationError values.
	ErrConfiguration = errors.New("configuration error")

	// ErrFormula is the category of all FormulaError values.
	ErrFormula = errors.New("formula error")

	// ErrPersistence is the category of all PersistenceError values.
	ErrPersistence = errors.New("persistence error")

	// ErrBuildingNotFound is returned when the building does not exist.
	ErrBuildingNotFound = errors.New("building not found")

	// ErrPeriodNotFound is returned when no billing period exists for the year.
	ErrPeriodNotFound = errors.New("billing period not found")

	// ErrInvalidYear is returned for years outside 1900..9999.
	ErrInvalidYear = errors.New("invalid year")

	// ErrNilStore is returned when the engine is built without a store.
	ErrNilStore = errors.New("billing: nil store")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ConfigurationError reports a missing attribute or an invalid methodology
// parameter.
type ConfigurationError struct {
	ServiceID ServiceID
	UnitID    UnitID
	Field     string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.ServiceID != "" {
		msg += fmt.Sprintf(" in service %s", e.ServiceID)
	}
	if e.UnitID != "" {
		msg += fmt.Sprintf(" for unit %s", e.UnitID)
	}
	return fmt.Sprintf("%s: %s %s", msg, e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// FormulaError reports an invalid custom formula or a failed evaluation.
type FormulaError struct {
	ServiceID ServiceID
	UnitID    UnitID
	Formula   string
	Reason    string
	Err       error
}

func (e *FormulaError) Error() string {
	msg := fmt.Sprintf("formula error in service %s", e.ServiceID)
	if e.UnitID != "" {
		msg += fmt.Sprintf(" for unit %s", e.UnitID)
	}
	msg += fmt.Sprintf(": %s (%q)", e.Reason, e.Formula)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormulaError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrFormula, e.Err}
	}
	return []error{ErrFormula}
}

// PersistenceError wraps a storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// =============================================================================
// WARNINGS
// =============================================================================

type WarningCode string

const (
	// WarnNoDistributionBase: the bases of a service sum to zero, so every
	// unit got zero cost.
	WarnNoDistributionBase WarningCode = "no_distribution_base"

	// WarnAllocationDiscrepancy: the unit costs do not add up to the building
	// total (divisor override, formula, all units overridden).
	WarnAllocationDiscrepancy WarningCode = "allocation_discrepancy"

	// WarnFormulaSkipped: lenient mode zeroed a service whose formula failed.
	WarnFormulaSkipped WarningCode = "formula_skipped"

	// WarnParameterDefaulted: a missing named parameter was treated as zero.
	WarnParameterDefaulted WarningCode = "parameter_defaulted"

	// WarnMeteredExceedsTotal: metered costs of a dual-rate service leave no
	// remainder for unmetered units.
	WarnMeteredExceedsTotal WarningCode = "metered_exceeds_total"

	// WarnOverridesExceedTotal: manual overrides add up to more than the
	// building total, so the remaining units were charged 0.
	WarnOverridesExceedTotal WarningCode = "overrides_exceed_total"

	// WarnUnmatchedPayment: a payment matched no unit of the building.
	WarnUnmatchedPayment WarningCode = "unmatched_payment"
)

// Warning is a non-fatal finding recorded during a calculation.
type Warning struct {
	Code      WarningCode `json:"code"`
	ServiceID ServiceID   `json:"service_id,omitempty"`
	UnitID    UnitID      `json:"unit_id,omitempty"`
	Message   string      `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Code, w.Message)
}

// NoDistributionBaseWarning builds the warning for a zero base sum.
func NoDistributionBaseWarning(serviceID ServiceID) Warning {
	return Warning{
		Code:      WarnNoDistributionBase,
		ServiceID: serviceID,
		Message:   "distribution bases sum to zero; all unit costs set to 0",
	}
}

// OverridesExceedTotalWarning builds the warning for overrides larger than
// the building total.
func OverridesExceedTotalWarning(serviceID ServiceID, overridden, total decimal.Decimal) Warning {
	return Warning{
		Code:      WarnOverridesExceedTotal,
		ServiceID: serviceID,
		Message: fmt.Sprintf("manual overrides %s exceed total %s; remaining units set to 0",
			RoundMoney(overridden).StringFixed(MoneyPlaces), RoundMoney(total).StringFixed(MoneyPlaces)),
	}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is caused by input or
// configuration the caller can fix.
func IsClientError(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrFormula) ||
		errors.Is(err, ErrInvalidYear)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBuildingNotFound) ||
		errors.Is(err, ErrPeriodNotFound)
}
