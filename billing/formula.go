/*
formula.go - Sandboxed evaluation of custom service formulas

PURPOSE:
  Some services are billed by an operator-supplied expression such as
  "total_cost * unit_share + unit_price * unit_occupancy". The expression is
  compiled with expr-lang/expr against a closed environment: builtins are
  disabled, only the variables below exist, and values are plain numbers,
  so the expression can compute but cannot call, import or do I/O.

VARIABLES:
  unit_base       resolved distribution base of the unit
  total_base      sum of the bases over all units
  total_cost      building-level total cost of the service
  unit_price      configured unit price
  unit_area       unit total area
  unit_share      ownership share as a fraction
  unit_occupancy  person-months of the unit

FAILURES (FormulaError):
  - unknown identifier or syntax error (at compile time)
  - runtime error, e.g. integer modulo by zero
  - division by zero or any other non-finite result
  - a result that is not a number
*/
package billing

import (
	"errors"
	"fmt"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"
)

// FormulaVars are the inputs available to a formula.
type FormulaVars struct {
	UnitBase      decimal.Decimal
	TotalBase     decimal.Decimal
	TotalCost     decimal.Decimal
	UnitPrice     decimal.Decimal
	UnitArea      decimal.Decimal
	UnitShare     decimal.Decimal
	UnitOccupancy decimal.Decimal
}

func (v FormulaVars) env() map[string]any {
	return map[string]any{
		"unit_base":      v.UnitBase.InexactFloat64(),
		"total_base":     v.TotalBase.InexactFloat64(),
		"total_cost":     v.TotalCost.InexactFloat64(),
		"unit_price":     v.UnitPrice.InexactFloat64(),
		"unit_area":      v.UnitArea.InexactFloat64(),
		"unit_share":     v.UnitShare.InexactFloat64(),
		"unit_occupancy": v.UnitOccupancy.InexactFloat64(),
	}
}

// Formula is a compiled service formula.
type Formula struct {
	serviceID ServiceID
	source    string
	program   *vm.Program
}

// CompileFormula validates and compiles the expression of a service.
func CompileFormula(serviceID ServiceID, source string) (*Formula, error) {
	if source == "" {
		return nil, &FormulaError{ServiceID: serviceID, Reason: "empty formula"}
	}
	program, err := expr.Compile(source,
		expr.Env(FormulaVars{}.env()),
		expr.DisableAllBuiltins(),
	)
	if err != nil {
		return nil, &FormulaError{ServiceID: serviceID, Formula: source, Reason: "invalid expression", Err: err}
	}
	return &Formula{serviceID: serviceID, source: source, program: program}, nil
}

// Source returns the original expression.
func (f *Formula) Source() string { return f.source }

// Eval evaluates the formula for one unit.
func (f *Formula) Eval(unitID UnitID, vars FormulaVars) (decimal.Decimal, error) {
	out, err := expr.Run(f.program, vars.env())
	if err != nil {
		return decimal.Zero, f.fail(unitID, "evaluation failed", err)
	}

	var v float64
	switch n := out.(type) {
	case float64:
		v = n
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	default:
		return decimal.Zero, f.fail(unitID, fmt.Sprintf("result is %T, not a number", out), nil)
	}

	if math.IsInf(v, 0) {
		return decimal.Zero, f.fail(unitID, "division by zero", errors.New("infinite result"))
	}
	if math.IsNaN(v) {
		return decimal.Zero, f.fail(unitID, "non-finite result", errors.New("NaN"))
	}
	return decimal.NewFromFloat(v), nil
}

func (f *Formula) fail(unitID UnitID, reason string, err error) *FormulaError {
	return &FormulaError{ServiceID: f.serviceID, UnitID: unitID, Formula: f.source, Reason: reason, Err: err}
}
