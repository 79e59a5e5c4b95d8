/*
Package factory provides JSON to Go service configuration conversion.

PURPOSE:
  Converts JSON (or YAML) service definitions into billing.Service values.
  Building administrators configure how each cost category is split without
  code changes; the same document is what the stores persist as config_json.

JSON SCHEMA:
  {
    "id": "heating",
    "name": "Heating",
    "code": "HEAT",
    "order": 1,
    "repair_fund": false,
    "methodology": {
      "kind": "area",              // area, share, consumption, parameter,
                                   // occupancy, equal, dual_rate, formula
      "area_source": "floor",      // area: total (default) or floor
      "parameter": "bins",         // parameter: attribute name
      "missing_parameter": "zero", // parameter: error (default) or zero
      "divisor": "250.5",          // proportional kinds: replaces sum of bases
      "unit_price": "12",          // available to formulas as unit_price
      "formula": "unit_area * unit_price",
      "formula_base": "occupancy", // base exposed as unit_base
      "with_meter_rate": "85.2",   // dual_rate
      "without_meter_rate": "40",
      "guidance_constant": "35"
    },
    "manual_total_cost": "12000",
    "overrides": {
      "unit-3": {"cost": "500"},
      "unit-7": {"share": "0.1"}
    }
  }

  Numbers may be given as JSON numbers or strings; they are decoded
  straight into decimal values.

USAGE:
  factory := NewServiceFactory()
  svc, err := factory.ParseService(buildingID, jsonBytes)

SEE ALSO:
  - billing/types.go: Service and Methodology
  - billing/methodology.go: ValidateService
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ServiceJSON is the JSON representation of a service.
type ServiceJSON struct {
	ID              string                  `json:"id" yaml:"id"`
	Name            string                  `json:"name" yaml:"name"`
	Code            string                  `json:"code,omitempty" yaml:"code,omitempty"`
	Order           int                     `json:"order" yaml:"order"`
	Active          *bool                   `json:"active,omitempty" yaml:"active,omitempty"` // default true
	MergeWithNext   bool                    `json:"merge_with_next,omitempty" yaml:"merge_with_next,omitempty"`
	RepairFund      bool                    `json:"repair_fund,omitempty" yaml:"repair_fund,omitempty"`
	Methodology     MethodologyJSON         `json:"methodology" yaml:"methodology"`
	ManualTotalCost *decimal.Decimal        `json:"manual_total_cost,omitempty" yaml:"manual_total_cost,omitempty"`
	Overrides       map[string]OverrideJSON `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// MethodologyJSON represents the allocation rule of a service.
type MethodologyJSON struct {
	Kind             string           `json:"kind" yaml:"kind"`
	AreaSource       string           `json:"area_source,omitempty" yaml:"area_source,omitempty"`
	Parameter        string           `json:"parameter,omitempty" yaml:"parameter,omitempty"`
	MissingParameter string           `json:"missing_parameter,omitempty" yaml:"missing_parameter,omitempty"`
	Divisor          *decimal.Decimal `json:"divisor,omitempty" yaml:"divisor,omitempty"`
	UnitPrice        *decimal.Decimal `json:"unit_price,omitempty" yaml:"unit_price,omitempty"`
	Formula          string           `json:"formula,omitempty" yaml:"formula,omitempty"`
	FormulaBase      string           `json:"formula_base,omitempty" yaml:"formula_base,omitempty"`
	WithMeterRate    *decimal.Decimal `json:"with_meter_rate,omitempty" yaml:"with_meter_rate,omitempty"`
	WithoutMeterRate *decimal.Decimal `json:"without_meter_rate,omitempty" yaml:"without_meter_rate,omitempty"`
	GuidanceConstant *decimal.Decimal `json:"guidance_constant,omitempty" yaml:"guidance_constant,omitempty"`
}

// OverrideJSON represents a manual per-unit value. Exactly one field is set.
type OverrideJSON struct {
	Cost  *decimal.Decimal `json:"cost,omitempty" yaml:"cost,omitempty"`
	Share *decimal.Decimal `json:"share,omitempty" yaml:"share,omitempty"`
}

// =============================================================================
// SERVICE FACTORY
// =============================================================================

// ServiceFactory converts JSON services to Go structs.
type ServiceFactory struct{}

// NewServiceFactory creates a new service factory.
func NewServiceFactory() *ServiceFactory {
	return &ServiceFactory{}
}

// ParseService parses and validates a JSON service definition.
func (f *ServiceFactory) ParseService(buildingID billing.BuildingID, data []byte) (billing.Service, error) {
	var sj ServiceJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return billing.Service{}, fmt.Errorf("failed to parse service JSON: %w", err)
	}
	return f.FromJSON(buildingID, sj)
}

// FromJSON converts and validates a ServiceJSON. Formulas are compiled so a
// broken expression is rejected at import time.
func (f *ServiceFactory) FromJSON(buildingID billing.BuildingID, sj ServiceJSON) (billing.Service, error) {
	if sj.ID == "" {
		return billing.Service{}, &billing.ConfigurationError{Field: "id", Reason: "is required"}
	}
	svc := ToService(buildingID, sj)
	if err := billing.ValidateService(svc, nil); err != nil {
		return billing.Service{}, err
	}
	if svc.Method.Kind == billing.MethodFormula {
		if _, err := billing.CompileFormula(svc.ID, svc.Method.Formula); err != nil {
			return billing.Service{}, err
		}
	}
	return svc, nil
}

// ToService converts without validating. Stores use it to rebuild services
// from their persisted configuration.
func ToService(buildingID billing.BuildingID, sj ServiceJSON) billing.Service {
	m := sj.Methodology
	svc := billing.Service{
		ID:              billing.ServiceID(sj.ID),
		BuildingID:      buildingID,
		Name:            sj.Name,
		Code:            sj.Code,
		Order:           sj.Order,
		Active:          sj.Active == nil || *sj.Active,
		MergeWithNext:   sj.MergeWithNext,
		RepairFund:      sj.RepairFund,
		ManualTotalCost: sj.ManualTotalCost,
		Method: billing.Methodology{
			Kind:             billing.MethodKind(m.Kind),
			AreaSource:       billing.AreaSource(m.AreaSource),
			ParameterName:    m.Parameter,
			MissingParameter: billing.MissingPolicy(m.MissingParameter),
			Divisor:          m.Divisor,
			UnitPrice:        valueOrZero(m.UnitPrice),
			Formula:          m.Formula,
			FormulaBase:      billing.MethodKind(m.FormulaBase),
			WithMeterRate:    valueOrZero(m.WithMeterRate),
			WithoutMeterRate: valueOrZero(m.WithoutMeterRate),
			GuidanceConstant: valueOrZero(m.GuidanceConstant),
		},
	}
	if len(sj.Overrides) > 0 {
		svc.Overrides = make(map[billing.UnitID]billing.Override, len(sj.Overrides))
		for unitID, o := range sj.Overrides {
			svc.Overrides[billing.UnitID(unitID)] = billing.Override{Cost: o.Cost, Share: o.Share}
		}
	}
	return svc
}

// ToJSON converts a Service to ServiceJSON.
func ToJSON(svc billing.Service) ServiceJSON {
	active := svc.Active
	m := svc.Method
	sj := ServiceJSON{
		ID:              string(svc.ID),
		Name:            svc.Name,
		Code:            svc.Code,
		Order:           svc.Order,
		Active:          &active,
		MergeWithNext:   svc.MergeWithNext,
		RepairFund:      svc.RepairFund,
		ManualTotalCost: svc.ManualTotalCost,
		Methodology: MethodologyJSON{
			Kind:             string(m.Kind),
			AreaSource:       string(m.AreaSource),
			Parameter:        m.ParameterName,
			MissingParameter: string(m.MissingParameter),
			Divisor:          m.Divisor,
			UnitPrice:        nonZero(m.UnitPrice),
			Formula:          m.Formula,
			FormulaBase:      string(m.FormulaBase),
			WithMeterRate:    nonZero(m.WithMeterRate),
			WithoutMeterRate: nonZero(m.WithoutMeterRate),
			GuidanceConstant: nonZero(m.GuidanceConstant),
		},
	}
	if len(svc.Overrides) > 0 {
		sj.Overrides = make(map[string]OverrideJSON, len(svc.Overrides))
		for unitID, o := range svc.Overrides {
			sj.Overrides[string(unitID)] = OverrideJSON{Cost: o.Cost, Share: o.Share}
		}
	}
	return sj
}

// EncodeConfig returns the persisted form of a service.
func EncodeConfig(svc billing.Service) (string, error) {
	b, err := json.Marshal(ToJSON(svc))
	if err != nil {
		return "", fmt.Errorf("failed to encode service %s: %w", svc.ID, err)
	}
	return string(b), nil
}

// DecodeConfig rebuilds a service from its persisted form.
func DecodeConfig(buildingID billing.BuildingID, config string) (billing.Service, error) {
	var sj ServiceJSON
	if err := json.Unmarshal([]byte(config), &sj); err != nil {
		return billing.Service{}, fmt.Errorf("failed to decode service config: %w", err)
	}
	return ToService(buildingID, sj), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func valueOrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func nonZero(d decimal.Decimal) *decimal.Decimal {
	if d.IsZero() {
		return nil
	}
	return &d
}
