/*
base.go - Distribution Base Resolver

PURPOSE:
  For a service and a unit, computes the quantity used for proration and
  records where it came from.

BASE PER KIND:
  area        unit total area, or floor area when the service says so
  share       ownership share numerator / denominator
  consumption sum of the unit's readings for the service and year
              (0 when there is no meter or no reading)
  parameter   value of the named UnitParameter
  occupancy   sum of the unit's person-months for the year
  equal       1 for every unit

MISSING PARAMETERS:
  A service reading a named parameter decides explicitly what happens when
  a unit lacks it: MissingFail (default) returns a ConfigurationError,
  MissingZero uses 0 and the caller records a parameter_defaulted warning.

The resolver is a pure function of the year snapshot.
*/
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Base is a resolved distribution base.
type Base struct {
	Value     decimal.Decimal
	Source    string
	Defaulted bool // a missing parameter was replaced by 0
}

// Resolver computes distribution bases from one year snapshot.
type Resolver struct {
	idx *yearIndex
}

// NewResolver builds a resolver for the snapshot.
func NewResolver(data *YearData) (*Resolver, error) {
	idx, err := newYearIndex(data)
	if err != nil {
		return nil, err
	}
	return &Resolver{idx: idx}, nil
}

// Resolve returns the base the service's methodology reads for the unit.
func (r *Resolver) Resolve(svc Service, unit Unit) (Base, error) {
	return r.resolveKind(svc.Method.BaseKind(), svc, unit)
}

func (r *Resolver) resolveKind(kind MethodKind, svc Service, unit Unit) (Base, error) {
	switch kind {
	case MethodArea:
		area := r.Area(unit, svc.Method.AreaSource)
		return Base{Value: area, Source: fmt.Sprintf("%s area %s", areaLabel(svc.Method.AreaSource), area)}, nil

	case MethodShare:
		return Base{
			Value:  unit.Share(),
			Source: fmt.Sprintf("share %d/%d", unit.ShareNumerator, unit.ShareDenominator),
		}, nil

	case MethodConsumption:
		c := r.Consumption(unit.ID, svc.ID)
		return Base{Value: c, Source: fmt.Sprintf("consumption %s", c)}, nil

	case MethodParameter:
		name := svc.Method.ParameterName
		if v, ok := r.idx.parameters[unit.ID][name]; ok {
			return Base{Value: v, Source: fmt.Sprintf("parameter %s=%s", name, v)}, nil
		}
		if svc.Method.MissingParameter == MissingZero {
			return Base{Value: decimal.Zero, Source: fmt.Sprintf("parameter %s missing, 0", name), Defaulted: true}, nil
		}
		return Base{}, &ConfigurationError{
			ServiceID: svc.ID,
			UnitID:    unit.ID,
			Field:     "parameter " + name,
			Reason:    "is not defined for the unit",
		}

	case MethodOccupancy:
		o := r.Occupancy(unit.ID)
		return Base{Value: o, Source: fmt.Sprintf("person-months %s", o)}, nil

	case MethodEqual:
		return Base{Value: decimal.NewFromInt(1), Source: "equal split"}, nil

	default:
		return Base{}, &ConfigurationError{ServiceID: svc.ID, Field: "methodology", Reason: fmt.Sprintf("unknown base kind %q", kind)}
	}
}

// Area returns the unit area selected by source.
func (r *Resolver) Area(unit Unit, source AreaSource) decimal.Decimal {
	if source == AreaFloor {
		if unit.FloorArea == nil {
			return decimal.Zero
		}
		return *unit.FloorArea
	}
	return unit.TotalArea
}

// Consumption returns the unit's metered consumption for the service.
func (r *Resolver) Consumption(unitID UnitID, serviceID ServiceID) decimal.Decimal {
	return r.idx.consumption[unitID][serviceID]
}

// Occupancy returns the unit's person-months for the year.
func (r *Resolver) Occupancy(unitID UnitID) decimal.Decimal {
	return r.idx.occupancy[unitID]
}

// HasActiveMeter reports whether the unit has a working meter for the service.
func (r *Resolver) HasActiveMeter(unitID UnitID, serviceID ServiceID) bool {
	return r.idx.activeMeter[unitID][serviceID]
}

// BuildingCost returns the sum of the service's Cost rows for the year.
func (r *Resolver) BuildingCost(serviceID ServiceID) decimal.Decimal {
	return r.idx.costs[serviceID]
}

// TotalCost returns the building-level total cost of the service: the
// manual override when set, the sum of Cost rows otherwise.
func (r *Resolver) TotalCost(svc Service) decimal.Decimal {
	if svc.ManualTotalCost != nil {
		return *svc.ManualTotalCost
	}
	return r.BuildingCost(svc.ID)
}

func areaLabel(source AreaSource) string {
	if source == AreaFloor {
		return "floor"
	}
	return "total"
}
