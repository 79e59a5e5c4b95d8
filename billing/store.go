/*
store.go - Persistence interfaces used by the engine

PURPOSE:
  Separates the engine from the storage technology. The engine only reads
  one building-year snapshot and writes one result set per calculation.
  Implementations:
  - billing/store/memory.go: in-memory, for tests and development
  - store/sqlite: embedded SQLite database
  - store/postgres: PostgreSQL via pgx

KEY INTERFACES:
  Store:        read side (inputs, periods, results)
  ResultWriter: write side of a calculation, only reachable inside WithTx
  TxStore:      Store + WithTx (all-or-nothing result replacement)
  InputWriter:  upserts of normalized input rows
  InputStore:   InputWriter + building lookups + WithInputTx (import
                collaborators)

REPLACEMENT CONTRACT:
  A calculation calls, inside one WithTx:
    SavePeriod -> DeleteResults -> InsertResults
  If any step fails the transaction is rolled back and the previously
  calculated results stay untouched. No line item of an earlier run may
  survive a successful recalculation.

IMPORT CONTRACT:
  An import saves all of its rows inside one WithInputTx. A failing row
  rolls the whole import back.
*/
package billing

import "context"

// Store is the read side used by the engine.
type Store interface {
	// LoadYear returns the building's master data and the input rows of the
	// given year. Returns ErrBuildingNotFound if the building does not exist.
	LoadYear(ctx context.Context, buildingID BuildingID, year int) (*YearData, error)

	// GetPeriod returns the billing period, or nil if none exists.
	GetPeriod(ctx context.Context, buildingID BuildingID, year int) (*BillingPeriod, error)

	// ListResults returns the period's results with their lines, ordered by
	// unit and service.
	ListResults(ctx context.Context, periodID PeriodID) ([]BillingResult, error)
}

// ResultWriter persists engine output.
type ResultWriter interface {
	SavePeriod(ctx context.Context, period BillingPeriod) error
	DeleteResults(ctx context.Context, periodID PeriodID) error
	InsertResults(ctx context.Context, results []BillingResult) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(ResultWriter) error) error
}

// InputWriter upserts normalized input rows by id.
type InputWriter interface {
	SaveUnit(ctx context.Context, u Unit) error
	SaveService(ctx context.Context, s Service) error
	SaveCost(ctx context.Context, c Cost) error
	SaveMeter(ctx context.Context, m Meter) error
	SaveReading(ctx context.Context, r MeterReading) error
	SaveParameter(ctx context.Context, p UnitParameter) error
	SaveOccupancy(ctx context.Context, p PersonMonths) error
	SaveAdvance(ctx context.Context, a AdvanceMonthly) error
	SavePayment(ctx context.Context, p Payment) error

	// DeleteYearInputs removes the yearly rows (costs, readings, occupancy,
	// advances, payments) of a building so they can be re-imported.
	DeleteYearInputs(ctx context.Context, buildingID BuildingID, year int) error
}

// InputStore accepts normalized input rows. Save methods upsert by id.
type InputStore interface {
	InputWriter

	SaveBuilding(ctx context.Context, b Building) error
	GetBuilding(ctx context.Context, id BuildingID) (*Building, error)

	// ListUnits and ListMeters return the building's units and the meters
	// installed in them, ordered by id.
	ListUnits(ctx context.Context, buildingID BuildingID) ([]Unit, error)
	ListMeters(ctx context.Context, buildingID BuildingID) ([]Meter, error)

	// WithInputTx executes fn within a transaction. If fn returns an error
	// none of its writes are kept.
	WithInputTx(ctx context.Context, fn func(InputWriter) error) error
}
