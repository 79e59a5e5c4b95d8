/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements billing.TxStore and billing.InputStore using SQLite. It is the
  default store of the server; store/postgres implements the same contract
  for shared deployments.

INTERFACES IMPLEMENTED:
  billing.Store:      LoadYear, GetPeriod, ListResults
  billing.TxStore:    WithTx (result replacement in one transaction)
  billing.InputStore: normalized input rows, WithInputTx for whole imports

KEY TABLES:
  buildings, units, services:       master data (service config as JSON)
  costs, meters, meter_readings,
  unit_parameters, person_months,
  advances, payments:               yearly input rows
  billing_periods:                  one row per building and year
  billing_results:                  one row per unit, cascades to lines
  billing_service_costs:            one row per unit and service

DECIMALS:
  Money and quantities are stored as TEXT in decimal.String() form so no
  value ever passes through a float. Reads scan straight into
  decimal.Decimal; a malformed stored value fails the read.

ORDERING:
  Results and lines carry a position column holding the engine's order, so
  ListResults returns exactly what InsertResults received.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; SQLite allows a single writer.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine, err := billing.NewEngine(store)

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/factory"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS buildings (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT,
		bank_account TEXT
	);

	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		building_id TEXT NOT NULL REFERENCES buildings(id),
		number TEXT NOT NULL,
		total_area TEXT NOT NULL,
		floor_area TEXT,
		share_numerator INTEGER NOT NULL,
		share_denominator INTEGER NOT NULL,
		residents INTEGER,
		variable_symbol TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_units_building ON units(building_id);

	-- Service configuration is the factory JSON document
	CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		building_id TEXT NOT NULL REFERENCES buildings(id),
		name TEXT NOT NULL,
		sort_order INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		config_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_services_building ON services(building_id);

	CREATE TABLE IF NOT EXISTS costs (
		id TEXT PRIMARY KEY,
		building_id TEXT NOT NULL,
		service_id TEXT,
		year INTEGER NOT NULL,
		amount TEXT NOT NULL,
		vat_rate TEXT NOT NULL DEFAULT '0',
		vat_amount TEXT NOT NULL DEFAULT '0',
		invoice_number TEXT,
		description TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_costs_building_year ON costs(building_id, year);

	CREATE TABLE IF NOT EXISTS meters (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		service_id TEXT,
		serial_number TEXT,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS meter_readings (
		id TEXT PRIMARY KEY,
		meter_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		value TEXT NOT NULL DEFAULT '0',
		consumption TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_readings_meter_year ON meter_readings(meter_id, year);

	CREATE TABLE IF NOT EXISTS unit_parameters (
		unit_id TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (unit_id, name)
	);

	CREATE TABLE IF NOT EXISTS person_months (
		unit_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL CHECK (month BETWEEN 1 AND 12),
		persons TEXT NOT NULL,
		PRIMARY KEY (unit_id, year, month)
	);

	CREATE TABLE IF NOT EXISTS advances (
		unit_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL CHECK (month BETWEEN 1 AND 12),
		amount TEXT NOT NULL,
		PRIMARY KEY (unit_id, service_id, year, month)
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		building_id TEXT NOT NULL,
		unit_id TEXT,
		variable_symbol TEXT,
		service_id TEXT,
		year INTEGER NOT NULL,
		amount TEXT NOT NULL,
		paid_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_building_year ON payments(building_id, year);

	-- Engine output
	CREATE TABLE IF NOT EXISTS billing_periods (
		id TEXT PRIMARY KEY,
		building_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		status TEXT NOT NULL,
		calculated_at TEXT,
		warnings_json TEXT NOT NULL DEFAULT '[]',
		UNIQUE (building_id, year)
	);

	CREATE TABLE IF NOT EXISTS billing_results (
		id TEXT PRIMARY KEY,
		billing_period_id TEXT NOT NULL REFERENCES billing_periods(id) ON DELETE CASCADE,
		unit_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		total_cost TEXT NOT NULL,
		total_advance_prescribed TEXT NOT NULL,
		total_advance_paid TEXT NOT NULL,
		repair_fund TEXT NOT NULL,
		result TEXT NOT NULL,
		monthly_prescriptions_json TEXT NOT NULL,
		monthly_payments_json TEXT NOT NULL,
		UNIQUE (billing_period_id, unit_id)
	);

	CREATE TABLE IF NOT EXISTS billing_service_costs (
		id TEXT PRIMARY KEY,
		billing_result_id TEXT NOT NULL REFERENCES billing_results(id) ON DELETE CASCADE,
		service_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		distribution_base TEXT NOT NULL,
		total_base TEXT NOT NULL,
		building_total_cost TEXT NOT NULL,
		price_per_unit TEXT NOT NULL,
		unit_cost TEXT NOT NULL,
		unit_advance TEXT NOT NULL,
		unit_paid TEXT NOT NULL,
		unit_balance TEXT NOT NULL,
		calculation_basis TEXT NOT NULL,
		repair_fund INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_service_costs_result ON billing_service_costs(billing_result_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// INPUT STORE (billing.InputStore interface)
// =============================================================================

func (s *Store) SaveBuilding(ctx context.Context, b billing.Building) error {
	return s.exec(ctx, `
		INSERT INTO buildings (id, name, address, bank_account) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			bank_account = excluded.bank_account
	`, b.ID, b.Name, b.Address, b.BankAccount)
}

func (s *Store) GetBuilding(ctx context.Context, id billing.BuildingID) (*billing.Building, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b billing.Building
	var address, bank sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, address, bank_account FROM buildings WHERE id = ?", id,
	).Scan(&b.ID, &b.Name, &address, &bank)
	if err == sql.ErrNoRows {
		return nil, billing.ErrBuildingNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Address = address.String
	b.BankAccount = bank.String
	return &b, nil
}

func (s *Store) SaveUnit(ctx context.Context, u billing.Unit) error {
	return s.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveUnit(ctx, u) })
}

func (s *Store) SaveService(ctx context.Context, svc billing.Service) error {
	return s.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveService(ctx, svc) })
}

func (s *Store) SaveCost(ctx context.Context, c billing.Cost) error {
	return s.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveCost(ctx, c) })
}

func (s *Store) SaveMeter(ctx context.Context, m billing.Meter) error {
	return s.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveMeter(ctx, m) })
}

func (s *Store) SaveReading(ctx context.Context, r billing.MeterReading) error {
	return s.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveReading(ctx, r) })
}

func (s *Store) SaveParameter(ctx context.Context, p billing.UnitParameter) error {
	return s.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveParameter(ctx, p) })
}

func (s *Store) SaveOccupancy(ctx context.Context, p billing.PersonMonths) error {
	return s.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveOccupancy(ctx, p) })
}

func (s *Store) SaveAdvance(ctx context.Context, a billing.AdvanceMonthly) error {
	return s.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SaveAdvance(ctx, a) })
}

func (s *Store) SavePayment(ctx context.Context, p billing.Payment) error {
	return s.WithInputTx(ctx, func(w billing.InputWriter) error { return w.SavePayment(ctx, p) })
}

// ListUnits returns the building's units ordered by id.
func (s *Store) ListUnits(ctx context.Context, buildingID billing.BuildingID) ([]billing.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadUnits(ctx, buildingID)
}

// ListMeters returns the meters installed in the building's units.
func (s *Store) ListMeters(ctx context.Context, buildingID billing.BuildingID) ([]billing.Meter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadMeters(ctx, buildingID)
}

// WithInputTx runs fn against a writer bound to one transaction.
func (s *Store) WithInputTx(ctx context.Context, fn func(billing.InputWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(inputWriter{db: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// inputWriter upserts input rows through the database or an open transaction.
type inputWriter struct {
	db execer
}

func (w inputWriter) exec(ctx context.Context, query string, args ...any) error {
	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

func (w inputWriter) SaveUnit(ctx context.Context, u billing.Unit) error {
	var floor sql.NullString
	if u.FloorArea != nil {
		floor = nullString(u.FloorArea.String())
	}
	var residents sql.NullInt64
	if u.Residents != nil {
		residents = sql.NullInt64{Int64: int64(*u.Residents), Valid: true}
	}
	return w.exec(ctx, `
		INSERT INTO units (id, building_id, number, total_area, floor_area,
			share_numerator, share_denominator, residents, variable_symbol)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			building_id = excluded.building_id,
			number = excluded.number,
			total_area = excluded.total_area,
			floor_area = excluded.floor_area,
			share_numerator = excluded.share_numerator,
			share_denominator = excluded.share_denominator,
			residents = excluded.residents,
			variable_symbol = excluded.variable_symbol
	`, u.ID, u.BuildingID, u.Number, u.TotalArea.String(), floor,
		u.ShareNumerator, u.ShareDenominator, residents, nullString(u.VariableSymbol))
}

func (w inputWriter) SaveService(ctx context.Context, svc billing.Service) error {
	config, err := factory.EncodeConfig(svc)
	if err != nil {
		return err
	}
	return w.exec(ctx, `
		INSERT INTO services (id, building_id, name, sort_order, active, config_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			building_id = excluded.building_id,
			name = excluded.name,
			sort_order = excluded.sort_order,
			active = excluded.active,
			config_json = excluded.config_json
	`, svc.ID, svc.BuildingID, svc.Name, svc.Order, svc.Active, config)
}

func (w inputWriter) SaveCost(ctx context.Context, c billing.Cost) error {
	return w.exec(ctx, `
		INSERT INTO costs (id, building_id, service_id, year, amount, vat_rate, vat_amount, invoice_number, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			building_id = excluded.building_id,
			service_id = excluded.service_id,
			year = excluded.year,
			amount = excluded.amount,
			vat_rate = excluded.vat_rate,
			vat_amount = excluded.vat_amount,
			invoice_number = excluded.invoice_number,
			description = excluded.description
	`, c.ID, c.BuildingID, nullString(string(c.ServiceID)), c.Year, c.Amount.String(),
		c.VATRate.String(), c.VATAmount.String(), nullString(c.InvoiceNumber), nullString(c.Description))
}

func (w inputWriter) SaveMeter(ctx context.Context, m billing.Meter) error {
	return w.exec(ctx, `
		INSERT INTO meters (id, unit_id, service_id, serial_number, active) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unit_id = excluded.unit_id,
			service_id = excluded.service_id,
			serial_number = excluded.serial_number,
			active = excluded.active
	`, m.ID, m.UnitID, nullString(string(m.ServiceID)), nullString(m.SerialNumber), m.Active)
}

func (w inputWriter) SaveReading(ctx context.Context, r billing.MeterReading) error {
	return w.exec(ctx, `
		INSERT INTO meter_readings (id, meter_id, year, value, consumption) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			meter_id = excluded.meter_id,
			year = excluded.year,
			value = excluded.value,
			consumption = excluded.consumption
	`, r.ID, r.MeterID, r.Year, r.Value.String(), r.Consumption.String())
}

func (w inputWriter) SaveParameter(ctx context.Context, p billing.UnitParameter) error {
	return w.exec(ctx, `
		INSERT INTO unit_parameters (unit_id, name, value) VALUES (?, ?, ?)
		ON CONFLICT(unit_id, name) DO UPDATE SET value = excluded.value
	`, p.UnitID, p.Name, p.Value.String())
}

func (w inputWriter) SaveOccupancy(ctx context.Context, p billing.PersonMonths) error {
	return w.exec(ctx, `
		INSERT INTO person_months (unit_id, year, month, persons) VALUES (?, ?, ?, ?)
		ON CONFLICT(unit_id, year, month) DO UPDATE SET persons = excluded.persons
	`, p.UnitID, p.Year, p.Month, p.Persons.String())
}

func (w inputWriter) SaveAdvance(ctx context.Context, a billing.AdvanceMonthly) error {
	return w.exec(ctx, `
		INSERT INTO advances (unit_id, service_id, year, month, amount) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(unit_id, service_id, year, month) DO UPDATE SET amount = excluded.amount
	`, a.UnitID, a.ServiceID, a.Year, a.Month, a.Amount.String())
}

func (w inputWriter) SavePayment(ctx context.Context, p billing.Payment) error {
	var paidAt sql.NullString
	if !p.PaidAt.IsZero() {
		paidAt = nullString(p.PaidAt.UTC().Format(time.RFC3339))
	}
	return w.exec(ctx, `
		INSERT INTO payments (id, building_id, unit_id, variable_symbol, service_id, year, amount, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			building_id = excluded.building_id,
			unit_id = excluded.unit_id,
			variable_symbol = excluded.variable_symbol,
			service_id = excluded.service_id,
			year = excluded.year,
			amount = excluded.amount,
			paid_at = excluded.paid_at
	`, p.ID, p.BuildingID, nullString(string(p.UnitID)), nullString(p.VariableSymbol),
		nullString(string(p.ServiceID)), p.Year, p.Amount.String(), paidAt)
}

// DeleteYearInputs removes the yearly rows of a building in one transaction.
func (s *Store) DeleteYearInputs(ctx context.Context, buildingID billing.BuildingID, year int) error {
	return s.WithInputTx(ctx, func(w billing.InputWriter) error { return w.DeleteYearInputs(ctx, buildingID, year) })
}

func (w inputWriter) DeleteYearInputs(ctx context.Context, buildingID billing.BuildingID, year int) error {
	units := "SELECT id FROM units WHERE building_id = ?"
	statements := []string{
		"DELETE FROM costs WHERE building_id = ? AND year = ?",
		"DELETE FROM meter_readings WHERE meter_id IN (SELECT id FROM meters WHERE unit_id IN (" + units + ")) AND year = ?",
		"DELETE FROM person_months WHERE unit_id IN (" + units + ") AND year = ?",
		"DELETE FROM advances WHERE unit_id IN (" + units + ") AND year = ?",
		"DELETE FROM payments WHERE building_id = ? AND year = ?",
	}
	for _, stmt := range statements {
		if err := w.exec(ctx, stmt, buildingID, year); err != nil {
			return fmt.Errorf("failed to delete year inputs: %w", err)
		}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// =============================================================================
// READ SIDE (billing.Store interface)
// =============================================================================

// LoadYear returns the snapshot of one building and year.
func (s *Store) LoadYear(ctx context.Context, buildingID billing.BuildingID, year int) (*billing.YearData, error) {
	b, err := s.GetBuilding(ctx, buildingID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data := &billing.YearData{Building: *b, Year: year}
	loaders := []func() error{
		func() (err error) { data.Units, err = s.loadUnits(ctx, buildingID); return },
		func() (err error) { data.Services, err = s.loadServices(ctx, buildingID); return },
		func() (err error) { data.Costs, err = s.loadCosts(ctx, buildingID, year); return },
		func() (err error) { data.Meters, err = s.loadMeters(ctx, buildingID); return },
		func() (err error) { data.Readings, err = s.loadReadings(ctx, buildingID, year); return },
		func() (err error) { data.Parameters, err = s.loadParameters(ctx, buildingID); return },
		func() (err error) { data.Occupancy, err = s.loadOccupancy(ctx, buildingID, year); return },
		func() (err error) { data.Advances, err = s.loadAdvances(ctx, buildingID, year); return },
		func() (err error) { data.Payments, err = s.loadPayments(ctx, buildingID, year); return },
	}
	for _, load := range loaders {
		if err := load(); err != nil {
			return nil, fmt.Errorf("failed to load year %d of %s: %w", year, buildingID, err)
		}
	}
	return data, nil
}

func (s *Store) loadUnits(ctx context.Context, buildingID billing.BuildingID) ([]billing.Unit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, building_id, number, total_area, floor_area, share_numerator,
			share_denominator, residents, variable_symbol
		FROM units WHERE building_id = ? ORDER BY id
	`, buildingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []billing.Unit
	for rows.Next() {
		var u billing.Unit
		var floor decimal.NullDecimal
		var vs sql.NullString
		var residents sql.NullInt64
		if err := rows.Scan(&u.ID, &u.BuildingID, &u.Number, &u.TotalArea, &floor,
			&u.ShareNumerator, &u.ShareDenominator, &residents, &vs); err != nil {
			return nil, err
		}
		if floor.Valid {
			u.FloorArea = &floor.Decimal
		}
		if residents.Valid {
			r := int(residents.Int64)
			u.Residents = &r
		}
		u.VariableSymbol = vs.String
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *Store) loadServices(ctx context.Context, buildingID billing.BuildingID) ([]billing.Service, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT config_json FROM services WHERE building_id = ? ORDER BY id", buildingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []billing.Service
	for rows.Next() {
		var config string
		if err := rows.Scan(&config); err != nil {
			return nil, err
		}
		svc, err := factory.DecodeConfig(buildingID, config)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

func (s *Store) loadCosts(ctx context.Context, buildingID billing.BuildingID, year int) ([]billing.Cost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, building_id, service_id, year, amount, vat_rate, vat_amount, invoice_number, description
		FROM costs WHERE building_id = ? AND year = ? ORDER BY id
	`, buildingID, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var costs []billing.Cost
	for rows.Next() {
		var c billing.Cost
		var serviceID, invoice, description sql.NullString
		if err := rows.Scan(&c.ID, &c.BuildingID, &serviceID, &c.Year, &c.Amount, &c.VATRate, &c.VATAmount,
			&invoice, &description); err != nil {
			return nil, err
		}
		c.ServiceID = billing.ServiceID(serviceID.String)
		c.InvoiceNumber = invoice.String
		c.Description = description.String
		costs = append(costs, c)
	}
	return costs, rows.Err()
}

func (s *Store) loadMeters(ctx context.Context, buildingID billing.BuildingID) ([]billing.Meter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.unit_id, m.service_id, m.serial_number, m.active
		FROM meters m JOIN units u ON u.id = m.unit_id
		WHERE u.building_id = ? ORDER BY m.id
	`, buildingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var meters []billing.Meter
	for rows.Next() {
		var m billing.Meter
		var serviceID, serial sql.NullString
		if err := rows.Scan(&m.ID, &m.UnitID, &serviceID, &serial, &m.Active); err != nil {
			return nil, err
		}
		m.ServiceID = billing.ServiceID(serviceID.String)
		m.SerialNumber = serial.String
		meters = append(meters, m)
	}
	return meters, rows.Err()
}

func (s *Store) loadReadings(ctx context.Context, buildingID billing.BuildingID, year int) ([]billing.MeterReading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.meter_id, r.year, r.value, r.consumption
		FROM meter_readings r
		JOIN meters m ON m.id = r.meter_id
		JOIN units u ON u.id = m.unit_id
		WHERE u.building_id = ? AND r.year = ? ORDER BY r.id
	`, buildingID, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []billing.MeterReading
	for rows.Next() {
		var r billing.MeterReading
		if err := rows.Scan(&r.ID, &r.MeterID, &r.Year, &r.Value, &r.Consumption); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func (s *Store) loadParameters(ctx context.Context, buildingID billing.BuildingID) ([]billing.UnitParameter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.unit_id, p.name, p.value
		FROM unit_parameters p JOIN units u ON u.id = p.unit_id
		WHERE u.building_id = ? ORDER BY p.unit_id, p.name
	`, buildingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var params []billing.UnitParameter
	for rows.Next() {
		var p billing.UnitParameter
		if err := rows.Scan(&p.UnitID, &p.Name, &p.Value); err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, rows.Err()
}

func (s *Store) loadOccupancy(ctx context.Context, buildingID billing.BuildingID, year int) ([]billing.PersonMonths, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.unit_id, p.year, p.month, p.persons
		FROM person_months p JOIN units u ON u.id = p.unit_id
		WHERE u.building_id = ? AND p.year = ? ORDER BY p.unit_id, p.month
	`, buildingID, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.PersonMonths
	for rows.Next() {
		var p billing.PersonMonths
		if err := rows.Scan(&p.UnitID, &p.Year, &p.Month, &p.Persons); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) loadAdvances(ctx context.Context, buildingID billing.BuildingID, year int) ([]billing.AdvanceMonthly, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.unit_id, a.service_id, a.year, a.month, a.amount
		FROM advances a JOIN units u ON u.id = a.unit_id
		WHERE u.building_id = ? AND a.year = ? ORDER BY a.unit_id, a.service_id, a.month
	`, buildingID, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.AdvanceMonthly
	for rows.Next() {
		var a billing.AdvanceMonthly
		if err := rows.Scan(&a.UnitID, &a.ServiceID, &a.Year, &a.Month, &a.Amount); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) loadPayments(ctx context.Context, buildingID billing.BuildingID, year int) ([]billing.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, building_id, unit_id, variable_symbol, service_id, year, amount, paid_at
		FROM payments WHERE building_id = ? AND year = ? ORDER BY id
	`, buildingID, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Payment
	for rows.Next() {
		var p billing.Payment
		var unitID, vs, serviceID, paidAt sql.NullString
		if err := rows.Scan(&p.ID, &p.BuildingID, &unitID, &vs, &serviceID, &p.Year, &p.Amount, &paidAt); err != nil {
			return nil, err
		}
		p.UnitID = billing.UnitID(unitID.String)
		p.VariableSymbol = vs.String
		p.ServiceID = billing.ServiceID(serviceID.String)
		if paidAt.Valid {
			p.PaidAt, _ = time.Parse(time.RFC3339, paidAt.String)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPeriod returns the billing period, or nil if none exists.
func (s *Store) GetPeriod(ctx context.Context, buildingID billing.BuildingID, year int) (*billing.BillingPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p billing.BillingPeriod
	var calculatedAt sql.NullString
	var warnings string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, building_id, year, status, calculated_at, warnings_json
		FROM billing_periods WHERE building_id = ? AND year = ?
	`, buildingID, year).Scan(&p.ID, &p.BuildingID, &p.Year, &p.Status, &calculatedAt, &warnings)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if calculatedAt.Valid {
		p.CalculatedAt, _ = time.Parse(time.RFC3339Nano, calculatedAt.String)
	}
	if err := json.Unmarshal([]byte(warnings), &p.Warnings); err != nil {
		return nil, fmt.Errorf("failed to decode period warnings: %w", err)
	}
	return &p, nil
}

// ListResults returns the period's results with their lines in engine order.
func (s *Store) ListResults(ctx context.Context, periodID billing.PeriodID) ([]billing.BillingResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, billing_period_id, unit_id, total_cost, total_advance_prescribed,
			total_advance_paid, repair_fund, result, monthly_prescriptions_json, monthly_payments_json
		FROM billing_results WHERE billing_period_id = ? ORDER BY position
	`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []billing.BillingResult
	index := make(map[billing.ResultID]int)
	for rows.Next() {
		var r billing.BillingResult
		var monthlyPrescriptions, monthlyPayments string
		if err := rows.Scan(&r.ID, &r.BillingPeriodID, &r.UnitID, &r.TotalCost, &r.TotalAdvancePrescribed,
			&r.TotalAdvancePaid, &r.RepairFund, &r.Result, &monthlyPrescriptions, &monthlyPayments); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(monthlyPrescriptions), &r.MonthlyPrescriptions); err != nil {
			return nil, fmt.Errorf("failed to decode prescriptions of %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(monthlyPayments), &r.MonthlyPayments); err != nil {
			return nil, fmt.Errorf("failed to decode payments of %s: %w", r.ID, err)
		}
		index[r.ID] = len(results)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lines, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.billing_result_id, l.service_id, l.unit_id, l.distribution_base, l.total_base,
			l.building_total_cost, l.price_per_unit, l.unit_cost, l.unit_advance, l.unit_paid,
			l.unit_balance, l.calculation_basis, l.repair_fund
		FROM billing_service_costs l
		JOIN billing_results r ON r.id = l.billing_result_id
		WHERE r.billing_period_id = ?
		ORDER BY r.position, l.position
	`, periodID)
	if err != nil {
		return nil, err
	}
	defer lines.Close()

	for lines.Next() {
		var l billing.BillingServiceCost
		if err := lines.Scan(&l.ID, &l.BillingResultID, &l.ServiceID, &l.UnitID, &l.DistributionBase, &l.TotalBase,
			&l.BuildingTotalCost, &l.PricePerUnit, &l.UnitCost, &l.UnitAdvance, &l.UnitPaid,
			&l.UnitBalance, &l.CalculationBasis, &l.RepairFund); err != nil {
			return nil, err
		}
		if i, ok := index[l.BillingResultID]; ok {
			results[i].Lines = append(results[i].Lines, l)
		}
	}
	return results, lines.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.ResultWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) SavePeriod(ctx context.Context, p billing.BillingPeriod) error {
	warnings, err := json.Marshal(p.Warnings)
	if err != nil {
		return err
	}
	if p.Warnings == nil {
		warnings = []byte("[]")
	}
	var calculatedAt sql.NullString
	if !p.CalculatedAt.IsZero() {
		calculatedAt = nullString(p.CalculatedAt.UTC().Format(time.RFC3339Nano))
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO billing_periods (id, building_id, year, status, calculated_at, warnings_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			calculated_at = excluded.calculated_at,
			warnings_json = excluded.warnings_json
	`, p.ID, p.BuildingID, p.Year, p.Status, calculatedAt, string(warnings))
	if err != nil {
		return fmt.Errorf("failed to save period: %w", err)
	}
	return nil
}

func (ts *txStore) DeleteResults(ctx context.Context, periodID billing.PeriodID) error {
	_, err := ts.tx.ExecContext(ctx, `
		DELETE FROM billing_service_costs WHERE billing_result_id IN
			(SELECT id FROM billing_results WHERE billing_period_id = ?)
	`, periodID)
	if err != nil {
		return fmt.Errorf("failed to delete lines: %w", err)
	}
	if _, err := ts.tx.ExecContext(ctx, "DELETE FROM billing_results WHERE billing_period_id = ?", periodID); err != nil {
		return fmt.Errorf("failed to delete results: %w", err)
	}
	return nil
}

func (ts *txStore) InsertResults(ctx context.Context, results []billing.BillingResult) error {
	for i, r := range results {
		if err := insertResult(ctx, ts.tx, i, r); err != nil {
			return err
		}
	}
	return nil
}

func insertResult(ctx context.Context, db execer, position int, r billing.BillingResult) error {
	prescriptions, err := json.Marshal(r.MonthlyPrescriptions)
	if err != nil {
		return err
	}
	payments, err := json.Marshal(r.MonthlyPayments)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO billing_results (id, billing_period_id, unit_id, position, total_cost,
			total_advance_prescribed, total_advance_paid, repair_fund, result,
			monthly_prescriptions_json, monthly_payments_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.BillingPeriodID, r.UnitID, position, r.TotalCost.String(),
		r.TotalAdvancePrescribed.String(), r.TotalAdvancePaid.String(), r.RepairFund.String(),
		r.Result.String(), string(prescriptions), string(payments))
	if err != nil {
		return fmt.Errorf("failed to insert result %s: %w", r.ID, err)
	}

	for j, l := range r.Lines {
		_, err := db.ExecContext(ctx, `
			INSERT INTO billing_service_costs (id, billing_result_id, service_id, unit_id, position,
				distribution_base, total_base, building_total_cost, price_per_unit, unit_cost,
				unit_advance, unit_paid, unit_balance, calculation_basis, repair_fund)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, l.ID, l.BillingResultID, l.ServiceID, l.UnitID, j,
			decString(l.DistributionBase), decString(l.TotalBase), decString(l.BuildingTotalCost),
			decString(l.PricePerUnit), decString(l.UnitCost), decString(l.UnitAdvance),
			decString(l.UnitPaid), decString(l.UnitBalance), l.CalculationBasis, l.RepairFund)
		if err != nil {
			return fmt.Errorf("failed to insert line %s: %w", l.ID, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func decString(d decimal.Decimal) string {
	return d.String()
}
