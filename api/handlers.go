/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes input import and period calculation via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the billing engine.

ENDPOINTS:
  Buildings:
    POST   /api/buildings                          Create or update building
    GET    /api/buildings/{id}                     Get building

  Imports (JSON arrays of rows, upsert by id):
    POST   /api/buildings/{id}/units
    POST   /api/buildings/{id}/services            factory.ServiceJSON rows
    POST   /api/buildings/{id}/costs
    POST   /api/buildings/{id}/meters
    POST   /api/buildings/{id}/readings
    POST   /api/buildings/{id}/parameters
    POST   /api/buildings/{id}/occupancy
    POST   /api/buildings/{id}/advances
    POST   /api/buildings/{id}/payments
    DELETE /api/buildings/{id}/years/{year}/inputs Clear yearly rows for re-import

  Periods:
    POST   /api/buildings/{id}/periods/{year}            Create draft period
    GET    /api/buildings/{id}/periods/{year}            Period + results + lines
    POST   /api/buildings/{id}/periods/{year}/calculate  Calculate and store
    GET    /api/buildings/{id}/periods/{year}/preview    Calculate without storing

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: input rows and results (sqlite or postgres)
  - Engine: billing.Engine bound to the same store
  - Services: JSON to billing.Service conversion
  - Locks: one calculation per building and year at a time

IMPORT FLOW:
  1. Parse JSON array
  2. Convert and validate every row (nothing is written on a bad row);
     unit_id and meter_id must belong to the building in the URL
  3. Save all rows in one WithInputTx
  4. Mark the affected years for background recalculation (yearly rows
     only; master data changes need an explicit calculate)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, invalid row, row of another building, invalid year
  - 404: Building or period not found
  - 409: Period busy (another calculation holds the lock)
  - 422: Configuration or formula error
  - 500: Persistence and internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - fixtures.go: Demo data sets
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/metrics"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the storage the API needs: the engine's transactional store
// plus the input rows.
type Backend interface {
	billing.TxStore
	billing.InputStore
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    Backend
	Engine   *billing.Engine
	Services *factory.ServiceFactory
	Locks    *PeriodLocks
	Logger   *slog.Logger

	// ExposeMetrics mounts /metrics on the router.
	ExposeMetrics bool

	pending *pendingPeriods

	// Track currently loaded fixture
	mu             sync.Mutex
	currentFixture string
}

// NewHandler creates a new handler. The engine must use the same store.
func NewHandler(store Backend, engine *billing.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:    store,
		Engine:   engine,
		Services: factory.NewServiceFactory(),
		Locks:    NewPeriodLocks(30 * time.Second),
		Logger:   logger,
		pending:  newPendingPeriods(),
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports whether the server and its store respond.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// BUILDING HANDLERS
// =============================================================================

// CreateBuilding creates or updates a building.
func (h *Handler) CreateBuilding(w http.ResponseWriter, r *http.Request) {
	var req BuildingDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}

	if err := h.Store.SaveBuilding(r.Context(), req.toBuilding()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save building", err)
		return
	}

	writeJSON(w, http.StatusCreated, req)
}

// GetBuilding returns a single building.
func (h *Handler) GetBuilding(w http.ResponseWriter, r *http.Request) {
	b, err := h.Store.GetBuilding(r.Context(), billing.BuildingID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get building", err)
		return
	}
	writeJSON(w, http.StatusOK, toBuildingDTO(*b))
}

// =============================================================================
// IMPORT HANDLERS
// =============================================================================

// rowImport describes one import endpoint: how a DTO becomes a billing row,
// which building-owned rows it may reference, how the row is saved and which
// year it belongs to (nil for master data).
type rowImport[D, T any] struct {
	kind    string
	convert func(billing.BuildingID, D) (T, error)
	check   func(*buildingScope, T) error
	save    func(billing.InputWriter, context.Context, T) error
	year    func(T) int
}

func runImport[D, T any](h *Handler, w http.ResponseWriter, r *http.Request, imp rowImport[D, T]) {
	ctx := r.Context()
	buildingID := billing.BuildingID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetBuilding(ctx, buildingID); err != nil {
		writeDomainError(w, "Failed to get building", err)
		return
	}

	var dtos []D
	if err := json.NewDecoder(r.Body).Decode(&dtos); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body (expected JSON array)", err)
		return
	}

	var scope *buildingScope
	if imp.check != nil {
		var err error
		if scope, err = h.loadScope(ctx, buildingID); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load building", err)
			return
		}
	}

	rows := make([]T, 0, len(dtos))
	for i, dto := range dtos {
		row, err := imp.convert(buildingID, dto)
		if err == nil && scope != nil {
			err = imp.check(scope, row)
		}
		if err != nil {
			writeRowError(w, fmt.Sprintf("Invalid %s row %d", imp.kind, i), err)
			return
		}
		rows = append(rows, row)
	}

	err := h.Store.WithInputTx(ctx, func(tx billing.InputWriter) error {
		for _, row := range rows {
			if err := imp.save(tx, ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save "+imp.kind, err)
		return
	}

	if imp.year != nil {
		years := make(map[int]bool)
		for _, row := range rows {
			years[imp.year(row)] = true
		}
		for year := range years {
			h.pending.mark(buildingID, year)
		}
	}

	metrics.AddImportedRows(imp.kind, len(rows))
	writeJSON(w, http.StatusOK, ImportResponse{Kind: imp.kind, Imported: len(rows)})
}

// buildingScope is the set of units and meters one building owns. Rows that
// reference a unit or meter outside it are rejected.
type buildingScope struct {
	id     billing.BuildingID
	units  map[billing.UnitID]bool
	meters map[string]bool
}

func (h *Handler) loadScope(ctx context.Context, buildingID billing.BuildingID) (*buildingScope, error) {
	units, err := h.Store.ListUnits(ctx, buildingID)
	if err != nil {
		return nil, err
	}
	meters, err := h.Store.ListMeters(ctx, buildingID)
	if err != nil {
		return nil, err
	}
	scope := newBuildingScope(buildingID)
	for _, u := range units {
		scope.units[u.ID] = true
	}
	for _, m := range meters {
		scope.meters[m.ID] = true
	}
	return scope, nil
}

func newBuildingScope(buildingID billing.BuildingID) *buildingScope {
	return &buildingScope{
		id:     buildingID,
		units:  make(map[billing.UnitID]bool),
		meters: make(map[string]bool),
	}
}

func (s *buildingScope) unit(id billing.UnitID) error {
	if !s.units[id] {
		return fmt.Errorf("unit %q does not belong to building %s", id, s.id)
	}
	return nil
}

func (s *buildingScope) meter(id string) error {
	if !s.meters[id] {
		return fmt.Errorf("meter %q does not belong to building %s", id, s.id)
	}
	return nil
}

// ImportUnits upserts units.
func (h *Handler) ImportUnits(w http.ResponseWriter, r *http.Request) {
	runImport(h, w, r, rowImport[UnitDTO, billing.Unit]{
		kind:    "units",
		convert: func(b billing.BuildingID, d UnitDTO) (billing.Unit, error) { return d.toUnit(b) },
		save:    billing.InputWriter.SaveUnit,
	})
}

// ImportServices upserts services from their JSON definitions.
func (h *Handler) ImportServices(w http.ResponseWriter, r *http.Request) {
	runImport(h, w, r, rowImport[factory.ServiceJSON, billing.Service]{
		kind:    "services",
		convert: h.Services.FromJSON,
		save:    billing.InputWriter.SaveService,
	})
}

// ImportCosts upserts cost rows.
func (h *Handler) ImportCosts(w http.ResponseWriter, r *http.Request) {
	runImport(h, w, r, rowImport[CostDTO, billing.Cost]{
		kind:    "costs",
		convert: func(b billing.BuildingID, d CostDTO) (billing.Cost, error) { return d.toCost(b) },
		save:    billing.InputWriter.SaveCost,
		year:    func(c billing.Cost) int { return c.Year },
	})
}

// ImportMeters upserts meters.
func (h *Handler) ImportMeters(w http.ResponseWriter, r *http.Request) {
	runImport(h, w, r, rowImport[MeterDTO, billing.Meter]{
		kind:    "meters",
		convert: func(_ billing.BuildingID, d MeterDTO) (billing.Meter, error) { return d.toMeter() },
		check:   func(s *buildingScope, m billing.Meter) error { return s.unit(m.UnitID) },
		save:    billing.InputWriter.SaveMeter,
	})
}

// ImportReadings upserts meter readings.
func (h *Handler) ImportReadings(w http.ResponseWriter, r *http.Request) {
	runImport(h, w, r, rowImport[ReadingDTO, billing.MeterReading]{
		kind:    "readings",
		convert: func(_ billing.BuildingID, d ReadingDTO) (billing.MeterReading, error) { return d.toReading() },
		check:   func(s *buildingScope, m billing.MeterReading) error { return s.meter(m.MeterID) },
		save:    billing.InputWriter.SaveReading,
		year:    func(m billing.MeterReading) int { return m.Year },
	})
}

// ImportParameters upserts named unit parameters.
func (h *Handler) ImportParameters(w http.ResponseWriter, r *http.Request) {
	runImport(h, w, r, rowImport[ParameterDTO, billing.UnitParameter]{
		kind:    "parameters",
		convert: func(_ billing.BuildingID, d ParameterDTO) (billing.UnitParameter, error) { return d.toParameter() },
		check:   func(s *buildingScope, p billing.UnitParameter) error { return s.unit(p.UnitID) },
		save:    billing.InputWriter.SaveParameter,
	})
}

// ImportOccupancy upserts person-month rows.
func (h *Handler) ImportOccupancy(w http.ResponseWriter, r *http.Request) {
	runImport(h, w, r, rowImport[OccupancyDTO, billing.PersonMonths]{
		kind:    "occupancy",
		convert: func(_ billing.BuildingID, d OccupancyDTO) (billing.PersonMonths, error) { return d.toOccupancy() },
		check:   func(s *buildingScope, p billing.PersonMonths) error { return s.unit(p.UnitID) },
		save:    billing.InputWriter.SaveOccupancy,
		year:    func(p billing.PersonMonths) int { return p.Year },
	})
}

// ImportAdvances upserts prescribed monthly advances.
func (h *Handler) ImportAdvances(w http.ResponseWriter, r *http.Request) {
	runImport(h, w, r, rowImport[AdvanceDTO, billing.AdvanceMonthly]{
		kind:    "advances",
		convert: func(_ billing.BuildingID, d AdvanceDTO) (billing.AdvanceMonthly, error) { return d.toAdvance() },
		check:   func(s *buildingScope, a billing.AdvanceMonthly) error { return s.unit(a.UnitID) },
		save:    billing.InputWriter.SaveAdvance,
		year:    func(a billing.AdvanceMonthly) int { return a.Year },
	})
}

// ImportPayments upserts received payments. A payment without unit_id is
// matched later by variable symbol.
func (h *Handler) ImportPayments(w http.ResponseWriter, r *http.Request) {
	runImport(h, w, r, rowImport[PaymentDTO, billing.Payment]{
		kind:    "payments",
		convert: func(b billing.BuildingID, d PaymentDTO) (billing.Payment, error) { return d.toPayment(b) },
		check:   checkPayment,
		save:    billing.InputWriter.SavePayment,
		year:    func(p billing.Payment) int { return p.Year },
	})
}

func checkPayment(s *buildingScope, p billing.Payment) error {
	if p.UnitID == "" {
		return nil
	}
	return s.unit(p.UnitID)
}

// DeleteYearInputs removes the yearly rows of a building so a corrected
// data set can be imported.
// DELETE /api/buildings/{id}/years/{year}/inputs
func (h *Handler) DeleteYearInputs(w http.ResponseWriter, r *http.Request) {
	buildingID, year, ok := periodParams(w, r)
	if !ok {
		return
	}
	if _, err := h.Store.GetBuilding(r.Context(), buildingID); err != nil {
		writeDomainError(w, "Failed to get building", err)
		return
	}
	if err := h.Store.DeleteYearInputs(r.Context(), buildingID, year); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete inputs", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

// EnsurePeriod creates a draft period if none exists.
// POST /api/buildings/{id}/periods/{year}
func (h *Handler) EnsurePeriod(w http.ResponseWriter, r *http.Request) {
	buildingID, year, ok := periodParams(w, r)
	if !ok {
		return
	}
	period, err := h.Engine.EnsurePeriod(r.Context(), buildingID, year)
	if err != nil {
		writeDomainError(w, "Failed to create period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(*period))
}

// GetPeriod returns a period with its results and lines.
// GET /api/buildings/{id}/periods/{year}
func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	buildingID, year, ok := periodParams(w, r)
	if !ok {
		return
	}
	period, results, err := h.Engine.Results(r.Context(), buildingID, year)
	if err != nil {
		writeDomainError(w, "Failed to get period", err)
		return
	}
	writeJSON(w, http.StatusOK, PeriodResponse{
		Period:  toPeriodDTO(*period),
		Results: toResultDTOs(results),
	})
}

// Calculate runs the settlement and replaces stored results.
// POST /api/buildings/{id}/periods/{year}/calculate
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	buildingID, year, ok := periodParams(w, r)
	if !ok {
		return
	}
	summary, err := h.calculate(r.Context(), buildingID, year)
	if err != nil {
		writeDomainError(w, "Calculation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// Preview computes the settlement without storing it.
// GET /api/buildings/{id}/periods/{year}/preview
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	buildingID, year, ok := periodParams(w, r)
	if !ok {
		return
	}
	plan, err := h.Engine.Preview(r.Context(), buildingID, year)
	if err != nil {
		writeDomainError(w, "Preview failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(plan))
}

// calculate holds the period lock for the duration of one engine run and
// records metrics. Used by the HTTP handler and the scheduler.
func (h *Handler) calculate(ctx context.Context, buildingID billing.BuildingID, year int) (*billing.Summary, error) {
	release, err := h.Locks.Acquire(ctx, buildingID, year)
	if err != nil {
		metrics.ObserveCalculation(metrics.ResultConflict, 0)
		return nil, err
	}
	defer release()

	start := time.Now()
	summary, err := h.Engine.Calculate(ctx, buildingID, year)
	if err != nil {
		metrics.ObserveCalculation(metrics.ResultError, time.Since(start))
		return nil, err
	}
	metrics.ObserveCalculation(metrics.ResultSuccess, time.Since(start))
	for _, warning := range summary.Warnings {
		metrics.IncWarning(string(warning.Code))
	}
	h.pending.clear(buildingID, year)
	return summary, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func periodParams(w http.ResponseWriter, r *http.Request) (billing.BuildingID, int, bool) {
	buildingID := billing.BuildingID(chi.URLParam(r, "id"))
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return "", 0, false
	}
	if err := billing.ValidateYear(year); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return "", 0, false
	}
	return buildingID, year, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine and store errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}

	var cfgErr *billing.ConfigurationError
	var formulaErr *billing.FormulaError
	switch {
	case errors.As(err, &formulaErr):
		resp.Details = map[string]string{
			"service_id": string(formulaErr.ServiceID),
			"unit_id":    string(formulaErr.UnitID),
			"formula":    formulaErr.Formula,
			"reason":     formulaErr.Reason,
		}
	case errors.As(err, &cfgErr):
		resp.Details = map[string]string{
			"service_id": string(cfgErr.ServiceID),
			"unit_id":    string(cfgErr.UnitID),
			"field":      cfgErr.Field,
			"reason":     cfgErr.Reason,
		}
	}
	writeJSON(w, status, resp)
}

// writeRowError reports an import row that failed conversion. Configuration
// problems are 422 like at calculation time; everything else is 400.
func writeRowError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, billing.ErrConfiguration) || errors.Is(err, billing.ErrFormula) {
		writeDomainError(w, message, err)
		return
	}
	writeError(w, http.StatusBadRequest, message, err)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrPeriodBusy):
		return http.StatusConflict, "period_busy"
	case billing.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrInvalidYear):
		return http.StatusBadRequest, "invalid_year"
	case errors.Is(err, billing.ErrFormula):
		return http.StatusUnprocessableEntity, "formula_error"
	case errors.Is(err, billing.ErrConfiguration):
		return http.StatusUnprocessableEntity, "configuration_error"
	case errors.Is(err, billing.ErrPersistence):
		return http.StatusInternalServerError, "persistence_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
