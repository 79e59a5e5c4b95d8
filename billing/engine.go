/*
engine.go - Settlement orchestration

PURPOSE:
  Runs one calculation for a building and year:

    load snapshot -> validate -> resolve bases (per unit, parallel)
      -> apportion per service -> round + settle per unit
      -> replace period results in one transaction

VALIDATE-THEN-COMMIT:
  Every configuration check and every formula compilation happens before
  the transaction opens. A run that fails before the write leaves the
  previously calculated results exactly as they were; a failing write is
  rolled back by the store.

DETERMINISM:
  Units are processed in natural unit-number order, services by display
  order. Output rows carry name-based identifiers. Only the period's
  CalculatedAt and the Summary's GeneratedAt differ between two runs over
  the same inputs.

CONCURRENCY:
  Base resolution fans out per unit with a bounded errgroup. The year index
  is read-only, so workers share it without locks. Two calculations of the
  same building and year must be serialized by the caller (see api/locks.go).
*/
package billing

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Strictness decides how a failing formula is handled.
type Strictness string

const (
	// StrictFormulas aborts the whole calculation on a formula error.
	StrictFormulas Strictness = "strict"
	// LenientFormulas zeroes the failing service and records formula_skipped.
	LenientFormulas Strictness = "lenient"
)

// ParseStrictness converts a configuration value.
func ParseStrictness(s string) (Strictness, error) {
	switch Strictness(s) {
	case StrictFormulas, "":
		return StrictFormulas, nil
	case LenientFormulas:
		return LenientFormulas, nil
	}
	return "", fmt.Errorf("unknown formula strictness %q", s)
}

// Engine calculates settlements.
type Engine struct {
	store      TxStore
	logger     *slog.Logger
	workers    int
	strictness Strictness
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithWorkers bounds the number of units resolved concurrently.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithStrictness sets the formula failure policy.
func WithStrictness(s Strictness) Option {
	return func(e *Engine) { e.strictness = s }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine on top of the given store.
func NewEngine(store TxStore, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	e := &Engine{
		store:      store,
		logger:     slog.Default(),
		workers:    4,
		strictness: StrictFormulas,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Plan is the full outcome of a calculation before it is written.
type Plan struct {
	PeriodID PeriodID
	Results  []BillingResult
	Totals   []ServiceTotal
	Warnings []Warning
	Units    int
	Services int
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// Calculate computes the settlement of a building for a year and replaces
// any previously stored results of that period.
func (e *Engine) Calculate(ctx context.Context, buildingID BuildingID, year int) (*Summary, error) {
	if err := ValidateYear(year); err != nil {
		return nil, err
	}
	start := e.now()
	log := e.logger.With("building", buildingID, "year", year)
	log.Info("calculation started")

	data, err := e.load(ctx, buildingID, year)
	if err != nil {
		return nil, err
	}

	plan, err := e.Compute(ctx, data)
	if err != nil {
		log.Warn("calculation aborted", "error", err)
		return nil, err
	}

	period := BillingPeriod{
		ID:           plan.PeriodID,
		BuildingID:   buildingID,
		Year:         year,
		Status:       PeriodCalculated,
		CalculatedAt: start.UTC(),
		Warnings:     plan.Warnings,
	}
	err = e.store.WithTx(ctx, func(w ResultWriter) error {
		if err := w.SavePeriod(ctx, period); err != nil {
			return err
		}
		if err := w.DeleteResults(ctx, period.ID); err != nil {
			return err
		}
		return w.InsertResults(ctx, plan.Results)
	})
	if err != nil {
		log.Error("writing results failed", "error", err)
		return nil, &PersistenceError{Op: "write results", Err: err}
	}

	for _, w := range plan.Warnings {
		log.Warn("calculation warning", "code", w.Code, "service", w.ServiceID, "unit", w.UnitID, "message", w.Message)
	}
	log.Info("calculation finished",
		"units", plan.Units,
		"services", plan.Services,
		"warnings", len(plan.Warnings),
		"duration", e.now().Sub(start))

	return &Summary{
		BillingPeriodID:  plan.PeriodID,
		BuildingID:       buildingID,
		Year:             year,
		UnitCount:        plan.Units,
		ServiceCount:     plan.Services,
		PerServiceTotals: plan.Totals,
		Warnings:         plan.Warnings,
		GeneratedAt:      e.now().UTC(),
	}, nil
}

// Preview computes the settlement without writing anything.
func (e *Engine) Preview(ctx context.Context, buildingID BuildingID, year int) (*Plan, error) {
	if err := ValidateYear(year); err != nil {
		return nil, err
	}
	data, err := e.load(ctx, buildingID, year)
	if err != nil {
		return nil, err
	}
	return e.Compute(ctx, data)
}

// EnsurePeriod returns the billing period, creating a draft if none exists.
func (e *Engine) EnsurePeriod(ctx context.Context, buildingID BuildingID, year int) (*BillingPeriod, error) {
	if err := ValidateYear(year); err != nil {
		return nil, err
	}
	if _, err := e.load(ctx, buildingID, year); err != nil {
		return nil, err
	}
	existing, err := e.store.GetPeriod(ctx, buildingID, year)
	if err != nil {
		return nil, &PersistenceError{Op: "get period", Err: err}
	}
	if existing != nil {
		return existing, nil
	}
	period := BillingPeriod{
		ID:         PeriodIDFor(buildingID, year),
		BuildingID: buildingID,
		Year:       year,
		Status:     PeriodDraft,
	}
	err = e.store.WithTx(ctx, func(w ResultWriter) error {
		return w.SavePeriod(ctx, period)
	})
	if err != nil {
		return nil, &PersistenceError{Op: "create period", Err: err}
	}
	return &period, nil
}

// Results returns the stored period and its results.
func (e *Engine) Results(ctx context.Context, buildingID BuildingID, year int) (*BillingPeriod, []BillingResult, error) {
	if err := ValidateYear(year); err != nil {
		return nil, nil, err
	}
	period, err := e.store.GetPeriod(ctx, buildingID, year)
	if err != nil {
		return nil, nil, &PersistenceError{Op: "get period", Err: err}
	}
	if period == nil {
		return nil, nil, ErrPeriodNotFound
	}
	results, err := e.store.ListResults(ctx, period.ID)
	if err != nil {
		return nil, nil, &PersistenceError{Op: "list results", Err: err}
	}
	return period, results, nil
}

// ValidateYear rejects years outside 1900..9999.
func ValidateYear(year int) error {
	if year < 1900 || year > 9999 {
		return fmt.Errorf("%w: %d", ErrInvalidYear, year)
	}
	return nil
}

func (e *Engine) load(ctx context.Context, buildingID BuildingID, year int) (*YearData, error) {
	data, err := e.store.LoadYear(ctx, buildingID, year)
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "load year", Err: err}
	}
	return data, nil
}

// =============================================================================
// COMPUTATION
// =============================================================================

// Compute runs the pure part of a calculation over a snapshot.
func (e *Engine) Compute(ctx context.Context, data *YearData) (*Plan, error) {
	units := SortUnits(data.Units)
	for _, u := range units {
		if err := u.Validate(); err != nil {
			return nil, err
		}
	}
	services := ActiveServices(data.Services)

	idx, err := newYearIndex(data)
	if err != nil {
		return nil, err
	}
	resolver := &Resolver{idx: idx}
	agg := &Aggregator{idx: idx}

	formulas := make(map[ServiceID]*Formula)
	skipped := make(map[ServiceID]error)
	for _, svc := range services {
		if err := ValidateService(svc, units); err != nil {
			return nil, err
		}
		if svc.Method.Kind != MethodFormula {
			continue
		}
		f, err := CompileFormula(svc.ID, svc.Method.Formula)
		if err != nil {
			if e.strictness != LenientFormulas {
				return nil, err
			}
			skipped[svc.ID] = err
			continue
		}
		formulas[svc.ID] = f
	}

	plan := &Plan{
		PeriodID: PeriodIDFor(data.Building.ID, data.Year),
		Units:    len(units),
		Services: len(services),
	}
	resultIDs := make([]ResultID, len(units))
	payments := make([]PaymentTotals, len(units))
	prescriptions := make([]MonthlySeries, len(units))
	lines := make([][]BillingServiceCost, len(units))
	for i, u := range units {
		resultIDs[i] = ResultIDFor(plan.PeriodID, u.ID)
		payments[i] = agg.Payments(u.ID)
	}

	for _, svc := range services {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		total := resolver.TotalCost(svc)

		var alloc Allocation
		if cause, ok := skipped[svc.ID]; ok {
			alloc = skippedAllocation(svc, units, total, cause)
		} else {
			alloc, err = e.allocate(ctx, svc, units, total, resolver, formulas[svc.ID])
			if err != nil {
				var fe *FormulaError
				if !errors.As(err, &fe) || e.strictness != LenientFormulas {
					return nil, err
				}
				alloc = skippedAllocation(svc, units, total, err)
			}
		}

		costs, discrepancy := settle(alloc)
		plan.Warnings = append(plan.Warnings, alloc.Warnings...)
		plan.Warnings = append(plan.Warnings, discrepancy...)

		allocated := decimal.Zero
		for i, u := range units {
			adv := agg.Advances(u.ID, svc.ID)
			prescriptions[i] = prescriptions[i].Add(adv.Monthly)
			lines[i] = append(lines[i], BuildLine(LineInput{
				ResultID:   resultIDs[i],
				Service:    svc,
				Allocation: alloc.Units[i],
				UnitCost:   costs[i],
				TotalCost:  total,
				Advance:    adv,
				Paid:       payments[i].ByService[svc.ID],
			}))
			allocated = allocated.Add(costs[i])
		}
		plan.Totals = append(plan.Totals, ServiceTotal{
			ServiceID:  svc.ID,
			Name:       svc.Name,
			TotalCost:  RoundMoney(total),
			Allocated:  allocated,
			VATAmount:  RoundMoney(idx.vat[svc.ID]),
			RepairFund: svc.RepairFund,
		})
		e.logger.Debug("service apportioned",
			"service", svc.ID,
			"method", svc.Method.Kind,
			"total", RoundMoney(total).String(),
			"allocated", allocated.String())
	}

	for _, p := range agg.Unmatched() {
		plan.Warnings = append(plan.Warnings, Warning{
			Code:    WarnUnmatchedPayment,
			Message: fmt.Sprintf("payment %s (variable symbol %q, %s) matches no unit", p.ID, p.VariableSymbol, RoundMoney(p.Amount).StringFixed(MoneyPlaces)),
		})
	}

	plan.Results = make([]BillingResult, len(units))
	for i, u := range units {
		plan.Results[i] = Compose(ComposeInput{
			PeriodID:      plan.PeriodID,
			UnitID:        u.ID,
			Lines:         lines[i],
			Prescriptions: prescriptions[i],
			Payments:      payments[i],
		})
	}
	return plan, nil
}

// allocate resolves the bases of every unit and apportions the service.
func (e *Engine) allocate(ctx context.Context, svc Service, units []Unit, total decimal.Decimal, r *Resolver, f *Formula) (Allocation, error) {
	bases, err := e.resolveBases(ctx, svc, units, r)
	if err != nil {
		return Allocation{}, err
	}
	alloc, err := Apportion(ApportionInput{
		Service:   svc,
		Units:     units,
		Bases:     bases,
		TotalCost: total,
		Resolver:  r,
		Formula:   f,
	})
	if err != nil {
		return Allocation{}, err
	}

	var defaulted []Warning
	for i, b := range bases {
		if b.Defaulted {
			defaulted = append(defaulted, Warning{
				Code:      WarnParameterDefaulted,
				ServiceID: svc.ID,
				UnitID:    units[i].ID,
				Message:   fmt.Sprintf("parameter %q missing, treated as 0", svc.Method.ParameterName),
			})
		}
	}
	alloc.Warnings = append(defaulted, alloc.Warnings...)
	return alloc, nil
}

// resolveBases resolves one base per unit concurrently. When several units
// fail, the error of the first unit in order is returned.
func (e *Engine) resolveBases(ctx context.Context, svc Service, units []Unit, r *Resolver) ([]Base, error) {
	bases := make([]Base, len(units))
	errs := make([]error, len(units))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range units {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			bases[i], errs[i] = r.Resolve(svc, units[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return bases, nil
}

// =============================================================================
// ORDERING
// =============================================================================

// SortUnits returns the units in natural unit-number order ("1a" before
// "2" before "10"), ties broken by id. Numbers starting with a digit come
// first, ordered by that numeric prefix and then by the rest; all other
// numbers follow in lexical order.
func SortUnits(units []Unit) []Unit {
	out := append([]Unit(nil), units...)
	sort.SliceStable(out, func(i, j int) bool {
		if c := compareUnitNumbers(out[i].Number, out[j].Number); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func compareUnitNumbers(a, b string) int {
	da, ra := splitUnitNumber(a)
	db, rb := splitUnitNumber(b)
	switch {
	case da != "" && db == "":
		return -1
	case da == "" && db != "":
		return 1
	case da != "":
		// Compare digit strings by length first so long numbers cannot overflow.
		ta, tb := strings.TrimLeft(da, "0"), strings.TrimLeft(db, "0")
		if c := cmp.Compare(len(ta), len(tb)); c != 0 {
			return c
		}
		if c := strings.Compare(ta, tb); c != 0 {
			return c
		}
		if c := strings.Compare(ra, rb); c != 0 {
			return c
		}
	}
	return strings.Compare(a, b)
}

// splitUnitNumber splits "12b" into "12" and "b".
func splitUnitNumber(s string) (digits, rest string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i], s[i:]
}

// ActiveServices returns the active services by display order, then id.
func ActiveServices(services []Service) []Service {
	var out []Service
	for _, s := range services {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}
