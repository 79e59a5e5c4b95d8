/*
fixtures.go - Demo data sets for testing and demonstrations

PURPOSE:
  Provides pre-built buildings that populate the store with realistic
  input rows. Each fixture is a YAML file under fixtures/ embedded into
  the binary, so no code change is needed to add one.

AVAILABLE FIXTURES:
  elm-street:   area, consumption, equal and share methodologies, repair
                fund, payment matched by variable symbol, unmatched payment
  river-court:  dual-rate water, formula service, cost override, named
                parameter with zero default

HOW LOADING WORKS:
  1. Convert and validate every row (same rules as the import endpoints)
  2. Save the building
  3. In one WithInputTx: upsert units, services, meters and parameters,
     clear the fixture year's input rows, then save the yearly rows
  4. Optionally calculate the period

USAGE VIA API:
  POST /api/fixtures/load
  {"fixture_id": "elm-street", "calculate": true}

ADDING NEW FIXTURES:
  Drop a <id>.yaml file into fixtures/. The row shapes are the import DTOs.
*/
package api

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"sort"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/factory"
	"gopkg.in/yaml.v3"
)

//go:embed fixtures/*.yaml
var fixtureFS embed.FS

// =============================================================================
// FIXTURE DEFINITIONS
// =============================================================================

// FixtureDTO is one demo data set.
type FixtureDTO struct {
	ID          string                `yaml:"id"`
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	Year        int                   `yaml:"year"`
	Building    BuildingDTO           `yaml:"building"`
	Units       []UnitDTO             `yaml:"units"`
	Services    []factory.ServiceJSON `yaml:"services"`
	Costs       []CostDTO             `yaml:"costs"`
	Meters      []MeterDTO            `yaml:"meters"`
	Readings    []ReadingDTO          `yaml:"readings"`
	Parameters  []ParameterDTO        `yaml:"parameters"`
	Occupancy   []OccupancyDTO        `yaml:"occupancy"`
	Advances    []AdvanceDTO          `yaml:"advances"`
	Payments    []PaymentDTO          `yaml:"payments"`
}

// FixtureInfoDTO describes a fixture in listings.
type FixtureInfoDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	BuildingID  string `json:"building_id"`
	Year        int    `json:"year"`
}

// LoadFixtureRequest is the body of POST /api/fixtures/load.
type LoadFixtureRequest struct {
	FixtureID string `json:"fixture_id"`
	Calculate bool   `json:"calculate"`
}

// LoadFixtureResponse reports what a fixture load did.
type LoadFixtureResponse struct {
	Fixture FixtureInfoDTO `json:"fixture"`
	Rows    int            `json:"rows"`
	Summary *SummaryDTO    `json:"summary,omitempty"`
}

func (f FixtureDTO) info() FixtureInfoDTO {
	return FixtureInfoDTO{
		ID:          f.ID,
		Name:        f.Name,
		Description: f.Description,
		BuildingID:  f.Building.ID,
		Year:        f.Year,
	}
}

// LoadFixtures parses every embedded fixture, sorted by id.
func LoadFixtures() ([]FixtureDTO, error) {
	paths, err := fs.Glob(fixtureFS, "fixtures/*.yaml")
	if err != nil {
		return nil, err
	}
	fixtures := make([]FixtureDTO, 0, len(paths))
	for _, path := range paths {
		data, err := fixtureFS.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var f FixtureDTO
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse fixture %s: %w", path, err)
		}
		fixtures = append(fixtures, f)
	}
	sort.Slice(fixtures, func(i, j int) bool { return fixtures[i].ID < fixtures[j].ID })
	return fixtures, nil
}

func findFixture(id string) (*FixtureDTO, error) {
	fixtures, err := LoadFixtures()
	if err != nil {
		return nil, err
	}
	for i := range fixtures {
		if fixtures[i].ID == id {
			return &fixtures[i], nil
		}
	}
	return nil, nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListFixtures returns available fixtures.
func (h *Handler) ListFixtures(w http.ResponseWriter, r *http.Request) {
	fixtures, err := LoadFixtures()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read fixtures", err)
		return
	}
	infos := make([]FixtureInfoDTO, len(fixtures))
	for i, f := range fixtures {
		infos[i] = f.info()
	}
	writeJSON(w, http.StatusOK, infos)
}

// GetCurrentFixture returns the most recently loaded fixture id, if any.
func (h *Handler) GetCurrentFixture(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentFixture
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": current})
}

// LoadFixture writes a fixture into the store and optionally calculates it.
func (h *Handler) LoadFixture(w http.ResponseWriter, r *http.Request) {
	var req LoadFixtureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	fixture, err := findFixture(req.FixtureID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read fixtures", err)
		return
	}
	if fixture == nil {
		writeError(w, http.StatusNotFound, "Unknown fixture", fmt.Errorf("fixture %q not found", req.FixtureID))
		return
	}

	ctx := r.Context()
	rows, err := h.loadFixture(ctx, fixture)
	if err != nil {
		writeRowError(w, "Failed to load fixture", err)
		return
	}

	h.mu.Lock()
	h.currentFixture = fixture.ID
	h.mu.Unlock()
	h.Logger.Info("fixture loaded", "fixture", fixture.ID, "rows", rows)

	resp := LoadFixtureResponse{Fixture: fixture.info(), Rows: rows}
	if req.Calculate {
		summary, err := h.calculate(ctx, billing.BuildingID(fixture.Building.ID), fixture.Year)
		if err != nil {
			writeDomainError(w, "Calculation failed", err)
			return
		}
		dto := toSummaryDTO(summary)
		resp.Summary = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// loadFixture converts every row before writing any, then saves them in one
// transaction. Returns the number of rows written.
func (h *Handler) loadFixture(ctx context.Context, f *FixtureDTO) (int, error) {
	if f.Building.ID == "" {
		return 0, fmt.Errorf("fixture %s has no building id", f.ID)
	}
	if err := billing.ValidateYear(f.Year); err != nil {
		return 0, err
	}
	buildingID := billing.BuildingID(f.Building.ID)

	scope, err := h.loadScope(ctx, buildingID)
	if err != nil {
		return 0, fmt.Errorf("failed to load building: %w", err)
	}

	var saves []func(billing.InputWriter) error
	rows := 0
	add := func(save func(billing.InputWriter) error) {
		saves = append(saves, save)
		rows++
	}

	for _, d := range f.Units {
		u, err := d.toUnit(buildingID)
		if err != nil {
			return 0, err
		}
		scope.units[u.ID] = true
		add(func(w billing.InputWriter) error { return w.SaveUnit(ctx, u) })
	}
	for _, d := range f.Services {
		svc, err := h.Services.FromJSON(buildingID, d)
		if err != nil {
			return 0, err
		}
		add(func(w billing.InputWriter) error { return w.SaveService(ctx, svc) })
	}
	for _, d := range f.Meters {
		m, err := d.toMeter()
		if err == nil {
			err = scope.unit(m.UnitID)
		}
		if err != nil {
			return 0, err
		}
		scope.meters[m.ID] = true
		add(func(w billing.InputWriter) error { return w.SaveMeter(ctx, m) })
	}
	for _, d := range f.Parameters {
		p, err := d.toParameter()
		if err == nil {
			err = scope.unit(p.UnitID)
		}
		if err != nil {
			return 0, err
		}
		add(func(w billing.InputWriter) error { return w.SaveParameter(ctx, p) })
	}

	// Yearly rows replace the fixture year's data.
	saves = append(saves, func(w billing.InputWriter) error { return w.DeleteYearInputs(ctx, buildingID, f.Year) })
	yearly := 0
	for _, d := range f.Costs {
		c, err := d.toCost(buildingID)
		if err != nil {
			return 0, err
		}
		add(func(w billing.InputWriter) error { return w.SaveCost(ctx, c) })
		yearly++
	}
	for _, d := range f.Readings {
		rd, err := d.toReading()
		if err == nil {
			err = scope.meter(rd.MeterID)
		}
		if err != nil {
			return 0, err
		}
		add(func(w billing.InputWriter) error { return w.SaveReading(ctx, rd) })
		yearly++
	}
	for _, d := range f.Occupancy {
		o, err := d.toOccupancy()
		if err == nil {
			err = scope.unit(o.UnitID)
		}
		if err != nil {
			return 0, err
		}
		add(func(w billing.InputWriter) error { return w.SaveOccupancy(ctx, o) })
		yearly++
	}
	for _, d := range f.Advances {
		a, err := d.toAdvance()
		if err == nil {
			err = scope.unit(a.UnitID)
		}
		if err != nil {
			return 0, err
		}
		add(func(w billing.InputWriter) error { return w.SaveAdvance(ctx, a) })
		yearly++
	}
	for _, d := range f.Payments {
		p, err := d.toPayment(buildingID)
		if err == nil {
			err = checkPayment(scope, p)
		}
		if err != nil {
			return 0, err
		}
		add(func(w billing.InputWriter) error { return w.SavePayment(ctx, p) })
		yearly++
	}

	if err := h.Store.SaveBuilding(ctx, f.Building.toBuilding()); err != nil {
		return 0, fmt.Errorf("failed to save building: %w", err)
	}
	err = h.Store.WithInputTx(ctx, func(w billing.InputWriter) error {
		for _, save := range saves {
			if err := save(w); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to save fixture %s: %w", f.ID, err)
	}
	if yearly > 0 {
		h.pending.mark(buildingID, f.Year)
	}
	return rows, nil
}
