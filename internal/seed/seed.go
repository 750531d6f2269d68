package seed

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Simplici0/printworks/internal/domain"
	"github.com/Simplici0/printworks/internal/pricing"
	"github.com/Simplici0/printworks/internal/store"
)

const defaultDomesticCountry = "India"

// Config contains the values required by startup seed.
type Config struct {
	DomesticCountry string
	// Printers seeds the demo fleet; production fleets are registered by operators.
	Printers bool
}

// Stats contains seed operation counters.
type Stats struct {
	Inserts int
	Updates int
}

type materialSeed struct {
	material domain.Material
	profiles []domain.PrintProfile
}

var catalog = []materialSeed{
	{
		material: domain.Material{ID: "pla", Code: "PLA", Name: "PLA", Technology: domain.TechFDM, CostPerKg: 1200, DensityGCm3: 1.24,
			Colors: []string{"White", "Black", "Red", "Blue", "Grey"}, Active: true},
		profiles: []domain.PrintProfile{
			{ID: "pla-draft", Name: "PLA Draft 0.28mm", LayerHeightMm: 0.28, InfillDefault: 15, MachineHourRate: 80, Active: true},
			{ID: "pla-standard", Name: "PLA Standard 0.2mm", LayerHeightMm: 0.2, InfillDefault: 20, MachineHourRate: 100, Active: true},
			{ID: "pla-fine", Name: "PLA Fine 0.12mm", LayerHeightMm: 0.12, InfillDefault: 20, MachineHourRate: 120, Active: true},
		},
	},
	{
		material: domain.Material{ID: "petg", Code: "PETG", Name: "PETG", Technology: domain.TechFDM, CostPerKg: 1500, DensityGCm3: 1.27,
			Colors: []string{"Clear", "Black", "White"}, Active: true},
		profiles: []domain.PrintProfile{
			{ID: "petg-standard", Name: "PETG Standard 0.2mm", LayerHeightMm: 0.2, InfillDefault: 25, MachineHourRate: 110, Active: true},
		},
	},
	{
		material: domain.Material{ID: "abs", Code: "ABS", Name: "ABS", Technology: domain.TechFDM, CostPerKg: 1400, DensityGCm3: 1.04,
			Colors: []string{"Black", "White"}, Active: true},
		profiles: []domain.PrintProfile{
			{ID: "abs-standard", Name: "ABS Standard 0.2mm", LayerHeightMm: 0.2, InfillDefault: 25, MachineHourRate: 120, Active: true},
		},
	},
	{
		material: domain.Material{ID: "tpu", Code: "TPU", Name: "TPU 95A", Technology: domain.TechFDM, CostPerKg: 2200, DensityGCm3: 1.21,
			Colors: []string{"Black"}, Active: true},
		profiles: []domain.PrintProfile{
			{ID: "tpu-standard", Name: "TPU Standard 0.2mm", LayerHeightMm: 0.2, InfillDefault: 20, MachineHourRate: 130, Active: true},
		},
	},
	{
		material: domain.Material{ID: "resin-standard", Code: "RESIN-STD", Name: "Standard Resin", Technology: domain.TechSLA, CostPerKg: 3500, DensityGCm3: 1.1,
			Colors: []string{"Grey", "Clear"}, Active: true},
		profiles: []domain.PrintProfile{
			{ID: "resin-standard-50", Name: "Resin 0.05mm", LayerHeightMm: 0.05, InfillDefault: 100, MachineHourRate: 180, Active: true},
		},
	},
	{
		material: domain.Material{ID: "resin-tough", Code: "RESIN-TGH", Name: "Tough Resin", Technology: domain.TechSLA, CostPerKg: 5200, DensityGCm3: 1.15,
			Colors: []string{"Grey"}, Active: true},
		profiles: []domain.PrintProfile{
			{ID: "resin-tough-50", Name: "Tough Resin 0.05mm", LayerHeightMm: 0.05, InfillDefault: 100, MachineHourRate: 200, Active: true},
		},
	},
	{
		material: domain.Material{ID: "pa12", Code: "PA12", Name: "Nylon PA12", Technology: domain.TechSLS, CostPerKg: 6000, DensityGCm3: 1.01,
			Colors: []string{"White", "Black"}, Active: true},
		profiles: []domain.PrintProfile{
			{ID: "pa12-standard", Name: "PA12 0.1mm", LayerHeightMm: 0.1, InfillDefault: 100, MachineHourRate: 350, Active: true},
		},
	},
}

var postProcessSteps = []domain.PostProcessStep{
	{ID: "sanding", Name: "Sanding", UnitPrice: 50, Active: true},
	{ID: "primer", Name: "Primer", UnitPrice: 75, Active: true},
	{ID: "paint", Name: "Paint", UnitPrice: 125, Active: true},
	{ID: "vapor", Name: "Vapor smoothing", UnitPrice: 200, Active: true},
}

var fleet = []domain.Printer{
	{ID: "fdm-01", Name: "Ender 3 Pro #1", Technology: domain.TechFDM, Bed: domain.Envelope{X: 220, Y: 220, Z: 250}},
	{ID: "fdm-02", Name: "Ender 3 Pro #2", Technology: domain.TechFDM, Bed: domain.Envelope{X: 220, Y: 220, Z: 250}},
	{ID: "fdm-03", Name: "Prusa i3 MK3S+", Technology: domain.TechFDM, Bed: domain.Envelope{X: 250, Y: 210, Z: 210}},
	{ID: "fdm-04", Name: "Artillery Sidewinder X1", Technology: domain.TechFDM, Bed: domain.Envelope{X: 300, Y: 300, Z: 400}},
	{ID: "sla-01", Name: "Elegoo Saturn", Technology: domain.TechSLA, Bed: domain.Envelope{X: 192, Y: 120, Z: 200}},
	{ID: "sls-01", Name: "Formlabs Fuse 1", Technology: domain.TechSLS, Bed: domain.Envelope{X: 165, Y: 165, Z: 300}},
}

// Run executes the startup seed in an idempotent way.
func Run(db *sql.DB, cfg Config) (Stats, error) {
	if cfg.DomesticCountry == "" {
		cfg.DomesticCountry = defaultDomesticCountry
	}

	tx, err := db.Begin()
	if err != nil {
		return Stats{}, fmt.Errorf("begin seed transaction: %w", err)
	}

	stats := Stats{}

	steps := []func(*sql.Tx, *Stats) error{
		ensureRateConfig,
		ensureCatalog,
		ensurePostProcessSteps,
		func(tx *sql.Tx, stats *Stats) error { return ensureShipping(tx, cfg.DomesticCountry, stats) },
	}
	if cfg.Printers {
		steps = append(steps, ensureFleet)
	}
	for _, step := range steps {
		if err := step(tx, &stats); err != nil {
			_ = tx.Rollback()
			return Stats{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("commit seed transaction: %w", err)
	}

	return stats, nil
}

func ensureRateConfig(tx *sql.Tx, stats *Stats) error {
	var exists bool
	if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM rate_config WHERE id = 1)`).Scan(&exists); err != nil {
		return fmt.Errorf("check rate config existence: %w", err)
	}
	if exists {
		return nil
	}

	rc := pricing.DefaultRates()
	if _, err := tx.Exec(`
		INSERT INTO rate_config (
			id,
			setup_fee,
			uncertainty_multiplier,
			tax_percent,
			currency,
			shell_fraction,
			support_overhead_percent,
			per_layer_seconds,
			min_job_hours,
			quote_ttl_hours
		)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rc.SetupFee, rc.UncertaintyMultiplier, rc.TaxPercent, rc.Currency, rc.ShellFraction,
		rc.SupportOverheadPercent, rc.PerLayerSeconds, rc.MinJobHours, int64(rc.QuoteTTL/time.Hour)); err != nil {
		return fmt.Errorf("insert rate config singleton: %w", err)
	}
	stats.Inserts++
	return nil
}

func ensureCatalog(tx *sql.Tx, stats *Stats) error {
	for _, entry := range catalog {
		m := entry.material
		inserted, err := insertIfMissing(tx, `materials`, m.ID, func() error {
			colors, err := json.Marshal(m.Colors)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				INSERT INTO materials (id, code, name, technology, cost_per_kg, density_g_cm3, colors_json, active)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, m.ID, m.Code, m.Name, m.Technology, m.CostPerKg, m.DensityGCm3, string(colors), m.Active)
			return err
		})
		if err != nil {
			return fmt.Errorf("seed material %s: %w", m.ID, err)
		}
		if inserted {
			stats.Inserts++
		}

		for _, p := range entry.profiles {
			inserted, err := insertIfMissing(tx, `print_profiles`, p.ID, func() error {
				_, err := tx.Exec(`
					INSERT INTO print_profiles (id, name, material_id, technology, layer_height_mm, infill_default, machine_hour_rate, active)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				`, p.ID, p.Name, m.ID, m.Technology, p.LayerHeightMm, p.InfillDefault, p.MachineHourRate, p.Active)
				return err
			})
			if err != nil {
				return fmt.Errorf("seed print profile %s: %w", p.ID, err)
			}
			if inserted {
				stats.Inserts++
			}
		}
	}
	return nil
}

func ensurePostProcessSteps(tx *sql.Tx, stats *Stats) error {
	for _, st := range postProcessSteps {
		inserted, err := insertIfMissing(tx, `post_process_steps`, st.ID, func() error {
			_, err := tx.Exec(`
				INSERT INTO post_process_steps (id, name, unit_price, active)
				VALUES (?, ?, ?, ?)
			`, st.ID, st.Name, st.UnitPrice, st.Active)
			return err
		})
		if err != nil {
			return fmt.Errorf("seed post-process step %s: %w", st.ID, err)
		}
		if inserted {
			stats.Inserts++
		}
	}
	return nil
}

func ensureShipping(tx *sql.Tx, country string, stats *Stats) error {
	rates := []store.ShippingRate{
		{Scope: store.ScopeDomestic, Country: country, FlatCost: 75, Notes: "standard courier"},
		{Scope: store.ScopeIntl, Country: "*", FlatCost: 1500, Notes: "international fallback"},
	}
	for _, rate := range rates {
		var exists bool
		if err := tx.QueryRow(`
			SELECT EXISTS(
				SELECT 1
				FROM shipping_rates
				WHERE scope = ? AND country = ? AND city IS NULL
				LIMIT 1
			)
		`, rate.Scope, rate.Country).Scan(&exists); err != nil {
			return fmt.Errorf("check shipping rate existence: %w", err)
		}
		if exists {
			continue
		}

		if _, err := tx.Exec(`
			INSERT INTO shipping_rates (scope, country, city, flat_cost, notes, active)
			VALUES (?, ?, NULL, ?, ?, TRUE)
		`, rate.Scope, rate.Country, rate.FlatCost, rate.Notes); err != nil {
			return fmt.Errorf("insert shipping rate: %w", err)
		}
		stats.Inserts++
	}
	return nil
}

func ensureFleet(tx *sql.Tx, stats *Stats) error {
	now := store.FormatTime(time.Now())
	for _, p := range fleet {
		inserted, err := insertIfMissing(tx, `printers`, p.ID, func() error {
			_, err := tx.Exec(`
				INSERT INTO printers (id, name, technology, bed_x, bed_y, bed_z, status, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, p.ID, p.Name, p.Technology, p.Bed.X, p.Bed.Y, p.Bed.Z, domain.PrinterIdle.String(), now)
			return err
		})
		if err != nil {
			return fmt.Errorf("seed printer %s: %w", p.ID, err)
		}
		if inserted {
			stats.Inserts++
		}
	}
	return nil
}

// insertIfMissing runs insert when no row of table has the given id.
func insertIfMissing(tx *sql.Tx, table, id string, insert func() error) (bool, error) {
	var exists bool
	if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = ? LIMIT 1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check existence: %w", err)
	}
	if exists {
		return false, nil
	}
	if err := insert(); err != nil {
		return false, err
	}
	return true, nil
}
