package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Simplici0/printworks/internal/domain"
	"github.com/Simplici0/printworks/internal/pricing"
)

const (
	ScopeDomestic = "DOMESTIC"
	ScopeIntl     = "INTL"

	// anyCountry marks the international fallback rate.
	anyCountry = "*"
)

type ShippingRate struct {
	ID       int64   `json:"id"`
	Scope    string  `json:"scope"`
	Country  string  `json:"country"`
	City     string  `json:"city,omitempty"`
	FlatCost float64 `json:"flatCost"`
	Notes    string  `json:"notes,omitempty"`
	Active   bool    `json:"active"`
}

// MaterialPatch carries the admin-editable material fields; nil leaves a field unchanged.
type MaterialPatch struct {
	CostPerKg *float64 `json:"costPerKg"`
	Active    *bool    `json:"isActive"`
}

func (s *Store) GetRates(ctx context.Context) (pricing.Rates, error) {
	var (
		rc       pricing.Rates
		ttlHours int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT setup_fee, uncertainty_multiplier, tax_percent, currency, shell_fraction,
			support_overhead_percent, per_layer_seconds, min_job_hours, quote_ttl_hours
		FROM rate_config
		WHERE id = 1
	`).Scan(
		&rc.SetupFee,
		&rc.UncertaintyMultiplier,
		&rc.TaxPercent,
		&rc.Currency,
		&rc.ShellFraction,
		&rc.SupportOverheadPercent,
		&rc.PerLayerSeconds,
		&rc.MinJobHours,
		&ttlHours,
	)
	if err != nil {
		if noRows(err) {
			return pricing.Rates{}, fmt.Errorf("rate_config singleton not found")
		}
		return pricing.Rates{}, fmt.Errorf("query rate_config: %w", err)
	}
	rc.QuoteTTL = time.Duration(ttlHours) * time.Hour
	return rc, nil
}

func (s *Store) UpdateRates(ctx context.Context, rc pricing.Rates) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_config (
			id, setup_fee, uncertainty_multiplier, tax_percent, currency, shell_fraction,
			support_overhead_percent, per_layer_seconds, min_job_hours, quote_ttl_hours, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			setup_fee = excluded.setup_fee,
			uncertainty_multiplier = excluded.uncertainty_multiplier,
			tax_percent = excluded.tax_percent,
			currency = excluded.currency,
			shell_fraction = excluded.shell_fraction,
			support_overhead_percent = excluded.support_overhead_percent,
			per_layer_seconds = excluded.per_layer_seconds,
			min_job_hours = excluded.min_job_hours,
			quote_ttl_hours = excluded.quote_ttl_hours,
			updated_at = CURRENT_TIMESTAMP
	`,
		rc.SetupFee,
		rc.UncertaintyMultiplier,
		rc.TaxPercent,
		rc.Currency,
		rc.ShellFraction,
		rc.SupportOverheadPercent,
		rc.PerLayerSeconds,
		rc.MinJobHours,
		int64(rc.QuoteTTL/time.Hour),
	)
	if err != nil {
		return fmt.Errorf("update rate_config: %w", err)
	}
	return nil
}

const materialColumns = `id, code, name, technology, cost_per_kg, density_g_cm3, colors_json, active`

func scanMaterial(row interface{ Scan(...any) error }) (domain.Material, error) {
	var (
		m      domain.Material
		colors string
	)
	if err := row.Scan(&m.ID, &m.Code, &m.Name, &m.Technology, &m.CostPerKg, &m.DensityGCm3, &colors, &m.Active); err != nil {
		return domain.Material{}, err
	}
	if err := json.Unmarshal([]byte(colors), &m.Colors); err != nil {
		return domain.Material{}, fmt.Errorf("decode colors of material %s: %w", m.ID, err)
	}
	return m, nil
}

func (s *Store) GetMaterial(ctx context.Context, id string) (domain.Material, error) {
	m, err := scanMaterial(s.db.QueryRowContext(ctx, `SELECT `+materialColumns+` FROM materials WHERE id = ?`, id))
	if err != nil {
		if noRows(err) {
			return domain.Material{}, notFound("material", id)
		}
		return domain.Material{}, fmt.Errorf("query material: %w", err)
	}
	return m, nil
}

func (s *Store) ListMaterials(ctx context.Context) ([]domain.Material, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+materialColumns+` FROM materials ORDER BY technology, code`)
	if err != nil {
		return nil, fmt.Errorf("query materials: %w", err)
	}
	defer rows.Close()

	materials := make([]domain.Material, 0)
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, fmt.Errorf("scan material: %w", err)
		}
		materials = append(materials, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate materials: %w", err)
	}
	return materials, nil
}

func (s *Store) UpsertMaterial(ctx context.Context, m domain.Material) error {
	colors, err := json.Marshal(m.Colors)
	if err != nil {
		return fmt.Errorf("encode material colors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO materials (id, code, name, technology, cost_per_kg, density_g_cm3, colors_json, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			technology = excluded.technology,
			cost_per_kg = excluded.cost_per_kg,
			density_g_cm3 = excluded.density_g_cm3,
			colors_json = excluded.colors_json,
			active = excluded.active,
			updated_at = CURRENT_TIMESTAMP
	`, m.ID, m.Code, m.Name, m.Technology, m.CostPerKg, m.DensityGCm3, string(colors), m.Active)
	if err != nil {
		return fmt.Errorf("upsert material: %w", err)
	}
	return nil
}

func (s *Store) UpdateMaterial(ctx context.Context, id string, patch MaterialPatch) (domain.Material, error) {
	if patch.CostPerKg != nil && *patch.CostPerKg < 0 {
		return domain.Material{}, fmt.Errorf("%w: costPerKg must be >= 0", domain.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE materials
		SET
			cost_per_kg = COALESCE(?, cost_per_kg),
			active = COALESCE(?, active),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, patch.CostPerKg, patch.Active, id)
	if err != nil {
		return domain.Material{}, fmt.Errorf("update material: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.Material{}, fmt.Errorf("update material: %w", err)
	}
	if affected == 0 {
		return domain.Material{}, notFound("material", id)
	}
	return s.GetMaterial(ctx, id)
}

const profileColumns = `id, name, material_id, technology, layer_height_mm, infill_default, machine_hour_rate, active`

func scanProfile(row interface{ Scan(...any) error }) (domain.PrintProfile, error) {
	var p domain.PrintProfile
	err := row.Scan(&p.ID, &p.Name, &p.MaterialID, &p.Technology, &p.LayerHeightMm, &p.InfillDefault, &p.MachineHourRate, &p.Active)
	return p, err
}

func (s *Store) GetProfile(ctx context.Context, id string) (domain.PrintProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM print_profiles WHERE id = ?`, id))
	if err != nil {
		if noRows(err) {
			return domain.PrintProfile{}, notFound("print profile", id)
		}
		return domain.PrintProfile{}, fmt.Errorf("query print profile: %w", err)
	}
	return p, nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]domain.PrintProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM print_profiles ORDER BY technology, id`)
	if err != nil {
		return nil, fmt.Errorf("query print profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]domain.PrintProfile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan print profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate print profiles: %w", err)
	}
	return profiles, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p domain.PrintProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO print_profiles (id, name, material_id, technology, layer_height_mm, infill_default, machine_hour_rate, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			material_id = excluded.material_id,
			technology = excluded.technology,
			layer_height_mm = excluded.layer_height_mm,
			infill_default = excluded.infill_default,
			machine_hour_rate = excluded.machine_hour_rate,
			active = excluded.active
	`, p.ID, p.Name, p.MaterialID, p.Technology, p.LayerHeightMm, p.InfillDefault, p.MachineHourRate, p.Active)
	if err != nil {
		return fmt.Errorf("upsert print profile: %w", err)
	}
	return nil
}

// PostProcessSteps resolves step ids in the order given. Unknown ids fail.
func (s *Store) PostProcessSteps(ctx context.Context, ids []string) ([]domain.PostProcessStep, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit_price, active
		FROM post_process_steps
		WHERE id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query post-process steps: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]domain.PostProcessStep, len(ids))
	for rows.Next() {
		var st domain.PostProcessStep
		if err := rows.Scan(&st.ID, &st.Name, &st.UnitPrice, &st.Active); err != nil {
			return nil, fmt.Errorf("scan post-process step: %w", err)
		}
		byID[st.ID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate post-process steps: %w", err)
	}

	steps := make([]domain.PostProcessStep, 0, len(ids))
	for _, id := range ids {
		st, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown post-processing step %q", domain.ErrInvalidInput, id)
		}
		if !st.Active {
			return nil, fmt.Errorf("%w: post-processing step %q is not offered", domain.ErrInvalidInput, id)
		}
		steps = append(steps, st)
	}
	return steps, nil
}

func (s *Store) UpsertPostProcessStep(ctx context.Context, st domain.PostProcessStep) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO post_process_steps (id, name, unit_price, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			unit_price = excluded.unit_price,
			active = excluded.active
	`, st.ID, st.Name, st.UnitPrice, st.Active)
	if err != nil {
		return fmt.Errorf("upsert post-process step: %w", err)
	}
	return nil
}

func (s *Store) ListShippingRates(ctx context.Context) ([]ShippingRate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, country, COALESCE(city, ''), flat_cost, COALESCE(notes, ''), active
		FROM shipping_rates
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query shipping rates: %w", err)
	}
	defer rows.Close()

	shippingRates := make([]ShippingRate, 0)
	for rows.Next() {
		var rate ShippingRate
		if err := rows.Scan(&rate.ID, &rate.Scope, &rate.Country, &rate.City, &rate.FlatCost, &rate.Notes, &rate.Active); err != nil {
			return nil, fmt.Errorf("scan shipping rate: %w", err)
		}
		shippingRates = append(shippingRates, rate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shipping rates: %w", err)
	}
	return shippingRates, nil
}

func (s *Store) CreateShippingRate(ctx context.Context, rate ShippingRate) (ShippingRate, error) {
	if rate.Scope != ScopeDomestic && rate.Scope != ScopeIntl {
		return ShippingRate{}, fmt.Errorf("%w: scope must be DOMESTIC or INTL", domain.ErrInvalidInput)
	}
	if rate.Country == "" || rate.FlatCost < 0 {
		return ShippingRate{}, fmt.Errorf("%w: country and a non-negative flat cost are required", domain.ErrInvalidInput)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO shipping_rates (scope, country, city, flat_cost, notes, active)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rate.Scope, rate.Country, nullString(rate.City), rate.FlatCost, nullString(rate.Notes), rate.Active)
	if err != nil {
		return ShippingRate{}, fmt.Errorf("insert shipping rate: %w", err)
	}
	rate.ID, err = result.LastInsertId()
	if err != nil {
		return ShippingRate{}, fmt.Errorf("insert shipping rate: %w", err)
	}
	return rate, nil
}

// ShippingFee picks the most specific active rate: city, then country, then
// the international fallback.
func (s *Store) ShippingFee(ctx context.Context, addr domain.Address) (float64, error) {
	var fee float64
	err := s.db.QueryRowContext(ctx, `
		SELECT flat_cost
		FROM shipping_rates
		WHERE active = TRUE
			AND (
				(country = ? COLLATE NOCASE AND city = ? COLLATE NOCASE)
				OR (country = ? COLLATE NOCASE AND city IS NULL)
				OR (scope = ? AND country = ?)
			)
		ORDER BY
			CASE
				WHEN city IS NOT NULL THEN 0
				WHEN country <> ? THEN 1
				ELSE 2
			END,
			id DESC
		LIMIT 1
	`, addr.Country, addr.City, addr.Country, ScopeIntl, anyCountry, anyCountry).Scan(&fee)
	if err != nil {
		if noRows(err) {
			return 0, fmt.Errorf("%w: no shipping rate for %s", domain.ErrInvalidInput, addr.Country)
		}
		return 0, fmt.Errorf("query shipping rate: %w", err)
	}
	return fee, nil
}
