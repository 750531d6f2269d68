package pricing

import (
	"fmt"
	"math"
	"time"

	"github.com/Simplici0/printworks/internal/domain"
)

// Rates holds the admin-editable pricing parameters (rate_config singleton).
type Rates struct {
	SetupFee               float64
	UncertaintyMultiplier  float64
	TaxPercent             float64
	Currency               string
	ShellFraction          float64
	SupportOverheadPercent float64
	PerLayerSeconds        float64
	MinJobHours            float64
	QuoteTTL               time.Duration
}

// DefaultRates mirrors the storefront's published price list.
func DefaultRates() Rates {
	return Rates{
		SetupFee:               50,
		UncertaintyMultiplier:  1.15,
		TaxPercent:             18,
		Currency:               "INR",
		ShellFraction:          0.25,
		SupportOverheadPercent: 20,
		PerLayerSeconds:        20,
		MinJobHours:            0.25,
		QuoteTTL:               7 * 24 * time.Hour,
	}
}

// techBaseRate scales layer time per process: resin cures a whole layer at
// once, powder beds recoat faster than a nozzle traces a perimeter.
var techBaseRate = map[domain.Technology]float64{
	domain.TechFDM: 1.0,
	domain.TechSLA: 0.5,
	domain.TechSLS: 0.75,
}

const (
	minInfill = 10.0
	maxInfill = 100.0
)

// Input represents item-level inputs used to estimate manufacturing costs.
type Input struct {
	File           domain.FileMeta
	Material       domain.Material
	Profile        domain.PrintProfile
	Quantity       int
	Infill         float64
	Supports       bool
	PostProcessing []domain.PostProcessStep
	// Beds are the build envelopes of every printer running the profile's technology.
	Beds []domain.Envelope
}

// Result contains the line-item values of one quote item.
// FilamentWeightG and PrintHours are per part; costs cover the whole quantity.
type Result struct {
	MaterialCost    float64
	MachineCost     float64
	PostProcessCost float64
	SetupFee        float64
	FilamentWeightG float64
	PrintHours      float64
}

// Price is the item's contribution to the lower bound of the quote band.
func (r Result) Price() float64 {
	return r.MaterialCost + r.MachineCost + r.PostProcessCost + r.SetupFee
}

// Breakdown converts the result into the persisted cost breakdown.
func (r Result) Breakdown() domain.CostBreakdown {
	return domain.CostBreakdown{
		MaterialCost:    r.MaterialCost,
		MachineCost:     r.MachineCost,
		PostProcessCost: r.PostProcessCost,
		SetupFee:        r.SetupFee,
	}
}

// Calculate computes pricing values for one item. It has no side effects.
func Calculate(in Input, rates Rates) (Result, error) {
	if err := validateGeometry(in.File); err != nil {
		return Result{}, err
	}
	if in.Quantity < 1 {
		return Result{}, fmt.Errorf("%w: quantity must be at least 1", domain.ErrInvalidInput)
	}
	if in.Infill < minInfill || in.Infill > maxInfill {
		return Result{}, fmt.Errorf("%w: infill must be between %.0f and %.0f", domain.ErrInvalidInput, minInfill, maxInfill)
	}
	if !in.Material.Active {
		return Result{}, fmt.Errorf("%w: material %s is inactive", domain.ErrMaterialUnavailable, in.Material.Code)
	}
	if !in.Profile.Active {
		return Result{}, fmt.Errorf("%w: print profile %s is inactive", domain.ErrMaterialUnavailable, in.Profile.ID)
	}
	if in.Profile.MaterialID != in.Material.ID || in.Profile.Technology != in.Material.Technology {
		return Result{}, fmt.Errorf("%w: print profile %s does not run material %s", domain.ErrInvalidInput, in.Profile.ID, in.Material.ID)
	}
	if in.Profile.LayerHeightMm <= 0 {
		return Result{}, fmt.Errorf("%w: print profile %s has no layer height", domain.ErrInvalidInput, in.Profile.ID)
	}
	if !fitsAny(in.Beds, in.File.BBox) {
		return Result{}, fmt.Errorf("%w: %gx%gx%g mm exceeds every %s bed", domain.ErrNoCompatiblePrinter,
			in.File.BBox.X, in.File.BBox.Y, in.File.BBox.Z, in.Profile.Technology)
	}

	qty := float64(in.Quantity)
	weight := in.File.VolumeCm3 * in.Material.DensityGCm3 * InfillFactor(in.Infill, in.Supports, rates)
	hours := PrintHours(in.Profile, in.File.BBox, rates)

	postPerPart := 0.0
	for _, step := range in.PostProcessing {
		postPerPart += step.UnitPrice
	}

	return Result{
		MaterialCost:    weight * in.Material.CostPerKg / 1000.0 * qty,
		MachineCost:     hours * in.Profile.MachineHourRate * qty,
		PostProcessCost: postPerPart * qty,
		SetupFee:        rates.SetupFee,
		FilamentWeightG: weight,
		PrintHours:      hours,
	}, nil
}

// InfillFactor is the printed fraction of the part volume. Walls always
// print solid, so the factor runs linearly from the shell floor at 0% infill
// to the full volume at 100%. Supports add a share of the shell volume.
func InfillFactor(infill float64, supports bool, rates Rates) float64 {
	shell := clamp(rates.ShellFraction, 0, 1)
	f := shell + (1-shell)*clamp(infill, 0, 100)/100.0
	if supports {
		f += shell * rates.SupportOverheadPercent / 100.0
	}
	return f
}

// PrintHours estimates one pass of a part from its layer count.
func PrintHours(profile domain.PrintProfile, bbox domain.BoundingBox, rates Rates) float64 {
	base, ok := techBaseRate[profile.Technology]
	if !ok {
		base = 1
	}
	layers := math.Ceil(bbox.Z / profile.LayerHeightMm)
	hours := base * layers * rates.PerLayerSeconds / 3600.0
	return math.Max(hours, rates.MinJobHours)
}

// Band aggregates item results into the quote-level price band. The upper
// bound absorbs geometry estimation error.
func Band(results []Result, rates Rates) (minPrice, maxPrice float64) {
	for _, r := range results {
		minPrice += r.Price()
	}
	mult := rates.UncertaintyMultiplier
	if mult < 1 {
		mult = 1
	}
	return minPrice, minPrice * mult
}

func validateGeometry(f domain.FileMeta) error {
	switch {
	case f.ID == "":
		return &domain.GeometryError{Reason: "missing file"}
	case f.ScanStatus != domain.ScanClean:
		return &domain.GeometryError{FileID: f.ID, Reason: fmt.Sprintf("scan status is %s", f.ScanStatus)}
	case f.VolumeCm3 <= 0:
		return &domain.GeometryError{FileID: f.ID, Reason: "volume is unknown"}
	case !f.BBox.Positive():
		return &domain.GeometryError{FileID: f.ID, Reason: "bounding box is degenerate"}
	case !f.Watertight:
		return &domain.GeometryError{FileID: f.ID, Reason: "mesh is not watertight"}
	}
	return nil
}

func fitsAny(beds []domain.Envelope, bbox domain.BoundingBox) bool {
	for _, bed := range beds {
		if bed.Fits(bbox) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
