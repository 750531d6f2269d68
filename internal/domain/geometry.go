package domain

import (
	"fmt"
	"math"
)

// BoundingBox is the axis aligned extent of a part in millimetres.
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (b BoundingBox) Positive() bool { return b.X > 0 && b.Y > 0 && b.Z > 0 }

func (b BoundingBox) maxDim() float64 { return math.Max(b.X, math.Max(b.Y, b.Z)) }

// Envelope is the build volume of a printer bed in millimetres.
type Envelope struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Fits reports whether the part can be placed on the bed. Parts may be
// rotated a quarter turn about Z; the build height never changes.
func (e Envelope) Fits(b BoundingBox) bool {
	if b.Z > e.Z {
		return false
	}
	if b.X <= e.X && b.Y <= e.Y {
		return true
	}
	return b.Y <= e.X && b.X <= e.Y
}

func (e Envelope) Volume() float64 { return e.X * e.Y * e.Z }

// BedClass partitions parts and printers by size for scheduling.
type BedClass uint8

const (
	BedSmall BedClass = iota
	BedMedium
	BedLarge
	BedXL

	NumBedClasses
)

// bedClassLimits are the largest dimension (mm) of each class; XL is open ended.
var bedClassLimits = [...]float64{
	BedSmall:  120,
	BedMedium: 220,
	BedLarge:  320,
	BedXL:     math.Inf(1),
}

var bedClassNames = [...]string{
	BedSmall:  "S",
	BedMedium: "M",
	BedLarge:  "L",
	BedXL:     "XL",
}

var _ = [1]struct{}{}[len(bedClassLimits)-int(NumBedClasses)]
var _ = [1]struct{}{}[len(bedClassNames)-int(NumBedClasses)]

// BedClasses lists classes from smallest to largest.
func BedClasses() []BedClass {
	out := make([]BedClass, 0, NumBedClasses)
	for c := BedClass(0); c < NumBedClasses; c++ {
		out = append(out, c)
	}
	return out
}

// ClassifyPart returns the smallest class whose limit holds the part's largest dimension.
func ClassifyPart(b BoundingBox) BedClass {
	d := b.maxDim()
	for c := BedClass(0); c < NumBedClasses; c++ {
		if d <= bedClassLimits[c] {
			return c
		}
	}
	return BedXL
}

// ClassifyEnvelope returns the largest class whose limit fits inside the
// bed's smallest dimension, so every part of that class or below fits.
func ClassifyEnvelope(e Envelope) BedClass {
	d := math.Min(e.X, math.Min(e.Y, e.Z))
	class := BedSmall
	for c := BedClass(0); c < NumBedClasses; c++ {
		if bedClassLimits[c] <= d {
			class = c
		}
	}
	return class
}

func (c BedClass) String() string {
	if c >= NumBedClasses {
		return fmt.Sprintf("BedClass(%d)", uint8(c))
	}
	return bedClassNames[c]
}

func (c BedClass) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *BedClass) UnmarshalText(b []byte) error {
	for i, name := range bedClassNames {
		if name == string(b) {
			*c = BedClass(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown bed class %q", ErrInvalidInput, string(b))
}
