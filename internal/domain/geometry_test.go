package domain

import "testing"

func TestEnvelopeFitsAllowsQuarterTurn(t *testing.T) {
	bed := Envelope{X: 250, Y: 210, Z: 200}

	if !bed.Fits(BoundingBox{X: 240, Y: 200, Z: 150}) {
		t.Fatal("expected direct fit")
	}
	if !bed.Fits(BoundingBox{X: 200, Y: 240, Z: 150}) {
		t.Fatal("expected fit after rotation")
	}
	if bed.Fits(BoundingBox{X: 100, Y: 100, Z: 201}) {
		t.Fatal("height must never rotate")
	}
	if bed.Fits(BoundingBox{X: 260, Y: 100, Z: 10}) {
		t.Fatal("part longer than bed must not fit")
	}
}

func TestBedClassesNest(t *testing.T) {
	printer := Envelope{X: 220, Y: 220, Z: 250}
	if got := ClassifyEnvelope(printer); got != BedMedium {
		t.Fatalf("ClassifyEnvelope=%s, want M", got)
	}

	part := BoundingBox{X: 50, Y: 200, Z: 80}
	if got := ClassifyPart(part); got != BedMedium {
		t.Fatalf("ClassifyPart=%s, want M", got)
	}
	if !printer.Fits(part) {
		t.Fatal("a part of the printer's class must fit it")
	}

	if got := ClassifyPart(BoundingBox{X: 10, Y: 10, Z: 10}); got != BedSmall {
		t.Fatalf("ClassifyPart=%s, want S", got)
	}
	if got := ClassifyPart(BoundingBox{X: 500, Y: 10, Z: 10}); got != BedXL {
		t.Fatalf("ClassifyPart=%s, want XL", got)
	}
}
