package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestOrderStatusTableIsComplete(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range OrderStatuses() {
		if s.String() == "" || s.Label() == "" {
			t.Fatalf("status %d has an incomplete table row", uint8(s))
		}
		if seen[s.String()] {
			t.Fatalf("duplicate status name %s", s)
		}
		seen[s.String()] = true
	}
	for s := PrinterIdle; s < numPrinterStatuses; s++ {
		if s.String() == "" || s.Label() == "" {
			t.Fatalf("printer status %d has an incomplete table row", uint8(s))
		}
	}
}

func TestParseOrderStatusLegacyVocabulary(t *testing.T) {
	cases := map[string]OrderStatus{
		"PRINTING":  StatusPrinting,
		"printing":  StatusPrinting,
		"review":    StatusInReview,
		"in_review": StatusInReview,
		"REVIEW":    StatusInReview,
		"shipped":   StatusShipped,
		"slicing":   StatusSlicing,
		"canceled":  StatusCancelled,
	}
	for raw, want := range cases {
		got, err := ParseOrderStatus(raw)
		if err != nil {
			t.Fatalf("ParseOrderStatus(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseOrderStatus(%q)=%s, want %s", raw, got, want)
		}
	}

	if _, err := ParseOrderStatus("teleported"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestOrderStatusNextIsLinear(t *testing.T) {
	s := StatusPendingPayment
	steps := 0
	for {
		next, ok := s.Next()
		if !ok {
			break
		}
		if next != s+1 {
			t.Fatalf("%s.Next()=%s", s, next)
		}
		s = next
		steps++
	}
	if s != StatusFinished || steps != 10 {
		t.Fatalf("walked to %s in %d steps", s, steps)
	}
	if _, ok := StatusCancelled.Next(); ok {
		t.Fatal("CANCELLED must not have a next stage")
	}
}

func TestOrderStatusJSONUsesCanonicalNames(t *testing.T) {
	b, err := json.Marshal(struct {
		S OrderStatus `json:"s"`
	}{S: StatusPostProcessing})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"s":"POST_PROCESSING"}` {
		t.Fatalf("got %s", b)
	}

	var back struct {
		S OrderStatus `json:"s"`
	}
	if err := json.Unmarshal([]byte(`{"s":"qa"}`), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.S != StatusQA {
		t.Fatalf("got %s", back.S)
	}
}
