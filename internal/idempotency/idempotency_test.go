package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreReplaysCompletedResult(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(time.Hour)

	if _, claimed, err := s.Begin(ctx, "cust-1:abc"); err != nil || !claimed {
		t.Fatalf("first Begin: claimed=%v err=%v", claimed, err)
	}
	if _, _, err := s.Begin(ctx, "cust-1:abc"); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}
	if err := s.Complete(ctx, "cust-1:abc", "order-42"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	result, claimed, err := s.Begin(ctx, "cust-1:abc")
	if err != nil || claimed || result != "order-42" {
		t.Fatalf("replay: result=%q claimed=%v err=%v", result, claimed, err)
	}
}

func TestMemoryStoreReleaseAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemory(time.Minute)
	s.now = func() time.Time { return now }

	if _, _, err := s.Begin(ctx, "k"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, claimed, _ := s.Begin(ctx, "k"); !claimed {
		t.Fatal("released key must be claimable")
	}

	if err := s.Complete(ctx, "k", "order-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, claimed, _ := s.Begin(ctx, "k"); !claimed {
		t.Fatal("expired key must be claimable")
	}
}
