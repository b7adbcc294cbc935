package server

import (
	"fmt"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestMultiLimiter_SweepsIdleKeysPeriodically(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	m := newMultiLimiter(rate.Limit(100), 10, time.Minute)
	m.now = func() time.Time { return clock }

	for i := 0; i < 50; i++ {
		m.allow(fmt.Sprintf("10.0.0.%d", i))
	}
	if len(m.entries) != 50 {
		t.Fatalf("entries = %d want 50", len(m.entries))
	}

	// no sweep is due yet
	clock = clock.Add(20 * time.Second)
	m.allow("10.0.1.1")
	if len(m.entries) != 51 {
		t.Fatalf("entries = %d want 51 before the sweep interval", len(m.entries))
	}

	clock = clock.Add(61 * time.Second)
	m.allow("10.0.1.1")
	if len(m.entries) != 1 {
		t.Fatalf("entries = %d want 1 after sweep", len(m.entries))
	}
	if _, ok := m.entries["10.0.1.1"]; !ok {
		t.Fatal("active key was swept")
	}
}

func TestMultiLimiter_PerKeyBudget(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	m := newMultiLimiter(rate.Limit(1), 2, time.Minute)
	m.now = func() time.Time { return clock }

	if !m.allow("a") || !m.allow("a") {
		t.Fatal("burst not honoured")
	}
	if m.allow("a") {
		t.Fatal("third request within burst window allowed")
	}
	if !m.allow("b") {
		t.Fatal("other client throttled")
	}
	clock = clock.Add(time.Second)
	if !m.allow("a") {
		t.Fatal("budget not refilled")
	}
}
