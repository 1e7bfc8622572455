package engine

import (
	"fmt"
	"testing"
	"time"
)

func TestWindowFiresAtThreshold(t *testing.T) {
	w := newRuleWindow()
	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		decision, _, _ := w.observe(base.Add(time.Duration(i)*time.Second), 5, time.Minute, "id-a")
		if decision != windowNone {
			t.Fatalf("event %d decision = %d before threshold", i, decision)
		}
	}
	decision, id, count := w.observe(base.Add(4*time.Second), 5, time.Minute, "id-a")
	if decision != windowFire {
		t.Fatalf("threshold event decision = %d, want fire", decision)
	}
	if id != "id-a" || count != 5 {
		t.Fatalf("fire = (%s, %d)", id, count)
	}
}

func TestWindowBumpsUntilExpiry(t *testing.T) {
	w := newRuleWindow()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		w.observe(base.Add(time.Duration(i)*time.Second), 3, time.Minute, "first")
	}
	// Inside the fired window every further match bumps.
	decision, id, _ := w.observe(base.Add(30*time.Second), 3, time.Minute, "ignored")
	if decision != windowBump || id != "first" {
		t.Fatalf("in-window decision = (%d, %s)", decision, id)
	}
	// Past the window a fresh burst fires a new alert.
	later := base.Add(2 * time.Minute)
	for i := 0; i < 3; i++ {
		decision, id, _ = w.observe(later.Add(time.Duration(i)*time.Second), 3, time.Minute, fmt.Sprintf("later-%d", i))
	}
	if decision != windowFire {
		t.Fatalf("post-window decision = %d, want fire", decision)
	}
	if id == "first" {
		t.Fatalf("new window reused old alert ID")
	}
}

func TestWindowPruneKeepsCountCorrect(t *testing.T) {
	w := newRuleWindow()
	base := time.Now().UTC()
	for i := 0; i < 100; i++ {
		w.observe(base.Add(time.Duration(i)*time.Second), 1000, 10*time.Second, "x")
	}
	_, _, count := w.observe(base.Add(100*time.Second), 1000, 10*time.Second, "x")
	// Only the hits of the last 10 seconds remain.
	if count != 11 {
		t.Fatalf("count = %d, want 11", count)
	}
}

func TestWindowSweep(t *testing.T) {
	w := newRuleWindow()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		w.observe(base.Add(time.Duration(i)*time.Second), 100, time.Minute, "x")
	}
	w.sweep(base.Add(time.Hour), time.Minute)
	w.mu.Lock()
	n := len(w.hits) - w.head
	w.mu.Unlock()
	if n != 0 {
		t.Fatalf("hits = %d after sweep, want 0", n)
	}
}

func TestDedupeCache(t *testing.T) {
	c := newDedupeCache()
	now := time.Now().UTC()
	if c.seen("h1", now, time.Minute) {
		t.Fatalf("first sighting reported seen")
	}
	if !c.seen("h1", now.Add(10*time.Second), time.Minute) {
		t.Fatalf("repeat inside window not deduped")
	}
	if c.seen("h1", now.Add(2*time.Minute), time.Minute) {
		t.Fatalf("repeat after window deduped")
	}
	if c.seen("h2", now, time.Minute) {
		t.Fatalf("distinct hash deduped")
	}
}
