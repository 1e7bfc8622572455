package alerts

import (
	"fmt"
	"testing"
	"time"

	"marketguard/internal/model"
)

func makeAlert(id string, ts time.Time) model.Alert {
	return model.Alert{
		ID:        id,
		RuleID:    "r1",
		RuleName:  "failed logins",
		Severity:  model.SeverityHigh,
		Timestamp: ts,
		Count:     1,
	}
}

func TestAddAndActive(t *testing.T) {
	s := NewStore(10)
	base := time.Now().UTC()
	s.Add(makeAlert("a", base))
	s.Add(makeAlert("b", base.Add(time.Second)))
	s.Add(makeAlert("c", base.Add(2*time.Second)))

	active := s.Active()
	if len(active) != 3 {
		t.Fatalf("active = %d, want 3", len(active))
	}
	if active[0].ID != "c" || active[2].ID != "a" {
		t.Fatalf("active not newest-first: %v", []string{active[0].ID, active[1].ID, active[2].ID})
	}
}

func TestBump(t *testing.T) {
	s := NewStore(10)
	s.Add(makeAlert("a", time.Now()))

	a, ok := s.Bump("a")
	if !ok {
		t.Fatalf("bump of existing alert failed")
	}
	if a.Count != 2 {
		t.Fatalf("count = %d, want 2", a.Count)
	}
	got, _ := s.Get("a")
	if got.Count != 2 {
		t.Fatalf("stored count = %d, want 2", got.Count)
	}
	if _, ok := s.Bump("missing"); ok {
		t.Fatalf("bump of missing alert succeeded")
	}
}

func TestDismissRemovesFromActive(t *testing.T) {
	s := NewStore(10)
	s.Add(makeAlert("a", time.Now()))
	dismissed, ok := s.Dismiss("a")
	if !ok {
		t.Fatalf("dismiss of existing alert failed")
	}
	if !dismissed.Dismissed {
		t.Fatalf("dismissed copy not flagged")
	}
	if s.Len() != 0 {
		t.Fatalf("len = %d after dismiss, want 0", s.Len())
	}
	if _, ok := s.Dismiss("a"); ok {
		t.Fatalf("second dismiss of same alert succeeded")
	}
}

func TestCapEvictsOldest(t *testing.T) {
	s := NewStore(3)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		s.Add(makeAlert(fmt.Sprintf("a%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3", s.Len())
	}
	if _, ok := s.Get("a0"); ok {
		t.Fatalf("oldest alert survived eviction")
	}
	if _, ok := s.Get("a4"); !ok {
		t.Fatalf("newest alert evicted")
	}
}

func TestSweepExpired(t *testing.T) {
	s := NewStore(10)
	base := time.Now().UTC()
	s.Add(makeAlert("old", base.Add(-2*time.Hour)))
	s.Add(makeAlert("fresh", base.Add(-time.Minute)))

	removed := s.SweepExpired(base, time.Hour)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := s.Get("old"); ok {
		t.Fatalf("expired alert survived sweep")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Fatalf("fresh alert swept")
	}
	if s.SweepExpired(base, 0) != 0 {
		t.Fatalf("sweep with zero ttl removed alerts")
	}
}
