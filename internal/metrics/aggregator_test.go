package metrics

import (
	"testing"
	"time"

	"marketguard/internal/model"
)

func newTestAggregator(recentCap int) (*Aggregator, *time.Time) {
	a := NewAggregator(recentCap, DefaultLevelPolicy())
	now := time.Now().UTC()
	a.now = func() time.Time { return now }
	return a, &now
}

func event(typ model.EventType, sev model.Severity, source string, ts time.Time) model.SecurityEvent {
	return model.SecurityEvent{Type: typ, Severity: sev, Source: source, Timestamp: ts}
}

func TestCounters(t *testing.T) {
	a, now := newTestAggregator(10)
	ts := *now
	a.Record(event(model.EventFailedAuthentication, model.SeverityLow, "a", ts))
	a.Record(event(model.EventRateLimitExceeded, model.SeverityMedium, "b", ts))
	a.Record(event(model.EventSuspiciousPattern, model.SeverityCritical, "c", ts))

	snap := a.Snapshot()
	if snap.TotalEvents != 3 {
		t.Fatalf("total = %d, want 3", snap.TotalEvents)
	}
	if snap.CriticalEvents != 1 {
		t.Fatalf("critical = %d, want 1", snap.CriticalEvents)
	}
	if snap.RateLimitViolations != 1 {
		t.Fatalf("rate limit = %d, want 1", snap.RateLimitViolations)
	}
}

func TestRecentThreatsRing(t *testing.T) {
	a, now := newTestAggregator(3)
	for i := 0; i < 10; i++ {
		src := string(rune('a' + i))
		a.Record(event(model.EventCustom, model.SeverityLow, src, now.Add(time.Duration(i)*time.Second)))
	}
	snap := a.Snapshot()
	if len(snap.RecentThreats) != 3 {
		t.Fatalf("recent = %d, want 3", len(snap.RecentThreats))
	}
	// Newest first: sources j, i, h.
	want := []string{"j", "i", "h"}
	for i, w := range want {
		if snap.RecentThreats[i].Source != w {
			t.Fatalf("recent[%d] = %q, want %q", i, snap.RecentThreats[i].Source, w)
		}
	}
}

func TestSecurityLevelTransitions(t *testing.T) {
	a, now := newTestAggregator(10)
	ts := *now

	if got := a.Snapshot().SecurityLevel; got != model.SeverityLow {
		t.Fatalf("empty level = %s, want low", got)
	}

	// Five medium events reach the medium threshold.
	for i := 0; i < 5; i++ {
		a.Record(event(model.EventFailedAuthentication, model.SeverityMedium, "a", ts))
	}
	if got := a.Snapshot().SecurityLevel; got != model.SeverityMedium {
		t.Fatalf("level = %s, want medium", got)
	}

	// Three high events raise it to high.
	for i := 0; i < 3; i++ {
		a.Record(event(model.EventSuspiciousPattern, model.SeverityHigh, "a", ts))
	}
	if got := a.Snapshot().SecurityLevel; got != model.SeverityHigh {
		t.Fatalf("level = %s, want high", got)
	}

	// A single critical event dominates.
	a.Record(event(model.EventSuspiciousPattern, model.SeverityCritical, "a", ts))
	if got := a.Snapshot().SecurityLevel; got != model.SeverityCritical {
		t.Fatalf("level = %s, want critical", got)
	}
}

func TestLevelDecaysAsWindowSlides(t *testing.T) {
	a, now := newTestAggregator(10)
	base := *now
	a.Record(event(model.EventSuspiciousPattern, model.SeverityCritical, "a", base))
	if got := a.Snapshot().SecurityLevel; got != model.SeverityCritical {
		t.Fatalf("level = %s, want critical", got)
	}
	// Counters persist after the level window slides past the event.
	*now = base.Add(20 * time.Minute)
	snap := a.Snapshot()
	if snap.SecurityLevel != model.SeverityLow {
		t.Fatalf("level = %s after window, want low", snap.SecurityLevel)
	}
	if snap.CriticalEvents != 1 {
		t.Fatalf("critical = %d after window, want 1", snap.CriticalEvents)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	a, now := newTestAggregator(10)
	a.Record(event(model.EventCustom, model.SeverityLow, "a", *now))
	snap := a.Snapshot()
	snap.RecentThreats[0].Source = "mutated"
	if a.Snapshot().RecentThreats[0].Source != "a" {
		t.Fatalf("snapshot mutation leaked into aggregator")
	}
}

func TestSubscriberNotified(t *testing.T) {
	a, now := newTestAggregator(10)
	var got []model.SecurityMetrics
	a.Subscribe(func(m model.SecurityMetrics) { got = append(got, m) })
	a.Record(event(model.EventCustom, model.SeverityLow, "a", *now))
	a.Record(event(model.EventCustom, model.SeverityLow, "b", *now))
	if len(got) != 2 {
		t.Fatalf("subscriber called %d times, want 2", len(got))
	}
	if got[1].TotalEvents != 2 {
		t.Fatalf("subscriber snapshot total = %d, want 2", got[1].TotalEvents)
	}
}

func TestProvidersOnlyInSnapshot(t *testing.T) {
	a, now := newTestAggregator(10)
	a.SetBlockedProvider(func() []string { return []string{"1.2.3.4"} })
	a.SetDroppedProvider(func() int64 { return 7 })

	var fromSub model.SecurityMetrics
	a.Subscribe(func(m model.SecurityMetrics) { fromSub = m })
	a.Record(event(model.EventCustom, model.SeverityLow, "a", *now))

	if len(fromSub.BlockedIPs) != 0 || fromSub.DroppedEvents != 0 {
		t.Fatalf("per-event snapshot included provider data")
	}
	snap := a.Snapshot()
	if len(snap.BlockedIPs) != 1 || snap.DroppedEvents != 7 {
		t.Fatalf("snapshot missing provider data: %+v", snap)
	}
}

func TestSlowProviderDoesNotStallRecord(t *testing.T) {
	a, now := newTestAggregator(10)
	entered := make(chan struct{})
	release := make(chan struct{})
	a.SetBlockedProvider(func() []string {
		close(entered)
		<-release
		return nil
	})

	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		a.Snapshot()
	}()
	<-entered

	recorded := make(chan struct{})
	go func() {
		defer close(recorded)
		a.Record(event(model.EventCustom, model.SeverityLow, "a", *now))
	}()
	select {
	case <-recorded:
	case <-time.After(time.Second):
		t.Fatalf("Record stalled behind a slow snapshot provider")
	}

	close(release)
	<-snapDone
}

func TestClear(t *testing.T) {
	a, now := newTestAggregator(10)
	a.Record(event(model.EventSuspiciousPattern, model.SeverityCritical, "a", *now))
	a.Clear()
	snap := a.Snapshot()
	if snap.TotalEvents != 0 || snap.CriticalEvents != 0 || len(snap.RecentThreats) != 0 {
		t.Fatalf("clear left state: %+v", snap)
	}
	if snap.SecurityLevel != model.SeverityLow {
		t.Fatalf("level = %s after clear, want low", snap.SecurityLevel)
	}
}
