package metrics

import (
	"sync"
	"time"

	"marketguard/internal/model"
)

// LevelPolicy decides the derived security level from the recent severity
// mix: critical when any critical event landed inside Window, high when at
// least HighCount high-severity events did, medium when at least
// MediumCount events of medium or above did, low otherwise.
type LevelPolicy struct {
	Window      time.Duration
	HighCount   int
	MediumCount int
}

func DefaultLevelPolicy() LevelPolicy {
	return LevelPolicy{
		Window:      15 * time.Minute,
		HighCount:   3,
		MediumCount: 5,
	}
}

// Subscriber receives a metrics snapshot after each mutation. Callbacks run
// outside the aggregator lock.
type Subscriber func(model.SecurityMetrics)

type sevStamp struct {
	severity model.Severity
	at       time.Time
}

// Aggregator maintains the rolling security counters, the bounded
// recent-threats ring, and the derived security level. Reads take a
// consistent copy so concurrent mutation never exposes partial state.
type Aggregator struct {
	mu        sync.Mutex
	total     int64
	critical  int64
	rateLimit int64
	recent    []model.ThreatEntry
	recentCap int
	stamps    []sevStamp
	policy    LevelPolicy

	subs      []Subscriber
	blockedFn func() []string
	droppedFn func() int64

	now func() time.Time
}

func NewAggregator(recentCap int, policy LevelPolicy) *Aggregator {
	if recentCap <= 0 {
		recentCap = 50
	}
	if policy.Window <= 0 {
		policy = DefaultLevelPolicy()
	}
	return &Aggregator{
		recentCap: recentCap,
		policy:    policy,
		now:       time.Now,
	}
}

// SetBlockedProvider wires the block store view used in snapshots.
func (a *Aggregator) SetBlockedProvider(fn func() []string) {
	a.mu.Lock()
	a.blockedFn = fn
	a.mu.Unlock()
}

// SetDroppedProvider wires the bus drop counter used in snapshots.
func (a *Aggregator) SetDroppedProvider(fn func() int64) {
	a.mu.Lock()
	a.droppedFn = fn
	a.mu.Unlock()
}

func (a *Aggregator) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	a.subs = append(a.subs, fn)
	a.mu.Unlock()
}

// Record folds one event into the counters and notifies subscribers with
// the resulting snapshot.
func (a *Aggregator) Record(ev model.SecurityEvent) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = a.now().UTC()
	}
	a.mu.Lock()
	a.total++
	if ev.Severity == model.SeverityCritical {
		a.critical++
	}
	if ev.Type == model.EventRateLimitExceeded {
		a.rateLimit++
	}
	a.pushThreat(model.ThreatEntry{
		Type:      ev.Type,
		Severity:  ev.Severity,
		Source:    ev.Source,
		Timestamp: ts,
	})
	a.stamps = append(a.stamps, sevStamp{severity: ev.Severity, at: ts})
	a.pruneStamps(a.now().UTC())
	snap := a.snapshotLocked()
	subs := a.subs
	a.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// Snapshot returns a consistent copy of the current metrics. Provider
// calls may do I/O (redis block store), so they run after the lock is
// released to keep the event path from stalling behind a slow read.
func (a *Aggregator) Snapshot() model.SecurityMetrics {
	a.mu.Lock()
	a.pruneStamps(a.now().UTC())
	snap := a.snapshotLocked()
	blockedFn, droppedFn := a.blockedFn, a.droppedFn
	a.mu.Unlock()

	if blockedFn != nil {
		snap.BlockedIPs = blockedFn()
	}
	if droppedFn != nil {
		snap.DroppedEvents = droppedFn()
	}
	return snap
}

func (a *Aggregator) Clear() {
	a.mu.Lock()
	a.total = 0
	a.critical = 0
	a.rateLimit = 0
	a.recent = nil
	a.stamps = nil
	a.mu.Unlock()
}

// pushThreat prepends newest-first and silently drops the oldest entry at
// capacity.
func (a *Aggregator) pushThreat(t model.ThreatEntry) {
	if len(a.recent) < a.recentCap {
		a.recent = append(a.recent, model.ThreatEntry{})
	}
	copy(a.recent[1:], a.recent)
	a.recent[0] = t
}

func (a *Aggregator) pruneStamps(now time.Time) {
	cutoff := now.Add(-a.policy.Window)
	keep := a.stamps[:0]
	for _, s := range a.stamps {
		if !s.at.Before(cutoff) {
			keep = append(keep, s)
		}
	}
	a.stamps = keep
}

func (a *Aggregator) levelLocked() model.Severity {
	var high, mediumPlus int
	for _, s := range a.stamps {
		switch {
		case s.severity == model.SeverityCritical:
			return model.SeverityCritical
		case s.severity == model.SeverityHigh:
			high++
			mediumPlus++
		case s.severity == model.SeverityMedium:
			mediumPlus++
		}
	}
	if high >= a.policy.HighCount {
		return model.SeverityHigh
	}
	if mediumPlus >= a.policy.MediumCount {
		return model.SeverityMedium
	}
	return model.SeverityLow
}

// snapshotLocked copies the counters. Providers are never called here;
// the per-event notification path skips them entirely and Snapshot calls
// them after unlocking.
func (a *Aggregator) snapshotLocked() model.SecurityMetrics {
	return model.SecurityMetrics{
		TotalEvents:         a.total,
		CriticalEvents:      a.critical,
		RateLimitViolations: a.rateLimit,
		SecurityLevel:       a.levelLocked(),
		RecentThreats:       append([]model.ThreatEntry(nil), a.recent...),
	}
}
