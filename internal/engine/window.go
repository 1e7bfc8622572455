package engine

import (
	"sync"
	"time"
)

type windowDecision int

const (
	windowNone windowDecision = iota
	windowFire
	windowBump
)

// ruleWindow is the per-rule sliding counter of matching events. The whole
// check-then-fire step runs under its lock so at most one alert fires per
// rule per window even with concurrent deliveries.
type ruleWindow struct {
	mu      sync.Mutex
	hits    []time.Time
	head    int
	alertID string
	firedAt time.Time
}

func newRuleWindow() *ruleWindow {
	return &ruleWindow{hits: make([]time.Time, 0, 16)}
}

// observe folds one matching event into the window. newID becomes the
// alert ID if this call fires. The returned ID is the fired or existing
// alert; count is the number of matches currently inside the window.
func (w *ruleWindow) observe(ts time.Time, threshold int, window time.Duration, newID string) (windowDecision, string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(ts.Add(-window))
	w.hits = append(w.hits, ts)
	count := len(w.hits) - w.head

	if w.alertID != "" && ts.Sub(w.firedAt) < window {
		return windowBump, w.alertID, count
	}
	if count >= threshold {
		w.alertID = newID
		w.firedAt = ts
		return windowFire, newID, count
	}
	return windowNone, "", count
}

func (w *ruleWindow) prune(cutoff time.Time) {
	for w.head < len(w.hits) && w.hits[w.head].Before(cutoff) {
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.hits) {
		w.hits = append([]time.Time{}, w.hits[w.head:]...)
		w.head = 0
	}
}

// sweep prunes from the outside, using wall time.
func (w *ruleWindow) sweep(now time.Time, window time.Duration) {
	w.mu.Lock()
	w.prune(now.Add(-window))
	w.mu.Unlock()
}
