package alerts

import (
	"sort"
	"sync"
	"time"

	"marketguard/internal/model"
)

// Store holds the active (not yet dismissed or expired) alerts. Dismissal
// removes an alert from the active list immediately; historical counts
// held by the aggregator are unaffected.
type Store struct {
	mu    sync.RWMutex
	byID  map[string]model.Alert
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 500
	}
	return &Store{
		byID:  make(map[string]model.Alert),
		limit: limit,
	}
}

func (s *Store) Add(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[alert.ID] = alert
	if len(s.byID) > s.limit {
		s.evictOldest()
	}
}

// Bump increments the event count of an existing alert, used when further
// matches land inside an already-fired window.
func (s *Store) Bump(id string) (model.Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return model.Alert{}, false
	}
	a.Count++
	s.byID[id] = a
	return a, true
}

func (s *Store) Get(id string) (model.Alert, bool) {
	s.mu.RLock()
	a, ok := s.byID[id]
	s.mu.RUnlock()
	return a, ok
}

// Dismiss marks the alert dismissed, drops it from the active list, and
// returns the dismissed copy.
func (s *Store) Dismiss(id string) (model.Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return model.Alert{}, false
	}
	delete(s.byID, id)
	a.Dismissed = true
	return a, true
}

// Active returns the live alerts, newest first.
func (s *Store) Active() []model.Alert {
	s.mu.RLock()
	out := make([]model.Alert, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// SweepExpired drops alerts older than ttl and returns how many went.
func (s *Store) SweepExpired(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, a := range s.byID {
		if a.Timestamp.Before(cutoff) {
			delete(s.byID, id)
			removed++
		}
	}
	return removed
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.byID = make(map[string]model.Alert)
	s.mu.Unlock()
}

// evictOldest is called with the lock held when the active list outgrows
// its cap.
func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, a := range s.byID {
		if oldestID == "" || a.Timestamp.Before(oldest) {
			oldestID = id
			oldest = a.Timestamp
		}
	}
	if oldestID != "" {
		delete(s.byID, oldestID)
	}
}
