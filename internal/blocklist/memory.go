package blocklist

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory returns the default in-process block store.
func NewMemory() Store {
	return &memoryStore{entries: make(map[string]Entry)}
}

func (s *memoryStore) Block(_ context.Context, ip, reason string) error {
	if ip == "" {
		return nil
	}
	s.mu.Lock()
	// re-blocking updates the record, never duplicates it
	s.entries[ip] = Entry{IP: ip, Reason: reason, BlockedAt: time.Now().UTC()}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Unblock(_ context.Context, ip string) error {
	s.mu.Lock()
	delete(s.entries, ip)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) IsBlocked(_ context.Context, ip string) (bool, error) {
	s.mu.RLock()
	_, ok := s.entries[ip]
	s.mu.RUnlock()
	return ok, nil
}

func (s *memoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

func (s *memoryStore) Close() error {
	return nil
}
