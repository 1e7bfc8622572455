package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketguard/internal/model"
	"marketguard/internal/storage"
)

var ErrNotFound = errors.New("rule not found")

// Set holds the live alert rules, keyed by ID, and writes changes through
// to storage when one is configured.
type Set struct {
	mu     sync.RWMutex
	rules  map[string]model.AlertRule
	store  storage.Store
	logger *slog.Logger
}

func NewSet(store storage.Store, logger *slog.Logger) *Set {
	return &Set{
		rules:  make(map[string]model.AlertRule),
		store:  store,
		logger: logger,
	}
}

// Validate checks a rule supplied by an administrator. The error is
// surfaced synchronously to the caller that supplied the bad input.
func Validate(r model.AlertRule) error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name is empty")
	}
	if r.Type != model.MatchAnyType && !model.ValidEventType(model.EventType(r.Type)) {
		return fmt.Errorf("rule %q references unknown event type %q", r.Name, r.Type)
	}
	if _, err := model.ParseSeverity(string(r.Severity)); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	if r.Threshold < 0 {
		return fmt.Errorf("rule %q has negative threshold", r.Name)
	}
	if (r.Threshold > 0) != (r.Window > 0) {
		return fmt.Errorf("rule %q must set threshold and window together", r.Name)
	}
	for _, c := range r.Channels {
		if !model.ValidChannel(c) {
			return fmt.Errorf("rule %q references unknown channel %q", r.Name, c)
		}
	}
	return nil
}

// Load pulls persisted rules into memory. An invalid stored rule is loaded
// disabled with a warning rather than failing the whole load.
func (s *Set) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	stored, err := s.store.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range stored {
		if err := Validate(r); err != nil {
			r.Enabled = false
			if s.logger != nil {
				s.logger.Warn("invalid stored rule disabled", "rule_id", r.ID, "err", err)
			}
		}
		s.rules[r.ID] = r
	}
	return nil
}

// Upsert validates, persists, and swaps in a rule. A missing ID is
// assigned.
func (s *Set) Upsert(ctx context.Context, r model.AlertRule) (model.AlertRule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := Validate(r); err != nil {
		return model.AlertRule{}, err
	}
	if s.store != nil {
		if err := s.store.SaveRule(ctx, r); err != nil {
			return model.AlertRule{}, fmt.Errorf("save rule: %w", err)
		}
	}
	s.mu.Lock()
	s.rules[r.ID] = r
	s.mu.Unlock()
	return r, nil
}

func (s *Set) Toggle(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	r, ok := s.rules[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	r.Enabled = enabled
	s.rules[id] = r
	s.mu.Unlock()
	if s.store != nil {
		return s.store.SaveRule(ctx, r)
	}
	return nil
}

func (s *Set) SetThreshold(ctx context.Context, id string, threshold int, window time.Duration) error {
	s.mu.Lock()
	r, ok := s.rules[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	r.Threshold = threshold
	r.Window = window
	if err := Validate(r); err != nil {
		s.mu.Unlock()
		return err
	}
	s.rules[id] = r
	s.mu.Unlock()
	if s.store != nil {
		return s.store.SaveRule(ctx, r)
	}
	return nil
}

func (s *Set) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.rules[id]
	delete(s.rules, id)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if s.store != nil {
		return s.store.DeleteRule(ctx, id)
	}
	return nil
}

func (s *Set) Get(id string) (model.AlertRule, bool) {
	s.mu.RLock()
	r, ok := s.rules[id]
	s.mu.RUnlock()
	return r, ok
}

func (s *Set) All() []model.AlertRule {
	s.mu.RLock()
	out := make([]model.AlertRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Match returns the enabled rules applicable to the event: type matches
// (or wildcard), event severity is at least the rule minimum, and every
// rule condition is present in the payload. Each matching rule evaluates
// independently.
func (s *Set) Match(ev model.SecurityEvent) []model.AlertRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AlertRule
	for _, r := range s.rules {
		if !r.Enabled {
			continue
		}
		if r.Type != model.MatchAnyType && r.Type != string(ev.Type) {
			continue
		}
		if !ev.Severity.AtLeast(r.Severity) {
			continue
		}
		if !conditionsMatch(r.Conditions, ev.Payload) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Stats returns (enabled, total) rule counts.
func (s *Set) Stats() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := 0
	for _, r := range s.rules {
		if r.Enabled {
			active++
		}
	}
	return active, len(s.rules)
}

func conditionsMatch(conditions, payload map[string]string) bool {
	if len(conditions) == 0 {
		return true
	}
	for k, want := range conditions {
		if got, ok := payload[k]; !ok || got != want {
			return false
		}
	}
	return true
}
