package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"marketguard/internal/alerts"
	"marketguard/internal/blocklist"
	"marketguard/internal/config"
	"marketguard/internal/model"
	"marketguard/internal/notify"
	"marketguard/internal/rules"
	"marketguard/internal/storage"
)

// Engine evaluates each incoming event against the rule set, fires and
// aggregates alerts, and triggers auto-blocking. It is driven by the event
// bus consumer; per-event work is bounded (no scans over history).
type Engine struct {
	logger     *slog.Logger
	rules      *rules.Set
	alerts     *alerts.Store
	blocklist  blocklist.Store
	dispatcher *notify.Dispatcher
	store      storage.Store
	cfg        atomic.Value

	mu      sync.Mutex
	windows map[string]*ruleWindow
	dedupe  *dedupeCache
}

func New(cfg *config.Config, logger *slog.Logger, ruleSet *rules.Set, alertStore *alerts.Store, blockStore blocklist.Store, dispatcher *notify.Dispatcher, store storage.Store) *Engine {
	e := &Engine{
		logger:     logger,
		rules:      ruleSet,
		alerts:     alertStore,
		blocklist:  blockStore,
		dispatcher: dispatcher,
		store:      store,
		windows:    make(map[string]*ruleWindow),
		dedupe:     newDedupeCache(),
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// HandleEvent is the bus handler entry point.
func (e *Engine) HandleEvent(ev model.SecurityEvent) {
	e.ProcessEvent(ev)
}

// ProcessEvent evaluates one event and returns the alerts it fired. An
// event can trigger zero, one, or several alerts; each matching rule
// evaluates independently.
func (e *Engine) ProcessEvent(ev model.SecurityEvent) []model.Alert {
	cfg := e.config()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if dw := cfg.Detection.DedupeWindow; dw > 0 {
		if e.dedupe.seen(hashEvent(ev), time.Now().UTC(), dw) {
			return nil
		}
	}

	matched := e.rules.Match(ev)
	var fired []model.Alert
	for _, rule := range matched {
		if alert, ok := e.evaluateRule(cfg, rule, ev); ok {
			fired = append(fired, alert)
		}
		e.maybeAutoBlock(cfg, rule, ev)
	}

	// rate-limit violations auto-block even when no rule matched
	if len(matched) == 0 {
		e.maybeAutoBlock(cfg, model.AlertRule{}, ev)
	}
	return fired
}

func (e *Engine) evaluateRule(cfg *config.Config, rule model.AlertRule, ev model.SecurityEvent) (model.Alert, bool) {
	if !rule.Windowed() {
		alert := e.fire(rule, ev, 1)
		return alert, true
	}

	w := e.window(rule.ID)
	decision, alertID, count := w.observe(ev.Timestamp, rule.Threshold, rule.Window, uuid.NewString())
	switch decision {
	case windowFire:
		alert := e.fireWindowed(rule, ev, alertID, count)
		return alert, true
	case windowBump:
		if updated, ok := e.alerts.Bump(alertID); ok {
			e.persist(updated)
		}
		return model.Alert{}, false
	default:
		return model.Alert{}, false
	}
}

func (e *Engine) fire(rule model.AlertRule, ev model.SecurityEvent, count int) model.Alert {
	alert := model.Alert{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Severity:  rule.Severity,
		Message:   fmt.Sprintf("%s: %s event from %s", rule.Name, ev.Type, ev.Source),
		Source:    ev.Source,
		Timestamp: ev.Timestamp,
		Count:     count,
	}
	e.commit(rule, alert)
	return alert
}

func (e *Engine) fireWindowed(rule model.AlertRule, ev model.SecurityEvent, alertID string, count int) model.Alert {
	alert := model.Alert{
		ID:        alertID,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Severity:  rule.Severity,
		Message:   fmt.Sprintf("%s: %d %s events from %s within %s", rule.Name, count, ev.Type, ev.Source, rule.Window),
		Source:    ev.Source,
		Timestamp: ev.Timestamp,
		Count:     count,
	}
	e.commit(rule, alert)
	return alert
}

// commit makes a fired alert visible: active list, history, notification
// fan-out. Dispatch runs on a background goroutine so rule evaluation is
// never blocked on a channel send.
func (e *Engine) commit(rule model.AlertRule, alert model.Alert) {
	e.alerts.Add(alert)
	e.persist(alert)
	if e.logger != nil {
		e.logger.Warn("alert fired",
			"alert_id", alert.ID,
			"rule_id", rule.ID,
			"rule", rule.Name,
			"severity", alert.Severity,
			"source", alert.Source,
		)
	}
	if e.dispatcher == nil {
		return
	}
	channels := dispatchChannels(rule)
	go e.dispatcher.Dispatch(context.Background(), alert, channels)
}

func (e *Engine) persist(alert model.Alert) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.store.SaveAlert(ctx, alert); err != nil && e.logger != nil {
		e.logger.Warn("persist alert failed", "alert_id", alert.ID, "err", err)
	}
}

func (e *Engine) maybeAutoBlock(cfg *config.Config, rule model.AlertRule, ev model.SecurityEvent) {
	if !cfg.Detection.AutoBlock || e.blocklist == nil {
		return
	}
	if ev.Type != model.EventRateLimitExceeded && !rule.AutoBlock {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reason := "rate limit exceeded"
	if rule.AutoBlock {
		reason = "auto-block by rule " + rule.Name
	}
	if err := e.blocklist.Block(ctx, ev.Source, reason); err != nil {
		if e.logger != nil {
			e.logger.Warn("auto-block failed", "source", ev.Source, "err", err)
		}
		return
	}
	if e.logger != nil {
		e.logger.Info("source auto-blocked", "source", ev.Source, "reason", reason)
	}
}

// DropWindow discards a rule's in-flight counter, e.g. when the rule is
// disabled or deleted mid-window.
func (e *Engine) DropWindow(ruleID string) {
	e.mu.Lock()
	delete(e.windows, ruleID)
	e.mu.Unlock()
}

// Sweep prunes rule windows and discards counters whose rules are gone or
// disabled. Called from the periodic sweeper.
func (e *Engine) Sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, w := range e.windows {
		rule, ok := e.rules.Get(id)
		if !ok || !rule.Enabled || !rule.Windowed() {
			delete(e.windows, id)
			continue
		}
		w.sweep(now, rule.Window)
	}
}

func (e *Engine) Reset() {
	e.mu.Lock()
	e.windows = make(map[string]*ruleWindow)
	e.mu.Unlock()
	e.dedupe.clear()
}

func (e *Engine) window(ruleID string) *ruleWindow {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[ruleID]
	if !ok {
		w = newRuleWindow()
		e.windows[ruleID] = w
	}
	return w
}

// dispatchChannels returns the rule's channels with in-app always present.
func dispatchChannels(rule model.AlertRule) []model.Channel {
	out := []model.Channel{model.ChannelInApp}
	for _, c := range rule.Channels {
		if c == model.ChannelInApp {
			continue
		}
		out = append(out, c)
	}
	return out
}
