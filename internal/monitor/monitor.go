package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketguard/internal/alerts"
	"marketguard/internal/blocklist"
	"marketguard/internal/bus"
	"marketguard/internal/config"
	"marketguard/internal/engine"
	"marketguard/internal/metrics"
	"marketguard/internal/model"
	"marketguard/internal/notify"
	"marketguard/internal/ratelimit"
	"marketguard/internal/rules"
	"marketguard/internal/storage"
)

var ErrAlertNotFound = errors.New("alert not found")

// Monitor wires the event bus, rule engine, rate limiter, aggregator,
// block store, and dispatcher into one explicitly constructed unit.
// Collaborators report events in; UI and monitoring collaborators read
// alerts and metrics out.
type Monitor struct {
	cfg        *config.Manager
	logger     *slog.Logger
	bus        *bus.Bus
	limiter    *ratelimit.Limiter
	blocklist  blocklist.Store
	rules      *rules.Set
	engine     *engine.Engine
	aggregator *metrics.Aggregator
	alerts     *alerts.Store
	dispatcher *notify.Dispatcher
	feed       *notify.Feed
	store      storage.Store

	prefsMu sync.Mutex
	prefs   model.ChannelPrefs

	cancel context.CancelFunc
}

func New(cfg *config.Manager, logger *slog.Logger) (*Monitor, error) {
	current := cfg.Get()

	store, err := storage.NewStore(current.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("storage init: %w", err)
		}
	}

	blockStore, err := blocklist.NewStore(current.Blocklist)
	if err != nil {
		return nil, fmt.Errorf("blocklist: %w", err)
	}

	ruleSet := rules.NewSet(store, logger)
	if err := ruleSet.Load(context.Background()); err != nil {
		return nil, err
	}

	var prefs model.ChannelPrefs
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		loaded, err := store.LoadPrefs(ctx)
		cancel()
		if err != nil {
			if logger != nil {
				logger.Warn("channel prefs load failed", "err", err)
			}
		} else {
			prefs = loaded
		}
	}

	feed := notify.NewFeed(0)
	dispatcher := notify.NewDispatcher(current.Notify.SendDeadline, logger, notify.NewInAppSender(feed))

	alertStore := alerts.NewStore(current.Alerts.ActiveLimit)
	eng := engine.New(current, logger, ruleSet, alertStore, blockStore, dispatcher, store)

	agg := metrics.NewAggregator(current.Metrics.RecentThreats, metrics.LevelPolicy{
		Window:      current.Detection.LevelPolicy.Window,
		HighCount:   current.Detection.LevelPolicy.HighCount,
		MediumCount: current.Detection.LevelPolicy.MediumCount,
	})

	b := bus.New(current.Bus.QueueSize, logger)
	b.Subscribe(eng.HandleEvent)
	b.Subscribe(agg.Record)

	m := &Monitor{
		cfg:        cfg,
		logger:     logger,
		bus:        b,
		limiter:    ratelimit.New(current.RateLimit.Window, current.RateLimit.MaxRequests, current.RateLimit.Shards),
		blocklist:  blockStore,
		rules:      ruleSet,
		engine:     eng,
		aggregator: agg,
		alerts:     alertStore,
		dispatcher: dispatcher,
		feed:       feed,
		store:      store,
	}
	m.prefs = prefs
	m.applyChannelPrefs(current, prefs)
	agg.SetBlockedProvider(m.blockedIPs)
	agg.SetDroppedProvider(b.Dropped)
	return m, nil
}

// applyChannelPrefs reconciles push/email senders against the config and
// the stored preference record. Stored prefs override the config's enabled
// flags and email recipient; channels whose transport is not configured
// stay unregistered.
func (m *Monitor) applyChannelPrefs(cfg *config.Config, prefs model.ChannelPrefs) {
	pushOn := cfg.Notify.Push.Enabled
	emailOn := cfg.Notify.Email.Enabled
	if len(prefs.Enabled) > 0 {
		pushOn, emailOn = false, false
		for _, c := range prefs.Enabled {
			switch c {
			case model.ChannelPush:
				pushOn = true
			case model.ChannelEmail:
				emailOn = true
			}
		}
	}

	if pushOn && cfg.Notify.Push.URL != "" && cfg.Notify.Push.Exchange != "" {
		m.dispatcher.Register(notify.NewPushSender(
			cfg.Notify.Push.URL,
			cfg.Notify.Push.Exchange,
			cfg.Notify.Push.RoutingKey,
		))
	} else {
		if pushOn && m.logger != nil {
			m.logger.Warn("push channel enabled but not configured")
		}
		m.dispatcher.Unregister(model.ChannelPush)
	}

	to := cfg.Notify.Email.To
	if prefs.EmailAddress != "" {
		to = prefs.EmailAddress
	}
	if emailOn && cfg.Notify.Email.SMTPAddr != "" && cfg.Notify.Email.From != "" && to != "" {
		m.dispatcher.Register(notify.NewEmailSender(cfg.Notify.Email.SMTPAddr, cfg.Notify.Email.From, to))
	} else {
		if emailOn && m.logger != nil {
			m.logger.Warn("email channel enabled but not configured")
		}
		m.dispatcher.Unregister(model.ChannelEmail)
	}
}

// ChannelPrefs returns the current notification preference record.
func (m *Monitor) ChannelPrefs() model.ChannelPrefs {
	m.prefsMu.Lock()
	defer m.prefsMu.Unlock()
	out := model.ChannelPrefs{EmailAddress: m.prefs.EmailAddress}
	out.Enabled = append(out.Enabled, m.prefs.Enabled...)
	return out
}

// UpdateChannelPrefs validates, persists, and applies a new preference
// record. The in-app channel is always delivered and cannot be disabled.
func (m *Monitor) UpdateChannelPrefs(prefs model.ChannelPrefs) error {
	for _, c := range prefs.Enabled {
		if !model.ValidChannel(c) {
			return fmt.Errorf("unknown channel %q", c)
		}
	}
	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.SavePrefs(ctx, prefs); err != nil {
			return fmt.Errorf("save prefs: %w", err)
		}
	}
	m.prefsMu.Lock()
	m.prefs = prefs
	m.prefsMu.Unlock()
	m.applyChannelPrefs(m.cfg.Get(), prefs)
	return nil
}

// Start launches the bus consumer, the periodic sweeper, and the config
// watcher. All of them stop when Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.bus.Run(runCtx)
	go m.sweepLoop(runCtx)
	go m.cfg.Watch(0, m.applyConfig, func(err error) {
		if m.logger != nil {
			m.logger.Warn("config reload failed", "err", err)
		}
	}, runCtx.Done())
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.blocklist != nil {
		_ = m.blocklist.Close()
	}
	if m.store != nil {
		_ = m.store.Close()
	}
}

// ReportEvent is the inbound surface for collaborators (auth flow, upload
// validators, ad moderation). Malformed input is rejected synchronously
// and never enqueued.
func (m *Monitor) ReportEvent(eventType model.EventType, severity model.Severity, source string, payload map[string]string) error {
	ev := model.SecurityEvent{
		Type:      eventType,
		Severity:  severity,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	m.bus.Publish(ev)
	return nil
}

// AllowRequest checks the caller's key against the rate limiter. A denied
// request reports a rate_limit_exceeded event, which feeds the aggregator
// and any matching rules (including auto-block).
func (m *Monitor) AllowRequest(key string) model.RateDecision {
	d := m.limiter.Allow(key)
	if !d.Allowed {
		_ = m.ReportEvent(model.EventRateLimitExceeded, model.SeverityMedium, key, map[string]string{
			"reset_at": d.ResetAt.UTC().Format(time.RFC3339),
		})
	}
	return d
}

func (m *Monitor) GetMetrics() model.SecurityMetrics {
	snap := m.aggregator.Snapshot()
	if v := m.limiter.Violations(); v > snap.RateLimitViolations {
		snap.RateLimitViolations = v
	}
	return snap
}

func (m *Monitor) GetActiveAlerts() []model.Alert {
	return m.alerts.Active()
}

// DismissAlert removes the alert from the active list and returns the
// dismissed copy. Historical counts are unaffected.
func (m *Monitor) DismissAlert(id string) (model.Alert, error) {
	a, ok := m.alerts.Dismiss(id)
	if !ok {
		return model.Alert{}, ErrAlertNotFound
	}
	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.store.SaveAlert(ctx, a); err != nil && m.logger != nil {
			m.logger.Warn("alert history update failed", "id", id, "err", err)
		}
	}
	return a, nil
}

func (m *Monitor) GetAlertStats() model.AlertStats {
	active, total := m.rules.Stats()
	channels := m.dispatcher.Channels()
	hasExternal := false
	for _, c := range channels {
		if c != model.ChannelInApp {
			hasExternal = true
		}
	}
	return model.AlertStats{
		ActiveAlerts:              m.alerts.Len(),
		ActiveRules:               active,
		TotalRules:                total,
		HasNotificationPermission: hasExternal,
	}
}

// TriggerTestAlert injects a synthetic alert through the dispatcher so an
// operator can verify the notification path end to end.
func (m *Monitor) TriggerTestAlert() (model.Alert, []notify.Result) {
	alert := model.Alert{
		ID:        uuid.NewString(),
		RuleID:    "self-test",
		RuleName:  "self-test",
		Severity:  model.SeverityLow,
		Message:   "test alert: notification path check",
		Source:    "self-test",
		Timestamp: time.Now().UTC(),
		Count:     1,
	}
	m.alerts.Add(alert)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Get().Notify.SendDeadline+time.Second)
	defer cancel()
	results := m.dispatcher.Dispatch(ctx, alert, m.dispatcher.Channels())
	return alert, results
}

func (m *Monitor) Notifications(limit int) []notify.Notification {
	return m.feed.List(limit)
}

// Channels returns the channels that currently have a sender, in stable order.
func (m *Monitor) Channels() []model.Channel {
	list := m.dispatcher.Channels()
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// ConfigureRule validates and persists a rule, surfacing validation errors
// to the administrative caller.
func (m *Monitor) ConfigureRule(r model.AlertRule) (model.AlertRule, error) {
	return m.rules.Upsert(context.Background(), r)
}

func (m *Monitor) ToggleRule(id string, enabled bool) error {
	if err := m.rules.Toggle(context.Background(), id, enabled); err != nil {
		return err
	}
	if !enabled {
		// disabling a rule drops its in-flight window counter
		m.engine.DropWindow(id)
	}
	return nil
}

func (m *Monitor) SetRuleThreshold(id string, threshold int, window time.Duration) error {
	return m.rules.SetThreshold(context.Background(), id, threshold, window)
}

func (m *Monitor) DeleteRule(id string) error {
	if err := m.rules.Delete(context.Background(), id); err != nil {
		return err
	}
	m.engine.DropWindow(id)
	return nil
}

func (m *Monitor) Rules() []model.AlertRule {
	return m.rules.All()
}

func (m *Monitor) BlockIP(ip, reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return m.blocklist.Block(ctx, ip, reason)
}

func (m *Monitor) UnblockIP(ip string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return m.blocklist.Unblock(ctx, ip)
}

func (m *Monitor) IsBlocked(ip string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	blocked, err := m.blocklist.IsBlocked(ctx, ip)
	if err != nil && m.logger != nil {
		m.logger.Warn("blocklist lookup failed", "ip", ip, "err", err)
	}
	return blocked
}

func (m *Monitor) Blocklist() []blocklist.Entry {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entries, err := m.blocklist.List(ctx)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("blocklist list failed", "err", err)
		}
		return nil
	}
	return entries
}

// Reset clears in-memory state: windows, active alerts, metrics, feed.
// Rules and the block store survive.
func (m *Monitor) Reset() {
	m.engine.Reset()
	m.alerts.Clear()
	m.aggregator.Clear()
	m.feed.Clear()
}

func (m *Monitor) Bus() *bus.Bus {
	return m.bus
}

func (m *Monitor) applyConfig(cfg *config.Config) {
	m.engine.UpdateConfig(cfg)
	m.applyChannelPrefs(cfg, m.ChannelPrefs())
	if m.logger != nil {
		m.logger.Info("config reloaded")
	}
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	interval := m.cfg.Get().Detection.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce(time.Now().UTC())
		case <-ctx.Done():
			return
		}
	}
}

// sweepOnce is idempotent and safe to run concurrently with event
// delivery.
func (m *Monitor) sweepOnce(now time.Time) {
	defer func() {
		if r := recover(); r != nil && m.logger != nil {
			m.logger.Error("sweep panic", "panic", r)
		}
	}()
	evicted := m.limiter.Sweep(now)
	m.engine.Sweep(now)
	expired := m.alerts.SweepExpired(now, m.cfg.Get().Detection.AlertTTL)
	if (evicted > 0 || expired > 0) && m.logger != nil {
		m.logger.Debug("sweep complete", "rate_keys_evicted", evicted, "alerts_expired", expired)
	}
}

func (m *Monitor) blockedIPs() []string {
	entries := m.Blocklist()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.IP)
	}
	return out
}
