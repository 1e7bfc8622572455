package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type EventType string

const (
	EventFailedAuthentication EventType = "failed_authentication"
	EventRateLimitExceeded    EventType = "rate_limit_exceeded"
	EventRoleChange           EventType = "role_change"
	EventSuspiciousPattern    EventType = "suspicious_pattern"
	EventCustom               EventType = "custom"
)

// MatchAnyType is the rule type wildcard that matches every event type.
const MatchAnyType = "any"

var knownEventTypes = map[EventType]struct{}{
	EventFailedAuthentication: {},
	EventRateLimitExceeded:    {},
	EventRoleChange:           {},
	EventSuspiciousPattern:    {},
	EventCustom:               {},
}

func ValidEventType(t EventType) bool {
	_, ok := knownEventTypes[t]
	return ok
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the severity ordinal (low < medium < high < critical).
// Unknown severities rank below low.
func (s Severity) Rank() int {
	return severityRank[s]
}

func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := severityRank[s]; !ok {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}

type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

func ValidChannel(c Channel) bool {
	switch c {
	case ChannelInApp, ChannelPush, ChannelEmail:
		return true
	}
	return false
}

// SecurityEvent is an immutable record of a security-relevant occurrence
// reported by a collaborator. It is retained only inside rolling windows
// and ring buffers.
type SecurityEvent struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// Validate rejects malformed events at the boundary so they are never
// enqueued.
func (e SecurityEvent) Validate() error {
	if !ValidEventType(e.Type) {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if _, ok := severityRank[e.Severity]; !ok {
		return fmt.Errorf("unknown severity %q", e.Severity)
	}
	if strings.TrimSpace(e.Source) == "" {
		return errors.New("event source is empty")
	}
	return nil
}

// AlertRule is a configured condition that produces an Alert when matched.
// Type names an event type or MatchAnyType; Severity is the minimum event
// severity that matches. Threshold and Window are both set for windowed
// rules and both zero for immediate rules.
type AlertRule struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Severity   Severity          `json:"severity"`
	Enabled    bool              `json:"enabled"`
	Threshold  int               `json:"threshold,omitempty"`
	Window     time.Duration     `json:"window,omitempty"`
	Channels   []Channel         `json:"channels,omitempty"`
	Conditions map[string]string `json:"conditions,omitempty"`
	AutoBlock  bool              `json:"auto_block,omitempty"`
}

// Windowed reports whether the rule aggregates matching events over a
// sliding window before firing.
func (r AlertRule) Windowed() bool {
	return r.Threshold > 0 && r.Window > 0
}

// Alert is the short-lived entity produced when a rule fires. Count tracks
// additional matches that landed inside the same window.
type Alert struct {
	ID        string    `json:"id"`
	RuleID    string    `json:"rule_id"`
	RuleName  string    `json:"rule_name,omitempty"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
	Dismissed bool      `json:"dismissed"`
}

// ThreatEntry is the compact recent-threat tuple kept in the metrics ring
// buffer, newest first.
type ThreatEntry struct {
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// SecurityMetrics is a point-in-time snapshot of the aggregator state.
// Readers always get a private copy.
type SecurityMetrics struct {
	TotalEvents         int64         `json:"total_events"`
	CriticalEvents      int64         `json:"critical_events"`
	RateLimitViolations int64         `json:"rate_limit_violations"`
	DroppedEvents       int64         `json:"dropped_events"`
	BlockedIPs          []string      `json:"blocked_ips"`
	RecentThreats       []ThreatEntry `json:"recent_threats"`
	SecurityLevel       Severity      `json:"security_level"`
}

// AlertStats is the condensed rule/notification summary exposed to the UI.
type AlertStats struct {
	ActiveAlerts              int  `json:"active_alerts"`
	ActiveRules               int  `json:"active_rules"`
	TotalRules                int  `json:"total_rules"`
	HasNotificationPermission bool `json:"has_notification_permission"`
}

// ChannelPrefs is the persisted notification preference record.
type ChannelPrefs struct {
	EmailAddress string    `json:"email_address,omitempty"`
	Enabled      []Channel `json:"enabled,omitempty"`
}

// RateDecision is the outcome of a rate-limiter check. Remaining is never
// negative.
type RateDecision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}
