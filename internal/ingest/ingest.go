package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"marketguard/internal/model"
)

// wireEvent is the JSON shape collaborators report. Timestamp is optional
// RFC3339; when absent the receive time is used.
type wireEvent struct {
	Type      string            `json:"type"`
	Severity  string            `json:"severity"`
	Source    string            `json:"source"`
	Timestamp string            `json:"timestamp,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// decodeEvent validates at the boundary so malformed events are never
// enqueued.
func decodeEvent(raw json.RawMessage) (model.SecurityEvent, error) {
	var we wireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		return model.SecurityEvent{}, fmt.Errorf("decode event: %w", err)
	}
	sev, err := model.ParseSeverity(we.Severity)
	if err != nil {
		return model.SecurityEvent{}, err
	}
	ev := model.SecurityEvent{
		Type:     model.EventType(strings.ToLower(strings.TrimSpace(we.Type))),
		Severity: sev,
		Source:   strings.TrimSpace(we.Source),
		Payload:  we.Payload,
	}
	if we.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, we.Timestamp)
		if err != nil {
			return model.SecurityEvent{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ev.Timestamp = ts.UTC()
	} else {
		ev.Timestamp = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return model.SecurityEvent{}, err
	}
	return ev, nil
}

// BackoffSleep waits d or until the context ends, for retry loops.
func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
