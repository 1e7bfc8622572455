package notify

import (
	"context"
	"sync"
	"time"

	"marketguard/internal/model"
)

// Notification is one entry in the in-app feed polled by the UI.
type Notification struct {
	AlertID   string         `json:"alert_id"`
	Severity  model.Severity `json:"severity"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}

// Feed is a bounded, newest-last ring of in-app notifications.
type Feed struct {
	mu    sync.RWMutex
	buf   []Notification
	limit int
}

func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = 200
	}
	return &Feed{limit: limit}
}

func (f *Feed) push(n Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf) < f.limit {
		f.buf = append(f.buf, n)
		return
	}
	copy(f.buf, f.buf[1:])
	f.buf[len(f.buf)-1] = n
}

// List returns up to limit notifications, newest first. A limit of zero
// returns everything.
func (f *Feed) List(limit int) []Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if limit <= 0 || limit > len(f.buf) {
		limit = len(f.buf)
	}
	out := make([]Notification, 0, limit)
	for i := len(f.buf) - 1; i >= len(f.buf)-limit; i-- {
		out = append(out, f.buf[i])
	}
	return out
}

func (f *Feed) Clear() {
	f.mu.Lock()
	f.buf = nil
	f.mu.Unlock()
}

// InAppSender appends alerts to the feed. It never does I/O, which keeps
// the in-app channel near-immediate.
type InAppSender struct {
	feed *Feed
}

func NewInAppSender(feed *Feed) *InAppSender {
	return &InAppSender{feed: feed}
}

func (s *InAppSender) Channel() model.Channel {
	return model.ChannelInApp
}

func (s *InAppSender) Send(_ context.Context, alert model.Alert) error {
	s.feed.push(Notification{
		AlertID:   alert.ID,
		Severity:  alert.Severity,
		Message:   alert.Message,
		Timestamp: alert.Timestamp,
	})
	return nil
}
