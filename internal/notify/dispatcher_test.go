package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketguard/internal/model"
)

type stubSender struct {
	channel model.Channel
	err     error
	block   bool
	sent    int
}

func (s *stubSender) Channel() model.Channel { return s.channel }

func (s *stubSender) Send(ctx context.Context, _ model.Alert) error {
	s.sent++
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

func resultFor(t *testing.T, results []Result, ch model.Channel) Result {
	t.Helper()
	for _, r := range results {
		if r.Channel == ch {
			return r
		}
	}
	t.Fatalf("no result for channel %s", ch)
	return Result{}
}

func TestDispatchAllChannels(t *testing.T) {
	inApp := &stubSender{channel: model.ChannelInApp}
	push := &stubSender{channel: model.ChannelPush}
	email := &stubSender{channel: model.ChannelEmail}
	d := NewDispatcher(time.Second, nil, inApp, push, email)

	channels := []model.Channel{model.ChannelInApp, model.ChannelPush, model.ChannelEmail}
	results := d.Dispatch(context.Background(), model.Alert{ID: "a1"}, channels)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for _, ch := range channels {
		if r := resultFor(t, results, ch); !r.Delivered {
			t.Fatalf("channel %s not delivered: %s", ch, r.Error)
		}
	}
	if inApp.sent != 1 || push.sent != 1 || email.sent != 1 {
		t.Fatalf("send counts = %d/%d/%d", inApp.sent, push.sent, email.sent)
	}
}

func TestFailureIsolated(t *testing.T) {
	inApp := &stubSender{channel: model.ChannelInApp}
	push := &stubSender{channel: model.ChannelPush, err: errors.New("broker down")}
	d := NewDispatcher(time.Second, nil, inApp, push)

	results := d.Dispatch(context.Background(), model.Alert{ID: "a1"},
		[]model.Channel{model.ChannelInApp, model.ChannelPush})

	if r := resultFor(t, results, model.ChannelInApp); !r.Delivered {
		t.Fatalf("in-app delivery failed alongside push: %s", r.Error)
	}
	r := resultFor(t, results, model.ChannelPush)
	if r.Delivered {
		t.Fatalf("failed push reported delivered")
	}
	if r.Error != "broker down" {
		t.Fatalf("push error = %q", r.Error)
	}
	if d.Failures()[model.ChannelPush] != 1 {
		t.Fatalf("push failures = %d, want 1", d.Failures()[model.ChannelPush])
	}
	if d.Failures()[model.ChannelInApp] != 0 {
		t.Fatalf("in-app failures = %d, want 0", d.Failures()[model.ChannelInApp])
	}
}

func TestDeadlineAbandonsSlowSender(t *testing.T) {
	slow := &stubSender{channel: model.ChannelEmail, block: true}
	d := NewDispatcher(50*time.Millisecond, nil, slow)

	start := time.Now()
	results := d.Dispatch(context.Background(), model.Alert{ID: "a1"},
		[]model.Channel{model.ChannelEmail})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("dispatch took %v, deadline not enforced", elapsed)
	}
	r := resultFor(t, results, model.ChannelEmail)
	if r.Delivered {
		t.Fatalf("timed-out send reported delivered")
	}
	if r.Error == "" {
		t.Fatalf("timed-out send carries no error")
	}
}

func TestMissingSenderReported(t *testing.T) {
	d := NewDispatcher(time.Second, nil)
	results := d.Dispatch(context.Background(), model.Alert{ID: "a1"},
		[]model.Channel{model.ChannelPush})
	r := resultFor(t, results, model.ChannelPush)
	if r.Delivered || r.Error != "no sender configured" {
		t.Fatalf("result = %+v", r)
	}
}

func TestPanickingSenderCounted(t *testing.T) {
	panicky := &panicSender{}
	ok := &stubSender{channel: model.ChannelInApp}
	d := NewDispatcher(time.Second, nil, panicky, ok)

	results := d.Dispatch(context.Background(), model.Alert{ID: "a1"},
		[]model.Channel{model.ChannelInApp, model.ChannelPush})
	if r := resultFor(t, results, model.ChannelInApp); !r.Delivered {
		t.Fatalf("in-app delivery failed alongside sender panic")
	}
	if r := resultFor(t, results, model.ChannelPush); r.Delivered {
		t.Fatalf("panicking sender reported delivered")
	}
}

type panicSender struct{}

func (p *panicSender) Channel() model.Channel                  { return model.ChannelPush }
func (p *panicSender) Send(context.Context, model.Alert) error { panic("boom") }

func TestInAppFeed(t *testing.T) {
	feed := NewFeed(3)
	sender := NewInAppSender(feed)
	for i := 0; i < 5; i++ {
		alert := model.Alert{
			ID:        string(rune('a' + i)),
			Severity:  model.SeverityMedium,
			Timestamp: time.Now().UTC(),
		}
		if err := sender.Send(context.Background(), alert); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	list := feed.List(0)
	if len(list) != 3 {
		t.Fatalf("feed = %d entries, want 3", len(list))
	}
	if list[0].AlertID != "e" {
		t.Fatalf("feed[0] = %s, want newest first", list[0].AlertID)
	}
	if got := feed.List(2); len(got) != 2 {
		t.Fatalf("limited list = %d, want 2", len(got))
	}
	feed.Clear()
	if len(feed.List(0)) != 0 {
		t.Fatalf("feed not cleared")
	}
}
