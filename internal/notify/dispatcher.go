package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketguard/internal/model"
)

// Sender delivers an alert over one channel. Implementations must respect
// the context deadline; sends past it are abandoned, never left hanging.
type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, alert model.Alert) error
}

// Result is the structured per-channel outcome of a dispatch.
type Result struct {
	Channel   model.Channel `json:"channel"`
	Delivered bool          `json:"delivered"`
	Error     string        `json:"error,omitempty"`
}

// Dispatcher fans a fired alert out to its channels. Channel failures are
// isolated: one channel failing never stops delivery to the others. There
// is no retry; a retry policy can be layered as a Sender decorator without
// changing this contract.
type Dispatcher struct {
	deadline time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	senders  map[model.Channel]Sender
	failures map[model.Channel]int64
}

func NewDispatcher(deadline time.Duration, logger *slog.Logger, senders ...Sender) *Dispatcher {
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	d := &Dispatcher{
		deadline: deadline,
		logger:   logger,
		senders:  make(map[model.Channel]Sender),
		failures: make(map[model.Channel]int64),
	}
	for _, s := range senders {
		if s != nil {
			d.senders[s.Channel()] = s
		}
	}
	return d
}

// Register adds or replaces the sender for a channel.
func (d *Dispatcher) Register(s Sender) {
	if s == nil {
		return
	}
	d.mu.Lock()
	d.senders[s.Channel()] = s
	d.mu.Unlock()
}

// Unregister removes the sender for a channel, if any.
func (d *Dispatcher) Unregister(ch model.Channel) {
	d.mu.Lock()
	delete(d.senders, ch)
	d.mu.Unlock()
}

// Channels returns the channels that currently have a sender.
func (d *Dispatcher) Channels() []model.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Channel, 0, len(d.senders))
	for c := range d.senders {
		out = append(out, c)
	}
	return out
}

// Dispatch sends the alert to each requested channel. The in-app channel
// is delivered synchronously on the calling goroutine; the rest run
// concurrently under the send deadline. Dispatch waits for all channels
// and returns one Result per requested channel, so callers that must not
// block run it on a background goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, alert model.Alert, channels []model.Channel) []Result {
	results := make([]Result, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		d.mu.Lock()
		sender, ok := d.senders[ch]
		d.mu.Unlock()
		if !ok {
			results[i] = Result{Channel: ch, Error: "no sender configured"}
			continue
		}
		if ch == model.ChannelInApp {
			results[i] = d.send(ctx, sender, alert)
			continue
		}
		wg.Add(1)
		go func(i int, sender Sender) {
			defer wg.Done()
			results[i] = d.send(ctx, sender, alert)
		}(i, sender)
	}
	wg.Wait()
	return results
}

// Failures returns the per-channel failure counters.
func (d *Dispatcher) Failures() map[model.Channel]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[model.Channel]int64, len(d.failures))
	for c, n := range d.failures {
		out[c] = n
	}
	return out
}

func (d *Dispatcher) send(ctx context.Context, sender Sender, alert model.Alert) Result {
	sendCtx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- &panicError{value: r}
			}
		}()
		errCh <- sender.Send(sendCtx, alert)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-sendCtx.Done():
		err = sendCtx.Err()
	}
	if err != nil {
		d.mu.Lock()
		d.failures[sender.Channel()]++
		d.mu.Unlock()
		if d.logger != nil {
			d.logger.Warn("notification send failed",
				"channel", sender.Channel(), "alert_id", alert.ID, "err", err)
		}
		return Result{Channel: sender.Channel(), Error: err.Error()}
	}
	return Result{Channel: sender.Channel(), Delivered: true}
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return "sender panic"
}
