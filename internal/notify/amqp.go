package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"marketguard/internal/model"
)

// PushSender publishes alert payloads to an AMQP exchange consumed by the
// marketplace's push gateway. The connection is opened lazily and rebuilt
// after a failed publish.
type PushSender struct {
	url        string
	exchange   string
	routingKey string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewPushSender(url, exchange, routingKey string) *PushSender {
	if routingKey == "" {
		routingKey = "alert"
	}
	return &PushSender{url: url, exchange: exchange, routingKey: routingKey}
}

func (s *PushSender) Channel() model.Channel {
	return model.ChannelPush
}

func (s *PushSender) Send(ctx context.Context, alert model.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureChannel(); err != nil {
		return err
	}
	err = s.ch.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		s.teardownLocked()
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

func (s *PushSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
	return nil
}

func (s *PushSender) ensureChannel() error {
	if s.ch != nil && !s.conn.IsClosed() {
		return nil
	}
	s.teardownLocked()
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	s.conn = conn
	s.ch = ch
	return nil
}

func (s *PushSender) teardownLocked() {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
