package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"marketguard/internal/bus"
	"marketguard/internal/config"
)

// StartKafka consumes security events from a Kafka topic and publishes
// them to the bus. Read errors back off and continue; malformed messages
// are counted against the logger only.
func StartKafka(ctx context.Context, cfg *config.Manager, b *bus.Bus, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, 0) {
					return
				}
				continue
			}
			ev, err := decodeEvent(m.Value)
			if err != nil {
				if logger != nil {
					logger.Warn("rejected malformed kafka event", "err", err)
				}
				continue
			}
			b.Publish(ev)
		}
	}()
}
