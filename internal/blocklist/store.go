package blocklist

import (
	"context"
	"errors"
	"strings"
	"time"

	"marketguard/internal/config"
)

// Entry records one blocked identifier with the most recent block reason.
type Entry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason,omitempty"`
	BlockedAt time.Time `json:"blocked_at"`
}

// Store is a mutable set of blocked identifiers. Block and Unblock are
// idempotent: re-blocking updates reason and timestamp without duplicating,
// unblocking a non-member is a no-op.
type Store interface {
	Block(ctx context.Context, ip, reason string) error
	Unblock(ctx context.Context, ip string) error
	IsBlocked(ctx context.Context, ip string) (bool, error)
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

func NewStore(cfg config.BlocklistConfig) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.RedisURL, cfg.KeyPrefix)
	default:
		return nil, errors.New("unsupported blocklist backend")
	}
}
