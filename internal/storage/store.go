package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"marketguard/internal/config"
	"marketguard/internal/model"
)

// prefsKey is the key-value slot holding notification channel preferences.
const prefsKey = "channel_prefs"

// Store persists alert rules, channel preferences, and fired-alert history.
// Metrics and rate-limiter state are process-lifetime only and never stored.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, alert model.Alert) error
	LoadRules(ctx context.Context) ([]model.AlertRule, error)
	SaveRule(ctx context.Context, rule model.AlertRule) error
	DeleteRule(ctx context.Context, id string) error
	LoadPrefs(ctx context.Context) (model.ChannelPrefs, error)
	SavePrefs(ctx context.Context, prefs model.ChannelPrefs) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeChannels(raw string) []model.Channel {
	if raw == "" {
		return nil
	}
	var out []model.Channel
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func decodeConditions(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var out map[string]string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func decodePrefs(raw string, prefs *model.ChannelPrefs) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), prefs)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
