package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"marketguard/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/marketguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			enabled BOOLEAN NOT NULL,
			threshold INTEGER NOT NULL DEFAULT 0,
			window_ms BIGINT NOT NULL DEFAULT 0,
			channels_json JSONB NOT NULL DEFAULT '[]',
			conditions_json JSONB,
			auto_block BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alert_history (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			source TEXT,
			ts TIMESTAMPTZ NOT NULL,
			event_count INTEGER NOT NULL DEFAULT 1,
			dismissed BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_history_ts ON alert_history(ts)`,
		`CREATE TABLE IF NOT EXISTS kv_prefs (
			key TEXT PRIMARY KEY,
			value_json JSONB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_history (id, rule_id, severity, message, source, ts, event_count, dismissed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET event_count = EXCLUDED.event_count, dismissed = EXCLUDED.dismissed`,
		alert.ID,
		alert.RuleID,
		alert.Severity,
		alert.Message,
		alert.Source,
		alert.Timestamp.UTC(),
		alert.Count,
		alert.Dismissed,
	)
	return err
}

func (s *postgresStore) LoadRules(ctx context.Context) ([]model.AlertRule, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, severity, enabled, threshold, window_ms, channels_json, conditions_json, auto_block
		FROM alert_rules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AlertRule
	for rows.Next() {
		var r model.AlertRule
		var windowMs int64
		var channels string
		var conditions sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Severity, &r.Enabled, &r.Threshold, &windowMs, &channels, &conditions, &r.AutoBlock); err != nil {
			return nil, err
		}
		r.Window = time.Duration(windowMs) * time.Millisecond
		r.Channels = decodeChannels(channels)
		if conditions.Valid {
			r.Conditions = decodeConditions(conditions.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveRule(ctx context.Context, rule model.AlertRule) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_rules
		(id, name, type, severity, enabled, threshold, window_ms, channels_json, conditions_json, auto_block, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			severity = EXCLUDED.severity,
			enabled = EXCLUDED.enabled,
			threshold = EXCLUDED.threshold,
			window_ms = EXCLUDED.window_ms,
			channels_json = EXCLUDED.channels_json,
			conditions_json = EXCLUDED.conditions_json,
			auto_block = EXCLUDED.auto_block,
			updated_at = EXCLUDED.updated_at`,
		rule.ID,
		rule.Name,
		rule.Type,
		rule.Severity,
		rule.Enabled,
		rule.Threshold,
		rule.Window.Milliseconds(),
		encodeJSON(rule.Channels),
		encodeJSON(rule.Conditions),
		rule.AutoBlock,
		nowUTC(),
	)
	return err
}

func (s *postgresStore) DeleteRule(ctx context.Context, id string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	return err
}

func (s *postgresStore) LoadPrefs(ctx context.Context) (model.ChannelPrefs, error) {
	var prefs model.ChannelPrefs
	if s.db == nil {
		return prefs, nil
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value_json FROM kv_prefs WHERE key = $1`, prefsKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return prefs, nil
	}
	if err != nil {
		return prefs, err
	}
	return prefs, decodePrefs(raw, &prefs)
}

func (s *postgresStore) SavePrefs(ctx context.Context, prefs model.ChannelPrefs) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_prefs (key, value_json) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value_json = EXCLUDED.value_json`,
		prefsKey, encodeJSON(prefs))
	return err
}
