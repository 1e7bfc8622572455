package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"marketguard/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:marketguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			threshold INTEGER NOT NULL DEFAULT 0,
			window_ms INTEGER NOT NULL DEFAULT 0,
			channels_json TEXT NOT NULL DEFAULT '[]',
			conditions_json TEXT,
			auto_block INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alert_history (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			source TEXT,
			ts TEXT NOT NULL,
			event_count INTEGER NOT NULL DEFAULT 1,
			dismissed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_history_ts ON alert_history(ts)`,
		`CREATE TABLE IF NOT EXISTS kv_prefs (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO alert_history (id, rule_id, severity, message, source, ts, event_count, dismissed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.RuleID,
		alert.Severity,
		alert.Message,
		alert.Source,
		alert.Timestamp.UTC(),
		alert.Count,
		boolInt(alert.Dismissed),
	)
	return err
}

func (s *sqliteStore) LoadRules(ctx context.Context) ([]model.AlertRule, error) {
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
		var enabled, autoBlock int
		var windowMs int64
		var channels string
		var conditions sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Severity, &enabled, &r.Threshold, &windowMs, &channels, &conditions, &autoBlock); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		r.AutoBlock = autoBlock != 0
		r.Window = time.Duration(windowMs) * time.Millisecond
		r.Channels = decodeChannels(channels)
		if conditions.Valid {
			r.Conditions = decodeConditions(conditions.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveRule(ctx context.Context, rule model.AlertRule) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO alert_rules
		(id, name, type, severity, enabled, threshold, window_ms, channels_json, conditions_json, auto_block, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID,
		rule.Name,
		rule.Type,
		rule.Severity,
		boolInt(rule.Enabled),
		rule.Threshold,
		rule.Window.Milliseconds(),
		encodeJSON(rule.Channels),
		encodeJSON(rule.Conditions),
		boolInt(rule.AutoBlock),
		nowUTC(),
	)
	return err
}

func (s *sqliteStore) DeleteRule(ctx context.Context, id string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) LoadPrefs(ctx context.Context) (model.ChannelPrefs, error) {
	var prefs model.ChannelPrefs
	if s.db == nil {
		return prefs, nil
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value_json FROM kv_prefs WHERE key = ?`, prefsKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return prefs, nil
	}
	if err != nil {
		return prefs, err
	}
	return prefs, decodePrefs(raw, &prefs)
}

func (s *sqliteStore) SavePrefs(ctx context.Context, prefs model.ChannelPrefs) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv_prefs (key, value_json) VALUES (?, ?)`,
		prefsKey, encodeJSON(prefs))
	return err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
