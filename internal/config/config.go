package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig       `json:"log" yaml:"log"`
	Bus       BusConfig       `json:"bus" yaml:"bus"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Blocklist BlocklistConfig `json:"blocklist" yaml:"blocklist"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	API       APIConfig       `json:"api" yaml:"api"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type BusConfig struct {
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

type RateLimitConfig struct {
	Window      time.Duration `json:"window" yaml:"window"`
	MaxRequests int           `json:"max_requests" yaml:"max_requests"`
	Shards      int           `json:"shards" yaml:"shards"`
}

// DetectionConfig governs rule evaluation and the derived security level.
type DetectionConfig struct {
	AutoBlock     bool              `json:"auto_block" yaml:"auto_block"`
	DedupeWindow  time.Duration     `json:"dedupe_window" yaml:"dedupe_window"`
	AlertTTL      time.Duration     `json:"alert_ttl" yaml:"alert_ttl"`
	SweepInterval time.Duration     `json:"sweep_interval" yaml:"sweep_interval"`
	LevelPolicy   LevelPolicyConfig `json:"level_policy" yaml:"level_policy"`
}

// LevelPolicyConfig sets the thresholds for the low/medium/high/critical
// security level derived from the recent event mix: critical when any
// critical event landed inside Window, high when at least HighCount
// high-severity events did, medium when at least MediumCount events of
// medium or above did, low otherwise.
type LevelPolicyConfig struct {
	Window      time.Duration `json:"window" yaml:"window"`
	HighCount   int           `json:"high_count" yaml:"high_count"`
	MediumCount int           `json:"medium_count" yaml:"medium_count"`
}

type NotifyConfig struct {
	SendDeadline time.Duration `json:"send_deadline" yaml:"send_deadline"`
	Email        EmailConfig   `json:"email" yaml:"email"`
	Push         PushConfig    `json:"push" yaml:"push"`
}

type EmailConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	SMTPAddr string `json:"smtp_addr" yaml:"smtp_addr"`
	From     string `json:"from" yaml:"from"`
	To       string `json:"to" yaml:"to"`
}

// PushConfig routes push notifications through an AMQP exchange consumed
// by the marketplace's push gateway.
type PushConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	URL        string `json:"url" yaml:"url"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
}

type IngestConfig struct {
	REST  RESTConfig  `json:"rest" yaml:"rest"`
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type BlocklistConfig struct {
	Backend   string `json:"backend" yaml:"backend"`
	RedisURL  string `json:"redis_url" yaml:"redis_url"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type AlertsConfig struct {
	ActiveLimit int `json:"active_limit" yaml:"active_limit"`
}

type MetricsConfig struct {
	RecentThreats int `json:"recent_threats" yaml:"recent_threats"`
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Bus: BusConfig{QueueSize: 4096},
		RateLimit: RateLimitConfig{
			Window:      1 * time.Minute,
			MaxRequests: 120,
			Shards:      16,
		},
		Detection: DetectionConfig{
			AutoBlock:     true,
			DedupeWindow:  0,
			AlertTTL:      1 * time.Hour,
			SweepInterval: 30 * time.Second,
			LevelPolicy: LevelPolicyConfig{
				Window:      15 * time.Minute,
				HighCount:   3,
				MediumCount: 5,
			},
		},
		Notify: NotifyConfig{
			SendDeadline: 5 * time.Second,
			Email:        EmailConfig{Enabled: false, SMTPAddr: "localhost:25"},
			Push:         PushConfig{Enabled: false, Exchange: "marketguard.alerts", RoutingKey: "alert"},
		},
		Ingest: IngestConfig{
			REST:  RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka: KafkaConfig{Enabled: false},
		},
		Blocklist: BlocklistConfig{Backend: "memory", KeyPrefix: "marketguard:blocked"},
		Storage:   StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:marketguard.db?_pragma=busy_timeout(5000)"},
		API:       APIConfig{Enabled: true, Addr: ":8081"},
		Alerts:    AlertsConfig{ActiveLimit: 500},
		Metrics:   MetricsConfig{RecentThreats: 50},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Bus.QueueSize <= 0 {
		cfg.Bus.QueueSize = 4096
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = 1 * time.Minute
	}
	if cfg.RateLimit.MaxRequests <= 0 {
		cfg.RateLimit.MaxRequests = 120
	}
	if cfg.RateLimit.Shards <= 0 {
		cfg.RateLimit.Shards = 16
	}
	if cfg.Detection.AlertTTL <= 0 {
		cfg.Detection.AlertTTL = 1 * time.Hour
	}
	if cfg.Detection.SweepInterval <= 0 {
		cfg.Detection.SweepInterval = 30 * time.Second
	}
	if cfg.Detection.LevelPolicy.Window <= 0 {
		cfg.Detection.LevelPolicy.Window = 15 * time.Minute
	}
	if cfg.Detection.LevelPolicy.HighCount <= 0 {
		cfg.Detection.LevelPolicy.HighCount = 3
	}
	if cfg.Detection.LevelPolicy.MediumCount <= 0 {
		cfg.Detection.LevelPolicy.MediumCount = 5
	}
	if cfg.Notify.SendDeadline <= 0 {
		cfg.Notify.SendDeadline = 5 * time.Second
	}
	if cfg.Blocklist.Backend == "" {
		cfg.Blocklist.Backend = "memory"
	}
	if cfg.Blocklist.KeyPrefix == "" {
		cfg.Blocklist.KeyPrefix = "marketguard:blocked"
	}
	if cfg.Alerts.ActiveLimit <= 0 {
		cfg.Alerts.ActiveLimit = 500
	}
	if cfg.Metrics.RecentThreats <= 0 {
		cfg.Metrics.RecentThreats = 50
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	switch strings.ToLower(cfg.Blocklist.Backend) {
	case "memory":
	case "redis":
		if cfg.Blocklist.RedisURL == "" {
			return errors.New("blocklist.redis_url required when blocklist.backend is redis")
		}
	default:
		return fmt.Errorf("unsupported blocklist backend %q", cfg.Blocklist.Backend)
	}
	if cfg.Notify.Push.Enabled {
		if cfg.Notify.Push.URL == "" || cfg.Notify.Push.Exchange == "" {
			return errors.New("notify.push requires url and exchange")
		}
	}
	if cfg.Notify.Email.Enabled {
		if cfg.Notify.Email.SMTPAddr == "" || cfg.Notify.Email.From == "" || cfg.Notify.Email.To == "" {
			return errors.New("notify.email requires smtp_addr, from, to")
		}
	}
	return nil
}

// Manager holds the live configuration and supports mtime-based hot reload.
type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if info, err := os.Stat(path); err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file; Watch is
// a no-op and Update only swaps the live value. Used by tests and by the
// binary when no config file is given.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	applyDefaults(cfg)
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); m.path != "" && err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}
