package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketguard/internal/config"
	"marketguard/internal/model"
	"marketguard/internal/monitor"
	"marketguard/internal/rules"
)

type Server struct {
	cfg     *config.Manager
	monitor *monitor.Monitor
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path,omitempty"`
	Ingest     ingestStatus    `json:"ingest"`
	Channels   []model.Channel `json:"channels"`
}

type ingestStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
}

func Start(ctx context.Context, cfg *config.Manager, mon *monitor.Monitor, logger *slog.Logger, version string) *http.Server {
	if cfg == nil || mon == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{cfg: cfg, monitor: mon, logger: logger, version: version}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/metrics", server.handleMetrics)
	mux.HandleFunc("/alerts", server.handleAlerts)
	mux.HandleFunc("/alerts/dismiss", server.handleDismiss)
	mux.HandleFunc("/alerts/test", server.handleTestAlert)
	mux.HandleFunc("/alerts/stats", server.handleAlertStats)
	mux.HandleFunc("/notifications", server.handleNotifications)
	mux.HandleFunc("/notifications/prefs", server.handlePrefs)
	mux.HandleFunc("/rules", server.handleRules)
	mux.HandleFunc("/rules/", server.handleRuleByID)
	mux.HandleFunc("/blocklist", server.handleBlocklist)
	mux.HandleFunc("/blocklist/block", server.handleBlock)
	mux.HandleFunc("/blocklist/unblock", server.handleUnblock)
	mux.HandleFunc("/admin/reset", server.handleReset)

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:  cfg.Ingest.REST.Enabled,
			Kafka: cfg.Ingest.Kafka.Enabled,
		},
		Channels: s.monitor.Channels(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.GetMetrics())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list := s.monitor.GetActiveAlerts()
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if !decodeBody(w, r, &req) || req.ID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	dismissed, err := s.monitor.DismissAlert(req.ID)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, dismissed)
}

func (s *Server) handleTestAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	alert, results := s.monitor.TriggerTestAlert()
	writeJSON(w, http.StatusOK, map[string]any{
		"alert":   alert,
		"results": results,
	})
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.GetAlertStats())
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	list := s.monitor.Notifications(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": list,
		"count":         len(list),
	})
}

func (s *Server) handlePrefs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.monitor.ChannelPrefs())
	case http.MethodPost:
		var prefs model.ChannelPrefs
		if !decodeBody(w, r, &prefs) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := s.monitor.UpdateChannelPrefs(prefs); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, s.monitor.ChannelPrefs())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list := s.monitor.Rules()
		writeJSON(w, http.StatusOK, map[string]any{
			"rules": list,
			"count": len(list),
		})
	case http.MethodPost:
		var rule model.AlertRule
		if !decodeBody(w, r, &rule) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		saved, err := s.monitor.ConfigureRule(rule)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleRuleByID serves /rules/{id}, /rules/{id}/toggle, and
// /rules/{id}/threshold.
func (s *Server) handleRuleByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/rules/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodDelete:
		if err := s.monitor.DeleteRule(id); err != nil {
			s.ruleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case action == "toggle" && r.Method == http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if !decodeBody(w, r, &req) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := s.monitor.ToggleRule(id, req.Enabled); err != nil {
			s.ruleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case action == "threshold" && r.Method == http.MethodPost:
		var req struct {
			Threshold int    `json:"threshold"`
			Window    string `json:"window"`
		}
		if !decodeBody(w, r, &req) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		window, err := time.ParseDuration(req.Window)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid window duration"})
			return
		}
		if err := s.monitor.SetRuleThreshold(id, req.Threshold, window); err != nil {
			s.ruleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entries := s.monitor.Blocklist()
	writeJSON(w, http.StatusOK, map[string]any{
		"blocked": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		IP     string `json:"ip"`
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) || req.IP == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.monitor.BlockIP(req.IP, req.Reason); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		IP string `json:"ip"`
	}
	if !decodeBody(w, r, &req) || req.IP == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.monitor.UnblockIP(req.IP); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.monitor.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) ruleError(w http.ResponseWriter, err error) {
	if errors.Is(err, rules.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return false
	}
	return json.Unmarshal(body, dst) == nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
