package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"tunwatch/internal/alerts"
	"tunwatch/internal/logx"
	"tunwatch/internal/model"
	"tunwatch/internal/store"
)

// StatusSource supplies the live per-tunnel snapshot.
type StatusSource interface {
	Snapshot() []store.TunnelStatus
}

// Server exposes the watchdog's state over HTTP for dashboards and scripted
// checks. Read-only: state changes go through signals and the CLI, never this
// surface.
type Server struct {
	listen string
	status StatusSource
	alerts *alerts.Manager

	httpServer *http.Server
}

// NewServer constructs a telemetry server on the given listen address.
func NewServer(listen string, status StatusSource, alertLog *alerts.Manager) *Server {
	return &Server{listen: listen, status: status, alerts: alertLog}
}

// ListenAndServe runs the HTTP server until Shutdown.
func (s *Server) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/alerts", s.handleAlerts)

	s.httpServer = &http.Server{
		Addr:              s.listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logx.With(logrus.Fields{"listen": s.listen}).Info("telemetry listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, store.Status{
		UpdatedAt: time.Now().UTC(),
		Tunnels:   s.status.Snapshot(),
	})
}

// handleAlerts returns recent alerts, filtered by ?hours= (default 24) and
// ?severity= (INFO|WARNING|CRITICAL, default all).
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSONError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = parsed
	}

	severity := model.Severity(r.URL.Query().Get("severity"))
	switch severity {
	case "", model.SeverityInfo, model.SeverityWarning, model.SeverityCritical:
	default:
		writeJSONError(w, http.StatusBadRequest, "unknown severity")
		return
	}

	events := s.alerts.Recent(time.Duration(hours)*time.Hour, severity)
	if events == nil {
		events = []model.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
