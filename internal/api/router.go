package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-xmv/internal/bridges/xmv"
)

// Default mount points when the config leaves them empty.
const (
	defaultMetricsPath   = "/metrics"
	defaultWebSocketPath = "/api/v1/ws"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/channels", func(r chi.Router) {
			r.Get("/", s.handleListChannels)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetChannel)
				r.Put("/power", s.handleSetPower)
				r.Put("/volume", s.handleSetVolume)
				r.Put("/mute", s.handleSetMute)
				r.Post("/refresh", s.handleRefreshChannel)
				r.Get("/history", s.handleChannelHistory)
			})
		})
	})

	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = defaultWebSocketPath
	}
	r.Get(wsPath, s.handleWebSocket)

	if s.cfg.Metrics.Enabled {
		metricsPath := s.cfg.Metrics.Path
		if metricsPath == "" {
			metricsPath = defaultMetricsPath
		}
		r.Handle(metricsPath, s.metrics.handler())
	}

	return r
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status        string          `json:"status"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Device        DeviceStatus    `json:"device"`
	WebSocket     WebSocketStatus `json:"websocket"`
}

// DeviceStatus summarises the device link.
type DeviceStatus struct {
	State           string     `json:"state"`
	Connected       bool       `json:"connected"`
	Channels        int        `json:"channels"`
	PendingCommands int        `json:"pending_commands"`
	LastActivity    *time.Time `json:"last_activity,omitempty"`
}

// WebSocketStatus reports connected WebSocket clients.
type WebSocketStatus struct {
	Clients int `json:"clients"`
}

// handleHealth reports "ok" when the device is connected and "degraded"
// otherwise. The endpoint itself always answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.ctrl.Stats()

	status := "ok"
	if stats.State != xmv.Connected {
		status = "degraded"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Device: DeviceStatus{
			State:           stats.State.String(),
			Connected:       stats.State == xmv.Connected,
			Channels:        len(s.ctrl.Channels()),
			PendingCommands: stats.PendingCommands,
		},
		WebSocket: WebSocketStatus{Clients: s.hub.ClientCount()},
	}
	if !stats.LastActivity.IsZero() {
		t := stats.LastActivity.UTC()
		resp.Device.LastActivity = &t
	}

	writeJSON(w, http.StatusOK, resp)
}
