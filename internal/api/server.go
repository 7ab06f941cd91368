// Package api implements the status/control surface: a read-only
// status/metrics surface plus manual scale and delete endpoints, all of
// which route through the controller's own mutex so a manual HTTP call
// can never race a periodic task.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runnerctl/runnerctl/internal/config"
	"github.com/runnerctl/runnerctl/internal/controller"
	"github.com/runnerctl/runnerctl/internal/eventlog"
	"github.com/runnerctl/runnerctl/internal/metrics"
)

// ctrl is the subset of *controller.Controller the server calls, declared
// as an interface so tests can substitute a fake controller.
type ctrl interface {
	Status(ctx context.Context) controller.Status
	JoinedWorkers(ctx context.Context) ([]controller.WorkerView, error)
	ManualScaleUp(ctx context.Context, count int) (int, error)
	ManualScaleDown(ctx context.Context, count int) (int, error)
	ManualDelete(ctx context.Context, workerName string) error
	GetLogs(ctx context.Context, workerName string, tail int) (string, error)
	RecentEvents(n int) []eventlog.Event
}

// Server hosts the HTTP surface: health, status, workers, manual scale,
// per-worker logs and delete, and a Prometheus scrape endpoint.
type Server struct {
	cfg        *config.Config
	controller ctrl
	metrics    *metrics.Metrics
	promReg    *prometheus.Registry
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates the Status/Control Surface server.
func New(cfg *config.Config, c ctrl, met *metrics.Metrics, promReg *prometheus.Registry, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		controller: c,
		metrics:    met,
		promReg:    promReg,
		logger:     logger.With("component", "api-server"),
	}
}

// Start serves the HTTP surface until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	healthPath := s.cfg.Observability.HealthCheckPath
	if healthPath == "" {
		healthPath = "/health"
	}
	metricsPath := s.cfg.Observability.MetricsPath
	if metricsPath == "" {
		metricsPath = "/api/v1/metrics"
	}
	mux.HandleFunc("GET "+healthPath, s.handleHealth)
	mux.Handle("GET "+metricsPath, promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/workers", s.handleWorkers)
	mux.HandleFunc("POST /api/v1/workers/scale-up", s.handleScaleUp)
	mux.HandleFunc("POST /api/v1/workers/scale-down", s.handleScaleDown)
	mux.HandleFunc("GET /api/v1/workers/{id}/logs", s.handleLogs)
	mux.HandleFunc("DELETE /api/v1/workers/{id}", s.handleDelete)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Address, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.logger.Info("starting API server", "address", addr)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
		close(shutdownDone)
	}()

	err := s.httpServer.ListenAndServe()
	<-shutdownDone
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"running": true,
	})
}

// statusResponse is the full controller state plus the derived counters
// /status exposes.
type statusResponse struct {
	Timestamp time.Time `json:"timestamp"`

	Active              int `json:"active"`
	RegisteredRunning   int `json:"registered_running"`
	UnregisteredRunning int `json:"unregistered_running"`

	RuntimeCount int `json:"runtime_count"`
	OnlineCount  int `json:"online_count"`
	BusyCount    int `json:"busy_count"`
	MinRunners   int `json:"min_runners"`
	MaxRunners   int `json:"max_runners"`

	TotalCreated         int       `json:"total_created"`
	TotalDestroyed       int       `json:"total_destroyed"`
	FailedScaleAttempts  int       `json:"failed_scale_attempts"`
	CircuitBreakerActive bool      `json:"circuit_breaker_active"`
	IgnoredExisting      int       `json:"ignored_existing"`
	LastScaleAction      string    `json:"last_scale_action"`
	LastPollAt           time.Time `json:"last_poll_at"`
	QueueLength          int       `json:"current_queue_length"`

	RecentEvents []eventlog.Event `json:"recent_events,omitempty"`

	Degraded struct {
		Active      bool   `json:"active"`
		Adapter     string `json:"adapter,omitempty"`
		QueueSignal bool   `json:"queue_signal"`
	} `json:"degraded"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.controller.Status(r.Context())

	resp := statusResponse{
		Timestamp:            st.Timestamp,
		Active:               st.RuntimeCount,
		RegisteredRunning:    st.OnlineCount,
		RuntimeCount:         st.RuntimeCount,
		OnlineCount:          st.OnlineCount,
		BusyCount:            st.BusyCount,
		MinRunners:           st.MinRunners,
		MaxRunners:           st.MaxRunners,
		TotalCreated:         st.TotalCreated,
		TotalDestroyed:       st.TotalDestroyed,
		FailedScaleAttempts:  st.FailedScaleAttempts,
		CircuitBreakerActive: st.CircuitBreakerActive,
		IgnoredExisting:      st.IgnoredExisting,
		LastScaleAction:      st.LastScaleAction,
		LastPollAt:           st.LastPollAt,
		QueueLength:          st.QueueLength,
		RecentEvents:         s.controller.RecentEvents(20),
	}
	if st.RuntimeCount > st.OnlineCount {
		resp.UnregisteredRunning = st.RuntimeCount - st.OnlineCount
	}
	resp.Degraded.Active = st.Degraded
	resp.Degraded.Adapter = st.DegradedAdapter
	resp.Degraded.QueueSignal = !st.DegradedQueueSignal

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	views, err := s.controller.JoinedWorkers(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to join worker views", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(views),
		"workers":   views,
	})
}

type scaleRequest struct {
	Count int `json:"count"`
}

func (s *Server) handleScaleUp(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	decodeOptionalJSON(r, &req)

	created, err := s.controller.ManualScaleUp(r.Context(), req.Count)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"created": created})
}

func (s *Server) handleScaleDown(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	decodeOptionalJSON(r, &req)

	removed, err := s.controller.ManualScaleDown(r.Context(), req.Count)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.controller.ManualDelete(r.Context(), id); err != nil {
		s.writeControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tail := 200
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}

	logs, err := s.controller.GetLogs(r.Context(), id, tail)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(logs))
}

// writeControllerError maps the controller's sentinel errors onto HTTP
// status codes: a DELETE on a busy worker refuses with 409.
func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, controller.ErrWorkerBusy):
		s.writeError(w, http.StatusConflict, "worker is busy", err)
	case errors.Is(err, controller.ErrWorkerNotFound):
		s.writeError(w, http.StatusNotFound, "worker not found", err)
	case errors.Is(err, controller.ErrAtCapacity):
		s.writeError(w, http.StatusConflict, "at max runners", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "request failed", err)
	}
}

func decodeOptionalJSON(r *http.Request, out *scaleRequest) {
	if r.Body == nil || r.ContentLength == 0 {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(out)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthPath := s.cfg.Observability.HealthCheckPath
		if healthPath == "" {
			healthPath = "/health"
		}
		if !s.cfg.Server.EnableAuth || r.URL.Path == healthPath {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				apiKey = auth[7:]
			}
		}

		if apiKey != s.cfg.Server.APIKey {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	resp := map[string]string{"error": message}
	if err != nil {
		resp["detail"] = err.Error()
	}
	s.writeJSON(w, statusCode, resp)
}
