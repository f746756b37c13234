package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/conductor/fleetagent/internal/job"
	"github.com/conductor/fleetagent/pkg/health"
	"github.com/conductor/fleetagent/pkg/log"
	"github.com/conductor/fleetagent/pkg/tracing"
)

const healthCheckTimeout = 5 * time.Second

// Controller is what the control server exposes.
type Controller interface {
	// RequestDrain enables maintenance mode and returns the busy worker count.
	RequestDrain(ctx context.Context) int
	// JobStatus returns the status of an active or recently finished job.
	JobStatus(jobID string) (job.Status, bool)
}

// MaintenanceResponse is the body of a maintenance-mode request.
type MaintenanceResponse struct {
	Status      string `json:"status"`
	BusyWorkers int    `json:"busyWorkers,omitempty"`
}

// JobStatusResponse is the body of a job status request.
type JobStatusResponse struct {
	JobID  string     `json:"jobId"`
	Status job.Status `json:"status"`
}

// ControlServer serves the agent's local control endpoints.
type ControlServer struct {
	ctrl   Controller
	checks []health.Check
	logger zerolog.Logger
	server *http.Server
}

// NewControlServer creates a control server listening on addr.
func NewControlServer(addr string, ctrl Controller, logger zerolog.Logger, checks ...health.Check) *ControlServer {
	s := &ControlServer{
		ctrl:   ctrl,
		checks: checks,
		logger: log.Component(logger, "control-server"),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler of the server.
func (s *ControlServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(log.HTTPMiddleware(s.logger, "/healthz"))
	r.Use(tracing.Middleware)

	r.NotFound(http.NotFound)
	r.MethodNotAllowed(http.NotFound)

	r.Post("/maintenance-mode", s.handleMaintenance)
	r.Get("/jobs/{id}/status", s.handleJobStatus)
	r.Get("/healthz", s.handleHealth)
	return r
}

// Serve accepts connections on ln until Shutdown is called.
func (s *ControlServer) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Control server listening")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *ControlServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *ControlServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *ControlServer) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context())
	logger.Info().Msg("Maintenance mode requested")

	busy := s.ctrl.RequestDrain(r.Context())

	resp := MaintenanceResponse{Status: "ok"}
	if busy > 0 {
		logger.Warn().Int("busy_workers", busy).Msg("Drain timed out with jobs still running")
		resp = MaintenanceResponse{Status: "busy", BusyWorkers: busy}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *ControlServer) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, ok := s.ctrl.JobStatus(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, JobStatusResponse{JobID: id, Status: status})
}

func (s *ControlServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := health.Run(r.Context(), healthCheckTimeout, s.checks...)

	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
		logger := log.FromContext(r.Context())
		logger.Warn().Interface("checks", report.Checks).Msg("Health check failed")
	}
	writeJSON(w, code, report)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
