package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tracklift/internal/faults"
	"tracklift/internal/logging"
	"tracklift/internal/metrics"
	"tracklift/internal/queue"
	"tracklift/internal/transfer"
)

// Options wires the server to the running transfer.
type Options struct {
	Bind    string
	Jobs    Jobs
	Device  Device
	History History
	Metrics *metrics.Metrics
	Hub     *Hub
}

// Server is the status HTTP endpoint.
type Server struct {
	opts   Options
	logger *slog.Logger
	router chi.Router

	listener net.Listener
	server   *http.Server
}

// New builds a server; it does not listen until Start.
func New(opts Options, logger *slog.Logger) *Server {
	s := &Server{
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "api-server"),
	}
	s.router = s.routes()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestContext)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Cache-Control", "no-store"))
		r.Get("/jobs", s.handleJobs)
		r.Get("/jobs/{id}", s.handleJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/device", s.handleDevice)
		r.Get("/history", s.handleHistory)
	})
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}
	if s.opts.Hub != nil {
		r.Method(http.MethodGet, "/ws", s.opts.Hub)
	}
	return r
}

// requestContext carries the request id into the context for logging.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(faults.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves until ctx ends or Stop
// is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorWithContext(s.logger, "api server error", "api_server_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the [api] bind address"),
			)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening",
		logging.String(logging.FieldEventType, "api_listening"),
		logging.String("address", listener.Addr().String()),
	)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down and disconnects websocket clients.
func (s *Server) Stop() {
	if s.opts.Hub != nil {
		s.opts.Hub.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "timestamp": time.Now().Format(time.RFC3339)})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Jobs == nil {
		s.writeJSON(w, http.StatusOK, JobList{Jobs: []transfer.Snapshot{}})
		return
	}
	s.writeJSON(w, http.StatusOK, JobList{Jobs: s.opts.Jobs.Jobs()})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.opts.Jobs != nil {
		for _, snap := range s.opts.Jobs.Jobs() {
			if snap.ID == id {
				s.writeJSON(w, http.StatusOK, snap)
				return
			}
		}
	}
	s.writeError(w, http.StatusNotFound, "job not found")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.opts.Jobs == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	known := false
	for _, snap := range s.opts.Jobs.Jobs() {
		if snap.ID == id {
			known = true
			break
		}
	}
	if !known {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	cancelled := s.opts.Jobs.Cancel(id)
	logging.WithContext(r.Context(), s.logger).Info("cancel requested",
		logging.String(logging.FieldEventType, "api_cancel"),
		logging.String(logging.FieldJobID, id),
		logging.Bool("cancelled", cancelled),
	)
	status := http.StatusOK
	if !cancelled {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, CancelResponse{ID: id, Cancelled: cancelled})
}

func (s *Server) handleDevice(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Device == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no recorder session")
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Device.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		s.writeJSON(w, http.StatusOK, HistoryResponse{Entries: []*queue.Entry{}})
		return
	}
	var filter queue.Filter
	for _, value := range r.URL.Query()["state"] {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				filter.States = append(filter.States, transfer.State(trimmed))
			}
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	entries, err := s.opts.History.List(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "history query failed", err)
		return
	}
	summary, err := s.opts.History.Summary(r.Context())
	if err != nil {
		s.internalError(w, r, "history summary failed", err)
		return
	}
	if entries == nil {
		entries = []*queue.Entry{}
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{Summary: summary, Entries: entries})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logging.WarnWithContext(logging.WithContext(r.Context(), s.logger), msg, "api_request_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check the history database"),
		logging.String(logging.FieldImpact, "status request failed"),
	)
	s.writeError(w, http.StatusInternalServerError, msg)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
