// Package api exposes the HTTP interface for the provisioning service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/automation"
	"github.com/JakeFAU/realtime-account-provisioner/internal/config"
	"github.com/JakeFAU/realtime-account-provisioner/internal/engine"
	"github.com/JakeFAU/realtime-account-provisioner/internal/metrics"
	"github.com/JakeFAU/realtime-account-provisioner/internal/provision"
	"github.com/JakeFAU/realtime-account-provisioner/internal/registry"
	"github.com/JakeFAU/realtime-account-provisioner/internal/stream"
)

// Server wires HTTP handlers to the stage engine and the delivery channels.
type Server struct {
	router    chi.Router
	engine    *engine.Engine
	jobs      provision.JobStore
	snapshots provision.SnapshotReader
	streams   *stream.Streams
	registry  *registry.Registry
	automator automation.Automator
	metrics   *prometheus.Registry
	cfg       config.Config
	logger    *zap.Logger

	// baseCtx bounds background automation runs to the server lifetime
	// instead of the submitting request.
	baseCtx context.Context
}

// NewServer constructs a Server with middleware and routes. baseCtx may be
// nil, in which case background work is bounded by context.Background.
func NewServer(
	baseCtx context.Context,
	eng *engine.Engine,
	jobs provision.JobStore,
	snapshots provision.SnapshotReader,
	streams *stream.Streams,
	reg *registry.Registry,
	automator automation.Automator,
	promReg *prometheus.Registry,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:    eng,
		jobs:      jobs,
		snapshots: snapshots,
		streams:   streams,
		registry:  reg,
		automator: automator,
		metrics:   promReg,
		cfg:       cfg,
		logger:    logger,
		baseCtx:   baseCtx,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if httpMetrics, err := metrics.NewHTTP(promReg); err != nil {
		logger.Warn("http metrics disabled", zap.Error(err))
	} else {
		r.Use(httpMetrics.Middleware)
	}
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		// Streaming endpoints cannot run under http.TimeoutHandler; its
		// response writer does not flush.
		r.Post("/subjects/{subject}/jobs", s.submitJob)
		r.Get("/subjects/{subject}/events", s.subjectEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.ServerTimeout()))
			r.Get("/subjects/{subject}", s.getSubject)
			r.Get("/jobs/{job_id}", s.getJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.snapshots.ReadSnapshot(r.Context(), "readiness-probe"); err != nil &&
		!errors.Is(err, provision.ErrSubjectNotFound) {
		s.writeError(w, http.StatusServiceUnavailable, "snapshot store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	Profile map[string]string `json:"profile"`
}

// submitJob creates a job for the subject and launches the automation
// collaborator. With ?watch=1 the response is the job's push stream: the
// stream is opened before the collaborator starts, so the requester sees
// every frame from the first transition through the terminal one.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")

	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	submitReq := provision.SubmitRequest{Subject: subject, Profile: req.Profile}
	jobID, err := s.engine.Submit(r.Context(), submitReq)
	if err != nil {
		if errors.Is(err, provision.ErrInvalidRequest) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !wantsWatch(r) {
		s.launch(jobID, submitReq)
		s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID.String()})
		return
	}

	st := s.streams.Open(jobID)
	s.launch(jobID, submitReq)
	s.serveStream(w, r, st, jobID)
}

// serveStream writes the job's frames as server-sent events until the
// terminal frame closes the stream or the client goes away.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, st *stream.Stream, jobID uuid.UUID) {
	flusher, err := stream.PrepareSSE(w)
	if err != nil {
		st.Close()
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer st.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-st.Frames():
			if !ok {
				return
			}
			if err := stream.WriteFrame(w, flusher, evt); err != nil {
				s.logger.Debug("push stream write failed",
					zap.String("job_id", jobID.String()),
					zap.Error(err),
				)
				return
			}
		}
	}
}

// subjectEvents streams the subject's broadcast feed as server-sent events.
// The subscription is a pure observer: closing it affects no job and no
// other subscriber.
func (s *Server) subjectEvents(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	sub := s.registry.Subscribe(subject)
	defer sub.Unsubscribe()

	flusher, err := stream.PrepareSSE(w)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				// Evicted as a slow consumer; the client reconnects and
				// reseeds from a snapshot read.
				return
			}
			if err := stream.WriteFrame(w, flusher, evt); err != nil {
				return
			}
		}
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, provision.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getSubject(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	snap, err := s.snapshots.ReadSnapshot(r.Context(), subject)
	if err != nil {
		if errors.Is(err, provision.ErrSubjectNotFound) {
			s.writeError(w, http.StatusNotFound, "subject not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// launch starts the automation collaborator for a submitted job, bounded by
// the server lifetime rather than the submitting request.
func (s *Server) launch(jobID uuid.UUID, req provision.SubmitRequest) {
	go func() {
		if err := s.automator.Run(s.baseCtx, jobID, req); err != nil {
			s.logger.Error("automation run failed",
				zap.String("job_id", jobID.String()),
				zap.Error(err),
			)
		}
	}()
}

func wantsWatch(r *http.Request) bool {
	switch r.URL.Query().Get("watch") {
	case "1", "true", "yes":
		return true
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}
