// Package server exposes the Supervisor over HTTP for the desktop UI.
//
// Runs are started with POST requests which return the Ack immediately.
// Progress is delivered through the server-sent event stream at /events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courtyard-app/courtyard/internal/event"
	"github.com/courtyard-app/courtyard/internal/model"
	"github.com/courtyard-app/courtyard/internal/outdir"
	"github.com/courtyard-app/courtyard/internal/registry"
	"github.com/courtyard-app/courtyard/internal/service"
)

const (
	maxBody         = 1 << 20
	shutdownTimeout = 5 * time.Second
)

type Server struct {
	sup      *service.Supervisor
	broker   *event.Broker
	gatherer prometheus.Gatherer
	router   chi.Router
}

// New returns a server for sup. Events published on broker are streamed to
// /events, gatherer backs /metrics.
func New(sup *service.Supervisor, broker *event.Broker, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		sup:      sup,
		broker:   broker,
		gatherer: gatherer,
		router:   chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/events", s.events)
	r.Get("/jobs", s.jobs)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestSize(maxBody))
		r.Post("/cleaning", start(s.sup.Clean))
		r.Post("/generation", start(s.sup.Generate))
		r.Delete("/generation", s.stopGeneration)
		r.Post("/inference", start(s.sup.Infer))
		r.Post("/exports", start(s.sup.Export))
		r.Post("/downloads", start(s.sup.Download))
		// repository ids contain a slash
		r.Delete("/downloads/*", s.stopDownload)
	})

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", s.projects)
		r.Route("/{project}", func(r chi.Router) {
			r.Put("/", s.ensureProject)
			r.Get("/versions", s.versions)
			r.Get("/preview", s.preview)
		})
	})
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving %s: %w", addr, err)
	case <-ctx.Done():
	}

	// requests derive from ctx, open event streams are already ending
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.WarnContext(ctx, "shutting down http server", "error", err)
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) jobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Jobs(r.Context()))
}

func (s *Server) stopGeneration(w http.ResponseWriter, _ *http.Request) {
	if err := s.sup.StopGeneration(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) stopDownload(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "*")
	if repo == "" {
		http.Error(w, "repository id is required", http.StatusBadRequest)
		return
	}
	if err := s.sup.StopDownload(repo); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) projects(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.sup.Layout().Projects()
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) ensureProject(w http.ResponseWriter, r *http.Request) {
	path, err := s.sup.Layout().Ensure(chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *Server) versions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.sup.Versions(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	rows, err := s.sup.Preview(chi.URLParam(r, "project"), r.URL.Query().Get("version"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// start decodes the request body into Q and launches the run.
func start[Q any](launch func(context.Context, Q) (service.Ack, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Q
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("decoding request: %v", err), http.StatusBadRequest)
			return
		}
		ack, err := launch(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, ack)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrPrecondition), errors.Is(err, outdir.ErrInvalidVersion):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrJobInProgress):
		return http.StatusConflict
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, outdir.ErrNoDataset):
		return http.StatusNotFound
	case errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusOf(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
