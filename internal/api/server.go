// Package api serves the current histograms and accepts recalculation
// requests over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/abelbrown/discrimhist/internal/discrim"
	"github.com/abelbrown/discrimhist/internal/logging"
	"github.com/abelbrown/discrimhist/internal/otel"
	"github.com/abelbrown/discrimhist/internal/recalc"
	"github.com/abelbrown/discrimhist/internal/store"
	"github.com/abelbrown/discrimhist/internal/work"
)

// Controller is the part of the recalculation controller the API drives.
type Controller interface {
	State() recalc.State
	Generation() uint64
	Result() (discrim.Result, bool)
	LastError() *discrim.StageError
	CurrentRequest() discrim.Request
	Trigger(recalc.Trigger) error
	Triggers() map[recalc.Trigger]recalc.Policy
	SetClusterNumbers([]discrim.ClusterID)
	ClusterNumbers() []discrim.ClusterID
}

// History is the read side of the result store. Optional.
type History interface {
	ListComputations(ctx context.Context, limit int) ([]store.Computation, error)
	ResolveID(ctx context.Context, prefix string) (string, error)
	LoadResult(ctx context.Context, id string) (discrim.Result, error)
}

// Inputs is the mutable input source of the controller. Optional.
type Inputs interface {
	Snapshot() recalc.Inputs
	Update(func(*recalc.Inputs))
}

// Options configure a Server. All fields are optional.
type Options struct {
	History History
	Inputs  Inputs
	Pool    *work.Pool
	Events  *otel.Logger
	Bins    int
}

// Server routes the HTTP API.
type Server struct {
	router *chi.Mux
	ctrl   Controller
	opts   Options
}

// NewServer builds the router.
func NewServer(ctrl Controller, opts Options) *Server {
	if opts.Bins <= 0 {
		opts.Bins = discrim.DefaultBins
	}
	s := &Server{
		router: chi.NewRouter(),
		ctrl:   ctrl,
		opts:   opts,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.logRequests)
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/histograms", s.handleHistograms)
		r.Get("/histograms.xlsx", s.handleExport)
		r.Get("/histograms/{k1}/{k2}", s.handleHistogram)
		r.Post("/recalculate", s.handleRecalculate)
		r.Get("/clusters", s.handleGetClusters)
		r.Put("/clusters", s.handlePutClusters)
		r.Get("/triggers", s.handleTriggers)
		r.Get("/inputs", s.handleGetInputs)
		r.Put("/inputs", s.handlePutInputs)

		r.Get("/history", s.handleHistory)
		r.Get("/history/{id}", s.handleHistoryResult)
	})
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		dur := time.Since(start)
		logging.Debug("API request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "dur", dur)
		if s.opts.Events != nil {
			s.opts.Events.Emit(otel.Event{
				Level: otel.LevelDebug,
				Kind:  otel.KindAPIRequest,
				Comp:  "api",
				Msg:   r.Method + " " + r.URL.Path,
				Dur:   dur,
				Count: ww.Status(),
				Extra: map[string]any{"req_id": middleware.GetReqID(r.Context())},
			})
		}
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
