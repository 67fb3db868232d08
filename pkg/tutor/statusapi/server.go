// Package statusapi serves a small local HTTP API for inspecting and steering
// running tutoring sessions.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yuhaousa/voice2learn/pkg/tutor/session"
	"github.com/yuhaousa/voice2learn/pkg/tutor/sessions"
	"github.com/yuhaousa/voice2learn/pkg/tutor/transcript"
	"github.com/yuhaousa/voice2learn/pkg/tutor/whiteboard"
)

const requestTimeout = 10 * time.Second

// TranscriptStore serves transcripts of sessions that are no longer running.
type TranscriptStore interface {
	ListTurns(ctx context.Context, sessionID string) ([]transcript.Turn, error)
}

type RequestRecorder interface {
	RecordHTTPRequest(method, route string, status int)
}

type Options struct {
	Registry *sessions.Registry
	// Ready reports dependency health for /readyz; nil means always ready.
	Ready       func(ctx context.Context) error
	Transcripts TranscriptStore
	Metrics     http.Handler
	Recorder    RequestRecorder
	Logger      *slog.Logger
}

type Server struct {
	opts   Options
	logger *slog.Logger
	router chi.Router
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = sessions.NewRegistry(sessions.Hooks{})
	}
	s := &Server{opts: opts, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.record)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Get("/transcript", s.handleTranscript)
			r.Get("/whiteboard.png", s.handleWhiteboard)
			r.Get("/material", s.handleMaterial)
			r.Post("/activate", s.handleActivate)
			r.Post("/retry", s.handleRetry)
			r.Post("/end", s.handleEnd)
		})
	})

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve runs the API on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	s.logger.Info("status api listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.opts.Recorder == nil {
			return
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.opts.Recorder.RecordHTTPRequest(r.Method, route, ww.Status())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  "voice2learn",
		"sessions": s.opts.Registry.Count(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Registry.IsDraining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Registry.Statuses())
}

func (s *Server) entry(w http.ResponseWriter, r *http.Request) (sessions.Entry, bool) {
	id := chi.URLParam(r, "sessionID")
	e, ok := s.opts.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
	}
	return e, ok
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.Session.Status())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if e, ok := s.opts.Registry.Get(id); ok {
		writeJSON(w, http.StatusOK, nonNil(e.Session.Transcript()))
		return
	}
	if s.opts.Transcripts == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	turns, err := s.opts.Transcripts.ListTurns(r.Context(), id)
	if err != nil {
		s.logger.Error("list turns failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(turns) == 0 {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, turns)
}

func (s *Server) handleWhiteboard(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	if e.Board == nil {
		writeError(w, http.StatusNotFound, "session has no whiteboard")
		return
	}
	png, err := e.Board.Snapshot(whiteboard.FormatPNG)
	if err != nil {
		s.logger.Error("whiteboard snapshot failed", "session_id", e.Session.ID(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", string(whiteboard.FormatPNG))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleMaterial(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	if e.Materials == nil {
		writeError(w, http.StatusNotFound, "session has no learning material")
		return
	}
	m := e.Materials.Current()
	if !m.Visible() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(ctx context.Context, sess sessions.Session) error { return sess.Activate(ctx) })
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(ctx context.Context, sess sessions.Session) error { return sess.Retry(ctx) })
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(_ context.Context, sess sessions.Session) error {
		sess.End()
		return nil
	})
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, fn func(context.Context, sessions.Session) error) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := fn(ctx, e.Session); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e.Session.Status())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrRetryNotAllowed):
		return http.StatusConflict
	case errors.Is(err, session.ErrEnded):
		return http.StatusGone
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func nonNil(turns []transcript.Turn) []transcript.Turn {
	if turns == nil {
		return []transcript.Turn{}
	}
	return turns
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
