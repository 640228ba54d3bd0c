package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
	"github.com/JakeFAU/site-summary-fanout/internal/metrics"
	pspublisher "github.com/JakeFAU/site-summary-fanout/internal/publisher/pubsub"
	"github.com/JakeFAU/site-summary-fanout/internal/trigger"
)

const maxBodyBytes = 1 << 20

// TriggerHandler handles storage notifications.
type TriggerHandler interface {
	Handle(ctx context.Context, n trigger.Notification) fanout.Result
}

// SplitHandler handles split requests.
type SplitHandler interface {
	Handle(ctx context.Context, req fanout.SplitRequest) fanout.Result
}

// WorkHandler handles work units.
type WorkHandler interface {
	Handle(ctx context.Context, unit fanout.WorkUnit) fanout.Result
}

// LaunchHandler handles direct launches and launch signals.
type LaunchHandler interface {
	Handle(ctx context.Context) fanout.Result
	HandleSignal(ctx context.Context, sig fanout.LaunchSignal) fanout.Result
}

// ReapHandler handles completion checks.
type ReapHandler interface {
	Handle(ctx context.Context) fanout.Result
}

// Handlers are the components served over HTTP. Nil handlers are not routed.
type Handlers struct {
	Trigger TriggerHandler
	Split   SplitHandler
	Work    WorkHandler
	Launch  LaunchHandler
	Reap    ReapHandler
	// Ready, when set, gates /readyz.
	Ready func(ctx context.Context) error
}

// Config controls the HTTP surface.
type Config struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the pipeline components.
type Server struct {
	router   chi.Router
	handlers Handlers
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(handlers Handlers, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Minute
	}
	s := &Server{handlers: handlers, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		if handlers.Trigger != nil {
			r.Post("/trigger", s.trigger)
		}
		if handlers.Split != nil {
			r.Post("/split", s.split)
		}
		if handlers.Work != nil {
			r.Post("/work", s.work)
		}
		if handlers.Launch != nil {
			r.Post("/launch", s.launch)
		}
		if handlers.Reap != nil {
			r.Post("/reap", s.reap)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Ready != nil {
		if err := s.handlers.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	ctx, data, attrs, ok := s.readMessage(w, r)
	if !ok {
		return
	}
	n, err := trigger.DecodeNotification(data, attrs)
	if err != nil {
		writeResult(w, fanout.ErrorResult(err))
		return
	}
	writeResult(w, s.handlers.Trigger.Handle(ctx, n))
}

func (s *Server) split(w http.ResponseWriter, r *http.Request) {
	ctx, data, _, ok := s.readMessage(w, r)
	if !ok {
		return
	}
	var req fanout.SplitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		writeResult(w, fanout.Result{StatusCode: http.StatusBadRequest, Body: "invalid JSON"})
		return
	}
	writeResult(w, s.handlers.Split.Handle(ctx, req))
}

func (s *Server) work(w http.ResponseWriter, r *http.Request) {
	ctx, data, _, ok := s.readMessage(w, r)
	if !ok {
		return
	}
	var unit fanout.WorkUnit
	if err := json.Unmarshal(data, &unit); err != nil {
		writeResult(w, fanout.Result{StatusCode: http.StatusBadRequest, Body: "invalid JSON"})
		return
	}
	writeResult(w, s.handlers.Work.Handle(ctx, unit))
}

func (s *Server) launch(w http.ResponseWriter, r *http.Request) {
	ctx, data, _, ok := s.readMessage(w, r)
	if !ok {
		return
	}
	if len(data) == 0 {
		writeResult(w, s.handlers.Launch.Handle(ctx))
		return
	}
	var sig fanout.LaunchSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		writeResult(w, fanout.Result{StatusCode: http.StatusBadRequest, Body: "invalid JSON"})
		return
	}
	writeResult(w, s.handlers.Launch.HandleSignal(ctx, sig))
}

func (s *Server) reap(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.handlers.Reap.Handle(r.Context()))
}

// readMessage reads the request body, unwrapping a Pub/Sub push envelope and
// restoring its trace context.
func (s *Server) readMessage(w http.ResponseWriter, r *http.Request) (context.Context, []byte, map[string]string, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, nil, nil, false
	}
	data, attrs, err := unwrapPush(body)
	if err != nil {
		writeResult(w, fanout.Result{StatusCode: http.StatusBadRequest, Body: err.Error()})
		return nil, nil, nil, false
	}
	ctx := r.Context()
	if len(attrs) > 0 {
		ctx = pspublisher.Extract(ctx, attrs)
	}
	return ctx, data, attrs, true
}

type pushEnvelope struct {
	Message *struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// unwrapPush returns the payload of a push envelope, or body unchanged when it
// is not one.
func unwrapPush(body []byte) ([]byte, map[string]string, error) {
	var env pushEnvelope
	if len(body) == 0 || json.Unmarshal(body, &env) != nil || env.Message == nil {
		return body, nil, nil
	}
	if len(env.Message.Data) == 0 && len(env.Message.Attributes) == 0 {
		return nil, nil, errors.New("push message has no data")
	}
	return env.Message.Data, env.Message.Attributes, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeResult answers with the result as JSON, using its status code.
func writeResult(w http.ResponseWriter, res fanout.Result) {
	writeJSON(w, res.StatusCode, res)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
