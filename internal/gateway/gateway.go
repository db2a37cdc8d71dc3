// Package gateway serves the review API over HTTP and streams queue events
// over a websocket.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/candidates"
	"github.com/basket/newsgraph/internal/engine"
	"github.com/basket/newsgraph/internal/otel"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/review"
	"github.com/basket/newsgraph/internal/snapshot"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 500
	maxBodyBytes       = 1 << 20
)

type Config struct {
	Review *review.Service
	Bus    *bus.Bus

	AuthToken string
	JWTSecret string

	// AllowOrigins lists accepted Origin values for CORS and browser
	// websocket connections. Empty means same-origin only.
	AllowOrigins []string

	RatePerSecond float64
	Burst         int

	// Defaults for request bodies that leave fields out.
	EntityParams candidates.EntityParams
	EventParams  candidates.EventParams
	MaxApply     int
	StaleMinutes int

	ConfigFingerprint string
	// EngineStatus reports the running worker pools; nil when serve runs
	// without workers.
	EngineStatus func() []engine.Status

	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

type Server struct {
	cfg     Config
	auth    *Authenticator
	limiter *RateLimitMiddleware
	tracer  trace.Tracer
	logger  *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxApply <= 0 {
		cfg.MaxApply = 50
	}
	if cfg.StaleMinutes <= 0 {
		cfg.StaleMinutes = 10
	}
	return &Server{
		cfg:     cfg,
		auth:    NewAuthenticator(cfg.AuthToken, cfg.JWTSecret),
		limiter: NewRateLimitMiddleware(cfg.RatePerSecond, cfg.Burst, cfg.Metrics),
		tracer:  cfg.Tracer,
		logger:  cfg.Logger.With("component", "gateway"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/tasks/failed", s.handleFailed)
	mux.HandleFunc("POST /api/tasks/replay", s.handleReplay)
	mux.HandleFunc("POST /api/candidates/entities", s.handleEntityCandidates)
	mux.HandleFunc("POST /api/candidates/events", s.handleEventCandidates)
	mux.HandleFunc("POST /api/apply/entities", s.handleApplyEntities)
	mux.HandleFunc("POST /api/apply/events", s.handleApplyEvents)
	mux.HandleFunc("POST /api/requeue", s.handleRequeue)
	mux.HandleFunc("GET /api/snapshots/{type}", s.handleSnapshot)

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = s.auth.Wrap(h)
	h = RequestSizeLimitMiddleware(maxBodyBytes)(h)
	h = s.instrument(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway shutdown: %w", err)
		}
		return nil
	}
}

// --- REST API handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Review.QueueStats(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.EngineStatus != nil {
		payload["engines"] = s.cfg.EngineStatus()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	queue, err := s.cfg.Review.QueueStats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	evo, err := s.cfg.Review.EventEvolutionStats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue, "event_evolution": evo})
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	taskType := persistence.TaskType(r.URL.Query().Get("type"))
	if taskType != "" && !taskType.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown task type %q", taskType))
		return
	}
	limit := defaultFailedLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxFailedLimit)
		}
	}
	tasks, err := s.cfg.Review.FailedTasks(r.Context(), taskType, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

type replayRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.TaskID) == "" {
		writeError(w, http.StatusBadRequest, "task_id required")
		return
	}
	if err := s.cfg.Review.ReplayFailed(r.Context(), req.TaskID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": req.TaskID, "status": persistence.TaskPending})
}

func (s *Server) handleEntityCandidates(w http.ResponseWriter, r *http.Request) {
	params := s.cfg.EntityParams
	if err := decodeBody(r, &params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := s.cfg.Review.EnqueueEntityCandidates(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleEventCandidates(w http.ResponseWriter, r *http.Request) {
	params := s.cfg.EventParams
	if err := decodeBody(r, &params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := s.cfg.Review.EnqueueEventCandidates(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type applyRequest struct {
	MaxActions int `json:"max_actions"`
}

func (s *Server) applyBudget(r *http.Request) (int, error) {
	req := applyRequest{MaxActions: s.cfg.MaxApply}
	if err := decodeBody(r, &req); err != nil {
		return 0, err
	}
	if req.MaxActions <= 0 {
		return 0, errors.New("max_actions must be positive")
	}
	return req.MaxActions, nil
}

func (s *Server) handleApplyEntities(w http.ResponseWriter, r *http.Request) {
	n, err := s.applyBudget(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := s.cfg.Review.ApplyEntityDecisions(r.Context(), n)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleApplyEvents(w http.ResponseWriter, r *http.Request) {
	n, err := s.applyBudget(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := s.cfg.Review.ApplyEventDecisions(r.Context(), n)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type requeueRequest struct {
	MaxAgeMinutes int `json:"max_age_minutes"`
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	req := requeueRequest{MaxAgeMinutes: s.cfg.StaleMinutes}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.cfg.Review.RequeueStale(r.Context(), req.MaxAgeMinutes)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	gt, err := snapshot.ParseGraphType(r.PathValue("type"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	proj := s.cfg.Review.Projector()
	if proj == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshots not configured")
		return
	}
	snap, err := proj.Build(r.Context(), gt)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- helpers ---

// decodeBody decodes an optional JSON body into v; an empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, persistence.ErrTaskNotFound), errors.Is(err, persistence.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, persistence.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, review.ErrNoAdjudicator):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

// instrument records a server span and the request duration per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.StartServerSpan(r.Context(), s.tracer, "gateway.request",
			otel.AttrRoute.String(r.URL.Path))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		var err error
		if rec.status >= http.StatusInternalServerError {
			err = fmt.Errorf("status %d", rec.status)
		}
		otel.EndSpan(span, err)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
				otel.AttrRoute.String(r.URL.Path),
				otel.AttrHTTPStatus.Int(rec.status),
			))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
