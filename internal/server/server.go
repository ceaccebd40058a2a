// Package server exposes lead intake and decision lookup over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/qualify-cli/internal/metrics"
	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/resilience"
)

// DefaultRequestTimeout bounds a synchronous qualify request.
const DefaultRequestTimeout = 2 * time.Minute

// Qualifier runs one lead to a decision.
type Qualifier interface {
	Run(ctx context.Context, lead model.Lead) (*model.Decision, error)
}

// Reader is the store surface the server reads from.
type Reader interface {
	GetDecision(ctx context.Context, leadID string) (*model.Decision, error)
	ListDecisions(ctx context.Context, leadID string, limit int) ([]model.Decision, error)
	LoadSignals(ctx context.Context, leadID string) (model.SignalBag, error)
	Ping(ctx context.Context) error
}

// CircuitStates reports per-source breaker states.
type CircuitStates interface {
	States() map[string]resilience.CircuitState
}

// Options configures a Server.
type Options struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	// Metrics mounts /metrics and records request metrics.
	Metrics bool
}

// Server wires HTTP handlers to the orchestrator and store.
type Server struct {
	router   chi.Router
	qualify  Qualifier
	store    Reader
	breakers CircuitStates
	opts     Options
}

// New constructs a Server with middleware and routes. breakers may be nil.
func New(q Qualifier, st Reader, breakers CircuitStates, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	s := &Server{qualify: q, store: st, breakers: breakers, opts: opts}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	if opts.Metrics {
		r.Use(metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if opts.Metrics {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/circuits", s.circuits)
		r.Post("/leads", s.submitLead)
		r.Route("/leads/{lead_id}", func(r chi.Router) {
			r.Get("/decision", s.getDecision)
			r.Get("/decisions", s.listDecisions)
			r.Get("/signals", s.getSignals)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) circuits(w http.ResponseWriter, _ *http.Request) {
	out := map[string]string{}
	if s.breakers != nil {
		for name, st := range s.breakers.States() {
			out[name] = st.String()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"circuits": out})
}

func (s *Server) submitLead(w http.ResponseWriter, r *http.Request) {
	var lead model.Lead
	if err := json.NewDecoder(r.Body).Decode(&lead); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	// Intake never carries history or a verdict.
	lead.Signals = model.SignalBag{}
	lead.Decision = nil
	lead.Status = model.LeadStatusNew

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	d, err := s.qualify.Run(ctx, lead)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, d)
	case errors.Is(err, resilience.ErrInsufficientInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("server: qualify failed", zap.String("lead_id", lead.ID), zap.Error(err))
		body := map[string]any{"error": err.Error()}
		if d != nil {
			body["decision"] = d
		}
		writeJSON(w, http.StatusInternalServerError, body)
	}
}

func (s *Server) getDecision(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "lead_id")
	d, err := s.store.GetDecision(r.Context(), leadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load decision")
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "decision not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "lead_id")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	ds, err := s.store.ListDecisions(r.Context(), leadID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list decisions")
		return
	}
	if ds == nil {
		ds = []model.Decision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lead_id": leadID, "decisions": ds})
}

func (s *Server) getSignals(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "lead_id")
	bag, err := s.store.LoadSignals(r.Context(), leadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load signals")
		return
	}
	if bag.Len() == 0 {
		writeError(w, http.StatusNotFound, "no signals for lead")
		return
	}
	body := map[string]any{
		"lead_id":   leadID,
		"signals":   bag.Current(),
		"conflicts": bag.Conflicts(),
	}
	if r.URL.Query().Get("history") == "true" {
		body["history"] = bag.Records()
	}
	writeJSON(w, http.StatusOK, body)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
