// Package server exposes the evaluation pipeline over HTTP: evaluation
// submission and retrieval, the caller's usage window, and cache health.
// Every failure is rendered as a single JSON envelope whose errorTag decides
// the status code.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/repograde/repograde/internal/evalerr"
	"github.com/repograde/repograde/internal/orchestrator"
	"github.com/repograde/repograde/internal/quota"
	"github.com/repograde/repograde/internal/strategy"
)

// maxBodyBytes caps request bodies; evaluation submissions are tiny.
const maxBodyBytes = 1 << 20

// Orchestrator is the evaluation surface the HTTP layer fronts.
type Orchestrator interface {
	Admit(ctx context.Context, userID string, tier quota.Tier, commitURL, courseID string) (*orchestrator.Admission, error)
	Get(ctx context.Context, userID, evaluationID string) (*orchestrator.Evaluation, error)
}

// UsageReader reports the caller's current usage window without mutating it.
type UsageReader interface {
	CanEvaluate(ctx context.Context, userID string, tier quota.Tier) (quota.Decision, error)
}

// StatsProvider reports strategy cache health.
type StatsProvider interface {
	Stats() strategy.Stats
}

// Server renders the HTTP surface. Construct with New, mount via Handler.
type Server struct {
	orch     Orchestrator
	usage    UsageReader
	stats    StatsProvider
	tokens   TokenResolver
	validate *validator.Validate
	log      *slog.Logger
}

// New wires the HTTP surface. A nil logger falls back to slog.Default.
func New(orch Orchestrator, usage UsageReader, stats StatsProvider, tokens TokenResolver, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		orch:     orch,
		usage:    usage,
		stats:    stats,
		tokens:   tokens,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// Handler builds the routed handler: health unauthenticated, everything else
// behind bearer auth.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/evaluations", s.handleCreateEvaluation)
		r.Get("/evaluations/{id}", s.handleGetEvaluation)
		r.Get("/usage", s.handleUsage)
		r.Get("/cache/stats", s.handleCacheStats)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		s.log.Info("http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(req.Context()))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token, ok := bearerToken(req.Header.Get("Authorization"))
		if !ok {
			s.writeError(w, req, evalerr.New(evalerr.Unauthorized, "missing bearer token"))
			return
		}
		p, ok := s.tokens.Resolve(token)
		if !ok {
			s.writeError(w, req, evalerr.New(evalerr.Unauthorized, "unknown bearer token"))
			return
		}
		next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
	})
}

type createEvaluationRequest struct {
	CommitURL string `json:"commitUrl" validate:"required,url"`
	CourseID  string `json:"courseId"  validate:"required"`
}

func (s *Server) handleCreateEvaluation(w http.ResponseWriter, req *http.Request) {
	var body createEvaluationRequest
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.writeError(w, req, evalerr.Wrap(evalerr.InvalidInput, "request body is not valid JSON", err))
		return
	}
	if err := s.validate.Struct(body); err != nil {
		s.writeError(w, req, evalerr.Wrap(evalerr.InvalidInput, "commitUrl and courseId are required", err))
		return
	}

	p, _ := principalFrom(req.Context())
	adm, err := s.orch.Admit(req.Context(), p.UserID, p.Tier, body.CommitURL, body.CourseID)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, adm)
}

func (s *Server) handleGetEvaluation(w http.ResponseWriter, req *http.Request) {
	p, _ := principalFrom(req.Context())
	view, err := s.orch.Get(req.Context(), p.UserID, chi.URLParam(req, "id"))
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

type usageResponse struct {
	Tier    quota.Tier `json:"tier"`
	Used    int64      `json:"used"`
	Limit   int64      `json:"limit"`
	ResetAt time.Time  `json:"resetAt"`
}

func (s *Server) handleUsage(w http.ResponseWriter, req *http.Request) {
	p, _ := principalFrom(req.Context())
	d, err := s.usage.CanEvaluate(req.Context(), p.UserID, p.Tier)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	s.writeJSON(w, http.StatusOK, usageResponse{
		Tier:    d.Tier,
		Used:    d.Used,
		Limit:   d.Limit,
		ResetAt: d.ResetAt,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats.Stats())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorEnvelope struct {
	ErrorTag string `json:"errorTag"`
	Message  string `json:"message"`
	Used     *int64 `json:"used,omitempty"`
	Limit    *int64 `json:"limit,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, req *http.Request, err error) {
	tag := evalerr.TagOf(err)
	env := errorEnvelope{ErrorTag: string(tag), Message: evalerr.Message(err)}

	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		env.Used, env.Limit = &exceeded.Used, &exceeded.Limit
	}

	status := statusFor(tag)
	if tag == evalerr.RateLimited {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			"method", req.Method, "path", req.URL.Path, "tag", string(tag), "error", err)
	}
	s.writeJSON(w, status, env)
}

func statusFor(tag evalerr.Tag) int {
	switch tag {
	case evalerr.InvalidInput:
		return http.StatusBadRequest
	case evalerr.Unauthorized:
		return http.StatusUnauthorized
	case evalerr.NotFound:
		return http.StatusNotFound
	case evalerr.QuotaExceeded, evalerr.RateLimited:
		return http.StatusTooManyRequests
	case evalerr.BudgetExhausted:
		return http.StatusUnprocessableEntity
	case evalerr.ParseFailure, evalerr.UpstreamUnavailable:
		return http.StatusBadGateway
	case evalerr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", "error", err)
	}
}
