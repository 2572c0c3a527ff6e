// Package api exposes the pipeline, search, repository management, webhook
// and login endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/repoindex/internal/auth"
	"github.com/seanblong/repoindex/internal/pipeline"
	"github.com/seanblong/repoindex/internal/search"
	"github.com/seanblong/repoindex/internal/store"
	"github.com/seanblong/repoindex/internal/syncer"
	"github.com/seanblong/repoindex/pkg/models"
)

const (
	maxBodyBytes    = 25 << 20
	readTimeout     = 10 * time.Second
	defaultHistory  = 50
	notReadyMessage = "repository not ready"
)

// Pipeline is the orchestrator surface the handlers drive.
type Pipeline interface {
	RunPipeline(ctx context.Context, req pipeline.Request) pipeline.Response
	Connect(ctx context.Context, ref models.RepositoryRef) (models.CommitRecord, error)
	Disconnect(ctx context.Context, repo string) error
	Status(ctx context.Context, repo string) (pipeline.StatusReport, error)
}

type Searcher interface {
	Query(ctx context.Context, repository, q string, k int, opt search.QueryOpts) ([]models.SearchResult, error)
	QueryVector(ctx context.Context, repository string, vec []float32, k int, opt search.QueryOpts) ([]models.SearchResult, error)
	Ask(ctx context.Context, repository, question string, k int) (search.Answer, error)
}

type Coordinator interface {
	OnPush(ctx context.Context, p syncer.Push) (syncer.Decision, error)
	OnLogin(ctx context.Context, id syncer.Identity) (int, error)
	OnLogout(login string)
}

// Store is the read side the handlers need.
type Store interface {
	Chunks(ctx context.Context, repository string, f store.ChunkFilter) ([]models.Chunk, error)
	CommitRecords(ctx context.Context) ([]models.CommitRecord, error)
	History(ctx context.Context, repository string, limit int) ([]models.HistoryEntry, error)
	PendingSyncs(ctx context.Context, repository string) ([]models.PendingSync, error)
	Ping(ctx context.Context) error
}

type Dispatcher interface {
	Submit(name string, fn pipeline.Job) error
}

type Sessions interface {
	Active() []auth.SessionInfo
	Credential(repo string, logins ...string) (string, bool)
}

type Deps struct {
	Pipeline      Pipeline
	Search        Searcher
	Coordinator   Coordinator
	Store         Store
	Pool          Dispatcher
	Sessions      Sessions
	WebhookSecret string
}

type Server struct {
	Deps
}

func New(d Deps) *Server {
	return &Server{Deps: d}
}

// Handler builds the route table wrapped in request logging.
func (s *Server) Handler(logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	protect := auth.OptionalAuthMiddleware

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /webhook/github", s.handleWebhook)

	mux.Handle("POST /pipeline/run", protect(http.HandlerFunc(s.handleRun)))
	mux.Handle("GET /search", protect(http.HandlerFunc(s.handleSearchGet)))
	mux.Handle("POST /search", protect(http.HandlerFunc(s.handleSearchPost)))
	mux.Handle("POST /ask", protect(http.HandlerFunc(s.handleAsk)))

	mux.Handle("GET /repositories", protect(http.HandlerFunc(s.handleListRepositories)))
	mux.Handle("POST /repositories", protect(http.HandlerFunc(s.handleConnect)))
	mux.Handle("DELETE /repos/{owner}/{name}", protect(http.HandlerFunc(s.handleDisconnect)))
	mux.Handle("GET /repos/{owner}/{name}/status", protect(http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /repos/{owner}/{name}/history", protect(http.HandlerFunc(s.handleHistory)))
	mux.Handle("GET /repos/{owner}/{name}/chunks", protect(http.HandlerFunc(s.handleChunks)))
	mux.Handle("GET /repos/{owner}/{name}/pending", protect(http.HandlerFunc(s.handlePending)))
	mux.Handle("GET /sessions/active", protect(http.HandlerFunc(s.handleSessions)))

	s.registerAuth(mux)

	return hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(r).Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(mux),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("health check failed")
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to encode response")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// repoFromPath builds owner/name from the route wildcards.
func repoFromPath(r *http.Request) (string, bool) {
	ref, err := models.ParseRepositoryRef(r.PathValue("owner")+"/"+r.PathValue("name"), "")
	if err != nil {
		return "", false
	}
	return ref.FullName(), true
}

// errorStatus maps core errors onto HTTP status codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, search.ErrNotIndexed):
		return http.StatusConflict, notReadyMessage
	case errors.Is(err, search.ErrEmptyQuery), errors.Is(err, search.ErrKTooLarge), errors.Is(err, store.ErrDimensionMismatch):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	}
	http.Error(w, msg, status)
}

func intParam(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
