package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/repoindex/internal/search"
	"github.com/seanblong/repoindex/pkg/models"
)

const searchTimeout = 10 * time.Second

// Result is one search hit as returned to clients.
type Result struct {
	FilePath        string           `json:"file_path"`
	LineRange       string           `json:"line_range"`
	SimilarityScore float64          `json:"similarity_score"`
	ChunkText       string           `json:"chunk_text"`
	Language        string           `json:"language"`
	ChunkType       models.ChunkType `json:"chunk_type"`
}

func output(res []models.SearchResult) []Result {
	out := make([]Result, 0, len(res))
	for _, r := range res {
		out = append(out, Result{
			FilePath:        r.Chunk.Path,
			LineRange:       fmt.Sprintf("%d-%d", r.Chunk.LineStart, r.Chunk.LineEnd),
			SimilarityScore: finite(r.Score),
			ChunkText:       r.Chunk.Content,
			Language:        r.Chunk.Language,
			ChunkType:       r.Chunk.Type,
		})
	}
	return out
}

func (s *Server) handleSearchGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()
	repo, query := strings.TrimSpace(q.Get("repo")), q.Get("q")
	if repo == "" || strings.TrimSpace(query) == "" {
		http.Error(w, "missing query parameter repo or q", http.StatusBadRequest)
		return
	}
	k := intParam(r, "k", search.DefaultK)

	ctx, cancel := context.WithTimeout(r.Context(), searchTimeout)
	defer cancel()
	res, err := s.Search.Query(ctx, repo, query, k, search.QueryOpts{
		Language:     q.Get("language"),
		PathContains: q.Get("path_contains"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, output(res))
	hlog.FromRequest(r).Info().Str("repo", repo).Str("q", query).Int("k", k).Int("hits", len(res)).Dur("dur", time.Since(start)).Msg("served")
}

type searchRequest struct {
	Repository   string    `json:"repo"`
	Query        string    `json:"query"`
	Vector       []float32 `json:"vector,omitempty"`
	K            int       `json:"k"`
	Language     string    `json:"language,omitempty"`
	PathContains string    `json:"path_contains,omitempty"`
}

// handleSearchPost accepts either a text query or a precomputed vector.
func (s *Server) handleSearchPost(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Repository) == "" {
		http.Error(w, "repo is required", http.StatusBadRequest)
		return
	}
	if req.K == 0 {
		req.K = search.DefaultK
	}
	opt := search.QueryOpts{Language: req.Language, PathContains: req.PathContains}

	ctx, cancel := context.WithTimeout(r.Context(), searchTimeout)
	defer cancel()
	var (
		res []models.SearchResult
		err error
	)
	if len(req.Vector) > 0 {
		res, err = s.Search.QueryVector(ctx, req.Repository, req.Vector, req.K, opt)
	} else {
		res, err = s.Search.Query(ctx, req.Repository, req.Query, req.K, opt)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, output(res))
}

type askRequest struct {
	Repository string `json:"repo"`
	Question   string `json:"question"`
	K          int    `json:"k"`
}

// handleAsk streams an answer as server-sent events: one "sources" event,
// a "token" event per generated fragment, then "done" or "error".
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Repository) == "" {
		http.Error(w, "repo is required", http.StatusBadRequest)
		return
	}
	if req.K == 0 {
		req.K = search.DefaultK
	}

	answer, err := s.Search.Ask(r.Context(), req.Repository, req.Question, req.K)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	logger := hlog.FromRequest(r)

	send := func(event string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			logger.Error().Err(err).Str("event", event).Msg("encode event")
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		if err := rc.Flush(); err != nil {
			logger.Debug().Err(err).Msg("flush not supported")
		}
		return true
	}

	if !send("sources", output(answer.Sources)) {
		return
	}
	for tok, err := range answer.Tokens {
		if err != nil {
			logger.Warn().Err(err).Str("repo", req.Repository).Msg("answer stream failed")
			send("error", map[string]string{"message": err.Error()})
			return
		}
		if !send("token", tok) {
			return
		}
	}
	send("done", map[string]int{"sources": len(answer.Sources)})
}
