package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoindex/internal/auth"
	"github.com/seanblong/repoindex/internal/pipeline"
	"github.com/seanblong/repoindex/internal/store"
	"github.com/seanblong/repoindex/pkg/models"
)

type runRequest struct {
	pipeline.Request
	// Wait holds the response until the run ends.
	Wait bool `json:"wait"`
}

type acceptedResponse struct {
	Accepted   bool   `json:"accepted"`
	Repository string `json:"repository"`
	Message    string `json:"message"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		req.Wait = true
	}
	ref, err := models.ParseRepositoryRef(req.Repository, req.Branch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Repository = ref.FullName()
	req.Credential = s.credentialFor(r, ref.FullName())

	if req.Wait {
		resp := s.Pipeline.RunPipeline(r.Context(), req.Request)
		writeJSON(w, r, http.StatusOK, resp)
		return
	}

	preq := req.Request
	err = s.Pool.Submit("run "+preq.Repository, func(ctx context.Context) {
		resp := s.Pipeline.RunPipeline(ctx, preq)
		log.Info().Str("repo", preq.Repository).Bool("success", resp.Success).Bool("cached", resp.WasCached).Msg(resp.Message)
	})
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("repo", preq.Repository).Msg("run not queued")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r, http.StatusAccepted, acceptedResponse{Accepted: true, Repository: preq.Repository, Message: "run queued"})
}

// credentialFor returns the session token of the calling user when auth is
// on. An empty result lets the orchestrator use its configured token.
func (s *Server) credentialFor(r *http.Request, repo string) string {
	user := auth.GetUserFromContext(r)
	if user == nil || s.Sessions == nil {
		return ""
	}
	cred, _ := s.Sessions.Credential(repo, user.Login)
	return cred
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	recs, err := s.Store.CommitRecords(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, recs)
}

type connectRequest struct {
	Repository string `json:"repo_full_name"`
	Branch     string `json:"branch"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := models.ParseRepositoryRef(req.Repository, req.Branch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ref.Branch == "" {
		ref.Branch = "main"
	}
	rec, err := s.Pipeline.Connect(r.Context(), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, rec)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	repo, ok := repoFromPath(r)
	if !ok {
		http.Error(w, "invalid repository path", http.StatusBadRequest)
		return
	}
	if err := s.Pipeline.Disconnect(r.Context(), repo); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	repo, ok := repoFromPath(r)
	if !ok {
		http.Error(w, "invalid repository path", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	report, err := s.Pipeline.Status(ctx, repo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	repo, ok := repoFromPath(r)
	if !ok {
		http.Error(w, "invalid repository path", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	entries, err := s.Store.History(ctx, repo, intParam(r, "limit", defaultHistory))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// chunkView is a stored chunk without its content.
type chunkView struct {
	ID          string           `json:"id"`
	Path        string           `json:"path"`
	Language    string           `json:"language"`
	LineStart   int              `json:"line_start"`
	LineEnd     int              `json:"line_end"`
	Type        models.ChunkType `json:"chunk_type"`
	ContentHash string           `json:"content_hash"`
	Embedded    bool             `json:"embedded"`
	CommitSHA   string           `json:"commit_sha"`
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	repo, ok := repoFromPath(r)
	if !ok {
		http.Error(w, "invalid repository path", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	q := r.URL.Query()
	chunks, err := s.Store.Chunks(ctx, repo, store.ChunkFilter{Path: q.Get("path"), Language: q.Get("language")})
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]chunkView, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, chunkView{
			ID:          c.ID,
			Path:        c.Path,
			Language:    c.Language,
			LineStart:   c.LineStart,
			LineEnd:     c.LineEnd,
			Type:        c.Type,
			ContentHash: c.ContentHash,
			Embedded:    c.Embedded(),
			CommitSHA:   c.CommitSHA,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	repo, ok := repoFromPath(r)
	if !ok {
		http.Error(w, "invalid repository path", http.StatusBadRequest)
		return
	}
	pending, err := s.Store.PendingSyncs(r.Context(), repo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if pending == nil {
		pending = []models.PendingSync{}
	}
	writeJSON(w, r, http.StatusOK, pending)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.Sessions.Active())
}
