package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoindex/internal/store"
	"github.com/seanblong/repoindex/internal/tracker"
	"github.com/seanblong/repoindex/pkg/models"
)

const defaultBranch = "main"

// Request asks for the repository to be brought up to date with its branch head.
type Request struct {
	Repository string `json:"repo_full_name"`
	Branch     string `json:"branch,omitempty"`
	// Force skips the freshness check and re-embeds every chunk.
	Force      bool   `json:"force"`
	Credential string `json:"-"`
}

// Response is what RunPipeline reports. Failures are described by Message.
type Response struct {
	Success       bool              `json:"success"`
	WasCached     bool              `json:"was_cached"`
	Repository    string            `json:"repository"`
	CommitSHA     string            `json:"commit_sha,omitempty"`
	TotalFiles    int               `json:"total_files"`
	TotalChunks   int               `json:"total_chunks"`
	TotalEmbedded int               `json:"total_embedded"`
	Outcome       models.RunOutcome `json:"outcome,omitempty"`
	Message       string            `json:"message"`
}

// RunPipeline connects the repository if needed, resolves the branch head and
// runs unless the index is already current there.
func (o *Orchestrator) RunPipeline(ctx context.Context, req Request) Response {
	resp := Response{Repository: req.Repository}
	ref, err := models.ParseRepositoryRef(req.Repository, req.Branch)
	if err != nil {
		resp.Message = err.Error()
		return resp
	}

	rec, err := o.ensureConnected(ctx, ref)
	if err != nil {
		resp.Message = fmt.Sprintf("connect: %v", err)
		return resp
	}
	ref.Branch = rec.Branch

	cred := req.Credential
	if cred == "" {
		cred = o.credential
	}
	head, err := o.source.Resolve(ctx, ref, cred)
	if err != nil {
		resp.Message = fmt.Sprintf("resolve %s@%s: %v", ref.FullName(), ref.Branch, err)
		return resp
	}
	resp.CommitSHA = head

	if !req.Force {
		fresh, err := o.tracker.Freshness(ctx, ref.FullName(), head)
		if err != nil {
			resp.Message = fmt.Sprintf("check freshness: %v", err)
			return resp
		}
		if fresh == tracker.Fresh {
			stats, err := o.store.ChunkStats(ctx, ref.FullName())
			if err != nil {
				log.Warn().Err(err).Str("repo", ref.FullName()).Msg("read chunk stats")
			}
			resp.Success = true
			resp.WasCached = true
			resp.TotalChunks = stats.Total
			resp.TotalEmbedded = stats.Embedded
			resp.Outcome = models.OutcomeSuccess
			resp.Message = fmt.Sprintf("index is current at %s", shortSHA(head))
			return resp
		}
	}

	run, err := o.Run(ctx, ref, head, RunOptions{ForceReembed: req.Force, Credential: cred})
	resp.TotalFiles = run.FilesFetched
	resp.TotalChunks = run.ChunksProduced
	resp.TotalEmbedded = run.ChunksEmbedded
	resp.Outcome = run.Outcome
	switch {
	case err == nil:
		resp.Success = true
		resp.Message = fmt.Sprintf("indexed %d files into %d chunks (%d embedded)", run.FilesFetched, run.ChunksProduced, run.ChunksEmbedded)
		if run.Outcome == models.OutcomePartial {
			resp.Message += fmt.Sprintf(", %.1f%% coverage", run.Coverage())
		}
	case errors.Is(err, tracker.ErrConcurrentRun):
		resp.Message = "a run is already in progress for " + ref.FullName()
	default:
		var se *StageError
		if errors.As(err, &se) {
			err = se.Err
		}
		resp.Message = fmt.Sprintf("%s stage failed: %v", run.FailedStage, err)
	}
	return resp
}

func (o *Orchestrator) ensureConnected(ctx context.Context, ref models.RepositoryRef) (models.CommitRecord, error) {
	rec, ok, err := o.store.CommitRecord(ctx, ref.FullName())
	if err != nil {
		return rec, err
	}
	if ok && rec.Branch != "" && (ref.Branch == "" || ref.Branch == rec.Branch) {
		return rec, nil
	}
	if ref.Branch == "" {
		ref.Branch = defaultBranch
	}
	return o.Connect(ctx, ref)
}

// Connect starts tracking ref. An existing record keeps its state; a non-empty
// branch replaces the tracked branch.
func (o *Orchestrator) Connect(ctx context.Context, ref models.RepositoryRef) (models.CommitRecord, error) {
	rec, err := o.store.Connect(ctx, ref)
	if err != nil {
		return rec, err
	}
	log.Info().Str("repo", rec.Repository).Str("branch", rec.Branch).Msg("repository connected")
	return rec, nil
}

// Disconnect cancels any in-process run and drops everything stored for repo.
func (o *Orchestrator) Disconnect(ctx context.Context, repo string) error {
	if o.Cancel(repo) {
		log.Info().Str("repo", repo).Msg("cancelled run for disconnected repository")
	}
	if err := o.store.DeleteRepository(ctx, repo); err != nil {
		return err
	}
	log.Info().Str("repo", repo).Msg("repository disconnected")
	return nil
}

// StatusReport is the index state of one repository.
type StatusReport struct {
	Repository        string              `json:"repository"`
	Branch            string              `json:"branch"`
	Status            models.CommitStatus `json:"status"`
	LastIndexedCommit string              `json:"last_indexed_commit"`
	IndexedAt         *time.Time          `json:"indexed_at"`
	ChunkCount        int                 `json:"chunk_count"`
	EmbeddedCount     int                 `json:"embedded_count"`
	RunCommit         string              `json:"run_commit,omitempty"`
	LastError         string              `json:"last_error,omitempty"`
}

// Status returns store.ErrNotFound for repositories that were never connected.
func (o *Orchestrator) Status(ctx context.Context, repo string) (StatusReport, error) {
	rec, ok, err := o.store.CommitRecord(ctx, repo)
	if err != nil {
		return StatusReport{}, err
	}
	if !ok {
		return StatusReport{}, fmt.Errorf("%w: %s", store.ErrNotFound, repo)
	}
	stats, err := o.store.ChunkStats(ctx, repo)
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{
		Repository:        rec.Repository,
		Branch:            rec.Branch,
		Status:            rec.Status,
		LastIndexedCommit: rec.LastIndexedCommit,
		ChunkCount:        stats.Total,
		EmbeddedCount:     stats.Embedded,
		LastError:         rec.LastError,
	}
	if !rec.LastIndexedAt.IsZero() {
		at := rec.LastIndexedAt
		report.IndexedAt = &at
	}
	if rec.Status == models.StatusRunning {
		report.RunCommit = rec.RunCommit
	}
	return report, nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
