// Package pipeline runs fetch, chunk, embed and store for one repository at
// one commit, holding the tracker lease for the whole run.
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoindex/internal/chunker"
	"github.com/seanblong/repoindex/internal/embedder"
	"github.com/seanblong/repoindex/internal/fetcher"
	"github.com/seanblong/repoindex/internal/store"
	"github.com/seanblong/repoindex/internal/tracker"
	"github.com/seanblong/repoindex/pkg/models"
)

const (
	StageAcquire = "acquire"
	StageFetch   = "fetch"
	StageChunk   = "chunk"
	StageEmbed   = "embed"
	StageStore   = "store"
	StageCommit  = "commit"

	releaseTimeout = 10 * time.Second
)

var (
	// ErrCancelled is the cause of runs stopped through Cancel.
	ErrCancelled  = errors.New("run cancelled")
	ErrRunTimeout = errors.New("run timed out")
)

// StageError names the stage a run failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

type RunOptions struct {
	// ForceReembed embeds every chunk even when the live generation already
	// holds a vector for the same ID and content.
	ForceReembed bool
	// Credential overrides the orchestrator's default source credential.
	Credential string
}

// Deps are the components a run drives.
type Deps struct {
	Source   fetcher.Source
	Chunker  *chunker.Chunker
	Embedder *embedder.Embedder
	Store    store.Store
	Tracker  *tracker.Tracker
}

type Options struct {
	Credential string
	RunTimeout time.Duration
}

type active struct {
	runID  string
	cancel context.CancelCauseFunc
}

type Orchestrator struct {
	source     fetcher.Source
	chunker    *chunker.Chunker
	embedder   *embedder.Embedder
	store      store.Store
	tracker    *tracker.Tracker
	credential string
	runTimeout time.Duration
	now        func() time.Time

	mu      sync.Mutex
	running map[string]active
	hooks   []func(models.RepositoryRef, models.PipelineRun)
}

func New(d Deps, opts Options) *Orchestrator {
	return &Orchestrator{
		source:     d.Source,
		chunker:    d.Chunker,
		embedder:   d.Embedder,
		store:      d.Store,
		tracker:    d.Tracker,
		credential: opts.Credential,
		runTimeout: opts.RunTimeout,
		now:        time.Now,
		running:    make(map[string]active),
	}
}

// AfterRun registers fn to be called when a run that held the lease ends,
// whatever its outcome.
func (o *Orchestrator) AfterRun(fn func(models.RepositoryRef, models.PipelineRun)) {
	o.mu.Lock()
	o.hooks = append(o.hooks, fn)
	o.mu.Unlock()
}

// Run indexes ref at commit. The returned error is non-nil only when the run
// failed; a partial embedding is reported through the run's Outcome.
// tracker.ErrConcurrentRun is returned unchanged.
func (o *Orchestrator) Run(ctx context.Context, ref models.RepositoryRef, commit string, opts RunOptions) (models.PipelineRun, error) {
	started := o.now()
	run := models.PipelineRun{Repository: ref.FullName(), CommitSHA: commit}

	lease, err := o.tracker.Begin(ctx, ref, commit)
	if err != nil {
		run.Outcome = models.OutcomeFailed
		run.FailedStage = StageAcquire
		run.Error = err.Error()
		return run, err
	}
	run.RunID = lease.RunID
	logger := log.With().Str("repo", run.Repository).Str("commit", commit).Str("run_id", run.RunID).Logger()
	logger.Info().Bool("force", opts.ForceReembed).Msg("pipeline run started")

	runCtx, release := o.track(ctx, run.Repository, run.RunID)
	err = o.execute(runCtx, lease, opts, &run)
	if err != nil && runCtx.Err() != nil {
		if cause := context.Cause(runCtx); cause != nil {
			var se *StageError
			if errors.As(err, &se) {
				err = &StageError{Stage: se.Stage, Err: cause}
			}
		}
	}
	release()
	run.Duration = o.now().Sub(started)

	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			run.FailedStage = se.Stage
		}
		run.Outcome = models.OutcomeFailed
		run.Error = err.Error()
		o.abandon(ctx, lease, err)
		logger.Error().Err(err).Str("stage", run.FailedStage).Dur("duration", run.Duration).Msg("pipeline run failed")
	} else {
		logger.Info().
			Int("files", run.FilesFetched).
			Int("chunks", run.ChunksProduced).
			Int("embedded", run.ChunksEmbedded).
			Int("reused", run.ChunksReused).
			Str("outcome", string(run.Outcome)).
			Dur("duration", run.Duration).
			Msg("pipeline run finished")
	}

	o.mu.Lock()
	hooks := append([]func(models.RepositoryRef, models.PipelineRun){}, o.hooks...)
	o.mu.Unlock()
	for _, fn := range hooks {
		fn(lease.Ref, run)
	}
	return run, err
}

func (o *Orchestrator) execute(ctx context.Context, lease *tracker.Lease, opts RunOptions, run *models.PipelineRun) error {
	repo := lease.Ref.FullName()

	files, err := o.source.Fetch(ctx, lease.Ref, lease.Commit, cmp.Or(opts.Credential, o.credential))
	if err != nil && !errors.Is(err, fetcher.ErrRepositoryEmpty) {
		return &StageError{Stage: StageFetch, Err: err}
	}
	run.FilesFetched = len(files)

	chunks, err := o.chunk(ctx, repo, lease.Commit, files)
	if err != nil {
		return &StageError{Stage: StageChunk, Err: err}
	}
	run.ChunksProduced = len(chunks)

	if !opts.ForceReembed && len(chunks) > 0 {
		n, err := o.reuse(ctx, repo, chunks)
		if err != nil {
			log.Warn().Err(err).Str("repo", repo).Msg("could not read live generation, embedding everything")
		}
		run.ChunksReused = n
	}

	res, err := o.embedder.Embed(ctx, chunks)
	partial := errors.Is(err, embedder.ErrPartialEmbeddingFailure)
	if err != nil && !partial {
		return &StageError{Stage: StageEmbed, Err: err}
	}
	chunks = res.Chunks
	run.ChunksEmbedded = res.Embedded
	run.Outcome = models.OutcomeSuccess
	if partial {
		run.Outcome = models.OutcomePartial
		run.Error = err.Error()
	}

	generation := uuid.NewString()
	if err := o.store.WriteRawFiles(ctx, repo, lease.Commit, files); err != nil {
		o.discard(ctx, repo, generation)
		return &StageError{Stage: StageStore, Err: err}
	}
	if err := o.store.WriteChunks(ctx, repo, generation, chunks); err != nil {
		o.discard(ctx, repo, generation)
		return &StageError{Stage: StageStore, Err: err}
	}

	stats := store.ChunkStats{Total: len(chunks), Embedded: res.Embedded}
	if err := lease.Complete(ctx, generation, stats); err != nil {
		o.discard(ctx, repo, generation)
		return &StageError{Stage: StageCommit, Err: err}
	}
	o.prune(ctx, repo, generation, lease.Commit)
	return nil
}

func (o *Orchestrator) chunk(ctx context.Context, repo, commit string, files []models.RawFile) ([]models.Chunk, error) {
	var out []models.Chunk
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for ch := range o.chunker.Chunks(repo, commit, f) {
			out = append(out, ch)
		}
	}
	return out, nil
}

// reuse copies vectors from the live generation onto chunks whose ID and
// content hash are unchanged.
func (o *Orchestrator) reuse(ctx context.Context, repo string, chunks []models.Chunk) (int, error) {
	live, err := o.store.Chunks(ctx, repo, store.ChunkFilter{EmbeddedOnly: true})
	if err != nil || len(live) == 0 {
		return 0, err
	}
	byID := make(map[string]models.Chunk, len(live))
	for _, c := range live {
		byID[c.ID] = c
	}
	dim := o.embedder.Dim()
	n := 0
	for i := range chunks {
		prev, ok := byID[chunks[i].ID]
		if !ok || prev.ContentHash != chunks[i].ContentHash || len(prev.Embedding) != dim {
			continue
		}
		chunks[i].Embedding = prev.Embedding
		n++
	}
	return n, nil
}

func (o *Orchestrator) prune(ctx context.Context, repo, generation, commit string) {
	if n, err := o.store.PruneGenerations(ctx, repo, generation); err != nil {
		log.Warn().Err(err).Str("repo", repo).Msg("prune old generations")
	} else if n > 0 {
		log.Debug().Str("repo", repo).Int64("chunks", n).Msg("pruned old generations")
	}
	if _, err := o.store.PruneRawFiles(ctx, repo, commit); err != nil {
		log.Warn().Err(err).Str("repo", repo).Msg("prune raw files")
	}
}

// discard drops a generation that was never published. When the repository
// was disconnected while the run was writing, whatever the run stored after
// the delete is removed as well.
func (o *Orchestrator) discard(ctx context.Context, repo, generation string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := o.store.DeleteGeneration(ctx, repo, generation); err != nil {
		log.Warn().Err(err).Str("repo", repo).Str("generation", generation).Msg("drop unpublished generation")
	}
	_, connected, err := o.store.CommitRecord(ctx, repo)
	if err != nil || connected {
		return
	}
	if err := o.store.DeleteRepository(ctx, repo); err != nil {
		log.Warn().Err(err).Str("repo", repo).Msg("remove data of disconnected repository")
		return
	}
	log.Debug().Str("repo", repo).Msg("removed data written after disconnect")
}

// abandon moves the record to failed. It runs on a fresh context so that a
// cancelled or timed out run still releases its lease.
func (o *Orchestrator) abandon(ctx context.Context, lease *tracker.Lease, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := lease.Fail(ctx, cause.Error()); err != nil {
		if errors.Is(err, tracker.ErrLeaseLost) {
			log.Debug().Str("repo", lease.Ref.FullName()).Msg("lease already released")
			return
		}
		log.Error().Err(err).Str("repo", lease.Ref.FullName()).Msg("release lease")
	}
}

func (o *Orchestrator) track(ctx context.Context, repo, runID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.CancelFunc(func() {})
	if o.runTimeout > 0 {
		ctx, stop = context.WithTimeoutCause(ctx, o.runTimeout, ErrRunTimeout)
	}
	o.mu.Lock()
	o.running[repo] = active{runID: runID, cancel: cancel}
	o.mu.Unlock()

	return ctx, func() {
		stop()
		cancel(nil)
		o.mu.Lock()
		if a, ok := o.running[repo]; ok && a.runID == runID {
			delete(o.running, repo)
		}
		o.mu.Unlock()
	}
}

// Cancel stops the in-process run of repo, if any. The run fails its lease.
func (o *Orchestrator) Cancel(repo string) bool {
	o.mu.Lock()
	a, ok := o.running[repo]
	o.mu.Unlock()
	if ok {
		a.cancel(fmt.Errorf("%w: %s", ErrCancelled, repo))
	}
	return ok
}

// Running reports whether this process is executing a run for repo.
func (o *Orchestrator) Running(repo string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[repo]
	return ok
}
