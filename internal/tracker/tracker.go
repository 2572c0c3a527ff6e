// Package tracker owns the per-repository commit record: which commit is
// indexed, whether a run holds the lease, and which chunk generation is live.
//
// Every transition is a conditional write in the store, so two processes
// sharing a database still get at most one run per repository.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoindex/internal/store"
	"github.com/seanblong/repoindex/pkg/models"
)

const (
	DefaultLeaseTTL = 30 * time.Minute
	reapReason      = "run exceeded lease"
)

var (
	// ErrConcurrentRun is returned by Begin while another live run holds the lease.
	ErrConcurrentRun = errors.New("a run is already in progress for this repository")
	// ErrLeaseLost means the run was reaped or taken over before it finished.
	ErrLeaseLost = errors.New("lease lost")
)

type Freshness string

const (
	Fresh Freshness = "fresh"
	Stale Freshness = "stale"
)

type Tracker struct {
	store store.CommitStore
	ttl   time.Duration
	now   func() time.Time
}

func New(s store.CommitStore, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Tracker{store: s, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

func (t *Tracker) TTL() time.Duration { return t.ttl }

// Lease is the right to run the pipeline for one repository and commit.
type Lease struct {
	t         *Tracker
	Ref       models.RepositoryRef
	RunID     string
	Commit    string
	StartedAt time.Time
	// Previous is the record as the lease found it, with the live generation.
	Previous models.CommitRecord
}

// Begin takes the lease for ref at commit. The record is created when the
// repository was never seen.
func (t *Tracker) Begin(ctx context.Context, ref models.RepositoryRef, commit string) (*Lease, error) {
	prev, _, err := t.store.CommitRecord(ctx, ref.FullName())
	if err != nil {
		return nil, fmt.Errorf("read commit record: %w", err)
	}
	started := t.now()
	runID := uuid.NewString()
	rec, ok, err := t.store.BeginRun(ctx, store.BeginParams{
		Ref:           ref,
		RunID:         runID,
		Commit:        commit,
		StartedAt:     started,
		ExpiredBefore: started.Add(-t.ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	if !ok {
		log.Debug().Str("repo", ref.FullName()).Str("holder", rec.RunID).Msg("lease held by another run")
		return nil, fmt.Errorf("%w: %s (run %s on %s)", ErrConcurrentRun, ref.FullName(), rec.RunID, short(rec.RunCommit))
	}
	if prev.Status == models.StatusRunning {
		log.Warn().Str("repo", ref.FullName()).Str("previous_run", prev.RunID).Msg("took over expired lease")
	}
	if ref.Branch == "" {
		ref.Branch = rec.Branch
	}
	return &Lease{t: t, Ref: ref, RunID: runID, Commit: commit, StartedAt: started, Previous: prev}, nil
}

// Complete moves the record to idle at the lease commit, points it at
// generation and appends a history entry.
func (l *Lease) Complete(ctx context.Context, generation string, stats store.ChunkStats) error {
	at := l.t.now()
	ok, err := l.t.store.CompleteRun(ctx, store.CompleteParams{
		Repository: l.Ref.FullName(),
		RunID:      l.RunID,
		Commit:     l.Commit,
		Generation: generation,
		At:         at,
	})
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	if err := l.t.store.AppendHistory(ctx, models.HistoryEntry{
		Repository:    l.Ref.FullName(),
		CommitSHA:     l.Commit,
		Branch:        l.Ref.Branch,
		Generation:    generation,
		ChunkCount:    stats.Total,
		EmbeddedCount: stats.Embedded,
		IndexedAt:     at,
	}); err != nil {
		// the pointer already moved; a missing history line is not worth failing the run
		log.Error().Err(err).Str("repo", l.Ref.FullName()).Msg("append commit history")
	}
	return nil
}

// Fail moves the record to failed. The indexed commit is left as it was.
func (l *Lease) Fail(ctx context.Context, reason string) error {
	ok, err := l.t.store.FailRun(ctx, l.Ref.FullName(), l.RunID, reason)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// Freshness reports Fresh only when commit is indexed and no run is pending.
func (t *Tracker) Freshness(ctx context.Context, repository, commit string) (Freshness, error) {
	rec, ok, err := t.store.CommitRecord(ctx, repository)
	if err != nil {
		return Stale, err
	}
	if ok && rec.Status == models.StatusIdle && commit != "" && rec.LastIndexedCommit == commit {
		return Fresh, nil
	}
	return Stale, nil
}

func (t *Tracker) Record(ctx context.Context, repository string) (models.CommitRecord, bool, error) {
	return t.store.CommitRecord(ctx, repository)
}

// Reap fails every running record whose lease has expired.
func (t *Tracker) Reap(ctx context.Context) ([]string, error) {
	repos, err := t.store.ReapExpired(ctx, t.now().Add(-t.ttl), reapReason)
	if err != nil {
		return nil, err
	}
	for _, r := range repos {
		log.Warn().Str("repo", r).Dur("ttl", t.ttl).Msg("reaped expired run")
	}
	return repos, nil
}

// Watchdog calls Reap every interval until ctx is done.
func (t *Tracker) Watchdog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Reap(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("watchdog reap")
			}
		}
	}
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
