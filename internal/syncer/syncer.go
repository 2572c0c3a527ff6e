// Package syncer decides what to do with push notifications and logins:
// run now, do nothing, or remember the push until someone who can authorize
// a run is online.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoindex/internal/auth"
	"github.com/seanblong/repoindex/internal/pipeline"
	"github.com/seanblong/repoindex/internal/store"
	"github.com/seanblong/repoindex/internal/tracker"
	"github.com/seanblong/repoindex/pkg/models"
)

type Decision string

const (
	// DecisionIgnored: the repository is not connected or the push is not on the tracked branch.
	DecisionIgnored    Decision = "ignored"
	DecisionCurrent    Decision = "current"
	DecisionDispatched Decision = "dispatched"
	DecisionDeferred   Decision = "deferred"
)

// Push is a branch update reported by the hosting service.
type Push struct {
	Repository string
	Branch     string
	CommitSHA  string
	Pusher     string
}

// Identity is a user who just logged in.
type Identity struct {
	Login        string
	AccessToken  string
	Repositories []string
}

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, ref models.RepositoryRef, commit string, opts pipeline.RunOptions) (models.PipelineRun, error)
}

// Dispatcher queues work without blocking.
type Dispatcher interface {
	Submit(name string, fn pipeline.Job) error
}

// Sessions is the part of the session registry the coordinator needs.
type Sessions interface {
	Register(s auth.Session)
	Unregister(login string) bool
	Credential(repo string, logins ...string) (string, bool)
}

// Store is the persistence the coordinator reads and writes.
type Store interface {
	store.CommitStore
	store.PendingStore
}

type Coordinator struct {
	store    Store
	tracker  *tracker.Tracker
	runner   Runner
	pool     Dispatcher
	sessions Sessions
	now      func() time.Time
}

func New(s Store, t *tracker.Tracker, r Runner, pool Dispatcher, sessions Sessions) *Coordinator {
	return &Coordinator{
		store:    s,
		tracker:  t,
		runner:   r,
		pool:     pool,
		sessions: sessions,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnPush never waits for a run. A run that cannot start now is recorded as
// a PendingSync and picked up after the current run or at the next login.
func (c *Coordinator) OnPush(ctx context.Context, p Push) (Decision, error) {
	logger := log.With().Str("repo", p.Repository).Str("branch", p.Branch).Str("commit", p.CommitSHA).Logger()

	rec, ok, err := c.store.CommitRecord(ctx, p.Repository)
	if err != nil {
		return "", err
	}
	if !ok {
		logger.Debug().Msg("push for unconnected repository ignored")
		return DecisionIgnored, nil
	}
	if rec.Branch != "" && p.Branch != rec.Branch {
		logger.Debug().Str("tracked", rec.Branch).Msg("push to untracked branch ignored")
		return DecisionIgnored, nil
	}

	fresh, err := c.tracker.Freshness(ctx, p.Repository, p.CommitSHA)
	if err != nil {
		return "", err
	}
	if fresh == tracker.Fresh {
		return DecisionCurrent, nil
	}

	entry := models.PendingSync{
		Repository: p.Repository,
		Branch:     p.Branch,
		Owner:      rec.Owner,
		CommitSHA:  p.CommitSHA,
		Pusher:     p.Pusher,
		QueuedAt:   c.now(),
	}
	cred, ok := c.sessions.Credential(p.Repository, rec.Owner, p.Pusher)
	if !ok {
		if err := c.store.AddPending(ctx, entry); err != nil {
			return "", err
		}
		logger.Info().Str("pusher", p.Pusher).Msg("no active session, push deferred")
		return DecisionDeferred, nil
	}

	if err := c.dispatch(entry, cred); err != nil {
		logger.Warn().Err(err).Msg("could not dispatch run, push deferred")
		if err := c.store.AddPending(ctx, entry); err != nil {
			return "", err
		}
		return DecisionDeferred, nil
	}
	// older deferred pushes are superseded by this run
	if n, err := c.store.ClearPending(ctx, p.Repository, entry.QueuedAt); err != nil {
		logger.Warn().Err(err).Msg("clear superseded pushes")
	} else if n > 0 {
		logger.Debug().Int64("cleared", n).Msg("superseded pending pushes cleared")
	}
	logger.Info().Msg("run dispatched")
	return DecisionDispatched, nil
}

// OnLogin registers the session and dispatches one run per repository with
// pending pushes the user may authorize. It returns the number of runs
// dispatched.
func (c *Coordinator) OnLogin(ctx context.Context, id Identity) (int, error) {
	c.sessions.Register(auth.Session{Login: id.Login, AccessToken: id.AccessToken, Repositories: id.Repositories})

	all, err := c.store.PendingSyncs(ctx, "")
	if err != nil {
		return 0, err
	}
	byRepo := make(map[string][]models.PendingSync)
	var order []string
	for _, e := range all {
		if e.Owner != id.Login && e.Pusher != id.Login && !slices.Contains(id.Repositories, e.Repository) {
			continue
		}
		if _, seen := byRepo[e.Repository]; !seen {
			order = append(order, e.Repository)
		}
		byRepo[e.Repository] = append(byRepo[e.Repository], e)
	}

	dispatched := 0
	var errs []error
	for _, repo := range order {
		ok, err := c.settle(ctx, repo, byRepo[repo], id.AccessToken)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", repo, err))
			continue
		}
		if ok {
			dispatched++
		}
	}
	log.Info().Str("login", id.Login).Int("pending_repos", len(order)).Int("dispatched", dispatched).Msg("login catch-up")
	return dispatched, errors.Join(errs...)
}

func (c *Coordinator) OnLogout(login string) {
	if c.sessions.Unregister(login) {
		log.Info().Str("login", login).Msg("session ended")
	}
}

// AfterRun drains the pending pushes of the repository that just finished.
// It is registered with the orchestrator.
func (c *Coordinator) AfterRun(ref models.RepositoryRef, _ models.PipelineRun) {
	if _, err := c.Drain(context.Background(), ref.FullName()); err != nil {
		log.Error().Err(err).Str("repo", ref.FullName()).Msg("drain pending pushes")
	}
}

// Drain dispatches the newest pending push of repo when an active session
// can authorize it. Entries stay queued otherwise.
func (c *Coordinator) Drain(ctx context.Context, repo string) (bool, error) {
	entries, err := c.store.PendingSyncs(ctx, repo)
	if err != nil || len(entries) == 0 {
		return false, err
	}
	logins := make([]string, 0, len(entries)+1)
	logins = append(logins, entries[0].Owner)
	for i := len(entries) - 1; i >= 0; i-- {
		logins = append(logins, entries[i].Pusher)
	}
	cred, ok := c.sessions.Credential(repo, logins...)
	if !ok {
		return false, nil
	}
	return c.settle(ctx, repo, entries, cred)
}

// settle coalesces entries (oldest first) to the newest commit, clears them
// and dispatches one run when the index is not already there.
func (c *Coordinator) settle(ctx context.Context, repo string, entries []models.PendingSync, cred string) (bool, error) {
	latest := entries[len(entries)-1]

	rec, ok, err := c.store.CommitRecord(ctx, repo)
	if err != nil {
		return false, err
	}
	if !ok || (rec.Branch != "" && rec.Branch != latest.Branch) {
		_, err := c.store.ClearPending(ctx, repo, latest.QueuedAt)
		return false, err
	}
	fresh, err := c.tracker.Freshness(ctx, repo, latest.CommitSHA)
	if err != nil {
		return false, err
	}
	if _, err := c.store.ClearPending(ctx, repo, latest.QueuedAt); err != nil {
		return false, err
	}
	if fresh == tracker.Fresh {
		return false, nil
	}
	if err := c.dispatch(latest, cred); err != nil {
		latest.QueuedAt = c.now()
		if addErr := c.store.AddPending(ctx, latest); addErr != nil {
			return false, errors.Join(err, addErr)
		}
		return false, err
	}
	log.Info().Str("repo", repo).Str("commit", latest.CommitSHA).Int("coalesced", len(entries)).Msg("pending push dispatched")
	return true, nil
}

func (c *Coordinator) dispatch(entry models.PendingSync, cred string) error {
	ref, err := models.ParseRepositoryRef(entry.Repository, entry.Branch)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s@%s", entry.Repository, entry.CommitSHA)
	return c.pool.Submit(name, func(ctx context.Context) {
		_, err := c.runner.Run(ctx, ref, entry.CommitSHA, pipeline.RunOptions{Credential: cred})
		if !errors.Is(err, tracker.ErrConcurrentRun) {
			return
		}
		entry.QueuedAt = c.now()
		if err := c.store.AddPending(ctx, entry); err != nil {
			log.Error().Err(err).Str("repo", entry.Repository).Msg("record pending push")
			return
		}
		log.Info().Str("repo", entry.Repository).Str("commit", entry.CommitSHA).Msg("repository busy, push deferred")
		// the other run may have finished before the entry was written
		if rec, ok, err := c.store.CommitRecord(ctx, entry.Repository); err == nil && ok && rec.Status != models.StatusRunning {
			if _, err := c.Drain(ctx, entry.Repository); err != nil {
				log.Error().Err(err).Str("repo", entry.Repository).Msg("drain pending pushes")
			}
		}
	})
}
