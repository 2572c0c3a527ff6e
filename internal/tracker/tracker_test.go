package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/repoindex/internal/store"
	"github.com/seanblong/repoindex/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

var ref = models.RepositoryRef{Owner: "acme", Name: "widgets", Branch: "main"}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestTracker(ttl time.Duration) (*Tracker, *store.MemoryStore, *clock) {
	s := store.NewMemory(0)
	tr := New(s, ttl)
	c := &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	tr.now = c.now
	return tr, s, c
}

func TestBeginCompleteAdvancesCommit(t *testing.T) {
	tr, s, _ := newTestTracker(time.Hour)
	ctx := context.Background()

	fresh, err := tr.Freshness(ctx, ref.FullName(), "c1")
	require.NoError(t, err)
	assert.Equal(t, Stale, fresh, "unknown repositories are stale")

	lease, err := tr.Begin(ctx, ref, "c1")
	require.NoError(t, err)
	assert.NotEmpty(t, lease.RunID)
	assert.Empty(t, lease.Previous.Generation)

	fresh, err = tr.Freshness(ctx, ref.FullName(), "c1")
	require.NoError(t, err)
	assert.Equal(t, Stale, fresh, "running is never fresh")

	require.NoError(t, lease.Complete(ctx, "g1", store.ChunkStats{Total: 10, Embedded: 8}))

	rec, ok, err := tr.Record(ctx, ref.FullName())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusIdle, rec.Status)
	assert.Equal(t, "c1", rec.LastIndexedCommit)
	assert.Equal(t, "g1", rec.Generation)

	fresh, err = tr.Freshness(ctx, ref.FullName(), "c1")
	require.NoError(t, err)
	assert.Equal(t, Fresh, fresh)
	fresh, err = tr.Freshness(ctx, ref.FullName(), "c2")
	require.NoError(t, err)
	assert.Equal(t, Stale, fresh)

	h, err := s.History(ctx, ref.FullName(), 0)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, models.HistoryEntry{
		Repository: ref.FullName(), CommitSHA: "c1", Branch: "main", Generation: "g1",
		ChunkCount: 10, EmbeddedCount: 8, IndexedAt: rec.LastIndexedAt,
	}, h[0])

	next, err := tr.Begin(ctx, ref, "c2")
	require.NoError(t, err)
	assert.Equal(t, "g1", next.Previous.Generation)
}

func TestBeginRejectsConcurrentRun(t *testing.T) {
	tr, _, _ := newTestTracker(time.Hour)
	ctx := context.Background()

	_, err := tr.Begin(ctx, ref, "c1")
	require.NoError(t, err)
	_, err = tr.Begin(ctx, ref, "c2")
	assert.ErrorIs(t, err, ErrConcurrentRun)
}

func TestBeginSingleFlight(t *testing.T) {
	tr, _, _ := newTestTracker(time.Hour)
	ctx := context.Background()

	var (
		wins, rejects atomic.Int32
		wg            sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Begin(ctx, ref, "c1")
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, ErrConcurrentRun):
				rejects.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 15, rejects.Load())
}

func TestFailKeepsCommit(t *testing.T) {
	tr, _, _ := newTestTracker(time.Hour)
	ctx := context.Background()

	lease, err := tr.Begin(ctx, ref, "c1")
	require.NoError(t, err)
	require.NoError(t, lease.Complete(ctx, "g1", store.ChunkStats{}))

	lease, err = tr.Begin(ctx, ref, "c2")
	require.NoError(t, err)
	require.NoError(t, lease.Fail(ctx, "embed: provider down"))

	rec, _, err := tr.Record(ctx, ref.FullName())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, "c1", rec.LastIndexedCommit)
	assert.Equal(t, "g1", rec.Generation)
	assert.Equal(t, "embed: provider down", rec.LastError)

	fresh, err := tr.Freshness(ctx, ref.FullName(), "c1")
	require.NoError(t, err)
	assert.Equal(t, Stale, fresh, "failed records are retried")

	_, err = tr.Begin(ctx, ref, "c2")
	assert.NoError(t, err)
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	tr, _, c := newTestTracker(time.Minute)
	ctx := context.Background()

	stale, err := tr.Begin(ctx, ref, "c1")
	require.NoError(t, err)
	c.advance(2 * time.Minute)

	fresh, err := tr.Begin(ctx, ref, "c2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, fresh.Previous.Status)

	assert.ErrorIs(t, stale.Complete(ctx, "g-stale", store.ChunkStats{}), ErrLeaseLost)
	assert.ErrorIs(t, stale.Fail(ctx, "late"), ErrLeaseLost)
	require.NoError(t, fresh.Complete(ctx, "g2", store.ChunkStats{}))

	rec, _, err := tr.Record(ctx, ref.FullName())
	require.NoError(t, err)
	assert.Equal(t, "c2", rec.LastIndexedCommit)
	assert.Equal(t, "g2", rec.Generation)
}

func TestReap(t *testing.T) {
	tr, _, c := newTestTracker(time.Minute)
	ctx := context.Background()

	lease, err := tr.Begin(ctx, ref, "c1")
	require.NoError(t, err)

	reaped, err := tr.Reap(ctx)
	require.NoError(t, err)
	assert.Empty(t, reaped, "live lease is kept")

	c.advance(2 * time.Minute)
	reaped, err = tr.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ref.FullName()}, reaped)

	rec, _, err := tr.Record(ctx, ref.FullName())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, "run exceeded lease", rec.LastError)
	assert.ErrorIs(t, lease.Complete(ctx, "g1", store.ChunkStats{}), ErrLeaseLost)
}

func TestWatchdog(t *testing.T) {
	tr, _, c := newTestTracker(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := tr.Begin(ctx, ref, "c1")
	require.NoError(t, err)
	c.advance(time.Hour)

	done := make(chan struct{})
	go func() {
		tr.Watchdog(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		rec, _, err := tr.Record(context.Background(), ref.FullName())
		return err == nil && rec.Status == models.StatusFailed
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
}

func TestNewDefaults(t *testing.T) {
	assert.Equal(t, DefaultLeaseTTL, New(store.NewMemory(0), 0).TTL())
	assert.Equal(t, "abcdef1", short("abcdef1234"))
	assert.Equal(t, "abc", short("abc"))
}
