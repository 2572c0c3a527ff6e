package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/repoindex/internal/ai"
	"github.com/seanblong/repoindex/internal/chunker"
	"github.com/seanblong/repoindex/internal/embedder"
	"github.com/seanblong/repoindex/internal/fetcher"
	"github.com/seanblong/repoindex/internal/store"
	"github.com/seanblong/repoindex/internal/tracker"
	"github.com/seanblong/repoindex/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

const testDim = 16

var ref = models.RepositoryRef{Owner: "acme", Name: "widgets", Branch: "main"}

type fakeSource struct {
	mu        sync.Mutex
	head      string
	files     []models.RawFile
	fetchErr  error
	fetches   int
	resolves  int
	creds     []string
	FetchFunc func(ctx context.Context) error
}

func (f *fakeSource) Resolve(ctx context.Context, r models.RepositoryRef, credential string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	return f.head, nil
}

func (f *fakeSource) Fetch(ctx context.Context, r models.RepositoryRef, commitSHA, credential string) ([]models.RawFile, error) {
	f.mu.Lock()
	f.fetches++
	f.creds = append(f.creds, credential)
	fn, files, err := f.FetchFunc, f.files, f.fetchErr
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx); err != nil {
			return nil, err
		}
	}
	return files, err
}

func (f *fakeSource) set(head string, files ...models.RawFile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = head
	f.files = files
}

// countingClient embeds with the stub and records every text it was asked for.
// Texts containing "UNEMBEDDABLE" come back without a vector.
type countingClient struct {
	stub  *ai.StubClient
	mu    sync.Mutex
	texts []string
}

func (c *countingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.texts = append(c.texts, texts...)
	c.mu.Unlock()
	out, err := c.stub.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i, t := range texts {
		if strings.Contains(t, "UNEMBEDDABLE") {
			out[i] = nil
		}
	}
	return out, nil
}

func (c *countingClient) Generate(ctx context.Context, p ai.Prompt) iter.Seq2[string, error] {
	return c.stub.Generate(ctx, p)
}

func (c *countingClient) Dim() int { return c.stub.Dim() }

func (c *countingClient) embedded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

type harness struct {
	o       *Orchestrator
	store   *store.MemoryStore
	source  *fakeSource
	client  *countingClient
	tracker *tracker.Tracker
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ch, err := chunker.New(chunker.Options{MaxLines: 40, Overlap: 5})
	require.NoError(t, err)
	client := &countingClient{stub: ai.NewStubClient(testDim)}
	st := store.NewMemory(testDim)
	tr := tracker.New(st, time.Hour)
	src := &fakeSource{}
	o := New(Deps{
		Source:   src,
		Chunker:  ch,
		Embedder: embedder.New(client, embedder.Options{BatchSize: 4, Concurrency: 2, MaxAttempts: 1}),
		Store:    st,
		Tracker:  tr,
	}, opts)
	return &harness{o: o, store: st, source: src, client: client, tracker: tr}
}

func goFile(path string, funcs ...string) models.RawFile {
	var b strings.Builder
	b.WriteString("package demo\n\n")
	for _, name := range funcs {
		fmt.Fprintf(&b, "// %s does its job.\nfunc %s() int {\n", name, name)
		for i := 0; i < 12; i++ {
			fmt.Fprintf(&b, "\tx%d := %d\n", i, i)
		}
		b.WriteString("\treturn 0\n}\n\n")
	}
	content := []byte(b.String())
	return models.RawFile{Path: path, Language: "go", Content: content, Size: int64(len(content))}
}

func TestRunPipelineIndexesThenCaches(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.source.set("c1", goFile("a.go", "Alpha", "Beta", "Gamma"), goFile("b.go", "Delta"))

	resp := h.o.RunPipeline(ctx, Request{Repository: "acme/widgets"})
	require.True(t, resp.Success, resp.Message)
	assert.False(t, resp.WasCached)
	assert.Equal(t, "c1", resp.CommitSHA)
	assert.Equal(t, 2, resp.TotalFiles)
	assert.Positive(t, resp.TotalChunks)
	assert.Equal(t, resp.TotalChunks, resp.TotalEmbedded)
	assert.Equal(t, models.OutcomeSuccess, resp.Outcome)

	status, err := h.o.Status(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "c1", status.LastIndexedCommit)
	assert.Equal(t, "main", status.Branch)
	assert.Equal(t, models.StatusIdle, status.Status)
	assert.Equal(t, resp.TotalChunks, status.ChunkCount)
	assert.Equal(t, resp.TotalEmbedded, status.EmbeddedCount)
	require.NotNil(t, status.IndexedAt)

	embedded, fetches := h.client.embedded(), h.source.fetches
	again := h.o.RunPipeline(ctx, Request{Repository: "acme/widgets"})
	require.True(t, again.Success, again.Message)
	assert.True(t, again.WasCached)
	assert.Equal(t, resp.TotalChunks, again.TotalChunks)
	assert.Equal(t, fetches, h.source.fetches, "fresh index must not fetch")
	assert.Equal(t, embedded, h.client.embedded(), "fresh index must not embed")
}

func TestRunReusesUnchangedVectors(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.source.set("c1", goFile("a.go", "Alpha"), goFile("b.go", "Beta"))

	first, err := h.o.Run(ctx, ref, "c1", RunOptions{})
	require.NoError(t, err)
	require.Equal(t, first.ChunksProduced, first.ChunksEmbedded)
	before := h.client.embedded()
	assert.Equal(t, first.ChunksProduced, before)

	h.source.set("c2", goFile("a.go", "Alpha"), goFile("b.go", "Bravo"))
	second, err := h.o.Run(ctx, ref, "c2", RunOptions{})
	require.NoError(t, err)

	changed := h.client.embedded() - before
	assert.Positive(t, second.ChunksReused)
	assert.Equal(t, second.ChunksProduced, second.ChunksReused+changed)
	assert.Equal(t, second.ChunksProduced, second.ChunksEmbedded)

	stats, err := h.store.ChunkStats(ctx, ref.FullName())
	require.NoError(t, err)
	assert.Equal(t, second.ChunksProduced, stats.Total, "old generation pruned, new one live")
}

func TestRunForceReembed(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.source.set("c1", goFile("a.go", "Alpha", "Beta"))

	first, err := h.o.Run(ctx, ref, "c1", RunOptions{})
	require.NoError(t, err)
	before := h.client.embedded()

	h.source.set("c2", goFile("a.go", "Alpha", "Beta"))
	second, err := h.o.Run(ctx, ref, "c2", RunOptions{ForceReembed: true})
	require.NoError(t, err)
	assert.Zero(t, second.ChunksReused)
	assert.Equal(t, first.ChunksProduced, h.client.embedded()-before)
}

func TestRunPartialEmbedding(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	bad := goFile("bad.go", "Broken")
	bad.Content = []byte(strings.Replace(string(bad.Content), "does its job", "is UNEMBEDDABLE", 1))
	h.source.set("c1", goFile("a.go", "Alpha", "Beta"), bad)

	run, err := h.o.Run(ctx, ref, "c1", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePartial, run.Outcome)
	assert.Less(t, run.ChunksEmbedded, run.ChunksProduced)
	assert.Contains(t, run.Error, "partial embedding failure")

	rec, _, err := h.tracker.Record(ctx, ref.FullName())
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.LastIndexedCommit, "partial runs still advance the commit")

	all, err := h.store.Chunks(ctx, ref.FullName(), store.ChunkFilter{})
	require.NoError(t, err)
	assert.Len(t, all, run.ChunksProduced, "unembedded chunks are stored")
	embedded, err := h.store.Chunks(ctx, ref.FullName(), store.ChunkFilter{EmbeddedOnly: true})
	require.NoError(t, err)
	assert.Len(t, embedded, run.ChunksEmbedded)
	for _, c := range embedded {
		assert.NotEqual(t, "bad.go", c.Path)
	}

	resp := h.o.RunPipeline(ctx, Request{Repository: "acme/widgets", Force: true})
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, "coverage")
}

func TestRunFetchFailureKeepsIndex(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.source.set("c1", goFile("a.go", "Alpha"))
	_, err := h.o.Run(ctx, ref, "c1", RunOptions{})
	require.NoError(t, err)
	live, err := h.store.Chunks(ctx, ref.FullName(), store.ChunkFilter{})
	require.NoError(t, err)

	h.source.set("c2", goFile("a.go", "Alpha"))
	h.source.fetchErr = fmt.Errorf("%w: 502 bad gateway", fetcher.ErrSourceUnavailable)

	resp := h.o.RunPipeline(ctx, Request{Repository: "acme/widgets"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "fetch stage failed")
	assert.Contains(t, resp.Message, "bad gateway")

	rec, _, err := h.tracker.Record(ctx, ref.FullName())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, "c1", rec.LastIndexedCommit)
	assert.Contains(t, rec.LastError, "source unavailable")

	after, err := h.store.Chunks(ctx, ref.FullName(), store.ChunkFilter{})
	require.NoError(t, err)
	assert.Equal(t, live, after, "failed run leaves the live generation untouched")
}

func TestRunEmptyRepository(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.source.set("c1")
	h.source.fetchErr = fetcher.ErrRepositoryEmpty

	run, err := h.o.Run(ctx, ref, "c1", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, run.Outcome)
	assert.Zero(t, run.ChunksProduced)

	fresh, err := h.tracker.Freshness(ctx, ref.FullName(), "c1")
	require.NoError(t, err)
	assert.Equal(t, tracker.Fresh, fresh)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.source.set("c1", goFile("a.go", "Alpha"))

	lease, err := h.tracker.Begin(ctx, ref, "c0")
	require.NoError(t, err)

	run, err := h.o.Run(ctx, ref, "c1", RunOptions{})
	assert.ErrorIs(t, err, tracker.ErrConcurrentRun)
	assert.Equal(t, StageAcquire, run.FailedStage)
	assert.Zero(t, h.source.fetches)

	resp := h.o.RunPipeline(ctx, Request{Repository: "acme/widgets"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "already in progress")

	require.NoError(t, lease.Fail(ctx, "test"))
}

func TestRunSingleFlight(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.source.set("c1", goFile("a.go", "Alpha"))
	release := make(chan struct{})
	h.source.FetchFunc = func(ctx context.Context) error {
		<-release
		return nil
	}

	var wins, rejects atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.o.Run(ctx, ref, "c1", RunOptions{})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, tracker.ErrConcurrentRun):
				rejects.Add(1)
			}
		}()
	}
	require.Eventually(t, func() bool { return rejects.Load() == 7 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
	assert.Equal(t, 1, h.source.fetches)
}

func TestRunCancel(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.set("c1", goFile("a.go", "Alpha"))
	h.source.FetchFunc = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	type result struct {
		run models.PipelineRun
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := h.o.Run(context.Background(), ref, "c1", RunOptions{})
		done <- result{run, err}
	}()

	require.Eventually(t, func() bool { return h.o.Running(ref.FullName()) }, time.Second, time.Millisecond)
	assert.True(t, h.o.Cancel(ref.FullName()))

	res := <-done
	assert.ErrorIs(t, res.err, ErrCancelled)
	assert.Equal(t, StageFetch, res.run.FailedStage)
	assert.Equal(t, models.OutcomeFailed, res.run.Outcome)
	assert.False(t, h.o.Running(ref.FullName()))
	assert.False(t, h.o.Cancel(ref.FullName()))

	rec, _, err := h.tracker.Record(context.Background(), ref.FullName())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status, "cancellation releases the lease")
}

func TestRunTimeout(t *testing.T) {
	h := newHarness(t, Options{RunTimeout: 20 * time.Millisecond})
	h.source.set("c1", goFile("a.go", "Alpha"))
	h.source.FetchFunc = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := h.o.Run(context.Background(), ref, "c1", RunOptions{})
	assert.ErrorIs(t, err, ErrRunTimeout)

	rec, _, err := h.tracker.Record(context.Background(), ref.FullName())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "timed out")
}

func TestRunCredentials(t *testing.T) {
	h := newHarness(t, Options{Credential: "server-token"})
	h.source.set("c1", goFile("a.go", "Alpha"))

	_, err := h.o.Run(context.Background(), ref, "c1", RunOptions{})
	require.NoError(t, err)
	h.source.set("c2", goFile("a.go", "Alpha"))
	_, err = h.o.Run(context.Background(), ref, "c2", RunOptions{Credential: "user-token"})
	require.NoError(t, err)
	assert.Equal(t, []string{"server-token", "user-token"}, h.source.creds)
}

func TestAfterRunHook(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.set("c1", goFile("a.go", "Alpha"))

	var got []models.PipelineRun
	h.o.AfterRun(func(r models.RepositoryRef, run models.PipelineRun) {
		assert.Equal(t, ref.FullName(), r.FullName())
		got = append(got, run)
	})

	_, err := h.o.Run(context.Background(), ref, "c1", RunOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].CommitSHA)
	assert.Equal(t, models.OutcomeSuccess, got[0].Outcome)
	assert.NotEmpty(t, got[0].RunID)
}

func TestRunPipelineBadRequest(t *testing.T) {
	h := newHarness(t, Options{})
	resp := h.o.RunPipeline(context.Background(), Request{Repository: "not-a-repo"})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Message)
	assert.Zero(t, h.source.resolves)
}

func TestRunPipelineBranchChange(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.source.set("c1", goFile("a.go", "Alpha"))

	require.True(t, h.o.RunPipeline(ctx, Request{Repository: "acme/widgets"}).Success)
	require.True(t, h.o.RunPipeline(ctx, Request{Repository: "acme/widgets", Branch: "develop"}).Success)

	status, err := h.o.Status(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "develop", status.Branch)
}

func TestStatusAndDisconnect(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.o.Status(ctx, "acme/unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)

	h.source.set("c1", goFile("a.go", "Alpha"))
	_, err = h.o.Run(ctx, ref, "c1", RunOptions{})
	require.NoError(t, err)

	require.NoError(t, h.o.Disconnect(ctx, ref.FullName()))
	_, err = h.o.Status(ctx, ref.FullName())
	assert.ErrorIs(t, err, store.ErrNotFound)
	chunks, err := h.store.Chunks(ctx, ref.FullName(), store.ChunkFilter{})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

// disconnectingStore deletes the repository right after raw files land, the
// way a Disconnect racing a run in its store stage would.
type disconnectingStore struct {
	*store.MemoryStore
}

func (s disconnectingStore) WriteRawFiles(ctx context.Context, repository, commit string, files []models.RawFile) error {
	if err := s.MemoryStore.WriteRawFiles(ctx, repository, commit, files); err != nil {
		return err
	}
	return s.MemoryStore.DeleteRepository(ctx, repository)
}

func TestRunDisconnectedDuringStoreLeavesNoData(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.source.set("c1", goFile("a.go", "Alpha"))
	h.o.store = disconnectingStore{h.store}

	run, err := h.o.Run(ctx, ref, "c1", RunOptions{})
	require.ErrorIs(t, err, tracker.ErrLeaseLost)
	assert.Equal(t, StageCommit, run.FailedStage)

	raw, err := h.store.RawFiles(ctx, ref.FullName(), "c1")
	require.NoError(t, err)
	assert.Empty(t, raw, "raw files written after the delete must not outlive it")
	_, connected, err := h.store.CommitRecord(ctx, ref.FullName())
	require.NoError(t, err)
	assert.False(t, connected)
}

func TestRunLostLeaseKeepsConnectedRepository(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.source.set("c1", goFile("a.go", "Alpha"))
	h.source.FetchFunc = func(context.Context) error {
		// another run takes the record over while this one is fetching
		rec, _, err := h.store.CommitRecord(ctx, ref.FullName())
		if err != nil {
			return err
		}
		_, err = h.store.FailRun(ctx, ref.FullName(), rec.RunID, "reaped")
		return err
	}

	_, err := h.o.Run(ctx, ref, "c1", RunOptions{})
	require.ErrorIs(t, err, tracker.ErrLeaseLost)

	raw, err := h.store.RawFiles(ctx, ref.FullName(), "c1")
	require.NoError(t, err)
	assert.NotEmpty(t, raw, "a still connected repository keeps its raw files")
}
