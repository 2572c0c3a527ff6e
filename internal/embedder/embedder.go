// Package embedder turns chunks into vectors through an ai.Client.
//
// Chunks are sent in fixed-size batches with a bounded number in flight.
// Items the provider could not embed are retried on their own with
// exponential backoff, and a request the provider rejects outright is split
// until the offending input is isolated. Whatever still fails is left
// without a vector and reported in the Result rather than failing the call.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoindex/internal/ai"
	"github.com/seanblong/repoindex/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize     = 25
	DefaultConcurrency   = 4
	DefaultMaxInputChars = 8000
)

var (
	// ErrPartialEmbeddingFailure reports that some chunks were left without a
	// vector. The accompanying Result is still valid.
	ErrPartialEmbeddingFailure = errors.New("partial embedding failure")
	// ErrEmbeddingDimensionMismatch means the provider returned a vector of
	// the wrong length. It is never retried.
	ErrEmbeddingDimensionMismatch = errors.New("embedding dimension mismatch")

	errIncomplete = errors.New("batch incomplete")
)

type Options struct {
	BatchSize     int
	Concurrency   int
	MaxAttempts   int
	MaxInputChars int
}

type Embedder struct {
	client ai.Client
	opts   Options
	retry  RetryConfig
}

func New(client ai.Client, opts Options) *Embedder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = DefaultMaxInputChars
	}
	retry := DefaultRetryConfig()
	retry.MaxAttempts = opts.MaxAttempts
	return &Embedder{client: client, opts: opts, retry: retry}
}

// Dim is the vector length every embedded chunk will have.
func (e *Embedder) Dim() int { return e.client.Dim() }

// Result is the outcome of Embed. Chunks is in input order.
type Result struct {
	Chunks    []models.Chunk
	Embedded  int
	Failed    int
	FailedIDs []string
}

// Coverage returns the embedded fraction in percent.
func (r Result) Coverage() float64 {
	if len(r.Chunks) == 0 {
		return 100
	}
	return 100 * float64(r.Embedded) / float64(len(r.Chunks))
}

// Embed fills in the vector of every chunk that has none. The input slice is
// not modified. A non-nil error other than ErrPartialEmbeddingFailure means
// the run must not be persisted.
func (e *Embedder) Embed(ctx context.Context, chunks []models.Chunk) (Result, error) {
	out := make([]models.Chunk, len(chunks))
	copy(out, chunks)

	var pending []int
	for i, ch := range out {
		if !ch.Embedded() {
			pending = append(pending, i)
		}
	}

	vectors := make(map[string][]float32, len(pending))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for start := 0; start < len(pending); start += e.opts.BatchSize {
		batch := pending[start:min(start+e.opts.BatchSize, len(pending))]
		g.Go(func() error {
			got, err := e.embedBatch(gctx, out, batch)
			mu.Lock()
			for id, v := range got {
				vectors[id] = v
			}
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Result{Chunks: chunks}, err
	}

	res := Result{Chunks: out}
	for i := range out {
		if v, ok := vectors[out[i].ID]; ok && !out[i].Embedded() {
			out[i].Embedding = v
		}
		if out[i].Embedded() {
			res.Embedded++
		} else {
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, out[i].ID)
		}
	}

	log.Debug().Int("chunks", len(out)).Int("requested", len(pending)).Int("failed", res.Failed).Msg("embedding finished")
	if res.Failed > 0 {
		return res, fmt.Errorf("%w: %d of %d chunks", ErrPartialEmbeddingFailure, res.Failed, len(out))
	}
	return res, nil
}

// embedBatch embeds chunks[idx...], retrying only the items still missing.
// Items missing after the last attempt are left out of the returned map.
func (e *Embedder) embedBatch(ctx context.Context, chunks []models.Chunk, idx []int) (map[string][]float32, error) {
	got := make(map[string][]float32, len(idx))
	return got, e.embedInto(ctx, chunks, idx, e.retry, got)
}

// embedInto runs the retry loop for idx and stores vectors in got. Providers
// reject a whole request for one bad input, so when the call itself keeps
// failing the items are split in halves and each half is tried once more,
// down to single items.
func (e *Embedder) embedInto(ctx context.Context, chunks []models.Chunk, idx []int, cfg RetryConfig, got map[string][]float32) error {
	remaining := idx
	dim := e.client.Dim()
	callFailed := false

	_, err := retryWithBackoff(ctx, cfg, func(attempt int) (struct{}, error) {
		texts := make([]string, len(remaining))
		for i, c := range remaining {
			texts[i] = truncateRunes(chunks[c].Text, e.opts.MaxInputChars)
		}
		vecs, err := e.client.Embed(ctx, texts)
		callFailed = err != nil
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt+1).Int("items", len(remaining)).Msg("embedding call failed")
			return struct{}{}, err
		}

		var missing []int
		for i, c := range remaining {
			var v []float32
			if i < len(vecs) {
				v = vecs[i]
			}
			if v == nil {
				missing = append(missing, c)
				continue
			}
			if len(v) != dim {
				return struct{}{}, permanent(fmt.Errorf("%w: chunk %s has %d dimensions, want %d",
					ErrEmbeddingDimensionMismatch, chunks[c].ID, len(v), dim))
			}
			got[chunks[c].ID] = v
		}
		remaining = missing
		if len(remaining) > 0 {
			log.Debug().Int("attempt", attempt+1).Int("missing", len(remaining)).Msg("retrying unembedded items")
			return struct{}{}, errIncomplete
		}
		return struct{}{}, nil
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrEmbeddingDimensionMismatch), ctx.Err() != nil:
		return err
	case callFailed && len(remaining) > 1:
		half := len(remaining) / 2
		log.Debug().Int("items", len(remaining)).Msg("splitting rejected batch")
		once := cfg
		once.MaxAttempts = 1
		for _, part := range [][]int{remaining[:half], remaining[half:]} {
			if err := e.embedInto(ctx, chunks, part, once, got); err != nil {
				return err
			}
		}
		return nil
	default:
		log.Warn().Err(err).Int("unembedded", len(remaining)).Msg("giving up on items after retries")
		return nil
	}
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
