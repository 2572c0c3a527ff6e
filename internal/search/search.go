package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoindex/internal/ai"
	"github.com/seanblong/repoindex/internal/chunker"
	"github.com/seanblong/repoindex/internal/store"
	"github.com/seanblong/repoindex/pkg/models"
)

const (
	DefaultK        = 10
	MaxK            = 100
	queryCacheSize  = 512
	maxAskContext   = 24000
	askSystemPrompt = "You answer questions about a source code repository. Use only the numbered excerpts provided, cite them as [n], and say so when they do not contain the answer."
)

var (
	// ErrNotIndexed is returned when a repository has no embedded chunks to rank.
	ErrNotIndexed = errors.New("repository not indexed")
	ErrEmptyQuery = errors.New("query is empty")
	// ErrKTooLarge rejects result counts above MaxK.
	ErrKTooLarge = fmt.Errorf("k must not exceed %d", MaxK)
)

// ChunkReader is the part of the store search reads from.
type ChunkReader interface {
	Chunks(ctx context.Context, repository string, f store.ChunkFilter) ([]models.Chunk, error)
}

// QueryOpts narrow the candidate set before ranking.
type QueryOpts struct {
	Language     string // optional: "shell"|"python"|"go"|...
	PathContains string // optional substring filter
}

type Service struct {
	Client ai.Client
	Store  ChunkReader
	cache  *lru.Cache[string, []float32]
}

// NewService creates a new search service with the provided AI client and store
func NewService(client ai.Client, st ChunkReader) *Service {
	cache, _ := lru.New[string, []float32](queryCacheSize)
	return &Service{
		Client: client,
		Store:  st,
		cache:  cache,
	}
}

// QueryVector ranks the embedded chunks of repository against vec. The
// chunks come from one read of the live generation.
func (s *Service) QueryVector(ctx context.Context, repository string, vec []float32, k int, opt QueryOpts) ([]models.SearchResult, error) {
	k, err := resolveK(k)
	if err != nil {
		return nil, err
	}
	chunks, err := s.Store.Chunks(ctx, repository, store.ChunkFilter{EmbeddedOnly: true})
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexed, repository)
	}
	if dim := len(chunks[0].Embedding); len(vec) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", store.ErrDimensionMismatch, len(vec), dim)
	}

	filter := store.ChunkFilter{Language: opt.Language, PathContains: opt.PathContains}
	candidates := chunks[:0]
	for _, c := range chunks {
		if filter.Match(c) {
			candidates = append(candidates, c)
		}
	}
	return rank(vec, candidates, k), nil
}

// Query embeds q and ranks against it. Query vectors are cached by text.
func (s *Service) Query(ctx context.Context, repository, q string, k int, opt QueryOpts) ([]models.SearchResult, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, ErrEmptyQuery
	}
	if _, err := resolveK(k); err != nil {
		return nil, err
	}
	vec, err := s.embedQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	return s.QueryVector(ctx, repository, vec, k, opt)
}

func (s *Service) embedQuery(ctx context.Context, q string) ([]float32, error) {
	if v, ok := s.cache.Get(q); ok {
		return v, nil
	}
	vecs, err := s.Client.Embed(ctx, []string{q})
	if err != nil {
		log.Error().Err(err).Str("query", q).Msg("query embedding failed")
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 || vecs[0] == nil {
		return nil, errors.New("embed query: provider returned no vector")
	}
	s.cache.Add(q, vecs[0])
	return vecs[0], nil
}

// Answer pairs the sources an answer is grounded on with the token stream
// that produces it. Tokens is lazy and can be ranged over once.
type Answer struct {
	Sources []models.SearchResult
	Tokens  iter.Seq2[string, error]
}

// Ask retrieves the top k chunks for question and starts a generation over
// them. Nothing is generated until Tokens is ranged over; breaking out of the
// loop cancels the provider stream.
func (s *Service) Ask(ctx context.Context, repository, question string, k int) (Answer, error) {
	sources, err := s.Query(ctx, repository, question, k, QueryOpts{})
	if err != nil {
		return Answer{}, err
	}
	prompt := ai.Prompt{System: askSystemPrompt, User: askPrompt(repository, strings.TrimSpace(question), sources)}
	return Answer{Sources: sources, Tokens: s.Client.Generate(ctx, prompt)}, nil
}

func askPrompt(repository, question string, sources []models.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n\n", repository)
	for i, r := range sources {
		code := chunker.CodeOf(r.Chunk.Text)
		if code == "" {
			code = r.Chunk.Content
		}
		excerpt := fmt.Sprintf("[%d] %s:%d-%d\n```%s\n%s\n```\n\n",
			i+1, r.Chunk.Path, r.Chunk.LineStart, r.Chunk.LineEnd, r.Chunk.Language, strings.TrimRight(code, "\n"))
		if b.Len()+len(excerpt) > maxAskContext && i > 0 {
			break
		}
		b.WriteString(excerpt)
	}
	fmt.Fprintf(&b, "Question: %s\n", question)
	return b.String()
}

// resolveK maps a non-positive k to DefaultK.
func resolveK(k int) (int, error) {
	switch {
	case k <= 0:
		return DefaultK, nil
	case k > MaxK:
		return 0, fmt.Errorf("%w (got %d)", ErrKTooLarge, k)
	}
	return k, nil
}

// rank scores every chunk by cosine similarity and returns the best k,
// ordered by score, then path, then first line.
func rank(q []float32, chunks []models.Chunk, k int) []models.SearchResult {
	out := make([]models.SearchResult, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, models.SearchResult{Chunk: c, Score: cosine(q, c.Embedding)})
	}
	slices.SortFunc(out, func(a, b models.SearchResult) int {
		return cmp.Or(
			cmp.Compare(b.Score, a.Score),
			cmp.Compare(a.Chunk.Path, b.Chunk.Path),
			cmp.Compare(a.Chunk.LineStart, b.Chunk.LineStart),
		)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
