package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/repoindex/internal/ai"
	"github.com/seanblong/repoindex/internal/store"
	"github.com/seanblong/repoindex/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockAIClient implements the ai.Client interface for testing
type MockAIClient struct {
	EmbedFunc    func(ctx context.Context, texts []string) ([][]float32, error)
	GenerateFunc func(ctx context.Context, prompt ai.Prompt) iter.Seq2[string, error]
	DimFunc      func() int

	embedCalls int
}

func (m *MockAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.embedCalls++
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (m *MockAIClient) Generate(ctx context.Context, prompt ai.Prompt) iter.Seq2[string, error] {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return func(yield func(string, error) bool) {
		yield("mock answer", nil)
	}
}

func (m *MockAIClient) Dim() int {
	if m.DimFunc != nil {
		return m.DimFunc()
	}
	return 3
}

// MockChunkReader implements ChunkReader for testing
type MockChunkReader struct {
	ChunksFunc func(ctx context.Context, repository string, f store.ChunkFilter) ([]models.Chunk, error)
}

func (m *MockChunkReader) Chunks(ctx context.Context, repository string, f store.ChunkFilter) ([]models.Chunk, error) {
	if m.ChunksFunc != nil {
		return m.ChunksFunc(ctx, repository, f)
	}
	return nil, nil
}

// staticReader serves chunks the way a store would, honouring the filter.
func staticReader(chunks ...models.Chunk) *MockChunkReader {
	return &MockChunkReader{
		ChunksFunc: func(ctx context.Context, repository string, f store.ChunkFilter) ([]models.Chunk, error) {
			var out []models.Chunk
			for _, c := range chunks {
				if f.Match(c) {
					out = append(out, c)
				}
			}
			return out, nil
		},
	}
}

func chunk(path, lang string, line int, vec ...float32) models.Chunk {
	return models.Chunk{
		ID:        fmt.Sprintf("%s:%d", path, line),
		Path:      path,
		Language:  lang,
		LineStart: line,
		LineEnd:   line + 9,
		Content:   "code at " + path,
		Embedding: vec,
	}
}

func paths(results []models.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = fmt.Sprintf("%s:%d", r.Chunk.Path, r.Chunk.LineStart)
	}
	return out
}

func TestNewService(t *testing.T) {
	client := &MockAIClient{}
	reader := &MockChunkReader{}

	service := NewService(client, reader)

	if service == nil {
		t.Fatal("NewService returned nil")
	}
	if service.Client != client {
		t.Error("Client not set correctly")
	}
	if service.Store != reader {
		t.Error("Store not set correctly")
	}
	if service.cache == nil {
		t.Error("query cache not initialized")
	}
}

func TestQueryVectorRanking(t *testing.T) {
	corpus := []models.Chunk{
		chunk("b.go", "go", 1, 1, 0, 0),
		chunk("a.go", "go", 20, 1, 0, 0),
		chunk("a.go", "go", 5, 1, 0, 0),
		chunk("c.py", "python", 1, 0, 1, 0),
		chunk("d.py", "python", 1, 0.7, 0.7, 0),
		chunk("e.md", "markdown", 1), // not embedded
	}

	tests := []struct {
		name     string
		query    []float32
		k        int
		opts     QueryOpts
		expected []string
	}{
		{
			name:     "ties break on path then line",
			query:    []float32{1, 0, 0},
			k:        3,
			expected: []string{"a.go:5", "a.go:20", "b.go:1"},
		},
		{
			name:     "scores order results",
			query:    []float32{0, 1, 0},
			k:        2,
			expected: []string{"c.py:1", "d.py:1"},
		},
		{
			name:     "zero k uses default",
			query:    []float32{1, 0, 0},
			k:        0,
			expected: []string{"a.go:5", "a.go:20", "b.go:1", "d.py:1", "c.py:1"},
		},
		{
			name:     "language filter",
			query:    []float32{1, 0, 0},
			k:        10,
			opts:     QueryOpts{Language: "python"},
			expected: []string{"d.py:1", "c.py:1"},
		},
		{
			name:     "path filter is case insensitive",
			query:    []float32{1, 0, 0},
			k:        10,
			opts:     QueryOpts{PathContains: "A.GO"},
			expected: []string{"a.go:5", "a.go:20"},
		},
		{
			name:     "filter matching nothing",
			query:    []float32{1, 0, 0},
			k:        10,
			opts:     QueryOpts{Language: "rust"},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewService(&MockAIClient{}, staticReader(corpus...))
			results, err := service.QueryVector(context.Background(), "acme/widgets", tt.query, tt.k, tt.opts)
			if err != nil {
				t.Fatalf("QueryVector() error = %v", err)
			}
			if got := paths(results); !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("QueryVector() = %v, want %v", got, tt.expected)
			}
			for i := 1; i < len(results); i++ {
				if results[i].Score > results[i-1].Score {
					t.Errorf("results not sorted by score at %d", i)
				}
			}
		})
	}
}

func TestQueryVectorPartialCoverage(t *testing.T) {
	// 8 of 10 chunks embedded: only those 8 are searchable.
	var corpus []models.Chunk
	for i := 0; i < 10; i++ {
		c := chunk(fmt.Sprintf("f%02d.go", i), "go", 1, 1, float32(i), 0)
		if i == 3 || i == 7 {
			c.Embedding = nil
		}
		corpus = append(corpus, c)
	}
	service := NewService(&MockAIClient{}, staticReader(corpus...))

	results, err := service.QueryVector(context.Background(), "acme/widgets", []float32{1, 0, 0}, 100, QueryOpts{})
	if err != nil {
		t.Fatalf("QueryVector() error = %v", err)
	}
	if len(results) != 8 {
		t.Fatalf("expected 8 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Chunk.Path == "f03.go" || r.Chunk.Path == "f07.go" {
			t.Errorf("unembedded chunk %s returned", r.Chunk.Path)
		}
	}
}

func TestQueryVectorErrors(t *testing.T) {
	storeErr := errors.New("database unavailable")

	tests := []struct {
		name    string
		reader  *MockChunkReader
		query   []float32
		k       int
		wantErr error
	}{
		{
			name:    "nothing indexed",
			reader:  staticReader(),
			query:   []float32{1, 0, 0},
			wantErr: ErrNotIndexed,
		},
		{
			name:    "nothing embedded",
			reader:  staticReader(chunk("a.go", "go", 1)),
			query:   []float32{1, 0, 0},
			wantErr: ErrNotIndexed,
		},
		{
			name:    "dimension mismatch",
			reader:  staticReader(chunk("a.go", "go", 1, 1, 0, 0)),
			query:   []float32{1, 0},
			wantErr: store.ErrDimensionMismatch,
		},
		{
			name: "store error",
			reader: &MockChunkReader{ChunksFunc: func(context.Context, string, store.ChunkFilter) ([]models.Chunk, error) {
				return nil, storeErr
			}},
			query:   []float32{1, 0, 0},
			wantErr: storeErr,
		},
		{
			name:    "k above maximum",
			reader:  staticReader(chunk("a.go", "go", 1, 1, 0, 0)),
			query:   []float32{1, 0, 0},
			k:       MaxK + 1,
			wantErr: ErrKTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewService(&MockAIClient{}, tt.reader)
			_, err := service.QueryVector(context.Background(), "acme/widgets", tt.query, cmp.Or(tt.k, 5), QueryOpts{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("QueryVector() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestQuery(t *testing.T) {
	corpus := []models.Chunk{
		chunk("x.go", "go", 1, 1, 0, 0),
		chunk("y.go", "go", 1, 0, 1, 0),
	}

	t.Run("embeds the trimmed query", func(t *testing.T) {
		var seen []string
		client := &MockAIClient{EmbedFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
			seen = append(seen, texts...)
			return [][]float32{{0, 1, 0}}, nil
		}}
		service := NewService(client, staticReader(corpus...))

		results, err := service.Query(context.Background(), "acme/widgets", "  where is y  ", 1, QueryOpts{})
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if !reflect.DeepEqual(seen, []string{"where is y"}) {
			t.Errorf("embedded %q", seen)
		}
		if got := paths(results); !reflect.DeepEqual(got, []string{"y.go:1"}) {
			t.Errorf("Query() = %v", got)
		}
	})

	t.Run("caches query vectors", func(t *testing.T) {
		client := &MockAIClient{}
		service := NewService(client, staticReader(corpus...))
		for i := 0; i < 3; i++ {
			if _, err := service.Query(context.Background(), "acme/widgets", "same question", 2, QueryOpts{}); err != nil {
				t.Fatalf("Query() error = %v", err)
			}
		}
		if client.embedCalls != 1 {
			t.Errorf("expected 1 embed call, got %d", client.embedCalls)
		}
	})

	t.Run("empty query", func(t *testing.T) {
		client := &MockAIClient{}
		service := NewService(client, staticReader(corpus...))
		_, err := service.Query(context.Background(), "acme/widgets", "   ", 5, QueryOpts{})
		if !errors.Is(err, ErrEmptyQuery) {
			t.Errorf("expected ErrEmptyQuery, got %v", err)
		}
		if client.embedCalls != 0 {
			t.Error("empty query should not be embedded")
		}
	})

	t.Run("embedding error is not cached", func(t *testing.T) {
		fail := true
		client := &MockAIClient{EmbedFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
			if fail {
				return nil, errors.New("rate limited")
			}
			return [][]float32{{1, 0, 0}}, nil
		}}
		service := NewService(client, staticReader(corpus...))

		if _, err := service.Query(context.Background(), "acme/widgets", "q", 5, QueryOpts{}); err == nil || !strings.Contains(err.Error(), "rate limited") {
			t.Fatalf("expected embedding error, got %v", err)
		}
		fail = false
		if _, err := service.Query(context.Background(), "acme/widgets", "q", 5, QueryOpts{}); err != nil {
			t.Fatalf("retry after failure: %v", err)
		}
		if client.embedCalls != 2 {
			t.Errorf("expected 2 embed calls, got %d", client.embedCalls)
		}
	})

	t.Run("missing vector", func(t *testing.T) {
		client := &MockAIClient{EmbedFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
			return [][]float32{nil}, nil
		}}
		service := NewService(client, staticReader(corpus...))
		if _, err := service.Query(context.Background(), "acme/widgets", "q", 5, QueryOpts{}); err == nil {
			t.Error("expected error for missing query vector")
		}
	})
}

func TestQueryAgainstMemoryStore(t *testing.T) {
	ctx := context.Background()
	ref := models.RepositoryRef{Owner: "acme", Name: "widgets", Branch: "main"}
	client := ai.NewStubClient(256)
	st := store.NewMemory(client.Dim())

	texts := map[string]string{
		"auth/login.go":   "func Login(user, password string) error { return checkPassword(user, password) }",
		"render/page.go":  "func RenderPage(w io.Writer, page Page) error { return tmpl.Execute(w, page) }",
		"storage/disk.go": "func WriteBlock(disk *Disk, block []byte) error { return disk.Write(block) }",
	}
	var chunks []models.Chunk
	for p, text := range texts {
		vecs, err := client.Embed(ctx, []string{text})
		if err != nil {
			t.Fatal(err)
		}
		c := chunk(p, "go", 1, vecs[0]...)
		c.Text = text
		chunks = append(chunks, c)
	}

	start := time.Now().UTC()
	if _, ok, err := st.BeginRun(ctx, store.BeginParams{Ref: ref, RunID: "r1", Commit: "c1", StartedAt: start, ExpiredBefore: start.Add(-time.Hour)}); err != nil || !ok {
		t.Fatalf("BeginRun() = %v, %v", ok, err)
	}
	if err := st.WriteChunks(ctx, ref.FullName(), "g1", chunks); err != nil {
		t.Fatal(err)
	}

	service := NewService(client, st)
	if _, err := service.Query(ctx, ref.FullName(), "login password", 1, QueryOpts{}); !errors.Is(err, ErrNotIndexed) {
		t.Fatalf("unpublished generation should not be visible, got %v", err)
	}

	if ok, err := st.CompleteRun(ctx, store.CompleteParams{Repository: ref.FullName(), RunID: "r1", Commit: "c1", Generation: "g1", At: start}); err != nil || !ok {
		t.Fatalf("CompleteRun() = %v, %v", ok, err)
	}
	results, err := service.Query(ctx, ref.FullName(), "login password", 1, QueryOpts{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 1 || results[0].Chunk.Path != "auth/login.go" {
		t.Errorf("Query() = %v, want auth/login.go", paths(results))
	}
}

func TestAsk(t *testing.T) {
	corpus := []models.Chunk{
		chunk("x.go", "go", 1, 1, 0, 0),
		chunk("y.go", "go", 12, 0.9, 0.1, 0),
	}
	corpus[0].Text = "# File: x.go\n# ===== CODE =====\nfunc X() {}\n"

	var prompt ai.Prompt
	generated := false
	client := &MockAIClient{GenerateFunc: func(ctx context.Context, p ai.Prompt) iter.Seq2[string, error] {
		prompt = p
		return func(yield func(string, error) bool) {
			generated = true
			for _, tok := range []string{"X ", "is ", "defined ", "in [1]"} {
				if !yield(tok, nil) {
					return
				}
			}
		}
	}}
	service := NewService(client, staticReader(corpus...))

	answer, err := service.Ask(context.Background(), "acme/widgets", " where is X? ", 2)
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if got := paths(answer.Sources); !reflect.DeepEqual(got, []string{"x.go:1", "y.go:12"}) {
		t.Errorf("sources = %v", got)
	}
	if generated {
		t.Error("tokens generated before the stream was consumed")
	}

	text, err := ai.Collect(answer.Tokens)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if text != "X is defined in [1]" {
		t.Errorf("answer = %q", text)
	}
	if prompt.System == "" {
		t.Error("system prompt not set")
	}
	for _, want := range []string{"Repository: acme/widgets", "[1] x.go:1-10", "func X() {}", "[2] y.go:12-21", "code at y.go", "Question: where is X?"} {
		if !strings.Contains(prompt.User, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt.User)
		}
	}
	if strings.Contains(prompt.User, "# File:") {
		t.Error("prompt should carry code without the context header")
	}
}

func TestAskNotIndexed(t *testing.T) {
	client := &MockAIClient{GenerateFunc: func(ctx context.Context, p ai.Prompt) iter.Seq2[string, error] {
		t.Error("Generate should not be called")
		return nil
	}}
	service := NewService(client, staticReader())
	if _, err := service.Ask(context.Background(), "acme/widgets", "anything", 5); !errors.Is(err, ErrNotIndexed) {
		t.Errorf("expected ErrNotIndexed, got %v", err)
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"scale invariant", []float32{1, 1}, []float32{3, 3}, 1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosine(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("cosine() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveK(t *testing.T) {
	for k, want := range map[int]int{-1: DefaultK, 0: DefaultK, 3: 3, MaxK: MaxK} {
		got, err := resolveK(k)
		if err != nil || got != want {
			t.Errorf("resolveK(%d) = %d, %v, want %d", k, got, err, want)
		}
	}
	if _, err := resolveK(MaxK + 1); !errors.Is(err, ErrKTooLarge) {
		t.Errorf("resolveK(%d) error = %v, want ErrKTooLarge", MaxK+1, err)
	}
}
