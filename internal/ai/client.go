package ai

import (
	"context"
	"errors"
	"hash/fnv"
	"iter"
	"math"
	"strings"
	"sync/atomic"
	"unicode"
)

// Client provides batch embeddings and streamed text generation.
//
// Embed returns one entry per input text. A nil entry marks an input the
// provider could not embed; a non-nil error means the whole call failed.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Generate(ctx context.Context, prompt Prompt) iter.Seq2[string, error]
	Dim() int
}

// Prompt is the input to a generation call.
type Prompt struct {
	System string
	User   string
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	EmbedModel string
	ChatModel  string
	Dim        int
	ProjectID  string
	Provider   Provider
	Location   string
}

// ErrStreamConsumed is yielded when a token stream is ranged over a second time.
var ErrStreamConsumed = errors.New("token stream already consumed")

// ParseProvider maps the configured provider name, accepting "google" for Vertex AI.
func ParseProvider(name string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai":
		return ProviderOpenAI, nil
	case "vertexai", "google":
		return ProviderVertexAI, nil
	case "stub", "":
		return ProviderStub, nil
	default:
		return "", errors.New("unsupported provider: " + name)
	}
}

// NewClient creates a new AI client based on configuration
func NewClient(config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	ctx := context.Background()
	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// singleUse makes a token sequence finite and non-restartable.
func singleUse(seq iter.Seq2[string, error]) iter.Seq2[string, error] {
	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if used.Swap(true) {
			yield("", ErrStreamConsumed)
			return
		}
		seq(yield)
	}
}

// Collect drains a token stream into a string.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for tok, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(tok)
	}
	return b.String(), nil
}

const defaultStubDim = 256

// StubClient is a deterministic offline client. Embeddings are hashed bags of
// words, so texts sharing vocabulary land close together.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = defaultStubDim
	}
	return &StubClient{dim: dim}
}

func (s *StubClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.vector(t)
	}
	return out, nil
}

func (s *StubClient) vector(text string) []float32 {
	v := make([]float32, s.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum32()
		idx := int(sum % uint32(s.dim))
		if sum&(1<<31) != 0 {
			v[idx] -= 1
		} else {
			v[idx] += 1
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

// Generate echoes the question back word by word.
func (s *StubClient) Generate(ctx context.Context, prompt Prompt) iter.Seq2[string, error] {
	return singleUse(func(yield func(string, error) bool) {
		words := strings.Fields("No model configured. Question: " + firstLine(prompt.User))
		for i, w := range words {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if i > 0 {
				w = " " + w
			}
			if !yield(w, nil) {
				return
			}
		}
	})
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
