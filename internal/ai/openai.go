package ai

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIClient struct {
	config *ClientConfig
	client *openai.Client
}

func NewOpenAIClient(config *ClientConfig) *OpenAIClient {
	// Set default models if not provided
	if config.EmbedModel == "" {
		config.EmbedModel = string(openai.SmallEmbedding3)
	}
	if config.ChatModel == "" {
		config.ChatModel = openai.GPT4oMini
	}
	if config.Dim == 0 {
		// Set default dimensions based on the embedding model
		switch config.EmbedModel {
		case string(openai.LargeEmbedding3):
			config.Dim = 3072
		default:
			config.Dim = 1536
		}
	}

	transport := &http.Transport{}

	// Check for environment variable to skip TLS verification (for corporate proxies, etc.)
	if skipTLS, _ := strconv.ParseBool(os.Getenv("REPOINDEX_SKIP_TLS_VERIFY")); skipTLS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	cc := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		cc.BaseURL = config.BaseURL
	}
	cc.HTTPClient = &http.Client{
		Timeout:   60 * time.Second,
		Transport: &projectTransport{base: transport, config: config},
	}

	return &OpenAIClient{
		config: config,
		client: openai.NewClientWithConfig(cc),
	}
}

// projectTransport adds the OpenAI-Project header for project-scoped keys.
type projectTransport struct {
	base   http.RoundTripper
	config *ClientConfig
}

func (t *projectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.HasPrefix(t.config.APIKey, "sk-proj-") && t.config.ProjectID != "" {
		req = req.Clone(req.Context())
		req.Header.Set("OpenAI-Project", t.config.ProjectID)
	}
	return t.base.RoundTrip(req)
}

// Embed sends all texts in one request. Results are placed by the index the
// API reports, so missing entries stay nil.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("PROVIDER_API_KEY unset")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.config.EmbedModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		if len(d.Embedding) > 0 {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}

func (c *OpenAIClient) Generate(ctx context.Context, prompt Prompt) iter.Seq2[string, error] {
	return singleUse(func(yield func(string, error) bool) {
		if c.config.APIKey == "" {
			yield("", errors.New("PROVIDER_API_KEY unset"))
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var msgs []openai.ChatCompletionMessage
		if prompt.System != "" {
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: prompt.System})
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt.User})

		stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:       c.config.ChatModel,
			Messages:    msgs,
			Temperature: 0.2,
			Stream:      true,
		})
		if err != nil {
			yield("", fmt.Errorf("openai chat stream: %w", err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(resp.Choices[0].Delta.Content, nil) {
				return
			}
		}
	})
}

func (c *OpenAIClient) Dim() int {
	return c.config.Dim
}
