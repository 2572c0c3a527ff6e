package ai

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"
)

type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
}

// NewVertexAIClient creates a new client for the Google Gemini API.
func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-005"
	}
	if config.ChatModel == "" {
		config.ChatModel = "gemini-2.0-flash"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &VertexAIClient{
		config: config,
		client: client,
	}, nil
}

// Embed sends every text as its own content entry in a single request.
func (c *VertexAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.client == nil {
		return nil, errors.New("vertex client not initialised")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	cfg := genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_DOCUMENT",
	}

	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, contents, &cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 {
		return nil, errors.New("no embedding returned")
	}

	out := make([][]float32, len(texts))
	for i, e := range res.Embeddings {
		if i >= len(out) || e == nil || len(e.Values) == 0 {
			continue
		}
		out[i] = e.Values
	}
	return out, nil
}

func (c *VertexAIClient) Generate(ctx context.Context, prompt Prompt) iter.Seq2[string, error] {
	return singleUse(func(yield func(string, error) bool) {
		if c.client == nil {
			yield("", errors.New("vertex client not initialised"))
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		temp := float32(0.2)
		cfg := genai.GenerateContentConfig{
			Temperature: &temp,
		}
		if prompt.System != "" {
			cfg.SystemInstruction = genai.NewContentFromText(prompt.System, genai.RoleUser)
		}

		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.config.ChatModel, genai.Text(prompt.User), &cfg) {
			if err != nil {
				yield("", fmt.Errorf("generation failed: %w", err))
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part == nil || part.Text == "" {
					continue
				}
				if !yield(part.Text, nil) {
					return
				}
			}
		}
	})
}

func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}
