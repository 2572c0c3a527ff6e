package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/seanblong/repoindex/internal/ai"
	"github.com/seanblong/repoindex/internal/chunker"
	"github.com/seanblong/repoindex/internal/config"
	"github.com/seanblong/repoindex/internal/embedder"
	"github.com/seanblong/repoindex/internal/fetcher"
	"github.com/seanblong/repoindex/internal/pipeline"
	"github.com/seanblong/repoindex/internal/store"
	"github.com/seanblong/repoindex/internal/tracker"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("repoindex-indexer", pflag.ExitOnError)
	repoFlag := fs.String("repo", "", "Repository to index as owner/name (empty indexes --repo-root)")
	branchFlag := fs.String("branch", "", "Branch to track (default: the connected branch, or main)")
	forceFlag := fs.Bool("force", false, "Re-run and re-embed even when the index is current")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	zlog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	// Without --repo the local checkout is indexed under local/<dir>.
	var source fetcher.Source
	repo := *repoFlag
	if repo == "" {
		root, err := filepath.Abs(cfg.RepoRoot)
		if err != nil {
			log.Fatal(err)
		}
		source = fetcher.NewLocalSource(root)
		repo = "local/" + filepath.Base(root)
		zlog.Info().Str("root", root).Str("repo", repo).Msg("indexing local directory")
	} else {
		source = fetcher.NewGitHubSource(cfg.GithubAPIURL, cfg.Pipeline.FetchConcurrency)
	}

	provider, err := ai.ParseProvider(cfg.Provider)
	if err != nil {
		log.Fatal(err)
	}
	zlog.Info().Str("provider", string(provider)).Msg("using provider")
	c, err := ai.NewClient(&ai.ClientConfig{
		APIKey:     cfg.APIKey,
		EmbedModel: cfg.EmbedModel,
		ChatModel:  cfg.ChatModel,
		Dim:        cfg.Dim,
		ProjectID:  cfg.ProjectID,
		Location:   cfg.Location,
		Provider:   provider,
	})
	if err != nil {
		log.Fatal(err)
	}
	if c.Dim() == 0 {
		log.Fatal("embedding dimension must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database, c.Dim())
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	ch, err := chunker.New(chunker.Options{MaxLines: cfg.Chunking.Size, Overlap: cfg.Chunking.Overlap})
	if err != nil {
		log.Fatal(err)
	}
	tr := tracker.New(st, cfg.Pipeline.LeaseTTL())
	orch := pipeline.New(pipeline.Deps{
		Source:  source,
		Chunker: ch,
		Embedder: embedder.New(c, embedder.Options{
			BatchSize:   cfg.Embedding.BatchSize,
			Concurrency: cfg.Embedding.Concurrency,
			MaxAttempts: cfg.Embedding.MaxAttempts,
		}),
		Store:   st,
		Tracker: tr,
	}, pipeline.Options{Credential: cfg.GithubToken, RunTimeout: cfg.Pipeline.RunTimeout})

	resp := orch.RunPipeline(ctx, pipeline.Request{Repository: repo, Branch: *branchFlag, Force: *forceFlag})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
	if !resp.Success {
		stop()
		st.Close()
		os.Exit(1)
	}
}
