package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/seanblong/repoindex/internal/ai"
	"github.com/seanblong/repoindex/internal/api"
	"github.com/seanblong/repoindex/internal/auth"
	"github.com/seanblong/repoindex/internal/chunker"
	"github.com/seanblong/repoindex/internal/config"
	"github.com/seanblong/repoindex/internal/embedder"
	"github.com/seanblong/repoindex/internal/fetcher"
	"github.com/seanblong/repoindex/internal/pipeline"
	"github.com/seanblong/repoindex/internal/search"
	"github.com/seanblong/repoindex/internal/store"
	"github.com/seanblong/repoindex/internal/syncer"
	"github.com/seanblong/repoindex/internal/tracker"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("repoindex-api", pflag.ExitOnError)

	// Load configuration
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	// Set up logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	zlog.Logger = logger
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting repoindex api")

	provider, err := ai.ParseProvider(cfg.Provider)
	if err != nil {
		log.Fatal(err)
	}
	clientConfig := &ai.ClientConfig{
		APIKey:     cfg.APIKey,
		EmbedModel: cfg.EmbedModel,
		ChatModel:  cfg.ChatModel,
		Dim:        cfg.Dim,
		ProjectID:  cfg.ProjectID,
		Location:   cfg.Location,
		Provider:   provider,
	}

	// Initialize auth with configuration
	auth.InitializeAuth(
		cfg.Auth.JwtSecret,
		cfg.Auth.GithubClientID,
		cfg.Auth.GithubClientSecret,
		cfg.Auth.GithubRedirectURL,
		cfg.Auth.GithubAllowedOrg,
		cfg.Auth.Enabled,
	)
	if auth.IsAuthEnabled() {
		logger.Info().Msg("Authentication is ENABLED")
	} else {
		logger.Warn().Msg("Authentication is DISABLED - running in open mode")
	}
	if cfg.Webhook.Secret == "" {
		logger.Warn().Msg("no webhook secret configured, every delivery will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := ai.NewClient(clientConfig)
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}
	// Use the AI client's dimension for the vector columns
	dim := c.Dim()
	logger.Info().Int("embedding_dim", dim).Str("embed_model", clientConfig.EmbedModel).Msg("AI client initialized")

	st, err := store.Open(ctx, cfg.Database, dim)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	ch, err := chunker.New(chunker.Options{MaxLines: cfg.Chunking.Size, Overlap: cfg.Chunking.Overlap})
	if err != nil {
		log.Fatal(err)
	}
	emb := embedder.New(c, embedder.Options{
		BatchSize:   cfg.Embedding.BatchSize,
		Concurrency: cfg.Embedding.Concurrency,
		MaxAttempts: cfg.Embedding.MaxAttempts,
	})

	tr := tracker.New(st, cfg.Pipeline.LeaseTTL())
	go tr.Watchdog(ctx, cfg.Pipeline.WatchdogInterval)

	orch := pipeline.New(pipeline.Deps{
		Source:   fetcher.NewGitHubSource(cfg.GithubAPIURL, cfg.Pipeline.FetchConcurrency),
		Chunker:  ch,
		Embedder: emb,
		Store:    st,
		Tracker:  tr,
	}, pipeline.Options{Credential: cfg.GithubToken, RunTimeout: cfg.Pipeline.RunTimeout})

	pool := pipeline.NewPool(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize)
	sessions := auth.NewSessions()
	coord := syncer.New(st, tr, orch, pool, sessions)
	orch.AfterRun(coord.AfterRun)

	srv := api.New(api.Deps{
		Pipeline:      orch,
		Search:        search.NewService(c, st),
		Coordinator:   coord,
		Store:         st,
		Pool:          pool,
		Sessions:      sessions,
		WebhookSecret: cfg.Webhook.Secret,
	})

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{Addr: address, Handler: srv.Handler(logger), ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.Addr).Msg("api server listening")
		errc <- s.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server stopped")
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pipeline jobs cancelled before finishing")
	}
}
