package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pubx-real-estate/orchestrator/internal/core"
	logx "github.com/pubx-real-estate/orchestrator/pkg/logger"
	pkgredis "github.com/pubx-real-estate/orchestrator/pkg/redis"

	"github.com/pubx-real-estate/orchestrator/internal/agent/dispatch"
	"github.com/pubx-real-estate/orchestrator/internal/agent/manifest"
	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
	"github.com/pubx-real-estate/orchestrator/internal/agent/repo"
	"github.com/pubx-real-estate/orchestrator/internal/agent/scoring"
	"github.com/pubx-real-estate/orchestrator/internal/agent/turn"
	"github.com/pubx-real-estate/orchestrator/internal/observability/metrics"
	"github.com/pubx-real-estate/orchestrator/internal/server"
)

// AppConfig defines all configurable parameters for the orchestrator,
// sourced from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"APP_ENV" default:"development"`

	// Infrastructure
	Redis pkgredis.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Orchestrator configs
	Router       model.RouterModelConfig
	Responder    model.ResponderModelConfig
	Prompt       model.PromptConfig
	Conversation model.ConversationConfig
	Manifest     model.ManifestConfig
	Dispatch     model.DispatchConfig
	Turn         model.TurnConfig
	Scoring      model.ScoringConfig
	Server       model.ServerConfig
}

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	env := core.ParseEnvironment(cfg.Environment)
	logx.Init(logx.LoggerOpts{Environment: env})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := cfg.Redis.New()
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to initialise Redis client")
	}
	defer rdb.Close()

	conversationTTL := mustDuration("CONVERSATION_TTL", cfg.Conversation.TTL)
	manifestTTL := mustDuration("TOOL_MANIFEST_TTL", cfg.Manifest.TTL)
	scoringInterval := mustDuration("SCORING_INTERVAL", cfg.Scoring.Interval)

	models, err := turn.NewChatModels(ctx, turn.ModelsConfig{
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		Router:    cfg.Router,
		Responder: cfg.Responder,
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to build chat models")
	}

	m := metrics.NewOrchestratorMetrics(prometheus.DefaultRegisterer)

	cache := manifest.NewCache(
		manifest.NewClient(cfg.Manifest.RegistryURL, &http.Client{Timeout: 10 * time.Second}),
		manifestTTL,
		m,
	)

	dispatcher := dispatch.NewDispatcher(&http.Client{}, dispatch.Config{
		ReadDeadline:  mustDuration("DISPATCH_READ_DEADLINE", cfg.Dispatch.ReadDeadline),
		WriteDeadline: mustDuration("DISPATCH_WRITE_DEADLINE", cfg.Dispatch.WriteDeadline),
		MaxRetries:    cfg.Dispatch.MaxRetries,
		RetryBackoff:  mustDuration("DISPATCH_RETRY_BACKOFF", cfg.Dispatch.RetryBackoff),
	}, m)

	leadStore := repo.NewRedisLeadStore(rdb)
	worker := scoring.NewWorker(leadStore, scoringInterval, cfg.Scoring.Threshold, m)

	controller := turn.NewController(turn.ControllerConfig{
		Planner:       turn.NewPlanner(models.Router, models.RouterName, cfg.Prompt, cfg.Conversation.History.MaxTurns),
		Responder:     models.Responder,
		ResponderName: models.ResponderName,
		Repo:          repo.NewRedisConversationRepository(rdb, conversationTTL),
		Manifest:      cache,
		Dispatcher:    dispatcher,
		Leads:         leadStore,
		Prompt:        cfg.Prompt,
		MaxToolCalls:  cfg.Turn.MaxToolCalls,
		Metrics:       m,
	})

	go worker.Run(ctx)
	go controller.ConsumeNotifications(ctx, worker.Notifications())

	srv := server.New(cfg.Server.Addr, controller)
	go func() {
		logx.Info().Str("addr", cfg.Server.Addr).Str("environment", env.String()).Msg("orchestrator listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logx.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.Error().Err(err).Msg("server shutdown failed")
	}
}

func mustDuration(name, value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		logx.Fatal().Str("value", value).Str("var", name).Err(err).Msg("invalid duration")
	}
	return d
}
