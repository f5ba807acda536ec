package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"retouch/internal/adapter/repo"
	"retouch/internal/editbuffer"
	"retouch/internal/http/handlers"
	httpapi "retouch/internal/http/httpapi"
	"retouch/internal/imagine"
	"retouch/internal/infra"
	"retouch/internal/providers/gemini"
	"retouch/internal/providers/openai"
	"retouch/internal/providers/replicate"
)

func main() {
	// Load .env (optional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()

	// Audit trail is optional; without DATABASE_URL the service still runs,
	// it just loses /v1/stats and the edits log.
	var audit *repo.EditRepository
	if cfg.DatabaseURL != "" {
		dbpool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer dbpool.Close()
		audit = repo.NewEditRepository(infra.NewSQLRunner(dbpool, logger))
	} else {
		logger.Warn().Msg("DATABASE_URL not set, audit trail disabled")
	}

	registry := imagine.NewRegistry()
	if cfg.GeminiAPIKey != "" {
		adapter, err := gemini.NewAdapter(gemini.Options{
			APIKey:         cfg.GeminiAPIKey,
			BaseURL:        cfg.GeminiBaseURL,
			Model:          cfg.GeminiModel,
			Logger:         &logger,
			RequestTimeout: cfg.ProviderTimeout,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure gemini adapter")
		}
		registry.Register("gemini", adapter)
	}
	if cfg.OpenAIAPIKey != "" {
		adapter, err := openai.NewAdapter(openai.Options{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Org:            cfg.OpenAIOrg,
			Model:          cfg.OpenAIModel,
			Logger:         &logger,
			RequestTimeout: cfg.ProviderTimeout,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure openai adapter")
		}
		registry.Register("openai", adapter)
	}
	if cfg.ReplicateAPIKey != "" {
		adapter, err := replicate.NewAdapter(replicate.Options{
			APIToken:       cfg.ReplicateAPIKey,
			BaseURL:        cfg.ReplicateBaseURL,
			Model:          cfg.ReplicateModel,
			Logger:         &logger,
			RequestTimeout: cfg.ProviderTimeout,
			PollInterval:   cfg.PollInterval,
			PollDeadline:   cfg.PollDeadline,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure replicate adapter")
		}
		registry.Register("replicate", adapter)
	}
	logger.Info().Strs("providers", registry.Names()).Msg("providers registered")

	buffer, err := editbuffer.New(cfg.BufferDir, cfg.BufferTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize edit buffer")
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweepLoop(sweepCtx, buffer, cfg.SweepInterval, logger)

	app := handlers.NewApp(registry, buffer, audit, logger, cfg.DefaultProvider, cfg.DefaultFormat)

	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		DefaultLocale:   "en",
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != os.ErrClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

func sweepLoop(ctx context.Context, buffer *editbuffer.Store, interval time.Duration, logger infra.Logger) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := buffer.Sweep(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("edit buffer sweep failed")
				continue
			}
			if removed > 0 {
				logger.Info().Int("removed", removed).Msg("edit buffer sweep")
			}
		}
	}
}
