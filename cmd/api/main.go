package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	sdkgenai "google.golang.org/genai"

	"creatorstudio/internal/adapter/repo"
	"creatorstudio/internal/db"
	"creatorstudio/internal/http/handlers"
	httpapi "creatorstudio/internal/http/httpapi"
	"creatorstudio/internal/infra"
	"creatorstudio/internal/infra/credentials"
	"creatorstudio/internal/infra/geoip"
	"creatorstudio/internal/intake"
	"creatorstudio/internal/kinds"
	"creatorstudio/internal/middleware"
	"creatorstudio/internal/pipeline"
	"creatorstudio/internal/providers/completion"
	"creatorstudio/internal/providers/files"
	"creatorstudio/internal/providers/image"
	"creatorstudio/internal/providers/trends"
	"creatorstudio/internal/queue"
	"creatorstudio/internal/reconcile"
	"creatorstudio/internal/status"
	"creatorstudio/internal/storage"
	"creatorstudio/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()
	if cfg.DBAutoMigrate {
		if err := db.Migrate(ctx, dbpool); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply schema")
		}
		logger.Info().Msg("schema applied")
	}

	kv, err := infra.OpenBadger(cfg.QueuePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open queue store")
	}
	defer kv.Close()
	broker, err := queue.NewBadgerBroker(kv, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start broker")
	}

	sqlRunner := infra.NewSQLRunner(dbpool, logger)
	jobs := repo.NewJobRepository(sqlRunner)
	ledger := repo.NewCreditLedger(sqlRunner)
	accounts := repo.NewAccountRepository(sqlRunner)

	blobs, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare storage")
	}

	registry := pipeline.NewRegistry()
	if err := kinds.Register(registry, kinds.Options{StageTimeout: cfg.ProviderTimeout}); err != nil {
		logger.Fatal().Err(err).Msg("failed to register kinds")
	}
	overrides, err := infra.LoadKindOverrides(cfg.KindsConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load kinds config")
	}
	if err := registry.ApplyOverrides(overrides); err != nil {
		logger.Fatal().Err(err).Msg("invalid kinds config")
	}

	services, err := buildServices(ctx, cfg, credentials.NewStore(sqlRunner), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure providers")
	}
	services.Blobs = blobs
	services.Accounts = accounts
	services.Jobs = jobs

	intakeSvc := intake.NewService(intake.Config{
		Registry: registry,
		Jobs:     jobs,
		Accounts: accounts,
		Ledger:   ledger,
		Broker:   broker,
		Blobs:    blobs,
		Logger:   logger,
	})
	gateway := status.NewGateway(status.Config{
		Jobs:         jobs,
		Broker:       broker,
		PollInterval: cfg.StreamPollInterval,
		MaxLifetime:  cfg.StreamMaxLifetime,
		Grace:        cfg.StreamGrace,
		Logger:       logger,
	})
	reconciler, err := reconcile.New(reconcile.Config{
		Registry:        registry,
		Jobs:            jobs,
		Broker:          broker,
		Schedule:        cfg.ReconcileSchedule,
		OrphanGrace:     cfg.OrphanGrace,
		OrphanFailAfter: cfg.OrphanFailAfter,
		Retention:       cfg.QueueRetentionCount,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure reconciler")
	}

	countries, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	}
	var lookup middleware.CountryLookup
	if countries != nil {
		lookup = countries.CountryCode
		defer countries.Close()
	}

	app := handlers.NewApp(handlers.Config{
		Intake:      intakeSvc,
		Status:      gateway,
		Logger:      logger,
		CORSOrigins: cfg.CORSOrigins,
		Ready: map[string]handlers.Pinger{
			"database": dbpool.Ping,
			"queue":    queuePing(kv),
		},
	})
	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:       cfg.JWTSecret,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		CountryLookup:   lookup,
		StaticDir:       blobs.BasePath(),
		Logger:          logger,
	})
	server := infra.NewHTTPServer(cfg, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := reconciler.Start(gctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start reconciler")
	}
	if cfg.WorkerEnabled {
		executor := pipeline.NewExecutor(pipeline.ExecutorConfig{
			Registry:        registry,
			Jobs:            jobs,
			Ledger:          ledger,
			Publisher:       pipeline.NewPublisher(broker, jobs, logger),
			Services:        services,
			TokensPerCredit: cfg.TokensPerCredit,
			Logger:          logger,
		})
		pool := worker.NewPool(worker.Config{
			Registry:      registry,
			Broker:        broker,
			Executor:      executor,
			PollInterval:  cfg.WorkerPollInterval,
			LeaseDuration: cfg.LeaseDuration,
			Logger:        logger,
		})
		g.Go(func() error { return pool.Run(gctx) })
	} else {
		logger.Info().Msg("worker pool disabled")
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("server stopped with error")
	}
	<-reconciler.Done()
	logger.Info().Msg("server stopped")
}

// buildServices picks the provider implementations. Keys stored with the
// providerkey command take precedence over the environment.
func buildServices(ctx context.Context, cfg *infra.Config, creds *credentials.Store, logger infra.Logger) (pipeline.Services, error) {
	log := infra.Component(logger, "providers")
	resolve := func(provider, fallback string) string {
		key, err := creds.Resolve(ctx, provider, fallback)
		if err != nil {
			log.Warn().Err(err).Str("provider", provider).Msg("stored api key unavailable, using environment")
		}
		return key
	}
	geminiKey := resolve(credentials.ProviderGemini, cfg.GeminiAPIKey)
	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}

	var gemini *sdkgenai.Client
	if geminiKey != "" {
		var err error
		gemini, err = sdkgenai.NewClient(ctx, &sdkgenai.ClientConfig{APIKey: geminiKey, Backend: sdkgenai.BackendGeminiAPI})
		if err != nil {
			return pipeline.Services{}, err
		}
	}

	var svc pipeline.Services
	provider, err := completion.New(ctx, completion.Config{
		Provider:        cfg.CompletionProvider,
		GeminiAPIKey:    geminiKey,
		GeminiModel:     cfg.GeminiModel,
		AnthropicAPIKey: resolve(credentials.ProviderAnthropic, cfg.AnthropicAPIKey),
		AnthropicModel:  cfg.AnthropicModel,
		OpenAIAPIKey:    resolve(credentials.ProviderOpenAI, cfg.OpenAIAPIKey),
		OpenAIModel:     cfg.OpenAIModel,
		OpenAIBaseURL:   cfg.OpenAIBaseURL,
		OpenAIOrg:       cfg.OpenAIOrg,
		HTTPClient:      httpClient,
		OnFallback: func(reason string, err error) {
			log.Warn().Err(err).Str("reason", reason).Str("provider", cfg.CompletionProvider).Msg("completion provider unavailable, using static content")
		},
		OnWarning: func(reason, detail string) {
			log.Warn().Str("reason", reason).Str("detail", detail).Msg("completion provider warning")
		},
	})
	if err != nil {
		return svc, err
	}
	svc.Completion = provider

	if gemini != nil {
		images, err := image.NewGeminiGenerator(ctx, image.GeminiOptions{Client: gemini, Model: cfg.GeminiImageModel})
		if err != nil {
			return svc, err
		}
		svc.Images = images
		uploads, err := files.NewGemini(ctx, "", gemini)
		if err != nil {
			return svc, err
		}
		svc.Files = uploads
	} else {
		log.Warn().Msg("gemini api key missing, using synthetic thumbnails and local file activation")
		svc.Images = image.NewSynthetic()
		svc.Files = files.NewLocal(1)
	}

	if cfg.TrendsURL != "" {
		svc.Trends = trends.NewHTTPSource(cfg.TrendsURL, httpClient)
	} else {
		svc.Trends = trends.NewStaticSource()
	}
	return svc, nil
}

func queuePing(kv *badger.DB) handlers.Pinger {
	return func(ctx context.Context) error {
		if kv.IsClosed() {
			return errors.New("queue store closed")
		}
		return nil
	}
}
