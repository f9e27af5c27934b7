package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ryan11yuan/gravitas/internal/config"
	"github.com/ryan11yuan/gravitas/internal/database"
	"github.com/ryan11yuan/gravitas/internal/handler"
	"github.com/ryan11yuan/gravitas/internal/middleware"
	"github.com/ryan11yuan/gravitas/internal/models"
	"github.com/ryan11yuan/gravitas/internal/repository"
	"github.com/ryan11yuan/gravitas/internal/router"
	"github.com/ryan11yuan/gravitas/internal/service"
	"github.com/ryan11yuan/gravitas/internal/source"
	"github.com/ryan11yuan/gravitas/internal/transport"
	"github.com/ryan11yuan/gravitas/pkg/ai"
	"github.com/ryan11yuan/gravitas/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info", false)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(cfg.LogLevel, cfg.LogPretty).With().Str("service", cfg.AppName).Logger()

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := db.AutoMigrate(&models.AssignmentScore{}); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, assignment cache disabled")
		} else {
			defer redisClient.Close()
		}
	}

	var publisher service.AnalysisPublisher
	if cfg.NATSURL != "" {
		natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Warn().Err(err).Msg("nats unavailable, analysis events disabled")
		} else {
			defer func() { _ = natsConn.Drain() }()
			publisher = natsConn
		}
	}

	estimator, err := newEstimator(cfg, log)
	if err != nil {
		log.Warn().Err(err).Msg("estimator disabled")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	client := transport.NewHTTPClient(cfg.TransportTimeout, log)
	scoreRepo := repository.NewScoreRepository(db)

	quercus := source.NewQuercusAdapter(cfg.QuercusBaseURL, client, scoreRepo, log)
	crowdmark := source.NewCrowdmarkAdapter(cfg.CrowdmarkBaseURL, client, log)

	enrichmentConfig := service.EnrichmentConfig{
		Attachments: source.NewAttachmentExtractor(cfg.QuercusBaseURL, client, log),
		Timeout:     cfg.AITimeout,
		IdleTTL:     cfg.SessionIdleTTL,
		Publisher:   publisher,
		Subject:     cfg.NATSSubject,
	}
	if estimator != nil {
		enrichmentConfig.Estimator = estimator
	}
	enrichmentService := service.NewEnrichmentService(enrichmentConfig, log)
	aggregationService := service.NewAggregationService(quercus, crowdmark, redisClient, cfg.AssignmentsCacheTTL, enrichmentService, log)
	dashboardService := service.NewDashboardService(aggregationService, enrichmentService, log)
	scoreShareService := service.NewScoreShareService(quercus, scoreRepo, cfg.ScoreHashSecret, log)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &log})
	router.Register(app, cfg, router.Dependencies{
		AssignmentHandler: handler.NewAssignmentHandler(aggregationService, enrichmentService, validate, log),
		DashboardHandler:  handler.NewDashboardHandler(dashboardService, validate, log),
		AverageHandler:    handler.NewAverageHandler(scoreShareService, validate, log),
		JWTMiddleware:     middleware.JWTOptional(cfg.JWTSecret),
		AnalyzeLimiter:    middleware.RateLimit("analyze", cfg.AnalyzeRateLimit, time.Minute),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(app, log)
}

// newEstimator returns a nil estimator when the provider is disabled.
func newEstimator(cfg config.Config, log zerolog.Logger) (*ai.OpenAIEstimator, error) {
	aiConfig := ai.OpenAIConfig{Model: cfg.AIModel, Logger: log}

	switch cfg.AIProvider {
	case config.AIProviderOpenAI:
		aiConfig.APIKey = cfg.OpenAIAPIKey
		return ai.NewOpenAIEstimator(aiConfig)
	case config.AIProviderGemini:
		aiConfig.APIKey = cfg.GeminiAPIKey
		return ai.NewGeminiEstimator(aiConfig)
	default:
		return nil, nil
	}
}

func waitForShutdown(app *fiber.App, log zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	log.Info().Msg("server stopped")
}
