package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"planningpoker/config"
	"planningpoker/handlers"
	"planningpoker/middleware"
	"planningpoker/models"
	"planningpoker/routes"
	"planningpoker/scoring"
	"planningpoker/services"
)

func main() {
	cfg := config.Load()
	config.SetupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := services.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	scores, err := loadScoreConfig(cfg.ScoreConfig)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ScoreConfig).Msg("failed to load score config")
	}

	var redisClient *redis.Client
	if cfg.CacheEnabled || cfg.Relay == "redis" {
		redisClient = config.InitRedis(cfg)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			if cfg.Relay == "redis" {
				log.Fatal().Err(err).Msg("redis relay configured but redis is unreachable")
			}
			log.Warn().Err(err).Msg("redis unreachable, session cache disabled")
			redisClient.Close()
			redisClient = nil
		}
	}

	var cache *services.SessionCache
	if cfg.CacheEnabled && redisClient != nil {
		cache = services.NewSessionCache(redisClient)
	}

	relay, err := buildRelay(cfg, redisClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up relay")
	}

	clock := clockwork.NewRealClock()

	presence := services.NewPresenceTracker(db, clock, services.PresenceConfig{
		ActiveWindow: cfg.ActiveWindow,
		ReapWindow:   cfg.ReapWindow,
	})
	store := services.NewSessionStore(db, cache, presence, clock)

	hubConfig := services.DefaultHubConfig()
	hubConfig.CheckOrigin = middleware.OriginChecker(cfg.AllowedOrigin)
	hub := services.NewHub(presence, relay, clock, hubConfig)

	tokens := services.NewAdminTokens(cfg.AdminTokenSecret, cfg.AdminTokenTTL, clock)
	gameService := services.NewGameService(store, presence, tokens, hub, clock, scores)
	reaper := services.NewReaper(presence, clock, cfg.ReapInterval)

	gameHandler := handlers.NewGameHandler(gameService)
	taskHandler := handlers.NewTaskHandler(gameService)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORS(cfg.AllowedOrigin))

	routes.SetupRoutes(router, gameHandler, taskHandler, hub, gameService)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go hub.Run(ctx)
	go reaper.Start(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.BindAddress, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	if relay != nil {
		if err := relay.Close(); err != nil {
			log.Warn().Err(err).Msg("relay close failed")
		}
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	log.Info().Msg("server stopped")
}

func loadScoreConfig(path string) (models.ScoreConfig, error) {
	if path == "" {
		return scoring.DefaultConfig(), nil
	}
	return scoring.LoadConfig(path)
}

func buildRelay(cfg *config.Config, redisClient *redis.Client) (services.Relay, error) {
	switch cfg.Relay {
	case "redis":
		return services.NewRedisRelay(redisClient), nil
	case "nats":
		nc, err := config.InitNATS(cfg)
		if err != nil {
			return nil, err
		}
		return services.NewNATSRelay(nc), nil
	default:
		return nil, nil
	}
}
