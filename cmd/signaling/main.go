package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gastric-adci/collab-signaling/config"
	"github.com/gastric-adci/collab-signaling/internal/handlers"
	"github.com/gastric-adci/collab-signaling/internal/logging"
	"github.com/gastric-adci/collab-signaling/internal/redis"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.New(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	client, err := redis.Connect(connectCtx, cfg.Redis)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer client.Close()

	logger.Info().Str("addr", cfg.Redis.Host+":"+cfg.Redis.Port).Msg("redis connection established")

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := handlers.NewHub(redis.NewStore(client, cfg.PresenceTTL), logger)
	server := newHTTPServer(cfg, hub, logger)

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting P2P signaling server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("signaling hub did not drain in time")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
}

func newHTTPServer(cfg *config.Config, hub *handlers.Hub, logger zerolog.Logger) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(cfg, hub, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
