package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/chatrelay/internal/broker"
	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		bootLogger := logging.L()
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.Init(logging.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "chatrelay",
	})
	gin.SetMode(gin.ReleaseMode)

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal().Err(err).Str(logging.FieldStore, cfg.Store.Driver).Msg("Failed to open message store")
	}
	logger.Info().Str(logging.FieldStore, cfg.Store.Driver).Msg("Message store ready")

	if cfg.Redis.Address != "" {
		client, err := store.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Str("address", cfg.Redis.Address).Msg("Failed to connect to Redis")
		}
		st = store.NewCachedStore(st, client, cfg.Redis, logger)
		logger.Info().Str("address", cfg.Redis.Address).Msg("History cache enabled")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing message store")
		}
	}()

	var publisher chat.Publisher = broker.Nop{}
	if cfg.AMQP.URL != "" {
		pub, err := broker.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		defer func() { _ = pub.Close() }()
		publisher = pub
		logger.Info().Str("exchange", cfg.AMQP.Exchange).Msg("Publishing records to RabbitMQ")
	}

	srv := server.New(cfg, st, publisher, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down chat relay...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Chat relay stopped")
}
