// Command purge deletes every stored chat record. It is a maintenance tool
// and is never reachable from a live connection.
package main

import (
	"context"
	"os"
	"time"

	"github.com/Tyrowin/chatrelay/internal/audit"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/store"
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
		ServiceName: "chatrelay-purge",
	})
	if cfg.Store.Driver == "memory" {
		logger.Fatal().Msg("The memory store keeps nothing between runs; set store.driver to purge a database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ctx = logging.WithLogger(ctx, logger)

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal().Err(err).Str(logging.FieldStore, cfg.Store.Driver).Msg("Failed to open message store")
	}
	if cfg.Redis.Address != "" {
		client, err := store.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable; cached history expires on its own TTL")
		} else {
			st = store.NewCachedStore(st, client, cfg.Redis, logger)
		}
	}
	defer func() { _ = st.Close() }()

	purger, ok := st.(store.Purger)
	if !ok {
		logger.Fatal().Str(logging.FieldStore, cfg.Store.Driver).Msg("Store does not support purging")
	}

	n, err := purger.DeleteAll(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Error deleting messages")
		_ = st.Close()
		os.Exit(1)
	}
	audit.LogWithDetail(ctx, audit.ActionPurge, "", cfg.Store.Driver, "Chat history purged")
	logger.Info().Int64("deleted", n).Msg("Messages deleted")
}
