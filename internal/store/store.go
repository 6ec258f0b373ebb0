// Package store persists chat records and answers the per-user visibility
// query used for history replay.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/rs/zerolog"
)

// Store is an append-only record collection.
type Store interface {
	// Append persists rec, assigning ID and CreatedAt when they are unset,
	// and returns the stored record.
	Append(ctx context.Context, rec Record) (Record, error)
	// QueryVisibleTo returns every public record plus every record sent by or
	// to username, ordered by CreatedAt and then insertion order.
	QueryVisibleTo(ctx context.Context, username string) ([]Record, error)
	Close() error
}

// Purger deletes every record. It is only used by the maintenance command.
type Purger interface {
	DeleteAll(ctx context.Context) (int64, error)
}

var ErrUnsupportedDriver = errors.New("unsupported store driver")

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres", "mysql":
		s, err := OpenGorm(cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mongo", "mongodb":
		s, err := OpenMongo(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}
