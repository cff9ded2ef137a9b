package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	mydb "github.com/TimurManjosov/gopersonalize/internal/db"
)

// Options carries the backend-specific settings of NewStore.
type Options struct {
	DSN        string
	BadgerPath string
	Logger     *zerolog.Logger
}

// NewStore creates a new store based on the given store type.
// Supported types: "memory", "postgres", "badger"
func NewStore(ctx context.Context, storeType string, opts Options) (Store, error) {
	switch storeType {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		pool, err := mydb.NewPool(ctx, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		return NewPostgresStore(pool), nil
	case "badger":
		s, err := NewBadgerStore(BadgerConfig{
			Path:       opts.BadgerPath,
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}
