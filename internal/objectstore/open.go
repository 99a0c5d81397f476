package objectstore

import (
	"context"
	"fmt"
	"log/slog"

	"curricullm/internal/config"
)

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocalStore(cfg.BaseDir)
	case "s3":
		store, err := NewS3Store(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := store.HealthCheck(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "minio":
		return NewMinioStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}
