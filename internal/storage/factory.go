package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Config controls how the storage backend is opened.
type Config struct {
	Driver string
	DSN    string
	// Path is the state file used by the file driver.
	Path string
}

// Open constructs a Storage based on the given configuration.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Storage, error) {
	drv := cfg.Driver
	if drv == "" {
		drv = "file"
	}
	switch drv {
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("storage: file driver needs a state file path")
		}
		logger.Info().Str("path", cfg.Path).Msg("storage: using file backend")
		return NewFileStorage(cfg.Path), nil

	case "memory":
		logger.Info().Msg("storage: using in-memory backend")
		return NewMemory(), nil

	case "sqlite", "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("storage: driver %s needs a DSN", drv)
		}
		logger.Info().Str("driver", drv).Msg("storage: using gorm backend")
		st, err := NewGormStorage(drv, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("storage migrate: %w", err)
		}
		return st, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", drv)
	}
}
