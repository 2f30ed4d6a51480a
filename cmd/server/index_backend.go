package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"tilestream.dev/internal/persistence/indexdb"
	"tilestream.dev/internal/sim/tuning"
)

// openRuntimeIndex opens the configured read-model index. It never affects
// generation; a nil index means indexing is off.
func openRuntimeIndex(ctx context.Context, cfg tuning.Index, disableDB bool, logger *slog.Logger) (indexdb.Index, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("TS_INDEX_BACKEND")))
	if backend == "" {
		backend = cfg.Backend
	}
	dsn := cfg.DSN
	if v := strings.TrimSpace(os.Getenv("TS_INDEX_DSN")); v != "" {
		dsn = v
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "", "sqlite":
		idx, err := indexdb.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("index backend postgres but no dsn configured")
		}
		idx, err := indexdb.OpenPostgres(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported index backend: %s", backend)
	}
}
