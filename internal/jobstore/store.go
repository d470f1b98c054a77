package jobstore

import (
	"context"
	"fmt"

	"meshqueue/internal/config"
	"meshqueue/internal/database"
	"meshqueue/internal/jobs"
)

// Open builds the job store selected by [store].
func Open(ctx context.Context, cfg *config.Config) (jobs.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		db, err := database.Open(ctx, cfg.DatabasePath())
		if err != nil {
			return nil, err
		}
		return NewSQLite(db), nil
	case config.StoreRedis:
		return NewRedis(ctx, cfg.Store.DSN, cfg.Store.Prefix)
	case config.StorePostgres:
		return NewPostgres(ctx, cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}
