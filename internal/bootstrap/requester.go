package bootstrap

import (
	"context"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/reportflow/internal/config"
	"github.com/ahrav/reportflow/internal/domain/reporting"
	"github.com/ahrav/reportflow/internal/infra/storage"
	"github.com/ahrav/reportflow/internal/infra/storage/reporting/memory"
	"github.com/ahrav/reportflow/internal/infra/storage/reporting/postgres"
	"github.com/ahrav/reportflow/pkg/common/logger"
	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

// Repository is an opened report repository with its readiness probe.
type Repository struct {
	reporting.Repository
	// Ping is nil for stores without an external dependency.
	Ping  func(ctx context.Context) error
	Close func()
}

// OpenRepository opens the store selected by cfg.Store.Driver, applying
// migrations for postgres when enabled.
func OpenRepository(ctx context.Context, cfg *config.Config, log *logger.Logger, tracer trace.Tracer) (*Repository, error) {
	clock := timeutil.Default()

	switch cfg.Store.Driver {
	case config.StoreMemory:
		return &Repository{Repository: memory.NewReportStore(clock), Close: func() {}}, nil

	case config.StorePostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("parsing db config: %w", err)
		}
		poolCfg.MinConns = cfg.Postgres.MinConns
		poolCfg.MaxConns = cfg.Postgres.MaxConns
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("creating db pool: %w", err)
		}
		if cfg.Postgres.Migrate {
			if err := storage.Migrate(pool); err != nil {
				pool.Close()
				return nil, err
			}
			log.Info(ctx, "startup", "status", "database migrations applied")
		}
		return &Repository{
			Repository: postgres.NewReportStore(pool, tracer, clock),
			Ping:       pool.Ping,
			Close:      pool.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
