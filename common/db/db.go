package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver, registered as "pgx"
	_ "modernc.org/sqlite"              // pure-Go sqlite driver, registered as "sqlite"

	"github.com/lyzr/agentfleet/common/config"
	"github.com/lyzr/agentfleet/common/logger"
)

// DB wraps database/sql with the driver selection the structured data
// tool needs: a DSN beginning with "postgres://" is opened via pgx;
// anything else is treated as a sqlite DSN (including the default
// in-memory one, which requires zero external setup).
type DB struct {
	*sql.DB
	log *logger.Logger
}

// New opens the structured data store described by cfg.Store.DSN.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	driver, dsn := driverFor(cfg.Store.DSN)

	pool, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}

	log.Info("structured store connected", "driver", driver)

	return &DB{DB: pool, log: log}, nil
}

// driverFor picks the registered driver name for a DSN.
func driverFor(dsn string) (driver, effectiveDSN string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx", dsn
	}
	return "sqlite", dsn
}

// Close closes the underlying connection pool.
func (db *DB) Close() {
	db.log.Info("closing structured store connection")
	db.DB.Close()
}

// Health checks store connectivity.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return db.PingContext(ctx)
}
