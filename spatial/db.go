// Package spatial is the read-only PostGIS access layer: planned waypoint
// resolution, nearest access points for non-drivable destinations, and
// corridor POI discovery along a route.
//
// All geometry columns are SRID 4326 points; queries cast to geography where
// a distance in real meters is needed.
package spatial

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgx pool shared by the spot, access-point, and POI queries.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect opens a pool against the static geodata database and verifies the
// connection with a ping.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse static db dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect static db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping static db: %w", err)
	}

	logger.Info("connected to static geodata database",
		"host", cfg.ConnConfig.Host,
		"database", cfg.ConnConfig.Database)

	return &DB{pool: pool, logger: logger}, nil
}

// NewWithPool wraps an existing pool. Used by tests and by callers that
// manage pool lifecycle themselves.
func NewWithPool(pool *pgxpool.Pool, logger *slog.Logger) *DB {
	return &DB{pool: pool, logger: logger}
}

// Close releases the underlying pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}
