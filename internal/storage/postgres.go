package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"remedy-engine/internal/audit"
	"remedy-engine/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id         UUID PRIMARY KEY,
	phase      TEXT NOT NULL,
	action     TEXT NOT NULL,
	details    JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_records_created_at_idx ON audit_records (created_at DESC);
CREATE INDEX IF NOT EXISTS audit_records_phase_idx ON audit_records (phase, created_at DESC);`

const maxDetailsBytes = 64 * 1024

// DB wraps a PostgreSQL connection pool for the durable audit trail.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool and ensures the schema exists.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxOpenConns) // #nosec G115 -- bounded by config validation
	}
	if cfg.MaxIdleConns > 0 {
		pcfg.MinConns = int32(cfg.MaxIdleConns) // #nosec G115 -- bounded by config validation
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pcfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// InsertAudit stores one audit record. Re-inserting the same ID is a no-op so
// retries are safe.
func (db *DB) InsertAudit(ctx context.Context, rec *audit.Record) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("encoding audit details: %w", err)
	}
	if len(details) > maxDetailsBytes {
		details = []byte(`{"truncated":true}`)
	}

	query := `
		INSERT INTO audit_records (id, phase, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	_, err = db.pool.Exec(ctx, query,
		rec.ID, rec.Phase, rec.Action,
		string(details),
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// ListAudit queries audit records, newest first.
func (db *DB) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditRow, error) {
	query := `
		SELECT id, phase, action, details, created_at
		FROM audit_records
		WHERE ($1 = '' OR phase = $1)
		  AND ($2 = '' OR action = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Phase, filter.Action, filter.Since, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var results []AuditRow
	for rows.Next() {
		var row AuditRow
		var details []byte
		if err := rows.Scan(&row.ID, &row.Phase, &row.Action, &details, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &row.Details); err != nil {
				log.Warn().Err(err).Str("id", row.ID).Msg("undecodable audit details")
			}
		}
		results = append(results, row)
	}

	return results, rows.Err()
}
