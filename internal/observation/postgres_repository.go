package observation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of Repository backed by
// the source_observations table.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL observation repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Record stores an observation.
func (r *PostgresRepository) Record(ctx context.Context, sourceID string, observedAt time.Time) error {
	query := `
		INSERT INTO source_observations (source_id, observed_at)
		VALUES ($1, $2)
		ON CONFLICT (source_id, observed_at) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query, sourceID, observedAt.UTC())
	return err
}

// Latest returns the most recent observation of a source.
func (r *PostgresRepository) Latest(ctx context.Context, sourceID string) (time.Time, bool, error) {
	query := `
		SELECT observed_at
		FROM source_observations
		WHERE source_id = $1
		ORDER BY observed_at DESC
		LIMIT 1
	`

	var observedAt time.Time
	err := r.pool.QueryRow(ctx, query, sourceID).Scan(&observedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}

	return observedAt.UTC(), true, nil
}

// Exists reports whether an observation is held for the instant.
func (r *PostgresRepository) Exists(ctx context.Context, sourceID string, observedAt time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM source_observations
			WHERE source_id = $1 AND observed_at = $2
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, sourceID, observedAt.UTC()).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// ExistsBetween reports whether any observation falls in [from, to).
func (r *PostgresRepository) ExistsBetween(ctx context.Context, sourceID string, from, to time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM source_observations
			WHERE source_id = $1 AND observed_at >= $2 AND observed_at < $3
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, sourceID, from.UTC(), to.UTC()).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Prune deletes observations older than before.
func (r *PostgresRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM source_observations WHERE observed_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
