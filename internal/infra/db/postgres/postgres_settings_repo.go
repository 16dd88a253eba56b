package postgres

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"subscription-commerce/internal/domain/ports/repository"
)

var _ repository.SettingsRepository = (*settingsRepo)(nil)

type settingsRepo struct{ pool *pgxpool.Pool }

func NewSettingsRepo(pool *pgxpool.Pool) *settingsRepo {
	return &settingsRepo{pool: pool}
}

const nextSequenceSQL = `
INSERT INTO settings (key, value) VALUES ($1, '1')
ON CONFLICT (key) DO UPDATE SET value = (settings.value::bigint + 1)::text
RETURNING value::bigint;`

// NextSequence bumps the counter under key. Inside a transaction the bump
// runs in a savepoint, so a failure (e.g. a corrupt value) leaves the outer
// transaction usable for a fallback.
func (r *settingsRepo) NextSequence(ctx context.Context, tx repository.Tx, key string) (int64, error) {
	outer, ok := tx.(pgx.Tx)
	if !ok {
		row, err := pickRow(ctx, r.pool, tx, nextSequenceSQL, key)
		if err != nil {
			return 0, err
		}
		var n int64
		if err := row.Scan(&n); err != nil {
			return 0, opErr("next sequence", err)
		}
		return n, nil
	}

	sp, err := outer.Begin(ctx)
	if err != nil {
		return 0, opErr("savepoint", err)
	}
	var n int64
	if err := sp.QueryRow(ctx, nextSequenceSQL, key).Scan(&n); err != nil {
		_ = sp.Rollback(ctx)
		return 0, opErr("next sequence", err)
	}
	if err := sp.Commit(ctx); err != nil {
		return 0, opErr("release savepoint", err)
	}
	return n, nil
}
