package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SavePending сохраняет ссылку на незавершённый платёж пользователя, заменяя предыдущую.
func (r *PostgresRepository) SavePending(ctx context.Context, ownerID int64, reference string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO pending_payments (owner_id, reference) VALUES ($1, $2)
		 ON CONFLICT (owner_id) DO UPDATE SET reference = EXCLUDED.reference, saved_at = now()`,
		ownerID, reference,
	)
	if err != nil {
		return fmt.Errorf("save pending: %w", err)
	}
	return nil
}

// LoadPending возвращает ссылку на незавершённый платёж пользователя.
func (r *PostgresRepository) LoadPending(ctx context.Context, ownerID int64) (string, bool, error) {
	var ref string
	err := r.pool.QueryRow(ctx,
		`SELECT reference FROM pending_payments WHERE owner_id = $1`,
		ownerID,
	).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load pending: %w", err)
	}
	return ref, true, nil
}

// ClearPendingIf удаляет ссылку, только если сохранена именно reference.
func (r *PostgresRepository) ClearPendingIf(ctx context.Context, ownerID int64, reference string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM pending_payments WHERE owner_id = $1 AND reference = $2`,
		ownerID, reference,
	)
	if err != nil {
		return false, fmt.Errorf("clear pending: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
