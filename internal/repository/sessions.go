package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/yearbook-checkout/internal/model"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// CreateSession сохраняет платёжную сессию вместе со снимком корзины в одной транзакции.
func (r *PostgresRepository) CreateSession(ctx context.Context, s model.PaymentSession, rate decimal.Decimal) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO payment_sessions (reference, owner_id, amount_minor, settlement_currency, rate, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.Reference, s.OwnerID, s.AmountMinorUnits, s.SettlementCurrency, rate.String(), string(model.SessionStatusInitiated),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrReferenceExists, s.Reference)
		}
		return fmt.Errorf("insert session: %w", err)
	}

	batch := &pgx.Batch{}
	for _, it := range s.Items {
		batch.Queue(
			`INSERT INTO payment_session_items (session_reference, cart_item_id, item_type, school_id, year, quantity, unit_price_base)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			s.Reference, it.CartItemID, string(it.ItemType), it.SchoolID, it.Year, it.Quantity, it.UnitPriceBase.String(),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert session items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetSession возвращает сессию со снимком корзины.
func (r *PostgresRepository) GetSession(ctx context.Context, reference string) (*model.PaymentSession, error) {
	var (
		s      model.PaymentSession
		status string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT reference, owner_id, amount_minor, settlement_currency, status, created_at, reconciled_at
		 FROM payment_sessions
		 WHERE reference = $1`,
		reference,
	).Scan(&s.Reference, &s.OwnerID, &s.AmountMinorUnits, &s.SettlementCurrency, &status, &s.CreatedAt, &s.ReconciledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.Status = model.SessionStatus(status)

	items, err := sessionItems(ctx, r.pool, reference)
	if err != nil {
		return nil, err
	}
	s.Items = items

	return &s, nil
}

func sessionItems(ctx context.Context, q querier, reference string) ([]model.SnapshotItem, error) {
	rows, err := q.Query(ctx,
		`SELECT cart_item_id, item_type, school_id, year, quantity, unit_price_base::text
		 FROM payment_session_items
		 WHERE session_reference = $1
		 ORDER BY cart_item_id`,
		reference,
	)
	if err != nil {
		return nil, fmt.Errorf("select session items: %w", err)
	}
	defer rows.Close()

	var items []model.SnapshotItem
	for rows.Next() {
		var (
			it       model.SnapshotItem
			itemType string
			price    string
		)
		if err := rows.Scan(&it.CartItemID, &itemType, &it.SchoolID, &it.Year, &it.Quantity, &price); err != nil {
			return nil, fmt.Errorf("scan session item: %w", err)
		}
		it.ItemType = model.ItemType(itemType)
		if it.UnitPriceBase, err = parseDecimal(price); err != nil {
			return nil, err
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

// MarkSessionFailed переводит незавершённую сессию в failed. Возвращает false, если сессия уже терминальна.
func (r *PostgresRepository) MarkSessionFailed(ctx context.Context, reference string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payment_sessions
		 SET status = $2, failed_at = now()
		 WHERE reference = $1 AND status IN ($3, $4)`,
		reference, string(model.SessionStatusFailed),
		string(model.SessionStatusInitiated), string(model.SessionStatusAbandoned),
	)
	if err != nil {
		return false, fmt.Errorf("mark session failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkAbandoned помечает брошенными сессии, инициированные раньше before. Данные сессий не удаляются.
func (r *PostgresRepository) MarkAbandoned(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payment_sessions
		 SET status = $1, abandoned_at = now()
		 WHERE status = $2 AND created_at < $3`,
		string(model.SessionStatusAbandoned), string(model.SessionStatusInitiated), before,
	)
	if err != nil {
		return 0, fmt.Errorf("mark abandoned: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReconcileSession атомарно выдаёт доступы по снимку корзины, удаляет оплаченные позиции из корзины
// и переводит сессию в reconciled. Строка сессии блокируется FOR UPDATE, поэтому параллельные вызовы
// сериализуются; для уже сверенной сессии возвращаются ранее выданные доступы и already = true.
func (r *PostgresRepository) ReconcileSession(ctx context.Context, reference string) ([]model.Entitlement, bool, error) {
	var (
		granted []model.Entitlement
		already bool
	)

	err := r.withRetry(ctx, func() error {
		var err error
		granted, already, err = r.reconcileTx(ctx, reference)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return granted, already, nil
}

func (r *PostgresRepository) reconcileTx(ctx context.Context, reference string) ([]model.Entitlement, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		ownerID int64
		status  string
	)
	err = tx.QueryRow(ctx,
		`SELECT owner_id, status FROM payment_sessions WHERE reference = $1 FOR UPDATE`,
		reference,
	).Scan(&ownerID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrSessionNotFound
		}
		return nil, false, fmt.Errorf("lock session: %w", err)
	}

	switch model.SessionStatus(status) {
	case model.SessionStatusReconciled:
		ents, err := entitlementsBySession(ctx, tx, reference)
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("commit tx: %w", err)
		}
		return ents, true, nil
	case model.SessionStatusFailed:
		return nil, false, ErrSessionFailed
	}

	items, err := sessionItems(ctx, tx, reference)
	if err != nil {
		return nil, false, err
	}

	cartIDs := make([]int64, 0, len(items))
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(
			`INSERT INTO entitlements (owner_id, session_reference, cart_item_id, kind, school_id, year, quantity)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (session_reference, cart_item_id) DO NOTHING`,
			ownerID, reference, it.CartItemID, string(model.KindForItem(it.ItemType)), it.SchoolID, it.Year, it.Quantity,
		)
		cartIDs = append(cartIDs, it.CartItemID)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, false, fmt.Errorf("insert entitlements: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM cart_items WHERE owner_id = $1 AND id = ANY($2)`,
		ownerID, cartIDs,
	); err != nil {
		return nil, false, fmt.Errorf("delete paid cart items: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE payment_sessions SET status = $2, reconciled_at = now() WHERE reference = $1`,
		reference, string(model.SessionStatusReconciled),
	); err != nil {
		return nil, false, fmt.Errorf("mark session reconciled: %w", err)
	}

	ents, err := entitlementsBySession(ctx, tx, reference)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	return ents, false, nil
}

// GetSessionEntitlements возвращает доступы, выданные по сессии.
func (r *PostgresRepository) GetSessionEntitlements(ctx context.Context, reference string) ([]model.Entitlement, error) {
	return entitlementsBySession(ctx, r.pool, reference)
}

// ListEntitlements возвращает все доступы пользователя.
func (r *PostgresRepository) ListEntitlements(ctx context.Context, ownerID int64) ([]model.Entitlement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE owner_id = $1 ORDER BY granted_at DESC, id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select entitlements: %w", err)
	}
	return scanEntitlements(rows)
}

const entitlementColumns = `id, owner_id, session_reference, cart_item_id, kind, school_id, year, quantity, granted_at`

func entitlementsBySession(ctx context.Context, q querier, reference string) ([]model.Entitlement, error) {
	rows, err := q.Query(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE session_reference = $1 ORDER BY cart_item_id`,
		reference,
	)
	if err != nil {
		return nil, fmt.Errorf("select session entitlements: %w", err)
	}
	return scanEntitlements(rows)
}

func scanEntitlements(rows pgx.Rows) ([]model.Entitlement, error) {
	defer rows.Close()

	var res []model.Entitlement
	for rows.Next() {
		var (
			e    model.Entitlement
			kind string
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.SessionReference, &e.CartItemID, &kind, &e.SchoolID, &e.Year, &e.Quantity, &e.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		e.Kind = model.EntitlementKind(kind)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
