package repository

import (
	"context"
	"fmt"

	"github.com/mmeshcher/yearbook-checkout/internal/model"
)

// AddCartItem сохраняет позицию корзины с зафиксированной ценой.
func (r *PostgresRepository) AddCartItem(ctx context.Context, item model.CartItem) (*model.CartItem, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO cart_items (owner_id, item_type, school_id, year, quantity, unit_price_base)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		item.OwnerID, string(item.ItemType), item.SchoolID, item.Year, item.Quantity, item.UnitPriceBase.String(),
	).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrCartItemExists
		}
		return nil, fmt.Errorf("insert cart item: %w", err)
	}
	return &item, nil
}

// ListCart возвращает позиции корзины пользователя в порядке добавления.
func (r *PostgresRepository) ListCart(ctx context.Context, ownerID int64) ([]model.CartItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, owner_id, item_type, school_id, year, quantity, unit_price_base::text, created_at
		 FROM cart_items
		 WHERE owner_id = $1
		 ORDER BY created_at, id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cart: %w", err)
	}
	defer rows.Close()

	var items []model.CartItem
	for rows.Next() {
		var (
			it       model.CartItem
			itemType string
			price    string
		)
		if err := rows.Scan(&it.ID, &it.OwnerID, &itemType, &it.SchoolID, &it.Year, &it.Quantity, &price, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
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

// RemoveCartItem удаляет позицию из корзины владельца.
func (r *PostgresRepository) RemoveCartItem(ctx context.Context, ownerID, itemID int64) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM cart_items WHERE id = $1 AND owner_id = $2`,
		itemID, ownerID,
	)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCartItemNotFound
	}
	return nil
}
