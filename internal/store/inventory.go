package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"checkout-service/internal/models"

	"github.com/lib/pq"
)

const productColumns = `id, name, price, availability, status, created_at, updated_at`

// GetProductByID retrieves a product by ID without locking it
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// LockProducts locks the given product rows in ascending id order and
// returns the ones that exist. Missing ids are simply absent from the map.
func (t *txStore) LockProducts(ctx context.Context, ids []int64) (map[int64]models.Product, error) {
	result := make(map[int64]models.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var products []models.Product
	err := t.tx.SelectContext(ctx, &products,
		"SELECT "+productColumns+" FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE",
		pq.Array(sorted))
	if err != nil {
		return nil, fmt.Errorf("failed to lock products: %w", err)
	}

	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

// ReserveStock checks status and availability under the row lock and
// decrements availability by quantity.
func (t *txStore) ReserveStock(ctx context.Context, productID int64, quantity int) (*models.Product, error) {
	var product models.Product
	err := t.tx.GetContext(ctx, &product,
		"SELECT "+productColumns+" FROM products WHERE id = $1 FOR UPDATE", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &StockError{ProductID: productID, Err: ErrProductNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock product: %w", err)
	}

	if product.Status != models.ProductStatusActive {
		return nil, &StockError{ProductID: productID, ProductName: product.Name, Err: ErrProductInactive}
	}

	if product.Availability < quantity {
		return nil, &StockError{
			ProductID:   productID,
			ProductName: product.Name,
			Available:   product.Availability,
			Err:         ErrInsufficientStock,
		}
	}

	_, err = t.tx.ExecContext(ctx,
		"UPDATE products SET availability = availability - $1, updated_at = NOW() WHERE id = $2",
		quantity, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve stock: %w", err)
	}

	product.Availability -= quantity
	return &product, nil
}

// ReleaseStock returns quantity to a product's availability (restock)
func (t *txStore) ReleaseStock(ctx context.Context, productID int64, quantity int) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE products SET availability = availability + $1, updated_at = NOW() WHERE id = $2",
		quantity, productID)
	if err != nil {
		return fmt.Errorf("failed to release stock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &StockError{ProductID: productID, Err: ErrProductNotFound}
	}
	return nil
}
