package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, user_id, status, payment_method, total, payment_reference, invoice_id,
	invoice_url, invoice_attempts, idempotency_key, description, created_at, updated_at`

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey returns nil when the user never used key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 AND idempotency_key = $2", userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrdersByUser retrieves orders for a user, newest first
func (s *Store) ListOrdersByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
		userID, limit, offset)
	return orders, err
}

// GetOrderLines retrieves all lines for an order
func (s *Store) GetOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error) {
	return selectOrderLines(ctx, s.db, orderID)
}

// GetStatusHistory returns the audit trail of an order, oldest first
func (s *Store) GetStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusChange, error) {
	history := []models.OrderStatusChange{}
	err := s.db.SelectContext(ctx, &history,
		`SELECT id, order_id, from_status, to_status, note, created_at
		 FROM order_status_history WHERE order_id = $1 ORDER BY id`, orderID)
	return history, err
}

// ListOrdersMissingInvoice returns pending crypto orders that never got a
// gateway invoice and have been retried fewer than maxAttempts times.
func (s *Store) ListOrdersMissingInvoice(ctx context.Context, maxAttempts, limit int) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND payment_method = $2 AND invoice_id IS NULL AND invoice_attempts < $3
		 ORDER BY id LIMIT $4`,
		models.OrderStatusPending, models.PaymentMethodCrypto, maxAttempts, limit)
	return orders, err
}

// ListStalePendingOrders returns crypto orders still pending that were created before cutoff
func (s *Store) ListStalePendingOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND payment_method = $2 AND created_at < $3
		 ORDER BY id LIMIT $4`,
		models.OrderStatusPending, models.PaymentMethodCrypto, cutoff, limit)
	return orders, err
}

// RecordInvoice stores the gateway invoice issued for an order. Only a
// pending order accepts an invoice; otherwise ErrOrderNotPending.
func (s *Store) RecordInvoice(ctx context.Context, orderID int64, invoiceID, invoiceURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET invoice_id = $1, invoice_url = $2, invoice_attempts = invoice_attempts + 1, updated_at = NOW()
		 WHERE id = $3 AND status = 'pending'`, invoiceID, invoiceURL, orderID)
	if err != nil {
		return fmt.Errorf("failed to record invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotPending
	}
	return nil
}

// IncrementInvoiceAttempts counts a failed invoice request
func (s *Store) IncrementInvoiceAttempts(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET invoice_attempts = invoice_attempts + 1, updated_at = NOW() WHERE id = $1", orderID)
	return err
}

// InsertOrder creates the order row and the first audit entry
func (t *txStore) InsertOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, status, payment_method, total, idempotency_key, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	err := t.tx.GetContext(ctx, order, query,
		order.UserID, order.Status, order.PaymentMethod, order.Total, order.IdempotencyKey, order.Description)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	return t.insertHistory(ctx, order.ID, nil, order.Status, "order created")
}

// InsertOrderLines writes the snapshotted lines of a new order
func (t *txStore) InsertOrderLines(ctx context.Context, lines []models.OrderLine) error {
	query := `
		INSERT INTO order_lines (order_id, product_id, product_name, unit_price, quantity)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	for i := range lines {
		l := &lines[i]
		if err := t.tx.GetContext(ctx, &l.ID, query,
			l.OrderID, l.ProductID, l.ProductName, l.UnitPrice, l.Quantity); err != nil {
			return fmt.Errorf("failed to insert order line: %w", err)
		}
	}
	return nil
}

// LockOrder reads an order with a row lock
func (t *txStore) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return &order, nil
}

func (t *txStore) GetOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error) {
	return selectOrderLines(ctx, t.tx, orderID)
}

// TransitionOrder moves a locked order to status `to` if the whitelist
// allows it, and records the change with note in the audit trail.
func (t *txStore) TransitionOrder(ctx context.Context, order *models.Order, to models.OrderStatus, note string) error {
	from := order.Status
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2", to, order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	if err := t.insertHistory(ctx, order.ID, &from, to, note); err != nil {
		return err
	}

	order.Status = to
	return nil
}

// SetPaymentReference records the gateway transaction that paid the order
func (t *txStore) SetPaymentReference(ctx context.Context, orderID int64, reference string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET payment_reference = $1, updated_at = NOW() WHERE id = $2", reference, orderID)
	if err != nil {
		return fmt.Errorf("failed to set payment reference: %w", err)
	}
	return nil
}

func (t *txStore) insertHistory(ctx context.Context, orderID int64, from *models.OrderStatus, to models.OrderStatus, note string) error {
	var noteArg *string
	if note != "" {
		noteArg = &note
	}
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO order_status_history (order_id, from_status, to_status, note) VALUES ($1, $2, $3, $4)",
		orderID, from, to, noteArg)
	if err != nil {
		return fmt.Errorf("failed to record status history: %w", err)
	}
	return nil
}

func selectOrderLines(ctx context.Context, q sqlx.QueryerContext, orderID int64) ([]models.OrderLine, error) {
	lines := []models.OrderLine{}
	err := sqlx.SelectContext(ctx, q, &lines,
		`SELECT id, order_id, product_id, product_name, unit_price, quantity
		 FROM order_lines WHERE order_id = $1 ORDER BY id`, orderID)
	return lines, err
}
