package store

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	ErrProductNotFound         = errors.New("product not found")
	ErrProductInactive         = errors.New("product is not available for sale")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrUserNotFound            = errors.New("user not found")
	ErrOrderNotFound           = errors.New("order not found")
	ErrOrderNotPending         = errors.New("order is no longer pending")
	ErrNonPositiveAmount       = errors.New("wallet amount must be positive")
	ErrInvalidTransition       = errors.New("invalid order status transition")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrDuplicateReference      = errors.New("duplicate wallet transaction reference")
)

// StockError describes a failed reservation of a single product
type StockError struct {
	ProductID   int64
	ProductName string
	Available   int
	Err         error
}

func (e *StockError) Error() string {
	if e.ProductName == "" {
		return fmt.Sprintf("product %d: %v", e.ProductID, e.Err)
	}
	return fmt.Sprintf("product %q: %v (available=%d)", e.ProductName, e.Err, e.Available)
}

func (e *StockError) Unwrap() error {
	return e.Err
}

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	return false
}
