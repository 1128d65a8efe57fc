package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GetBalance returns the current wallet balance of a user
func (s *Store) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.GetContext(ctx, &balance, "SELECT balance FROM users WHERE id = $1", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrUserNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// GetUser retrieves the account fields the pipeline needs
func (s *Store) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user,
		"SELECT id, email, role, balance, updated_at FROM users WHERE id = $1", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ListWalletTransactions returns a user's journal, newest first
func (s *Store) ListWalletTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.WalletTransaction, error) {
	var txs []models.WalletTransaction
	err := s.db.SelectContext(ctx, &txs,
		`SELECT id, user_id, amount, type, reference, created_at
		 FROM wallet_transactions WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	return txs, err
}

// LockWallet locks the user's row and returns the balance
func (t *txStore) LockWallet(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.GetContext(ctx, &balance, "SELECT balance FROM users WHERE id = $1 FOR UPDATE", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrUserNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return balance, nil
}

// DebitWallet subtracts amount from the balance and journals it under
// reference. A reference that was already used is rejected.
func (t *txStore) DebitWallet(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, txType models.WalletTxType, reference string) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	applied, err := t.applyWallet(ctx, userID, amount.Neg(), txType, reference)
	if err != nil {
		return err
	}
	if !applied {
		return ErrDuplicateReference
	}
	return nil
}

// CreditWallet adds amount to the balance. It returns false without
// changing anything when (txType, reference) was already journaled.
func (t *txStore) CreditWallet(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, txType models.WalletTxType, reference string) (bool, error) {
	if !amount.IsPositive() {
		return false, ErrNonPositiveAmount
	}
	return t.applyWallet(ctx, userID, amount, txType, reference)
}

func (t *txStore) applyWallet(ctx context.Context, userID uuid.UUID, delta decimal.Decimal, txType models.WalletTxType, reference string) (bool, error) {
	balance, err := t.LockWallet(ctx, userID)
	if err != nil {
		return false, err
	}

	var exists bool
	err = t.tx.GetContext(ctx, &exists,
		"SELECT EXISTS (SELECT 1 FROM wallet_transactions WHERE type = $1 AND reference = $2)",
		txType, reference)
	if err != nil {
		return false, fmt.Errorf("failed to check wallet reference: %w", err)
	}
	if exists {
		return false, nil
	}

	next := balance.Add(delta)
	if next.IsNegative() {
		return false, ErrInsufficientFunds
	}

	_, err = t.tx.ExecContext(ctx,
		"UPDATE users SET balance = $1, updated_at = NOW() WHERE id = $2", next, userID)
	if err != nil {
		return false, fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = t.tx.ExecContext(ctx,
		"INSERT INTO wallet_transactions (user_id, amount, type, reference) VALUES ($1, $2, $3, $4)",
		userID, delta, txType, reference)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrDuplicateReference
		}
		return false, fmt.Errorf("failed to journal wallet transaction: %w", err)
	}

	return true, nil
}
