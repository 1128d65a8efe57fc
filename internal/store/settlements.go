package store

import (
	"context"
	"fmt"

	"checkout-service/internal/models"
)

// MarkSettlementProcessed records (txnID, kind). It returns false when the
// pair was already recorded, which means the settlement was applied before.
func (t *txStore) MarkSettlementProcessed(ctx context.Context, txnID string, kind models.SettlementKind, target string) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO processed_settlements (external_txn_id, kind, target)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (external_txn_id, kind) DO NOTHING`, txnID, kind, target)
	if err != nil {
		return false, fmt.Errorf("failed to mark settlement processed: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark settlement processed: %w", err)
	}
	return n == 1, nil
}
