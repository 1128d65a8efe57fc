package store

import (
	"context"

	"checkout-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// Tx is the set of locked read-modify-write operations available inside
// WithTx. Rows are locked until the enclosing transaction ends.
type Tx interface {
	// Inventory ledger
	LockProducts(ctx context.Context, ids []int64) (map[int64]models.Product, error)
	ReserveStock(ctx context.Context, productID int64, quantity int) (*models.Product, error)
	ReleaseStock(ctx context.Context, productID int64, quantity int) error

	// Wallet ledger
	LockWallet(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	DebitWallet(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, txType models.WalletTxType, reference string) error
	CreditWallet(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, txType models.WalletTxType, reference string) (bool, error)

	// Order store
	InsertOrder(ctx context.Context, order *models.Order) error
	InsertOrderLines(ctx context.Context, lines []models.OrderLine) error
	LockOrder(ctx context.Context, orderID int64) (*models.Order, error)
	GetOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error)
	TransitionOrder(ctx context.Context, order *models.Order, to models.OrderStatus, note string) error
	SetPaymentReference(ctx context.Context, orderID int64, reference string) error

	// Settlement journal
	MarkSettlementProcessed(ctx context.Context, txnID string, kind models.SettlementKind, target string) (bool, error)
}

type txStore struct {
	tx *sqlx.Tx
}

var _ Tx = (*txStore)(nil)
