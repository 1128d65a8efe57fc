package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product represents a sellable catalog entry (a carrier account or label pack)
type Product struct {
	ID           int64           `db:"id" json:"id"`
	Name         string          `db:"name" json:"name"`
	Price        decimal.Decimal `db:"price" json:"price"`
	Availability int             `db:"availability" json:"availability"`
	Status       ProductStatus   `db:"status" json:"status"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "active"
	ProductStatusInactive ProductStatus = "inactive"
	ProductStatusDeleted  ProductStatus = "deleted"
)

// User is the subset of the account record the checkout pipeline reads.
// Balance is the wallet and is only mutated through the wallet ledger.
type User struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	Email     string          `db:"email" json:"email"`
	Role      string          `db:"role" json:"role"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Order represents a customer order
type Order struct {
	ID               int64           `db:"id" json:"id"`
	UserID           uuid.UUID       `db:"user_id" json:"user_id"`
	Status           OrderStatus     `db:"status" json:"status"`
	PaymentMethod    PaymentMethod   `db:"payment_method" json:"payment_method"`
	Total            decimal.Decimal `db:"total" json:"total"`
	PaymentReference *string         `db:"payment_reference" json:"payment_reference,omitempty"`
	InvoiceID        *string         `db:"invoice_id" json:"invoice_id,omitempty"`
	InvoiceURL       *string         `db:"invoice_url" json:"invoice_url,omitempty"`
	InvoiceAttempts  int             `db:"invoice_attempts" json:"-"`
	IdempotencyKey   *string         `db:"idempotency_key" json:"-"`
	Description      *string         `db:"description" json:"description,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderLine snapshots product name and price at purchase time
type OrderLine struct {
	ID          int64           `db:"id" json:"id"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	ProductName string          `db:"product_name" json:"product_name"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	Quantity    int             `db:"quantity" json:"quantity"`
}

// Subtotal returns unit price times quantity
func (l OrderLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// OrderStatusChange is one row of the audit trail kept for every transition
type OrderStatusChange struct {
	ID         int64        `db:"id" json:"id"`
	OrderID    int64        `db:"order_id" json:"order_id"`
	FromStatus *OrderStatus `db:"from_status" json:"from_status,omitempty"`
	ToStatus   OrderStatus  `db:"to_status" json:"to_status"`
	Note       *string      `db:"note" json:"note,omitempty"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
}

type PaymentMethod string

const (
	PaymentMethodWallet PaymentMethod = "wallet"
	PaymentMethodCrypto PaymentMethod = "crypto"
)

// ParsePaymentMethod accepts the values the storefront sends. "plisio" is
// kept as an alias of the crypto gateway.
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	switch s {
	case "wallet":
		return PaymentMethodWallet, true
	case "crypto", "plisio":
		return PaymentMethodCrypto, true
	}
	return "", false
}

// WalletTxType classifies a wallet journal entry
type WalletTxType string

const (
	WalletTxPayment    WalletTxType = "payment"
	WalletTxFunding    WalletTxType = "funding"
	WalletTxRefund     WalletTxType = "refund"
	WalletTxAdjustment WalletTxType = "adjustment"
)

// WalletTransaction is an entry of the wallet journal. (Type, Reference) is unique.
type WalletTransaction struct {
	ID        int64           `db:"id" json:"id"`
	UserID    uuid.UUID       `db:"user_id" json:"user_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Type      WalletTxType    `db:"type" json:"type"`
	Reference string          `db:"reference" json:"reference"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// SettlementKind says what a gateway callback settles
type SettlementKind string

const (
	SettlementWalletFunding SettlementKind = "wallet"
	SettlementOrderPayment  SettlementKind = "order"
)

// SettlementEvent is a normalized gateway callback
type SettlementEvent struct {
	ExternalTxnID string
	Status        string
	Amount        decimal.Decimal
	Kind          SettlementKind
	// Target is the order id for order payments and the user id for wallet funding.
	Target string
	Token  string
}

// ProcessedSettlement records an applied callback; (ExternalTxnID, Kind) is unique
type ProcessedSettlement struct {
	ExternalTxnID string         `db:"external_txn_id"`
	Kind          SettlementKind `db:"kind"`
	Target        string         `db:"target"`
	ProcessedAt   time.Time      `db:"processed_at"`
}
