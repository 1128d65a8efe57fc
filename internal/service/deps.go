package service

import (
	"context"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository is the part of *store.Store the services use
type Repository interface {
	WithTx(ctx context.Context, fn func(tx store.Tx) error) error

	GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)

	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error)
	GetStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusChange, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Order, error)
	ListOrdersMissingInvoice(ctx context.Context, maxAttempts, limit int) ([]models.Order, error)
	ListStalePendingOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	RecordInvoice(ctx context.Context, orderID int64, invoiceID, invoiceURL string) error
	IncrementInvoiceAttempts(ctx context.Context, orderID int64) error
}

// InvoiceIssuer is the payment gateway as seen by the services
type InvoiceIssuer interface {
	CreateInvoice(ctx context.Context, req gateway.InvoiceRequest) (*gateway.Invoice, error)
	OrderCallbackURL(orderID int64) string
	WalletCallbackURL(userID uuid.UUID) string
}

// EventPublisher publishes domain events after commit
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishWalletCredited(ctx context.Context, event *models.WalletCreditedEvent) error
}

// SettlementCache is a fast path in front of the processed-settlement table
type SettlementCache interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, ttl time.Duration) error
}

var (
	_ Repository      = (*store.Store)(nil)
	_ InvoiceIssuer   = (*gateway.Client)(nil)
	_ EventPublisher  = (*broker.EventPublisher)(nil)
	_ SettlementCache = (*redisclient.Client)(nil)
)
