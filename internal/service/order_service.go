package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderService handles order reads and status changes
type OrderService struct {
	repo           Repository
	eventPublisher EventPublisher
	logger         *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(repo Repository, eventPublisher EventPublisher) *OrderService {
	return &OrderService{
		repo:           repo,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// OrderDetails is an order with its lines and audit trail
type OrderDetails struct {
	Order   *models.Order              `json:"order"`
	Lines   []models.OrderLine         `json:"lines"`
	History []models.OrderStatusChange `json:"history"`
}

// GetOrder returns an order with lines. Unless admin is set, orders of
// other users are reported as not found.
func (s *OrderService) GetOrder(ctx context.Context, viewer uuid.UUID, admin bool, orderID int64) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !admin && order.UserID != viewer {
		return nil, store.ErrOrderNotFound
	}

	lines, err := s.repo.GetOrderLines(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order lines: %w", err)
	}

	history, err := s.repo.GetStatusHistory(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order history: %w", err)
	}

	return &OrderDetails{Order: order, Lines: lines, History: history}, nil
}

// ListOrders returns a page of the user's orders, newest first
func (s *OrderService) ListOrders(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListOrdersByUser(ctx, userID, limit, offset)
}

// UpdateStatus moves an order along the whitelist and records note.
// Cancelling a pending order returns its stock. Refunding a wallet-paid
// order credits the wallet once; stock is not returned on refund.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID int64, to models.OrderStatus, note string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus",
		attribute.Int64("order_id", orderID),
		attribute.String("to", string(to)))
	defer span.End()

	if !to.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}

	var order *models.Order
	var from models.OrderStatus
	var restocked int
	var refunded bool

	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		from = order.Status

		if err := tx.TransitionOrder(ctx, order, to, note); err != nil {
			return err
		}

		if from == models.OrderStatusPending && to == models.OrderStatusCancelled {
			restocked, err = restock(ctx, tx, orderID)
			if err != nil {
				return err
			}
		}

		if to == models.OrderStatusRefunded && order.PaymentMethod == models.PaymentMethodWallet &&
			from != models.OrderStatusPending && order.Total.IsPositive() {
			ref := fmt.Sprintf("refund:order:%d", orderID)
			refunded, err = tx.CreditWallet(ctx, order.UserID, order.Total, models.WalletTxRefund, ref)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	if restocked > 0 {
		util.InventoryRestockedTotal.Add(float64(restocked))
	}
	if refunded {
		util.WalletMovementsTotal.WithLabelValues(string(models.WalletTxRefund)).Inc()
	}

	s.logger.Info("Order status updated",
		zap.Int64("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("restocked_units", restocked),
		zap.Bool("wallet_refunded", refunded))

	s.publishStatusChanged(order, from, note, refunded)
	return order, nil
}

// restock returns every line of the order to stock, locking products in
// ascending id order.
func restock(ctx context.Context, tx store.Tx, orderID int64) (int, error) {
	lines, err := tx.GetOrderLines(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("failed to get order lines: %w", err)
	}

	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

	units := 0
	for _, l := range lines {
		if err := tx.ReleaseStock(ctx, l.ProductID, l.Quantity); err != nil {
			return 0, err
		}
		units += l.Quantity
	}
	return units, nil
}

func (s *OrderService) publishStatusChanged(order *models.Order, from models.OrderStatus, note string, refunded bool) {
	if s.eventPublisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	event := &models.OrderStatusChangedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:   order.ID,
		From:      from,
		To:        order.Status,
		Note:      note,
	}
	if err := s.eventPublisher.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event",
			zap.Int64("order_id", order.ID), zap.Error(err))
	}

	if refunded {
		credit := &models.WalletCreditedEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeWalletCredited),
			UserID:    order.UserID,
			Amount:    order.Total,
			Reference: fmt.Sprintf("refund:order:%d", order.ID),
		}
		if err := s.eventPublisher.PublishWalletCredited(ctx, credit); err != nil {
			s.logger.Error("Failed to publish WalletCredited event",
				zap.Int64("order_id", order.ID), zap.Error(err))
		}
	}
}
