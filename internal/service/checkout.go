package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CheckoutService turns a cart into an order
type CheckoutService struct {
	repo      Repository
	invoicer  *OrderInvoicer
	publisher EventPublisher
	logger    *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(repo Repository, invoicer *OrderInvoicer, publisher EventPublisher) *CheckoutService {
	return &CheckoutService{
		repo:      repo,
		invoicer:  invoicer,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// CartItem is a client-held cart line. Name and Price are advisory only.
type CartItem struct {
	ProductID int64           `json:"id" binding:"required"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

// CheckoutRequest represents a request to check out a cart
type CheckoutRequest struct {
	UserID         uuid.UUID
	Email          string
	Items          []CartItem
	PaymentMethod  string
	IdempotencyKey string
}

// CheckoutResult represents the committed order
type CheckoutResult struct {
	OrderID    int64              `json:"orderId"`
	Status     models.OrderStatus `json:"status"`
	Total      decimal.Decimal    `json:"total"`
	InvoiceURL string             `json:"invoiceUrl,omitempty"`
	// Replayed is true when the idempotency key matched an earlier order.
	Replayed bool `json:"replayed,omitempty"`
}

type cartLine struct {
	productID int64
	name      string
	quantity  int
}

// Checkout validates the cart, then reserves stock, creates the order and
// (wallet path) debits the wallet in a single transaction. Crypto orders
// get their invoice after commit; a failed invoice leaves the order pending
// and returns ErrGatewayUnavailable carrying the order id.
func (s *CheckoutService) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout",
		attribute.String("payment_method", req.PaymentMethod))
	defer span.End()

	result, err := s.checkout(ctx, req)
	if err != nil {
		util.RecordError(span, err)
		var ce *CheckoutError
		if errors.As(err, &ce) {
			util.CheckoutsTotal.WithLabelValues(req.PaymentMethod, string(ce.Kind)).Inc()
		}
		return result, err
	}

	util.CheckoutsTotal.WithLabelValues(req.PaymentMethod, "ok").Inc()
	return result, nil
}

func (s *CheckoutService) checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	if req.UserID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	if len(req.Items) == 0 {
		return nil, ErrEmptyCart
	}
	method, ok := models.ParsePaymentMethod(req.PaymentMethod)
	if !ok {
		return nil, ErrInvalidPaymentMethod
	}

	lines, err := mergeCart(req.Items)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.repo.GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey); err != nil {
			return nil, &CheckoutError{Kind: KindTransactionFailed, Err: err}
		} else if existing != nil {
			return s.replay(existing), nil
		}
	}

	start := time.Now()
	order, orderLines, err := s.placeOrder(ctx, req, method, lines)
	util.CheckoutLatency.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			// A concurrent request with the same key won the race.
			existing, getErr := s.repo.GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if getErr == nil && existing != nil {
				return s.replay(existing), nil
			}
		}
		return nil, classifyCheckoutError(err)
	}

	s.logger.Info("Order placed",
		zap.Int64("order_id", order.ID),
		zap.String("user_id", order.UserID.String()),
		zap.String("payment_method", string(method)),
		zap.String("total", order.Total.String()))

	s.notifyOrderPlaced(order, orderLines, req.Email)

	result := &CheckoutResult{OrderID: order.ID, Status: order.Status, Total: order.Total}

	if method == models.PaymentMethodCrypto {
		invoice, err := s.invoicer.Issue(ctx, order, req.Email)
		if err != nil {
			s.logger.Error("Invoice creation failed, order left pending",
				zap.Int64("order_id", order.ID), zap.Error(err))
			return result, &CheckoutError{Kind: KindGatewayUnavailable, OrderID: order.ID, Err: err}
		}
		result.InvoiceURL = invoice.InvoiceURL
	}

	return result, nil
}

// placeOrder is the transactional part of checkout. Locks are taken on the
// products in ascending id order, then on the wallet.
func (s *CheckoutService) placeOrder(ctx context.Context, req *CheckoutRequest, method models.PaymentMethod, lines []cartLine) (*models.Order, []models.OrderLine, error) {
	var order *models.Order
	var orderLines []models.OrderLine

	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		ids := make([]int64, len(lines))
		for i, l := range lines {
			ids[i] = l.productID
		}

		products, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return err
		}

		total := decimal.Zero
		for _, l := range lines {
			p, ok := products[l.productID]
			if !ok {
				return &CheckoutError{Kind: KindProductNotFound, ProductName: displayName(l)}
			}
			total = total.Add(p.Price.Mul(decimal.NewFromInt(int64(l.quantity))))
		}

		if method == models.PaymentMethodWallet {
			balance, err := tx.LockWallet(ctx, req.UserID)
			if err != nil {
				return err
			}
			if balance.LessThan(total) {
				return ErrInsufficientFunds
			}
		}

		reserveStart := time.Now()
		for _, l := range lines {
			if _, err := tx.ReserveStock(ctx, l.productID, l.quantity); err != nil {
				return err
			}
		}
		util.InventoryReserveLatency.Observe(time.Since(reserveStart).Seconds())

		status := models.OrderStatusPending
		if method == models.PaymentMethodWallet {
			status = models.OrderStatusCompleted
		}

		order = &models.Order{
			UserID:        req.UserID,
			Status:        status,
			PaymentMethod: method,
			Total:         total,
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			order.IdempotencyKey = &key
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		orderLines = make([]models.OrderLine, 0, len(lines))
		for _, l := range lines {
			p := products[l.productID]
			orderLines = append(orderLines, models.OrderLine{
				OrderID:     order.ID,
				ProductID:   p.ID,
				ProductName: p.Name,
				UnitPrice:   p.Price,
				Quantity:    l.quantity,
			})
		}
		if err := tx.InsertOrderLines(ctx, orderLines); err != nil {
			return err
		}

		// A free order moves no money and writes no journal row.
		if method == models.PaymentMethodWallet && total.IsPositive() {
			ref := fmt.Sprintf("order:%d", order.ID)
			if err := tx.DebitWallet(ctx, req.UserID, total, models.WalletTxPayment, ref); err != nil {
				return err
			}
			util.WalletMovementsTotal.WithLabelValues(string(models.WalletTxPayment)).Inc()
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return order, orderLines, nil
}

func (s *CheckoutService) replay(order *models.Order) *CheckoutResult {
	s.logger.Info("Duplicate checkout request detected",
		zap.Int64("order_id", order.ID),
		zap.String("idempotency_key", *order.IdempotencyKey))

	result := &CheckoutResult{
		OrderID:  order.ID,
		Status:   order.Status,
		Total:    order.Total,
		Replayed: true,
	}
	if order.InvoiceURL != nil {
		result.InvoiceURL = *order.InvoiceURL
	}
	return result
}

// notifyOrderPlaced publishes ORDER_PLACED without blocking the response.
func (s *CheckoutService) notifyOrderPlaced(order *models.Order, lines []models.OrderLine, email string) {
	if s.publisher == nil {
		return
	}

	items := make([]models.OrderLineData, len(lines))
	for i, l := range lines {
		items[i] = models.OrderLineData{
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
		}
	}

	event := &models.OrderPlacedEvent{
		BaseEvent:     models.NewBaseEvent(models.EventTypeOrderPlaced),
		OrderID:       order.ID,
		UserID:        order.UserID,
		Email:         email,
		Status:        order.Status,
		PaymentMethod: order.PaymentMethod,
		Total:         order.Total,
		Items:         items,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.publisher.PublishOrderPlaced(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderPlaced event",
				zap.Int64("order_id", order.ID), zap.Error(err))
		}
	}()
}

// maxLineQuantity caps a merged cart line so it fits the stock column
const maxLineQuantity = math.MaxInt32

// mergeCart folds duplicate product ids together and returns the lines in
// ascending product id order.
func mergeCart(items []CartItem) ([]cartLine, error) {
	byID := make(map[int64]*cartLine, len(items))
	for _, item := range items {
		if item.ProductID <= 0 || item.Quantity < 1 || item.Quantity > maxLineQuantity {
			return nil, &CheckoutError{Kind: KindInvalidQuantity, ProductName: item.Name}
		}
		if l, ok := byID[item.ProductID]; ok {
			if l.quantity > maxLineQuantity-item.Quantity {
				return nil, &CheckoutError{Kind: KindInvalidQuantity, ProductName: item.Name}
			}
			l.quantity += item.Quantity
			continue
		}
		byID[item.ProductID] = &cartLine{productID: item.ProductID, name: item.Name, quantity: item.Quantity}
	}

	lines := make([]cartLine, 0, len(byID))
	for _, l := range byID {
		lines = append(lines, *l)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].productID < lines[j].productID })
	return lines, nil
}

func displayName(l cartLine) string {
	if l.name != "" {
		return l.name
	}
	return fmt.Sprintf("#%d", l.productID)
}

// classifyCheckoutError maps lower-layer errors onto the checkout taxonomy.
// Anything unrecognised becomes TransactionFailed.
func classifyCheckoutError(err error) error {
	var ce *CheckoutError
	if errors.As(err, &ce) {
		return ce
	}

	var stockErr *store.StockError
	if errors.As(err, &stockErr) {
		name := stockErr.ProductName
		if name == "" {
			name = fmt.Sprintf("#%d", stockErr.ProductID)
		}
		switch {
		case errors.Is(stockErr, store.ErrProductNotFound):
			util.InventoryReservationsFailed.WithLabelValues("not_found").Inc()
			return &CheckoutError{Kind: KindProductNotFound, ProductName: name, Err: err}
		case errors.Is(stockErr, store.ErrProductInactive):
			util.InventoryReservationsFailed.WithLabelValues("inactive").Inc()
			return &CheckoutError{Kind: KindProductInactive, ProductName: name, Err: err}
		case errors.Is(stockErr, store.ErrInsufficientStock):
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			return &CheckoutError{Kind: KindInsufficientStock, ProductName: name, Available: stockErr.Available, Err: err}
		}
	}

	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return &CheckoutError{Kind: KindInsufficientFunds, Err: err}
	case errors.Is(err, store.ErrUserNotFound):
		return &CheckoutError{Kind: KindUnauthenticated, Err: err}
	}

	return &CheckoutError{Kind: KindTransactionFailed, Err: err}
}
