package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// OrderInvoicer requests gateway invoices for pending crypto orders and
// records the outcome on the order. It never touches stock or status.
type OrderInvoicer struct {
	repo    Repository
	gateway InvoiceIssuer
	logger  *zap.Logger
}

// NewOrderInvoicer creates a new order invoicer
func NewOrderInvoicer(repo Repository, gw InvoiceIssuer) *OrderInvoicer {
	return &OrderInvoicer{
		repo:    repo,
		gateway: gw,
		logger:  util.GetLogger(),
	}
}

// Issue creates an invoice for order. On failure the attempt is counted so
// the reconciler can give up eventually.
func (i *OrderInvoicer) Issue(ctx context.Context, order *models.Order, email string) (*gateway.Invoice, error) {
	ctx, span := util.StartSpan(ctx, "OrderInvoicer.Issue")
	defer span.End()

	invoice, err := i.gateway.CreateInvoice(ctx, gateway.InvoiceRequest{
		Amount:      order.Total,
		OrderNumber: strconv.FormatInt(order.ID, 10),
		OrderName:   fmt.Sprintf("Order #%d", order.ID),
		CallbackURL: i.gateway.OrderCallbackURL(order.ID),
		Email:       email,
	})
	if err != nil {
		util.RecordError(span, err)
		if incErr := i.repo.IncrementInvoiceAttempts(ctx, order.ID); incErr != nil {
			i.logger.Error("Failed to count invoice attempt",
				zap.Int64("order_id", order.ID), zap.Error(incErr))
		}
		return nil, err
	}

	if err := i.repo.RecordInvoice(ctx, order.ID, invoice.TxnID, invoice.InvoiceURL); errors.Is(err, store.ErrOrderNotPending) {
		// Settled or cancelled meanwhile; a late payment is recorded as skipped.
		i.logger.Warn("Invoice issued for order that is no longer pending",
			zap.Int64("order_id", order.ID),
			zap.String("invoice_id", invoice.TxnID))
	} else if err != nil {
		// The customer still gets the link; the webhook correlates by order id.
		i.logger.Error("Failed to record invoice",
			zap.Int64("order_id", order.ID),
			zap.String("invoice_id", invoice.TxnID),
			zap.Error(err))
	}

	order.InvoiceID = &invoice.TxnID
	order.InvoiceURL = &invoice.InvoiceURL
	return invoice, nil
}
