package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// InvoiceReconciler resolves crypto orders stuck in pending: it retries
// invoices that were never issued and cancels orders whose payment window
// has expired, which returns their stock.
type InvoiceReconciler struct {
	repo        Repository
	invoicer    *OrderInvoicer
	orders      *OrderService
	pendingTTL  time.Duration
	maxAttempts int
	batchSize   int
	logger      *zap.Logger
}

// NewInvoiceReconciler creates a new invoice reconciler
func NewInvoiceReconciler(repo Repository, invoicer *OrderInvoicer, orders *OrderService, pendingTTL time.Duration, maxAttempts, batchSize int) *InvoiceReconciler {
	return &InvoiceReconciler{
		repo:        repo,
		invoicer:    invoicer,
		orders:      orders,
		pendingTTL:  pendingTTL,
		maxAttempts: maxAttempts,
		batchSize:   batchSize,
		logger:      util.GetLogger(),
	}
}

// Reconcile runs one pass. Stale orders are cancelled before invoices are
// retried so an expiring order never gets a fresh invoice.
func (r *InvoiceReconciler) Reconcile(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "InvoiceReconciler.Reconcile")
	defer span.End()

	cancelled, err := r.CancelStalePending(ctx)
	if err != nil {
		util.RecordError(span, err)
		return err
	}

	issued, err := r.RetryMissingInvoices(ctx)
	if err != nil {
		util.RecordError(span, err)
		return err
	}

	if cancelled > 0 || issued > 0 {
		r.logger.Info("Invoice reconciliation pass finished",
			zap.Int("cancelled", cancelled),
			zap.Int("invoices_issued", issued))
	}
	return nil
}

// CancelStalePending cancels pending crypto orders older than the TTL
func (r *InvoiceReconciler) CancelStalePending(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.pendingTTL)
	orders, err := r.repo.ListStalePendingOrders(ctx, cutoff, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale orders: %w", err)
	}

	cancelled := 0
	for _, o := range orders {
		note := fmt.Sprintf("payment window of %s expired", r.pendingTTL)
		_, err := r.orders.UpdateStatus(ctx, o.ID, models.OrderStatusCancelled, note)
		if errors.Is(err, store.ErrInvalidTransition) {
			// Paid or cancelled since it was listed.
			continue
		}
		if err != nil {
			r.logger.Error("Failed to cancel stale order", zap.Int64("order_id", o.ID), zap.Error(err))
			continue
		}
		cancelled++
		util.StaleOrdersCancelledTotal.Inc()
	}
	return cancelled, nil
}

// RetryMissingInvoices re-requests invoices for pending crypto orders that
// have none, up to maxAttempts per order. Each order is re-read first so one
// cancelled or paid after the listing is left alone.
func (r *InvoiceReconciler) RetryMissingInvoices(ctx context.Context) (int, error) {
	orders, err := r.repo.ListOrdersMissingInvoice(ctx, r.maxAttempts, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list orders without invoice: %w", err)
	}

	issued := 0
	for i := range orders {
		o, err := r.repo.GetOrder(ctx, orders[i].ID)
		if err != nil {
			r.logger.Error("Failed to reload order", zap.Int64("order_id", orders[i].ID), zap.Error(err))
			continue
		}
		if o.Status != models.OrderStatusPending || o.InvoiceID != nil {
			r.logger.Debug("Order no longer needs an invoice",
				zap.Int64("order_id", o.ID),
				zap.String("status", string(o.Status)))
			continue
		}

		user, err := r.repo.GetUser(ctx, o.UserID)
		if err != nil {
			r.logger.Error("Failed to load order owner", zap.Int64("order_id", o.ID), zap.Error(err))
			continue
		}

		if _, err := r.invoicer.Issue(ctx, o, user.Email); err != nil {
			r.logger.Warn("Invoice retry failed",
				zap.Int64("order_id", o.ID),
				zap.Int("attempts", o.InvoiceAttempts+1),
				zap.Error(err))
			continue
		}
		issued++
	}
	return issued, nil
}
