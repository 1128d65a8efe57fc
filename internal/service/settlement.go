package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SettlementOutcome reports what Apply did with a callback
type SettlementOutcome string

const (
	SettlementApplied   SettlementOutcome = "applied"
	SettlementDuplicate SettlementOutcome = "duplicate"
	SettlementIgnored   SettlementOutcome = "ignored"
	// SettlementSkipped means the callback was recorded but the target was
	// no longer payable, e.g. the order was cancelled meanwhile.
	SettlementSkipped SettlementOutcome = "skipped"
)

// SettlementReconciler applies gateway callbacks exactly once
type SettlementReconciler struct {
	repo      Repository
	cache     SettlementCache
	publisher EventPublisher
	secret    string
	cacheTTL  time.Duration
	logger    *zap.Logger
}

// NewSettlementReconciler creates a new settlement reconciler. cache and
// publisher may be nil. An empty secret disables callback token checks.
func NewSettlementReconciler(repo Repository, cache SettlementCache, publisher EventPublisher, secret string, cacheTTL time.Duration) *SettlementReconciler {
	return &SettlementReconciler{
		repo:      repo,
		cache:     cache,
		publisher: publisher,
		secret:    secret,
		cacheTTL:  cacheTTL,
		logger:    util.GetLogger(),
	}
}

// Apply settles event. ErrBadSettlement, ErrSettlementTarget and
// ErrAmountMismatch are permanent; any other error is worth a retry.
func (r *SettlementReconciler) Apply(ctx context.Context, event *models.SettlementEvent) (SettlementOutcome, error) {
	ctx, span := util.StartSpan(ctx, "SettlementReconciler.Apply",
		attribute.String("txn_id", event.ExternalTxnID),
		attribute.String("kind", string(event.Kind)))
	defer span.End()

	outcome, err := r.apply(ctx, event)
	if err != nil {
		util.RecordError(span, err)
		util.SettlementsTotal.WithLabelValues(string(event.Kind), "error").Inc()
		util.LoggerWithTrace(ctx, r.logger).Error("Settlement failed",
			zap.String("txn_id", event.ExternalTxnID),
			zap.String("kind", string(event.Kind)),
			zap.String("target", event.Target),
			zap.Error(err))
		return "", err
	}

	util.SettlementsTotal.WithLabelValues(string(event.Kind), string(outcome)).Inc()
	return outcome, nil
}

func (r *SettlementReconciler) apply(ctx context.Context, event *models.SettlementEvent) (SettlementOutcome, error) {
	if event.Status != gateway.StatusCompleted {
		return SettlementIgnored, nil
	}

	if r.secret != "" && !gateway.VerifyToken(r.secret, event.Kind, event.Target, event.Token) {
		return "", fmt.Errorf("%w: bad callback token", ErrBadSettlement)
	}
	if event.ExternalTxnID == "" || !event.Amount.IsPositive() {
		return "", fmt.Errorf("%w: missing txn id or amount", ErrBadSettlement)
	}

	cacheKey := fmt.Sprintf("settlement:%s:%s", event.Kind, event.ExternalTxnID)
	if r.cache != nil {
		seen, err := r.cache.CheckIdempotencyKey(ctx, cacheKey)
		if err != nil {
			r.logger.Warn("Settlement cache lookup failed", zap.Error(err))
		} else if seen {
			return SettlementDuplicate, nil
		}
	}

	var outcome SettlementOutcome
	var err error
	switch event.Kind {
	case models.SettlementWalletFunding:
		outcome, err = r.applyWalletFunding(ctx, event)
	case models.SettlementOrderPayment:
		outcome, err = r.applyOrderPayment(ctx, event)
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrBadSettlement, event.Kind)
	}
	if err != nil {
		return "", err
	}

	if r.cache != nil {
		if err := r.cache.SetIdempotencyKey(ctx, cacheKey, r.cacheTTL); err != nil {
			r.logger.Warn("Failed to cache settlement", zap.Error(err))
		}
	}

	return outcome, nil
}

func (r *SettlementReconciler) applyWalletFunding(ctx context.Context, event *models.SettlementEvent) (SettlementOutcome, error) {
	userID, err := uuid.Parse(event.Target)
	if err != nil {
		return "", fmt.Errorf("%w: invalid user id %q", ErrBadSettlement, event.Target)
	}

	outcome := SettlementApplied
	err = r.repo.WithTx(ctx, func(tx store.Tx) error {
		fresh, err := tx.MarkSettlementProcessed(ctx, event.ExternalTxnID, event.Kind, event.Target)
		if err != nil {
			return err
		}
		if !fresh {
			outcome = SettlementDuplicate
			return nil
		}

		credited, err := tx.CreditWallet(ctx, userID, event.Amount, models.WalletTxFunding, "plisio:"+event.ExternalTxnID)
		if err != nil {
			return err
		}
		if !credited {
			outcome = SettlementDuplicate
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return "", fmt.Errorf("%w: user %s", ErrSettlementTarget, userID)
		}
		return "", fmt.Errorf("failed to apply wallet funding: %w", err)
	}

	if outcome == SettlementApplied {
		util.WalletMovementsTotal.WithLabelValues(string(models.WalletTxFunding)).Inc()
		r.logger.Info("Wallet funded",
			zap.String("user_id", userID.String()),
			zap.String("amount", event.Amount.String()),
			zap.String("txn_id", event.ExternalTxnID))
		r.publish(func(ctx context.Context) error {
			return r.publisher.PublishWalletCredited(ctx, &models.WalletCreditedEvent{
				BaseEvent: models.NewBaseEvent(models.EventTypeWalletCredited),
				UserID:    userID,
				Amount:    event.Amount,
				Reference: "plisio:" + event.ExternalTxnID,
			})
		})
	}
	return outcome, nil
}

func (r *SettlementReconciler) applyOrderPayment(ctx context.Context, event *models.SettlementEvent) (SettlementOutcome, error) {
	orderID, err := strconv.ParseInt(event.Target, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: invalid order id %q", ErrBadSettlement, event.Target)
	}

	outcome := SettlementApplied
	var from models.OrderStatus
	err = r.repo.WithTx(ctx, func(tx store.Tx) error {
		fresh, err := tx.MarkSettlementProcessed(ctx, event.ExternalTxnID, event.Kind, event.Target)
		if err != nil {
			return err
		}
		if !fresh {
			outcome = SettlementDuplicate
			return nil
		}

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}

		switch order.Status {
		case models.OrderStatusPending:
		case models.OrderStatusCompleted:
			outcome = SettlementDuplicate
			return nil
		default:
			r.logger.Warn("Payment received for order that is no longer payable",
				zap.Int64("order_id", order.ID),
				zap.String("status", string(order.Status)),
				zap.String("txn_id", event.ExternalTxnID))
			outcome = SettlementSkipped
			return nil
		}

		if event.Amount.LessThan(order.Total) {
			return fmt.Errorf("%w: got %s, want %s", ErrAmountMismatch, event.Amount, order.Total)
		}

		from = order.Status
		note := fmt.Sprintf("paid via gateway txn %s", event.ExternalTxnID)
		if err := tx.TransitionOrder(ctx, order, models.OrderStatusCompleted, note); err != nil {
			return err
		}
		return tx.SetPaymentReference(ctx, order.ID, event.ExternalTxnID)
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOrderNotFound):
			return "", fmt.Errorf("%w: order %d", ErrSettlementTarget, orderID)
		case errors.Is(err, ErrAmountMismatch):
			return "", err
		}
		return "", fmt.Errorf("failed to apply order payment: %w", err)
	}

	if outcome == SettlementApplied {
		util.OrderTransitionsTotal.WithLabelValues(string(from), string(models.OrderStatusCompleted)).Inc()
		r.logger.Info("Order paid",
			zap.Int64("order_id", orderID),
			zap.String("txn_id", event.ExternalTxnID))
		r.publish(func(ctx context.Context) error {
			return r.publisher.PublishOrderStatusChanged(ctx, &models.OrderStatusChangedEvent{
				BaseEvent: models.NewBaseEvent(models.EventTypeOrderStatusChanged),
				OrderID:   orderID,
				From:      from,
				To:        models.OrderStatusCompleted,
			})
		})
	}
	return outcome, nil
}

func (r *SettlementReconciler) publish(fn func(ctx context.Context) error) {
	if r.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.logger.Error("Failed to publish settlement event", zap.Error(err))
	}
}
