package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/mail"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// Consumer is the part of broker.Consumer the workers use
type Consumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// Deduper remembers handled event ids across redeliveries
type Deduper interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, ttl time.Duration) error
}

const notificationDedupeTTL = 24 * time.Hour

// NotificationWorker emails customers about placed orders
type NotificationWorker struct {
	consumer     Consumer
	eventHandler *broker.EventHandler
	sender       mail.EmailSender
	dedupe       Deduper
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker. dedupe may be nil.
func NewNotificationWorker(consumer Consumer, sender mail.EmailSender, dedupe Deduper) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		sender:       sender,
		dedupe:       dedupe,
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnOrderPlaced(w.handleOrderPlaced)
	w.eventHandler.OnOrderStatusChanged(w.handleOrderStatusChanged)
	return w
}

// Start consumes until ctx is cancelled
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

func (w *NotificationWorker) handleOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	if event.Email == "" {
		w.logger.Warn("Order has no email address, skipping notification", zap.Int64("order_id", event.OrderID))
		util.NotificationsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	key := "notification:" + event.EventID
	if w.dedupe != nil {
		if seen, err := w.dedupe.CheckIdempotencyKey(ctx, key); err == nil && seen {
			util.NotificationsTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
	}

	subject, body, err := mail.OrderPlaced(event)
	if err != nil {
		// A render failure will not get better on redelivery.
		w.logger.Error("Failed to render order email", zap.Int64("order_id", event.OrderID), zap.Error(err))
		util.NotificationsTotal.WithLabelValues("failed").Inc()
		return nil
	}

	res, err := w.sender.SendEmail(ctx, event.Email, subject, body)
	if err != nil {
		util.NotificationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to send order email: %w", err)
	}

	if w.dedupe != nil {
		if err := w.dedupe.SetIdempotencyKey(ctx, key, notificationDedupeTTL); err != nil {
			w.logger.Warn("Failed to remember notification", zap.Error(err))
		}
	}

	util.NotificationsTotal.WithLabelValues("sent").Inc()
	w.logger.Info("Order email sent",
		zap.Int64("order_id", event.OrderID),
		zap.String("message_id", res.MessageID))
	return nil
}

func (w *NotificationWorker) handleOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	w.logger.Info("Order status changed",
		zap.Int64("order_id", event.OrderID),
		zap.String("from", string(event.From)),
		zap.String("to", string(event.To)))
	return nil
}

// Locker is the distributed lock the reconcile job runs under
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (*redisclient.Lock, error)
	ReleaseLock(ctx context.Context, lock *redisclient.Lock) error
}

// Reconciler runs one reconciliation pass
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

const reconcileLockKey = "invoice-reconciler"

// ReconcileWorker periodically resolves pending crypto orders. The lock
// keeps concurrent instances from running the same pass.
type ReconcileWorker struct {
	reconciler Reconciler
	locker     Locker
	interval   time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	logger     *zap.Logger
}

// NewReconcileWorker creates a new reconcile worker. locker may be nil.
func NewReconcileWorker(reconciler Reconciler, locker Locker, interval time.Duration) *ReconcileWorker {
	return &ReconcileWorker{
		reconciler: reconciler,
		locker:     locker,
		interval:   interval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     util.GetLogger(),
	}
}

// Start runs a pass every interval until ctx is cancelled or Stop is called
func (w *ReconcileWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconcile worker", zap.Duration("interval", w.interval))
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("Reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// Stop ends Start and waits for the running pass. Start must have been called.
func (w *ReconcileWorker) Stop() error {
	w.logger.Info("Stopping reconcile worker")
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	return nil
}

// RunOnce runs a single pass if the lock is free. It reports whether the
// pass ran.
func (w *ReconcileWorker) RunOnce(ctx context.Context) (bool, error) {
	if w.locker != nil {
		lock, err := w.locker.AcquireLock(ctx, reconcileLockKey, w.interval)
		if err != nil {
			return false, err
		}
		if lock == nil {
			w.logger.Debug("Reconcile lock held elsewhere, skipping pass")
			return false, nil
		}
		defer func() {
			if err := w.locker.ReleaseLock(context.Background(), lock); err != nil {
				w.logger.Warn("Failed to release reconcile lock", zap.Error(err))
			}
		}()
	}

	if err := w.reconciler.Reconcile(ctx); err != nil {
		return true, err
	}
	return true, nil
}
