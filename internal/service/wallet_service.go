package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxFundingAmount caps a single wallet top-up invoice
var maxFundingAmount = decimal.NewFromInt(10000)

// WalletService exposes balances, admin adjustments and top-up invoices
type WalletService struct {
	repo    Repository
	gateway InvoiceIssuer
	logger  *zap.Logger
}

// NewWalletService creates a new wallet service
func NewWalletService(repo Repository, gw InvoiceIssuer) *WalletService {
	return &WalletService{
		repo:    repo,
		gateway: gw,
		logger:  util.GetLogger(),
	}
}

func (s *WalletService) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	return s.repo.GetBalance(ctx, userID)
}

// AdjustBalance applies a signed admin correction through the wallet
// ledger and returns the new balance. The balance never goes below zero.
func (s *WalletService) AdjustBalance(ctx context.Context, adminID, userID uuid.UUID, delta decimal.Decimal, note string) (decimal.Decimal, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.AdjustBalance")
	defer span.End()

	if delta.IsZero() {
		return decimal.Zero, ErrInvalidAmount
	}

	ref := "adjust:" + uuid.New().String()
	var balance decimal.Decimal

	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		if delta.IsPositive() {
			if _, err := tx.CreditWallet(ctx, userID, delta, models.WalletTxAdjustment, ref); err != nil {
				return err
			}
		} else {
			if err := tx.DebitWallet(ctx, userID, delta.Neg(), models.WalletTxAdjustment, ref); err != nil {
				return err
			}
		}

		var err error
		balance, err = tx.LockWallet(ctx, userID)
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		return decimal.Zero, err
	}

	util.WalletMovementsTotal.WithLabelValues(string(models.WalletTxAdjustment)).Inc()
	s.logger.Info("Wallet adjusted",
		zap.String("admin_id", adminID.String()),
		zap.String("user_id", userID.String()),
		zap.String("delta", delta.String()),
		zap.String("reference", ref),
		zap.String("note", note))

	return balance, nil
}

// CreateFundingInvoice issues a gateway invoice whose settlement credits
// the user's wallet.
func (s *WalletService) CreateFundingInvoice(ctx context.Context, userID uuid.UUID, email string, amount decimal.Decimal) (*gateway.Invoice, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.CreateFundingInvoice")
	defer span.End()

	if !amount.IsPositive() || amount.GreaterThan(maxFundingAmount) || !amount.Equal(amount.Round(2)) {
		return nil, ErrInvalidAmount
	}

	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}

	invoice, err := s.gateway.CreateInvoice(ctx, gateway.InvoiceRequest{
		Amount:      amount,
		OrderNumber: fmt.Sprintf("WALLET-%s-%d", userID, time.Now().UnixMilli()),
		OrderName:   fmt.Sprintf("Wallet Load: $%s", amount.StringFixed(2)),
		CallbackURL: s.gateway.WalletCallbackURL(userID),
		Email:       email,
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, &CheckoutError{Kind: KindGatewayUnavailable, Err: err}
	}

	s.logger.Info("Wallet funding invoice created",
		zap.String("user_id", userID.String()),
		zap.String("amount", amount.String()),
		zap.String("invoice_id", invoice.TxnID))
	return invoice, nil
}
