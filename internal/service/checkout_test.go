package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkoutFixture struct {
	repo      *fakeRepo
	gateway   *fakeGateway
	publisher *fakePublisher
	svc       *CheckoutService
}

func newCheckoutFixture() *checkoutFixture {
	repo := newFakeRepo()
	gw := &fakeGateway{}
	pub := &fakePublisher{}
	return &checkoutFixture{
		repo:      repo,
		gateway:   gw,
		publisher: pub,
		svc:       NewCheckoutService(repo, NewOrderInvoicer(repo, gw), pub),
	}
}

func walletCheckout(userID uuid.UUID, items ...CartItem) *CheckoutRequest {
	return &CheckoutRequest{UserID: userID, Email: "buyer@example.com", Items: items, PaymentMethod: "wallet"}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCheckoutWalletScenarioA(t *testing.T) {
	f := newCheckoutFixture()
	f.repo.addProduct(1, "P", "10.00", 2, models.ProductStatusActive)
	user := f.repo.addUser("25.00")

	result, err := f.svc.Checkout(context.Background(), walletCheckout(user, CartItem{ProductID: 1, Name: "P", Quantity: 2}))

	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, result.Status)
	assert.True(t, dec("20").Equal(result.Total))
	assert.Equal(t, 0, f.repo.product(1).Availability)
	assert.True(t, dec("5").Equal(f.repo.balance(user)), "balance = %s", f.repo.balance(user))

	order := f.repo.order(result.OrderID)
	assert.Equal(t, models.PaymentMethodWallet, order.PaymentMethod)

	entry, ok := f.repo.journal["payment|order:1"]
	require.True(t, ok)
	assert.True(t, dec("-20").Equal(entry.Amount))

	assert.Eventually(t, func() bool { return f.publisher.placedCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestCheckoutInsufficientStockScenarioB(t *testing.T) {
	f := newCheckoutFixture()
	f.repo.addProduct(1, "P", "10.00", 0, models.ProductStatusActive)
	user := f.repo.addUser("25.00")

	_, err := f.svc.Checkout(context.Background(), walletCheckout(user, CartItem{ProductID: 1, Name: "P", Quantity: 2}))

	require.ErrorIs(t, err, ErrInsufficientStock)
	var ce *CheckoutError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, `Only 0 of "P" available`, ce.Message())
	assert.True(t, dec("25").Equal(f.repo.balance(user)))
	assert.Equal(t, 0, f.repo.orderCount())
}

func TestCheckoutInsufficientFunds(t *testing.T) {
	f := newCheckoutFixture()
	f.repo.addProduct(1, "P", "10.00", 5, models.ProductStatusActive)
	user := f.repo.addUser("5.00")

	_, err := f.svc.Checkout(context.Background(), walletCheckout(user, CartItem{ProductID: 1, Quantity: 1}))

	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, 5, f.repo.product(1).Availability)
	assert.True(t, dec("5").Equal(f.repo.balance(user)))
	assert.Equal(t, 0, f.repo.orderCount())
}

func TestCheckoutIsAllOrNothing(t *testing.T) {
	f := newCheckoutFixture()
	f.repo.addProduct(1, "UPS label", "3.00", 10, models.ProductStatusActive)
	f.repo.addProduct(2, "FedEx account", "7.00", 10, models.ProductStatusInactive)
	user := f.repo.addUser("100.00")

	_, err := f.svc.Checkout(context.Background(), walletCheckout(user,
		CartItem{ProductID: 1, Quantity: 4},
		CartItem{ProductID: 2, Quantity: 1},
	))

	require.ErrorIs(t, err, ErrProductInactive)
	var ce *CheckoutError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "FedEx account", ce.ProductName)

	assert.Equal(t, 10, f.repo.product(1).Availability)
	assert.Equal(t, 10, f.repo.product(2).Availability)
	assert.True(t, dec("100").Equal(f.repo.balance(user)))
	assert.Equal(t, 0, f.repo.orderCount())
}

func TestCheckoutUnknownProductUsesAdvisoryName(t *testing.T) {
	f := newCheckoutFixture()
	user := f.repo.addUser("100.00")

	_, err := f.svc.Checkout(context.Background(), walletCheckout(user, CartItem{ProductID: 99, Name: "Ghost", Quantity: 1}))

	require.ErrorIs(t, err, ErrProductNotFound)
	var ce *CheckoutError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, `Product "Ghost" not found`, ce.Message())
}

func TestCheckoutValidation(t *testing.T) {
	f := newCheckoutFixture()
	user := f.repo.addUser("10.00")
	item := CartItem{ProductID: 1, Quantity: 1}

	tests := []struct {
		name string
		req  *CheckoutRequest
		want error
	}{
		{"unauthenticated", &CheckoutRequest{Items: []CartItem{item}, PaymentMethod: "wallet"}, ErrUnauthenticated},
		{"empty cart", &CheckoutRequest{UserID: user, PaymentMethod: "wallet"}, ErrEmptyCart},
		{"bad method", &CheckoutRequest{UserID: user, Items: []CartItem{item}, PaymentMethod: "card"}, ErrInvalidPaymentMethod},
		{"zero quantity", &CheckoutRequest{UserID: user, Items: []CartItem{{ProductID: 1}}, PaymentMethod: "wallet"}, ErrInvalidQuantity},
		{"negative quantity", &CheckoutRequest{UserID: user, Items: []CartItem{{ProductID: 1, Quantity: -3}}, PaymentMethod: "wallet"}, ErrInvalidQuantity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Checkout(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.repo.lockLog, "validation must fail before any transaction")
}

func TestCheckoutIgnoresClientPrice(t *testing.T) {
	f := newCheckoutFixture()
	f.repo.addProduct(1, "P", "10.00", 5, models.ProductStatusActive)
	user := f.repo.addUser("50.00")

	result, err := f.svc.Checkout(context.Background(), walletCheckout(user,
		CartItem{ProductID: 1, Name: "Cheap P", Price: dec("0.01"), Quantity: 3}))

	require.NoError(t, err)
	assert.True(t, dec("30").Equal(result.Total))
	assert.True(t, dec("20").Equal(f.repo.balance(user)))
	assert.Equal(t, "P", f.repo.lines[result.OrderID][0].ProductName)
}

func TestCheckoutMergesDuplicateLinesAndLocksInOrder(t *testing.T) {
	f := newCheckoutFixture()
	f.repo.addProduct(1, "A", "1.00", 10, models.ProductStatusActive)
	f.repo.addProduct(5, "B", "2.00", 10, models.ProductStatusActive)
	user := f.repo.addUser("50.00")

	result, err := f.svc.Checkout(context.Background(), walletCheckout(user,
		CartItem{ProductID: 5, Quantity: 1},
		CartItem{ProductID: 1, Quantity: 2},
		CartItem{ProductID: 5, Quantity: 2},
	))

	require.NoError(t, err)
	assert.Equal(t, 7, f.repo.product(5).Availability)
	assert.Equal(t, 8, f.repo.product(1).Availability)
	assert.True(t, dec("8").Equal(result.Total))
	assert.Len(t, f.repo.lines[result.OrderID], 2)
	assert.Equal(t, []string{"products:[1 5]", "wallet"}, f.repo.lockLog)
}

func TestCheckoutRejectsOverflowingMergedQuantity(t *testing.T) {
	f := newCheckoutFixture()
	f.repo.addProduct(1, "A", "1.00", 10, models.ProductStatusActive)
	user := f.repo.addUser("50.00")

	_, err := f.svc.Checkout(context.Background(), walletCheckout(user,
		CartItem{ProductID: 1, Quantity: math.MaxInt32},
		CartItem{ProductID: 1, Quantity: math.MaxInt32},
	))

	require.ErrorIs(t, err, ErrInvalidQuantity)
	assert.Empty(t, f.repo.lockLog)
	assert.Equal(t, 0, f.repo.orderCount())
}

func TestCheckoutZeroTotalWallet(t *testing.T) {
	f := newCheckoutFixture()
	f.repo.addProduct(1, "Free", "0.00", 1, models.ProductStatusActive)
	user := f.repo.addUser("0.00")

	result, err := f.svc.Checkout(context.Background(), walletCheckout(user, CartItem{ProductID: 1, Quantity: 1}))

	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, result.Status)
	assert.True(t, result.Total.IsZero())
	assert.True(t, dec("0").Equal(f.repo.balance(user)))
	assert.Equal(t, 0, f.repo.product(1).Availability)
	_, debited := f.repo.journal["payment|order:1"]
	assert.False(t, debited)
}

func TestCheckoutSnapshotsPriceAndName(t *testing.T) {
	f := newCheckoutFixture()
	f.repo.addProduct(1, "P", "10.00", 5, models.ProductStatusActive)
	user := f.repo.addUser("50.00")

	result, err := f.svc.Checkout(context.Background(), walletCheckout(user, CartItem{ProductID: 1, Quantity: 1}))
	require.NoError(t, err)

	f.repo.products[1].Price = dec("99.00")
	f.repo.products[1].Name = "P renamed"

	lines, err := f.repo.GetOrderLines(context.Background(), result.OrderID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, dec("10").Equal(lines[0].UnitPrice))
	assert.Equal(t, "P", lines[0].ProductName)
}

func TestCheckoutConcurrentLastUnitsScenarioC(t *testing.T) {
	f := newCheckoutFixture()
	f.repo.addProduct(1, "P", "10.00", 2, models.ProductStatusActive)
	users := []uuid.UUID{f.repo.addUser("100.00"), f.repo.addUser("100.00")}

	var wg sync.WaitGroup
	errs := make([]error, len(users))
	for i, u := range users {
		wg.Add(1)
		go func(i int, u uuid.UUID) {
			defer wg.Done()
			_, errs[i] = f.svc.Checkout(context.Background(), walletCheckout(u, CartItem{ProductID: 1, Quantity: 2}))
		}(i, u)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInsufficientStock)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, f.repo.product(1).Availability)
	assert.Equal(t, 1, f.repo.orderCount())
}

func TestCheckoutNeverOversells(t *testing.T) {
	f := newCheckoutFixture()
	f.repo.addProduct(1, "P", "1.00", 7, models.ProductStatusActive)

	buyers := make([]uuid.UUID, 20)
	for i := range buyers {
		buyers[i] = f.repo.addUser("10.00")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	sold := 0
	for i, u := range buyers {
		wg.Add(1)
		go func(u uuid.UUID, qty int) {
			defer wg.Done()
			if _, err := f.svc.Checkout(context.Background(), walletCheckout(u, CartItem{ProductID: 1, Quantity: qty})); err == nil {
				mu.Lock()
				sold += qty
				mu.Unlock()
			}
		}(u, i%3+1)
	}
	wg.Wait()

	assert.LessOrEqual(t, sold, 7)
	assert.Equal(t, 7-sold, f.repo.product(1).Availability)
	assert.GreaterOrEqual(t, f.repo.product(1).Availability, 0)
}

func TestCheckoutCrypto(t *testing.T) {
	f := newCheckoutFixture()
	f.repo.addProduct(1, "P", "10.00", 3, models.ProductStatusActive)
	user := f.repo.addUser("0.00")

	result, err := f.svc.Checkout(context.Background(), &CheckoutRequest{
		UserID:        user,
		Email:         "buyer@example.com",
		Items:         []CartItem{{ProductID: 1, Quantity: 2}},
		PaymentMethod: "crypto",
	})

	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, result.Status)
	assert.Equal(t, "https://pay.example/INV-1", result.InvoiceURL)
	assert.Equal(t, 1, f.repo.product(1).Availability)
	assert.True(t, decimal.Zero.Equal(f.repo.balance(user)))

	order := f.repo.order(result.OrderID)
	require.NotNil(t, order.InvoiceID)
	assert.Equal(t, "INV-1", *order.InvoiceID)

	require.Len(t, f.gateway.requests, 1)
	req := f.gateway.requests[0]
	assert.True(t, dec("20").Equal(req.Amount))
	assert.Equal(t, "Order #1", req.OrderName)
	assert.Contains(t, req.CallbackURL, "type=order&id=1")
	assert.Equal(t, "buyer@example.com", req.Email)
}

func TestCheckoutCryptoGatewayFailureKeepsOrderPending(t *testing.T) {
	f := newCheckoutFixture()
	f.gateway.err = gateway.ErrGateway
	f.repo.addProduct(1, "P", "10.00", 3, models.ProductStatusActive)
	user := f.repo.addUser("0.00")

	result, err := f.svc.Checkout(context.Background(), &CheckoutRequest{
		UserID:        user,
		Items:         []CartItem{{ProductID: 1, Quantity: 1}},
		PaymentMethod: "plisio",
	})

	require.ErrorIs(t, err, ErrGatewayUnavailable)
	var ce *CheckoutError
	require.True(t, errors.As(err, &ce))
	require.NotNil(t, result)
	assert.Equal(t, result.OrderID, ce.OrderID)

	order := f.repo.order(result.OrderID)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Nil(t, order.InvoiceID)
	assert.Equal(t, 1, order.InvoiceAttempts)
	assert.Equal(t, 2, f.repo.product(1).Availability)
}

func TestCheckoutIdempotencyKeyReplaysOrder(t *testing.T) {
	f := newCheckoutFixture()
	f.repo.addProduct(1, "P", "10.00", 5, models.ProductStatusActive)
	user := f.repo.addUser("100.00")

	req := walletCheckout(user, CartItem{ProductID: 1, Quantity: 1})
	req.IdempotencyKey = "cart-123"

	first, err := f.svc.Checkout(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.Checkout(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.True(t, second.Replayed)
	assert.Equal(t, 4, f.repo.product(1).Availability)
	assert.True(t, dec("90").Equal(f.repo.balance(user)))
	assert.Equal(t, 1, f.repo.orderCount())
}

func TestCheckoutStoreFailureIsTransactionFailed(t *testing.T) {
	f := newCheckoutFixture()
	f.repo.addProduct(1, "P", "10.00", 5, models.ProductStatusActive)
	user := f.repo.addUser("100.00")
	f.repo.failTx = errStoreDown

	_, err := f.svc.Checkout(context.Background(), walletCheckout(user, CartItem{ProductID: 1, Quantity: 1}))

	require.ErrorIs(t, err, ErrTransactionFailed)
	assert.ErrorIs(t, err, errStoreDown)
	var ce *CheckoutError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "Internal server error", ce.Message())
}

func TestCheckoutPublishFailureDoesNotFailOrder(t *testing.T) {
	f := newCheckoutFixture()
	f.publisher.err = errors.New("kafka down")
	f.repo.addProduct(1, "P", "10.00", 5, models.ProductStatusActive)
	user := f.repo.addUser("100.00")

	result, err := f.svc.Checkout(context.Background(), walletCheckout(user, CartItem{ProductID: 1, Quantity: 1}))

	require.NoError(t, err)
	assert.NotZero(t, result.OrderID)
	assert.Eventually(t, func() bool { return f.publisher.placedCount() == 1 }, time.Second, 10*time.Millisecond)
}
