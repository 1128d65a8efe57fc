package service

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a checkout failure
type ErrorKind string

const (
	KindUnauthenticated      ErrorKind = "unauthenticated"
	KindEmptyCart            ErrorKind = "empty_cart"
	KindInvalidPaymentMethod ErrorKind = "invalid_payment_method"
	KindInvalidQuantity      ErrorKind = "invalid_quantity"
	KindProductNotFound      ErrorKind = "product_not_found"
	KindProductInactive      ErrorKind = "product_inactive"
	KindInsufficientStock    ErrorKind = "insufficient_stock"
	KindInsufficientFunds    ErrorKind = "insufficient_funds"
	KindGatewayUnavailable   ErrorKind = "gateway_unavailable"
	KindTransactionFailed    ErrorKind = "transaction_failed"
)

// CheckoutError is the only error type Checkout returns. errors.Is matches
// on Kind, so callers compare against the Err* values below.
type CheckoutError struct {
	Kind        ErrorKind
	ProductName string
	Available   int
	// OrderID is set when the order was committed before the failure.
	OrderID int64
	Err     error
}

var (
	ErrUnauthenticated      = &CheckoutError{Kind: KindUnauthenticated}
	ErrEmptyCart            = &CheckoutError{Kind: KindEmptyCart}
	ErrInvalidPaymentMethod = &CheckoutError{Kind: KindInvalidPaymentMethod}
	ErrInvalidQuantity      = &CheckoutError{Kind: KindInvalidQuantity}
	ErrProductNotFound      = &CheckoutError{Kind: KindProductNotFound}
	ErrProductInactive      = &CheckoutError{Kind: KindProductInactive}
	ErrInsufficientStock    = &CheckoutError{Kind: KindInsufficientStock}
	ErrInsufficientFunds    = &CheckoutError{Kind: KindInsufficientFunds}
	ErrGatewayUnavailable   = &CheckoutError{Kind: KindGatewayUnavailable}
	ErrTransactionFailed    = &CheckoutError{Kind: KindTransactionFailed}
)

// Message is the text shown to the customer
func (e *CheckoutError) Message() string {
	switch e.Kind {
	case KindUnauthenticated:
		return "Unauthorized"
	case KindEmptyCart:
		return "Cart is empty"
	case KindInvalidPaymentMethod:
		return "Invalid payment method"
	case KindInvalidQuantity:
		return "Invalid item quantity"
	case KindProductNotFound:
		return fmt.Sprintf("Product %q not found", e.ProductName)
	case KindProductInactive:
		return fmt.Sprintf("Product %q is no longer available", e.ProductName)
	case KindInsufficientStock:
		return fmt.Sprintf("Only %d of %q available", e.Available, e.ProductName)
	case KindInsufficientFunds:
		return "Insufficient wallet balance"
	case KindGatewayUnavailable:
		return "Failed to generate payment invoice"
	}
	return "Internal server error"
}

func (e *CheckoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkout %s: %s: %v", e.Kind, e.Message(), e.Err)
	}
	return fmt.Sprintf("checkout %s: %s", e.Kind, e.Message())
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

func (e *CheckoutError) Is(target error) bool {
	t, ok := target.(*CheckoutError)
	return ok && t.Kind == e.Kind
}

// Settlement errors that must not be retried by the gateway
var (
	ErrBadSettlement    = errors.New("malformed settlement")
	ErrSettlementTarget = errors.New("settlement target not found")
	ErrAmountMismatch   = errors.New("settled amount is below the order total")
)

// Admin operation errors
var (
	ErrInvalidStatus = errors.New("unknown order status")
	ErrInvalidAmount = errors.New("amount must be positive")
)
