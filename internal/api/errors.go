package api

import (
	"errors"
	"net/http"

	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// writeError maps service and store errors to a status code. Unclassified
// errors are logged and never shown to the client.
func (h *Handler) writeError(c *gin.Context, err error) {
	var ce *service.CheckoutError
	if errors.As(err, &ce) {
		h.writeCheckoutError(c, ce)
		return
	}

	switch {
	case errors.Is(err, store.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
	case errors.Is(err, store.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
	case errors.Is(err, store.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
	case errors.Is(err, service.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount"})
	case errors.Is(err, store.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Insufficient wallet balance"})
	default:
		util.LoggerWithTrace(c.Request.Context(), h.logger).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func (h *Handler) writeCheckoutError(c *gin.Context, ce *service.CheckoutError) {
	body := gin.H{"error": ce.Message()}

	var code int
	switch ce.Kind {
	case service.KindUnauthenticated:
		code = http.StatusUnauthorized
	case service.KindGatewayUnavailable:
		code = http.StatusBadGateway
		if ce.OrderID != 0 {
			body["orderId"] = ce.OrderID
		}
	case service.KindTransactionFailed:
		code = http.StatusInternalServerError
	default:
		code = http.StatusBadRequest
	}

	if code >= http.StatusInternalServerError {
		h.logger.Error("Checkout failed", zap.String("kind", string(ce.Kind)), zap.Error(ce))
	}
	c.JSON(code, body)
}
