package api

import (
	"net/http"
	"strings"

	"checkout-service/internal/auth"
	"checkout-service/internal/models"
	"checkout-service/internal/service"

	"github.com/gin-gonic/gin"
)

type checkoutBody struct {
	Items         []service.CartItem `json:"items"`
	PaymentMethod string             `json:"paymentMethod"`
}

type checkoutResponse struct {
	Success bool `json:"success"`
	*service.CheckoutResult
}

func (h *Handler) checkoutCart(c *gin.Context) {
	h.runCheckout(c, "")
}

// checkoutCrypto is the crypto-only entry point; paymentMethod in the body is ignored
func (h *Handler) checkoutCrypto(c *gin.Context) {
	h.runCheckout(c, string(models.PaymentMethodCrypto))
}

func (h *Handler) runCheckout(c *gin.Context, forceMethod string) {
	claims, ok := auth.FromContext(c)
	if !ok {
		h.writeError(c, service.ErrUnauthenticated)
		return
	}

	var body checkoutBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if forceMethod != "" {
		body.PaymentMethod = forceMethod
	}

	result, err := h.checkout.Checkout(c.Request.Context(), &service.CheckoutRequest{
		UserID:         claims.UserID,
		Email:          claims.Email,
		Items:          body.Items,
		PaymentMethod:  strings.ToLower(strings.TrimSpace(body.PaymentMethod)),
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	code := http.StatusCreated
	if result.Replayed {
		code = http.StatusOK
	}
	c.JSON(code, checkoutResponse{Success: true, CheckoutResult: result})
}
