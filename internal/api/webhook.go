package api

import (
	"errors"
	"io"
	"net/http"

	"checkout-service/internal/gateway"
	"checkout-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// plisioWebhook applies a gateway callback. Any non-2xx answer makes the
// gateway redeliver, so only permanent failures get 400.
func (h *Handler) plisioWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid body"})
		return
	}

	event, err := gateway.ParseCallback(c.ContentType(), body, c.Request.URL.Query())
	if err != nil {
		h.logger.Warn("Rejected gateway callback", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := h.settlements.Apply(c.Request.Context(), event)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrBadSettlement),
			errors.Is(err, service.ErrSettlementTarget),
			errors.Is(err, service.ErrAmountMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	if outcome == service.SettlementIgnored {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
