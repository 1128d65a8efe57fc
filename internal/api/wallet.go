package api

import (
	"net/http"

	"checkout-service/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func (h *Handler) getWallet(c *gin.Context) {
	claims, _ := auth.FromContext(c)

	balance, err := h.wallets.GetBalance(c.Request.Context(), claims.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

type fundBody struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) fundWallet(c *gin.Context) {
	claims, _ := auth.FromContext(c)

	var body fundBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount"})
		return
	}

	invoice, err := h.wallets.CreateFundingInvoice(c.Request.Context(), claims.UserID, claims.Email, body.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invoiceId":  invoice.TxnID,
		"invoiceUrl": invoice.InvoiceURL,
	})
}

type adjustBody struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

func (h *Handler) adjustWallet(c *gin.Context) {
	admin, _ := auth.FromContext(c)

	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	var body adjustBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount"})
		return
	}

	balance, err := h.wallets.AdjustBalance(c.Request.Context(), admin.UserID, userID, body.Amount, body.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}
