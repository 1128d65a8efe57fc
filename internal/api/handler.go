package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/auth"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Checkouter places orders
type Checkouter interface {
	Checkout(ctx context.Context, req *service.CheckoutRequest) (*service.CheckoutResult, error)
}

// Orders is the order read and admin surface
type Orders interface {
	GetOrder(ctx context.Context, viewer uuid.UUID, admin bool, orderID int64) (*service.OrderDetails, error)
	ListOrders(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Order, error)
	UpdateStatus(ctx context.Context, orderID int64, to models.OrderStatus, note string) (*models.Order, error)
}

// Wallets is the wallet surface
type Wallets interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	AdjustBalance(ctx context.Context, adminID, userID uuid.UUID, delta decimal.Decimal, note string) (decimal.Decimal, error)
	CreateFundingInvoice(ctx context.Context, userID uuid.UUID, email string, amount decimal.Decimal) (*gateway.Invoice, error)
}

// Settlements applies gateway callbacks
type Settlements interface {
	Apply(ctx context.Context, event *models.SettlementEvent) (service.SettlementOutcome, error)
}

// Pinger is a dependency checked by /ready
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	_ Checkouter  = (*service.CheckoutService)(nil)
	_ Orders      = (*service.OrderService)(nil)
	_ Wallets     = (*service.WalletService)(nil)
	_ Settlements = (*service.SettlementReconciler)(nil)
)

// Handler contains HTTP handlers
type Handler struct {
	checkout    Checkouter
	orders      Orders
	wallets     Wallets
	settlements Settlements
	sessions    *auth.Middleware
	readiness   map[string]Pinger
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler. readiness names the dependencies
// /ready pings.
func NewHandler(
	checkout Checkouter,
	orders Orders,
	wallets Wallets,
	settlements Settlements,
	sessions *auth.Middleware,
	readiness map[string]Pinger,
) *Handler {
	return &Handler{
		checkout:    checkout,
		orders:      orders,
		wallets:     wallets,
		settlements: settlements,
		sessions:    sessions,
		readiness:   readiness,
		logger:      util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")

	// The gateway authenticates with the callback token, not a session.
	api.POST("/webhooks/plisio", h.plisioWebhook)

	user := api.Group("", h.sessions.RequireUser())
	{
		user.POST("/checkout", h.checkoutCart)
		user.POST("/checkout/crypto", h.checkoutCrypto)
		user.GET("/orders", h.listOrders)
		user.GET("/orders/:id", h.getOrder)
		user.GET("/wallet", h.getWallet)
		user.POST("/wallet/fund", h.fundWallet)
	}

	admin := api.Group("/admin", h.sessions.RequireUser(), h.sessions.RequireAdmin())
	{
		admin.POST("/orders/:id/status", h.updateOrderStatus)
		admin.POST("/wallets/:userId/adjust", h.adjustWallet)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, p := range h.readiness {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = "down"
			ready = false
			continue
		}
		checks[name] = "up"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

// requestLogger logs one line per request. The query string is left out
// because webhook URLs carry the callback token.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}

		switch {
		case status >= 500:
			logger.Error("http_request", fields...)
		case status >= 400:
			logger.Warn("http_request", fields...)
		default:
			logger.Info("http_request", fields...)
		}
	}
}
