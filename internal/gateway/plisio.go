package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrGateway is returned for any failed invoice request: transport error,
// non-2xx status or a non-"success" envelope.
var ErrGateway = errors.New("payment gateway error")

// Config holds Plisio API configuration
type Config struct {
	BaseURL        string
	APIKey         string
	SourceCurrency string
	Currency       string
	// AppURL is the public base URL the gateway calls back to.
	AppURL         string
	CallbackSecret string
	Timeout        time.Duration
}

// InvoiceRequest describes one invoice to issue
type InvoiceRequest struct {
	Amount      decimal.Decimal
	OrderNumber string
	OrderName   string
	CallbackURL string
	Email       string
}

// Invoice is what the gateway returns for a created invoice
type Invoice struct {
	TxnID      string `json:"txn_id"`
	InvoiceURL string `json:"invoice_url"`
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type errorData struct {
	Message string `json:"message"`
}

// Client represents the Plisio payment gateway client
type Client struct {
	httpClient *http.Client
	config     Config
	logger     *zap.Logger
}

// NewClient creates new Plisio API client
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SourceCurrency == "" {
		cfg.SourceCurrency = "USD"
	}
	if cfg.Currency == "" {
		cfg.Currency = "USDT_TRX"
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		logger:     util.GetLogger(),
	}
}

// CreateInvoice asks the gateway for a payment invoice
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	ctx, span := util.StartSpan(ctx, "PlisioClient.CreateInvoice")
	defer span.End()

	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("validation error: amount must be > 0")
	}
	if strings.TrimSpace(req.OrderNumber) == "" {
		return nil, fmt.Errorf("validation error: order_number must be non-empty")
	}
	if c.config.APIKey == "" {
		return nil, fmt.Errorf("%w: api key is not configured", ErrGateway)
	}

	start := time.Now()
	invoice, err := c.createInvoice(ctx, req)
	util.GatewayLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.InvoiceRequestsTotal.WithLabelValues("failed").Inc()
		util.RecordError(span, err)
		c.logger.Error("Plisio invoice request failed",
			zap.String("order_number", req.OrderNumber),
			zap.Error(err))
		return nil, err
	}

	util.InvoiceRequestsTotal.WithLabelValues("created").Inc()
	return invoice, nil
}

func (c *Client) createInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	query := url.Values{}
	query.Set("api_key", c.config.APIKey)
	query.Set("source_currency", c.config.SourceCurrency)
	query.Set("source_amount", req.Amount.StringFixed(2))
	query.Set("order_number", req.OrderNumber)
	query.Set("order_name", req.OrderName)
	query.Set("currency", c.config.Currency)
	query.Set("callback_url", req.CallbackURL)
	query.Set("email", req.Email)

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/invoices/new?" + query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrGateway, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: non-2xx status %d: %s", ErrGateway, resp.StatusCode, string(body))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %v", ErrGateway, err)
	}

	if env.Status != "success" {
		var data errorData
		_ = json.Unmarshal(env.Data, &data)
		if data.Message == "" {
			data.Message = "failed to create invoice"
		}
		return nil, fmt.Errorf("%w: %s", ErrGateway, data.Message)
	}

	var invoice Invoice
	if err := json.Unmarshal(env.Data, &invoice); err != nil {
		return nil, fmt.Errorf("%w: failed to parse invoice: %v", ErrGateway, err)
	}
	if invoice.InvoiceURL == "" {
		return nil, fmt.Errorf("%w: response has no invoice_url", ErrGateway)
	}

	return &invoice, nil
}

// OrderCallbackURL builds the webhook URL for an order payment
func (c *Client) OrderCallbackURL(orderID int64) string {
	return c.callbackURL(models.SettlementOrderPayment, "id", strconv.FormatInt(orderID, 10))
}

// WalletCallbackURL builds the webhook URL for a wallet top-up
func (c *Client) WalletCallbackURL(userID uuid.UUID) string {
	return c.callbackURL(models.SettlementWalletFunding, "userId", userID.String())
}

func (c *Client) callbackURL(kind models.SettlementKind, param, target string) string {
	query := url.Values{}
	query.Set("type", string(kind))
	query.Set(param, target)
	if c.config.CallbackSecret != "" {
		query.Set("token", CallbackToken(c.config.CallbackSecret, kind, target))
	}
	return strings.TrimRight(c.config.AppURL, "/") + "/api/webhooks/plisio?" + query.Encode()
}
