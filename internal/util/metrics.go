package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkouts_total",
		Help: "Total number of checkout attempts by payment method and outcome",
	}, []string{"method", "outcome"})

	CheckoutLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_latency_seconds",
		Help:    "Latency of the checkout transaction",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	InventoryRestockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_restocked_units_total",
		Help: "Total number of units returned to stock by cancellations",
	})

	WalletMovementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_movements_total",
		Help: "Total number of wallet journal entries by type",
	}, []string{"type"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Total number of gateway settlements by kind and outcome",
	}, []string{"kind", "outcome"})

	InvoiceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_invoice_requests_total",
		Help: "Total number of payment gateway invoice requests",
	}, []string{"outcome"})

	GatewayLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of order status transitions",
	}, []string{"from", "to"})

	StaleOrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stale_orders_cancelled_total",
		Help: "Total number of pending crypto orders cancelled by the reconciler",
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Total number of order notifications by outcome",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
