package models

type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusReceived   OrderStatus = "received"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// orderTransitions is the whitelist of allowed (from, to) pairs.
// completed means paid; delivered, cancelled and refunded are terminal.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusCompleted,
		OrderStatusProcessing,
		OrderStatusReceived,
		OrderStatusCancelled,
		OrderStatusRefunded,
	},
	OrderStatusCompleted: {
		OrderStatusProcessing,
		OrderStatusReceived,
		OrderStatusDelivered,
		OrderStatusRefunded,
	},
	OrderStatusProcessing: {
		OrderStatusDelivered,
		OrderStatusRefunded,
	},
	OrderStatusReceived: {
		OrderStatusDelivered,
	},
}

// Valid reports whether s is a known status
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusCompleted, OrderStatusProcessing, OrderStatusReceived,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s
func (s OrderStatus) Terminal() bool {
	return s.Valid() && len(orderTransitions[s]) == 0
}

// CanTransition reports whether from -> to is in the whitelist
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
