package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Gateway webhook event types. These are the wire values the payment
// gateway sends in its signed callbacks.
const (
	GatewayEventPaymentSucceeded = "payment.succeeded"
	GatewayEventPaymentFailed    = "payment.failed"
	GatewayEventPaymentRefunded  = "payment.refunded"
)

// GatewayEvent is the decoded body of a signed gateway callback. Reference
// carries the gateway's id for the payment the event belongs to.
type GatewayEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Reference string    `json:"reference"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification event types published to Kafka for downstream consumers
// (mail, entitlement sync). This service only produces them.
const (
	EventTypeOrderPaid     = "ORDER_PAID"
	EventTypeOrderRefunded = "ORDER_REFUNDED"
	EventTypePaymentFailed = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all published events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPaidEvent is published when a payment success is reconciled and the
// order moves to paid.
type OrderPaidEvent struct {
	BaseEvent
	OrderID   int64           `json:"order_id"`
	UserID    int64           `json:"user_id"`
	PaymentID int64           `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	MovieIDs  []int64         `json:"movie_ids"`
}

// OrderRefundedEvent is published when a refund webhook is reconciled.
type OrderRefundedEvent struct {
	BaseEvent
	OrderID   int64           `json:"order_id"`
	UserID    int64           `json:"user_id"`
	PaymentID int64           `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// PaymentFailedEvent is published when a payment attempt fails, so the
// notification service can prompt the user to retry.
type PaymentFailedEvent struct {
	BaseEvent
	OrderID   int64 `json:"order_id"`
	UserID    int64 `json:"user_id"`
	PaymentID int64 `json:"payment_id"`
	Attempt   int   `json:"attempt"`
}
