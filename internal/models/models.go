package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Movie is the catalog row this pipeline reads. Catalog CRUD lives in
// another service; here a movie is only a priced, purchasable reference.
type Movie struct {
	ID        int64           `db:"id" json:"id"`
	Title     string          `db:"title" json:"title"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Available bool            `db:"available" json:"available"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// CartItem is one (user, movie) selection pending purchase. Quantity is
// always one: movies are digital, non-consumable goods. The cart itself is
// not persisted; it is the set of a user's CartItems.
type CartItem struct {
	ID      int64     `db:"id" json:"id"`
	UserID  int64     `db:"user_id" json:"user_id"`
	MovieID int64     `db:"movie_id" json:"movie_id"`
	AddedAt time.Time `db:"added_at" json:"added_at"`
}

// CartEntry is a cart item joined with its movie, for listings.
type CartEntry struct {
	MovieID   int64           `db:"movie_id" json:"movie_id"`
	Title     string          `db:"title" json:"title"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Available bool            `db:"available" json:"available"`
	AddedAt   time.Time       `db:"added_at" json:"added_at"`
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusCanceled OrderStatus = "canceled"
)

// CanTransitionTo reports whether next is a legal order transition.
// Orders move pending->paid on payment success and pending->canceled on
// explicit cancellation; both end states are final.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return s == OrderStatusPending && (next == OrderStatusPaid || next == OrderStatusCanceled)
}

// IsTerminal reports whether no further order transition is permitted.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusPaid || s == OrderStatusCanceled
}

func (s OrderStatus) String() string { return string(s) }

// Order is an immutable purchase record. Items and total are fixed at
// creation; only status moves, driven by payment outcomes or cancellation.
type Order struct {
	ID          int64           `db:"id" json:"id"`
	UserID      int64           `db:"user_id" json:"user_id"`
	TotalAmount decimal.Decimal `db:"total_amount" json:"total_amount"`
	Status      OrderStatus     `db:"status" json:"status"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem is one movie inside an order with its price captured at order
// time. Later catalog price changes never alter historical orders.
type OrderItem struct {
	ID           int64           `db:"id" json:"id"`
	OrderID      int64           `db:"order_id" json:"order_id"`
	MovieID      int64           `db:"movie_id" json:"movie_id"`
	PriceAtOrder decimal.Decimal `db:"price_at_order" json:"price_at_order"`
}

// ItemsTotal sums captured item prices. An order's TotalAmount must always
// equal this sum over its items.
func ItemsTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.PriceAtOrder)
	}
	return total
}

// PaymentStatus is the lifecycle state of a payment attempt.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusCanceled  PaymentStatus = "canceled"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:   {PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCanceled},
	PaymentStatusSucceeded: {PaymentStatusRefunded},
}

// CanTransitionTo reports whether next is a legal payment transition.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive reports whether this payment still blocks a new attempt on its
// order. Only pending payments do; failed and canceled attempts stay behind
// as history.
func (s PaymentStatus) IsActive() bool { return s == PaymentStatusPending }

// IsTerminal reports whether no further payment transition is permitted.
func (s PaymentStatus) IsTerminal() bool { return len(paymentTransitions[s]) == 0 }

func (s PaymentStatus) String() string { return string(s) }

// Payment is a single collection attempt against an order via the external
// gateway. An order holds at most one active payment at a time; retried
// attempts become new rows with an incremented attempt number.
type Payment struct {
	ID             int64           `db:"id" json:"id"`
	OrderID        int64           `db:"order_id" json:"order_id"`
	UserID         int64           `db:"user_id" json:"user_id"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Status         PaymentStatus   `db:"status" json:"status"`
	GatewayRef     string          `db:"gateway_ref" json:"gateway_ref,omitempty"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Attempt        int             `db:"attempt" json:"attempt"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// WebhookEventRecord pins a processed gateway event id so redelivery of the
// same event is absorbed without reapplying its side effect.
type WebhookEventRecord struct {
	EventID     string    `db:"event_id" json:"event_id"`
	EventType   string    `db:"event_type" json:"event_type"`
	PaymentID   int64     `db:"payment_id" json:"payment_id"`
	ProcessedAt time.Time `db:"processed_at" json:"processed_at"`
}

// Purchase marks a movie as owned by a user. Rows are written in the same
// transaction that moves the owning order to paid, and they gate the
// AlreadyOwned check on cart adds.
type Purchase struct {
	ID          int64     `db:"id" json:"id"`
	UserID      int64     `db:"user_id" json:"user_id"`
	MovieID     int64     `db:"movie_id" json:"movie_id"`
	OrderID     int64     `db:"order_id" json:"order_id"`
	PurchasedAt time.Time `db:"purchased_at" json:"purchased_at"`
}

// RefundStatus is the review state of a refund request.
type RefundStatus string

const (
	RefundStatusPending  RefundStatus = "pending"
	RefundStatusApproved RefundStatus = "approved"
	RefundStatusRejected RefundStatus = "rejected"
)

// RefundRequest is a user petition to reverse a paid order. Approval is
// driven by the gateway's refund webhook; the money movement itself happens
// outside this service.
type RefundRequest struct {
	ID        int64        `db:"id" json:"id"`
	UserID    int64        `db:"user_id" json:"user_id"`
	OrderID   int64        `db:"order_id" json:"order_id"`
	Reason    string       `db:"reason" json:"reason"`
	Status    RefundStatus `db:"status" json:"status"`
	Processed bool         `db:"processed" json:"processed"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}
