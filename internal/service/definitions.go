package service

import (
	"context"
	"fmt"

	"purchase-service/internal/gateway"
	"purchase-service/internal/models"
	"purchase-service/internal/store"

	"github.com/shopspring/decimal"
)

// Locker serializes work on a named resource across instances.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Catalog resolves movie listings, possibly from cache.
type Catalog interface {
	Resolve(ctx context.Context, movieID int64) (*models.Movie, error)
	Invalidate(ctx context.Context, movieID int64) error
}

// IntentCreator opens payment intents at the external gateway.
type IntentCreator interface {
	CreateIntent(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (*gateway.Intent, error)
}

// EventVerifier authenticates signed webhook deliveries.
type EventVerifier interface {
	Verify(payload []byte, timestamp, signature string) error
}

// NotificationPublisher emits purchase notifications. Publishing is
// best-effort; failures are logged, never propagated into the pipeline.
type NotificationPublisher interface {
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error
}

// CartStore is the persistence surface the cart service needs.
type CartStore interface {
	AddCartItem(ctx context.Context, item *models.CartItem) error
	RemoveCartItem(ctx context.Context, userID, movieID int64) (bool, error)
	GetCartEntries(ctx context.Context, userID int64) ([]models.CartEntry, error)
	HasPurchase(ctx context.Context, userID, movieID int64) (bool, error)
}

// OrderStore is the persistence surface the order service needs.
type OrderStore interface {
	GetCartItems(ctx context.Context, userID int64) ([]models.CartItem, error)
	GetMoviesByIDs(ctx context.Context, ids []int64) ([]models.Movie, error)
	GetPurchasedMovieIDs(ctx context.Context, userID int64, movieIDs []int64) ([]int64, error)
	GetPendingOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	CancelPendingOrder(ctx context.Context, orderID int64) error
}

// PaymentStore is the persistence surface the payment service needs.
type PaymentStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	HasActivePayment(ctx context.Context, orderID int64) (bool, error)
	CountPaymentAttempts(ctx context.Context, orderID int64) (int, error)
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error)
	GetPaymentsByUserID(ctx context.Context, userID int64) ([]models.Payment, error)
	UpdatePaymentStatusFrom(ctx context.Context, paymentID int64, from, to models.PaymentStatus) error
	CreateRefundRequest(ctx context.Context, req *models.RefundRequest) error
	GetRefundRequestByOrderID(ctx context.Context, orderID int64) (*models.RefundRequest, error)
}

// WebhookStore is the persistence surface the webhook reconciler needs.
type WebhookStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	RecordEvent(ctx context.Context, eventID, eventType string, paymentID int64) (bool, error)
	GetPaymentByGatewayRef(ctx context.Context, ref string) (*models.Payment, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	ApplySucceededEvent(ctx context.Context, eventID string, paymentID int64) (store.EventOutcome, error)
	ApplyFailedEvent(ctx context.Context, eventID string, paymentID int64) (store.EventOutcome, error)
	ApplyRefundedEvent(ctx context.Context, eventID string, paymentID int64) (store.EventOutcome, error)
}

// UserLockKey names the lock serializing cart mutation and order assembly
// for one user.
func UserLockKey(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// OrderLockKey names the lock serializing payment creation, webhook
// reconciliation, cancellation and expiry for one order. Everything that
// touches an order's payment state must hold it, the expiry sweeper included.
func OrderLockKey(orderID int64) string {
	return fmt.Sprintf("order:%d", orderID)
}

func paymentIdempotencyKey(orderID int64, attempt int) string {
	return fmt.Sprintf("order-%d-attempt-%d", orderID, attempt)
}
