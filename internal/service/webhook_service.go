package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/store"
	"purchase-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WebhookService reconciles gateway callbacks into local payment and order
// state. Deliveries are at-least-once and can arrive out of order, so every
// event id is applied at most once and terminal states are never
// overwritten.
type WebhookService struct {
	store     WebhookStore
	verifier  EventVerifier
	locker    Locker
	publisher NotificationPublisher
	logger    *zap.Logger
}

// NewWebhookService creates a new webhook service
func NewWebhookService(store WebhookStore, verifier EventVerifier, locker Locker, publisher NotificationPublisher) *WebhookService {
	return &WebhookService{
		store:     store,
		verifier:  verifier,
		locker:    locker,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// HandleEvent verifies and applies one gateway delivery.
//
// ErrUntrustedEvent means the delivery must be rejected outright.
// ErrUnknownPayment means the event references no local payment; the caller
// should acknowledge it so the gateway stops redelivering, it is logged here
// as an anomaly. Any other error is transient: nothing was recorded and the
// gateway's retry will land on the idempotent path.
func (ws *WebhookService) HandleEvent(ctx context.Context, payload []byte, timestamp, signature string) error {
	ctx, span := util.StartSpan(ctx, "WebhookService.HandleEvent")
	defer span.End()

	if err := ws.verifier.Verify(payload, timestamp, signature); err != nil {
		util.WebhookEventsTotal.WithLabelValues("unknown", "untrusted").Inc()
		ws.logger.Warn("Rejected webhook delivery",
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUntrustedEvent, err)
	}

	var event models.GatewayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		util.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return fmt.Errorf("%w: malformed payload", ErrUntrustedEvent)
	}
	if event.ID == "" || event.Type == "" || event.Reference == "" {
		util.WebhookEventsTotal.WithLabelValues(event.Type, "malformed").Inc()
		return fmt.Errorf("%w: missing event fields", ErrUntrustedEvent)
	}

	// Fast path for redelivery. The authoritative duplicate check happens
	// inside the apply transaction.
	processed, err := ws.store.IsEventProcessed(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("check event %s: %w", event.ID, err)
	}
	if processed {
		util.WebhookEventsTotal.WithLabelValues(event.Type, store.EventDuplicate.String()).Inc()
		ws.logger.Info("Skipping already processed event",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type))
		return nil
	}

	payment, err := ws.store.GetPaymentByGatewayRef(ctx, event.Reference)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			util.WebhookEventsTotal.WithLabelValues(event.Type, "unknown_payment").Inc()
			ws.logger.Warn("Event references unknown payment",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.String("gateway_ref", event.Reference))
			return fmt.Errorf("reference %s: %w", event.Reference, ErrUnknownPayment)
		}
		return fmt.Errorf("resolve payment by reference: %w", err)
	}

	return ws.locker.WithLock(ctx, OrderLockKey(payment.OrderID), func(ctx context.Context) error {
		return ws.applyEvent(ctx, &event, payment)
	})
}

func (ws *WebhookService) applyEvent(ctx context.Context, event *models.GatewayEvent, payment *models.Payment) error {
	var (
		outcome store.EventOutcome
		err     error
	)

	switch event.Type {
	case models.GatewayEventPaymentSucceeded:
		outcome, err = ws.store.ApplySucceededEvent(ctx, event.ID, payment.ID)
	case models.GatewayEventPaymentFailed:
		outcome, err = ws.store.ApplyFailedEvent(ctx, event.ID, payment.ID)
	case models.GatewayEventPaymentRefunded:
		outcome, err = ws.store.ApplyRefundedEvent(ctx, event.ID, payment.ID)
	default:
		// Unknown types are recorded and acknowledged so the gateway stops
		// redelivering them. Nothing to apply locally.
		fresh, err := ws.store.RecordEvent(ctx, event.ID, event.Type, payment.ID)
		if err != nil {
			return fmt.Errorf("record event %s: %w", event.ID, err)
		}
		if fresh {
			util.WebhookEventsTotal.WithLabelValues(event.Type, "ignored").Inc()
			ws.logger.Info("Ignoring unhandled gateway event type",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type))
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply event %s: %w", event.ID, err)
	}

	util.WebhookEventsTotal.WithLabelValues(event.Type, outcome.String()).Inc()

	switch outcome {
	case store.EventDuplicate:
		ws.logger.Info("Skipping already processed event",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type))
		return nil
	case store.EventSkipped:
		// Late delivery against a settled payment, e.g. a success landing
		// after the sweeper expired the attempt. The event is recorded but
		// the terminal state wins.
		ws.logger.Warn("Event arrived for settled payment, state unchanged",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Int64("payment_id", payment.ID),
			zap.String("payment_status", string(payment.Status)))
		return nil
	}

	ws.logger.Info("Applied gateway event",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Int64("payment_id", payment.ID),
		zap.Int64("order_id", payment.OrderID))

	switch event.Type {
	case models.GatewayEventPaymentSucceeded:
		util.PaymentsSucceededTotal.Inc()
		util.OrdersPaidTotal.Inc()
		ws.notifyOrderPaid(ctx, payment)
	case models.GatewayEventPaymentFailed:
		util.PaymentsFailedTotal.Inc()
		ws.notifyPaymentFailed(ctx, payment)
	case models.GatewayEventPaymentRefunded:
		ws.notifyOrderRefunded(ctx, payment)
	}
	return nil
}

func (ws *WebhookService) notifyOrderPaid(ctx context.Context, payment *models.Payment) {
	items, err := ws.store.GetOrderItems(ctx, payment.OrderID)
	if err != nil {
		ws.logger.Error("Failed to load order items for notification",
			zap.Int64("order_id", payment.OrderID),
			zap.Error(err))
		return
	}
	movieIDs := make([]int64, len(items))
	for i, it := range items {
		movieIDs[i] = it.MovieID
	}

	event := &models.OrderPaidEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderPaid),
		OrderID:   payment.OrderID,
		UserID:    payment.UserID,
		PaymentID: payment.ID,
		Amount:    payment.Amount,
		MovieIDs:  movieIDs,
	}
	if err := ws.publisher.PublishOrderPaid(ctx, event); err != nil {
		ws.logger.Error("Failed to publish order paid notification",
			zap.Int64("order_id", payment.OrderID),
			zap.Error(err))
	}
}

func (ws *WebhookService) notifyPaymentFailed(ctx context.Context, payment *models.Payment) {
	event := &models.PaymentFailedEvent{
		BaseEvent: newBaseEvent(models.EventTypePaymentFailed),
		OrderID:   payment.OrderID,
		UserID:    payment.UserID,
		PaymentID: payment.ID,
		Attempt:   payment.Attempt,
	}
	if err := ws.publisher.PublishPaymentFailed(ctx, event); err != nil {
		ws.logger.Error("Failed to publish payment failed notification",
			zap.Int64("order_id", payment.OrderID),
			zap.Error(err))
	}
}

func (ws *WebhookService) notifyOrderRefunded(ctx context.Context, payment *models.Payment) {
	event := &models.OrderRefundedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderRefunded),
		OrderID:   payment.OrderID,
		UserID:    payment.UserID,
		PaymentID: payment.ID,
		Amount:    payment.Amount,
	}
	if err := ws.publisher.PublishOrderRefunded(ctx, event); err != nil {
		ws.logger.Error("Failed to publish order refunded notification",
			zap.Int64("order_id", payment.OrderID),
			zap.Error(err))
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
