package store

import (
	"context"
	"fmt"

	"purchase-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// EventOutcome describes what applying a webhook event did.
type EventOutcome int

const (
	// EventApplied means the state transition was performed.
	EventApplied EventOutcome = iota
	// EventDuplicate means the event id was seen before; nothing changed.
	EventDuplicate
	// EventSkipped means the event id is new but the payment had already
	// left the required state, so only the event record was written.
	EventSkipped
)

func (o EventOutcome) String() string {
	switch o {
	case EventApplied:
		return "applied"
	case EventDuplicate:
		return "duplicate"
	case EventSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// recordEvent claims the event id inside tx. Returns false when another
// delivery of the same event already claimed it.
func recordEvent(ctx context.Context, tx *sqlx.Tx, eventID, eventType string, paymentID int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, payment_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, paymentID)
	if err != nil {
		return false, fmt.Errorf("record event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// lockPayment re-reads the payment row under FOR UPDATE so the transition
// decision is made against committed state, not the caller's stale copy.
func lockPayment(ctx context.Context, tx *sqlx.Tx, paymentID int64) (*models.Payment, error) {
	var p models.Payment
	err := tx.GetContext(ctx, &p, "SELECT * FROM payments WHERE id = $1 FOR UPDATE", paymentID)
	if err != nil {
		return nil, fmt.Errorf("lock payment %d: %w", paymentID, err)
	}
	return &p, nil
}

// RecordEvent claims an event id with no attached transition, used for event
// types this service does not act on. Returns false when another delivery of
// the same event already claimed it.
func (s *Store) RecordEvent(ctx context.Context, eventID, eventType string, paymentID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, payment_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, paymentID)
	if err != nil {
		return false, fmt.Errorf("record event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ApplySucceededEvent records the success event and, when the payment is
// still pending, moves the payment to succeeded, the order to paid, and
// writes a purchase row per order item, all in one transaction, so a crash
// can neither apply the transition twice nor lose the event record. Movies
// the user re-added to the cart while the order was pending are dropped in
// the same transaction: a paid movie never stays in its owner's cart.
//
// A new event id against a payment that already left pending only records
// the event (EventSkipped): terminal states are never overwritten.
func (s *Store) ApplySucceededEvent(ctx context.Context, eventID string, paymentID int64) (EventOutcome, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return EventSkipped, err
	}
	defer tx.Rollback()

	fresh, err := recordEvent(ctx, tx, eventID, models.GatewayEventPaymentSucceeded, paymentID)
	if err != nil {
		return EventSkipped, err
	}
	if !fresh {
		return EventDuplicate, nil
	}

	payment, err := lockPayment(ctx, tx, paymentID)
	if err != nil {
		return EventSkipped, err
	}

	if !payment.Status.CanTransitionTo(models.PaymentStatusSucceeded) {
		// Keep the event record so redeliveries stay absorbed.
		return EventSkipped, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2",
		models.PaymentStatusSucceeded, payment.ID)
	if err != nil {
		return EventSkipped, err
	}

	var orderStatus models.OrderStatus
	err = tx.GetContext(ctx, &orderStatus,
		"SELECT status FROM orders WHERE id = $1 FOR UPDATE", payment.OrderID)
	if err != nil {
		return EventSkipped, fmt.Errorf("lock order %d: %w", payment.OrderID, err)
	}

	if orderStatus.CanTransitionTo(models.OrderStatusPaid) {
		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
			models.OrderStatusPaid, payment.OrderID)
		if err != nil {
			return EventSkipped, err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchases (user_id, movie_id, order_id)
			SELECT $1, movie_id, order_id FROM order_items WHERE order_id = $2
			ON CONFLICT (user_id, movie_id) DO NOTHING`,
			payment.UserID, payment.OrderID)
		if err != nil {
			return EventSkipped, fmt.Errorf("write purchases: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM cart_items
			WHERE user_id = $1
			  AND movie_id IN (SELECT movie_id FROM order_items WHERE order_id = $2)`,
			payment.UserID, payment.OrderID)
		if err != nil {
			return EventSkipped, fmt.Errorf("clear purchased cart items: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return EventSkipped, err
	}
	return EventApplied, nil
}

// ApplyFailedEvent records the failure event and moves a pending payment to
// failed. The order stays pending so the user can start a new attempt.
func (s *Store) ApplyFailedEvent(ctx context.Context, eventID string, paymentID int64) (EventOutcome, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return EventSkipped, err
	}
	defer tx.Rollback()

	fresh, err := recordEvent(ctx, tx, eventID, models.GatewayEventPaymentFailed, paymentID)
	if err != nil {
		return EventSkipped, err
	}
	if !fresh {
		return EventDuplicate, nil
	}

	payment, err := lockPayment(ctx, tx, paymentID)
	if err != nil {
		return EventSkipped, err
	}

	if !payment.Status.CanTransitionTo(models.PaymentStatusFailed) {
		return EventSkipped, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2",
		models.PaymentStatusFailed, payment.ID)
	if err != nil {
		return EventSkipped, err
	}

	if err := tx.Commit(); err != nil {
		return EventSkipped, err
	}
	return EventApplied, nil
}

// ApplyRefundedEvent records the refund event, moves a succeeded payment to
// refunded and settles the order's refund request when one was filed. The
// order keeps its paid status; money movement bookkeeping lives gateway-side.
func (s *Store) ApplyRefundedEvent(ctx context.Context, eventID string, paymentID int64) (EventOutcome, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return EventSkipped, err
	}
	defer tx.Rollback()

	fresh, err := recordEvent(ctx, tx, eventID, models.GatewayEventPaymentRefunded, paymentID)
	if err != nil {
		return EventSkipped, err
	}
	if !fresh {
		return EventDuplicate, nil
	}

	payment, err := lockPayment(ctx, tx, paymentID)
	if err != nil {
		return EventSkipped, err
	}

	if !payment.Status.CanTransitionTo(models.PaymentStatusRefunded) {
		return EventSkipped, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2",
		models.PaymentStatusRefunded, payment.ID)
	if err != nil {
		return EventSkipped, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE refund_requests SET status = $1, processed = TRUE
		WHERE order_id = $2 AND status = $3`,
		models.RefundStatusApproved, payment.OrderID, models.RefundStatusPending)
	if err != nil {
		return EventSkipped, fmt.Errorf("settle refund request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return EventSkipped, err
	}
	return EventApplied, nil
}

// IsEventProcessed checks if a webhook event has been recorded.
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM webhook_events WHERE event_id = $1)", eventID)
	return exists, err
}
