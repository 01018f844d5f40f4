package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"purchase-service/internal/models"
)

// CountPaymentAttempts returns how many payment rows exist for the order.
// The next attempt number is count+1; computed under the per-order lock.
func (s *Store) CountPaymentAttempts(ctx context.Context, orderID int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM payments WHERE order_id = $1", orderID)
	return count, err
}

// HasActivePayment reports whether the order has a pending payment.
func (s *Store) HasActivePayment(ctx context.Context, orderID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM payments WHERE order_id = $1 AND status = $2)",
		orderID, models.PaymentStatusPending)
	return exists, err
}

// CreatePayment inserts a payment attempt. A partial unique index allows at
// most one pending payment per order; a violation surfaces as
// ErrActivePayment. The row is only written after the gateway accepted the
// intent, so a gateway failure leaves no local state behind.
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, user_id, amount, status, gateway_ref, idempotency_key, attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := s.db.GetContext(ctx, payment, query,
		payment.OrderID, payment.UserID, payment.Amount, payment.Status,
		payment.GatewayRef, payment.IdempotencyKey, payment.Attempt)
	if isUniqueViolation(err, "payments_one_pending_per_order") {
		return fmt.Errorf("order %d: %w", payment.OrderID, ErrActivePayment)
	}
	if isUniqueViolation(err, "") {
		return fmt.Errorf("payment for order %d attempt %d: %w", payment.OrderID, payment.Attempt, ErrDuplicate)
	}
	return err
}

// GetPaymentByID retrieves a payment by ID
func (s *Store) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByGatewayRef resolves a payment from the gateway's reference
// id, the key webhook events carry.
func (s *Store) GetPaymentByGatewayRef(ctx context.Context, ref string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE gateway_ref = $1", ref)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment ref %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentsByOrderID retrieves all payment attempts for an order, newest
// first.
func (s *Store) GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at DESC, id DESC", orderID)
	return payments, err
}

// GetPaymentsByUserID retrieves a user's payment history, newest first.
func (s *Store) GetPaymentsByUserID(ctx context.Context, userID int64) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	return payments, err
}

// UpdatePaymentStatusFrom moves a payment from one status to another as a
// compare-and-set. Returns ErrInvalidState when the payment is no longer in
// the expected status, so racing writers cannot stomp a reconciled outcome.
func (s *Store) UpdatePaymentStatusFrom(ctx context.Context, paymentID int64, from, to models.PaymentStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, paymentID, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("payment %d not %s: %w", paymentID, from, ErrInvalidState)
	}
	return nil
}

// GetStalePendingPayments returns pending payments created before cutoff,
// oldest first, for the expiry sweeper.
func (s *Store) GetStalePendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments, `
		SELECT * FROM payments
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`,
		models.PaymentStatusPending, cutoff, limit)
	return payments, err
}
