package service

import (
	"context"
	"errors"
	"fmt"

	"purchase-service/internal/models"
	"purchase-service/internal/store"
	"purchase-service/internal/util"

	"go.uber.org/zap"
)

// PaymentService manages collection attempts against pending orders and the
// refund petitions against paid ones.
type PaymentService struct {
	store   PaymentStore
	gateway IntentCreator
	locker  Locker
	logger  *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(store PaymentStore, gateway IntentCreator, locker Locker) *PaymentService {
	return &PaymentService{
		store:   store,
		gateway: gateway,
		locker:  locker,
		logger:  util.GetLogger(),
	}
}

// CreatePaymentResult carries the stored payment plus the opaque handle the
// client needs to complete the payment with the gateway.
type CreatePaymentResult struct {
	Payment      models.Payment
	ClientHandle string
}

// CreatePayment opens a payment attempt for a pending order. At most one
// attempt can be live per order; retries after a failed or canceled attempt
// get a fresh idempotency key so the gateway treats them as new intents.
//
// The gateway call happens before any local write: if it fails there is
// nothing to roll back, and the caller may simply retry.
func (ps *PaymentService) CreatePayment(ctx context.Context, userID, orderID int64) (*CreatePaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreatePayment")
	defer span.End()

	util.PaymentAttemptsTotal.Inc()

	order, err := ps.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("order %d: %w", orderID, store.ErrNotFound)
	}

	var result *CreatePaymentResult
	err = ps.locker.WithLock(ctx, OrderLockKey(orderID), func(ctx context.Context) error {
		// Re-read under the lock; a webhook or the expiry sweeper may have
		// moved the order since the ownership check.
		order, err := ps.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending {
			return fmt.Errorf("order %d is %s: %w", orderID, order.Status, ErrOrderNotPending)
		}

		active, err := ps.store.HasActivePayment(ctx, orderID)
		if err != nil {
			return fmt.Errorf("check active payment: %w", err)
		}
		if active {
			return fmt.Errorf("order %d: %w", orderID, ErrPaymentAlreadyActive)
		}

		attempts, err := ps.store.CountPaymentAttempts(ctx, orderID)
		if err != nil {
			return fmt.Errorf("count attempts: %w", err)
		}
		attempt := attempts + 1
		key := paymentIdempotencyKey(orderID, attempt)

		intent, err := ps.gateway.CreateIntent(ctx, order.TotalAmount, key)
		if err != nil {
			ps.logger.Warn("Gateway rejected or failed intent creation",
				zap.Int64("order_id", orderID),
				zap.String("idempotency_key", key),
				zap.Error(err))
			return err
		}

		payment := &models.Payment{
			OrderID:        orderID,
			UserID:         userID,
			Amount:         order.TotalAmount,
			Status:         models.PaymentStatusPending,
			GatewayRef:     intent.Reference,
			IdempotencyKey: key,
			Attempt:        attempt,
		}
		if err := ps.store.CreatePayment(ctx, payment); err != nil {
			if errors.Is(err, store.ErrActivePayment) {
				return fmt.Errorf("order %d: %w", orderID, ErrPaymentAlreadyActive)
			}
			return fmt.Errorf("create payment: %w", err)
		}

		result = &CreatePaymentResult{Payment: *payment, ClientHandle: intent.ClientHandle}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ps.logger.Info("Payment attempt opened",
		zap.Int64("order_id", orderID),
		zap.Int64("payment_id", result.Payment.ID),
		zap.Int("attempt", result.Payment.Attempt),
		zap.String("gateway_ref", result.Payment.GatewayRef))

	return result, nil
}

// CancelPayment withdraws the active attempt so the user can retry with a
// fresh one. The order stays pending.
func (ps *PaymentService) CancelPayment(ctx context.Context, userID, orderID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CancelPayment")
	defer span.End()

	order, err := ps.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("order %d: %w", orderID, store.ErrNotFound)
	}

	var canceled *models.Payment
	err = ps.locker.WithLock(ctx, OrderLockKey(orderID), func(ctx context.Context) error {
		payments, err := ps.store.GetPaymentsByOrderID(ctx, orderID)
		if err != nil {
			return fmt.Errorf("list payments: %w", err)
		}
		var active *models.Payment
		for i := range payments {
			if payments[i].Status.IsActive() {
				active = &payments[i]
				break
			}
		}
		if active == nil {
			return fmt.Errorf("order %d: %w", orderID, ErrNoActivePayment)
		}

		if err := ps.store.UpdatePaymentStatusFrom(ctx, active.ID, models.PaymentStatusPending, models.PaymentStatusCanceled); err != nil {
			return err
		}
		active.Status = models.PaymentStatusCanceled
		canceled = active
		return nil
	})
	if err != nil {
		return nil, err
	}

	ps.logger.Info("Payment canceled by user",
		zap.Int64("order_id", orderID),
		zap.Int64("payment_id", canceled.ID))

	return canceled, nil
}

// GetPayment returns one payment. Payments belonging to someone else surface
// as not found.
func (ps *PaymentService) GetPayment(ctx context.Context, userID, paymentID int64) (*models.Payment, error) {
	payment, err := ps.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, fmt.Errorf("payment %d: %w", paymentID, store.ErrNotFound)
	}
	return payment, nil
}

// ListPayments returns the user's payment history, newest first.
func (ps *PaymentService) ListPayments(ctx context.Context, userID int64) ([]models.Payment, error) {
	payments, err := ps.store.GetPaymentsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	if payments == nil {
		payments = []models.Payment{}
	}
	return payments, nil
}

// RequestRefund files a refund petition against a paid order. Review and the
// actual money movement happen gateway-side; the refunded webhook settles
// the petition. One petition per order.
func (ps *PaymentService) RequestRefund(ctx context.Context, userID, orderID int64, reason string) (*models.RefundRequest, error) {
	order, err := ps.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("order %d: %w", orderID, store.ErrNotFound)
	}
	if order.Status != models.OrderStatusPaid {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, order.Status, ErrOrderNotPaid)
	}

	if _, err := ps.store.GetRefundRequestByOrderID(ctx, orderID); err == nil {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrRefundAlreadyFiled)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check refund request: %w", err)
	}

	req := &models.RefundRequest{
		UserID:  userID,
		OrderID: orderID,
		Reason:  reason,
		Status:  models.RefundStatusPending,
	}
	if err := ps.store.CreateRefundRequest(ctx, req); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("order %d: %w", orderID, ErrRefundAlreadyFiled)
		}
		return nil, fmt.Errorf("create refund request: %w", err)
	}

	util.RefundRequestsTotal.Inc()
	ps.logger.Info("Refund requested",
		zap.Int64("user_id", userID),
		zap.Int64("order_id", orderID))

	return req, nil
}
