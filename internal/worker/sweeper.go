package worker

import (
	"context"
	"errors"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/service"
	"purchase-service/internal/store"
	"purchase-service/internal/util"

	"go.uber.org/zap"
)

// sweepBatchSize caps how many stale payments one pass picks up. Anything
// beyond the cap is caught by the next tick.
const sweepBatchSize = 100

// SweeperStore is the persistence surface the sweeper needs.
type SweeperStore interface {
	GetStalePendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error)
	UpdatePaymentStatusFrom(ctx context.Context, paymentID int64, from, to models.PaymentStatus) error
}

// Locker serializes the sweeper against payment creation, cancellation and
// webhook reconciliation on the same order.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// PaymentSweeper cancels payment attempts stuck in pending longer than the
// expiry window, so abandoned checkouts stop blocking new attempts on the
// same order. It holds the per-order lock for each expiry and re-checks the
// status under it: a webhook that settled the payment in the meantime wins.
type PaymentSweeper struct {
	store    SweeperStore
	locker   Locker
	expiry   time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewPaymentSweeper creates a sweeper that expires pending payments older
// than expiry, scanning every interval.
func NewPaymentSweeper(store SweeperStore, locker Locker, expiry, interval time.Duration) *PaymentSweeper {
	return &PaymentSweeper{
		store:    store,
		locker:   locker,
		expiry:   expiry,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Run scans for stale payments on a fixed interval until ctx is canceled.
func (s *PaymentSweeper) Run(ctx context.Context) {
	s.logger.Info("Payment expiry sweeper started",
		zap.Duration("expiry", s.expiry),
		zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Payment expiry sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single expiry pass. Failures on one payment are logged and do
// not stop the rest of the batch.
func (s *PaymentSweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.expiry)

	stale, err := s.store.GetStalePendingPayments(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error("Failed to list stale pending payments", zap.Error(err))
		return
	}

	for i := range stale {
		if ctx.Err() != nil {
			return
		}
		s.expire(ctx, &stale[i])
	}
}

func (s *PaymentSweeper) expire(ctx context.Context, payment *models.Payment) {
	expired := false

	err := s.locker.WithLock(ctx, service.OrderLockKey(payment.OrderID), func(ctx context.Context) error {
		err := s.store.UpdatePaymentStatusFrom(ctx, payment.ID,
			models.PaymentStatusPending, models.PaymentStatusCanceled)
		if errors.Is(err, store.ErrInvalidState) {
			// Settled between the scan and the lock; nothing to expire.
			s.logger.Debug("Stale payment settled before expiry",
				zap.Int64("payment_id", payment.ID),
				zap.Int64("order_id", payment.OrderID))
			return nil
		}
		if err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to expire stale payment",
			zap.Int64("payment_id", payment.ID),
			zap.Int64("order_id", payment.OrderID),
			zap.Error(err))
		return
	}

	if expired {
		util.PaymentsExpiredTotal.Inc()
		s.logger.Info("Expired stale pending payment",
			zap.Int64("payment_id", payment.ID),
			zap.Int64("order_id", payment.OrderID),
			zap.Int64("user_id", payment.UserID),
			zap.Int("attempt", payment.Attempt))
	}
}
