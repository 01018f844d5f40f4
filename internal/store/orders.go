package store

import (
	"context"
	"database/sql"
	"fmt"

	"purchase-service/internal/models"
)

// CreateOrderWithItems inserts the order and its items and clears the
// user's cart in one transaction. Either all of it commits or none: a
// cleared cart without an order, or an order with a surviving cart, can
// never be observed.
func (s *Store) CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, order, `
		INSERT INTO orders (user_id, total_amount, status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		order.UserID, order.TotalAmount, order.Status)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range items {
		items[i].OrderID = order.ID
		err = tx.GetContext(ctx, &items[i].ID, `
			INSERT INTO order_items (order_id, movie_id, price_at_order)
			VALUES ($1, $2, $3)
			RETURNING id`,
			items[i].OrderID, items[i].MovieID, items[i].PriceAtOrder)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = $1", order.UserID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}

	return tx.Commit()
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user, newest first.
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	return orders, err
}

// GetPendingOrdersByUserID retrieves a user's pending orders, used by the
// duplicate-checkout check.
func (s *Store) GetPendingOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC, id DESC",
		userID, models.OrderStatusPending)
	return orders, err
}

// GetOrderItems retrieves all items for an order
func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// CancelPendingOrder moves a pending order to canceled. Fails with
// ErrInvalidState if the order already left pending and ErrActivePayment
// if a pending payment still references it; the payment must be canceled
// first so the gateway side is not left collecting against a dead order.
func (s *Store) CancelPendingOrder(ctx context.Context, orderID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status models.OrderStatus
	err = tx.GetContext(ctx, &status,
		"SELECT status FROM orders WHERE id = $1 FOR UPDATE", orderID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return err
	}

	if !status.CanTransitionTo(models.OrderStatusCanceled) {
		return fmt.Errorf("order %d is %s: %w", orderID, status, ErrInvalidState)
	}

	var active bool
	err = tx.GetContext(ctx, &active,
		"SELECT EXISTS(SELECT 1 FROM payments WHERE order_id = $1 AND status = $2)",
		orderID, models.PaymentStatusPending)
	if err != nil {
		return err
	}
	if active {
		return fmt.Errorf("order %d: %w", orderID, ErrActivePayment)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		models.OrderStatusCanceled, orderID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// CreateRefundRequest files a refund petition for an order. Returns
// ErrDuplicate if one was already submitted.
func (s *Store) CreateRefundRequest(ctx context.Context, req *models.RefundRequest) error {
	query := `
		INSERT INTO refund_requests (user_id, order_id, reason, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := s.db.GetContext(ctx, req, query, req.UserID, req.OrderID, req.Reason, req.Status)
	if isUniqueViolation(err, "refund_requests_order_id_key") {
		return fmt.Errorf("refund request for order %d: %w", req.OrderID, ErrDuplicate)
	}
	return err
}

// GetRefundRequestByOrderID retrieves the refund request for an order, or
// ErrNotFound if none was filed.
func (s *Store) GetRefundRequestByOrderID(ctx context.Context, orderID int64) (*models.RefundRequest, error) {
	var req models.RefundRequest
	err := s.db.GetContext(ctx, &req,
		"SELECT * FROM refund_requests WHERE order_id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("refund request for order %d: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}
