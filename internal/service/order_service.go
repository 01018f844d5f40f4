package service

import (
	"context"
	"fmt"

	"purchase-service/internal/models"
	"purchase-service/internal/store"
	"purchase-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderService turns cart snapshots into immutable orders and manages their
// lifecycle up to the point a payment takes over.
type OrderService struct {
	store   OrderStore
	catalog Catalog
	locker  Locker
	logger  *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(store OrderStore, catalog Catalog, locker Locker) *OrderService {
	return &OrderService{
		store:   store,
		catalog: catalog,
		locker:  locker,
		logger:  util.GetLogger(),
	}
}

// CreateOrderResult is what checkout hands back. Reused marks that an
// identical pending order already existed and was returned instead of a new
// one.
type CreateOrderResult struct {
	Order  models.Order
	Items  []models.OrderItem
	Reused bool
}

// CreateOrder snapshots the cart into a pending order: prices are captured,
// the cart is cleared, and both happen in one transaction. Runs under the
// per-user lock so it cannot interleave with cart mutation or a second
// checkout.
func (os *OrderService) CreateOrder(ctx context.Context, userID int64) (*CreateOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	var result *CreateOrderResult
	err := os.locker.WithLock(ctx, UserLockKey(userID), func(ctx context.Context) error {
		var err error
		result, err = os.assembleOrder(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if result.Reused {
		os.logger.Info("Duplicate checkout, returning existing pending order",
			zap.Int64("user_id", userID),
			zap.Int64("order_id", result.Order.ID))
		return result, nil
	}

	util.OrdersCreatedTotal.Inc()
	os.logger.Info("Order created",
		zap.Int64("user_id", userID),
		zap.Int64("order_id", result.Order.ID),
		zap.String("total", result.Order.TotalAmount.String()),
		zap.Int("items", len(result.Items)))

	return result, nil
}

func (os *OrderService) assembleOrder(ctx context.Context, userID int64) (*CreateOrderResult, error) {
	cartItems, err := os.store.GetCartItems(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read cart: %w", err)
	}
	if len(cartItems) == 0 {
		util.OrdersRejectedTotal.WithLabelValues("empty_cart").Inc()
		return nil, ErrEmptyCart
	}

	movieIDs := make([]int64, len(cartItems))
	for i, item := range cartItems {
		movieIDs[i] = item.MovieID
	}

	// Prices come straight from the store here. The catalog cache is
	// advisory and must not feed a financial snapshot.
	movies, err := os.store.GetMoviesByIDs(ctx, movieIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve movies: %w", err)
	}
	byID := make(map[int64]models.Movie, len(movies))
	for _, m := range movies {
		byID[m.ID] = m
	}
	for _, id := range movieIDs {
		movie, ok := byID[id]
		if !ok || !movie.Available {
			if cerr := os.catalog.Invalidate(ctx, id); cerr != nil {
				os.logger.Warn("Failed to invalidate catalog cache",
					zap.Int64("movie_id", id),
					zap.Error(cerr))
			}
			util.OrdersRejectedTotal.WithLabelValues("movie_unavailable").Inc()
			return nil, fmt.Errorf("movie %d: %w", id, ErrMovieUnavailable)
		}
	}

	owned, err := os.store.GetPurchasedMovieIDs(ctx, userID, movieIDs)
	if err != nil {
		return nil, fmt.Errorf("check purchases: %w", err)
	}
	if len(owned) > 0 {
		util.OrdersRejectedTotal.WithLabelValues("already_owned").Inc()
		return nil, fmt.Errorf("movies %v: %w", owned, ErrAlreadyOwned)
	}

	// Double-submitted checkout: a pending order with the exact same movie
	// set is returned instead of creating a duplicate.
	existing, items, err := os.findPendingDuplicate(ctx, userID, movieIDs)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &CreateOrderResult{Order: *existing, Items: items, Reused: true}, nil
	}

	orderItems := make([]models.OrderItem, len(cartItems))
	total := decimal.Zero
	for i, item := range cartItems {
		movie := byID[item.MovieID]
		orderItems[i] = models.OrderItem{MovieID: movie.ID, PriceAtOrder: movie.Price}
		total = total.Add(movie.Price)
	}

	order := &models.Order{
		UserID:      userID,
		TotalAmount: total,
		Status:      models.OrderStatusPending,
	}
	if err := os.store.CreateOrderWithItems(ctx, order, orderItems); err != nil {
		util.OrdersRejectedTotal.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("create order: %w", err)
	}

	return &CreateOrderResult{Order: *order, Items: orderItems}, nil
}

func (os *OrderService) findPendingDuplicate(ctx context.Context, userID int64, movieIDs []int64) (*models.Order, []models.OrderItem, error) {
	pending, err := os.store.GetPendingOrdersByUserID(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("list pending orders: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil, nil
	}

	want := make(map[int64]struct{}, len(movieIDs))
	for _, id := range movieIDs {
		want[id] = struct{}{}
	}
	for i := range pending {
		items, err := os.store.GetOrderItems(ctx, pending[i].ID)
		if err != nil {
			return nil, nil, fmt.Errorf("load items of order %d: %w", pending[i].ID, err)
		}
		if sameMovieSet(want, items) {
			return &pending[i], items, nil
		}
	}
	return nil, nil, nil
}

func sameMovieSet(want map[int64]struct{}, items []models.OrderItem) bool {
	if len(items) != len(want) {
		return false
	}
	for _, it := range items {
		if _, ok := want[it.MovieID]; !ok {
			return false
		}
	}
	return true
}

// GetOrder returns the order with its items. Orders belonging to someone
// else surface as not found.
func (os *OrderService) GetOrder(ctx context.Context, userID, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := os.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order.UserID != userID {
		return nil, nil, fmt.Errorf("order %d: %w", orderID, store.ErrNotFound)
	}

	items, err := os.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("load order items: %w", err)
	}
	return order, items, nil
}

// ListOrders returns the user's orders, newest first.
func (os *OrderService) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	orders, err := os.store.GetOrdersByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// CancelOrder withdraws a pending order. Paid orders go through the refund
// flow instead, and an order with an active payment needs that payment
// canceled first. Cart items are not restored.
func (os *OrderService) CancelOrder(ctx context.Context, userID, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	order, err := os.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return fmt.Errorf("order %d: %w", orderID, store.ErrNotFound)
	}

	err = os.locker.WithLock(ctx, OrderLockKey(orderID), func(ctx context.Context) error {
		return os.store.CancelPendingOrder(ctx, orderID)
	})
	if err != nil {
		return err
	}

	util.OrdersCanceledTotal.Inc()
	os.logger.Info("Order canceled",
		zap.Int64("user_id", userID),
		zap.Int64("order_id", orderID))
	return nil
}
