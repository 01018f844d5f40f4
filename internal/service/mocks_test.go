package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"purchase-service/internal/gateway"
	"purchase-service/internal/models"
	"purchase-service/internal/store"

	"github.com/shopspring/decimal"
)

// fakeStore is an in-memory stand-in for the Postgres store. It holds a real
// mutex and mirrors the store's constraint behavior (unique cart rows, one
// active payment per order, event id claims, terminal states) so the
// concurrency tests exercise the same guarantees the database enforces.
type fakeStore struct {
	mu         sync.Mutex
	movies     map[int64]models.Movie
	cart       map[int64][]models.CartItem
	orders     map[int64]*models.Order
	orderItems map[int64][]models.OrderItem
	payments   map[int64]*models.Payment
	events     map[string]string
	purchases  map[int64]map[int64]int64 // user -> movie -> order
	refunds    map[int64]*models.RefundRequest
	seq        int64

	createOrderErr   error
	createPaymentErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		movies:     make(map[int64]models.Movie),
		cart:       make(map[int64][]models.CartItem),
		orders:     make(map[int64]*models.Order),
		orderItems: make(map[int64][]models.OrderItem),
		payments:   make(map[int64]*models.Payment),
		events:     make(map[string]string),
		purchases:  make(map[int64]map[int64]int64),
		refunds:    make(map[int64]*models.RefundRequest),
	}
}

func (f *fakeStore) nextID() int64 {
	f.seq++
	return f.seq
}

func (f *fakeStore) addMovie(m models.Movie) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.movies[m.ID] = m
}

func (f *fakeStore) addPurchase(userID, movieID, orderID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purchases[userID] == nil {
		f.purchases[userID] = make(map[int64]int64)
	}
	f.purchases[userID][movieID] = orderID
}

func (f *fakeStore) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *fakeStore) paymentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payments)
}

func (f *fakeStore) GetMovieByID(ctx context.Context, id int64) (*models.Movie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.movies[id]
	if !ok {
		return nil, fmt.Errorf("movie %d: %w", id, store.ErrNotFound)
	}
	cp := m
	return &cp, nil
}

// --- CartStore ---

func (f *fakeStore) AddCartItem(ctx context.Context, item *models.CartItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.cart[item.UserID] {
		if existing.MovieID == item.MovieID {
			return fmt.Errorf("cart item user=%d movie=%d: %w", item.UserID, item.MovieID, store.ErrDuplicate)
		}
	}
	item.ID = f.nextID()
	item.AddedAt = time.Now()
	f.cart[item.UserID] = append(f.cart[item.UserID], *item)
	return nil
}

func (f *fakeStore) RemoveCartItem(ctx context.Context, userID, movieID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.cart[userID]
	for i, it := range items {
		if it.MovieID == movieID {
			f.cart[userID] = append(items[:i:i], items[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) GetCartItems(ctx context.Context, userID int64) ([]models.CartItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.CartItem(nil), f.cart[userID]...), nil
}

func (f *fakeStore) GetCartEntries(ctx context.Context, userID int64) ([]models.CartEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []models.CartEntry
	for _, it := range f.cart[userID] {
		m := f.movies[it.MovieID]
		entries = append(entries, models.CartEntry{
			MovieID:   it.MovieID,
			Title:     m.Title,
			Price:     m.Price,
			Available: m.Available,
			AddedAt:   it.AddedAt,
		})
	}
	return entries, nil
}

func (f *fakeStore) HasPurchase(ctx context.Context, userID, movieID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.purchases[userID][movieID]
	return ok, nil
}

func (f *fakeStore) GetPurchasedMovieIDs(ctx context.Context, userID int64, ids []int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var owned []int64
	for _, id := range ids {
		if _, ok := f.purchases[userID][id]; ok {
			owned = append(owned, id)
		}
	}
	return owned, nil
}

// --- OrderStore ---

func (f *fakeStore) GetMoviesByIDs(ctx context.Context, ids []int64) ([]models.Movie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var movies []models.Movie
	for _, id := range ids {
		if m, ok := f.movies[id]; ok {
			movies = append(movies, m)
		}
	}
	return movies, nil
}

func (f *fakeStore) GetPendingOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var orders []models.Order
	for _, o := range f.orders {
		if o.UserID == userID && o.Status == models.OrderStatusPending {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

func (f *fakeStore) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderItem(nil), f.orderItems[orderID]...), nil
}

func (f *fakeStore) CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createOrderErr != nil {
		return f.createOrderErr
	}
	order.ID = f.nextID()
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	cp := *order
	f.orders[order.ID] = &cp
	for i := range items {
		items[i].ID = f.nextID()
		items[i].OrderID = order.ID
	}
	f.orderItems[order.ID] = append([]models.OrderItem(nil), items...)
	delete(f.cart, order.UserID)
	return nil
}

func (f *fakeStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeStore) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var orders []models.Order
	for _, o := range f.orders {
		if o.UserID == userID {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

func (f *fakeStore) CancelPendingOrder(ctx context.Context, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d: %w", orderID, store.ErrNotFound)
	}
	if o.Status != models.OrderStatusPending {
		return fmt.Errorf("order %d is %s: %w", orderID, o.Status, store.ErrInvalidState)
	}
	for _, p := range f.payments {
		if p.OrderID == orderID && p.Status.IsActive() {
			return fmt.Errorf("order %d: %w", orderID, store.ErrActivePayment)
		}
	}
	o.Status = models.OrderStatusCanceled
	o.UpdatedAt = time.Now()
	return nil
}

// --- PaymentStore ---

func (f *fakeStore) HasActivePayment(ctx context.Context, orderID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasActivePaymentLocked(orderID), nil
}

func (f *fakeStore) hasActivePaymentLocked(orderID int64) bool {
	for _, p := range f.payments {
		if p.OrderID == orderID && p.Status.IsActive() {
			return true
		}
	}
	return false
}

func (f *fakeStore) CountPaymentAttempts(ctx context.Context, orderID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.payments {
		if p.OrderID == orderID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createPaymentErr != nil {
		return f.createPaymentErr
	}
	if payment.Status.IsActive() && f.hasActivePaymentLocked(payment.OrderID) {
		return fmt.Errorf("order %d: %w", payment.OrderID, store.ErrActivePayment)
	}
	for _, p := range f.payments {
		if p.IdempotencyKey == payment.IdempotencyKey {
			return fmt.Errorf("payment key %s: %w", payment.IdempotencyKey, store.ErrDuplicate)
		}
	}
	payment.ID = f.nextID()
	payment.CreatedAt = time.Now()
	payment.UpdatedAt = payment.CreatedAt
	cp := *payment
	f.payments[payment.ID] = &cp
	return nil
}

func (f *fakeStore) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %d: %w", id, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetPaymentByGatewayRef(ctx context.Context, ref string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.GatewayRef == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("gateway ref %s: %w", ref, store.ErrNotFound)
}

func (f *fakeStore) GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var payments []models.Payment
	for id := int64(1); id <= f.seq; id++ {
		if p, ok := f.payments[id]; ok && p.OrderID == orderID {
			payments = append(payments, *p)
		}
	}
	return payments, nil
}

func (f *fakeStore) GetPaymentsByUserID(ctx context.Context, userID int64) ([]models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var payments []models.Payment
	for id := f.seq; id >= 1; id-- {
		if p, ok := f.payments[id]; ok && p.UserID == userID {
			payments = append(payments, *p)
		}
	}
	return payments, nil
}

func (f *fakeStore) UpdatePaymentStatusFrom(ctx context.Context, paymentID int64, from, to models.PaymentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[paymentID]
	if !ok {
		return fmt.Errorf("payment %d: %w", paymentID, store.ErrNotFound)
	}
	if p.Status != from {
		return fmt.Errorf("payment %d is %s: %w", paymentID, p.Status, store.ErrInvalidState)
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) GetStalePendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stale []models.Payment
	for id := int64(1); id <= f.seq && len(stale) < limit; id++ {
		if p, ok := f.payments[id]; ok && p.Status == models.PaymentStatusPending && p.CreatedAt.Before(cutoff) {
			stale = append(stale, *p)
		}
	}
	return stale, nil
}

func (f *fakeStore) CreateRefundRequest(ctx context.Context, req *models.RefundRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.refunds[req.OrderID]; ok {
		return fmt.Errorf("refund for order %d: %w", req.OrderID, store.ErrDuplicate)
	}
	req.ID = f.nextID()
	req.CreatedAt = time.Now()
	cp := *req
	f.refunds[req.OrderID] = &cp
	return nil
}

func (f *fakeStore) GetRefundRequestByOrderID(ctx context.Context, orderID int64) (*models.RefundRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.refunds[orderID]
	if !ok {
		return nil, fmt.Errorf("refund for order %d: %w", orderID, store.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

// --- WebhookStore ---

func (f *fakeStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.events[eventID]
	return ok, nil
}

func (f *fakeStore) RecordEvent(ctx context.Context, eventID, eventType string, paymentID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[eventID]; ok {
		return false, nil
	}
	f.events[eventID] = eventType
	return true, nil
}

func (f *fakeStore) ApplySucceededEvent(ctx context.Context, eventID string, paymentID int64) (store.EventOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[eventID]; ok {
		return store.EventDuplicate, nil
	}
	f.events[eventID] = models.GatewayEventPaymentSucceeded

	p, ok := f.payments[paymentID]
	if !ok {
		return store.EventSkipped, fmt.Errorf("payment %d: %w", paymentID, store.ErrNotFound)
	}
	if !p.Status.CanTransitionTo(models.PaymentStatusSucceeded) {
		return store.EventSkipped, nil
	}
	p.Status = models.PaymentStatusSucceeded
	p.UpdatedAt = time.Now()

	if o, ok := f.orders[p.OrderID]; ok && o.Status.CanTransitionTo(models.OrderStatusPaid) {
		o.Status = models.OrderStatusPaid
		o.UpdatedAt = time.Now()
		if f.purchases[p.UserID] == nil {
			f.purchases[p.UserID] = make(map[int64]int64)
		}
		for _, it := range f.orderItems[p.OrderID] {
			if _, owned := f.purchases[p.UserID][it.MovieID]; !owned {
				f.purchases[p.UserID][it.MovieID] = p.OrderID
			}
			// Paid movies never stay in the owner's cart.
			items := f.cart[p.UserID]
			for i := range items {
				if items[i].MovieID == it.MovieID {
					f.cart[p.UserID] = append(items[:i:i], items[i+1:]...)
					break
				}
			}
		}
	}
	return store.EventApplied, nil
}

func (f *fakeStore) ApplyFailedEvent(ctx context.Context, eventID string, paymentID int64) (store.EventOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[eventID]; ok {
		return store.EventDuplicate, nil
	}
	f.events[eventID] = models.GatewayEventPaymentFailed

	p, ok := f.payments[paymentID]
	if !ok {
		return store.EventSkipped, fmt.Errorf("payment %d: %w", paymentID, store.ErrNotFound)
	}
	if !p.Status.CanTransitionTo(models.PaymentStatusFailed) {
		return store.EventSkipped, nil
	}
	p.Status = models.PaymentStatusFailed
	p.UpdatedAt = time.Now()
	return store.EventApplied, nil
}

func (f *fakeStore) ApplyRefundedEvent(ctx context.Context, eventID string, paymentID int64) (store.EventOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[eventID]; ok {
		return store.EventDuplicate, nil
	}
	f.events[eventID] = models.GatewayEventPaymentRefunded

	p, ok := f.payments[paymentID]
	if !ok {
		return store.EventSkipped, fmt.Errorf("payment %d: %w", paymentID, store.ErrNotFound)
	}
	if !p.Status.CanTransitionTo(models.PaymentStatusRefunded) {
		return store.EventSkipped, nil
	}
	p.Status = models.PaymentStatusRefunded
	p.UpdatedAt = time.Now()

	if r, ok := f.refunds[p.OrderID]; ok && r.Status == models.RefundStatusPending {
		r.Status = models.RefundStatusApproved
		r.Processed = true
	}
	return store.EventApplied, nil
}

// fakeLocker hands out real per-key mutexes, so tests that hammer a service
// concurrently get genuine mutual exclusion.
type fakeLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	keys  []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *fakeLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.keys = append(l.keys, key)
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

func (l *fakeLocker) lockedKeys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keys...)
}

// fakeCatalog resolves against the fake store without any caching.
type fakeCatalog struct {
	store *fakeStore

	mu          sync.Mutex
	invalidated []int64
}

func (c *fakeCatalog) Resolve(ctx context.Context, movieID int64) (*models.Movie, error) {
	return c.store.GetMovieByID(ctx, movieID)
}

func (c *fakeCatalog) Invalidate(ctx context.Context, movieID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, movieID)
	return nil
}

// fakeGateway mints sequential intent references and records every call.
type fakeGateway struct {
	mu    sync.Mutex
	calls []intentCall
	err   error
}

type intentCall struct {
	amount decimal.Decimal
	key    string
}

func (g *fakeGateway) CreateIntent(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.calls = append(g.calls, intentCall{amount: amount, key: idempotencyKey})
	n := len(g.calls)
	return &gateway.Intent{
		Reference:    "pi_" + strconv.Itoa(n),
		ClientHandle: "handle_" + strconv.Itoa(n),
	}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// fakePublisher records published notifications.
type fakePublisher struct {
	mu       sync.Mutex
	paid     []*models.OrderPaidEvent
	failed   []*models.PaymentFailedEvent
	refunded []*models.OrderRefundedEvent
}

func (p *fakePublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paid = append(p.paid, event)
	return nil
}

func (p *fakePublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, event)
	return nil
}

func (p *fakePublisher) PublishOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunded = append(p.refunded, event)
	return nil
}

const testWebhookSecret = "whsec_test"

// pipeline wires all four services over the fakes, the way main does over
// the real dependencies.
type pipeline struct {
	store     *fakeStore
	catalog   *fakeCatalog
	gateway   *fakeGateway
	locker    *fakeLocker
	publisher *fakePublisher

	cart     *CartService
	orders   *OrderService
	payments *PaymentService
	webhooks *WebhookService
}

func newPipeline() *pipeline {
	fs := newFakeStore()
	cat := &fakeCatalog{store: fs}
	gw := &fakeGateway{}
	locker := newFakeLocker()
	pub := &fakePublisher{}

	return &pipeline{
		store:     fs,
		catalog:   cat,
		gateway:   gw,
		locker:    locker,
		publisher: pub,
		cart:      NewCartService(fs, cat, locker),
		orders:    NewOrderService(fs, cat, locker),
		payments:  NewPaymentService(fs, gw, locker),
		webhooks:  NewWebhookService(fs, gateway.NewVerifier(testWebhookSecret, 5*time.Minute), locker, pub),
	}
}

func (p *pipeline) seedMovies() {
	p.store.addMovie(models.Movie{ID: 1, Title: "The Long Compile", Price: decimal.RequireFromString("9.99"), Available: true})
	p.store.addMovie(models.Movie{ID: 2, Title: "Deadlock at Dawn", Price: decimal.RequireFromString("14.50"), Available: true})
	p.store.addMovie(models.Movie{ID: 3, Title: "Goroutine Leak II", Price: decimal.RequireFromString("7.25"), Available: true})
	p.store.addMovie(models.Movie{ID: 4, Title: "Panic in Production", Price: decimal.RequireFromString("12.00"), Available: true})
	p.store.addMovie(models.Movie{ID: 5, Title: "The Deprecated API", Price: decimal.RequireFromString("4.99"), Available: false})
}

// signedDelivery builds a gateway webhook body with a valid signature.
func signedDelivery(eventID, eventType, reference string) (payload []byte, timestamp, signature string) {
	payload = []byte(fmt.Sprintf(
		`{"id":%q,"type":%q,"reference":%q,"timestamp":%q}`,
		eventID, eventType, reference, time.Now().UTC().Format(time.RFC3339)))
	timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	signature = gateway.Sign([]byte(testWebhookSecret), timestamp, payload)
	return payload, timestamp, signature
}

// deliver signs and submits one gateway event through the webhook service.
func (p *pipeline) deliver(eventID, eventType, reference string) error {
	payload, ts, sig := signedDelivery(eventID, eventType, reference)
	return p.webhooks.HandleEvent(context.Background(), payload, ts, sig)
}
