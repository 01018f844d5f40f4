package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"purchase-service/internal/gateway"
	"purchase-service/internal/models"
	"purchase-service/internal/redisclient"
	"purchase-service/internal/service"
	"purchase-service/internal/store"
	"purchase-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxWebhookBody bounds how much of a webhook payload is read before
// verification.
const maxWebhookBody = 1 << 20

// CartService is the cart surface exposed over HTTP.
type CartService interface {
	Add(ctx context.Context, userID, movieID int64) (*models.CartItem, error)
	Remove(ctx context.Context, userID, movieID int64) error
	List(ctx context.Context, userID int64) ([]models.CartEntry, error)
}

// OrderService is the order surface exposed over HTTP.
type OrderService interface {
	CreateOrder(ctx context.Context, userID int64) (*service.CreateOrderResult, error)
	GetOrder(ctx context.Context, userID, orderID int64) (*models.Order, []models.OrderItem, error)
	ListOrders(ctx context.Context, userID int64) ([]models.Order, error)
	CancelOrder(ctx context.Context, userID, orderID int64) error
}

// PaymentService is the payment surface exposed over HTTP.
type PaymentService interface {
	CreatePayment(ctx context.Context, userID, orderID int64) (*service.CreatePaymentResult, error)
	CancelPayment(ctx context.Context, userID, orderID int64) (*models.Payment, error)
	GetPayment(ctx context.Context, userID, paymentID int64) (*models.Payment, error)
	ListPayments(ctx context.Context, userID int64) ([]models.Payment, error)
	RequestRefund(ctx context.Context, userID, orderID int64, reason string) (*models.RefundRequest, error)
}

// WebhookService consumes signed gateway deliveries.
type WebhookService interface {
	HandleEvent(ctx context.Context, payload []byte, timestamp, signature string) error
}

// Handler contains HTTP handlers
type Handler struct {
	cart     CartService
	orders   OrderService
	payments PaymentService
	webhooks WebhookService
}

// NewHandler creates a new HTTP handler
func NewHandler(cart CartService, orders OrderService, payments PaymentService, webhooks WebhookService) *Handler {
	return &Handler{
		cart:     cart,
		orders:   orders,
		payments: payments,
		webhooks: webhooks,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	// The gateway authenticates with a signature, not a user identity.
	v1.POST("/webhooks/payment", h.handlePaymentWebhook)

	authed := v1.Group("")
	authed.Use(identityMiddleware())
	{
		authed.POST("/cart/items", h.addCartItem)
		authed.DELETE("/cart/items/:movieID", h.removeCartItem)
		authed.GET("/cart", h.listCart)

		authed.POST("/orders", h.createOrder)
		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.POST("/orders/:id/cancel", h.cancelOrder)
		authed.POST("/orders/:id/refund", h.requestRefund)

		authed.POST("/payments", h.createPayment)
		authed.POST("/payments/cancel", h.cancelPayment)
		authed.GET("/payments", h.listPayments)
		authed.GET("/payments/:id", h.getPayment)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type addCartItemRequest struct {
	MovieID int64 `json:"movie_id" binding:"required,gt=0"`
}

// addCartItem handles adding a movie to the caller's cart
func (h *Handler) addCartItem(c *gin.Context) {
	var req addCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	item, err := h.cart.Add(c.Request.Context(), currentUser(c), req.MovieID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"item": item})
}

// removeCartItem handles removing a movie from the caller's cart
func (h *Handler) removeCartItem(c *gin.Context) {
	movieID, ok := pathID(c, "movieID")
	if !ok {
		return
	}

	if err := h.cart.Remove(c.Request.Context(), currentUser(c), movieID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// listCart handles listing the caller's cart
func (h *Handler) listCart(c *gin.Context) {
	entries, err := h.cart.List(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []models.CartEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"items": entries})
}

// createOrder handles checking out the caller's cart into an order
func (h *Handler) createOrder(c *gin.Context) {
	result, err := h.orders.CreateOrder(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"order":  result.Order,
		"items":  result.Items,
		"reused": result.Reused,
	})
}

// listOrders handles listing the caller's orders
func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.orders.ListOrders(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, items, err := h.orders.GetOrder(c.Request.Context(), currentUser(c), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// cancelOrder handles canceling a pending order
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.orders.CancelOrder(c.Request.Context(), currentUser(c), orderID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

type refundRequestBody struct {
	Reason string `json:"reason"`
}

// requestRefund handles filing a refund petition for a paid order
func (h *Handler) requestRefund(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req refundRequestBody
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	refund, err := h.payments.RequestRefund(c.Request.Context(), currentUser(c), orderID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"refund_request": refund})
}

type createPaymentRequest struct {
	OrderID int64 `json:"order_id" binding:"required,gt=0"`
}

// createPayment handles opening a payment attempt for a pending order
func (h *Handler) createPayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.payments.CreatePayment(c.Request.Context(), currentUser(c), req.OrderID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"payment":       result.Payment,
		"client_handle": result.ClientHandle,
	})
}

type cancelPaymentRequest struct {
	OrderID int64 `json:"order_id" binding:"required,gt=0"`
}

// cancelPayment handles abandoning the active payment attempt on an order
func (h *Handler) cancelPayment(c *gin.Context) {
	var req cancelPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	payment, err := h.payments.CancelPayment(c.Request.Context(), currentUser(c), req.OrderID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// listPayments handles listing the caller's payment history
func (h *Handler) listPayments(c *gin.Context) {
	payments, err := h.payments.ListPayments(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if payments == nil {
		payments = []models.Payment{}
	}

	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

// getPayment handles get payment by ID
func (h *Handler) getPayment(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}

	payment, err := h.payments.GetPayment(c.Request.Context(), currentUser(c), paymentID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// handlePaymentWebhook handles signed event deliveries from the payment
// gateway. Verification failures answer 400; events referencing payments
// this service never created are acknowledged so the gateway stops
// retrying them.
func (h *Handler) handlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable payload"})
		return
	}

	err = h.webhooks.HandleEvent(c.Request.Context(),
		payload,
		c.GetHeader("X-Gateway-Timestamp"),
		c.GetHeader("X-Gateway-Signature"))

	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	case errors.Is(err, service.ErrUntrustedEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload or signature"})
	case errors.Is(err, service.ErrUnknownPayment):
		// Acknowledged; the webhook service already logged the anomaly.
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	default:
		// The gateway retries on 5xx and replays land on the idempotent path.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

const userIDKey = "userID"

// identityMiddleware reads the user identity injected by the upstream auth
// layer. Requests without it never reach the handlers.
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
		if err != nil || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or invalid X-User-ID header",
			})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) int64 {
	return c.GetInt64(userIDKey)
}

// pathID parses a positive integer path parameter, answering 400 on garbage.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name + " parameter"})
		return 0, false
	}
	return id, true
}

// respondError maps service errors onto HTTP statuses. Conflicts with the
// current order or payment state answer 409 so clients can refetch and
// retry; transient infrastructure trouble answers 502/503.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrMovieUnavailable),
		errors.Is(err, gateway.ErrIntentRejected):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrAlreadyInCart),
		errors.Is(err, service.ErrAlreadyOwned),
		errors.Is(err, service.ErrOrderNotPending),
		errors.Is(err, service.ErrOrderNotPaid),
		errors.Is(err, service.ErrPaymentAlreadyActive),
		errors.Is(err, service.ErrNoActivePayment),
		errors.Is(err, service.ErrRefundAlreadyFiled),
		errors.Is(err, store.ErrInvalidState),
		errors.Is(err, store.ErrActivePayment):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "resource busy, retry shortly"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
