package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"purchase-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	// ErrIntentRejected means the gateway refused the intent outright.
	// Resubmitting the same request will not succeed.
	ErrIntentRejected = errors.New("payment intent rejected by gateway")

	// ErrGatewayUnavailable covers transport failures, timeouts, 5xx
	// responses and an open circuit. The caller may retry later.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// Intent is the gateway's handle for one payment attempt. Reference
// identifies the intent in webhook events; ClientHandle is forwarded to the
// end user's client to complete the payment and is opaque to this service.
type Intent struct {
	Reference    string `json:"reference"`
	ClientHandle string `json:"client_handle"`
}

type createIntentRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type gatewayError struct {
	Message string `json:"message"`
}

// Client talks to the external payment gateway over HTTP. Every call is
// bounded by the configured timeout and goes through a circuit breaker so a
// degraded gateway fails fast instead of pinning request handlers.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*Intent]
	logger     *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	settings := gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A definitive rejection is a gateway answer, not a gateway
			// failure. Only transport-level trouble trips the breaker.
			return err == nil || errors.Is(err, ErrIntentRejected)
		},
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    gobreaker.NewCircuitBreaker[*Intent](settings),
		logger:     util.GetLogger(),
	}
}

// CreateIntent asks the gateway to open a payment intent for amount. The
// idempotency key makes resubmission safe on the gateway side: the same key
// returns the original intent instead of opening a second charge.
func (c *Client) CreateIntent(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (*Intent, error) {
	start := time.Now()
	intent, err := c.breaker.Execute(func() (*Intent, error) {
		return c.createIntent(ctx, amount, idempotencyKey)
	})
	util.GatewayRequestDuration.WithLabelValues("create_intent", outcomeLabel(err)).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Warn("Payment gateway circuit open, failing fast",
			zap.String("idempotency_key", idempotencyKey))
		return nil, fmt.Errorf("%w: circuit open", ErrGatewayUnavailable)
	}
	if err != nil {
		return nil, err
	}
	return intent, nil
}

func (c *Client) createIntent(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (*Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(createIntentRequest{Amount: amount, Currency: "usd"})
	if err != nil {
		return nil, fmt.Errorf("marshal intent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/intents", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build intent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var intent Intent
		if err := json.Unmarshal(body, &intent); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
		}
		if intent.Reference == "" {
			return nil, fmt.Errorf("%w: response missing reference", ErrGatewayUnavailable)
		}
		return &intent, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var gwErr gatewayError
		_ = json.Unmarshal(body, &gwErr)
		if gwErr.Message == "" {
			gwErr.Message = resp.Status
		}
		return nil, fmt.Errorf("%w: %s", ErrIntentRejected, gwErr.Message)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrIntentRejected):
		return "rejected"
	default:
		return "error"
	}
}
