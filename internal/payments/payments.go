// Package payments adapts the external payment gateway.
//
// The gateway issues orders for a requested amount and later authenticates
// payment completion in one of two ways:
//   - checkout flow: the client presents a signature computed as
//     HMAC-SHA256(orderID|paymentID) keyed by the API key secret
//   - webhook flow: the gateway POSTs an event signed as
//     HMAC-SHA256(raw body) keyed by a separate webhook secret
//
// Both checks are constant-time. The adapter never retries payments; callers
// own any retry policy.
package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Order is a payment order issued by the gateway.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// Authority is the payment-gateway contract consumed by the engines.
type Authority interface {
	// CreateOrder asks the gateway for a new payment order.
	CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*Order, error)

	// VerifySignature authenticates a checkout completion.
	VerifySignature(orderID, paymentID, signature string) bool

	// VerifyWebhook authenticates a server-to-server webhook payload.
	VerifyWebhook(body []byte, signature string) bool
}

// Gateway is the HTTP implementation of Authority.
type Gateway struct {
	baseURL       string
	keyID         string
	keySecret     string
	webhookSecret string
	client        *http.Client
}

// NewGateway creates a gateway adapter.
func NewGateway(baseURL, keyID, keySecret, webhookSecret string) *Gateway {
	return &Gateway{
		baseURL:       baseURL,
		keyID:         keyID,
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type createOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// CreateOrder asks the gateway for a new payment order for the given amount.
func (g *Gateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*Order, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("order amount must be positive, got %d", amount)
	}

	body, err := json.Marshal(createOrderRequest{
		Amount:   amount,
		Currency: currency,
		Receipt:  receipt,
		Notes:    notes,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(g.keyID, g.keySecret)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway order call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var order Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("gateway returned order without id")
	}

	return &order, nil
}

// VerifySignature checks HMAC-SHA256(orderID|paymentID) against the supplied
// hex signature in constant time.
func (g *Gateway) VerifySignature(orderID, paymentID, signature string) bool {
	return verifyHMAC([]byte(orderID+"|"+paymentID), signature, g.keySecret)
}

// VerifyWebhook checks HMAC-SHA256 over the raw payload against the supplied
// hex signature in constant time. Trust here is rooted in the webhook secret,
// not in any client-supplied value.
func (g *Gateway) VerifyWebhook(body []byte, signature string) bool {
	return verifyHMAC(body, signature, g.webhookSecret)
}

func verifyHMAC(message []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	expected := mac.Sum(nil)

	supplied, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, supplied)
}

// Sign computes the hex HMAC-SHA256 of message with secret. Exposed for the
// notify emitter and for tests constructing valid signatures.
func Sign(message []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}
