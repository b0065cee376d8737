package payments

import (
	"context"
	"sync"

	"github.com/crewledger/crewledger/internal/idgen"
)

// Mock is an in-memory Authority for tests and development mode.
// Signatures are real HMACs over the mock's secrets, so verification paths
// exercise the same code as production.
type Mock struct {
	KeySecret     string
	WebhookSecret string

	mu        sync.Mutex
	orders    map[string]*Order
	failNext  error
	CallCount int
}

// NewMock creates a mock authority with fixed secrets.
func NewMock() *Mock {
	return &Mock{
		KeySecret:     "test-key-secret",
		WebhookSecret: "test-webhook-secret",
		orders:        make(map[string]*Order),
	}
}

// FailNext makes the next CreateOrder call return err.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *Mock) CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallCount++
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}

	order := &Order{
		ID:       idgen.WithPrefix("ord_"),
		Amount:   amount,
		Currency: currency,
		Receipt:  receipt,
		Status:   "created",
	}
	m.orders[order.ID] = order
	return order, nil
}

// Order returns a previously created order, or nil.
func (m *Mock) Order(id string) *Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func (m *Mock) VerifySignature(orderID, paymentID, signature string) bool {
	return verifyHMAC([]byte(orderID+"|"+paymentID), signature, m.KeySecret)
}

func (m *Mock) VerifyWebhook(body []byte, signature string) bool {
	return verifyHMAC(body, signature, m.WebhookSecret)
}

// SignCheckout produces a valid checkout signature for tests.
func (m *Mock) SignCheckout(orderID, paymentID string) string {
	return Sign([]byte(orderID+"|"+paymentID), m.KeySecret)
}

// SignWebhook produces a valid webhook signature for tests.
func (m *Mock) SignWebhook(body []byte) string {
	return Sign(body, m.WebhookSecret)
}
