package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGatewayCreateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key-id" || pass != "key-secret" {
			t.Errorf("bad basic auth %s/%s", user, pass)
		}
		var req createOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Amount != 4999 || req.Currency != "INR" {
			t.Errorf("unexpected request %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Order{ID: "ord_test1", Amount: req.Amount, Currency: req.Currency, Status: "created"})
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "key-id", "key-secret", "webhook-secret")
	order, err := g.CreateOrder(context.Background(), 4999, "INR", "rcpt_1", nil)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if order.ID != "ord_test1" {
		t.Errorf("order id = %q", order.ID)
	}
}

func TestGatewayCreateOrderRejectsNonPositive(t *testing.T) {
	g := NewGateway("http://unused", "k", "s", "w")
	if _, err := g.CreateOrder(context.Background(), 0, "INR", "r", nil); err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestVerifySignature(t *testing.T) {
	g := NewGateway("http://unused", "key-id", "key-secret", "webhook-secret")

	sig := Sign([]byte("ord_1|pay_1"), "key-secret")
	if !g.VerifySignature("ord_1", "pay_1", sig) {
		t.Error("valid signature rejected")
	}
	if g.VerifySignature("ord_1", "pay_2", sig) {
		t.Error("signature for different payment accepted")
	}
	if g.VerifySignature("ord_1", "pay_1", "deadbeef") {
		t.Error("forged signature accepted")
	}
	if g.VerifySignature("ord_1", "pay_1", "not-hex") {
		t.Error("non-hex signature accepted")
	}
	if g.VerifySignature("ord_1", "pay_1", "") {
		t.Error("empty signature accepted")
	}
}

func TestVerifyWebhook(t *testing.T) {
	g := NewGateway("http://unused", "key-id", "key-secret", "webhook-secret")

	body := []byte(`{"event":"payment.captured"}`)
	sig := Sign(body, "webhook-secret")
	if !g.VerifyWebhook(body, sig) {
		t.Error("valid webhook signature rejected")
	}
	// Checkout secret must not validate webhooks.
	if g.VerifyWebhook(body, Sign(body, "key-secret")) {
		t.Error("webhook accepted signature from checkout secret")
	}
}

func TestMockRoundTrip(t *testing.T) {
	m := NewMock()
	order, err := m.CreateOrder(context.Background(), 1000, "INR", "r", nil)
	if err != nil {
		t.Fatalf("mock CreateOrder: %v", err)
	}
	sig := m.SignCheckout(order.ID, "pay_9")
	if !m.VerifySignature(order.ID, "pay_9", sig) {
		t.Error("mock rejected its own signature")
	}
}
