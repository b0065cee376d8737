package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEmitDeliversSignedEvent(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(srv.URL, "notify-secret", nil)
	e.Emit(context.Background(), "withdrawal.completed", map[string]any{"creatorId": "creator_1", "amount": 5000})

	select {
	case r := <-received:
		body := <-bodies

		if r.Header.Get("X-Crewledger-Event") != "withdrawal.completed" {
			t.Errorf("event header = %q", r.Header.Get("X-Crewledger-Event"))
		}

		mac := hmac.New(sha256.New, []byte("notify-secret"))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		if got := r.Header.Get("X-Crewledger-Signature"); got != want {
			t.Errorf("signature = %q, want %q", got, want)
		}

		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if ev.Type != "withdrawal.completed" || ev.ID == "" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestEmitNoopWithoutURL(t *testing.T) {
	e := NewEmitter("", "secret", nil)
	// Must not panic or spawn work.
	e.Emit(context.Background(), "recharge.completed", nil)
}

func TestEmitSurvivesEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewEmitter(srv.URL, "secret", nil)
	// Fire-and-forget: the caller sees no error.
	e.Emit(context.Background(), "escrow.released", map[string]any{"amount": 1})
	time.Sleep(100 * time.Millisecond)
}
