// Package notify delivers platform events (recharge completed, escrow
// released, withdrawal resolved) to the main application backend over a
// signed webhook. Delivery is fire-and-forget: wallet flows never block or
// fail on a slow notification endpoint.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/crewledger/crewledger/internal/idgen"
	"github.com/crewledger/crewledger/internal/metrics"
)

// Event is the envelope posted to the notification endpoint.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Emitter posts signed events to one configured URL.
type Emitter struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewEmitter creates an emitter. An empty url disables delivery; Emit
// becomes a no-op so callers never need a nil check in dev mode.
func NewEmitter(url, secret string, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Emit delivers an event asynchronously. The caller's context deadline is
// deliberately not inherited: the HTTP request that triggered the event may
// complete long before delivery does.
func (e *Emitter) Emit(ctx context.Context, event string, payload any) {
	if e.url == "" {
		return
	}

	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      event,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}

	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.send(sendCtx, ev); err != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			e.logger.Warn("notification delivery failed", "event", ev.Type, "id", ev.ID, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
	}()
}

func (e *Emitter) send(ctx context.Context, ev *Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Crewledger-Event", ev.Type)
	req.Header.Set("X-Crewledger-Timestamp", fmt.Sprintf("%d", ev.Timestamp.Unix()))
	if e.secret != "" {
		req.Header.Set("X-Crewledger-Signature", sign(body, e.secret))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
