package realtime

import (
	"context"
	"testing"
	"time"
)

func TestWants_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true}}
	if !client.wants(&Event{Type: "recharge.completed", ActorID: "brand_a"}) {
		t.Error("AllEvents client should receive everything")
	}
}

func TestWants_TypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{Types: []string{"escrow.released", "withdrawal.completed"}}}

	if !client.wants(&Event{Type: "escrow.released"}) {
		t.Error("should receive subscribed type")
	}
	if client.wants(&Event{Type: "recharge.completed"}) {
		t.Error("should NOT receive unsubscribed type")
	}
}

func TestWants_ActorFilter(t *testing.T) {
	client := &Client{sub: Subscription{ActorIDs: []string{"creator_1"}}}

	if !client.wants(&Event{Type: "escrow.released", ActorID: "creator_1"}) {
		t.Error("should match watched actor")
	}
	if client.wants(&Event{Type: "escrow.released", ActorID: "creator_2"}) {
		t.Error("should NOT match other actors")
	}
}

func TestWants_TypeAndActorFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		Types:    []string{"withdrawal.completed"},
		ActorIDs: []string{"creator_1"},
	}}

	if !client.wants(&Event{Type: "withdrawal.completed", ActorID: "creator_1"}) {
		t.Error("should match both filters")
	}
	if client.wants(&Event{Type: "withdrawal.completed", ActorID: "creator_2"}) {
		t.Error("actor filter should apply")
	}
	if client.wants(&Event{Type: "recharge.completed", ActorID: "creator_1"}) {
		t.Error("type filter should apply")
	}
}

func TestEmitExtractsActor(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	defer cancel()

	h.Emit(context.Background(), "recharge.completed", map[string]any{"brandId": "brand_a", "tokens": int64(50)})
	h.Emit(context.Background(), "withdrawal.completed", map[string]any{"creatorId": "creator_1"})

	deadline := time.Now().Add(time.Second)
	for h.totalEvents.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("events not processed, got %d", h.totalEvents.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	h := NewHub(nil) // Run not started: broadcast channel will fill

	for i := 0; i < 300; i++ {
		h.Publish("recharge.completed", "brand_a", nil)
	}
	// Reaching here without deadlock is the assertion.
}
