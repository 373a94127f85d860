package realtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func relayWithSubscriber(t *testing.T) (*RedisRelay, *recordingConn, *atomic.Int32) {
	t.Helper()
	registry := NewRegistry()
	conn := &recordingConn{}
	registry.Subscribe(registry.Register(conn), "job-a")

	published := &atomic.Int32{}
	relay := newRelay(registry, nil)
	relay.publish = func(ctx context.Context, payload []byte) error {
		published.Add(1)
		return nil
	}
	return relay, conn, published
}

func TestRelayDeliversLocallyWhileUnsubscribed(t *testing.T) {
	relay, conn, published := relayWithSubscriber(t)

	relay.Broadcast("job-a", 30)

	if published.Load() != 1 {
		t.Fatalf("expected progress to be published, got %d publishes", published.Load())
	}
	if got := progressValues(conn.received()); len(got) != 1 || got[0] != 30 {
		t.Fatalf("expected local delivery of 30 without a subscription, got %v", got)
	}
}

func TestRelayLeavesLocalDeliveryToSubscription(t *testing.T) {
	relay, conn, _ := relayWithSubscriber(t)
	relay.subscribed.Store(true)

	relay.Broadcast("job-a", 30)

	if got := conn.received(); len(got) != 0 {
		t.Fatalf("expected delivery to wait for the subscription echo, got %+v", got)
	}
}

func TestRelayFallsBackWhenPublishFails(t *testing.T) {
	relay, conn, _ := relayWithSubscriber(t)
	relay.subscribed.Store(true)
	relay.publish = func(ctx context.Context, payload []byte) error {
		return errors.New("connection refused")
	}

	relay.Broadcast("job-a", 55)

	if got := progressValues(conn.received()); len(got) != 1 || got[0] != 55 {
		t.Fatalf("expected local fallback of 55, got %v", got)
	}
}

func TestRunResubscribesAfterSubscriptionLoss(t *testing.T) {
	relay, conn, _ := relayWithSubscriber(t)
	relay.retryMin = time.Millisecond
	relay.retryMax = 5 * time.Millisecond

	var attempts atomic.Int32
	live := make(chan struct{})
	relay.listen = func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("subscribe progress: connection reset")
		}
		relay.subscribed.Store(true)
		defer relay.subscribed.Store(false)
		close(live)
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	select {
	case <-live:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected relay to resubscribe, attempts=%d", attempts.Load())
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 subscription attempts, got %d", attempts.Load())
	}

	relay.Broadcast("job-a", 70)
	if got := conn.received(); len(got) != 0 {
		t.Fatalf("expected subscription to own local delivery, got %+v", got)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to stop after cancel")
	}

	relay.Broadcast("job-a", 80)
	if got := progressValues(conn.received()); len(got) != 1 || got[0] != 80 {
		t.Fatalf("expected local delivery once the subscription stopped, got %v", got)
	}
}
