package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisRelayConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type relayMessage struct {
	JobID    string `json:"job_id"`
	Progress int    `json:"progress"`
}

const (
	relayRetryMin = time.Second
	relayRetryMax = 30 * time.Second
)

// RedisRelay fans progress out through Redis pub/sub so observers attached to
// any API instance receive updates for jobs running elsewhere.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   *Registry
	logger  *log.Logger

	// subscribed is true while the subscription loop is delivering messages.
	// Otherwise Broadcast also feeds the local registry directly.
	subscribed atomic.Bool
	publish    func(ctx context.Context, payload []byte) error
	listen     func(ctx context.Context) error
	retryMin   time.Duration
	retryMax   time.Duration
}

func NewRedisRelay(ctx context.Context, cfg RedisRelayConfig, local *Registry, logger *log.Logger) (*RedisRelay, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = "media_job_progress"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	relay := newRelay(local, logger)
	relay.client = client
	relay.channel = cfg.Channel
	relay.publish = func(ctx context.Context, payload []byte) error {
		return client.Publish(ctx, cfg.Channel, payload).Err()
	}
	relay.listen = relay.receive
	return relay, nil
}

func newRelay(local *Registry, logger *log.Logger) *RedisRelay {
	return &RedisRelay{
		local:    local,
		logger:   logger,
		retryMin: relayRetryMin,
		retryMax: relayRetryMax,
	}
}

func (r *RedisRelay) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Broadcast publishes progress; local observers receive it back through the
// subscription loop. While the subscription is down, or if publishing fails,
// this instance's registry is fed directly.
func (r *RedisRelay) Broadcast(jobID string, progress int) {
	payload, err := json.Marshal(relayMessage{JobID: jobID, Progress: progress})
	if err != nil {
		r.local.Broadcast(jobID, progress)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.publish(ctx, payload); err != nil {
		if r.logger != nil {
			r.logger.Printf("progress publish failed job_id=%s err=%v", jobID, err)
		}
		r.local.Broadcast(jobID, progress)
		return
	}
	if !r.subscribed.Load() {
		r.local.Broadcast(jobID, progress)
	}
}

// Run keeps the subscription alive until ctx is done, resubscribing with
// exponential backoff whenever it drops.
func (r *RedisRelay) Run(ctx context.Context) error {
	delay := r.retryMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		started := time.Now()
		err := r.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > r.retryMax {
			delay = r.retryMin
		}
		if r.logger != nil {
			r.logger.Printf("progress subscription lost channel=%s retry_in=%s err=%v", r.channel, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, r.retryMax)
	}
}

// receive relays published progress into the local registry until the
// subscription ends.
func (r *RedisRelay) receive(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.subscribed.Store(true)
	defer r.subscribed.Store(false)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-messages:
			if !ok {
				return errors.New("subscription channel closed")
			}
			r.dispatch(message.Payload)
		}
	}
}

func (r *RedisRelay) dispatch(payload string) {
	var message relayMessage
	if err := json.Unmarshal([]byte(payload), &message); err != nil || message.JobID == "" {
		if r.logger != nil {
			r.logger.Printf("discarding malformed progress message payload=%q", payload)
		}
		return
	}
	r.local.Broadcast(message.JobID, message.Progress)
}
