package fabric

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/watchmesh/backend/internal/core"
)

// redisChannel is the single Pub/Sub channel all pods share; the topic
// inside the envelope does the routing.
const redisChannel = "watchmesh:push"

// RedisBus is the cross-pod PushPublisher. Updates go through Redis
// Pub/Sub so every pod's hub delivers them to its own spokes; when Redis is
// unreachable the update still reaches the local hub directly.
type RedisBus struct {
	client *redis.Client
	hub    *Hub
	logger *slog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRedisBus starts the subscription loop that re-delivers published
// envelopes into the local hub.
func NewRedisBus(client *redis.Client, hub *Hub) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client: client,
		hub:    hub,
		logger: slog.Default().With("component", "redis-push-bus"),
		cancel: cancel,
	}
	b.wg.Add(1)
	go b.receive(ctx)
	return b
}

// Publish sends the update through Redis. Local spokes receive it via the
// subscription loop like every other pod's spokes.
func (b *RedisBus) Publish(ctx context.Context, topic string, update *core.PushUpdate) error {
	env := &Envelope{Topic: topic, Update: update, SentAt: time.Now()}
	payload, err := json.Marshal(env)
	if err != nil {
		return core.Ef(core.Internal, "fabric.RedisBus.Publish", "marshal envelope: %v", err)
	}

	if err := b.client.Publish(ctx, redisChannel, payload).Err(); err != nil {
		// Degrade to local-only delivery rather than losing the update.
		b.logger.Warn("redis publish failed, delivering locally only", "topic", topic, "error", err)
		b.hub.Deliver(env)
		return nil
	}
	return nil
}

func (b *RedisBus) receive(ctx context.Context) {
	defer b.wg.Done()

	sub := b.client.Subscribe(ctx, redisChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed push envelope", "error", err)
				continue
			}
			b.hub.Deliver(&env)
		}
	}
}

// Close stops the subscription loop.
func (b *RedisBus) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
	})
}

var _ core.PushPublisher = (*RedisBus)(nil)
