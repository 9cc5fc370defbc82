package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

// DefaultRedisChannel carries evidence change events between replicas.
const DefaultRedisChannel = "evidence:changes"

// RedisBroker shares change events across processes through Redis pub/sub.
// Each process relays the channel into a local Hub, so subscribers see
// changes committed by any replica.
type RedisBroker struct {
	client  *redis.Client
	channel string
	hub     *Hub
	log     *logger.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker creates a broker. Call Start before relying on Subscribe.
func NewRedisBroker(client *redis.Client, channel string, log *logger.Logger) *RedisBroker {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if log == nil {
		log = logger.NewDefault("feed-redis")
	}
	return &RedisBroker{client: client, channel: channel, hub: NewHub(), log: log}
}

// Start subscribes to the Redis channel and relays messages to local
// subscribers until ctx ends or Close is called.
func (b *RedisBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}

	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.pubsub = ps

	b.wg.Add(1)
	go b.relay(ps.Channel())
	return nil
}

func (b *RedisBroker) relay(msgs <-chan *redis.Message) {
	defer b.wg.Done()
	for msg := range msgs {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			b.log.WithError(err).WithField("channel", msg.Channel).Warn("dropping malformed change event")
			continue
		}
		_ = b.hub.Publish(context.Background(), ev)
	}
}

// Publish sends ev to every replica, this one included.
func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe opens a local subscription fed by the relay.
func (b *RedisBroker) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	return b.hub.Subscribe(ctx, filter)
}

// Close stops the relay and closes local subscriptions.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()

	var err error
	if ps != nil {
		err = ps.Close()
	}
	b.wg.Wait()
	b.hub.Close()
	return err
}
