package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cyruslayo/buildr/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel shared by every instance.
const DefaultChannel = "buildr:feed"

// DeliverFunc hands one event to the local subscribers of ownerID.
type DeliverFunc func(ownerID string, event models.FeedEvent)

// Broker moves feed events between server instances.
type Broker interface {
	Publish(ctx context.Context, ownerID string, event models.FeedEvent) error
	// Subscribe calls deliver for every published event until ctx is
	// cancelled.
	Subscribe(ctx context.Context, deliver DeliverFunc) error
}

// LocalBroker delivers events inside one process.
type LocalBroker struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]DeliverFunc
}

// NewLocalBroker creates a LocalBroker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{handlers: make(map[int]DeliverFunc)}
}

func (b *LocalBroker) Publish(_ context.Context, ownerID string, event models.FeedEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.handlers {
		h(ownerID, event)
	}

	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, deliver DeliverFunc) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = deliver
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()

	return ctx.Err()
}

// message is the Redis payload.
type message struct {
	OwnerID string           `json:"ownerId"`
	Event   models.FeedEvent `json:"event"`
}

func encodeMessage(ownerID string, event models.FeedEvent) ([]byte, error) {
	return json.Marshal(message{OwnerID: ownerID, Event: event})
}

func decodeMessage(payload string) (message, error) {
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return message{}, err
	}

	if m.OwnerID == "" {
		return message{}, fmt.Errorf("feed message without owner")
	}

	return m, nil
}

// RedisBroker fans events out through Redis pub/sub so that a client
// connected to one instance hears about writes handled by another.
type RedisBroker struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisBroker creates a RedisBroker on channel (DefaultChannel when empty).
func NewRedisBroker(client *redis.Client, channel string, logger *slog.Logger) *RedisBroker {
	if channel == "" {
		channel = DefaultChannel
	}

	return &RedisBroker{client: client, channel: channel, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, ownerID string, event models.FeedEvent) error {
	payload, err := encodeMessage(ownerID, event)
	if err != nil {
		return fmt.Errorf("encoding feed message: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing feed message: %w", err)
	}

	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, deliver DeliverFunc) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.channel, err)
	}

	b.logger.Info("feed subscribed", slog.String("channel", b.channel))

	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("feed subscription on %s closed", b.channel)
			}

			m, err := decodeMessage(msg.Payload)
			if err != nil {
				b.logger.Warn("bad feed message", slog.String("error", err.Error()))
				continue
			}

			deliver(m.OwnerID, m.Event)
		}
	}
}
