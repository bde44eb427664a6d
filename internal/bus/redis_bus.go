package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Envelope is the cross-process form of a published event. Origin lets
// a process skip its own publications when they echo back.
type Envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Handler receives events published by other gateway processes.
type Handler func(room, name string, payload json.RawMessage)

// Bus is the distribution backbone: a redis pub/sub adapter fanning
// events out to every gateway process behind the load balancer.
type Bus struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBus connects to the backbone and verifies it is reachable. A
// failure here is fatal to startup: without the backbone the
// horizontal-scale guarantees do not hold.
func NewBus(client *redis.Client, channel string, logger *zap.Logger) (*Bus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("distribution backbone unreachable: %w", err)
	}

	return &Bus{
		client:  client,
		channel: channel,
		origin:  uuid.New().String(),
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Publish sends an event to every other process. Local delivery is the
// manager's job; the bus only handles the cross-process leg.
func (b *Bus) Publish(ctx context.Context, room, name string, payload json.RawMessage) error {
	env := Envelope{
		Origin:  b.origin,
		Room:    room,
		Name:    name,
		Payload: payload,
		At:      time.Now(),
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to backbone: %w", err)
	}
	return nil
}

// Subscribe starts the background receive loop. Envelopes published by
// this process are skipped.
func (b *Bus) Subscribe(handler Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	sub := b.client.Subscribe(ctx, b.channel)
	ch := sub.Channel()

	go func() {
		defer close(b.done)
		defer sub.Close()

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
					b.logger.Warn("Dropping malformed backbone envelope", zap.Error(err))
					continue
				}
				if env.Origin == b.origin {
					continue
				}
				handler(env.Room, env.Name, env.Payload)
			}
		}
	}()
}

// Close stops the receive loop.
func (b *Bus) Close() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
}
