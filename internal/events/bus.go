package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Change announces that a record collection was written.
type Change struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id,omitempty"`
	At         time.Time `json:"at"`
}

// Bus is the abstraction over notification backends.
type Bus interface {
	Publish(ctx context.Context, c Change) error
	Subscribe(ctx context.Context) (<-chan Change, error)
}

// InMemory fans changes out to every subscriber in the same process.
type InMemory struct {
	size int
	mu   sync.Mutex
	subs map[chan Change]struct{}
}

// NewInMemory creates a bus whose subscriber channels hold size changes.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 16
	}
	return &InMemory{size: size, subs: make(map[chan Change]struct{})}
}

// Publish delivers to every subscriber; a full subscriber misses the change.
func (b *InMemory) Publish(ctx context.Context, c Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- c:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel closed when ctx ends.
func (b *InMemory) Subscribe(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, b.size)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// Redis uses PUBLISH/SUBSCRIBE on a single channel.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis builds a bus on channel.
func NewRedis(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = "schoolpass:changes"
	}
	return &Redis{client: client, channel: channel}
}

// Publish sends the change as JSON.
func (r *Redis) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Subscribe streams decoded changes until ctx ends. Malformed payloads are skipped.
func (r *Redis) Subscribe(ctx context.Context) (<-chan Change, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	// wait for the subscription confirmation so publishes after return are seen
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan Change)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
