package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateChangeChannel is the Redis pub/sub channel for transition events.
const StateChangeChannel = "workflow:state_changes"

// RedisPublisher publishes transition events to Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher returns a Redis-backed event publisher.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish sends the event to the state-change channel.
func (p *RedisPublisher) Publish(event TransitionEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, StateChangeChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	return nil
}

// Subscribe consumes transition events until ctx is cancelled. Undecodable
// payloads and handler errors are skipped.
func (p *RedisPublisher) Subscribe(ctx context.Context, handler func(TransitionEvent) error) error {
	pubsub := p.client.Subscribe(ctx, StateChangeChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			var event TransitionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			if err := handler(event); err != nil {
				continue
			}
		}
	}
}

// MultiPublisher fans out to several publishers; one failing does not stop
// the others.
type MultiPublisher struct {
	publishers []EventPublisher
}

// NewMultiPublisher combines publishers.
func NewMultiPublisher(publishers ...EventPublisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (p *MultiPublisher) Publish(event TransitionEvent) error {
	for _, pub := range p.publishers {
		if err := pub.Publish(event); err != nil {
			continue
		}
	}
	return nil
}
