package events

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus wraps the in-memory Bus and also publishes every event to a
// Redis channel so sibling engine instances and external consumers see it.
type RedisBus struct {
	*Bus

	rdb     *redis.Client
	channel string
	logger  *log.Logger
}

// NewRedisBus connects to Redis and returns a bus publishing to channel.
func NewRedisBus(addr, password string, db int, channel string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	bus := &RedisBus{
		Bus:     NewBus(),
		rdb:     rdb,
		channel: channel,
		logger:  log.New(log.Writer(), "[REDIS-EVENTS] ", log.LstdFlags),
	}
	bus.logger.Printf("✅ Connected to Redis at %s (channel=%s)", addr, channel)
	return bus, nil
}

// Emit publishes to Redis and fans out to in-memory subscribers.
func (rb *RedisBus) Emit(eventType, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, subject, data)

	payload, err := event.JSON()
	if err != nil {
		rb.logger.Printf("❌ Failed to marshal event %s: %v", event.ID, err)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rb.rdb.Publish(ctx, rb.channel, payload).Err(); err != nil {
			rb.logger.Printf("❌ Redis publish failed: %s → %v", event.ID, err)
		}
		cancel()
	}

	rb.Bus.Publish(event)
}

// Close shuts down the Redis client.
func (rb *RedisBus) Close() error {
	return rb.rdb.Close()
}

var _ Emitter = (*RedisBus)(nil)
