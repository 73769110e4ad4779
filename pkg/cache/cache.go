// Package cache is the command/telemetry value cache: a Redis-backed
// store of the latest value per telemetry parameter, with pub/sub so
// other services can watch updates. Each parameter is stored as a field
// on one hash key and republished on every write.
package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Cache stores telemetry parameter values under one Redis hash and
// publishes updates to a channel keyed the same way.
type Cache struct {
	client  *redis.Client
	ctx     context.Context
	hashKey string
}

// New connects to addr and verifies the connection with a PING.
func New(addr, password string, db int, hashKey string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect to redis at %s: %w", addr, err)
	}
	return &Cache{client: client, ctx: ctx, hashKey: hashKey}, nil
}

// WriteAndPublish stores value under paramID and publishes the update on
// the hash key's channel, mirroring WriteAndPublishString/Int.
func (c *Cache) WriteAndPublish(paramID uint64, value string) error {
	field := strconv.FormatUint(paramID, 10)
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, c.hashKey, field, value)
	pipe.Publish(c.ctx, c.hashKey, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(c.ctx)
	return err
}

// Get returns the last known value for paramID.
func (c *Cache) Get(paramID uint64) (string, error) {
	field := strconv.FormatUint(paramID, 10)
	val, err := c.client.HGet(c.ctx, c.hashKey, field).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("cache: parameter %d not set", paramID)
	}
	return val, err
}

// Subscribe returns a channel of update notifications and a cancel
// function.
func (c *Cache) Subscribe() (<-chan *redis.Message, func()) {
	pubsub := c.client.Subscribe(c.ctx, c.hashKey)
	ch := pubsub.Channel()
	return ch, func() { pubsub.Close() }
}

// Close releases the underlying Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
