// SPDX-License-Identifier: MIT

// Package bus publishes session lifecycle events for the external portal
// layer. Topics carry JSON payloads; publishing is best effort and never
// blocks the crediting path.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	xlog "github.com/pisonet/pisond/internal/log"
	"github.com/pisonet/pisond/internal/metrics"
)

// Topic names published by the daemon.
const (
	TopicCoinPending     = "coin.pending"
	TopicSessionCredited = "session.credited"
	TopicSessionExpired  = "session.expired"
	TopicSessionPaused   = "session.paused"
)

const channelPrefix = "pisond:"

// Publisher delivers one event to subscribers of a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
	Close() error
}

// RedisConfig holds the pub/sub connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisBus publishes over Redis pub/sub. Channel names are prefixed with
// "pisond:" so one Redis instance can serve multiple appliances.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBus connects and verifies the connection.
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bus: redis connection failed: %w", err)
	}

	logger := xlog.WithComponent("bus")
	logger.Info().
		Str("event", "bus.connected").
		Str("addr", cfg.Addr).
		Msg("connected to redis event bus")
	return &RedisBus{client: client, logger: logger}, nil
}

// NewRedisBusFromClient wraps an existing client. Tests use it with
// miniredis.
func NewRedisBusFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, logger: xlog.WithComponent("bus")}
}

// Publish implements Publisher.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		metrics.IncBusDrop(topic, "marshal")
		return fmt.Errorf("bus: marshal %s: %w", topic, err)
	}
	if err := b.client.Publish(ctx, channelPrefix+topic, buf).Err(); err != nil {
		metrics.IncBusDrop(topic, "publish")
		b.logger.Warn().Err(err).
			Str("event", "bus.publish_failed").
			Str("topic", topic).
			Msg("event dropped")
		return fmt.Errorf("bus: publish %s: %w", topic, err)
	}
	return nil
}

// Close implements Publisher.
func (b *RedisBus) Close() error { return b.client.Close() }

// Message is one event captured by the in-process bus.
type Message struct {
	Topic   string
	Payload []byte
}

// MemoryBus is the in-process fallback when Redis is not configured. It
// fans events out to a bounded channel; a full channel drops the event
// rather than stall the publisher.
type MemoryBus struct {
	mu     sync.Mutex
	ch     chan Message
	closed bool
	logger zerolog.Logger
}

// NewMemoryBus creates a bus buffering up to size events.
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 256
	}
	return &MemoryBus{
		ch:     make(chan Message, size),
		logger: xlog.WithComponent("bus"),
	}
}

// Publish implements Publisher.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		metrics.IncBusDrop(topic, "marshal")
		return fmt.Errorf("bus: marshal %s: %w", topic, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		metrics.IncBusDrop(topic, "closed")
		return nil
	}
	select {
	case b.ch <- Message{Topic: topic, Payload: buf}:
		return nil
	default:
		metrics.IncBusDrop(topic, "full")
		b.logger.Warn().
			Str("event", "bus.queue_full").
			Str("topic", topic).
			Msg("event dropped")
		return nil
	}
}

// Events exposes the event stream for the in-process consumer.
func (b *MemoryBus) Events() <-chan Message { return b.ch }

// Close implements Publisher.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	return nil
}

var (
	_ Publisher = (*RedisBus)(nil)
	_ Publisher = (*MemoryBus)(nil)
)
