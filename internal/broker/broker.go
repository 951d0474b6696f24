// Package broker provides the in-memory-semantics message fabric the
// pipeline services share: FIFO queues, pub/sub topics, and TTL-backed
// key/value snapshots. Queues are at-least-once (readers must be
// idempotent — the store's upsert provides this); pub/sub is
// at-most-once.
package broker

import (
	"context"
	"time"
)

// Queue and key layout.
const (
	QueueCandles = "candle_queue"
	QueueDLQ     = "dead_letter_queue"

	KeyServiceStatus    = "collector_service_status"
	KeyProcessorMetrics = "processor_metrics"

	PatternCollector = "collector:*"
)

// TopicCollector is the control topic for one symbol.
func TopicCollector(symbol string) string {
	return "collector:" + symbol
}

// KeySubscription is the subscription-state key for one symbol.
func KeySubscription(symbol string) string {
	return "subscription:" + symbol
}

// KeyStatus is the worker-status key for one symbol.
func KeyStatus(symbol string) string {
	return "status:" + symbol
}

// Message is one pub/sub delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Broker decouples the collector, persister, and control surface.
// Implementations: Redis (production) and Memory (tests, single-process
// development).
type Broker interface {
	// Push appends to the queue tail.
	Push(ctx context.Context, queue string, payload []byte) error

	// PopBlocking removes from the queue head, waiting up to timeout.
	// Returns (nil, nil) on timeout.
	PopBlocking(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)

	// Pop removes from the queue head or returns (nil, nil) when empty.
	Pop(ctx context.Context, queue string) ([]byte, error)

	// QueueLen reports the current queue depth.
	QueueLen(ctx context.Context, queue string) (int64, error)

	// Publish fans out to current subscribers; no delivery if none.
	Publish(ctx context.Context, topic string, payload []byte) error

	// PatternSubscribe delivers all messages whose topic matches the
	// glob pattern until ctx is cancelled. Per-publisher order is
	// preserved.
	PatternSubscribe(ctx context.Context, pattern string) (<-chan Message, error)

	// SetKV stores a snapshot value with a TTL.
	SetKV(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// GetKV returns a live value or (nil, nil) when absent/expired.
	GetKV(ctx context.Context, key string) ([]byte, error)

	// DeleteKV removes a key, reporting whether it existed.
	DeleteKV(ctx context.Context, key string) (bool, error)

	// Keys enumerates live keys matching the glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping probes broker liveness.
	Ping(ctx context.Context) error

	Close() error
}
