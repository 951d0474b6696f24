package broker

import (
	"context"
	"path"
	"sync"
	"time"
)

// Memory implements Broker in-process. It backs component tests and
// single-process development runs where no Redis is available; the
// queue, pub/sub, and TTL semantics match the Redis implementation.
type Memory struct {
	mu     sync.Mutex
	queues map[string][][]byte
	kv     map[string]memoryValue
	subs   []*memorySub
}

type memoryValue struct {
	data      []byte
	expiresAt time.Time // zero = no expiry
}

type memorySub struct {
	pattern string
	ch      chan Message
	done    <-chan struct{}
}

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string][][]byte),
		kv:     make(map[string]memoryValue),
	}
}

func (m *Memory) Push(ctx context.Context, queue string, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.mu.Lock()
	m.queues[queue] = append(m.queues[queue], cp)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Pop(ctx context.Context, queue string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	if len(q) == 0 {
		return nil, nil
	}
	head := q[0]
	m.queues[queue] = q[1:]
	return head, nil
}

// PopBlocking polls the queue head until a value arrives, the timeout
// elapses, or ctx is cancelled.
func (m *Memory) PopBlocking(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if v, _ := m.Pop(ctx, queue); v != nil {
			return v, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Memory) QueueLen(ctx context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queues[queue])), nil
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	m.mu.Lock()
	live := m.subs[:0]
	var targets []*memorySub
	for _, s := range m.subs {
		select {
		case <-s.done:
			continue // subscriber gone
		default:
		}
		live = append(live, s)
		if ok, _ := path.Match(s.pattern, topic); ok {
			targets = append(targets, s)
		}
	}
	m.subs = live
	m.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- Message{Topic: topic, Payload: cp}:
		default:
			// at-most-once: slow subscriber loses the message
		}
	}
	return nil
}

func (m *Memory) PatternSubscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	sub := &memorySub{pattern: pattern, ch: make(chan Message, 64), done: ctx.Done()}
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return sub.ch, nil
}

func (m *Memory) SetKV(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	v := memoryValue{data: cp}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.kv[key] = v
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetKV(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return nil, nil
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(m.kv, key)
		return nil, nil
	}
	return v.data, nil
}

func (m *Memory) DeleteKV(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.kv[key]
	delete(m.kv, key)
	return ok, nil
}

func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k, v := range m.kv {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			delete(m.kv, k)
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
