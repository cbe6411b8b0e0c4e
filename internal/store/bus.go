package store

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bus is the push channel between the durable stores and live observers.
// Production runs on redis pub/sub; tests and single-node development run
// on the in-process bus. Delivery is at-most-once: correctness comes from
// the reconciliation layer, not the transport.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription yields raw payloads until closed. The payload channel closing
// without Close being called means the subscription dropped; consumers
// resubscribe and replay.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

// --- redis implementation ---

type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning so callers can
	// rely on deltas published after Subscribe being delivered.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &redisSub{ps: ps, ch: make(chan []byte, 64)}
	go sub.pump()
	return sub, nil
}

type redisSub struct {
	ps *redis.PubSub
	ch chan []byte
}

func (s *redisSub) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		s.ch <- []byte(msg.Payload)
	}
}

func (s *redisSub) C() <-chan []byte { return s.ch }

func (s *redisSub) Close() error { return s.ps.Close() }

// --- in-process implementation ---

// MemoryBus fans out to all current subscribers of a channel in publish
// order. Used by tests and by single-node deployments without redis.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]*memorySub
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub)}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	targets := make([]*memorySub, len(b.subs[channel]))
	copy(targets, b.subs[channel])
	b.mu.RUnlock()

	for _, s := range targets {
		s.deliver(payload)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memorySub{
		bus:     b,
		channel: channel,
		ch:      make(chan []byte, 256),
	}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()
	return sub, nil
}

type memorySub struct {
	bus     *MemoryBus
	channel string
	ch      chan []byte
	once    sync.Once
	mu      sync.Mutex
	closed  bool
}

func (s *memorySub) deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- payload:
	default:
		// Observer is not draining; drop rather than block the writer.
	}
}

func (s *memorySub) C() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		list := b.subs[s.channel]
		for i, cand := range list {
			if cand == s {
				b.subs[s.channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		b.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}
