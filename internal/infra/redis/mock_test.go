//go:build !integration

package redis

import (
	"context"
	"errors"
	"sync"
	"time"
)

// memClient is an in-process stand-in for redis used by unit tests.
type memClient struct {
	mu         sync.Mutex
	kv         map[string]string
	counters   map[string]int64
	ttl        map[string]time.Duration
	subs       map[string][]chan Message
	publishErr error
}

func newMemClient() *memClient {
	return &memClient{
		kv:       map[string]string{},
		counters: map[string]int64{},
		ttl:      map[string]time.Duration{},
		subs:     map[string][]chan Message{},
	}
}

func (m *memClient) Ping(context.Context) error { return nil }

func (m *memClient) Set(_ context.Context, key string, value interface{}, exp time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		m.kv[key] = string(v)
	case string:
		m.kv[key] = v
	default:
		return errors.New("unsupported value")
	}
	m.ttl[key] = exp
	return nil
}

func (m *memClient) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return "", Nil
	}
	return v, nil
}

func (m *memClient) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *memClient) Expire(_ context.Context, key string, exp time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttl[key] = exp
	return nil
}

func (m *memClient) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.kv, k)
	}
	return nil
}

func (m *memClient) Publish(_ context.Context, channel string, payload []byte) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[channel] {
		ch <- Message{Channel: channel, Payload: string(payload)}
	}
	return nil
}

func (m *memClient) Subscribe(_ context.Context, channel string) (PubSub, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Message, 16)
	m.subs[channel] = append(m.subs[channel], ch)
	return &memPubSub{ch: ch}, nil
}

func (m *memClient) Close() error { return nil }

type memPubSub struct {
	ch chan Message
}

func (p *memPubSub) Messages() <-chan Message { return p.ch }
func (p *memPubSub) Close() error             { return nil }
