package service

import (
	"context"
	"sync"
	"time"

	"github.com/crankshaft-ci/crankshaft/internal/port/messagequeue"
)

// mockHub records broadcast events for assertions.
type mockHub struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type    string
	Payload any
}

func (h *mockHub) BroadcastEvent(_ context.Context, eventType string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedEvent{Type: eventType, Payload: payload})
}

func (h *mockHub) typesSeen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

func (h *mockHub) sawType(t string) bool {
	for _, got := range h.typesSeen() {
		if got == t {
			return true
		}
	}
	return false
}

// mockMQ captures published messages and hands subscriptions back to tests.
type mockMQ struct {
	mu        sync.Mutex
	published []publishedMsg
	handlers  map[string]messagequeue.Handler
}

type publishedMsg struct {
	Subject string
	Data    []byte
}

func newMockMQ() *mockMQ {
	return &mockMQ{handlers: make(map[string]messagequeue.Handler)}
}

func (m *mockMQ) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedMsg{Subject: subject, Data: data})
	return nil
}

func (m *mockMQ) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[subject] = handler
	return func() {}, nil
}

func (m *mockMQ) Close() error { return nil }

func (m *mockMQ) publishedTo(subject string) []publishedMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishedMsg
	for _, p := range m.published {
		if p.Subject == subject {
			out = append(out, p)
		}
	}
	return out
}

// mapCache is a trivial cache.Cache for service tests.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte)}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}
