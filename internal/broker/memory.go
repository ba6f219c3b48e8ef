package broker

import (
	"context"
	"sync"
	"time"
)

// pollInterval is how often a blocked Pop rechecks its addresses.
const pollInterval = 5 * time.Millisecond

// Memory is an in-process Broker. Tests instantiate one per test case;
// single-binary deployments can run every role over it without a
// network broker.
type Memory struct {
	mu     sync.Mutex
	queues map[string][][]byte
	subs   map[string][]chan []byte
	closed bool
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string][][]byte),
		subs:   make(map[string][]chan []byte),
	}
}

func (m *Memory) Publish(_ context.Context, address string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.queues[address] = append(m.queues[address], cp)
	return nil
}

func (m *Memory) Pop(ctx context.Context, addresses []string, wait time.Duration) (string, []byte, error) {
	deadline := time.Now().Add(wait)
	for {
		if addr, payload, ok := m.tryPop(addresses); ok {
			return addr, payload, nil
		}
		if time.Now().After(deadline) {
			return "", nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// tryPop scans addresses in priority order and takes the head of the
// first non-empty queue.
func (m *Memory) tryPop(addresses []string) (string, []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range addresses {
		q := m.queues[addr]
		if len(q) == 0 {
			continue
		}
		payload := q[0]
		m.queues[addr] = q[1:]
		return addr, payload, true
	}
	return "", nil, false
}

func (m *Memory) Broadcast(_ context.Context, channel string, payload []byte) error {
	// Sends stay under the lock so an unsubscribe cannot close a channel
	// mid-delivery. They are non-blocking, so the lock is held briefly.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	for _, ch := range m.subs[channel] {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		select {
		case ch <- cp:
		default: // slow subscriber, drop
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, errClosed
	}
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()

	stop := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[channel]
		for i, c := range subs {
			if c == ch {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, stop, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len reports the queue depth of one address. Test helper.
func (m *Memory) Len(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[address])
}
