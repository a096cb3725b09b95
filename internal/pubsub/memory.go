package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory is an in-process broker. Each subscriber has its own queue, so a
// slow reader never blocks the publisher; a subscriber whose backlog is
// full when a message arrives is dropped.
type Memory struct {
	backlog int

	mu       sync.Mutex
	channels map[string]map[int]*memorySubscription
	nextID   int
	closed   bool
}

func NewMemory(backlog int) *Memory {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Memory{
		backlog:  backlog,
		channels: map[string]map[int]*memorySubscription{},
	}
}

func (m *Memory) Publish(_ context.Context, channel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for id, sub := range m.channels[channel] {
		if !sub.box.push(message) {
			sub.dropped.Store(true)
			m.removeLocked(channel, id).box.finish()
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		broker:  m,
		channel: channel,
		id:      m.nextID,
		box:     newMailbox(m.backlog),
	}
	m.nextID++
	subs, ok := m.channels[channel]
	if !ok {
		subs = map[int]*memorySubscription{}
		m.channels[channel] = subs
	}
	subs[sub.id] = sub
	return sub, nil
}

// Subscribers reports the number of live subscriptions on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels[channel])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for channel, subs := range m.channels {
		for id := range subs {
			m.removeLocked(channel, id).box.finish()
		}
	}
	return nil
}

// removeLocked detaches a subscriber and returns it, or nil if it was
// already gone.
func (m *Memory) removeLocked(channel string, id int) *memorySubscription {
	subs, ok := m.channels[channel]
	if !ok {
		return nil
	}
	sub, ok := subs[id]
	if !ok {
		return nil
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(m.channels, channel)
	}
	return sub
}

type memorySubscription struct {
	broker  *Memory
	channel string
	id      int
	box     *mailbox
	dropped atomic.Bool
}

func (s *memorySubscription) Messages() <-chan string {
	return s.box.out
}

func (s *memorySubscription) Dropped() bool {
	return s.dropped.Load()
}

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	s.broker.removeLocked(s.channel, s.id)
	s.broker.mu.Unlock()
	s.box.abort()
	return nil
}
