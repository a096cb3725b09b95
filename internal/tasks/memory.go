package tasks

import (
	"context"
	"sync"
)

const defaultMemoryBuffer = 128

// Memory is an in-process queue with one buffered channel per kind.
type Memory struct {
	buffer int

	mu     sync.Mutex
	queues map[Kind]chan Message
	done   chan struct{}
	once   sync.Once
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &Memory{
		buffer: buffer,
		queues: map[Kind]chan Message{},
		done:   make(chan struct{}),
	}
}

func (m *Memory) queue(kind Kind) chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[kind]
	if !ok {
		q = make(chan Message, m.buffer)
		m.queues[kind] = q
	}
	return q
}

func (m *Memory) Enqueue(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.queue(msg.Kind) <- msg:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Dequeue(ctx context.Context, kind Kind) (Message, error) {
	select {
	case msg := <-m.queue(kind):
		return msg, nil
	case <-m.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Len reports how many messages of kind are waiting.
func (m *Memory) Len(kind Kind) int {
	return len(m.queue(kind))
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
