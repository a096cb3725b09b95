package pubsub

import "sync"

// mailbox queues messages for one subscriber so a slow reader never blocks
// the publisher. A goroutine moves queued messages onto out in order.
// Queued counts messages accepted but not yet read; once it reaches limit
// further pushes are refused.
type mailbox struct {
	limit int
	out   chan string

	mu       sync.Mutex
	pending  []string
	queued   int
	finished bool

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

func newMailbox(limit int) *mailbox {
	b := &mailbox{
		limit: limit,
		out:   make(chan string),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	go b.run()
	return b
}

// push queues msg. It reports false when the backlog is full or the
// mailbox no longer accepts messages.
func (b *mailbox) push(msg string) bool {
	b.mu.Lock()
	if b.finished || b.queued >= b.limit {
		b.mu.Unlock()
		return false
	}
	b.pending = append(b.pending, msg)
	b.queued++
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

// finish stops accepting messages. Already queued messages are still
// delivered before out is closed.
func (b *mailbox) finish() {
	b.mu.Lock()
	b.finished = true
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// abort closes out without delivering what is still queued.
func (b *mailbox) abort() {
	b.finish()
	b.once.Do(func() { close(b.stop) })
}

func (b *mailbox) run() {
	defer close(b.out)
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			finished := b.finished
			b.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-b.wake:
			case <-b.stop:
				return
			}
			continue
		}
		msg := b.pending[0]
		b.pending[0] = ""
		b.pending = b.pending[1:]
		b.mu.Unlock()

		select {
		case b.out <- msg:
			b.mu.Lock()
			b.queued--
			b.mu.Unlock()
		case <-b.stop:
			return
		}
	}
}
