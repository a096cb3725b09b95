// Package pubsub carries live build output from the orchestrator to
// gateway sessions. Channels are ephemeral: a subscriber sees only what is
// published after Subscribe returns.
package pubsub

import (
	"context"
	"errors"
)

// DefaultBacklog is how many unread messages a subscriber may accumulate
// before it is dropped.
const DefaultBacklog = 100000

var ErrClosed = errors.New("pubsub broker closed")

type Broker interface {
	Publish(ctx context.Context, channel, message string) error
	// Subscribe returns once the subscription is active.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

type Subscription interface {
	// Messages is closed when the subscription ends for any reason.
	Messages() <-chan string
	// Dropped reports whether the broker ended the subscription because
	// the reader fell more than the backlog behind.
	Dropped() bool
	Close() error
}
