package pubsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// Redis publishes over Redis PUBLISH/SUBSCRIBE so that builders and
// gateways can run in separate processes. The client is owned by the
// caller.
type Redis struct {
	client  redis.UniversalClient
	backlog int
	logger  *log.Logger
}

// redisChannelSize is the go-redis receive buffer in front of each
// subscriber's backlog.
const redisChannelSize = 1024

func NewRedis(client redis.UniversalClient, backlog int, logger *log.Logger) *Redis {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Redis{client: client, backlog: backlog, logger: logger}
}

func (r *Redis) Publish(ctx context.Context, channel, message string) error {
	if err := r.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	// Wait for the subscribe confirmation so nothing published after we
	// return can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		box:  newMailbox(r.backlog),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go sub.forward(ps.Channel(redis.WithChannelSize(redisChannelSize)), r.logger, channel)
	return sub, nil
}

func (r *Redis) Close() error {
	return nil
}

type redisSubscription struct {
	ps      *redis.PubSub
	box     *mailbox
	dropped atomic.Bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *redisSubscription) forward(in <-chan *redis.Message, logger *log.Logger, channel string) {
	defer close(s.done)
	defer s.box.finish()
	for {
		select {
		case <-s.stop:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if !s.box.push(msg.Payload) {
				s.dropped.Store(true)
				if logger != nil {
					logger.Warn("dropping slow subscriber", "channel", channel)
				}
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan string {
	return s.box.out
}

func (s *redisSubscription) Dropped() bool {
	return s.dropped.Load()
}

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.closeErr = s.ps.Close()
		<-s.done
		s.box.abort()
	})
	return s.closeErr
}
