package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	KeyPrefix        = "dominion:queue:"
	defaultRedisPoll = time.Second
)

// Redis keeps one list per kind. Producers LPUSH and consumers BRPOP, so
// each message is handed to exactly one consumer.
type Redis struct {
	client redis.UniversalClient
	poll   time.Duration
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, poll: defaultRedisPoll}
}

func Key(kind Kind) string {
	return KeyPrefix + string(kind)
}

func (r *Redis) Enqueue(ctx context.Context, msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	if err := r.client.LPush(ctx, Key(msg.Kind), data).Err(); err != nil {
		return fmt.Errorf("enqueue %s task: %w", msg.Kind, err)
	}
	return nil
}

func (r *Redis) Dequeue(ctx context.Context, kind Kind) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		res, err := r.client.BRPop(ctx, r.poll, Key(kind)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return Message{}, ErrClosed
			}
			return Message{}, fmt.Errorf("dequeue %s task: %w", kind, err)
		}
		if len(res) != 2 {
			return Message{}, fmt.Errorf("dequeue %s task: unexpected reply %v", kind, res)
		}
		return decode(res[1])
	}
}

// Close is a no-op: the caller owns the client.
func (r *Redis) Close() error {
	return nil
}
