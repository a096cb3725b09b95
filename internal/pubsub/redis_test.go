package pubsub

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("DOMINION_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DOMINION_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis at %s: %v", addr, err)
	}
	return client
}

func TestRedisDeliversInPublishOrder(t *testing.T) {
	client := newTestRedis(t)
	broker := NewRedis(client, 0, nil)
	ctx := context.Background()
	channel := fmt.Sprintf("build-log-test-%s", t.Name())

	sub, err := broker.Subscribe(ctx, channel)
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer sub.Close()

	for i := 0; i < 10; i++ {
		if err := broker.Publish(ctx, channel, fmt.Sprintf("line %d\r\n", i)); err != nil {
			t.Fatalf("Publish returned error: %v", err)
		}
	}
	got := receive(t, sub, 10)
	for i, msg := range got {
		if want := fmt.Sprintf("line %d\r\n", i); msg != want {
			t.Fatalf("unexpected message %d: got %q want %q", i, msg, want)
		}
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Fatal("expected messages channel to be closed")
	}
}
