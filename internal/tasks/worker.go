package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cusdeb/dominion/internal/build"
)

type Handler func(ctx context.Context, msg Message) error

// Worker consumes one kind of task. A message whose build id is already
// being handled by this worker is dropped.
type Worker struct {
	Queue       Queue
	Kind        Kind
	Handler     Handler
	Concurrency int
	Logger      *log.Logger

	mu       sync.Mutex
	inFlight map[build.ID]struct{}
}

const dequeueErrorBackoff = 200 * time.Millisecond

// Run blocks until ctx is cancelled or the queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	n := w.Concurrency
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.loop(ctx); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		msg, err := w.Queue.Dequeue(ctx, w.Kind)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrClosed):
			return err
		default:
			if w.Logger != nil {
				w.Logger.Warn("dequeue failed", "kind", w.Kind, "error", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueErrorBackoff):
			}
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg Message) {
	if msg.BuildID != "" {
		if !w.acquire(msg.BuildID) {
			if w.Logger != nil {
				w.Logger.Debug("task already in flight, skipping", "kind", msg.Kind, "build_id", msg.BuildID)
			}
			return
		}
		defer w.release(msg.BuildID)
	}
	if err := w.Handler(ctx, msg); err != nil && w.Logger != nil {
		w.Logger.Error("task failed", "kind", msg.Kind, "build_id", msg.BuildID, "error", err)
	}
}

func (w *Worker) acquire(id build.ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight == nil {
		w.inFlight = map[build.ID]struct{}{}
	}
	if _, ok := w.inFlight[id]; ok {
		return false
	}
	w.inFlight[id] = struct{}{}
	return true
}

func (w *Worker) release(id build.ID) {
	w.mu.Lock()
	delete(w.inFlight, id)
	w.mu.Unlock()
}
