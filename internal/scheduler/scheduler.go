// Package scheduler admits pending builds into the build slots.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cusdeb/dominion/internal/build"
	"github.com/cusdeb/dominion/internal/sandbox"
	"github.com/cusdeb/dominion/internal/store"
	"github.com/cusdeb/dominion/internal/tasks"
)

const (
	DefaultPeriod = 5 * time.Second
	DefaultSlots  = 1

	// recoverGrace covers a build that was just claimed and whose sandbox
	// its builder has not created yet.
	recoverGrace = time.Minute
)

// ErrLocked means another scheduler instance holds the spawn lock.
var ErrLocked = errors.New("spawn lock held elsewhere")

type Store interface {
	ClaimNext(ctx context.Context, slots int, now time.Time) (build.Record, bool, error)
	List(ctx context.Context, opts store.ListOptions) ([]build.Record, error)
}

// Locker serialises Spawn across scheduler instances.
type Locker interface {
	Lock(ctx context.Context) (unlock func(context.Context) error, err error)
}

type Scheduler struct {
	Store  Store
	Queue  tasks.Queue
	Period time.Duration
	Slots  int
	Locker Locker
	Logger *log.Logger
	Now    func() time.Time

	// Sandboxes, when set, lets Recover leave alone builds that another
	// builder may still own: started less than Budget ago and either very
	// recent or with their sandbox still present.
	Sandboxes sandbox.Engine
	Budget    time.Duration
}

// Run enqueues a spawn task every Period until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	period := s.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Queue.Enqueue(ctx, tasks.Message{Kind: tasks.KindSpawn}); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, tasks.ErrClosed) {
					return err
				}
				if s.Logger != nil {
					s.Logger.Warn("enqueue spawn failed", "error", err)
				}
			}
		}
	}
}

// Spawn claims at most one pending build and dispatches it. It reports
// whether a build was dispatched.
func (s *Scheduler) Spawn(ctx context.Context) (bool, error) {
	if s.Locker != nil {
		unlock, err := s.Locker.Lock(ctx)
		if errors.Is(err, ErrLocked) {
			if s.Logger != nil {
				s.Logger.Debug("spawn skipped, lock held elsewhere")
			}
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("obtain spawn lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil && s.Logger != nil {
				s.Logger.Warn("release spawn lock failed", "error", err)
			}
		}()
	}

	slots := s.Slots
	if slots < 1 {
		slots = DefaultSlots
	}
	record, ok, err := s.Store.ClaimNext(ctx, slots, s.now())
	if err != nil {
		return false, fmt.Errorf("claim pending build: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := s.Queue.Enqueue(ctx, tasks.Message{Kind: tasks.KindBuild, BuildID: record.ID}); err != nil {
		return false, fmt.Errorf("dispatch build %s: %w", record.ID, err)
	}
	if s.Logger != nil {
		s.Logger.Info("build admitted", "build_id", record.ID, "user_id", record.UserID)
	}
	return true, nil
}

// Recover re-dispatches builds left in the building state, for example by
// a restart. The builder removes any stale sandbox before starting again.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	records, err := s.Store.List(ctx, store.ListOptions{Status: build.StatusBuilding, Limit: 1000})
	if err != nil {
		return 0, fmt.Errorf("list building builds: %w", err)
	}
	n := 0
	for _, record := range records {
		if s.mayBeOwned(ctx, record) {
			if s.Logger != nil {
				s.Logger.Info("build left to its builder", "build_id", record.ID)
			}
			continue
		}
		if err := s.Queue.Enqueue(ctx, tasks.Message{Kind: tasks.KindBuild, BuildID: record.ID}); err != nil {
			return n, fmt.Errorf("dispatch build %s: %w", record.ID, err)
		}
		n++
	}
	if n > 0 && s.Logger != nil {
		s.Logger.Info("re-dispatched interrupted builds", "count", n)
	}
	return n, nil
}

func (s *Scheduler) mayBeOwned(ctx context.Context, record build.Record) bool {
	if s.Sandboxes == nil || record.StartedAt == nil {
		return false
	}
	age := s.now().Sub(*record.StartedAt)
	if s.Budget > 0 && age >= s.Budget {
		return false
	}
	if age < recoverGrace {
		return true
	}
	_, err := s.Sandboxes.Handle(build.SandboxName(record.ID)).Status(ctx)
	switch {
	case err == nil:
		return true
	case errors.Is(err, sandbox.ErrDoesNotExist):
		return false
	default:
		if s.Logger != nil {
			s.Logger.Warn("sandbox status check failed", "build_id", record.ID, "error", err)
		}
		return true
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
