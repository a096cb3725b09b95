package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cusdeb/dominion/internal/retry"
	"github.com/cusdeb/dominion/internal/sandbox"
)

type Result int

const (
	ResultExited Result = iota + 1
	ResultVanished
	ResultKilled
)

func (r Result) String() string {
	switch r {
	case ResultExited:
		return "exited"
	case ResultVanished:
		return "vanished"
	case ResultKilled:
		return "killed"
	default:
		return "unknown"
	}
}

var errStillRunning = errors.New("sandbox still running")

// Watchdog enforces a wall-clock budget on one sandbox. It only ever
// observes the sandbox and, once the budget is spent, kills it.
type Watchdog struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *log.Logger
}

// Attempts is the number of status polls that fit in the budget.
func (w Watchdog) Attempts() int {
	if w.Interval <= 0 {
		return 1
	}
	n := int(w.Timeout / w.Interval)
	if n < 1 {
		return 1
	}
	return n
}

func (w Watchdog) Watch(ctx context.Context, h sandbox.Handle) (Result, error) {
	result := ResultExited
	policy := retry.Policy{
		Attempts:   w.Attempts(),
		Interval:   w.Interval,
		DelayFirst: true,
	}

	err := policy.Do(ctx, func(attempt int) error {
		status, err := h.Status(ctx)
		switch {
		case errors.Is(err, sandbox.ErrDoesNotExist):
			result = ResultVanished
			return nil
		case err != nil:
			if w.Logger != nil {
				w.Logger.Warn("sandbox status check failed", "sandbox", h.Name(), "attempt", attempt, "error", err)
			}
			return err
		case status == sandbox.StatusExited:
			return nil
		default:
			if w.Logger != nil {
				w.Logger.Debug("sandbox still running", "sandbox", h.Name(), "attempt", attempt, "status", status)
			}
			return errStillRunning
		}
	})
	if err == nil {
		if w.Logger != nil {
			w.Logger.Debug("watchdog finished", "sandbox", h.Name(), "result", result)
		}
		return result, nil
	}
	if !errors.Is(err, retry.ErrExhausted) {
		return 0, err
	}

	if w.Logger != nil {
		w.Logger.Warn("build exceeded its time limit, killing sandbox", "sandbox", h.Name(), "timeout", w.Timeout)
	}
	if err := h.Kill(ctx); err != nil {
		return ResultKilled, fmt.Errorf("kill %s after timeout: %w", h.Name(), err)
	}
	return ResultKilled, nil
}
