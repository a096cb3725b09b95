// Package orchestrator runs one firmware build from sandbox creation to
// finalization.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cusdeb/dominion/internal/build"
	"github.com/cusdeb/dominion/internal/pubsub"
	"github.com/cusdeb/dominion/internal/retry"
	"github.com/cusdeb/dominion/internal/sandbox"
)

const (
	InterruptedNotice = "\x1b[34mInterrupted\x1b[m: building exceeded its time limit.\r\n"

	maxRelayedTail           = 1 << 20
	maxConsecutiveReadErrors = 16
)

type Phase string

const (
	PhaseStarting    Phase = "starting"
	PhaseStreaming   Phase = "streaming"
	PhaseTerminating Phase = "terminating"
)

// DefaultCreatePolicy retries sandbox creation only after a name conflict.
var DefaultCreatePolicy = retry.Policy{Attempts: 3, Interval: time.Second}

type Orchestrator struct {
	Engine    sandbox.Engine
	Broker    pubsub.Broker
	Finalizer *Finalizer
	// Watch starts the watchdog for a build. It must not block.
	Watch func(id build.ID)

	Image        string
	ResultDir    string
	CreatePolicy retry.Policy
	Logger       *log.Logger
}

func (o *Orchestrator) Run(ctx context.Context, record build.Record) (build.Outcome, error) {
	if err := build.ValidateID(record.ID); err != nil {
		return 0, err
	}
	id := record.ID
	h := o.Engine.Handle(build.SandboxName(id))
	o.phase(id, PhaseStarting)

	if err := o.start(ctx, h, record); err != nil {
		if o.Logger != nil {
			o.Logger.Error("sandbox start failed", "build_id", id, "sandbox", h.Name(), "error", err)
		}
		if ferr := o.finalize(ctx, record, build.OutcomeFailed, err.Error()+"\r\n", h); ferr != nil {
			return build.OutcomeFailed, errors.Join(err, ferr)
		}
		return build.OutcomeFailed, err
	}

	if o.Watch != nil {
		o.Watch(id)
	}

	o.phase(id, PhaseStreaming)
	tail := o.relay(ctx, h, build.ChannelName(id))

	o.phase(id, PhaseTerminating)
	waitErr := h.Wait(ctx)
	if ctx.Err() != nil {
		return 0, fmt.Errorf("wait for sandbox %s: %w", h.Name(), ctx.Err())
	}
	outcome, unknown := sandbox.OutcomeOf(waitErr)
	if unknown != nil {
		unknown = fmt.Errorf("wait for sandbox %s: %w", h.Name(), unknown)
		if o.Logger != nil {
			o.Logger.Error("build ended with an unknown outcome", "build_id", id, "error", unknown)
		}
		outcome = build.OutcomeFailed
	}

	if outcome == build.OutcomeInterrupted {
		if err := o.Broker.Publish(ctx, build.ChannelName(id), InterruptedNotice); err != nil && o.Logger != nil {
			o.Logger.Warn("publish interruption notice failed", "build_id", id, "error", err)
		}
		tail.append(InterruptedNotice)
	}

	full, err := h.Logs(ctx)
	if err != nil || full == "" {
		if err != nil && o.Logger != nil {
			o.Logger.Warn("capture sandbox log failed, using relayed output", "build_id", id, "error", err)
		}
		full = tail.String()
	} else if outcome == build.OutcomeInterrupted {
		full += InterruptedNotice
	}

	if err := o.finalize(ctx, record, outcome, full, h); err != nil {
		return outcome, errors.Join(unknown, err)
	}
	return outcome, unknown
}

func (o *Orchestrator) start(ctx context.Context, h sandbox.Handle, record build.Record) error {
	if err := h.Remove(ctx); err != nil && o.Logger != nil {
		o.Logger.Warn("remove stale sandbox failed", "build_id", record.ID, "sandbox", h.Name(), "error", err)
	}

	req := sandbox.RunRequest{
		Image:     o.Image,
		Env:       record.Config.Environment(record.ID),
		ResultDir: o.ResultDir,
	}
	policy := o.CreatePolicy
	if policy.Attempts == 0 {
		policy = DefaultCreatePolicy
	}
	err := policy.Do(ctx, func(attempt int) error {
		err := h.Run(ctx, req)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sandbox.ErrNameConflict) {
			return retry.Permanent(err)
		}
		if o.Logger != nil {
			o.Logger.Warn("sandbox name in use, removing and retrying", "build_id", record.ID, "sandbox", h.Name(), "attempt", attempt)
		}
		if rerr := h.Remove(ctx); rerr != nil {
			return retry.Permanent(errors.Join(err, rerr))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("start sandbox %s: %w", h.Name(), err)
	}
	return nil
}

// relay publishes the sandbox output until the stream ends.
func (o *Orchestrator) relay(ctx context.Context, h sandbox.Handle, channel string) *tailBuffer {
	tail := &tailBuffer{limit: maxRelayedTail}
	stream, err := h.Stream(ctx)
	if err != nil {
		if o.Logger != nil {
			o.Logger.Warn("open sandbox log stream failed", "sandbox", h.Name(), "error", err)
		}
		return tail
	}
	defer stream.Close()

	readErrors := 0
	for {
		chunk, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return tail
			}
			readErrors++
			if o.Logger != nil {
				o.Logger.Debug("skipping unreadable log chunk", "sandbox", h.Name(), "error", err)
			}
			if readErrors >= maxConsecutiveReadErrors {
				if o.Logger != nil {
					o.Logger.Warn("giving up on sandbox log stream", "sandbox", h.Name(), "error", err)
				}
				return tail
			}
			continue
		}
		readErrors = 0
		tail.append(chunk)
		if err := o.Broker.Publish(ctx, channel, chunk); err != nil && o.Logger != nil {
			o.Logger.Warn("publish log chunk failed", "channel", channel, "error", err)
		}
	}
}

func (o *Orchestrator) finalize(ctx context.Context, record build.Record, outcome build.Outcome, logText string, h sandbox.Handle) error {
	if o.Finalizer == nil {
		return nil
	}
	return o.Finalizer.Finalize(ctx, Result{Record: record, Outcome: outcome, Log: logText, Handle: h})
}

func (o *Orchestrator) phase(id build.ID, p Phase) {
	if o.Logger != nil {
		o.Logger.Debug("build phase", "build_id", id, "phase", p)
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	b     strings.Builder
}

func (t *tailBuffer) append(s string) {
	t.b.WriteString(s)
	if t.b.Len() <= t.limit {
		return
	}
	rest := t.b.String()[t.b.Len()-t.limit:]
	t.b.Reset()
	t.b.WriteString(rest)
}

func (t *tailBuffer) String() string {
	return t.b.String()
}
