package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cusdeb/dominion/internal/build"
	"github.com/cusdeb/dominion/internal/notify"
	"github.com/cusdeb/dominion/internal/sandbox"
)

// Recorder persists the terminal state of a build. Finish reports false
// when the build was already terminal.
type Recorder interface {
	Finish(ctx context.Context, id build.ID, status build.Status, log string, now time.Time) (bool, error)
}

type Result struct {
	Record  build.Record
	Outcome build.Outcome
	Log     string
	Handle  sandbox.Handle
}

// Finalizer records the outcome, releases the sandbox and notifies the
// user. The record update is conditional, so finalizing the same build
// twice neither rewrites it nor sends a second notification.
type Finalizer struct {
	Store    Recorder
	Notifier notify.Notifier
	// DownloadURL may contain {id}, replaced with the build id.
	DownloadURL string
	Logger      *log.Logger
	Now         func() time.Time
}

func (f *Finalizer) Finalize(ctx context.Context, res Result) error {
	id := res.Record.ID
	status := res.Outcome.Status()
	if !status.IsTerminal() {
		status = build.StatusFailed
	}

	changed, storeErr := f.Store.Finish(ctx, id, status, res.Log, f.now())
	if storeErr != nil {
		storeErr = fmt.Errorf("record outcome of build %s: %w", id, storeErr)
	}

	if res.Handle != nil {
		if err := res.Handle.Remove(ctx); err != nil && f.Logger != nil {
			f.Logger.Warn("remove sandbox failed", "build_id", id, "sandbox", res.Handle.Name(), "error", err)
		}
	}

	if storeErr != nil {
		return storeErr
	}
	if !changed {
		if f.Logger != nil {
			f.Logger.Debug("build already finalized", "build_id", id)
		}
		return nil
	}
	if f.Logger != nil {
		f.Logger.Info("build finished", "build_id", id, "status", status)
	}

	if f.Notifier != nil {
		err := f.Notifier.Notify(ctx, notify.Notification{
			BuildID:     id,
			UserID:      res.Record.UserID,
			Status:      status,
			Distro:      res.Record.Config.Distro(),
			DownloadURL: strings.ReplaceAll(f.DownloadURL, "{id}", id),
			Log:         res.Log,
		})
		if err != nil && f.Logger != nil {
			f.Logger.Error("notification failed", "build_id", id, "error", err)
		}
	}
	return nil
}

func (f *Finalizer) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now().UTC()
}
