package sandbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"

	"github.com/cusdeb/dominion/internal/build"
)

var (
	ErrUnavailable  = errors.New("sandbox unavailable")
	ErrDoesNotExist = errors.New("sandbox does not exist")
	ErrNameConflict = errors.New("sandbox name already in use")
	ErrFailed       = errors.New("build failed")
	ErrInterrupted  = errors.New("build interrupted")
)

type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

const (
	CapabilityLogsReplay   = "logs.replay"
	CapabilityImagePull    = "image.pull"
	CapabilityProcessGroup = "process.group"
)

var knownCapabilityKeys = []string{
	CapabilityLogsReplay,
	CapabilityImagePull,
	CapabilityProcessGroup,
}

// Engine creates handles for named sandboxes. Handles are cheap; the
// sandbox itself only exists once Run succeeds.
type Engine interface {
	Name() string
	Handle(name string) Handle
}

type Handle interface {
	Name() string
	Run(ctx context.Context, req RunRequest) error
	// Stream follows the sandbox output until the process closes it.
	Stream(ctx context.Context) (LogStream, error)
	// Logs returns everything captured so far without blocking.
	Logs(ctx context.Context) (string, error)
	Status(ctx context.Context) (Status, error)
	Kill(ctx context.Context) error
	Wait(ctx context.Context) error
	Remove(ctx context.Context) error
}

type LogStream interface {
	Next() (string, error)
	Close() error
}

type RunRequest struct {
	Image     string
	Env       []string
	ResultDir string
}

// CapabilityReporter lets engines publish capability flags.
type CapabilityReporter interface {
	Capabilities() map[string]bool
}

func CapabilitiesFor(engine Engine) map[string]bool {
	caps := make(map[string]bool, len(knownCapabilityKeys))
	for _, key := range knownCapabilityKeys {
		caps[key] = false
	}
	if engine == nil {
		return caps
	}
	if reporter, ok := engine.(CapabilityReporter); ok {
		maps.Copy(caps, reporter.Capabilities())
	}
	return caps
}

func SortedCapabilityKeys(caps map[string]bool) []string {
	keys := make([]string, 0, len(caps))
	for key := range caps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ExitError reports a non-zero sandbox exit. It unwraps to ErrFailed or
// ErrInterrupted depending on the classified outcome.
type ExitError struct {
	Name    string
	Code    int
	Outcome build.Outcome
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("sandbox %s exited with code %d (%s)", e.Name, e.Code, e.Outcome)
}

func (e *ExitError) Unwrap() error {
	if e.Outcome == build.OutcomeInterrupted {
		return ErrInterrupted
	}
	return ErrFailed
}

// ExitResult converts an exit code into the error Wait returns.
func ExitResult(name string, code int) error {
	outcome, err := build.Classify(code)
	if err != nil {
		return fmt.Errorf("sandbox %s: %w", name, err)
	}
	if outcome == build.OutcomeSucceeded {
		return nil
	}
	return &ExitError{Name: name, Code: code, Outcome: outcome}
}

// OutcomeOf maps the result of Wait to a build outcome.
func OutcomeOf(waitErr error) (build.Outcome, error) {
	switch {
	case waitErr == nil:
		return build.OutcomeSucceeded, nil
	case errors.Is(waitErr, ErrInterrupted):
		return build.OutcomeInterrupted, nil
	case errors.Is(waitErr, ErrFailed):
		return build.OutcomeFailed, nil
	default:
		return 0, waitErr
	}
}
