package build

import (
	"errors"
	"fmt"
)

// KilledExitCode is what a sandbox reports after receiving SIGKILL.
const KilledExitCode = 137

var ErrUnknownOutcome = errors.New("unknown build outcome")

type Outcome int

const (
	OutcomeSucceeded Outcome = iota + 1
	OutcomeFailed
	OutcomeInterrupted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) Status() Status {
	switch o {
	case OutcomeSucceeded:
		return StatusSucceeded
	case OutcomeInterrupted:
		return StatusInterrupted
	default:
		return StatusFailed
	}
}

// Classify maps a sandbox exit code to a build outcome. Negative codes
// never come from a real process and are reported as ErrUnknownOutcome.
func Classify(exitCode int) (Outcome, error) {
	switch {
	case exitCode == KilledExitCode:
		return OutcomeInterrupted, nil
	case exitCode > 0:
		return OutcomeFailed, nil
	case exitCode == 0:
		return OutcomeSucceeded, nil
	default:
		return 0, fmt.Errorf("%w: exit code %d", ErrUnknownOutcome, exitCode)
	}
}
