package build

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

type ID = string

type Status string

const (
	StatusPending     Status = "pending"
	StatusBuilding    Status = "building"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusInterrupted:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusBuilding || s.IsTerminal()
}

func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("invalid build status %q", raw)
	}
	return status, nil
}

// Record is the persisted state of one firmware build.
type Record struct {
	ID         ID
	UserID     string
	Status     Status
	Config     Config
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Log        string
}

func SandboxName(id ID) string {
	return "pieman-" + id
}

func ChannelName(id ID) string {
	return "build-log-" + id
}

func ValidateID(id ID) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("missing build id")
	}
	if strings.ContainsAny(id, " \t\r\n/") {
		return fmt.Errorf("invalid build id %q", id)
	}
	return nil
}

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func NewID() ID {
	return newID("build")
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}
