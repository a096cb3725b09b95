// Package tasks moves build, watch and spawn work between the scheduler
// and the builder workers. Delivery is at least once; handlers must be
// idempotent.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cusdeb/dominion/internal/build"
)

type Kind string

const (
	KindBuild Kind = "build"
	KindWatch Kind = "watch"
	KindSpawn Kind = "spawn"
)

func (k Kind) Valid() bool {
	return k == KindBuild || k == KindWatch || k == KindSpawn
}

var ErrClosed = errors.New("task queue closed")

type Message struct {
	Kind    Kind     `json:"kind"`
	BuildID build.ID `json:"build_id,omitempty"`
}

func (m Message) validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("invalid task kind %q", m.Kind)
	}
	if m.Kind != KindSpawn {
		if err := build.ValidateID(m.BuildID); err != nil {
			return fmt.Errorf("%s task: %w", m.Kind, err)
		}
	}
	return nil
}

func encode(m Message) (string, error) {
	if err := m.validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode %s task: %w", m.Kind, err)
	}
	return string(data), nil
}

func decode(raw string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Message{}, fmt.Errorf("decode task: %w", err)
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Dequeue blocks until a message of the given kind is available.
	Dequeue(ctx context.Context, kind Kind) (Message, error)
	Close() error
}
