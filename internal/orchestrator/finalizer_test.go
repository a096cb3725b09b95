package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cusdeb/dominion/internal/build"
	"github.com/cusdeb/dominion/internal/notify"
)

type memoryRecorder struct {
	status   map[build.ID]build.Status
	finishes int
	err      error
}

func (m *memoryRecorder) Finish(_ context.Context, id build.ID, status build.Status, _ string, _ time.Time) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.status[id].IsTerminal() {
		return false, nil
	}
	m.status[id] = status
	m.finishes++
	return true, nil
}

type erroringNotifier struct{ calls int }

func (n *erroringNotifier) Notify(context.Context, notify.Notification) error {
	n.calls++
	return errors.New("smtp down")
}

func TestFinalizeTwiceNotifiesOnce(t *testing.T) {
	rec := &memoryRecorder{status: map[build.ID]build.Status{"b1": build.StatusBuilding}}
	n := &countingNotifier{}
	h := &fakeHandle{name: "pieman-b1"}
	f := &Finalizer{Store: rec, Notifier: n}

	res := Result{Record: build.Record{ID: "b1"}, Outcome: build.OutcomeSucceeded, Log: "ok", Handle: h}
	for i := 0; i < 2; i++ {
		if err := f.Finalize(context.Background(), res); err != nil {
			t.Fatalf("Finalize #%d returned error: %v", i+1, err)
		}
	}
	if rec.finishes != 1 {
		t.Fatalf("expected one store update, got %d", rec.finishes)
	}
	if len(n.sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(n.sent))
	}
	if n.sent[0].Distro != "Image" {
		t.Fatalf("unexpected distro: %q", n.sent[0].Distro)
	}
}

func TestFinalizeNotificationFailureIsNotAnError(t *testing.T) {
	rec := &memoryRecorder{status: map[build.ID]build.Status{}}
	n := &erroringNotifier{}
	f := &Finalizer{Store: rec, Notifier: n}
	if err := f.Finalize(context.Background(), Result{Record: build.Record{ID: "b1"}, Outcome: build.OutcomeFailed}); err != nil {
		t.Fatalf("Finalize returned error: %v", err)
	}
	if n.calls != 1 {
		t.Fatalf("expected a single notification attempt, got %d", n.calls)
	}
}

func TestFinalizeStoreErrorStillReleasesSandbox(t *testing.T) {
	storeErr := errors.New("disk full")
	rec := &memoryRecorder{err: storeErr}
	n := &countingNotifier{}
	h := &fakeHandle{name: "pieman-b1"}
	f := &Finalizer{Store: rec, Notifier: n}

	err := f.Finalize(context.Background(), Result{Record: build.Record{ID: "b1"}, Outcome: build.OutcomeSucceeded, Handle: h})
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if h.removes != 1 {
		t.Fatalf("expected sandbox removed once, got %d", h.removes)
	}
	if len(n.sent) != 0 {
		t.Fatalf("expected no notification, got %d", len(n.sent))
	}
}
