package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cusdeb/dominion/internal/build"
	"github.com/hashicorp/go-retryablehttp"
)

func TestRenderPerStatus(t *testing.T) {
	tests := []struct {
		status      build.Status
		subject     string
		bodyContent string
		withLog     bool
	}{
		{status: build.StatusSucceeded, subject: "Raspbian has built!", bodyContent: "https://example.com/download/b1"},
		{status: build.StatusFailed, subject: "Raspbian build has failed!", bodyContent: "log is attached", withLog: true},
		{status: build.StatusInterrupted, subject: "Raspbian build was interrupted", bodyContent: "time limit"},
	}
	for _, tc := range tests {
		t.Run(string(tc.status), func(t *testing.T) {
			msg, err := Render(Notification{
				BuildID:     "b1",
				Status:      tc.status,
				Distro:      "Raspbian",
				DownloadURL: "https://example.com/download/b1",
				Log:         "Step 1\r\n",
			})
			if err != nil {
				t.Fatalf("Render returned error: %v", err)
			}
			if msg.Subject != tc.subject {
				t.Fatalf("unexpected subject: got %q want %q", msg.Subject, tc.subject)
			}
			if !strings.Contains(msg.Body, tc.bodyContent) {
				t.Fatalf("expected body to contain %q, got %q", tc.bodyContent, msg.Body)
			}
			if got := msg.Log != ""; got != tc.withLog {
				t.Fatalf("unexpected log attachment: got %v want %v", got, tc.withLog)
			}
		})
	}
}

func TestRenderDefaultsDistroAndRejectsUnknownStatus(t *testing.T) {
	msg, err := Render(Notification{BuildID: "b1", Status: build.StatusSucceeded})
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if msg.Subject != "Image has built!" {
		t.Fatalf("unexpected subject: %q", msg.Subject)
	}
	if strings.Contains(msg.Body, "link") {
		t.Fatalf("expected no download link without url, got %q", msg.Body)
	}

	for _, status := range []build.Status{build.StatusPending, build.StatusBuilding, "bogus"} {
		if _, err := Render(Notification{BuildID: "b1", Status: status}); !errors.Is(err, ErrUnknownStatus) {
			t.Fatalf("expected ErrUnknownStatus for %q, got %v", status, err)
		}
	}
}

type recordingServer struct {
	mu       sync.Mutex
	payloads []webhookPayload
	status   int
}

func (r *recordingServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var payload webhookPayload
	_ = json.NewDecoder(req.Body).Decode(&payload)
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	status := r.status
	r.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func (r *recordingServer) received() []webhookPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]webhookPayload(nil), r.payloads...)
}

func fastClient(retries int) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = time.Millisecond
	client.RetryWaitMax = time.Millisecond
	client.Logger = nil
	return client
}

func TestWebhookNotifierPostsUserAndOpsMessagesOnFailure(t *testing.T) {
	users := &recordingServer{}
	ops := &recordingServer{}
	userSrv := httptest.NewServer(users)
	defer userSrv.Close()
	opsSrv := httptest.NewServer(ops)
	defer opsSrv.Close()

	w := NewWebhook(userSrv.URL, opsSrv.URL, nil)
	w.Client = fastClient(0)

	err := w.Notify(context.Background(), Notification{BuildID: "b1", UserID: "u1", Status: build.StatusFailed, Log: "boom\r\n"})
	if err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}

	got := users.received()
	if len(got) != 1 || !strings.HasPrefix(got[0].Text, "Image build has failed!") || got[0].Log != "boom\r\n" {
		t.Fatalf("unexpected user payloads: %+v", got)
	}
	gotOps := ops.received()
	if len(gotOps) != 1 || !strings.Contains(gotOps[0].Text, "user_id: u1") {
		t.Fatalf("unexpected ops payloads: %+v", gotOps)
	}
}

func TestWebhookNotifierSkipsOpsOnSuccess(t *testing.T) {
	users := &recordingServer{}
	ops := &recordingServer{}
	userSrv := httptest.NewServer(users)
	defer userSrv.Close()
	opsSrv := httptest.NewServer(ops)
	defer opsSrv.Close()

	w := NewWebhook(userSrv.URL, opsSrv.URL, nil)
	w.Client = fastClient(0)
	if err := w.Notify(context.Background(), Notification{BuildID: "b1", Status: build.StatusSucceeded}); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	if len(users.received()) != 1 {
		t.Fatalf("expected one user payload, got %d", len(users.received()))
	}
	if len(ops.received()) != 0 {
		t.Fatalf("expected no ops payload, got %d", len(ops.received()))
	}
}

func TestWebhookNotifierRetriesServerErrors(t *testing.T) {
	users := &recordingServer{status: http.StatusBadGateway}
	srv := httptest.NewServer(users)
	defer srv.Close()

	w := NewWebhook(srv.URL, "", nil)
	w.Client = fastClient(2)
	err := w.Notify(context.Background(), Notification{BuildID: "b1", Status: build.StatusSucceeded})
	if err == nil {
		t.Fatal("expected error after retries")
	}
	if got := len(users.received()); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestLogNotifierWritesSubject(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Level: log.InfoLevel, Formatter: log.TextFormatter})
	if err := (LogNotifier{Logger: logger}).Notify(context.Background(), Notification{BuildID: "b1", Status: build.StatusInterrupted, Distro: "Ubuntu"}); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	if !strings.Contains(buf.String(), "Ubuntu build was interrupted") {
		t.Fatalf("expected subject in log output, got %q", buf.String())
	}
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, Notification) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")
	err := Multi{failingNotifier{first}, nil, LogNotifier{}, failingNotifier{second}}.Notify(context.Background(), Notification{Status: build.StatusSucceeded})
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Fatalf("expected both errors, got %v", err)
	}
	if err := (Multi{LogNotifier{}}).Notify(context.Background(), Notification{Status: build.StatusSucceeded}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
