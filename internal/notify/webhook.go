package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cusdeb/dominion/internal/build"
	"github.com/hashicorp/go-retryablehttp"
)

// WebhookNotifier posts notifications to a chat webhook. Failed builds are
// also reported to OpsURL when it is set.
type WebhookNotifier struct {
	URL    string
	OpsURL string
	Client *retryablehttp.Client
	Logger *log.Logger
}

type webhookPayload struct {
	Text    string `json:"text"`
	BuildID string `json:"build_id,omitempty"`
	Log     string `json:"log,omitempty"`
}

func NewWebhook(url, opsURL string, logger *log.Logger) *WebhookNotifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 6
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}
	return &WebhookNotifier{
		URL:    strings.TrimSpace(url),
		OpsURL: strings.TrimSpace(opsURL),
		Client: client,
		Logger: logger,
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	msg, err := Render(n)
	if err != nil {
		return err
	}

	var errs []error
	if w.URL != "" {
		if err := w.post(ctx, w.URL, n.BuildID, msg); err != nil {
			errs = append(errs, fmt.Errorf("notify user of build %s: %w", n.BuildID, err))
		}
	}
	if n.Status == build.StatusFailed && w.OpsURL != "" {
		ops, err := RenderOps(n)
		if err == nil {
			err = w.post(ctx, w.OpsURL, n.BuildID, ops)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("notify operators of build %s: %w", n.BuildID, err))
		}
	}
	return errors.Join(errs...)
}

func (w *WebhookNotifier) post(ctx context.Context, url string, buildID build.ID, msg Message) error {
	body, err := json.Marshal(webhookPayload{
		Text:    msg.Subject + "\n\n" + msg.Body,
		BuildID: buildID,
		Log:     msg.Log,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	if w.Logger != nil {
		w.Logger.Debug("webhook delivered", "build_id", buildID, "subject", msg.Subject)
	}
	return nil
}
