// Package notify tells users, and optionally operators, how their build
// ended.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/cusdeb/dominion/internal/build"
)

var ErrUnknownStatus = errors.New("unknown build status")

type Notification struct {
	BuildID     build.ID
	UserID      string
	Status      build.Status
	Distro      string
	DownloadURL string
	Log         string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Message is a rendered notification. Log is set only when the recipient
// should get the build log alongside the text.
type Message struct {
	Subject string
	Body    string
	Log     string
}

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
	withLog bool
}

var userTemplates = map[build.Status]messageTemplate{
	build.StatusSucceeded: {
		subject: template.Must(template.New("succeeded.subject").Parse(`{{.Distro}} has built!`)),
		body: template.Must(template.New("succeeded.body").Parse(`Hello!

Your image is ready.{{if .DownloadURL}} Please, download it using the following link: {{.DownloadURL}}{{end}}
`)),
	},
	build.StatusFailed: {
		subject: template.Must(template.New("failed.subject").Parse(`{{.Distro}} build has failed!`)),
		body: template.Must(template.New("failed.body").Parse(`Hello!

Unfortunately, something went wrong while building your image.
The build log is attached. We would really appreciate it if you checked the log
and reported the problem.
`)),
		withLog: true,
	},
	build.StatusInterrupted: {
		subject: template.Must(template.New("interrupted.subject").Parse(`{{.Distro}} build was interrupted`)),
		body: template.Must(template.New("interrupted.body").Parse(`Hello!

Building your image took longer than the time limit allows, so it was stopped.
Try again with fewer packages or a smaller image.
`)),
	},
}

var opsTemplate = messageTemplate{
	subject: template.Must(template.New("ops.subject").Parse(`Build has failed!`)),
	body: template.Must(template.New("ops.body").Parse(`Please check dominion logs. build_id: {{.BuildID}} user_id: {{.UserID}} distro: {{.Distro}}
`)),
	withLog: true,
}

// Render produces the message a user gets for a finished build.
func Render(n Notification) (Message, error) {
	tmpl, ok := userTemplates[n.Status]
	if !ok {
		return Message{}, fmt.Errorf("%w %q for build %s", ErrUnknownStatus, n.Status, n.BuildID)
	}
	return tmpl.render(n)
}

// RenderOps produces the operator message sent when a build fails.
func RenderOps(n Notification) (Message, error) {
	return opsTemplate.render(n)
}

func (t messageTemplate) render(n Notification) (Message, error) {
	if strings.TrimSpace(n.Distro) == "" {
		n.Distro = "Image"
	}
	var subject, body bytes.Buffer
	if err := t.subject.Execute(&subject, n); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", t.subject.Name(), err)
	}
	if err := t.body.Execute(&body, n); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", t.body.Name(), err)
	}
	msg := Message{Subject: subject.String(), Body: body.String()}
	if t.withLog {
		msg.Log = n.Log
	}
	return msg, nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
