package notify

import (
	"context"

	"github.com/charmbracelet/log"
)

// LogNotifier writes notifications to a logger. It is the notifier used
// when no webhook is configured.
type LogNotifier struct {
	Logger *log.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	msg, err := Render(n)
	if err != nil {
		return err
	}
	if l.Logger != nil {
		l.Logger.Info("build notification",
			"build_id", n.BuildID,
			"user_id", n.UserID,
			"status", n.Status,
			"subject", msg.Subject,
		)
	}
	return nil
}
