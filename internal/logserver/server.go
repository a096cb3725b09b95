// Package logserver is the log-streaming gateway. Each GetBuildLog call is
// one session that relays a build's live output to the client.
package logserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/charmbracelet/log"
	"github.com/cusdeb/dominion/internal/build"
	"github.com/cusdeb/dominion/internal/pubsub"
	"github.com/cusdeb/dominion/internal/retry"
	"github.com/cusdeb/dominion/internal/store"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName          = "dominion.v1.BuildLogService"
	GetBuildLogProcedure = "/" + ServiceName + "/GetBuildLog"

	AckMessage = "The image will start being built in a few seconds...\r\n"

	DefaultStatusCheck = 2 * time.Second
	drainGrace         = 100 * time.Millisecond
)

// DefaultStartWait gives a pending build ten minutes to be admitted.
var DefaultStartWait = retry.Policy{Attempts: 120, Interval: 5 * time.Second, DelayFirst: true}

var errNotStarted = errors.New("build has not started")

type Records interface {
	Get(ctx context.Context, id build.ID) (build.Record, error)
}

type Server struct {
	records  Records
	broker   pubsub.Broker
	verifier TokenVerifier
	logger   *log.Logger

	StatusCheck time.Duration
	StartWait   retry.Policy
}

func New(records Records, broker pubsub.Broker, verifier TokenVerifier, logger *log.Logger) *Server {
	return &Server{
		records:     records,
		broker:      broker,
		verifier:    verifier,
		logger:      logger,
		StatusCheck: DefaultStatusCheck,
		StartWait:   DefaultStartWait,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(GetBuildLogProcedure, s.authenticate(connect.NewServerStreamHandler(GetBuildLogProcedure, s.GetBuildLog)))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

func (s *Server) GetBuildLog(ctx context.Context, req *connect.Request[wrapperspb.StringValue], stream *connect.ServerStream[wrapperspb.StringValue]) error {
	id := strings.TrimSpace(req.Msg.GetValue())
	if err := build.ValidateID(id); err != nil {
		return toConnectError(err)
	}
	logger := s.sessionLogger(ctx, id)

	record, err := s.records.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return connect.NewError(connect.CodeNotFound, fmt.Errorf("build %s not found", id))
	}
	if err != nil {
		return toConnectError(err)
	}
	if record.Status.IsTerminal() {
		return connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("build %s is not running", id))
	}

	sub, err := s.broker.Subscribe(ctx, build.ChannelName(id))
	if err != nil {
		return toConnectError(fmt.Errorf("subscribe to build %s: %w", id, err))
	}
	defer sub.Close()
	if logger != nil {
		logger.Info("log session started", "status", record.Status)
	}

	if err := send(stream, AckMessage); err != nil {
		return err
	}

	notStarted := make(chan struct{})
	if record.Status == build.StatusPending {
		go s.awaitStart(ctx, id, notStarted)
	}

	interval := s.StatusCheck
	if interval <= 0 {
		interval = DefaultStatusCheck
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	relayed := 0
	for {
		select {
		case <-ctx.Done():
			if logger != nil {
				logger.Debug("log session closed by client")
			}
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return subscriptionEndedErr(sub, id)
			}
			if err := send(stream, msg); err != nil {
				return err
			}
			relayed++
		case <-notStarted:
			return connect.NewError(connect.CodeDeadlineExceeded, fmt.Errorf("build %s did not start", id))
		case <-ticker.C:
			current, err := s.records.Get(ctx, id)
			if err != nil {
				if logger != nil {
					logger.Warn("build status check failed", "error", err)
				}
				continue
			}
			if current.Status.IsTerminal() {
				n, err := drain(stream, sub, drainGrace)
				if err != nil {
					return err
				}
				if relayed+n == 0 && current.Status == build.StatusFailed {
					if logger != nil {
						logger.Info("log session finished, build never started")
					}
					return startFailedErr(current)
				}
				if logger != nil {
					logger.Info("log session finished", "status", current.Status)
				}
				return nil
			}
		}
	}
}

// awaitStart closes notStarted if the build is still pending once the
// start wait policy runs out.
func (s *Server) awaitStart(ctx context.Context, id build.ID, notStarted chan<- struct{}) {
	err := s.StartWait.Do(ctx, func(int) error {
		record, err := s.records.Get(ctx, id)
		if err != nil {
			return err
		}
		if record.Status == build.StatusPending {
			return errNotStarted
		}
		return nil
	})
	if errors.Is(err, retry.ErrExhausted) && errors.Is(err, errNotStarted) {
		close(notStarted)
	}
}

func (s *Server) sessionLogger(ctx context.Context, id build.ID) *log.Logger {
	if s.logger == nil {
		return nil
	}
	session := sessionFrom(ctx)
	return s.logger.With("session_id", session.ID, "subject", session.Subject, "build_id", id)
}

func send(stream *connect.ServerStream[wrapperspb.StringValue], chunk string) error {
	return stream.Send(wrapperspb.String(chunk))
}

// drain relays whatever is still in flight, stopping after grace passes
// without a message. It returns the number of messages relayed.
func drain(stream *connect.ServerStream[wrapperspb.StringValue], sub pubsub.Subscription, grace time.Duration) (int, error) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	n := 0
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return n, nil
			}
			if err := send(stream, msg); err != nil {
				return n, err
			}
			n++
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(grace)
		case <-timer.C:
			return n, nil
		}
	}
}

// startFailedErr reports a build that failed without producing output,
// which is how a sandbox that could not be started ends.
func startFailedErr(record build.Record) error {
	reason := strings.TrimSpace(record.Log)
	if reason == "" {
		return connect.NewError(connect.CodeUnavailable, fmt.Errorf("build %s failed to start", record.ID))
	}
	return connect.NewError(connect.CodeUnavailable, fmt.Errorf("build %s failed to start: %s", record.ID, reason))
}

func subscriptionEndedErr(sub pubsub.Subscription, id build.ID) error {
	if sub.Dropped() {
		return connect.NewError(
			connect.CodeResourceExhausted,
			fmt.Errorf("build %s log stream closed because the client could not keep up", id),
		)
	}
	return connect.NewError(connect.CodeUnavailable, fmt.Errorf("build %s log channel closed", id))
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	code := connect.CodeInternal
	message := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, store.ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, pubsub.ErrClosed):
		code = connect.CodeUnavailable
	case strings.Contains(message, "missing "), strings.Contains(message, "invalid"):
		code = connect.CodeInvalidArgument
	}
	return connect.NewError(code, err)
}
