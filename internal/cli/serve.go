package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cusdeb/dominion/internal/build"
	"github.com/cusdeb/dominion/internal/endpoint"
	"github.com/cusdeb/dominion/internal/logserver"
	"github.com/cusdeb/dominion/internal/notify"
	"github.com/cusdeb/dominion/internal/orchestrator"
	"github.com/cusdeb/dominion/internal/paths"
	"github.com/cusdeb/dominion/internal/pubsub"
	"github.com/cusdeb/dominion/internal/retry"
	"github.com/cusdeb/dominion/internal/runtimeconfig"
	"github.com/cusdeb/dominion/internal/sandbox"
	"github.com/cusdeb/dominion/internal/sandbox/docker"
	"github.com/cusdeb/dominion/internal/sandbox/local"
	"github.com/cusdeb/dominion/internal/scheduler"
	"github.com/cusdeb/dominion/internal/store"
	"github.com/cusdeb/dominion/internal/tasks"
	"github.com/cusdeb/dominion/internal/watchdog"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	roleScheduler = "scheduler"
	roleBuilder   = "builder"
	roleGateway   = "gateway"
)

type ServeCommand struct {
	Roles     []string `help:"Roles to run (scheduler, builder, gateway)" default:"scheduler,builder,gateway"`
	Listen    string   `help:"Gateway listen endpoint (unix://path, http://host:port, https://host:port, or tsnet://hostname[:port])"`
	LogLevel  string   `help:"Server log level (debug|info|warn|error)"`
	LogFormat string   `help:"Server log format (text|json|logfmt)"`
}

type roleSet map[string]bool

func parseRoles(raw []string) (roleSet, error) {
	roles := roleSet{}
	for _, r := range raw {
		name := strings.TrimSpace(strings.ToLower(r))
		switch name {
		case "":
			continue
		case roleScheduler, roleBuilder, roleGateway:
			roles[name] = true
		default:
			return nil, fmt.Errorf("unknown role %q (expected %s, %s or %s)", r, roleScheduler, roleBuilder, roleGateway)
		}
	}
	if len(roles) == 0 {
		return nil, errors.New("at least one role is required")
	}
	return roles, nil
}

func (r roleSet) String() string {
	var names []string
	for _, name := range []string{roleScheduler, roleBuilder, roleGateway} {
		if r[name] {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, s.LogFormat, "server")
	if err != nil {
		return err
	}
	roles, err := parseRoles(s.Roles)
	if err != nil {
		return err
	}
	cfg := ctx.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid runtime config %s: %w", ctx.ConfigPath, err)
	}

	var ep endpoint.Endpoint
	if roles[roleGateway] {
		listen := s.Listen
		if listen == "" {
			listen = cfg.Gateway.Listen
		}
		ep, err = endpoint.ResolveListen(listen)
		if err != nil {
			return err
		}
	}
	if cfg.Redis.Addr() == "" && len(roles) < 3 {
		logger.Warn("no redis configured, roles in other processes will not see this server's queue or logs", "roles", roles.String())
	}

	t := newTheme(colorEnabled(ctx.Stderr) && strings.TrimSpace(s.LogFormat) == "")
	styleLogger(logger, t)
	if ctx.Stderr != nil && isTerminal(ctx.Stderr) {
		level := strings.ToLower(strings.TrimSpace(s.LogLevel))
		if level == "" {
			level = "info"
		}
		if _, err := io.WriteString(ctx.Stderr, renderStartupHeader(serveHeader(cfg, roles, ep, level), t)); err != nil {
			return err
		}
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := openServices(runCtx, cfg, roles, logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	return svc.run(runCtx, roles, ep)
}

func serveHeader(cfg runtimeconfig.Config, roles roleSet, ep endpoint.Endpoint, level string) startupHeader {
	broker := "memory"
	if addr := cfg.Redis.Addr(); addr != "" {
		broker = "redis://" + addr
	}
	h := startupHeader{
		Title: "dominion build server",
		Fields: []startupField{
			{Key: "roles", Value: roles.String()},
			{Key: "broker", Value: broker},
			{Key: "log level", Value: level},
		},
	}
	if roles[roleBuilder] {
		h.Fields = append(h.Fields,
			startupField{Key: "engine", Value: cfg.Engine.Kind},
			startupField{Key: "slots", Value: fmt.Sprint(cfg.Builds.Slots)},
			startupField{Key: "timeout", Value: cfg.Timeout().String()},
		)
	}
	if roles[roleGateway] {
		h.Fields = append(h.Fields, startupField{Key: "listen", Value: endpointDisplay(ep)})
	}
	return h
}

// services holds everything one serve process shares between its roles.
type services struct {
	cfg    runtimeconfig.Config
	logger *log.Logger

	store  *store.SQLite
	broker pubsub.Broker
	queue  tasks.Queue
	locker scheduler.Locker
	engine sandbox.Engine

	closers []func() error
}

var newRedisClient = func(cfg runtimeconfig.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func openServices(ctx context.Context, cfg runtimeconfig.Config, roles roleSet, logger *log.Logger) (_ *services, err error) {
	svc := &services{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = svc.Close()
		}
	}()

	svc.store, err = store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, svc.store.Close)

	if cfg.Redis.Addr() == "" {
		broker := pubsub.NewMemory(cfg.Gateway.SubscriberBacklog)
		queue := tasks.NewMemory(0)
		svc.broker, svc.queue = broker, queue
		svc.closers = append(svc.closers, broker.Close, queue.Close)
	} else {
		client := newRedisClient(cfg.Redis)
		svc.closers = append(svc.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr(), err)
		}
		svc.broker = pubsub.NewRedis(client, cfg.Gateway.SubscriberBacklog, logger.With("subsystem", "pubsub"))
		svc.queue = tasks.NewRedis(client)
		svc.locker = scheduler.NewRedisLocker(client, scheduler.DefaultLockKey, scheduler.DefaultLockTTL)
	}

	if roles[roleBuilder] {
		svc.engine, err = newEngine(cfg.Engine, logger.With("subsystem", "engine"))
		if err != nil {
			return nil, err
		}
		if c, ok := svc.engine.(interface{ Close() error }); ok {
			svc.closers = append(svc.closers, c.Close)
		}
	} else if roles[roleScheduler] && cfg.Redis.Addr() != "" {
		// Only Recover uses the engine in a scheduler-only process.
		engine, engineErr := newEngine(cfg.Engine, logger.With("subsystem", "engine"))
		if engineErr != nil {
			logger.Warn("sandbox engine unavailable, recover cannot tell owned builds apart", "error", engineErr)
		} else {
			svc.engine = engine
			if c, ok := engine.(interface{ Close() error }); ok {
				svc.closers = append(svc.closers, c.Close)
			}
		}
	}
	return svc, nil
}

func newEngine(cfg runtimeconfig.EngineConfig, logger *log.Logger) (sandbox.Engine, error) {
	switch cfg.Kind {
	case runtimeconfig.EngineLocal:
		return local.New(local.Options{Command: cfg.LocalCommand, Dir: cfg.LocalDir, Logger: logger}), nil
	case runtimeconfig.EngineDocker, "":
		return docker.New(docker.Options{Host: cfg.DockerHost, PinDigest: cfg.PinImageDigest, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Kind)
	}
}

// Close releases resources in reverse order of acquisition.
func (s *services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *services) run(ctx context.Context, roles roleSet, ep endpoint.Endpoint) error {
	g, gctx := errgroup.WithContext(ctx)

	if roles[roleBuilder] {
		resultDir, err := s.resultDir()
		if err != nil {
			return err
		}
		orch := s.orchestrator(gctx, resultDir)
		s.goWorker(g, gctx, &tasks.Worker{
			Queue:       s.queue,
			Kind:        tasks.KindBuild,
			Handler:     s.buildHandler(orch),
			Concurrency: s.cfg.Builds.Slots,
			Logger:      s.logger.With("worker", tasks.KindBuild),
		})
		s.goWorker(g, gctx, &tasks.Worker{
			Queue:       s.queue,
			Kind:        tasks.KindWatch,
			Handler:     s.watchHandler(),
			Concurrency: s.cfg.Builds.Slots,
			Logger:      s.logger.With("worker", tasks.KindWatch),
		})
	}

	if roles[roleScheduler] {
		sched := &scheduler.Scheduler{
			Store:  s.store,
			Queue:  s.queue,
			Period: s.cfg.SpawnPeriod(),
			Slots:  s.cfg.Builds.Slots,
			Locker: s.locker,
			Logger: s.logger.With("subsystem", "scheduler"),
		}
		if s.cfg.Redis.Addr() != "" {
			// Other processes may be running builds from the same database.
			sched.Sandboxes = s.engine
			sched.Budget = s.cfg.Timeout()
		}
		if _, err := sched.Recover(gctx); err != nil {
			s.logger.Warn("recover interrupted builds failed", "error", err)
		}
		s.goWorker(g, gctx, &tasks.Worker{
			Queue: s.queue,
			Kind:  tasks.KindSpawn,
			Handler: func(ctx context.Context, _ tasks.Message) error {
				_, err := sched.Spawn(ctx)
				return err
			},
			Concurrency: 1,
			Logger:      s.logger.With("worker", tasks.KindSpawn),
		})
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}

	if roles[roleGateway] {
		srv := logserver.New(s.store, s.broker, logserver.NewStaticTokens(s.cfg.Gateway.Tokens), s.logger.With("subsystem", "gateway"))
		if n := s.cfg.Gateway.StatusCheckSeconds; n > 0 {
			srv.StatusCheck = time.Duration(n) * time.Second
		}
		if n := s.cfg.Gateway.StartWaitSeconds; n > 0 {
			srv.StartWait = startWaitPolicy(time.Duration(n) * time.Second)
		}
		var tlsOpts *logserver.TLSOptions
		if s.cfg.Gateway.TLSCert != "" {
			tlsOpts = &logserver.TLSOptions{CertPath: s.cfg.Gateway.TLSCert, KeyPath: s.cfg.Gateway.TLSKey}
		}
		g.Go(func() error {
			return logserver.Serve(gctx, ep, srv.Handler(), s.logger.With("subsystem", "http"), tlsOpts)
		})
	}

	return g.Wait()
}

// startWaitPolicy polls at the default interval for up to total.
func startWaitPolicy(total time.Duration) retry.Policy {
	policy := logserver.DefaultStartWait
	attempts := int(total / policy.Interval)
	if attempts < 1 {
		attempts = 1
	}
	policy.Attempts = attempts
	return policy
}

// goWorker runs w until ctx is done. A closed queue during shutdown is not
// an error.
func (s *services) goWorker(g *errgroup.Group, ctx context.Context, w *tasks.Worker) {
	g.Go(func() error {
		err := w.Run(ctx)
		if errors.Is(err, tasks.ErrClosed) && ctx.Err() != nil {
			return nil
		}
		return err
	})
}

func (s *services) resultDir() (string, error) {
	if dir := strings.TrimSpace(s.cfg.Builds.ResultPath); dir != "" {
		return dir, nil
	}
	return paths.ResultDir()
}

func (s *services) orchestrator(ctx context.Context, resultDir string) *orchestrator.Orchestrator {
	notifiers := notify.Multi{notify.LogNotifier{Logger: s.logger.With("subsystem", "notify")}}
	if url := strings.TrimSpace(s.cfg.Notify.WebhookURL); url != "" {
		notifiers = append(notifiers, notify.NewWebhook(url, s.cfg.Notify.OpsWebhookURL, s.logger.With("subsystem", "webhook")))
	}

	image := strings.TrimSpace(s.cfg.Engine.BuilderImage)
	if image == "" {
		image = docker.DefaultImage
	}
	return &orchestrator.Orchestrator{
		Engine: s.engine,
		Broker: s.broker,
		Finalizer: &orchestrator.Finalizer{
			Store:       s.store,
			Notifier:    notifiers,
			DownloadURL: s.cfg.Builds.DownloadURL,
			Logger:      s.logger.With("subsystem", "finalizer"),
		},
		Watch: func(id build.ID) {
			go func() {
				if err := s.queue.Enqueue(ctx, tasks.Message{Kind: tasks.KindWatch, BuildID: id}); err != nil && ctx.Err() == nil {
					s.logger.Error("dispatch watchdog failed", "build_id", id, "error", err)
				}
			}()
		},
		Image:     image,
		ResultDir: resultDir,
		Logger:    s.logger.With("subsystem", "orchestrator"),
	}
}

func (s *services) buildHandler(orch *orchestrator.Orchestrator) tasks.Handler {
	return func(ctx context.Context, msg tasks.Message) error {
		record, err := s.store.Get(ctx, msg.BuildID)
		if err != nil {
			return err
		}
		if record.Status != build.StatusBuilding {
			s.logger.Debug("skipping build that is not admitted", "build_id", record.ID, "status", record.Status)
			return nil
		}
		outcome, err := orch.Run(ctx, record)
		if err != nil {
			return err
		}
		s.logger.Info("build finished", "build_id", record.ID, "outcome", outcome)
		return nil
	}
}

func (s *services) watchHandler() tasks.Handler {
	wd := watchdog.Watchdog{
		Interval: s.cfg.PollingInterval(),
		Timeout:  s.cfg.Timeout(),
		Logger:   s.logger.With("subsystem", "watchdog"),
	}
	return func(ctx context.Context, msg tasks.Message) error {
		record, err := s.store.Get(ctx, msg.BuildID)
		if err != nil {
			return err
		}
		if record.Status.IsTerminal() {
			return nil
		}
		result, err := wd.Watch(ctx, s.engine.Handle(build.SandboxName(record.ID)))
		if err != nil {
			return fmt.Errorf("watch build %s: %w", record.ID, err)
		}
		s.logger.Debug("watchdog done", "build_id", record.ID, "result", result)
		return nil
	}
}
