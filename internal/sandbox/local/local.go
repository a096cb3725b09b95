package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/cusdeb/dominion/internal/sandbox"
	"golang.org/x/sys/unix"
)

var DefaultCommand = []string{"sh", "run.sh"}

type Options struct {
	Command []string
	Dir     string
	Logger  *log.Logger
}

// Engine runs builds as host processes, one process group per sandbox.
type Engine struct {
	command []string
	dir     string
	logger  *log.Logger

	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	cmd      *exec.Cmd
	output   *logBuffer
	done     chan struct{}
	exitCode int
}

func New(opts Options) *Engine {
	command := append([]string(nil), opts.Command...)
	if len(command) == 0 {
		command = append([]string(nil), DefaultCommand...)
	}
	return &Engine{
		command: command,
		dir:     opts.Dir,
		logger:  opts.Logger,
		procs:   map[string]*process{},
	}
}

func (e *Engine) Name() string {
	return "local"
}

func (e *Engine) Capabilities() map[string]bool {
	return map[string]bool{
		sandbox.CapabilityLogsReplay:   true,
		sandbox.CapabilityProcessGroup: true,
	}
}

func (e *Engine) Handle(name string) sandbox.Handle {
	return &handle{engine: e, name: name}
}

func (e *Engine) lookup(name string) (*process, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.procs[name]
	return p, ok
}

type handle struct {
	engine *Engine
	name   string
}

func (h *handle) Name() string {
	return h.name
}

func (h *handle) Run(_ context.Context, req sandbox.RunRequest) error {
	e := h.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.procs[h.name]; ok {
		return fmt.Errorf("%w: %s", sandbox.ErrNameConflict, h.name)
	}

	output := newLogBuffer()
	cmd := exec.Command(e.command[0], e.command[1:]...)
	cmd.Dir = e.dir
	cmd.Env = append([]string{
		"PATH=" + os.Getenv("PATH"),
		"TERM=xterm",
		"RESULT_DIR=" + req.ResultDir,
	}, req.Env...)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", sandbox.ErrUnavailable, h.name, err)
	}

	p := &process{cmd: cmd, output: output, done: make(chan struct{})}
	e.procs[h.name] = p
	go p.reap()
	if e.logger != nil {
		e.logger.Debug("process started", "sandbox", h.name, "pid", cmd.Process.Pid)
	}
	return nil
}

func (p *process) reap() {
	_ = p.cmd.Wait()
	p.exitCode = exitCode(p.cmd.ProcessState)
	p.output.Close()
	close(p.done)
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (h *handle) Stream(ctx context.Context) (sandbox.LogStream, error) {
	p, ok := h.engine.lookup(h.name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrDoesNotExist, h.name)
	}
	return sandbox.NewLineStream(p.output.follow(ctx)), nil
}

func (h *handle) Logs(context.Context) (string, error) {
	p, ok := h.engine.lookup(h.name)
	if !ok {
		return "", fmt.Errorf("%w: %s", sandbox.ErrDoesNotExist, h.name)
	}
	return p.output.String(), nil
}

func (h *handle) Status(context.Context) (sandbox.Status, error) {
	p, ok := h.engine.lookup(h.name)
	if !ok {
		return "", fmt.Errorf("%w: %s", sandbox.ErrDoesNotExist, h.name)
	}
	if p.exited() {
		return sandbox.StatusExited, nil
	}
	return sandbox.StatusRunning, nil
}

func (h *handle) Kill(context.Context) error {
	p, ok := h.engine.lookup(h.name)
	if !ok || p.exited() {
		return nil
	}
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill process group for %s: %w", h.name, err)
	}
	return nil
}

func (h *handle) Wait(ctx context.Context) error {
	p, ok := h.engine.lookup(h.name)
	if !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrDoesNotExist, h.name)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return sandbox.ExitResult(h.name, p.exitCode)
	}
}

func (h *handle) Remove(ctx context.Context) error {
	p, ok := h.engine.lookup(h.name)
	if !ok {
		return nil
	}
	if !p.exited() {
		if err := h.Kill(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
		}
	}

	h.engine.mu.Lock()
	if h.engine.procs[h.name] == p {
		delete(h.engine.procs, h.name)
	}
	h.engine.mu.Unlock()
	return nil
}
