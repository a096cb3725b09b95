package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/cusdeb/dominion/internal/sandbox"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const DefaultImage = "cusdeb/pieman"

type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

type Options struct {
	// Host overrides DOCKER_HOST when set.
	Host string
	// PinDigest resolves tagged images to repo@sha256 before creating
	// containers so every build of a batch uses the same builder.
	PinDigest bool
	Logger    *log.Logger
}

type Engine struct {
	api       containerAPI
	pinDigest bool
	logger    *log.Logger

	mu       sync.Mutex
	resolved map[string]string
}

func New(opts Options) (*Engine, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host := strings.TrimSpace(opts.Host); host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	api, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newEngine(api, opts), nil
}

func newEngine(api containerAPI, opts Options) *Engine {
	return &Engine{
		api:       api,
		pinDigest: opts.PinDigest,
		logger:    opts.Logger,
		resolved:  map[string]string{},
	}
}

func (e *Engine) Name() string {
	return "docker"
}

func (e *Engine) Capabilities() map[string]bool {
	return map[string]bool{
		sandbox.CapabilityLogsReplay: true,
		sandbox.CapabilityImagePull:  true,
	}
}

func (e *Engine) Close() error {
	return e.api.Close()
}

func (e *Engine) Handle(name string) sandbox.Handle {
	return &handle{engine: e, name: name}
}

type handle struct {
	engine *Engine
	name   string
}

func (h *handle) Name() string {
	return h.name
}

func (h *handle) Run(ctx context.Context, req sandbox.RunRequest) error {
	ref, err := h.engine.imageRef(ctx, req.Image)
	if err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	}

	cfg := &container.Config{
		Image: ref,
		Env:   append([]string{"TERM=xterm"}, req.Env...),
	}
	hostCfg := &container.HostConfig{
		Privileged: true,
		Mounts:     h.mounts(req.ResultDir),
	}

	created, err := h.engine.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, h.name)
	if err != nil && errdefs.IsNotFound(err) {
		if pullErr := h.engine.pull(ctx, ref); pullErr != nil {
			return fmt.Errorf("%w: pull image %q: %v", sandbox.ErrUnavailable, ref, pullErr)
		}
		created, err = h.engine.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, h.name)
	}
	if err != nil {
		if errdefs.IsConflict(err) {
			return fmt.Errorf("%w: %s", sandbox.ErrNameConflict, h.name)
		}
		return fmt.Errorf("%w: create container %s: %v", sandbox.ErrUnavailable, h.name, err)
	}
	for _, warning := range created.Warnings {
		if h.engine.logger != nil {
			h.engine.logger.Warn("docker create warning", "sandbox", h.name, "warning", warning)
		}
	}

	if err := h.engine.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("%w: start container %s: %v", sandbox.ErrUnavailable, h.name, err)
	}
	if h.engine.logger != nil {
		h.engine.logger.Debug("container started", "sandbox", h.name, "container_id", created.ID, "image", ref)
	}
	return nil
}

func (h *handle) mounts(resultDir string) []mount.Mount {
	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: "/dev",
		Target: "/dev",
	}}
	if strings.TrimSpace(resultDir) != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: resultDir,
			Target: "/result",
		})
	}
	return mounts
}

func (h *handle) Stream(ctx context.Context) (sandbox.LogStream, error) {
	rc, err := h.engine.api.ContainerLogs(ctx, h.name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, h.classify(err, "follow logs")
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, rc)
		_ = pw.CloseWithError(copyErr)
	}()
	return sandbox.NewLineStream(&followReader{PipeReader: pr, source: rc}), nil
}

func (h *handle) Logs(ctx context.Context) (string, error) {
	rc, err := h.engine.api.ContainerLogs(ctx, h.name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", h.classify(err, "read logs")
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return out.String(), fmt.Errorf("demultiplex logs for %s: %w", h.name, err)
	}
	return out.String(), nil
}

func (h *handle) Status(ctx context.Context) (sandbox.Status, error) {
	inspect, err := h.engine.api.ContainerInspect(ctx, h.name)
	if err != nil {
		return "", h.classify(err, "inspect")
	}
	if inspect.State == nil {
		return sandbox.StatusCreated, nil
	}
	return statusFromState(string(inspect.State.Status)), nil
}

func statusFromState(state string) sandbox.Status {
	switch state {
	case "exited", "dead":
		return sandbox.StatusExited
	case "created":
		return sandbox.StatusCreated
	default:
		return sandbox.StatusRunning
	}
}

func (h *handle) Kill(ctx context.Context) error {
	err := h.engine.api.ContainerKill(ctx, h.name, "SIGKILL")
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err), errdefs.IsConflict(err):
		// Gone or no longer running.
		return nil
	default:
		return fmt.Errorf("kill container %s: %w", h.name, err)
	}
}

func (h *handle) Wait(ctx context.Context) error {
	respCh, errCh := h.engine.api.ContainerWait(ctx, h.name, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return h.classify(err, "wait")
	case resp := <-respCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return fmt.Errorf("%w: wait for %s: %s", sandbox.ErrUnavailable, h.name, resp.Error.Message)
		}
		return sandbox.ExitResult(h.name, int(resp.StatusCode))
	}
}

func (h *handle) Remove(ctx context.Context) error {
	err := h.engine.api.ContainerRemove(ctx, h.name, container.RemoveOptions{Force: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("remove container %s: %w", h.name, err)
}

func (h *handle) classify(err error, op string) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", sandbox.ErrDoesNotExist, h.name)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %v", sandbox.ErrUnavailable, op, h.name, err)
}

func (e *Engine) pull(ctx context.Context, ref string) error {
	if e.logger != nil {
		e.logger.Info("pulling builder image", "image", ref)
	}
	rc, err := e.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

type followReader struct {
	*io.PipeReader
	source io.Closer
}

func (r *followReader) Close() error {
	return errors.Join(r.PipeReader.Close(), r.source.Close())
}
