package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cusdeb/dominion/internal/build"
	"github.com/cusdeb/dominion/internal/endpoint"
	"github.com/cusdeb/dominion/internal/logclient"
	"github.com/cusdeb/dominion/internal/store"
	"github.com/cusdeb/dominion/internal/tlsconfig"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type SubmitCommand struct {
	File      string   `short:"f" type:"existingfile" help:"YAML file describing the image (device, os, packages, users, ...)"`
	Device    string   `help:"Target device (overrides the file)"`
	OS        string   `name:"os" help:"Operating system (overrides the file)"`
	Packages  []string `name:"package" help:"Extra package to install (repeatable)"`
	Hostname  string   `help:"Hostname of the built image"`
	TimeZone  string   `help:"Time zone of the built image"`
	ImageSize int      `name:"image-size" help:"Root filesystem size in MiB"`
	User      string   `help:"Owner of the build, used for notifications"`
	JSON      bool     `help:"Print the created record as JSON"`
}

type StatusCommand struct {
	BuildID string `arg:"" help:"Build ID"`
	Log     bool   `help:"Print the stored build log"`
	JSON    bool   `help:"Print the record as JSON"`
}

type ListCommand struct {
	Status string `help:"Only list builds with this status (pending|building|succeeded|failed|interrupted)"`
	Limit  int    `help:"Maximum number of builds to list" default:"50"`
	JSON   bool   `help:"Print records as JSON"`
}

type LogsCommand struct {
	BuildID  string `arg:"" help:"Build ID"`
	Host     string `help:"Gateway endpoint (unix://path, http://host:port, or https://host:port)"`
	Token    string `help:"Gateway token" env:"DOMINION_TOKEN"`
	CA       string `name:"ca" type:"path" help:"CA bundle used to verify an https gateway"`
	LogLevel string `help:"Client log level (debug|info|warn|error)"`
}

var storeNow = time.Now

func (c *SubmitCommand) Run(ctx *runtimeContext) error {
	cfg, err := c.buildConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid build config: %w", err)
	}

	records, err := store.Open(context.Background(), ctx.Config.Database.Path)
	if err != nil {
		return err
	}
	defer records.Close()

	record := build.Record{
		ID:        build.NewID(),
		UserID:    strings.TrimSpace(c.User),
		Status:    build.StatusPending,
		Config:    cfg,
		CreatedAt: storeNow().UTC(),
	}
	if err := records.Create(context.Background(), record); err != nil {
		return err
	}

	if c.JSON {
		return writeJSON(ctx.Stdout, recordView(record, false))
	}
	_, err = fmt.Fprintln(ctx.Stdout, record.ID)
	return err
}

func (c *SubmitCommand) buildConfig() (build.Config, error) {
	var cfg build.Config
	if c.File != "" {
		b, err := os.ReadFile(c.File)
		if err != nil {
			return build.Config{}, fmt.Errorf("read build config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return build.Config{}, fmt.Errorf("parse build config %s: %w", c.File, err)
		}
	}
	if c.Device != "" {
		cfg.Device = c.Device
	}
	if c.OS != "" {
		cfg.OS = c.OS
	}
	if len(c.Packages) > 0 {
		cfg.Packages = append(cfg.Packages, c.Packages...)
	}
	if c.Hostname != "" {
		cfg.Hostname = c.Hostname
	}
	if c.TimeZone != "" {
		cfg.TimeZone = c.TimeZone
	}
	if c.ImageSize != 0 {
		cfg.ImageSizeMiB = c.ImageSize
	}
	return cfg, nil
}

func (c *StatusCommand) Run(ctx *runtimeContext) error {
	if err := build.ValidateID(c.BuildID); err != nil {
		return err
	}
	records, err := store.Open(context.Background(), ctx.Config.Database.Path)
	if err != nil {
		return err
	}
	defer records.Close()

	record, err := records.Get(context.Background(), c.BuildID)
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(ctx.Stdout, recordView(record, c.Log))
	}

	w := tabwriter.NewWriter(ctx.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id:\t%s\n", record.ID)
	fmt.Fprintf(w, "status:\t%s\n", record.Status)
	fmt.Fprintf(w, "device:\t%s\n", record.Config.Device)
	fmt.Fprintf(w, "os:\t%s\n", record.Config.OS)
	if record.UserID != "" {
		fmt.Fprintf(w, "user:\t%s\n", record.UserID)
	}
	fmt.Fprintf(w, "created:\t%s\n", record.CreatedAt.Format(time.RFC3339))
	if record.StartedAt != nil {
		fmt.Fprintf(w, "started:\t%s\n", record.StartedAt.Format(time.RFC3339))
	}
	if record.FinishedAt != nil {
		fmt.Fprintf(w, "finished:\t%s\n", record.FinishedAt.Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if c.Log && record.Log != "" {
		_, err = io.WriteString(ctx.Stdout, "\n"+plainLog(record.Log))
	}
	return err
}

func (c *ListCommand) Run(ctx *runtimeContext) error {
	opts := store.ListOptions{Limit: c.Limit}
	if c.Status != "" {
		status, err := build.ParseStatus(c.Status)
		if err != nil {
			return err
		}
		opts.Status = status
	}
	records, err := store.Open(context.Background(), ctx.Config.Database.Path)
	if err != nil {
		return err
	}
	defer records.Close()

	list, err := records.List(context.Background(), opts)
	if err != nil {
		return err
	}
	if c.JSON {
		views := make([]buildView, 0, len(list))
		for _, record := range list {
			views = append(views, recordView(record, false))
		}
		return writeJSON(ctx.Stdout, views)
	}
	if len(list) == 0 {
		_, err := fmt.Fprintln(ctx.Stdout, "no builds found")
		return err
	}

	w := tabwriter.NewWriter(ctx.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tDEVICE\tOS\tCREATED")
	for _, record := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", record.ID, record.Status, record.Config.Device, record.Config.OS, record.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func (c *LogsCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "", "client")
	if err != nil {
		return err
	}
	if err := build.ValidateID(c.BuildID); err != nil {
		return err
	}
	token := strings.TrimSpace(c.Token)
	if token == "" {
		return errors.New("a gateway token is required (--token or DOMINION_TOKEN)")
	}

	ep, err := endpoint.Resolve(c.Host)
	if err != nil {
		return err
	}
	client, err := logclient.New(ep, logclient.WithTLS(tlsconfig.Options{CAPath: c.CA}))
	if err != nil {
		return err
	}
	logger.Debug("streaming build log", "endpoint", ep.Address, "build_id", c.BuildID)

	streamCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := newSignalChannel()
	notifySignals(signalCh, os.Interrupt, syscall.SIGTERM)
	defer stopSignals(signalCh)
	interrupted := make(chan struct{})
	go func() {
		if _, ok := <-signalCh; ok {
			close(interrupted)
			cancel()
		}
	}()

	raw := isTerminal(ctx.Stdout)
	err = client.StreamBuildLog(streamCtx, c.BuildID, token, func(chunk string) error {
		if !raw {
			chunk = plainLog(chunk)
		}
		_, err := io.WriteString(ctx.Stdout, chunk)
		return err
	})

	select {
	case <-interrupted:
		return exitCodeError{code: 130}
	default:
	}
	if err != nil {
		return fmt.Errorf("stream build log via %q: %w", ep.Address, err)
	}
	return nil
}

// plainLog drops the carriage returns the builder emits for terminals.
func plainLog(s string) string {
	return strings.ReplaceAll(s, "\r", "")
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type buildView struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id,omitempty"`
	Status     build.Status `json:"status"`
	Config     build.Config `json:"config"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Log        string       `json:"log,omitempty"`
}

func recordView(r build.Record, withLog bool) buildView {
	v := buildView{
		ID:         r.ID,
		UserID:     r.UserID,
		Status:     r.Status,
		Config:     r.Config,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	// Credentials never leave the store.
	v.Config.RootPassword = ""
	v.Config.Users = nil
	if withLog {
		v.Log = r.Log
	}
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
