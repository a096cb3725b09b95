package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/cusdeb/dominion/internal/paths"
	"github.com/cusdeb/dominion/internal/runtimeconfig"
	"github.com/cusdeb/dominion/internal/tlsbootstrap"
)

type runtimeContext struct {
	Stdout     io.Writer
	Stderr     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
}

type CLI struct {
	ConfigFile string           `name:"config" type:"path" help:"Runtime config file (defaults to $XDG_CONFIG_HOME/dominion/config.yaml)"`
	Version    kong.VersionFlag `help:"Print version and exit"`

	Serve  ServeCommand  `cmd:"" help:"Run the build server (scheduler, builder and log gateway)"`
	Submit SubmitCommand `cmd:"" help:"Queue a new firmware image build"`
	Logs   LogsCommand   `cmd:"" help:"Stream the live log of a running build"`
	Status StatusCommand `cmd:"" help:"Show a build record"`
	List   ListCommand   `cmd:"" help:"List build records"`
	Config ConfigCommand `cmd:"" help:"Runtime config commands"`
	Doctor DoctorCommand `cmd:"" help:"Check the build host environment"`
	TLS    TLSCommand    `cmd:"" name:"tls" help:"Gateway TLS commands"`
}

type ConfigCommand struct {
	Validate ConfigValidateCommand `cmd:"" help:"Validate the runtime config"`
}

type ConfigValidateCommand struct{}

type TLSCommand struct {
	Init TLSInitCommand `cmd:"" help:"Generate a private CA and gateway certificate"`
}

type TLSInitCommand struct {
	Dir   string   `type:"path" help:"Output directory (defaults to $XDG_CONFIG_HOME/dominion/tls)"`
	Host  []string `help:"Extra DNS name or IP address for the gateway certificate (repeatable)"`
	Force bool     `help:"Overwrite existing TLS material"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

var (
	newSignalChannel = func() chan os.Signal {
		return make(chan os.Signal, 2)
	}
	notifySignals = func(ch chan os.Signal, sig ...os.Signal) {
		signal.Notify(ch, sig...)
	}
	stopSignals = func(ch chan os.Signal) {
		signal.Stop(ch)
	}
)

func Run(args []string, version string) error {
	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("dominion"),
		kong.Description("Firmware image build server and client"),
		kong.Vars{"version": version},
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadConfig(cli.ConfigFile)
	if err != nil {
		return err
	}

	return ctx.Run(&runtimeContext{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
	})
}

// loadConfig reads the runtime config and overlays the environment.
func loadConfig(path string) (runtimeconfig.Config, string, error) {
	var (
		cfg runtimeconfig.Config
		err error
	)
	if path != "" {
		cfg, err = runtimeconfig.LoadFile(path)
	} else {
		cfg, path, err = runtimeconfig.Load()
	}
	if err != nil {
		return runtimeconfig.Config{}, path, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return runtimeconfig.Config{}, path, err
	}
	return cfg, path, nil
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (c *ConfigValidateCommand) Run(ctx *runtimeContext) error {
	if err := ctx.Config.Validate(); err != nil {
		return fmt.Errorf("invalid runtime config %s: %w", ctx.ConfigPath, err)
	}
	_, err := fmt.Fprintf(ctx.Stdout, "config valid: %s\n", ctx.ConfigPath)
	return err
}

func (c *TLSInitCommand) Run(ctx *runtimeContext) error {
	dir := c.Dir
	if dir == "" {
		var err error
		if dir, err = paths.TLSDir(); err != nil {
			return err
		}
	}
	if err := tlsbootstrap.Init(dir, c.Host, c.Force); err != nil {
		return err
	}
	_, err := fmt.Fprintf(ctx.Stdout, "wrote gateway TLS material to %s\nclients trust %s\n", dir, filepath.Join(dir, tlsbootstrap.CAFile))
	return err
}

func newLogger(rawLevel, rawFormat, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}

	var formatter log.Formatter
	switch strings.TrimSpace(strings.ToLower(rawFormat)) {
	case "", "text":
		formatter = log.TextFormatter
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("invalid --log-format %q (expected text, json or logfmt)", rawFormat)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: formatter != log.TextFormatter,
	})
	return logger.With("component", component), nil
}
