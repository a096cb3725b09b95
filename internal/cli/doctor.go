package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cusdeb/dominion/internal/endpoint"
	"github.com/cusdeb/dominion/internal/paths"
	"github.com/cusdeb/dominion/internal/runtimeconfig"
	"github.com/cusdeb/dominion/internal/sandbox"
	"github.com/cusdeb/dominion/internal/sandbox/local"
	"github.com/cusdeb/dominion/internal/store"
)

type DoctorCommand struct {
	JSON bool `help:"Print doctor report as JSON"`
}

type doctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

const doctorTimeout = 5 * time.Second

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.Config
	checkCtx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()

	checks := []doctorCheck{configCheck(ctx.ConfigPath, cfg)}
	checks = append(checks, databaseCheck(checkCtx, cfg))
	checks = append(checks, redisCheck(checkCtx, cfg))
	checks = append(checks, engineChecks(cfg)...)
	checks = append(checks, resultDirCheck(cfg))
	checks = append(checks, listenCheck(cfg))

	if d.JSON {
		return writeJSON(ctx.Stdout, map[string]any{
			"engine": cfg.Engine.Kind,
			"slots":  cfg.Builds.Slots,
			"checks": checks,
		})
	}
	report := doctorReport{Engine: cfg.Engine.Kind, Slots: cfg.Builds.Slots, Checks: checks}
	_, err := fmt.Fprint(ctx.Stdout, renderDoctorReport(report, newTheme(colorEnabled(ctx.Stderr))))
	return err
}

func configCheck(path string, cfg runtimeconfig.Config) doctorCheck {
	if err := cfg.Validate(); err != nil {
		return doctorCheck{Name: "runtime_config", Status: "fail", Message: fmt.Sprintf("%s: %v", path, err)}
	}
	return doctorCheck{Name: "runtime_config", Status: "pass", Message: "using runtime config path " + path}
}

func databaseCheck(ctx context.Context, cfg runtimeconfig.Config) doctorCheck {
	records, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return doctorCheck{Name: "database", Status: "fail", Message: err.Error()}
	}
	defer records.Close()
	return doctorCheck{Name: "database", Status: "pass", Message: "build records in " + records.Path()}
}

func redisCheck(ctx context.Context, cfg runtimeconfig.Config) doctorCheck {
	addr := cfg.Redis.Addr()
	if addr == "" {
		return doctorCheck{Name: "redis", Status: "warn", Message: "not configured, serve keeps the queue and log channels in memory"}
	}
	client := newRedisClient(cfg.Redis)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return doctorCheck{Name: "redis", Status: "fail", Message: fmt.Sprintf("ping %s: %v", addr, err)}
	}
	return doctorCheck{Name: "redis", Status: "pass", Message: "reachable at " + addr}
}

func engineChecks(cfg runtimeconfig.Config) []doctorCheck {
	engine, err := newEngine(cfg.Engine, nil)
	if err != nil {
		return []doctorCheck{{Name: "engine", Status: "fail", Message: err.Error()}}
	}
	if c, ok := engine.(interface{ Close() error }); ok {
		defer c.Close()
	}

	checks := []doctorCheck{{Name: "engine", Status: "pass", Message: "selected engine " + engine.Name()}}
	caps := sandbox.CapabilitiesFor(engine)
	var enabled []string
	for _, key := range sandbox.SortedCapabilityKeys(caps) {
		if caps[key] {
			enabled = append(enabled, key)
		}
	}
	if len(enabled) == 0 {
		enabled = []string{"none"}
	}
	checks = append(checks, doctorCheck{Name: "engine_capabilities", Status: "pass", Message: strings.Join(enabled, ", ")})

	if cfg.Engine.Kind == runtimeconfig.EngineLocal {
		command := cfg.Engine.LocalCommand
		if len(command) == 0 {
			command = local.DefaultCommand
		}
		if _, err := exec.LookPath(command[0]); err != nil {
			checks = append(checks, doctorCheck{Name: "local_command", Status: "fail", Message: err.Error()})
		} else {
			checks = append(checks, doctorCheck{Name: "local_command", Status: "pass", Message: strings.Join(command, " ")})
		}
	}
	return checks
}

func resultDirCheck(cfg runtimeconfig.Config) doctorCheck {
	dir := strings.TrimSpace(cfg.Builds.ResultPath)
	if dir == "" {
		var err error
		if dir, err = paths.ResultDir(); err != nil {
			return doctorCheck{Name: "result_dir", Status: "fail", Message: err.Error()}
		}
	}
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		return doctorCheck{Name: "result_dir", Status: "warn", Message: dir + " does not exist yet"}
	case err != nil:
		return doctorCheck{Name: "result_dir", Status: "fail", Message: err.Error()}
	case !info.IsDir():
		return doctorCheck{Name: "result_dir", Status: "fail", Message: dir + " is not a directory"}
	}
	return doctorCheck{Name: "result_dir", Status: "pass", Message: dir}
}

func listenCheck(cfg runtimeconfig.Config) doctorCheck {
	ep, err := endpoint.ResolveListen(cfg.Gateway.Listen)
	if err != nil {
		return doctorCheck{Name: "gateway_listen", Status: "fail", Message: err.Error()}
	}
	return doctorCheck{Name: "gateway_listen", Status: "pass", Message: endpointDisplay(ep)}
}
