package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cusdeb/dominion/internal/build"
	"github.com/cusdeb/dominion/internal/runtimeconfig"
	"github.com/cusdeb/dominion/internal/store"
)

func testRuntimeContext(t *testing.T) (*runtimeContext, *bytes.Buffer) {
	t.Helper()
	var stdout bytes.Buffer
	cfg := runtimeconfig.Config{
		Database: runtimeconfig.DatabaseConfig{Path: filepath.Join(t.TempDir(), "builds.db")},
	}.WithDefaults()
	return &runtimeContext{Stdout: &stdout, Config: cfg, ConfigPath: "/tmp/dominion.yaml"}, &stdout
}

func TestSubmitCreatesPendingRecord(t *testing.T) {
	ctx, stdout := testRuntimeContext(t)
	file := filepath.Join(t.TempDir(), "image.yaml")
	if err := os.WriteFile(file, []byte("device: Raspberry Pi Zero\nos: Debian 10 \"Buster\" (32-bit)\npackages: [vim]\nusers:\n  - name: pi\n    password: secret\n"), 0o644); err != nil {
		t.Fatalf("write build config: %v", err)
	}

	cmd := SubmitCommand{File: file, Packages: []string{"htop"}, Hostname: "zero", User: "u-1"}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := strings.TrimSpace(stdout.String())
	if err := build.ValidateID(id); err != nil {
		t.Fatalf("submit printed %q: %v", id, err)
	}

	records, err := store.Open(context.Background(), ctx.Config.Database.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer records.Close()
	record, err := records.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.Status != build.StatusPending || record.UserID != "u-1" {
		t.Fatalf("unexpected record %+v", record)
	}
	if got := strings.Join(record.Config.Packages, ","); got != "vim,htop" {
		t.Fatalf("unexpected packages %q", got)
	}
	if record.Config.Hostname != "zero" || len(record.Config.Users) != 1 {
		t.Fatalf("unexpected config %+v", record.Config)
	}
}

func TestSubmitRejectsInvalidConfig(t *testing.T) {
	ctx, _ := testRuntimeContext(t)
	cmd := SubmitCommand{Device: "Commodore 64", OS: "Debian 10 \"Buster\" (32-bit)"}
	err := cmd.Run(ctx)
	if err == nil || !strings.Contains(err.Error(), `invalid device "Commodore 64"`) {
		t.Fatalf("expected invalid device error, got %v", err)
	}
	if _, statErr := os.Stat(ctx.Config.Database.Path); !os.IsNotExist(statErr) {
		t.Fatalf("expected no database to be created for a rejected build, stat err %v", statErr)
	}
}

func TestStatusAndListShowRecords(t *testing.T) {
	ctx, stdout := testRuntimeContext(t)
	records, err := store.Open(context.Background(), ctx.Config.Database.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pending := build.Record{ID: build.NewID(), Status: build.StatusPending, Config: build.Config{Device: "Raspberry Pi Zero", OS: "Debian", RootPassword: "hunter2"}, CreatedAt: created}
	failed := build.Record{ID: build.NewID(), Status: build.StatusPending, CreatedAt: created.Add(time.Minute)}
	for _, r := range []build.Record{pending, failed} {
		if err := records.Create(context.Background(), r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := records.Finish(context.Background(), failed.ID, build.StatusFailed, "boom\r\n", created.Add(2*time.Minute)); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	records.Close()

	status := StatusCommand{BuildID: failed.ID, Log: true}
	if err := status.Run(ctx); err != nil {
		t.Fatalf("status: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"status:", "failed", "finished:", "\nboom\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in status output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\r") {
		t.Fatalf("expected carriage returns to be stripped: %q", out)
	}

	stdout.Reset()
	list := ListCommand{Status: "pending", Limit: 10, JSON: true}
	if err := list.Run(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	var views []buildView
	if err := json.Unmarshal(stdout.Bytes(), &views); err != nil {
		t.Fatalf("decode list output: %v\n%s", err, stdout.String())
	}
	if len(views) != 1 || views[0].ID != pending.ID {
		t.Fatalf("unexpected list %+v", views)
	}
	if views[0].Config.RootPassword != "" {
		t.Fatal("expected root password to be omitted from output")
	}

	if err := (&ListCommand{Status: "done"}).Run(ctx); err == nil {
		t.Fatal("expected invalid status to be rejected")
	}
}

func TestStatusReportsUnknownBuild(t *testing.T) {
	ctx, _ := testRuntimeContext(t)
	err := (&StatusCommand{BuildID: build.NewID()}).Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "build not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestLogsRequiresToken(t *testing.T) {
	ctx, _ := testRuntimeContext(t)
	err := (&LogsCommand{BuildID: build.NewID()}).Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestConfigValidateReportsPath(t *testing.T) {
	ctx, stdout := testRuntimeContext(t)
	if err := (&ConfigValidateCommand{}).Run(ctx); err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if got := stdout.String(); got != "config valid: /tmp/dominion.yaml\n" {
		t.Fatalf("unexpected output %q", got)
	}

	ctx.Config.Builds.Slots = 0
	if err := (&ConfigValidateCommand{}).Run(ctx); err == nil || !strings.Contains(err.Error(), "slots must be at least 1") {
		t.Fatalf("expected slots error, got %v", err)
	}
}

func TestTLSInitWritesMaterial(t *testing.T) {
	ctx, stdout := testRuntimeContext(t)
	dir := filepath.Join(t.TempDir(), "tls")
	if err := (&TLSInitCommand{Dir: dir, Host: []string{"builds.example"}}).Run(ctx); err != nil {
		t.Fatalf("tls init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "server.pem")); err != nil {
		t.Fatalf("expected server certificate: %v", err)
	}
	if !strings.Contains(stdout.String(), filepath.Join(dir, "ca.pem")) {
		t.Fatalf("expected CA path in output: %q", stdout.String())
	}
	if err := (&TLSInitCommand{Dir: dir}).Run(ctx); err == nil {
		t.Fatal("expected second init without --force to fail")
	}
}
