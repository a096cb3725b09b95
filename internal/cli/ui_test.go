package cli

import (
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/cusdeb/dominion/internal/endpoint"
)

func TestRenderStartupHeaderAlignsFields(t *testing.T) {
	out := renderStartupHeader(startupHeader{
		Title: "dominion build server",
		Fields: []startupField{
			{Key: "roles", Value: "scheduler,builder"},
			{Key: "log level", Value: "debug"},
			{Key: "engine", Value: ""},
			{Key: "", Value: "ignored"},
		},
	}, newTheme(false))

	want := "\n⚙ dominion build server\n  roles      scheduler,builder\n  log level  debug\n\n"
	if out != want {
		t.Fatalf("unexpected header output:\n--- got ---\n%s--- want ---\n%s", out, want)
	}
}

func TestRenderStartupHeaderColor(t *testing.T) {
	out := renderStartupHeader(startupHeader{
		Fields: []startupField{{Key: "listen", Value: "unix:///tmp/dominion.sock"}},
	}, newTheme(true))

	if !strings.Contains(out, "\x1b[") {
		t.Fatalf("expected ANSI escapes in color output: %q", out)
	}
	plain := stripANSI(out)
	if !strings.Contains(plain, "⚙ dominion\n") {
		t.Fatalf("missing default title in header output: %q", plain)
	}
	if !strings.Contains(plain, "listen  unix:///tmp/dominion.sock") {
		t.Fatalf("missing field in header output: %q", plain)
	}
}

func TestRenderDoctorReport(t *testing.T) {
	report := doctorReport{
		Engine: "docker",
		Slots:  2,
		Checks: []doctorCheck{
			{Name: "database", Status: "pass", Message: "build records in /tmp/builds.db"},
			{Name: "redis", Status: "warning", Message: "not configured"},
			{Name: "local_command", Status: "error", Message: "sh not found"},
			{Name: "", Status: "", Message: ""},
		},
	}

	tests := []struct {
		name  string
		color bool
	}{
		{name: "plain"},
		{name: "color", color: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := renderDoctorReport(report, newTheme(tc.color))
			if got := strings.Contains(out, "\x1b["); got != tc.color {
				t.Fatalf("ANSI escapes present=%v, want %v: %q", got, tc.color, out)
			}
			plain := stripANSI(out)
			for _, want := range []string{
				"dominion doctor: engine docker, 2 build slots\n",
				"  PASS  database       build records in /tmp/builds.db\n",
				"  WARN  redis          not configured\n",
				"  FAIL  local_command  sh not found\n",
				"  UNKNOWN  unnamed        -\n",
				"1 passed, 1 warned, 1 failed, 1 unknown\n",
			} {
				if !strings.Contains(plain, want) {
					t.Fatalf("missing %q in report:\n%s", want, plain)
				}
			}
		})
	}
}

func TestRenderDoctorReportSingleSlot(t *testing.T) {
	out := renderDoctorReport(doctorReport{Slots: 1}, newTheme(false))
	if !strings.HasPrefix(out, "dominion doctor: engine unknown, 1 build slot\n") {
		t.Fatalf("unexpected title: %q", out)
	}
	if !strings.HasSuffix(out, "0 passed, 0 warned, 0 failed\n") {
		t.Fatalf("unexpected summary: %q", out)
	}
}

func TestEndpointDisplay(t *testing.T) {
	tests := []struct {
		name string
		ep   endpoint.Endpoint
		want string
	}{
		{name: "unix", ep: endpoint.Endpoint{Scheme: "unix", Address: "/tmp/d.sock"}, want: "unix:///tmp/d.sock"},
		{name: "http", ep: endpoint.Endpoint{Scheme: "http", Address: "http://127.0.0.1:7777"}, want: "http://127.0.0.1:7777"},
		{name: "https base url", ep: endpoint.Endpoint{Scheme: "https", BaseURL: "https://logs.example"}, want: "https://logs.example"},
		{name: "tsnet", ep: endpoint.Endpoint{Scheme: "tsnet", TSNetHostname: "builds", TSNetPort: 8080}, want: "tsnet://builds:8080"},
		{name: "tsnet default host", ep: endpoint.Endpoint{Scheme: "tsnet"}, want: "tsnet://dominion"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := endpointDisplay(tc.ep); got != tc.want {
				t.Fatalf("endpointDisplay() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestColorEnabledFollowsEnvironment(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want bool
	}{
		{name: "not a terminal", want: false},
		{name: "forced", env: map[string]string{"CLICOLOR_FORCE": "1"}, want: true},
		{name: "forced off", env: map[string]string{"CLICOLOR_FORCE": "0"}, want: false},
		{name: "no color wins", env: map[string]string{"NO_COLOR": "", "CLICOLOR_FORCE": "1"}, want: false},
		{name: "clicolor zero", env: map[string]string{"CLICOLOR": "0", "CLICOLOR_FORCE": "1"}, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CLICOLOR", "")
			t.Setenv("CLICOLOR_FORCE", "")
			t.Setenv("NO_COLOR", "")
			os.Unsetenv("NO_COLOR")
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			if got := colorEnabled(nil); got != tc.want {
				t.Fatalf("colorEnabled() = %v, want %v", got, tc.want)
			}
		})
	}
}

func stripANSI(value string) string {
	ansi := regexp.MustCompile(`\x1b\[[0-9;]*m`)
	return ansi.ReplaceAllString(value, "")
}
