package paths

import (
	"path/filepath"
	"testing"
)

func TestStateDirPrefersXDGStateHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_STATE_HOME", tmp)

	got, err := BuildDBPath()
	if err != nil {
		t.Fatalf("BuildDBPath returned error: %v", err)
	}
	if want := filepath.Join(tmp, "dominion", "builds.db"); got != want {
		t.Fatalf("unexpected build db path: got %q want %q", got, want)
	}
}

func TestStateDirFallsBackToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_STATE_HOME", "")
	t.Setenv("HOME", home)

	got, err := TSNetStateDir()
	if err != nil {
		t.Fatalf("TSNetStateDir returned error: %v", err)
	}
	if want := filepath.Join(home, ".local", "state", "dominion", "tsnet"); got != want {
		t.Fatalf("unexpected tsnet dir: got %q want %q", got, want)
	}
}

func TestResultDirUsesDataHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_DATA_HOME", tmp)

	got, err := ResultDir()
	if err != nil {
		t.Fatalf("ResultDir returned error: %v", err)
	}
	if want := filepath.Join(tmp, "dominion", "results"); got != want {
		t.Fatalf("unexpected result dir: got %q want %q", got, want)
	}
}

func TestConfigPathUsesXDGConfigHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)

	got, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath returned error: %v", err)
	}
	if want := filepath.Join(tmp, "dominion", "config.yaml"); got != want {
		t.Fatalf("unexpected config path: got %q want %q", got, want)
	}
}

func TestTLSDirSitsNextToConfig(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)

	got, err := TLSDir()
	if err != nil {
		t.Fatalf("TLSDir returned error: %v", err)
	}
	if want := filepath.Join(tmp, "dominion", "tls"); got != want {
		t.Fatalf("unexpected tls dir: got %q want %q", got, want)
	}
}
