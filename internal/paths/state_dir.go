package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const appName = "dominion"

// StateBaseDir resolves the default base directory for dominion state.
// Preference order:
// 1. $XDG_STATE_HOME/dominion
// 2. ~/.local/state/dominion
// 3. $XDG_RUNTIME_DIR/dominion
func StateBaseDir() (string, error) {
	return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"), "state")
}

func BuildDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "builds.db"), nil
}

func TSNetStateDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tsnet"), nil
}

// ConfigPath returns $XDG_CONFIG_HOME/dominion/config.yaml or
// ~/.config/dominion/config.yaml.
func ConfigPath() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, appName, "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName, "config.yaml"), nil
}

func xdgDir(envVar, homeRelative, kind string) (string, error) {
	if dir := strings.TrimSpace(os.Getenv(envVar)); dir != "" {
		return filepath.Join(dir, appName), nil
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(home, homeRelative, appName), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	if err != nil {
		return "", err
	}
	return "", errors.New("unable to resolve " + kind + " directory from " + envVar + ", XDG_RUNTIME_DIR or home")
}

// TLSDir holds the gateway certificate, key and CA bundle.
func TLSDir() (string, error) {
	configPath, err := ConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(configPath), "tls"), nil
}
