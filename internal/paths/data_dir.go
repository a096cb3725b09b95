package paths

import (
	"path/filepath"
)

// DataBaseDir resolves the default base directory for durable data.
// Preference order:
// 1. $XDG_DATA_HOME/dominion
// 2. ~/.local/share/dominion
// 3. $XDG_RUNTIME_DIR/dominion
func DataBaseDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"), "data")
}

// ResultDir is where finished images land when BUILD_RESULT_PATH is unset.
func ResultDir() (string, error) {
	base, err := DataBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "results"), nil
}
