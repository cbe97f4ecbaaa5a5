// Package paths resolves the medidash data directory and the well-known
// files inside it. Layout:
//
//	<data dir>/medidash.db      the store
//	<data dir>/config.json      configuration
//	<data dir>/logs/            log files
//	<data dir>/backups/         snapshots + manifest.json
package paths

import (
	"os"
	"path/filepath"
)

const (
	// EnvDataDir overrides the default data directory location.
	EnvDataDir = "MEDIDASH_DATA_DIR"

	defaultDirName = ".medidash"
	databaseFile   = "medidash.db"
	configFile     = "config.json"
)

// DataDir resolves the data directory. Precedence: the explicit value
// (CLI flag), the MEDIDASH_DATA_DIR environment variable, then
// ~/.medidash.
func DataDir(explicit string) (string, error) {
	if explicit != "" {
		return filepath.Abs(explicit)
	}
	if env := os.Getenv(EnvDataDir); env != "" {
		return filepath.Abs(env)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, defaultDirName), nil
}

// EnsureDataDir creates the data directory and its subdirectories.
func EnsureDataDir(dataDir string) error {
	for _, dir := range []string{dataDir, LogsDir(dataDir), BackupsDir(dataDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// DatabasePath returns the SQLite file path inside the data directory.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, databaseFile)
}

// ConfigPath returns the config file path inside the data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFile)
}

// LogsDir returns the log directory inside the data directory.
func LogsDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// LogPath returns the main application log path.
func LogPath(dataDir string) string {
	return filepath.Join(LogsDir(dataDir), "medidash.log")
}

// APILogPath returns the HTTP API log path.
func APILogPath(dataDir string) string {
	return filepath.Join(LogsDir(dataDir), "api.log")
}

// BackupsDir returns the default backup directory inside the data
// directory.
func BackupsDir(dataDir string) string {
	return filepath.Join(dataDir, "backups")
}
