package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDataDirPrecedence(t *testing.T) {
	t.Setenv(EnvDataDir, "/tmp/from-env")

	got, err := DataDir("/tmp/explicit")
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	if got != "/tmp/explicit" {
		t.Errorf("explicit dir should win, got %q", got)
	}

	got, err = DataDir("")
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	if got != "/tmp/from-env" {
		t.Errorf("env dir should win over home, got %q", got)
	}

	t.Setenv(EnvDataDir, "")
	got, err = DataDir("")
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	home, _ := os.UserHomeDir()
	if got != filepath.Join(home, ".medidash") {
		t.Errorf("default dir = %q, want ~/.medidash", got)
	}
}

func TestEnsureDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "medidash-data")

	if err := EnsureDataDir(dataDir); err != nil {
		t.Fatalf("EnsureDataDir: %v", err)
	}

	for _, dir := range []string{dataDir, LogsDir(dataDir), BackupsDir(dataDir)} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s should be a directory", dir)
		}
	}

	// Idempotent on a second call.
	if err := EnsureDataDir(dataDir); err != nil {
		t.Errorf("EnsureDataDir second call: %v", err)
	}
}

func TestWellKnownPaths(t *testing.T) {
	dataDir := "/data/medidash"

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"database", DatabasePath(dataDir), "/data/medidash/medidash.db"},
		{"config", ConfigPath(dataDir), "/data/medidash/config.json"},
		{"log", LogPath(dataDir), "/data/medidash/logs/medidash.log"},
		{"api log", APILogPath(dataDir), "/data/medidash/logs/api.log"},
		{"backups", BackupsDir(dataDir), "/data/medidash/backups"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != filepath.FromSlash(tt.want) {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
