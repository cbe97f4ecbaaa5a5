package slogutil

import (
	"io"
	"log/slog"

	"medidash/internal/config"
	"medidash/internal/paths"
)

// LoggerFactory creates configured loggers for the application
// subsystems. It respects the precedence: CLI flag > subsystem config >
// global config.
type LoggerFactory struct {
	dataDir  string
	config   *config.Config
	cliLevel slog.Level // from CLI flags (0 means not set)
	closers  []io.Closer
}

// NewLoggerFactory creates a new logger factory.
// cliLevel should be 0 if no CLI override was specified.
func NewLoggerFactory(dataDir string, cfg *config.Config, cliLevel slog.Level) *LoggerFactory {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &LoggerFactory{
		dataDir:  dataDir,
		config:   cfg,
		cliLevel: cliLevel,
		closers:  make([]io.Closer, 0),
	}
}

// AppLogger creates the main application logger.
// Writes to <data dir>/logs/medidash.log
func (f *LoggerFactory) AppLogger() (*slog.Logger, error) {
	return f.fileLogger(paths.LogPath(f.dataDir), f.effectiveLevel(""))
}

// APILogger creates a logger for the HTTP API server.
// Writes to <data dir>/logs/api.log
func (f *LoggerFactory) APILogger() (*slog.Logger, error) {
	return f.fileLogger(paths.APILogPath(f.dataDir), f.effectiveLevel("api"))
}

func (f *LoggerFactory) fileLogger(logPath string, level slog.Level) (*slog.Logger, error) {
	if f.dataDir == "" {
		return NewDiscardLogger(), nil
	}
	if err := paths.EnsureDataDir(f.dataDir); err != nil {
		return NewDiscardLogger(), nil
	}

	logger, closer, err := NewFileLoggerWithRotation(
		logPath, level, f.config.Logging.MaxSize, f.config.Logging.MaxBackups)
	if err != nil {
		return NewDiscardLogger(), nil
	}

	f.closers = append(f.closers, closer)
	return logger, nil
}

// effectiveLevel returns the effective log level for a subsystem.
// Precedence: CLI flag > subsystem config > global config > default (info)
func (f *LoggerFactory) effectiveLevel(subsystem string) slog.Level {
	if f.cliLevel != 0 {
		return f.cliLevel
	}

	if subsystem == "api" && f.config.Logging.API != "" {
		return LevelFromString(f.config.Logging.API)
	}

	if f.config.Logging.Level != "" {
		return LevelFromString(f.config.Logging.Level)
	}

	return slog.LevelInfo
}

// Close closes all open log files.
func (f *LoggerFactory) Close() error {
	var firstErr error
	for _, c := range f.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.closers = nil
	return firstErr
}
