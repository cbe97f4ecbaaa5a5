package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"medidash/internal/backup"
	"medidash/internal/blob"
	"medidash/internal/config"
	mederrors "medidash/internal/errors"
	"medidash/internal/paths"
	"medidash/internal/slogutil"
	"medidash/internal/storage"
)

// appEnv bundles the dependencies most commands need: resolved data
// dir, loaded config, logger factory, and the open store.
type appEnv struct {
	dataDir string
	cfg     *config.Config
	logs    *slogutil.LoggerFactory
	logger  *slog.Logger
	db      *storage.DB
}

// openEnv resolves the data directory, loads config, and opens the
// store. Any failure here is fatal; nothing useful can run without the
// store.
func openEnv() *appEnv {
	dataDir, err := paths.DataDir(dataDirFlag)
	exitOn(err)

	cfg, err := config.LoadConfig(dataDir)
	exitOn(err)
	exitOn(cfg.Validate())

	var cliLevel slog.Level
	if logLevelFlag != "" {
		cliLevel = slogutil.LevelFromString(logLevelFlag)
	}
	logs := slogutil.NewLoggerFactory(dataDir, cfg, cliLevel)

	logger, err := logs.AppLogger()
	exitOn(err)

	db, err := storage.OpenWithOptions(dataDir, storage.Options{
		BusyTimeoutMs: cfg.Database.BusyTimeoutMs,
		CacheSizeKB:   cfg.Database.CacheSizeKB,
	}, logger)
	exitOn(err)

	return &appEnv{
		dataDir: dataDir,
		cfg:     cfg,
		logs:    logs,
		logger:  logger,
		db:      db,
	}
}

// Close releases the store and log files
func (a *appEnv) Close() {
	a.db.Close()
	a.logs.Close()
}

// backupManager builds the backup manager from config, including the
// replication store when one is configured.
func (a *appEnv) backupManager(ctx context.Context) *backup.Manager {
	store, err := blob.Open(ctx, a.cfg.Backup.Replication)
	exitOn(err)

	dir := a.cfg.Backup.Dir
	if dir == "" {
		dir = paths.BackupsDir(a.dataDir)
	}

	mgr, err := backup.NewManager(a.db, store, backup.Config{
		Dir:            dir,
		Prefix:         a.cfg.Backup.Prefix,
		Compress:       a.cfg.Backup.Compress,
		RetentionCount: a.cfg.Backup.RetentionCount,
		Timeout:        time.Duration(a.cfg.Backup.TimeoutMs) * time.Millisecond,
	}, a.logger)
	exitOn(err)
	return mgr
}

// resolveBiomarker accepts a numeric id or a (case-insensitive) name.
func resolveBiomarker(repo *storage.BiomarkerRepository, ref string) *storage.Biomarker {
	var b *storage.Biomarker
	var err error

	if id, convErr := strconv.ParseInt(ref, 10, 64); convErr == nil {
		b, err = repo.GetByID(id)
	} else {
		b, err = repo.GetByName(ref)
	}
	exitOn(err)
	if b == nil {
		exitOn(mederrors.NotFoundf("biomarker %q not found", ref))
	}
	return b
}

// exitOn prints the error and exits when err is non-nil
func exitOn(err error) {
	if err == nil {
		return
	}
	var me *mederrors.MediError
	if errors.As(err, &me) {
		fmt.Fprintf(os.Stderr, "error: %s\n", me.Message)
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(1)
}

// printJSON writes indented JSON to stdout
func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	exitOn(err)
	fmt.Println(string(data))
}

// table renders rows of columns with single-pass width alignment.
// Small tables only; biomarker lists top out around a hundred rows.
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var sb strings.Builder
	writeRow := func(cells []string) {
		for i, cell := range cells {
			if i > 0 {
				sb.WriteString("  ")
			}
			sb.WriteString(cell)
			if i < len(cells)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-len(cell)))
			}
		}
		sb.WriteString("\n")
	}

	writeRow(header)
	for _, row := range rows {
		writeRow(row)
	}
	return sb.String()
}

// formatValue renders a reading value without trailing zeros
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// formatBound renders an optional range bound
func formatBound(v *float64) string {
	if v == nil {
		return "-"
	}
	return formatValue(*v)
}

// formatRange renders a reference range like "70-99" or "< 100"
func formatRange(rr *storage.ReferenceRange) string {
	if rr == nil {
		return "-"
	}
	switch rr.Kind {
	case storage.RangeBelow:
		return "< " + formatValue(*rr.Upper)
	case storage.RangeAbove:
		return "> " + formatValue(*rr.Lower)
	case storage.RangeBetween:
		return formatValue(*rr.Lower) + "-" + formatValue(*rr.Upper)
	}
	return "-"
}

// formatStatus renders a classification for humans
func formatStatus(s storage.RangeStatus) string {
	switch s {
	case storage.StatusInRange:
		return "ok"
	case storage.StatusOutOfRange:
		return "OUT OF RANGE"
	default:
		return "-"
	}
}
