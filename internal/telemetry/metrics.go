// Package telemetry exposes Prometheus collectors for the data-path
// operations. Components report through the active Recorder, which
// tests can swap for a CountingRecorder to assert on event counts
// without scraping the registry.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Import row result labels.
const (
	ResultInserted = "inserted"
	ResultSkipped  = "skipped"
	ResultRejected = "rejected"
)

var (
	readingsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medidash_readings_written_total",
			Help: "Readings persisted through any path: direct add, import, or restore",
		},
	)

	importRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medidash_import_rows_total",
			Help: "Import rows by result",
		},
		[]string{"result"},
	)

	backups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medidash_backups_total",
			Help: "Backup runs by status",
		},
		[]string{"status"},
	)

	restores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medidash_restores_total",
			Help: "Restore runs by status",
		},
		[]string{"status"},
	)

	lastBackupSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medidash_last_backup_size_bytes",
			Help: "Size of the most recent successful backup archive",
		},
	)

	restoreDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "medidash_restore_duration_seconds",
			Help: "Restore duration in seconds",
		},
	)
)

// Recorder receives operational events from the data paths.
type Recorder interface {
	ReadingsWritten(n int)
	ImportRows(result string, n int)
	BackupFinished(ok bool, sizeBytes int64)
	RestoreFinished(ok bool, d time.Duration)
}

// promRecorder forwards events to the package collectors.
type promRecorder struct{}

func (promRecorder) ReadingsWritten(n int) {
	if n > 0 {
		readingsWritten.Add(float64(n))
	}
}

func (promRecorder) ImportRows(result string, n int) {
	if n > 0 {
		importRows.WithLabelValues(result).Add(float64(n))
	}
}

func (promRecorder) BackupFinished(ok bool, sizeBytes int64) {
	backups.WithLabelValues(statusLabel(ok)).Inc()
	if ok {
		lastBackupSize.Set(float64(sizeBytes))
	}
}

func (promRecorder) RestoreFinished(ok bool, d time.Duration) {
	restores.WithLabelValues(statusLabel(ok)).Inc()
	if ok {
		restoreDuration.Observe(d.Seconds())
	}
}

func statusLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

var (
	activeMu sync.RWMutex
	active   Recorder = promRecorder{}
)

// Active returns the recorder operations report to.
func Active() Recorder {
	activeMu.RLock()
	defer activeMu.RUnlock()
	return active
}

// SetRecorder swaps the active recorder and returns the previous one.
func SetRecorder(r Recorder) Recorder {
	activeMu.Lock()
	defer activeMu.Unlock()
	prev := active
	active = r
	return prev
}

// CountingRecorder tallies events in memory for tests.
type CountingRecorder struct {
	mu             sync.Mutex
	Readings       int
	Imports        map[string]int
	BackupsOK      int
	BackupsFailed  int
	RestoresOK     int
	RestoresFailed int
	LastBackupSize int64
}

func NewCountingRecorder() *CountingRecorder {
	return &CountingRecorder{Imports: make(map[string]int)}
}

func (c *CountingRecorder) ReadingsWritten(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Readings += n
}

func (c *CountingRecorder) ImportRows(result string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Imports[result] += n
}

func (c *CountingRecorder) BackupFinished(ok bool, sizeBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.BackupsOK++
		c.LastBackupSize = sizeBytes
	} else {
		c.BackupsFailed++
	}
}

func (c *CountingRecorder) RestoreFinished(ok bool, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.RestoresOK++
	} else {
		c.RestoresFailed++
	}
}
