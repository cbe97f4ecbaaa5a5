// Package backup produces consistent snapshot archives of the store,
// tracks them in a manifest with retention, optionally replicates them
// to a blob store, and merges them back through Restore.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"medidash/internal/blob"
	mederrors "medidash/internal/errors"
	"medidash/internal/storage"
	"medidash/internal/telemetry"
)

const manifestFile = "manifest.json"

// Config configures the backup manager.
type Config struct {
	// Dir is the directory default-named backups and the manifest live in.
	Dir string
	// Prefix names default archives: <prefix>_<date>.db[.gz].
	Prefix string
	// Compress gzips archives.
	Compress bool
	// RetentionCount caps how many managed archives are kept.
	RetentionCount int
	// Timeout bounds a single backup or restore.
	Timeout time.Duration
}

// Manager handles snapshot creation, the manifest, and restores.
type Manager struct {
	db     *storage.DB
	store  blob.Store
	logger *slog.Logger
	cfg    Config

	mu       sync.Mutex
	manifest *Manifest
}

// Manifest tracks the archives this manager created.
type Manifest struct {
	Backups []Record `json:"backups"`
}

// Record describes one archive.
type Record struct {
	ID         string    `json:"id"`
	FileName   string    `json:"fileName"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"createdAt"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256"`
	Compressed bool      `json:"compressed"`
	Replicated bool      `json:"replicated,omitempty"`
}

// NewManager creates a backup manager. store may be nil when
// replication is disabled.
func NewManager(db *storage.DB, store blob.Store, cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, mederrors.Validationf("backup directory required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "medidash"
	}
	if cfg.RetentionCount <= 0 {
		cfg.RetentionCount = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	m := &Manager{
		db:       db,
		store:    store,
		logger:   logger,
		cfg:      cfg,
		manifest: &Manifest{Backups: make([]Record, 0)},
	}

	if err := m.loadManifest(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load manifest: %w", err)
		}
	}

	return m, nil
}

// DefaultName returns the archive name for a backup taken at now.
func (m *Manager) DefaultName(now time.Time) string {
	name := fmt.Sprintf("%s_%s.db", m.cfg.Prefix, now.UTC().Format("2006-01-02"))
	if m.cfg.Compress {
		name += ".gz"
	}
	return name
}

// Create snapshots the store into destination and records it in the
// manifest. An empty destination uses the default name inside the
// backup directory. The snapshot is taken with the engine's own
// consistent-copy mechanism and published with an atomic rename, so a
// half-written archive is never observable. The source store is never
// mutated.
func (m *Manager) Create(ctx context.Context, destination string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.createLocked(ctx, destination)
	if err != nil {
		telemetry.Active().BackupFinished(false, 0)
		return nil, err
	}
	telemetry.Active().BackupFinished(true, record.Size)
	return record, nil
}

func (m *Manager) createLocked(ctx context.Context, destination string) (*Record, error) {
	start := time.Now()

	if destination == "" {
		destination = filepath.Join(m.cfg.Dir, m.DefaultName(start))
	}
	destDir := filepath.Dir(destination)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, mederrors.IOf(err, "cannot create backup directory %s", destDir)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	// VACUUM INTO writes a consistent snapshot even while readers and
	// writers proceed. The target must not exist yet.
	snapPath := filepath.Join(destDir, fmt.Sprintf(".snapshot-%s.db", uuid.NewString()))
	defer os.Remove(snapPath)

	if _, err := m.db.Conn().ExecContext(ctx, "VACUUM INTO ?", snapPath); err != nil {
		if ctx.Err() != nil {
			return nil, mederrors.IOf(ctx.Err(), "backup timed out")
		}
		return nil, mederrors.IOf(err, "cannot snapshot database")
	}

	digest, err := m.publish(snapPath, destination)
	if err != nil {
		if ctx.Err() != nil {
			return nil, mederrors.IOf(ctx.Err(), "backup timed out")
		}
		return nil, err
	}

	fi, err := os.Stat(destination)
	if err != nil {
		return nil, mederrors.IOf(err, "cannot stat backup %s", destination)
	}

	record := Record{
		ID:         uuid.NewString(),
		FileName:   filepath.Base(destination),
		Path:       destination,
		CreatedAt:  start.UTC(),
		Size:       fi.Size(),
		SHA256:     digest,
		Compressed: m.cfg.Compress,
	}

	// Re-running a default name in the same day replaces the archive;
	// drop the superseded manifest entry.
	kept := m.manifest.Backups[:0]
	for _, r := range m.manifest.Backups {
		if r.Path != record.Path {
			kept = append(kept, r)
		}
	}
	m.manifest.Backups = append(kept, record)

	if err := m.saveManifest(); err != nil {
		return nil, err
	}
	m.enforceRetention()

	if m.store != nil {
		if err := m.replicateRecord(ctx, &record); err != nil {
			m.logger.Warn("Backup replication failed", "file", record.FileName, "error", err)
		} else {
			m.markReplicated(record.ID)
		}
	}

	m.logger.Info("Backup created",
		"path", destination, "size", record.Size, "duration", time.Since(start))

	return &record, nil
}

// publish compresses (optionally) and hashes the snapshot, then
// renames it into place.
func (m *Manager) publish(snapPath, destination string) (string, error) {
	src, err := os.Open(snapPath)
	if err != nil {
		return "", mederrors.IOf(err, "cannot open snapshot")
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destination), ".tmp-backup-*")
	if err != nil {
		return "", mederrors.IOf(err, "cannot create backup file in %s", filepath.Dir(destination))
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	var dst io.Writer = io.MultiWriter(tmp, h)

	if m.cfg.Compress {
		gw := gzip.NewWriter(dst)
		if _, err := io.Copy(gw, src); err != nil {
			_ = tmp.Close()
			return "", mederrors.IOf(err, "cannot compress backup")
		}
		if err := gw.Close(); err != nil {
			_ = tmp.Close()
			return "", mederrors.IOf(err, "cannot finish compressed backup")
		}
	} else {
		if _, err := io.Copy(dst, src); err != nil {
			_ = tmp.Close()
			return "", mederrors.IOf(err, "cannot copy snapshot")
		}
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", mederrors.IOf(err, "cannot sync backup file")
	}
	if err := tmp.Close(); err != nil {
		return "", mederrors.IOf(err, "cannot close backup file")
	}

	if err := os.Rename(tmp.Name(), destination); err != nil {
		return "", mederrors.IOf(err, "cannot publish backup to %s", destination)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// List returns manifest records, newest first.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Record, len(m.manifest.Backups))
	copy(result, m.manifest.Backups)
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// Find returns the record matching an id or file name, or nil.
func (m *Manager) Find(ref string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.manifest.Backups {
		r := m.manifest.Backups[i]
		if r.ID == ref || r.FileName == ref {
			return &r
		}
	}
	return nil
}

// Delete removes an archive and its manifest entry.
func (m *Manager) Delete(ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.manifest.Backups {
		if r.ID == ref || r.FileName == ref {
			if err := os.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return mederrors.IOf(err, "cannot remove backup %s", r.Path)
			}
			m.manifest.Backups = append(m.manifest.Backups[:i], m.manifest.Backups[i+1:]...)
			return m.saveManifest()
		}
	}
	return mederrors.NotFoundf("backup %q not found", ref)
}

// Prune applies the retention policy now and reports how many
// archives were removed.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(m.manifest.Backups)
	m.enforceRetention()
	return before - len(m.manifest.Backups)
}

// Replicate uploads a managed archive to the blob store and returns
// its info plus a time-limited fetch URL.
func (m *Manager) Replicate(ctx context.Context, ref string) (*blob.Info, string, error) {
	if m.store == nil {
		return nil, "", mederrors.Validationf("replication is not configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var record *Record
	for i := range m.manifest.Backups {
		if m.manifest.Backups[i].ID == ref || m.manifest.Backups[i].FileName == ref {
			record = &m.manifest.Backups[i]
			break
		}
	}
	if record == nil {
		return nil, "", mederrors.NotFoundf("backup %q not found", ref)
	}

	if err := m.replicateRecord(ctx, record); err != nil {
		return nil, "", mederrors.IOf(err, "cannot replicate backup %s", record.FileName)
	}
	record.Replicated = true
	if err := m.saveManifest(); err != nil {
		return nil, "", err
	}

	info, err := m.store.Head(ctx, record.FileName)
	if err != nil {
		return nil, "", mederrors.IOf(err, "cannot stat replica %s", record.FileName)
	}
	url, err := m.store.PresignURL(ctx, record.FileName, 15*time.Minute)
	if err != nil {
		return &info, "", nil
	}
	return &info, url, nil
}

func (m *Manager) replicateRecord(ctx context.Context, record *Record) error {
	f, err := os.Open(record.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	contentType := "application/vnd.sqlite3"
	if record.Compressed {
		contentType = "application/gzip"
	}
	_, err = m.store.Put(ctx, record.FileName, f, blob.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"backup-id": record.ID,
			"sha256":    record.SHA256,
		},
	})
	return err
}

func (m *Manager) markReplicated(id string) {
	for i := range m.manifest.Backups {
		if m.manifest.Backups[i].ID == id {
			m.manifest.Backups[i].Replicated = true
			break
		}
	}
	if err := m.saveManifest(); err != nil {
		m.logger.Warn("Failed to save manifest", "error", err)
	}
}

func (m *Manager) loadManifest() error {
	data, err := os.ReadFile(filepath.Join(m.cfg.Dir, manifestFile))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, m.manifest)
}

func (m *Manager) saveManifest() error {
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return mederrors.IOf(err, "cannot create backup directory %s", m.cfg.Dir)
	}
	data, err := json.MarshalIndent(m.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.cfg.Dir, manifestFile), data, 0o644); err != nil {
		return mederrors.IOf(err, "cannot write manifest")
	}
	return nil
}

// enforceRetention removes the oldest managed archives beyond the
// retention count. Archives saved to explicit destinations outside the
// backup directory are never auto-pruned.
func (m *Manager) enforceRetention() {
	managed := 0
	for _, r := range m.manifest.Backups {
		if m.isManaged(r) {
			managed++
		}
	}
	if managed <= m.cfg.RetentionCount {
		return
	}

	sort.Slice(m.manifest.Backups, func(i, j int) bool {
		return m.manifest.Backups[i].CreatedAt.Before(m.manifest.Backups[j].CreatedAt)
	})

	toRemove := managed - m.cfg.RetentionCount
	kept := make([]Record, 0, len(m.manifest.Backups))
	for _, r := range m.manifest.Backups {
		if toRemove > 0 && m.isManaged(r) {
			if err := os.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.logger.Warn("Failed to prune backup", "path", r.Path, "error", err)
				kept = append(kept, r)
				continue
			}
			m.logger.Info("Pruned backup", "file", r.FileName)
			toRemove--
			continue
		}
		kept = append(kept, r)
	}
	m.manifest.Backups = kept

	if err := m.saveManifest(); err != nil {
		m.logger.Warn("Failed to save manifest", "error", err)
	}
}

func (m *Manager) isManaged(r Record) bool {
	dir, err := filepath.Abs(m.cfg.Dir)
	if err != nil {
		return false
	}
	path, err := filepath.Abs(r.Path)
	if err != nil {
		return false
	}
	return filepath.Dir(path) == dir && !strings.Contains(r.FileName, string(os.PathSeparator))
}
