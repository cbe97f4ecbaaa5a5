package backup

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	mederrors "medidash/internal/errors"
	"medidash/internal/storage"
)

// writeCandidateDB builds a standalone database file for restore tests.
func writeCandidateDB(t *testing.T, dir string, stmts []string) string {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("Failed to create candidate dir: %v", err)
	}
	path := filepath.Join(dir, "candidate.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Failed to open candidate database: %v", err)
	}
	defer db.Close()

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Failed to build candidate database: %v", err)
		}
	}
	return path
}

const (
	candidateBiomarkersDDL = "CREATE TABLE biomarkers (id INTEGER PRIMARY KEY, name TEXT, unit TEXT, category TEXT)"
	candidateReadingsDDL   = "CREATE TABLE readings (id INTEGER PRIMARY KEY, biomarker_id INTEGER, timestamp TEXT, value REAL, created_at TEXT)"
)

func TestRestoreMerge(t *testing.T) {
	// Source store: Glucose plus HDL with a reference range.
	dbA, mgrA, tmpA := setupBackupTest(t, Config{})
	defer teardownBackupTest(dbA, tmpA)

	biomarkersA := storage.NewBiomarkerRepository(dbA)
	readingsA := storage.NewReadingRepository(dbA)
	rangesA := storage.NewRangeRepository(dbA)

	glucoseA, err := biomarkersA.Add("Glucose", "mg/dL", "metabolic")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}
	hdlA, err := biomarkersA.Add("HDL", "mg/dL", "lipids")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}
	hdlLower := 40.0
	if _, err := rangesA.Set(hdlA.ID, storage.RangeAbove, &hdlLower, nil); err != nil {
		t.Fatalf("Failed to set range: %v", err)
	}

	t1 := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 2, 5, 8, 0, 0, 0, time.UTC)
	if _, err := readingsA.Add(glucoseA.ID, t1, 95); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}
	if _, err := readingsA.Add(glucoseA.ID, t2, 102); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}
	if _, err := readingsA.Add(hdlA.ID, t1, 55); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}

	rec, err := mgrA.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("Failed to create backup: %v", err)
	}

	// Target store: shares Glucose (with its own range), has its own
	// Ferritin definition with a reading.
	dbB, mgrB, tmpB := setupBackupTest(t, Config{})
	defer teardownBackupTest(dbB, tmpB)

	biomarkersB := storage.NewBiomarkerRepository(dbB)
	readingsB := storage.NewReadingRepository(dbB)
	rangesB := storage.NewRangeRepository(dbB)

	glucoseB, err := biomarkersB.Add("Glucose", "mg/dL", "")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}
	gLower, gUpper := 70.0, 99.0
	if _, err := rangesB.Set(glucoseB.ID, storage.RangeBetween, &gLower, &gUpper); err != nil {
		t.Fatalf("Failed to set range: %v", err)
	}
	ferritinB, err := biomarkersB.Add("Ferritin", "ng/mL", "iron")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}
	if _, err := readingsB.Add(glucoseB.ID, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), 111); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}
	if _, err := readingsB.Add(ferritinB.ID, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), 80); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}

	report, err := mgrB.Restore(context.Background(), rec.Path)
	if err != nil {
		t.Fatalf("Failed to restore: %v", err)
	}

	// Test the report
	if report.ReadingsRestored != 3 {
		t.Errorf("Expected 3 readings restored, got %d", report.ReadingsRestored)
	}
	if report.BiomarkersAdded != 1 {
		t.Errorf("Expected 1 biomarker added, got %d", report.BiomarkersAdded)
	}
	if report.BiomarkersUnchanged != 1 {
		t.Errorf("Expected 1 biomarker unchanged, got %d", report.BiomarkersUnchanged)
	}
	if report.SafetyBackupPath == "" {
		t.Fatal("Expected a safety backup path")
	}
	if _, err := os.Stat(report.SafetyBackupPath); err != nil {
		t.Errorf("Safety backup missing: %v", err)
	}

	// Test that readings now mirror the archive
	if count, _ := readingsB.Count(); count != 3 {
		t.Errorf("Expected 3 readings after restore, got %d", count)
	}
	glucoseReadings, err := readingsB.ListForBiomarker(glucoseB.ID, nil, nil)
	if err != nil {
		t.Fatalf("Failed to list readings: %v", err)
	}
	if len(glucoseReadings) != 2 {
		t.Fatalf("Expected 2 glucose readings, got %d", len(glucoseReadings))
	}
	if !glucoseReadings[0].Timestamp.Equal(t1) || glucoseReadings[0].Value != 95 {
		t.Errorf("Expected first reading (%v, 95), got (%v, %g)",
			t1, glucoseReadings[0].Timestamp, glucoseReadings[0].Value)
	}

	// Test that the live-only definition survives with its readings gone
	fer, err := biomarkersB.GetByName("Ferritin")
	if err != nil {
		t.Fatalf("Failed to get biomarker: %v", err)
	}
	if fer == nil {
		t.Fatal("Expected Ferritin to survive the restore")
	}
	if count, _ := readingsB.CountForBiomarker(fer.ID); count != 0 {
		t.Errorf("Expected Ferritin readings to be cleared, got %d", count)
	}

	// Test that HDL was added with its archived range
	hdlB, err := biomarkersB.GetByName("HDL")
	if err != nil {
		t.Fatalf("Failed to get biomarker: %v", err)
	}
	if hdlB == nil {
		t.Fatal("Expected HDL to be added by the restore")
	}
	hdlRange, err := rangesB.Get(hdlB.ID)
	if err != nil {
		t.Fatalf("Failed to get range: %v", err)
	}
	if hdlRange == nil || hdlRange.Kind != storage.RangeAbove || *hdlRange.Lower != 40 {
		t.Errorf("Expected adopted range above 40, got %+v", hdlRange)
	}

	// Test that the matched definition kept its own range
	glucoseRange, err := rangesB.Get(glucoseB.ID)
	if err != nil {
		t.Fatalf("Failed to get range: %v", err)
	}
	if glucoseRange == nil || glucoseRange.Kind != storage.RangeBetween {
		t.Errorf("Expected the live range to survive, got %+v", glucoseRange)
	}

	// Test that restoring the same archive again changes nothing
	report2, err := mgrB.Restore(context.Background(), rec.Path)
	if err != nil {
		t.Fatalf("Failed to restore a second time: %v", err)
	}
	if report2.BiomarkersAdded != 0 || report2.BiomarkersUnchanged != 2 {
		t.Errorf("Expected 0 added and 2 unchanged on repeat, got %d and %d",
			report2.BiomarkersAdded, report2.BiomarkersUnchanged)
	}
	if count, _ := readingsB.Count(); count != 3 {
		t.Errorf("Expected 3 readings after repeat restore, got %d", count)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	db, mgr, tmpDir := setupBackupTest(t, Config{})
	defer teardownBackupTest(db, tmpDir)

	biomarkers := storage.NewBiomarkerRepository(db)
	readings := storage.NewReadingRepository(db)

	glucose, err := biomarkers.Add("Glucose", "mg/dL", "metabolic")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}
	t1 := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 2, 5, 8, 0, 0, 0, time.UTC)
	if _, err := readings.Add(glucose.ID, t1, 95); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}
	if _, err := readings.Add(glucose.ID, t2, 102); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}

	rec, err := mgr.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("Failed to create backup: %v", err)
	}

	// Restoring a store's own backup leaves it data-equal
	report, err := mgr.Restore(context.Background(), rec.Path)
	if err != nil {
		t.Fatalf("Failed to restore: %v", err)
	}
	if report.ReadingsRestored != 2 || report.BiomarkersAdded != 0 || report.BiomarkersUnchanged != 1 {
		t.Errorf("Expected 2 readings and 0 added / 1 unchanged, got %+v", report)
	}

	after, err := readings.ListForBiomarker(glucose.ID, nil, nil)
	if err != nil {
		t.Fatalf("Failed to list readings: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("Expected 2 readings after round trip, got %d", len(after))
	}
	if !after[0].Timestamp.Equal(t1) || after[0].Value != 95 ||
		!after[1].Timestamp.Equal(t2) || after[1].Value != 102 {
		t.Errorf("Expected readings unchanged, got %+v", after)
	}
}

func TestRestoreCompressedArchive(t *testing.T) {
	dbA, mgrA, tmpA := setupBackupTest(t, Config{Compress: true})
	defer teardownBackupTest(dbA, tmpA)

	biomarkersA := storage.NewBiomarkerRepository(dbA)
	readingsA := storage.NewReadingRepository(dbA)
	bm, err := biomarkersA.Add("Glucose", "mg/dL", "")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}
	if _, err := readingsA.Add(bm.ID, time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC), 95); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}

	rec, err := mgrA.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("Failed to create backup: %v", err)
	}

	dbB, mgrB, tmpB := setupBackupTest(t, Config{})
	defer teardownBackupTest(dbB, tmpB)

	report, err := mgrB.Restore(context.Background(), rec.Path)
	if err != nil {
		t.Fatalf("Failed to restore compressed archive: %v", err)
	}
	if report.ReadingsRestored != 1 || report.BiomarkersAdded != 1 {
		t.Errorf("Expected 1 reading and 1 biomarker restored, got %d and %d",
			report.ReadingsRestored, report.BiomarkersAdded)
	}
}

func TestRestoreUnitConflict(t *testing.T) {
	dbA, mgrA, tmpA := setupBackupTest(t, Config{})
	defer teardownBackupTest(dbA, tmpA)

	biomarkersA := storage.NewBiomarkerRepository(dbA)
	if _, err := biomarkersA.Add("Glucose", "mmol/L", ""); err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}
	rec, err := mgrA.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("Failed to create backup: %v", err)
	}

	dbB, mgrB, tmpB := setupBackupTest(t, Config{})
	defer teardownBackupTest(dbB, tmpB)

	biomarkersB := storage.NewBiomarkerRepository(dbB)
	readingsB := storage.NewReadingRepository(dbB)
	bm, err := biomarkersB.Add("Glucose", "mg/dL", "")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}
	if _, err := readingsB.Add(bm.ID, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), 101); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}

	_, err = mgrB.Restore(context.Background(), rec.Path)
	if !mederrors.IsCode(err, mederrors.Conflict) {
		t.Fatalf("Expected Conflict for a unit mismatch, got %v", err)
	}

	// The failed restore must leave the store untouched.
	if count, _ := readingsB.Count(); count != 1 {
		t.Errorf("Expected readings to survive the failed restore, got %d", count)
	}
}

func TestRestoreRollback(t *testing.T) {
	db, mgr, tmpDir := setupBackupTest(t, Config{})
	defer teardownBackupTest(db, tmpDir)

	biomarkers := storage.NewBiomarkerRepository(db)
	readings := storage.NewReadingRepository(db)
	bm, err := biomarkers.Add("Glucose", "mg/dL", "")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}
	if _, err := readings.Add(bm.ID, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), 101); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}

	// A reading pointing at a biomarker the archive does not define
	// fails after live readings were already cleared in the transaction.
	candidate := writeCandidateDB(t, tmpDir, []string{
		candidateBiomarkersDDL,
		candidateReadingsDDL,
		"INSERT INTO biomarkers (id, name, unit, category) VALUES (1, 'Iron', 'ug/dL', '')",
		"INSERT INTO readings (biomarker_id, timestamp, value, created_at) VALUES (99, '2026-01-05T08:00:00Z', 12, '2026-01-05T08:00:00Z')",
	})

	_, err = mgr.Restore(context.Background(), candidate)
	if !mederrors.IsCode(err, mederrors.Validation) {
		t.Fatalf("Expected Validation for an orphaned reading, got %v", err)
	}

	// Everything rolls back, including the definition the merge added.
	if count, _ := readings.Count(); count != 1 {
		t.Errorf("Expected readings to survive the failed restore, got %d", count)
	}
	iron, err := biomarkers.GetByName("Iron")
	if err != nil {
		t.Fatalf("Failed to get biomarker: %v", err)
	}
	if iron != nil {
		t.Error("Expected the added definition to roll back")
	}
}

func TestRestoreInvalidCandidate(t *testing.T) {
	db, mgr, tmpDir := setupBackupTest(t, Config{})
	defer teardownBackupTest(db, tmpDir)

	// Missing file
	_, err := mgr.Restore(context.Background(), filepath.Join(tmpDir, "missing.db"))
	if !mederrors.IsCode(err, mederrors.IO) {
		t.Errorf("Expected IO for a missing file, got %v", err)
	}

	// Too short to even sniff
	tiny := filepath.Join(tmpDir, "tiny.db")
	if err := os.WriteFile(tiny, []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := mgr.Restore(context.Background(), tiny); !mederrors.IsCode(err, mederrors.Validation) {
		t.Errorf("Expected Validation for a truncated file, got %v", err)
	}

	// Not a database at all
	garbage := filepath.Join(tmpDir, "garbage.db")
	if err := os.WriteFile(garbage, []byte("definitely not a database"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := mgr.Restore(context.Background(), garbage); !mederrors.IsCode(err, mederrors.Validation) {
		t.Errorf("Expected Validation for a non-database file, got %v", err)
	}

	// A database without the required tables
	empty := writeCandidateDB(t, filepath.Join(tmpDir, "empty"), []string{
		"CREATE TABLE notes (id INTEGER PRIMARY KEY)",
	})
	if _, err := mgr.Restore(context.Background(), empty); !mederrors.IsCode(err, mederrors.Validation) {
		t.Errorf("Expected Validation for missing tables, got %v", err)
	}

	// A reading value beyond the plausibility cap
	badValue := writeCandidateDB(t, filepath.Join(tmpDir, "badvalue"), []string{
		candidateBiomarkersDDL,
		candidateReadingsDDL,
		"INSERT INTO biomarkers (id, name, unit, category) VALUES (1, 'Glucose', 'mg/dL', '')",
		"INSERT INTO readings (biomarker_id, timestamp, value, created_at) VALUES (1, '2026-01-05T08:00:00Z', 2000000, '2026-01-05T08:00:00Z')",
	})
	if _, err := mgr.Restore(context.Background(), badValue); !mederrors.IsCode(err, mederrors.Validation) {
		t.Errorf("Expected Validation for an implausible value, got %v", err)
	}

	// An unparseable timestamp
	badTime := writeCandidateDB(t, filepath.Join(tmpDir, "badtime"), []string{
		candidateBiomarkersDDL,
		candidateReadingsDDL,
		"INSERT INTO biomarkers (id, name, unit, category) VALUES (1, 'Glucose', 'mg/dL', '')",
		"INSERT INTO readings (biomarker_id, timestamp, value, created_at) VALUES (1, 'yesterday', 95, '2026-01-05T08:00:00Z')",
	})
	if _, err := mgr.Restore(context.Background(), badTime); !mederrors.IsCode(err, mederrors.Validation) {
		t.Errorf("Expected Validation for an unparseable timestamp, got %v", err)
	}

	// A gzip archive cut short mid-stream
	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(make([]byte, 4096)); err != nil {
		t.Fatalf("Failed to build gzip fixture: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("Failed to finish gzip fixture: %v", err)
	}
	truncated := filepath.Join(tmpDir, "truncated.db.gz")
	if err := os.WriteFile(truncated, gzBuf.Bytes()[:gzBuf.Len()/2], 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := mgr.Restore(context.Background(), truncated); !mederrors.IsCode(err, mederrors.Validation) {
		t.Errorf("Expected Validation for truncated gzip, got %v", err)
	}
}

func TestRestoreEmptyCandidate(t *testing.T) {
	// A backup of a store that never had data.
	dbA, mgrA, tmpA := setupBackupTest(t, Config{})
	defer teardownBackupTest(dbA, tmpA)

	rec, err := mgrA.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("Failed to create backup: %v", err)
	}

	dbB, mgrB, tmpB := setupBackupTest(t, Config{})
	defer teardownBackupTest(dbB, tmpB)

	biomarkersB := storage.NewBiomarkerRepository(dbB)
	readingsB := storage.NewReadingRepository(dbB)
	bm, err := biomarkersB.Add("Glucose", "mg/dL", "")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}
	if _, err := readingsB.Add(bm.ID, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), 101); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}

	report, err := mgrB.Restore(context.Background(), rec.Path)
	if err != nil {
		t.Fatalf("Failed to restore empty archive: %v", err)
	}
	if report.ReadingsRestored != 0 || report.BiomarkersAdded != 0 || report.BiomarkersUnchanged != 0 {
		t.Errorf("Expected an all-zero report, got %+v", report)
	}

	// Definitions survive, measurement data mirrors the empty archive.
	if count, _ := biomarkersB.Count(); count != 1 {
		t.Errorf("Expected the live definition to survive, got %d", count)
	}
	if count, _ := readingsB.Count(); count != 0 {
		t.Errorf("Expected no readings after restoring an empty archive, got %d", count)
	}
}

func TestRestoreBusy(t *testing.T) {
	dbA, mgrA, tmpA := setupBackupTest(t, Config{})
	defer teardownBackupTest(dbA, tmpA)

	rec, err := mgrA.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("Failed to create backup: %v", err)
	}

	dbB, mgrB, tmpB := setupBackupTest(t, Config{})
	defer teardownBackupTest(dbB, tmpB)

	// Hold the write gate from an in-flight writer: the restore must
	// fail fast with Busy instead of waiting.
	ready := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- dbB.WithWriteTx(func(tx *sql.Tx) error {
			close(ready)
			<-release
			return nil
		})
	}()
	<-ready

	_, err = mgrB.Restore(context.Background(), rec.Path)
	if !mederrors.IsCode(err, mederrors.Busy) {
		t.Errorf("Expected Busy while a writer holds the gate, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Writer failed: %v", err)
	}

	// With the gate free the same restore succeeds.
	if _, err := mgrB.Restore(context.Background(), rec.Path); err != nil {
		t.Fatalf("Failed to restore after the gate was released: %v", err)
	}
}
