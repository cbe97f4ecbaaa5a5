package query

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	mederrors "medidash/internal/errors"
	"medidash/internal/storage"
)

func setupEngine(t *testing.T) (*Engine, *storage.DB, string) {
	tmpDir, err := os.MkdirTemp("", "medidash-query-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := storage.Open(tmpDir, logger)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}

	return NewEngine(db), db, tmpDir
}

func teardownEngine(t *testing.T, db *storage.DB, tmpDir string) {
	if err := db.Close(); err != nil {
		t.Errorf("Failed to close database: %v", err)
	}
	if err := os.RemoveAll(tmpDir); err != nil {
		t.Errorf("Failed to remove temp dir: %v", err)
	}
}

func TestParseWindow(t *testing.T) {
	for _, valid := range []string{"30d", "90d", "6m", "1y", "all"} {
		w, err := ParseWindow(valid)
		if err != nil {
			t.Errorf("ParseWindow(%q): unexpected error %v", valid, err)
		}
		if string(w) != valid {
			t.Errorf("ParseWindow(%q) = %q", valid, w)
		}
	}

	for _, invalid := range []string{"", "7d", "1m", "forever"} {
		if _, err := ParseWindow(invalid); !mederrors.IsCode(err, mederrors.Validation) {
			t.Errorf("ParseWindow(%q): expected validation error, got %v", invalid, err)
		}
	}
}

func TestWindowBounds(t *testing.T) {
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		window   Window
		wantFrom time.Time
	}{
		{Window30d, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{Window90d, time.Date(2025, 12, 31, 12, 0, 0, 0, time.UTC)},
		// Calendar arithmetic normalizes Sep 31 forward to Oct 1
		{Window6m, time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)},
		{Window1y, time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		from, to, err := tt.window.Bounds(now)
		if err != nil {
			t.Fatalf("Bounds(%s): unexpected error %v", tt.window, err)
		}
		if from == nil || !from.Equal(tt.wantFrom) {
			t.Errorf("Bounds(%s): from = %v, want %v", tt.window, from, tt.wantFrom)
		}
		if to == nil || !to.Equal(now) {
			t.Errorf("Bounds(%s): to = %v, want %v", tt.window, to, now)
		}
	}

	// The all window is unbounded in the past but still capped at now
	from, to, err := WindowAll.Bounds(now)
	if err != nil {
		t.Fatalf("Bounds(all): unexpected error %v", err)
	}
	if from != nil {
		t.Errorf("Bounds(all): expected nil from, got %v", from)
	}
	if to == nil || !to.Equal(now) {
		t.Errorf("Bounds(all): to = %v, want %v", to, now)
	}

	if _, _, err := Window("7d").Bounds(now); !mederrors.IsCode(err, mederrors.Validation) {
		t.Errorf("Bounds(7d): expected validation error, got %v", err)
	}
}

func TestTrend(t *testing.T) {
	engine, db, tmpDir := setupEngine(t)
	defer teardownEngine(t, db, tmpDir)

	biomarkers := storage.NewBiomarkerRepository(db)
	readings := storage.NewReadingRepository(db)

	glucose, err := biomarkers.Add("Glucose", "mg/dL", "metabolic")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}

	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	outside := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)  // before the 90d window
	boundary := now.AddDate(0, 0, -90)                      // exactly on the window edge
	inside := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	future := time.Date(2026, 6, 20, 8, 0, 0, 0, time.UTC)  // after now

	for _, seed := range []struct {
		ts    time.Time
		value float64
	}{
		{inside, 96},
		{outside, 88},
		{future, 120},
		{boundary, 92},
	} {
		if _, err := readings.Add(glucose.ID, seed.ts, seed.value); err != nil {
			t.Fatalf("Failed to add reading at %v: %v", seed.ts, err)
		}
	}

	// Bounded window: boundary reading included, older and future excluded
	points, err := engine.Trend(glucose.ID, Window90d, now)
	if err != nil {
		t.Fatalf("Failed to compute trend: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("Expected 2 points in 90d window, got %d", len(points))
	}
	if !points[0].Timestamp.Equal(boundary) || points[0].Value != 92 {
		t.Errorf("Expected first point (%v, 92), got (%v, %g)",
			boundary, points[0].Timestamp, points[0].Value)
	}
	if !points[1].Timestamp.Equal(inside) || points[1].Value != 96 {
		t.Errorf("Expected second point (%v, 96), got (%v, %g)",
			inside, points[1].Timestamp, points[1].Value)
	}

	// Without a reference range points stay unclassified
	if points[0].Status != "" || points[1].Status != "" {
		t.Errorf("Expected unclassified points, got %q and %q", points[0].Status, points[1].Status)
	}

	// With a range each point carries its own classification
	ranges := storage.NewRangeRepository(db)
	lower, upper := 90.0, 95.0
	if _, err := ranges.Set(glucose.ID, storage.RangeBetween, &lower, &upper); err != nil {
		t.Fatalf("Failed to set range: %v", err)
	}
	points, err = engine.Trend(glucose.ID, Window90d, now)
	if err != nil {
		t.Fatalf("Failed to compute classified trend: %v", err)
	}
	if points[0].Status != storage.StatusInRange {
		t.Errorf("Expected 92 in range, got %s", points[0].Status)
	}
	if points[1].Status != storage.StatusOutOfRange {
		t.Errorf("Expected 96 out of range, got %s", points[1].Status)
	}

	// The all window reaches back unbounded but still excludes the future
	points, err = engine.Trend(glucose.ID, WindowAll, now)
	if err != nil {
		t.Fatalf("Failed to compute all trend: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("Expected 3 points in all window, got %d", len(points))
	}
	if !points[0].Timestamp.Equal(outside) {
		t.Errorf("Expected oldest point first, got %v", points[0].Timestamp)
	}

	// Empty series is not an error
	empty, err := biomarkers.Add("HDL Cholesterol", "mg/dL", "lipids")
	if err != nil {
		t.Fatalf("Failed to add empty biomarker: %v", err)
	}
	points, err = engine.Trend(empty.ID, Window30d, now)
	if err != nil {
		t.Fatalf("Failed to compute empty trend: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("Expected empty series, got %d points", len(points))
	}

	// Unknown biomarker
	if _, err := engine.Trend(9999, Window30d, now); !mederrors.IsCode(err, mederrors.NotFound) {
		t.Errorf("Expected not found for unknown biomarker, got %v", err)
	}
}

func TestLatest(t *testing.T) {
	engine, db, tmpDir := setupEngine(t)
	defer teardownEngine(t, db, tmpDir)

	biomarkers := storage.NewBiomarkerRepository(db)
	readings := storage.NewReadingRepository(db)

	glucose, err := biomarkers.Add("Glucose", "mg/dL", "")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}

	// No readings yet
	latest, err := engine.Latest(glucose.ID)
	if err != nil {
		t.Fatalf("Failed to get latest: %v", err)
	}
	if latest != nil {
		t.Errorf("Expected nil latest for empty biomarker, got %+v", latest)
	}

	ts := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	if _, err := readings.Add(glucose.ID, ts, 90); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}
	tied, err := readings.Add(glucose.ID, ts, 95)
	if err != nil {
		t.Fatalf("Failed to add tied reading: %v", err)
	}

	// Ties break toward the highest id
	latest, err = engine.Latest(glucose.ID)
	if err != nil {
		t.Fatalf("Failed to get latest: %v", err)
	}
	if latest == nil || latest.ID != tied.ID {
		t.Errorf("Expected latest id %d, got %+v", tied.ID, latest)
	}

	// Unknown biomarker
	if _, err := engine.Latest(9999); !mederrors.IsCode(err, mederrors.NotFound) {
		t.Errorf("Expected not found for unknown biomarker, got %v", err)
	}
}

func TestOverview(t *testing.T) {
	engine, db, tmpDir := setupEngine(t)
	defer teardownEngine(t, db, tmpDir)

	biomarkers := storage.NewBiomarkerRepository(db)
	readings := storage.NewReadingRepository(db)
	ranges := storage.NewRangeRepository(db)

	glucose, err := biomarkers.Add("Glucose", "mg/dL", "metabolic")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}
	hdl, err := biomarkers.Add("HDL Cholesterol", "mg/dL", "lipids")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}
	hidden, err := biomarkers.Add("Ferritin", "ng/mL", "")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}
	invisible := false
	if _, err := biomarkers.Update(hidden.ID, storage.BiomarkerUpdate{Visible: &invisible}); err != nil {
		t.Fatalf("Failed to hide biomarker: %v", err)
	}
	vitaminD, err := biomarkers.Add("Vitamin D", "ng/mL", "vitamins")
	if err != nil {
		t.Fatalf("Failed to add biomarker: %v", err)
	}

	lower, upper := 70.0, 99.0
	if _, err := ranges.Set(glucose.ID, storage.RangeBetween, &lower, &upper); err != nil {
		t.Fatalf("Failed to set range: %v", err)
	}

	ts := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	if _, err := readings.Add(glucose.ID, ts.AddDate(0, 0, -7), 95); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}
	if _, err := readings.Add(glucose.ID, ts, 110); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}
	if _, err := readings.Add(hdl.ID, ts, 55); err != nil {
		t.Fatalf("Failed to add reading: %v", err)
	}

	entries, err := engine.Overview()
	if err != nil {
		t.Fatalf("Failed to build overview: %v", err)
	}

	// Hidden biomarkers are excluded; order follows display order
	if len(entries) != 3 {
		t.Fatalf("Expected 3 overview entries, got %d", len(entries))
	}
	if entries[0].Biomarker.ID != glucose.ID || entries[1].Biomarker.ID != hdl.ID ||
		entries[2].Biomarker.ID != vitaminD.ID {
		t.Errorf("Expected display order [%d %d %d], got [%d %d %d]",
			glucose.ID, hdl.ID, vitaminD.ID,
			entries[0].Biomarker.ID, entries[1].Biomarker.ID, entries[2].Biomarker.ID)
	}

	// Out-of-range latest against a between range
	if entries[0].Status != storage.StatusOutOfRange {
		t.Errorf("Expected glucose out of range, got %s", entries[0].Status)
	}
	if entries[0].Latest == nil || entries[0].Latest.Value != 110 {
		t.Errorf("Expected glucose latest 110, got %+v", entries[0].Latest)
	}

	// No range means unclassified even with readings
	if entries[1].Status != storage.StatusUnclassified {
		t.Errorf("Expected HDL unclassified, got %s", entries[1].Status)
	}

	// Reading counts are per biomarker; none yet is zero, not an error
	if entries[0].Count != 2 || entries[1].Count != 1 || entries[2].Count != 0 {
		t.Errorf("Expected counts [2 1 0], got [%d %d %d]",
			entries[0].Count, entries[1].Count, entries[2].Count)
	}
	if entries[2].Latest != nil {
		t.Errorf("Expected no latest reading for Vitamin D, got %+v", entries[2].Latest)
	}
	if entries[2].Status != storage.StatusUnclassified {
		t.Errorf("Expected Vitamin D unclassified, got %s", entries[2].Status)
	}
}
