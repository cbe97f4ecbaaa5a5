package query

import (
	"time"

	mederrors "medidash/internal/errors"
	"medidash/internal/storage"
)

// Engine answers read-only questions over the store. It never writes
// and never consults the ambient clock.
type Engine struct {
	biomarkers *storage.BiomarkerRepository
	readings   *storage.ReadingRepository
	ranges     *storage.RangeRepository
}

// NewEngine creates a query engine over the store.
func NewEngine(db *storage.DB) *Engine {
	return &Engine{
		biomarkers: storage.NewBiomarkerRepository(db),
		readings:   storage.NewReadingRepository(db),
		ranges:     storage.NewRangeRepository(db),
	}
}

// TrendPoint is one (timestamp, value) sample of a trend series.
// Status is set only when the biomarker has a reference range.
type TrendPoint struct {
	Timestamp time.Time           `json:"timestamp"`
	Value     float64             `json:"value"`
	Status    storage.RangeStatus `json:"status,omitempty"`
}

// Trend returns the readings of a biomarker inside the window ending
// at now, ordered ascending by timestamp, each classified against the
// reference range when one is set. The series is empty when no
// readings fall inside.
func (e *Engine) Trend(biomarkerID int64, window Window, now time.Time) ([]TrendPoint, error) {
	from, to, err := window.Bounds(now)
	if err != nil {
		return nil, err
	}

	readings, err := e.readings.ListForBiomarker(biomarkerID, from, to)
	if err != nil {
		return nil, err
	}

	rr, err := e.ranges.Get(biomarkerID)
	if err != nil {
		return nil, err
	}

	points := make([]TrendPoint, 0, len(readings))
	for _, r := range readings {
		point := TrendPoint{Timestamp: r.Timestamp, Value: r.Value}
		if rr != nil {
			point.Status = rr.Classify(r.Value)
		}
		points = append(points, point)
	}
	return points, nil
}

// Latest returns the most recent reading of a biomarker, breaking
// timestamp ties by the highest id. Returns nil when the biomarker has
// no readings; an unknown biomarker is NotFound.
func (e *Engine) Latest(biomarkerID int64) (*storage.Reading, error) {
	b, err := e.biomarkers.GetByID(biomarkerID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, mederrors.NotFoundf("biomarker %d not found", biomarkerID)
	}

	return e.readings.Latest(biomarkerID)
}

// OverviewEntry summarizes one biomarker for the dashboard: its latest
// reading, if any, classified against its reference range, plus how
// many readings it has.
type OverviewEntry struct {
	Biomarker *storage.Biomarker      `json:"biomarker"`
	Latest    *storage.Reading        `json:"latest,omitempty"`
	Range     *storage.ReferenceRange `json:"range,omitempty"`
	Status    storage.RangeStatus     `json:"status"`
	Count     int64                   `json:"count"`
}

// Overview returns one entry per visible biomarker, in display order.
func (e *Engine) Overview() ([]OverviewEntry, error) {
	biomarkers, err := e.biomarkers.List(storage.BiomarkerFilter{VisibleOnly: true})
	if err != nil {
		return nil, err
	}

	latest, err := e.readings.LatestAll()
	if err != nil {
		return nil, err
	}

	ranges, err := e.ranges.ListAll()
	if err != nil {
		return nil, err
	}

	counts, err := e.readings.CountAll()
	if err != nil {
		return nil, err
	}

	entries := make([]OverviewEntry, 0, len(biomarkers))
	for _, b := range biomarkers {
		entry := OverviewEntry{
			Biomarker: b,
			Latest:    latest[b.ID],
			Range:     ranges[b.ID],
			Status:    storage.StatusUnclassified,
			Count:     counts[b.ID],
		}
		if entry.Latest != nil && entry.Range != nil {
			entry.Status = entry.Range.Classify(entry.Latest.Value)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
