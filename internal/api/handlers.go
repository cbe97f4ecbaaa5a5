package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"medidash/internal/backup"
	"medidash/internal/csvio"
	mederrors "medidash/internal/errors"
	"medidash/internal/query"
	"medidash/internal/storage"
	"medidash/internal/version"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// BiomarkerRequest is the request body for POST /biomarkers
type BiomarkerRequest struct {
	Name     string `json:"name"`
	Unit     string `json:"unit"`
	Category string `json:"category,omitempty"`
}

// BiomarkerPatch is the request body for PATCH /biomarkers/:id.
// Absent fields are left unchanged.
type BiomarkerPatch struct {
	Name         *string `json:"name,omitempty"`
	Unit         *string `json:"unit,omitempty"`
	Category     *string `json:"category,omitempty"`
	Visible      *bool   `json:"visible,omitempty"`
	DisplayOrder *int64  `json:"displayOrder,omitempty"`
}

// BiomarkerListResponse is the response for GET /biomarkers
type BiomarkerListResponse struct {
	Biomarkers []*storage.Biomarker `json:"biomarkers"`
	Total      int                  `json:"total"`
}

// DeleteBiomarkerResponse is the response for DELETE /biomarkers/:id
type DeleteBiomarkerResponse struct {
	Deleted         bool  `json:"deleted"`
	ReadingsDeleted int64 `json:"readingsDeleted"`
}

// RangeRequest is the request body for PUT /biomarkers/:id/range
type RangeRequest struct {
	Kind  string   `json:"kind"`
	Lower *float64 `json:"lower,omitempty"`
	Upper *float64 `json:"upper,omitempty"`
}

// ReadingRequest is the request body for POST /readings. The timestamp
// accepts the same formats as CSV import.
type ReadingRequest struct {
	BiomarkerID int64   `json:"biomarkerId"`
	Timestamp   string  `json:"timestamp"`
	Value       float64 `json:"value"`
}

// ReadingPatch is the request body for PATCH /readings/:id
type ReadingPatch struct {
	Timestamp *string  `json:"timestamp,omitempty"`
	Value     *float64 `json:"value,omitempty"`
}

// ReadingListResponse is the response for GET /readings
type ReadingListResponse struct {
	BiomarkerID int64              `json:"biomarkerId"`
	Readings    []*storage.Reading `json:"readings"`
	Total       int                `json:"total"`
}

// TrendResponse is the response for GET /biomarkers/:id/trend
type TrendResponse struct {
	BiomarkerID int64              `json:"biomarkerId"`
	Window      string             `json:"window"`
	Points      []query.TrendPoint `json:"points"`
	Total       int                `json:"total"`
}

// LatestResponse is the response for GET /biomarkers/:id/latest.
// Latest is null when the biomarker has no readings yet.
type LatestResponse struct {
	BiomarkerID int64               `json:"biomarkerId"`
	Latest      *storage.Reading    `json:"latest"`
	Status      storage.RangeStatus `json:"status"`
}

// OverviewResponse is the response for GET /overview
type OverviewResponse struct {
	Entries   []query.OverviewEntry `json:"entries"`
	Total     int                   `json:"total"`
	Timestamp time.Time             `json:"timestamp"`
}

// BackupListResponse is the response for GET /backups
type BackupListResponse struct {
	Backups []backup.Record `json:"backups"`
	Total   int             `json:"total"`
}

// CreateBackupRequest is the optional request body for POST /backups
type CreateBackupRequest struct {
	Destination string `json:"destination,omitempty"`
}

// handleHealth reports liveness. It stays cheap: one ping against the
// store, no table scans.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}

	if err := s.db.Conn().PingContext(r.Context()); err != nil {
		WriteError(w, mederrors.Storagef(err, "store unreachable"), http.StatusServiceUnavailable)
		return
	}

	WriteJSON(w, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   version.Version,
	}, http.StatusOK)
}

// handleBiomarkers handles GET (list) and POST (create) on /biomarkers
func (s *Server) handleBiomarkers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := storage.BiomarkerFilter{
			VisibleOnly: !boolParam(r, "include_hidden"),
		}
		if category := r.URL.Query().Get("category"); category != "" {
			filter.Category = &category
		}

		biomarkers, err := s.biomarkers.List(filter)
		if err != nil {
			WriteMediError(w, err)
			return
		}
		WriteJSON(w, BiomarkerListResponse{Biomarkers: biomarkers, Total: len(biomarkers)}, http.StatusOK)

	case http.MethodPost:
		var req BiomarkerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid JSON body")
			return
		}

		b, err := s.biomarkers.Add(req.Name, req.Unit, req.Category)
		if err != nil {
			WriteMediError(w, err)
			return
		}
		WriteJSON(w, b, http.StatusCreated)

	default:
		MethodNotAllowed(w)
	}
}

// handleBiomarkerID routes /biomarkers/:id and its range, trend, and
// latest subresources.
func (s *Server) handleBiomarkerID(w http.ResponseWriter, r *http.Request) {
	id, rest, err := idPath(r.URL.Path, "/biomarkers/")
	if err != nil {
		WriteMediError(w, err)
		return
	}

	switch rest {
	case "":
		s.biomarkerByID(w, r, id)
	case "range":
		s.biomarkerRange(w, r, id)
	case "trend":
		s.biomarkerTrend(w, r, id)
	case "latest":
		s.biomarkerLatest(w, r, id)
	default:
		NotFoundError(w, "no such endpoint")
	}
}

func (s *Server) biomarkerByID(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		b, err := s.biomarkers.GetByID(id)
		if err != nil {
			WriteMediError(w, err)
			return
		}
		if b == nil {
			NotFoundError(w, "biomarker not found")
			return
		}
		WriteJSON(w, b, http.StatusOK)

	case http.MethodPatch, http.MethodPut:
		var patch BiomarkerPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			BadRequest(w, "invalid JSON body")
			return
		}

		b, err := s.biomarkers.Update(id, storage.BiomarkerUpdate{
			Name:         patch.Name,
			Unit:         patch.Unit,
			Category:     patch.Category,
			Visible:      patch.Visible,
			DisplayOrder: patch.DisplayOrder,
		})
		if err != nil {
			WriteMediError(w, err)
			return
		}
		WriteJSON(w, b, http.StatusOK)

	case http.MethodDelete:
		readingsDeleted, err := s.biomarkers.Delete(id, boolParam(r, "cascade"))
		if err != nil {
			WriteMediError(w, err)
			return
		}
		WriteJSON(w, DeleteBiomarkerResponse{Deleted: true, ReadingsDeleted: readingsDeleted}, http.StatusOK)

	default:
		MethodNotAllowed(w)
	}
}

func (s *Server) biomarkerRange(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		b, err := s.biomarkers.GetByID(id)
		if err != nil {
			WriteMediError(w, err)
			return
		}
		if b == nil {
			NotFoundError(w, "biomarker not found")
			return
		}

		rr, err := s.ranges.Get(id)
		if err != nil {
			WriteMediError(w, err)
			return
		}
		if rr == nil {
			NotFoundError(w, "no reference range set")
			return
		}
		WriteJSON(w, rr, http.StatusOK)

	case http.MethodPut:
		var req RangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid JSON body")
			return
		}

		rr, err := s.ranges.Set(id, storage.RangeKind(req.Kind), req.Lower, req.Upper)
		if err != nil {
			WriteMediError(w, err)
			return
		}
		WriteJSON(w, rr, http.StatusOK)

	case http.MethodDelete:
		if err := s.ranges.Clear(id); err != nil {
			WriteMediError(w, err)
			return
		}
		WriteJSON(w, map[string]bool{"cleared": true}, http.StatusOK)

	default:
		MethodNotAllowed(w)
	}
}

func (s *Server) biomarkerTrend(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}

	windowParam := r.URL.Query().Get("window")
	if windowParam == "" {
		windowParam = string(query.Window30d)
	}
	window, err := query.ParseWindow(windowParam)
	if err != nil {
		WriteMediError(w, err)
		return
	}

	b, err := s.biomarkers.GetByID(id)
	if err != nil {
		WriteMediError(w, err)
		return
	}
	if b == nil {
		NotFoundError(w, "biomarker not found")
		return
	}

	points, err := s.engine.Trend(id, window, time.Now().UTC())
	if err != nil {
		WriteMediError(w, err)
		return
	}

	WriteJSON(w, TrendResponse{
		BiomarkerID: id,
		Window:      string(window),
		Points:      points,
		Total:       len(points),
	}, http.StatusOK)
}

func (s *Server) biomarkerLatest(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}

	latest, err := s.engine.Latest(id)
	if err != nil {
		WriteMediError(w, err)
		return
	}

	status := storage.StatusUnclassified
	if latest != nil {
		rr, err := s.ranges.Get(id)
		if err != nil {
			WriteMediError(w, err)
			return
		}
		status = rr.Classify(latest.Value)
	}

	WriteJSON(w, LatestResponse{BiomarkerID: id, Latest: latest, Status: status}, http.StatusOK)
}

// handleReadings handles GET (list) and POST (create) on /readings
func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		idParam := r.URL.Query().Get("biomarker_id")
		if idParam == "" {
			BadRequest(w, "biomarker_id query parameter is required")
			return
		}
		id, err := strconv.ParseInt(idParam, 10, 64)
		if err != nil {
			BadRequest(w, "biomarker_id must be an integer")
			return
		}

		b, err := s.biomarkers.GetByID(id)
		if err != nil {
			WriteMediError(w, err)
			return
		}
		if b == nil {
			NotFoundError(w, "biomarker not found")
			return
		}

		from, to, err := timeBounds(r)
		if err != nil {
			WriteMediError(w, err)
			return
		}

		readings, err := s.readings.ListForBiomarker(id, from, to)
		if err != nil {
			WriteMediError(w, err)
			return
		}
		WriteJSON(w, ReadingListResponse{BiomarkerID: id, Readings: readings, Total: len(readings)}, http.StatusOK)

	case http.MethodPost:
		var req ReadingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid JSON body")
			return
		}

		ts, err := storage.ParseTimestamp(req.Timestamp)
		if err != nil {
			WriteMediError(w, err)
			return
		}

		reading, err := s.readings.Add(req.BiomarkerID, ts, req.Value)
		if err != nil {
			WriteMediError(w, err)
			return
		}
		WriteJSON(w, reading, http.StatusCreated)

	default:
		MethodNotAllowed(w)
	}
}

// handleReadingID handles GET, PATCH, and DELETE on /readings/:id
func (s *Server) handleReadingID(w http.ResponseWriter, r *http.Request) {
	id, rest, err := idPath(r.URL.Path, "/readings/")
	if err != nil || rest != "" {
		if err == nil {
			err = mederrors.NotFoundf("no such endpoint")
		}
		WriteMediError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		reading, err := s.readings.GetByID(id)
		if err != nil {
			WriteMediError(w, err)
			return
		}
		if reading == nil {
			NotFoundError(w, "reading not found")
			return
		}
		WriteJSON(w, reading, http.StatusOK)

	case http.MethodPatch, http.MethodPut:
		var patch ReadingPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			BadRequest(w, "invalid JSON body")
			return
		}

		update := storage.ReadingUpdate{Value: patch.Value}
		if patch.Timestamp != nil {
			ts, err := storage.ParseTimestamp(*patch.Timestamp)
			if err != nil {
				WriteMediError(w, err)
				return
			}
			update.Timestamp = &ts
		}

		reading, err := s.readings.Update(id, update)
		if err != nil {
			WriteMediError(w, err)
			return
		}
		WriteJSON(w, reading, http.StatusOK)

	case http.MethodDelete:
		if err := s.readings.Delete(id); err != nil {
			WriteMediError(w, err)
			return
		}
		WriteJSON(w, map[string]bool{"deleted": true}, http.StatusOK)

	default:
		MethodNotAllowed(w)
	}
}

// handleOverview returns the dashboard overview
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}

	entries, err := s.engine.Overview()
	if err != nil {
		WriteMediError(w, err)
		return
	}

	WriteJSON(w, OverviewResponse{
		Entries:   entries,
		Total:     len(entries),
		Timestamp: time.Now().UTC(),
	}, http.StatusOK)
}

// handleBackups handles GET (list) and POST (create) on /backups
func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		WriteMediError(w, mederrors.Storagef(nil, "backup engine not configured"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		records := s.backups.List()
		WriteJSON(w, BackupListResponse{Backups: records, Total: len(records)}, http.StatusOK)

	case http.MethodPost:
		var req CreateBackupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			BadRequest(w, "invalid JSON body")
			return
		}

		record, err := s.backups.Create(r.Context(), req.Destination)
		if err != nil {
			WriteMediError(w, err)
			return
		}
		WriteJSON(w, record, http.StatusCreated)

	default:
		MethodNotAllowed(w)
	}
}

// handleRestore accepts a snapshot as a multipart upload (field "file")
// and merge-restores it into the store.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}
	if s.backups == nil {
		WriteMediError(w, mederrors.Storagef(nil, "backup engine not configured"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		BadRequest(w, "multipart upload with a \"file\" field is required")
		return
	}
	defer file.Close()

	// The restore engine works on paths, so spool the upload to disk.
	tmp, err := os.CreateTemp("", "medidash-upload-*")
	if err != nil {
		WriteMediError(w, mederrors.IOf(err, "cannot stage upload"))
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		WriteMediError(w, mederrors.IOf(err, "cannot stage upload"))
		return
	}
	if err := tmp.Close(); err != nil {
		WriteMediError(w, mederrors.IOf(err, "cannot stage upload"))
		return
	}

	s.logger.Info("restore upload received", "file", header.Filename, "size", header.Size)

	report, err := s.backups.Restore(r.Context(), tmpPath)
	if err != nil {
		WriteMediError(w, err)
		return
	}
	WriteJSON(w, report, http.StatusOK)
}

// handleImport imports CSV readings from the request body. The body may
// be gzip-compressed; options arrive as query parameters.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}

	report, err := s.csv.Import(r.Body, importOptions(r))
	if err != nil {
		// Keep the per-row report visible on an all-or-nothing abort.
		var me *mederrors.MediError
		if report != nil && errors.As(err, &me) && me.Details == nil {
			me.WithDetails(report)
		}
		WriteMediError(w, err)
		return
	}
	WriteJSON(w, report, http.StatusOK)
}

// handleExport streams all readings as CSV
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}

	// Buffer first so errors can still become a clean JSON response.
	var buf bytes.Buffer
	if _, err := s.csv.Export(&buf); err != nil {
		WriteMediError(w, err)
		return
	}

	filename := "medidash_export_" + time.Now().UTC().Format("2006-01-02") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// handleTemplate serves the annotated CSV import template
func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}

	var buf bytes.Buffer
	if err := csvio.Template(&buf); err != nil {
		WriteMediError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="medidash_template.csv"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// idPath splits "/prefix/123/rest" into the numeric id and the rest.
func idPath(path, prefix string) (int64, string, error) {
	trimmed := strings.TrimPrefix(path, prefix)
	idPart, rest, _ := strings.Cut(trimmed, "/")

	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, "", mederrors.Validationf("invalid id %q", idPart)
	}
	return id, rest, nil
}

// boolParam reports whether a query parameter is set to a truthy value
func boolParam(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// timeBounds parses optional from/to query parameters
func timeBounds(r *http.Request) (*time.Time, *time.Time, error) {
	var from, to *time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := storage.ParseTimestamp(v)
		if err != nil {
			return nil, nil, err
		}
		from = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := storage.ParseTimestamp(v)
		if err != nil {
			return nil, nil, err
		}
		to = &t
	}
	return from, to, nil
}

// importOptions builds import options from query parameters
func importOptions(r *http.Request) csvio.ImportOptions {
	return csvio.ImportOptions{
		SkipDuplicates: boolParam(r, "skip_duplicates"),
		AllOrNothing:   boolParam(r, "all_or_nothing"),
		DryRun:         boolParam(r, "dry_run"),
	}
}
