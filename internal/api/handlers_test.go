package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"medidash/internal/auth"
	"medidash/internal/backup"
	"medidash/internal/storage"
)

// newTestServer creates a server over a fresh store for testing
func newTestServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "medidash-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := storage.Open(tmpDir, logger)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open test database: %v", err)
	}

	backups, err := backup.NewManager(db, nil, backup.Config{Dir: filepath.Join(tmpDir, "backups")}, logger)
	if err != nil {
		db.Close()
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create backup manager: %v", err)
	}

	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	server := NewServer(db, backups, opts, logger)

	return server, tmpDir
}

func teardownTestServer(server *Server, tmpDir string) {
	server.db.Close()
	os.RemoveAll(tmpDir)
}

// doJSON performs a request with an optional JSON body
func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, tmpDir := newTestServer(t, Options{})
	defer teardownTestServer(server, tmpDir)

	w := doJSON(t, server, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var resp HealthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "ok" {
		t.Errorf("Expected status 'ok', got %q", resp.Status)
	}
	if resp.Version == "" {
		t.Error("Expected a version in the health response")
	}
}

func TestBiomarkerEndpoints(t *testing.T) {
	server, tmpDir := newTestServer(t, Options{})
	defer teardownTestServer(server, tmpDir)

	// Test creating a biomarker
	w := doJSON(t, server, http.MethodPost, "/biomarkers", BiomarkerRequest{
		Name: "Glucose", Unit: "mg/dL", Category: "Blood Sugar",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var created storage.Biomarker
	decodeBody(t, w, &created)
	if created.ID == 0 || created.Name != "Glucose" {
		t.Errorf("Unexpected created biomarker: %+v", created)
	}

	// Test duplicate name maps to 409 with the stable code
	w = doJSON(t, server, http.MethodPost, "/biomarkers", BiomarkerRequest{
		Name: "glucose", Unit: "mmol/L",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
	var errResp ErrorResponse
	decodeBody(t, w, &errResp)
	if errResp.Code != "CONFLICT" {
		t.Errorf("Expected code CONFLICT, got %q", errResp.Code)
	}

	// Test validation failure maps to 400
	w = doJSON(t, server, http.MethodPost, "/biomarkers", BiomarkerRequest{Name: "X", Unit: "u"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	// Test fetching by id
	w = doJSON(t, server, http.MethodGet, fmt.Sprintf("/biomarkers/%d", created.ID), nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	// Test unknown id maps to 404
	w = doJSON(t, server, http.MethodGet, "/biomarkers/9999", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	// Test updating
	newName := "Fasting Glucose"
	w = doJSON(t, server, http.MethodPatch, fmt.Sprintf("/biomarkers/%d", created.ID), BiomarkerPatch{Name: &newName})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated storage.Biomarker
	decodeBody(t, w, &updated)
	if updated.Name != newName {
		t.Errorf("Expected name %q, got %q", newName, updated.Name)
	}

	// Test listing
	w = doJSON(t, server, http.MethodGet, "/biomarkers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var list BiomarkerListResponse
	decodeBody(t, w, &list)
	if list.Total != 1 {
		t.Errorf("Expected 1 biomarker, got %d", list.Total)
	}

	// Test delete blocked by dependent readings without cascade
	w = doJSON(t, server, http.MethodPost, "/readings", ReadingRequest{
		BiomarkerID: created.ID, Timestamp: "2026-01-05T08:30:00Z", Value: 95,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, server, http.MethodDelete, fmt.Sprintf("/biomarkers/%d", created.ID), nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}

	// Test cascade delete removes the readings too
	w = doJSON(t, server, http.MethodDelete, fmt.Sprintf("/biomarkers/%d?cascade=true", created.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var deleted DeleteBiomarkerResponse
	decodeBody(t, w, &deleted)
	if deleted.ReadingsDeleted != 1 {
		t.Errorf("Expected 1 reading deleted, got %d", deleted.ReadingsDeleted)
	}
}

func TestReadingAndTrendEndpoints(t *testing.T) {
	server, tmpDir := newTestServer(t, Options{})
	defer teardownTestServer(server, tmpDir)

	w := doJSON(t, server, http.MethodPost, "/biomarkers", BiomarkerRequest{Name: "HDL", Unit: "mg/dL"})
	var hdl storage.Biomarker
	decodeBody(t, w, &hdl)

	// Test recording readings; one recent, one outside the 30d window
	w = doJSON(t, server, http.MethodPost, "/readings", ReadingRequest{
		BiomarkerID: hdl.ID, Timestamp: "2020-01-15 08:00", Value: 48,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var old storage.Reading
	decodeBody(t, w, &old)

	w = doJSON(t, server, http.MethodPost, "/readings", ReadingRequest{
		BiomarkerID: hdl.ID, Timestamp: "now-ish", Value: 62,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a bad timestamp, got %d", w.Code)
	}

	// Test listing
	w = doJSON(t, server, http.MethodGet, fmt.Sprintf("/readings?biomarker_id=%d", hdl.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var list ReadingListResponse
	decodeBody(t, w, &list)
	if list.Total != 1 {
		t.Errorf("Expected 1 reading, got %d", list.Total)
	}

	// Test updating a reading
	v := 52.0
	w = doJSON(t, server, http.MethodPatch, fmt.Sprintf("/readings/%d", old.ID), ReadingPatch{Value: &v})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	// Test trend excludes the old reading in the default window
	w = doJSON(t, server, http.MethodGet, fmt.Sprintf("/biomarkers/%d/trend", hdl.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var trend TrendResponse
	decodeBody(t, w, &trend)
	if trend.Window != "30d" || trend.Total != 0 {
		t.Errorf("Expected empty 30d trend, got window %q with %d points", trend.Window, trend.Total)
	}

	w = doJSON(t, server, http.MethodGet, fmt.Sprintf("/biomarkers/%d/trend?window=all", hdl.ID), nil)
	decodeBody(t, w, &trend)
	if trend.Total != 1 {
		t.Errorf("Expected 1 point in the all window, got %d", trend.Total)
	}

	w = doJSON(t, server, http.MethodGet, fmt.Sprintf("/biomarkers/%d/trend?window=2w", hdl.ID), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for an unknown window, got %d", w.Code)
	}

	// Test latest with range classification
	w = doJSON(t, server, http.MethodPut, fmt.Sprintf("/biomarkers/%d/range", hdl.ID), RangeRequest{
		Kind: "above", Lower: f64(40),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, server, http.MethodGet, fmt.Sprintf("/biomarkers/%d/latest", hdl.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var latest LatestResponse
	decodeBody(t, w, &latest)
	if latest.Latest == nil || latest.Latest.Value != 52 {
		t.Fatalf("Unexpected latest reading: %+v", latest.Latest)
	}
	if latest.Status != storage.StatusInRange {
		t.Errorf("Expected status in_range, got %q", latest.Status)
	}

	// Trend points pick up the classification too
	w = doJSON(t, server, http.MethodGet, fmt.Sprintf("/biomarkers/%d/trend?window=all", hdl.ID), nil)
	decodeBody(t, w, &trend)
	if trend.Total != 1 || trend.Points[0].Status != storage.StatusInRange {
		t.Errorf("Expected one in_range point, got %+v", trend.Points)
	}

	// Test clearing the range
	w = doJSON(t, server, http.MethodDelete, fmt.Sprintf("/biomarkers/%d/range", hdl.ID), nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	w = doJSON(t, server, http.MethodGet, fmt.Sprintf("/biomarkers/%d/range", hdl.ID), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 after clearing, got %d", w.Code)
	}

	// Test deleting a reading
	w = doJSON(t, server, http.MethodDelete, fmt.Sprintf("/readings/%d", old.ID), nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	w = doJSON(t, server, http.MethodDelete, fmt.Sprintf("/readings/%d", old.ID), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 on double delete, got %d", w.Code)
	}
}

func TestOverviewEndpoint(t *testing.T) {
	server, tmpDir := newTestServer(t, Options{})
	defer teardownTestServer(server, tmpDir)

	w := doJSON(t, server, http.MethodPost, "/biomarkers", BiomarkerRequest{Name: "LDL", Unit: "mg/dL"})
	var ldl storage.Biomarker
	decodeBody(t, w, &ldl)

	doJSON(t, server, http.MethodPut, fmt.Sprintf("/biomarkers/%d/range", ldl.ID), RangeRequest{Kind: "below", Upper: f64(100)})
	doJSON(t, server, http.MethodPost, "/readings", ReadingRequest{BiomarkerID: ldl.ID, Timestamp: "2026-02-01", Value: 132})

	w = doJSON(t, server, http.MethodGet, "/overview", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var overview OverviewResponse
	decodeBody(t, w, &overview)
	if overview.Total != 1 {
		t.Fatalf("Expected 1 overview entry, got %d", overview.Total)
	}
	if overview.Entries[0].Status != storage.StatusOutOfRange {
		t.Errorf("Expected status out_of_range, got %q", overview.Entries[0].Status)
	}
	if overview.Entries[0].Count != 1 {
		t.Errorf("Expected 1 reading counted, got %d", overview.Entries[0].Count)
	}
}

func TestCSVEndpoints(t *testing.T) {
	server, tmpDir := newTestServer(t, Options{})
	defer teardownTestServer(server, tmpDir)

	doJSON(t, server, http.MethodPost, "/biomarkers", BiomarkerRequest{Name: "A1c", Unit: "%"})

	// Test import with one good row and one unknown biomarker
	csvBody := strings.Join([]string{
		"biomarker,unit,timestamp,value",
		"A1c,%,2026-01-10,5.4",
		"Ferritin,ng/mL,2026-01-10,80",
	}, "\n")

	req := httptest.NewRequest(http.MethodPost, "/import", strings.NewReader(csvBody))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var report struct {
		Inserted int `json:"inserted"`
		Skipped  int `json:"skipped"`
		Errors   []struct {
			Line int    `json:"line"`
			Code string `json:"code"`
		} `json:"errors"`
	}
	decodeBody(t, w, &report)
	if report.Inserted != 1 || len(report.Errors) != 1 {
		t.Errorf("Expected 1 inserted and 1 error, got %+v", report)
	}
	if len(report.Errors) == 1 && report.Errors[0].Code != "NOT_FOUND" {
		t.Errorf("Expected code NOT_FOUND, got %q", report.Errors[0].Code)
	}

	// Test all-or-nothing aborts with the report attached as details
	req = httptest.NewRequest(http.MethodPost, "/import?all_or_nothing=true", strings.NewReader(csvBody))
	w = httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for an aborted import, got %d", w.Code)
	}
	var errResp ErrorResponse
	decodeBody(t, w, &errResp)
	if errResp.Details == nil {
		t.Error("Expected the row report in error details")
	}

	// Test export round trip
	w = doJSON(t, server, http.MethodGet, "/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Expected text/csv content type, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "A1c,%,2026-01-10T00:00:00Z,5.4") {
		t.Errorf("Export missing expected row:\n%s", w.Body.String())
	}

	// Test template download
	w = doJSON(t, server, http.MethodGet, "/template", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.HasPrefix(w.Body.String(), "biomarker,unit,timestamp,value") {
		t.Errorf("Template should start with the header, got:\n%s", w.Body.String())
	}
}

func TestBackupAndRestoreEndpoints(t *testing.T) {
	server, tmpDir := newTestServer(t, Options{})
	defer teardownTestServer(server, tmpDir)

	w := doJSON(t, server, http.MethodPost, "/biomarkers", BiomarkerRequest{Name: "Iron", Unit: "ug/dL"})
	var iron storage.Biomarker
	decodeBody(t, w, &iron)
	doJSON(t, server, http.MethodPost, "/readings", ReadingRequest{BiomarkerID: iron.ID, Timestamp: "2026-03-01", Value: 88})

	// Test creating a backup
	w = doJSON(t, server, http.MethodPost, "/backups", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var record backup.Record
	decodeBody(t, w, &record)
	if record.Path == "" {
		t.Fatal("Expected a backup path in the record")
	}

	// Test listing backups
	w = doJSON(t, server, http.MethodGet, "/backups", nil)
	var list BackupListResponse
	decodeBody(t, w, &list)
	if list.Total != 1 {
		t.Errorf("Expected 1 backup, got %d", list.Total)
	}

	// Test restoring the snapshot through a multipart upload
	data, err := os.ReadFile(record.Path)
	if err != nil {
		t.Fatalf("Failed to read backup file: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", record.FileName)
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("Failed to write form file: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/restore", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w = httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var report backup.RestoreReport
	decodeBody(t, w, &report)
	if report.ReadingsRestored != 1 || report.BiomarkersUnchanged != 1 {
		t.Errorf("Unexpected restore report: %+v", report)
	}

	// Test restore without a file field
	req = httptest.NewRequest(http.MethodPost, "/restore", strings.NewReader("not multipart"))
	w = httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	token, err := auth.GenerateToken()
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		t.Fatalf("Failed to hash token: %v", err)
	}

	server, tmpDir := newTestServer(t, Options{TokenHash: hash})
	defer teardownTestServer(server, tmpDir)

	// Test requests without a token are rejected
	w := doJSON(t, server, http.MethodGet, "/biomarkers", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}

	// Test a wrong token is rejected
	req := httptest.NewRequest(http.MethodGet, "/biomarkers", nil)
	req.Header.Set("Authorization", "Bearer "+auth.TokenPrefix+strings.Repeat("00", auth.TokenLength))
	w = httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 for a wrong token, got %d", w.Code)
	}

	// Test the correct token is accepted
	req = httptest.NewRequest(http.MethodGet, "/biomarkers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	// Test health stays open for probes
	w = doJSON(t, server, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 on /healthz, got %d", w.Code)
	}
}

func f64(v float64) *float64 { return &v }
