// Package api hosts the local JSON API over the store. It exposes the
// same operations as the CLI so dashboards and scripts can talk to a
// running medidash instance.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"medidash/internal/backup"
	"medidash/internal/csvio"
	"medidash/internal/query"
	"medidash/internal/storage"
	"medidash/internal/version"
)

// Server represents the HTTP API server
type Server struct {
	router *http.ServeMux
	server *http.Server
	addr   string
	logger *slog.Logger

	db         *storage.DB
	biomarkers *storage.BiomarkerRepository
	readings   *storage.ReadingRepository
	ranges     *storage.RangeRepository
	engine     *query.Engine
	backups    *backup.Manager
	csv        *csvio.Engine

	// tokenHash is the bcrypt hash of the API token; empty disables auth.
	tokenHash     string
	enableMetrics bool
}

// Options configures a Server beyond its storage handles.
type Options struct {
	Addr          string
	TokenHash     string
	EnableMetrics bool
}

// NewServer creates a new HTTP server instance over the store.
// The backup manager may be nil; backup and restore endpoints then
// report 503.
func NewServer(db *storage.DB, backups *backup.Manager, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		addr:          opts.Addr,
		logger:        logger,
		db:            db,
		biomarkers:    storage.NewBiomarkerRepository(db),
		readings:      storage.NewReadingRepository(db),
		ranges:        storage.NewRangeRepository(db),
		engine:        query.NewEngine(db),
		backups:       backups,
		csv:           csvio.NewEngine(db, logger),
		tokenHash:     opts.TokenHash,
		enableMetrics: opts.EnableMetrics,
		router:        http.NewServeMux(),
	}

	// Register routes
	s.registerRoutes()

	// Create HTTP server with configured router and middleware
	handler := s.applyMiddleware(s.router)
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.addr, "auth", s.tokenHash != "")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// applyMiddleware wraps the handler with middleware in the correct order
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	// Apply middleware in reverse order (last one wraps first).
	// CORS sits outside auth so preflight requests need no token.
	handler = AuthMiddleware(s.tokenHash)(handler)
	handler = CORSMiddleware()(handler)
	handler = RecoveryMiddleware(s.logger)(handler)
	handler = LoggingMiddleware(s.logger)(handler)
	handler = RequestIDMiddleware()(handler)
	return handler
}

// registerRoutes registers all API routes
func (s *Server) registerRoutes() {
	// Health and telemetry
	s.router.HandleFunc("/healthz", s.handleHealth)
	if s.enableMetrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	// Biomarker operations
	s.router.HandleFunc("/biomarkers", s.handleBiomarkers)   // GET list, POST create
	s.router.HandleFunc("/biomarkers/", s.handleBiomarkerID) // /:id, /:id/range, /:id/trend, /:id/latest

	// Reading operations
	s.router.HandleFunc("/readings", s.handleReadings)   // GET list, POST create
	s.router.HandleFunc("/readings/", s.handleReadingID) // GET/PATCH/DELETE /:id

	// Dashboard overview
	s.router.HandleFunc("/overview", s.handleOverview)

	// Backup and restore
	s.router.HandleFunc("/backups", s.handleBackups) // GET list, POST create
	s.router.HandleFunc("/restore", s.handleRestore) // POST multipart upload

	// CSV exchange
	s.router.HandleFunc("/import", s.handleImport)     // POST CSV body
	s.router.HandleFunc("/export", s.handleExport)     // GET CSV
	s.router.HandleFunc("/template", s.handleTemplate) // GET CSV template

	// Root endpoint
	s.router.HandleFunc("/", s.handleRoot)
}

// handleRoot handles requests to the root path
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	// Only handle exact root path
	if r.URL.Path != "/" {
		NotFoundError(w, "no such endpoint")
		return
	}

	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}

	response := map[string]interface{}{
		"name":    "medidash HTTP API",
		"version": version.Version,
		"endpoints": []string{
			"GET /healthz - Health check",
			"GET /metrics - Prometheus metrics",
			"GET /biomarkers - List biomarkers (?include_hidden=true, ?category=...)",
			"POST /biomarkers - Create biomarker",
			"GET /biomarkers/:id - Get biomarker",
			"PATCH /biomarkers/:id - Update biomarker",
			"DELETE /biomarkers/:id - Delete biomarker (?cascade=true)",
			"GET /biomarkers/:id/range - Get reference range",
			"PUT /biomarkers/:id/range - Set reference range",
			"DELETE /biomarkers/:id/range - Clear reference range",
			"GET /biomarkers/:id/trend - Trend series (?window=30d)",
			"GET /biomarkers/:id/latest - Latest reading",
			"GET /readings?biomarker_id=N - List readings",
			"POST /readings - Record reading",
			"GET /readings/:id - Get reading",
			"PATCH /readings/:id - Update reading",
			"DELETE /readings/:id - Delete reading",
			"GET /overview - Dashboard overview",
			"GET /backups - List backups",
			"POST /backups - Create backup",
			"POST /restore - Restore from uploaded snapshot",
			"POST /import - Import CSV (?skip_duplicates=&all_or_nothing=&dry_run=)",
			"GET /export - Export readings as CSV",
			"GET /template - Download CSV template",
		},
	}

	WriteJSON(w, response, http.StatusOK)
}
