package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"medidash/internal/api"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the MediDash HTTP API server.

The server exposes REST endpoints for biomarkers, readings, reference
ranges, trends, backups, and CSV import/export. Protect it with an API
token ('medidash token generate') before binding to anything other
than loopback.

Examples:
  medidash serve
  medidash serve --addr 0.0.0.0:8844`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	apiLogger, err := app.logs.APILogger()
	exitOn(err)

	addr := app.cfg.API.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	mgr := app.backupManager(context.Background())

	server := api.NewServer(app.db, mgr, api.Options{
		Addr:          addr,
		TokenHash:     app.cfg.API.TokenHash,
		EnableMetrics: app.cfg.API.EnableMetrics,
	}, apiLogger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("MediDash API listening on http://%s\n", addr)
		if app.cfg.API.TokenHash == "" {
			fmt.Println("Warning: no API token configured, requests are unauthenticated")
		}
		fmt.Println("Press Ctrl+C to stop")
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		exitOn(err)
	case sig := <-shutdown:
		apiLogger.Info("received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		exitOn(server.Shutdown(ctx))
		fmt.Println("Server stopped")
	}
}
