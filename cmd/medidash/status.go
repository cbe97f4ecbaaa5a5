package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"medidash/internal/storage"
	"medidash/internal/version"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store status",
	Long:  "Display the data directory, store contents, and backup state",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// StatusResponse contains the store status for output
type StatusResponse struct {
	Version       string     `json:"version"`
	DataDir       string     `json:"dataDir"`
	StorePath     string     `json:"storePath"`
	SchemaVersion int        `json:"schemaVersion"`
	Biomarkers    int64      `json:"biomarkers"`
	Readings      int64      `json:"readings"`
	Backups       int        `json:"backups"`
	LastBackup    *time.Time `json:"lastBackup,omitempty"`
	APIAddr       string     `json:"apiAddr"`
}

func runStatus(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	schema, err := app.db.SchemaVersion()
	exitOn(err)

	biomarkers, err := storage.NewBiomarkerRepository(app.db).Count()
	exitOn(err)
	readings, err := storage.NewReadingRepository(app.db).Count()
	exitOn(err)

	records := app.backupManager(context.Background()).List()
	var lastBackup *time.Time
	if len(records) > 0 {
		t := records[0].CreatedAt
		lastBackup = &t
	}

	resp := &StatusResponse{
		Version:       version.Version,
		DataDir:       app.dataDir,
		StorePath:     app.db.Path(),
		SchemaVersion: schema,
		Biomarkers:    biomarkers,
		Readings:      readings,
		Backups:       len(records),
		LastBackup:    lastBackup,
		APIAddr:       app.cfg.API.Addr,
	}

	if jsonOutput {
		printJSON(resp)
		return
	}

	fmt.Printf("medidash %s\n\n", resp.Version)
	fmt.Printf("Data directory: %s\n", resp.DataDir)
	fmt.Printf("Store:          %s (schema v%d)\n", resp.StorePath, resp.SchemaVersion)
	fmt.Printf("Biomarkers:     %d\n", resp.Biomarkers)
	fmt.Printf("Readings:       %d\n", resp.Readings)
	if resp.LastBackup != nil {
		fmt.Printf("Backups:        %d (last %s)\n", resp.Backups, resp.LastBackup.Format("2006-01-02 15:04"))
	} else {
		fmt.Printf("Backups:        none\n")
	}
	fmt.Printf("API address:    %s\n", resp.APIAddr)
}
