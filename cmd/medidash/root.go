package main

import (
	"github.com/spf13/cobra"

	"medidash/internal/version"
)

var (
	// dataDirFlag is the CLI --data-dir flag value
	dataDirFlag string

	// logLevelFlag is the CLI --log-level flag value
	logLevelFlag string

	// jsonOutput switches command output to machine-readable JSON
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "medidash",
	Short: "MediDash - personal biomarker tracking",
	Long: `MediDash tracks biomarkers (blood values, vitals) over time in a local
SQLite store: record readings, watch trends against reference ranges,
exchange data as CSV, and keep verified snapshot backups.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate("medidash version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "",
		"Data directory (default: $MEDIDASH_DATA_DIR or ~/.medidash)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Machine-readable JSON output")
}
