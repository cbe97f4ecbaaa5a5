package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"medidash/internal/csvio"
	mederrors "medidash/internal/errors"
)

var (
	importSkipDuplicates bool
	importAllOrNothing   bool
	importDryRun         bool
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import readings from a CSV file",
	Long: `Import readings from a CSV file (plain or gzipped).

Expected columns: biomarker,unit,timestamp,value. Each row must name an
existing biomarker whose unit matches exactly; rows that fail are
reported with their line number. Pass '-' to read from stdin.

Duplicate handling and all-or-nothing behavior default to the values in
config.json; the flags override them for a single run.

Examples:
  medidash import labs.csv
  medidash import labs.csv.gz --dry-run
  medidash import labs.csv --all-or-nothing
  cat labs.csv | medidash import -`,
	Args: cobra.ExactArgs(1),
	Run:  runImport,
}

func init() {
	importCmd.Flags().BoolVar(&importSkipDuplicates, "skip-duplicates", true, "Skip rows that already exist")
	importCmd.Flags().BoolVar(&importAllOrNothing, "all-or-nothing", false, "Roll back everything if any row fails")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Validate without writing anything")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	opts := csvio.ImportOptions{
		SkipDuplicates: app.cfg.Import.SkipDuplicates,
		AllOrNothing:   app.cfg.Import.AllOrNothing,
		DryRun:         importDryRun,
	}
	if cmd.Flags().Changed("skip-duplicates") {
		opts.SkipDuplicates = importSkipDuplicates
	}
	if cmd.Flags().Changed("all-or-nothing") {
		opts.AllOrNothing = importAllOrNothing
	}

	var in *os.File
	if args[0] == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(args[0])
		if err != nil {
			exitOn(mederrors.IOf(err, "cannot open %s", args[0]))
		}
		defer f.Close()
		in = f
	}

	engine := csvio.NewEngine(app.db, app.logger)
	report, err := engine.Import(in, opts)
	if err != nil {
		// A failed all-or-nothing run still carries the row report.
		if report != nil && !jsonOutput {
			printRowErrors(report.Errors)
		}
		exitOn(err)
	}

	if jsonOutput {
		printJSON(report)
		return
	}

	verb := "Imported"
	if report.DryRun {
		verb = "Would import"
	}
	fmt.Printf("%s %d readings (%d skipped)\n", verb, report.Inserted, report.Skipped)
	printRowErrors(report.Errors)
}

func printRowErrors(rowErrs []csvio.RowError) {
	if len(rowErrs) == 0 {
		return
	}
	fmt.Printf("%d rows failed:\n", len(rowErrs))
	for _, re := range rowErrs {
		fmt.Printf("  line %d: %s\n", re.Line, re.Message)
	}
}
