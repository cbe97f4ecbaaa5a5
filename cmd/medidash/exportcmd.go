package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"medidash/internal/csvio"
	mederrors "medidash/internal/errors"
)

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export all readings as CSV",
	Long: `Export every reading as CSV, ordered by biomarker and time.

The column layout matches the import format, so an export can be fed
straight back into 'medidash import'. Without an argument the CSV goes
to stdout.

Examples:
  medidash export
  medidash export labs.csv`,
	Args: cobra.MaximumNArgs(1),
	Run:  runExport,
}

var templateCmd = &cobra.Command{
	Use:   "template [file]",
	Short: "Write an annotated CSV import template",
	Args:  cobra.MaximumNArgs(1),
	Run:   runTemplate,
}

func init() {
	rootCmd.AddCommand(exportCmd, templateCmd)
}

// outFile opens the destination for a file-or-stdout command.
func outFile(args []string) (io.Writer, func() error, string) {
	if len(args) == 0 {
		return os.Stdout, func() error { return nil }, ""
	}
	f, err := os.Create(args[0])
	if err != nil {
		exitOn(mederrors.IOf(err, "cannot create %s", args[0]))
	}
	return f, f.Close, args[0]
}

func runExport(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	w, closeOut, path := outFile(args)

	engine := csvio.NewEngine(app.db, app.logger)
	rows, err := engine.Export(w)
	if err != nil {
		closeOut()
		exitOn(err)
	}
	if err := closeOut(); err != nil {
		exitOn(mederrors.IOf(err, "cannot finish writing export"))
	}

	if path != "" {
		fmt.Printf("Exported %d readings to %s\n", rows, path)
	}
}

func runTemplate(cmd *cobra.Command, args []string) {
	w, closeOut, path := outFile(args)

	if err := csvio.Template(w); err != nil {
		closeOut()
		exitOn(err)
	}
	if err := closeOut(); err != nil {
		exitOn(mederrors.IOf(err, "cannot finish writing template"))
	}

	if path != "" {
		fmt.Printf("Template written to %s\n", path)
	}
}
