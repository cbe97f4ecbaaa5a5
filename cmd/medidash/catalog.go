package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"medidash/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Seed biomarker definitions from a catalog",
	Long: `Seed the store with biomarker definitions and reference ranges.

Without an argument 'catalog apply' loads the built-in catalog of
common lab panel biomarkers. A TOML or YAML file can be given instead
to apply a custom catalog. Existing biomarkers are never modified;
entries whose name is already taken are skipped.

Examples:
  medidash catalog apply
  medidash catalog apply my_panel.toml`,
}

var catalogApplyCmd = &cobra.Command{
	Use:   "apply [file]",
	Short: "Apply the built-in or a custom catalog",
	Args:  cobra.MaximumNArgs(1),
	Run:   runCatalogApply,
}

func init() {
	catalogCmd.AddCommand(catalogApplyCmd)
	rootCmd.AddCommand(catalogCmd)
}

func runCatalogApply(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	var c *catalog.Catalog
	var err error
	if len(args) == 1 {
		c, err = catalog.Load(args[0])
	} else {
		c, err = catalog.Default()
	}
	exitOn(err)

	report, err := catalog.Apply(app.db, c, app.logger)
	exitOn(err)

	if jsonOutput {
		printJSON(report)
		return
	}
	fmt.Printf("Catalog applied: %d biomarkers added, %d already present\n",
		report.Added, report.Skipped)
}
