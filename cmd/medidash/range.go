package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"medidash/internal/storage"
)

var (
	rangeKind  string
	rangeLower float64
	rangeUpper float64
)

var rangeCmd = &cobra.Command{
	Use:   "range",
	Short: "Manage reference ranges",
	Long: `Set, show, or clear the healthy reference range of a biomarker.

Kinds:
  below    healthy strictly below --upper  ("LDL < 100")
  above    healthy strictly above --lower  ("HDL > 40")
  between  healthy within [--lower, --upper] inclusive

Examples:
  medidash range set LDL --kind below --upper 100
  medidash range set Glucose --kind between --lower 70 --upper 99
  medidash range show Glucose
  medidash range clear Glucose`,
}

var rangeSetCmd = &cobra.Command{
	Use:   "set <biomarker>",
	Short: "Set the reference range",
	Args:  cobra.ExactArgs(1),
	Run:   runRangeSet,
}

var rangeShowCmd = &cobra.Command{
	Use:   "show <biomarker>",
	Short: "Show the reference range",
	Args:  cobra.ExactArgs(1),
	Run:   runRangeShow,
}

var rangeClearCmd = &cobra.Command{
	Use:   "clear <biomarker>",
	Short: "Clear the reference range",
	Args:  cobra.ExactArgs(1),
	Run:   runRangeClear,
}

func init() {
	rangeSetCmd.Flags().StringVar(&rangeKind, "kind", "", "Range kind: below, above, between (required)")
	rangeSetCmd.Flags().Float64Var(&rangeLower, "lower", 0, "Lower bound")
	rangeSetCmd.Flags().Float64Var(&rangeUpper, "upper", 0, "Upper bound")
	rangeSetCmd.MarkFlagRequired("kind")

	rangeCmd.AddCommand(rangeSetCmd, rangeShowCmd, rangeClearCmd)
	rootCmd.AddCommand(rangeCmd)
}

func runRangeSet(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	b := resolveBiomarker(storage.NewBiomarkerRepository(app.db), args[0])

	var lower, upper *float64
	if cmd.Flags().Changed("lower") {
		lower = &rangeLower
	}
	if cmd.Flags().Changed("upper") {
		upper = &rangeUpper
	}

	rr, err := storage.NewRangeRepository(app.db).Set(b.ID, storage.RangeKind(rangeKind), lower, upper)
	exitOn(err)

	if jsonOutput {
		printJSON(rr)
		return
	}
	fmt.Printf("Set range for %s: healthy %s %s\n", b.Name, formatRange(rr), b.Unit)
}

func runRangeShow(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	b := resolveBiomarker(storage.NewBiomarkerRepository(app.db), args[0])

	rr, err := storage.NewRangeRepository(app.db).Get(b.ID)
	exitOn(err)

	if jsonOutput {
		printJSON(rr)
		return
	}

	if rr == nil {
		fmt.Printf("No reference range set for %s\n", b.Name)
		return
	}
	fmt.Printf("%s: healthy %s %s (%s)\n", b.Name, formatRange(rr), b.Unit, rr.Kind)
}

func runRangeClear(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	b := resolveBiomarker(storage.NewBiomarkerRepository(app.db), args[0])

	exitOn(storage.NewRangeRepository(app.db).Clear(b.ID))

	if jsonOutput {
		printJSON(map[string]bool{"cleared": true})
		return
	}
	fmt.Printf("Cleared range for %s\n", b.Name)
}
