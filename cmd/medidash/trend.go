package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"medidash/internal/query"
	"medidash/internal/storage"
)

var (
	trendWindow string
)

var trendCmd = &cobra.Command{
	Use:   "trend <biomarker>",
	Short: "Show a biomarker's trend over a time window",
	Long: `Print the readings of a biomarker inside a window ending now,
oldest first, classified against the reference range when one is set.

Windows: 30d, 90d, 6m, 1y, all

Examples:
  medidash trend Glucose
  medidash trend Glucose --window 1y`,
	Args: cobra.ExactArgs(1),
	Run:  runTrend,
}

var latestCmd = &cobra.Command{
	Use:   "latest <biomarker>",
	Short: "Show the most recent reading",
	Args:  cobra.ExactArgs(1),
	Run:   runLatest,
}

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Dashboard overview of all visible biomarkers",
	Long:  "One line per visible biomarker: latest value, reference range, and classification.",
	Run:   runOverview,
}

func init() {
	trendCmd.Flags().StringVar(&trendWindow, "window", "30d", "Time window: 30d, 90d, 6m, 1y, all")

	rootCmd.AddCommand(trendCmd, latestCmd, overviewCmd)
}

func runTrend(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	window, err := query.ParseWindow(trendWindow)
	exitOn(err)

	b := resolveBiomarker(storage.NewBiomarkerRepository(app.db), args[0])

	engine := query.NewEngine(app.db)
	points, err := engine.Trend(b.ID, window, time.Now().UTC())
	exitOn(err)

	rr, err := storage.NewRangeRepository(app.db).Get(b.ID)
	exitOn(err)

	if jsonOutput {
		printJSON(map[string]interface{}{
			"biomarker": b,
			"window":    window,
			"points":    points,
			"range":     rr,
		})
		return
	}

	if len(points) == 0 {
		fmt.Printf("No readings for %s in the last %s\n", b.Name, window)
		return
	}

	fmt.Printf("%s (%s), last %s", b.Name, b.Unit, window)
	if rr != nil {
		fmt.Printf(", healthy %s", formatRange(rr))
	}
	fmt.Println()

	rows := make([][]string, 0, len(points))
	for _, p := range points {
		rows = append(rows, []string{
			p.Timestamp.Format("2006-01-02 15:04"),
			formatValue(p.Value),
			formatStatus(p.Status),
		})
	}
	fmt.Print(table([]string{"TIMESTAMP", "VALUE", "STATUS"}, rows))
}

func runLatest(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	b := resolveBiomarker(storage.NewBiomarkerRepository(app.db), args[0])

	engine := query.NewEngine(app.db)
	latest, err := engine.Latest(b.ID)
	exitOn(err)

	rr, err := storage.NewRangeRepository(app.db).Get(b.ID)
	exitOn(err)

	if jsonOutput {
		printJSON(map[string]interface{}{
			"biomarker": b,
			"latest":    latest,
			"range":     rr,
		})
		return
	}

	if latest == nil {
		fmt.Printf("No readings for %s\n", b.Name)
		return
	}

	fmt.Printf("%s: %s %s at %s", b.Name, formatValue(latest.Value), b.Unit,
		latest.Timestamp.Format("2006-01-02 15:04"))
	if rr != nil {
		fmt.Printf(" [%s, healthy %s]", formatStatus(rr.Classify(latest.Value)), formatRange(rr))
	}
	fmt.Println()
}

func runOverview(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	entries, err := query.NewEngine(app.db).Overview()
	exitOn(err)

	if jsonOutput {
		printJSON(entries)
		return
	}

	if len(entries) == 0 {
		fmt.Println("No visible biomarkers. Seed defaults with 'medidash catalog apply'.")
		return
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		latest, at := "-", "-"
		if e.Latest != nil {
			latest = formatValue(e.Latest.Value) + " " + e.Biomarker.Unit
			at = e.Latest.Timestamp.Format("2006-01-02")
		}
		rows = append(rows, []string{
			e.Biomarker.Name,
			latest,
			at,
			formatRange(e.Range),
			formatStatus(e.Status),
			fmt.Sprintf("%d", e.Count),
		})
	}
	fmt.Print(table([]string{"BIOMARKER", "LATEST", "DATE", "RANGE", "STATUS", "READINGS"}, rows))
}
