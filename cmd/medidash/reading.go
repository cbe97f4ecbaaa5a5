package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"medidash/internal/storage"
)

var (
	readingAt       string
	readingNewAt    string
	readingNewValue float64
	readingFrom     string
	readingTo       string
)

var readingCmd = &cobra.Command{
	Use:   "reading",
	Short: "Record and manage readings",
	Long: `Record measured values for a biomarker and manage existing readings.

Timestamps accept RFC3339 and the common shorter forms:
  2026-01-05T08:30:00Z, 2026-01-05 08:30, 2026-01-05

Examples:
  medidash reading add Glucose 95
  medidash reading add Glucose 101.5 --at "2026-01-05 08:30"
  medidash reading list Glucose --from 2026-01-01
  medidash reading update 12 --value 98
  medidash reading delete 12`,
}

var readingAddCmd = &cobra.Command{
	Use:   "add <biomarker> <value>",
	Short: "Record a reading",
	Args:  cobra.ExactArgs(2),
	Run:   runReadingAdd,
}

var readingListCmd = &cobra.Command{
	Use:   "list <biomarker>",
	Short: "List readings for a biomarker, oldest first",
	Args:  cobra.ExactArgs(1),
	Run:   runReadingList,
}

var readingUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a reading's value or timestamp",
	Args:  cobra.ExactArgs(1),
	Run:   runReadingUpdate,
}

var readingDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a reading",
	Args:  cobra.ExactArgs(1),
	Run:   runReadingDelete,
}

func init() {
	readingAddCmd.Flags().StringVar(&readingAt, "at", "", "Measurement timestamp (default: now)")

	readingListCmd.Flags().StringVar(&readingFrom, "from", "", "Only readings at or after this timestamp")
	readingListCmd.Flags().StringVar(&readingTo, "to", "", "Only readings at or before this timestamp")

	readingUpdateCmd.Flags().StringVar(&readingNewAt, "at", "", "New timestamp")
	readingUpdateCmd.Flags().Float64Var(&readingNewValue, "value", 0, "New value")

	readingCmd.AddCommand(readingAddCmd, readingListCmd, readingUpdateCmd, readingDeleteCmd)
	rootCmd.AddCommand(readingCmd)
}

func runReadingAdd(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	b := resolveBiomarker(storage.NewBiomarkerRepository(app.db), args[0])

	value, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		exitOn(fmt.Errorf("value %q is not a number", args[1]))
	}

	timestamp := time.Now().UTC()
	if readingAt != "" {
		timestamp, err = storage.ParseTimestamp(readingAt)
		exitOn(err)
	}

	reading, err := storage.NewReadingRepository(app.db).Add(b.ID, timestamp, value)
	exitOn(err)

	if jsonOutput {
		printJSON(reading)
		return
	}
	fmt.Printf("Recorded %s %s %s at %s (id %d)\n",
		b.Name, formatValue(reading.Value), b.Unit,
		reading.Timestamp.Format(time.RFC3339), reading.ID)
}

func runReadingList(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	b := resolveBiomarker(storage.NewBiomarkerRepository(app.db), args[0])

	var from, to *time.Time
	if readingFrom != "" {
		t, err := storage.ParseTimestamp(readingFrom)
		exitOn(err)
		from = &t
	}
	if readingTo != "" {
		t, err := storage.ParseTimestamp(readingTo)
		exitOn(err)
		to = &t
	}

	readings, err := storage.NewReadingRepository(app.db).ListForBiomarker(b.ID, from, to)
	exitOn(err)

	if jsonOutput {
		printJSON(readings)
		return
	}

	if len(readings) == 0 {
		fmt.Printf("No readings for %s\n", b.Name)
		return
	}

	rows := make([][]string, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, []string{
			fmt.Sprintf("%d", r.ID),
			r.Timestamp.Format("2006-01-02 15:04"),
			formatValue(r.Value),
			b.Unit,
		})
	}
	fmt.Print(table([]string{"ID", "TIMESTAMP", "VALUE", "UNIT"}, rows))
}

func runReadingUpdate(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		exitOn(fmt.Errorf("reading id %q is not a number", args[0]))
	}

	var update storage.ReadingUpdate
	if cmd.Flags().Changed("value") {
		update.Value = &readingNewValue
	}
	if readingNewAt != "" {
		t, err := storage.ParseTimestamp(readingNewAt)
		exitOn(err)
		update.Timestamp = &t
	}

	reading, err := storage.NewReadingRepository(app.db).Update(id, update)
	exitOn(err)

	if jsonOutput {
		printJSON(reading)
		return
	}
	fmt.Printf("Updated reading %d: %s at %s\n",
		reading.ID, formatValue(reading.Value), reading.Timestamp.Format(time.RFC3339))
}

func runReadingDelete(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		exitOn(fmt.Errorf("reading id %q is not a number", args[0]))
	}

	exitOn(storage.NewReadingRepository(app.db).Delete(id))

	if jsonOutput {
		printJSON(map[string]bool{"deleted": true})
		return
	}
	fmt.Printf("Deleted reading %d\n", id)
}
