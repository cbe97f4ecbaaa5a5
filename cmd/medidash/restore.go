package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var restoreForce bool

var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Restore readings from a backup file",
	Long: `Restore measurement data from a backup file.

The backup is validated in full before anything changes. Biomarker
definitions from the backup are matched against the live store by name
and unit; missing ones are added, existing ones are kept as they are.
All readings are then replaced by the backup's readings in a single
transaction. A safety backup of the current store is written first.

Examples:
  medidash restore ~/.medidash/backups/medidash_2026-08-01.db.gz
  medidash restore /mnt/usb/labs.db --force`,
	Args: cobra.ExactArgs(1),
	Run:  runRestore,
}

func init() {
	restoreCmd.Flags().BoolVar(&restoreForce, "force", false, "Restore without confirmation")
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	if !restoreForce && !jsonOutput {
		fmt.Printf("This replaces all readings with the contents of %s. Continue? [y/N] ", args[0])
		var response string
		fmt.Scanln(&response)
		if strings.ToLower(response) != "y" {
			fmt.Println("Cancelled")
			return
		}
	}

	ctx := context.Background()
	mgr := app.backupManager(ctx)

	report, err := mgr.Restore(ctx, args[0])
	exitOn(err)

	if jsonOutput {
		printJSON(report)
		return
	}
	fmt.Printf("Restored %d readings (%d biomarkers added, %d unchanged)\n",
		report.ReadingsRestored, report.BiomarkersAdded, report.BiomarkersUnchanged)
	fmt.Printf("Safety backup: %s\n", report.SafetyBackupPath)
}
