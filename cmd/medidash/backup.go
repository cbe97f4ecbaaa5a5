package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage snapshot backups",
	Long: `Create and manage verified snapshot backups of the store.

Default backups are named <prefix>_<date>.db (gzipped when compression
is on) and live in the backup directory alongside a manifest. Retention
pruning only ever touches backups in that directory; snapshots written
to explicit destinations are never removed automatically.

Examples:
  medidash backup create
  medidash backup create /mnt/usb/labs.db
  medidash backup list
  medidash backup prune
  medidash backup replicate medidash_2026-08-23.db`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create [destination]",
	Short: "Create a snapshot backup",
	Args:  cobra.MaximumNArgs(1),
	Run:   runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known backups, newest first",
	Run:   runBackupList,
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy now",
	Run:   runBackupPrune,
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <id|filename>",
	Short: "Delete a backup and its manifest entry",
	Args:  cobra.ExactArgs(1),
	Run:   runBackupDelete,
}

var backupReplicateCmd = &cobra.Command{
	Use:   "replicate <id|filename>",
	Short: "Copy a backup to the configured replication store",
	Args:  cobra.ExactArgs(1),
	Run:   runBackupReplicate,
}

func init() {
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupPruneCmd, backupDeleteCmd, backupReplicateCmd)
	rootCmd.AddCommand(backupCmd)
}

func runBackupCreate(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	ctx := context.Background()
	mgr := app.backupManager(ctx)

	destination := ""
	if len(args) == 1 {
		destination = args[0]
	}

	record, err := mgr.Create(ctx, destination)
	exitOn(err)

	if jsonOutput {
		printJSON(record)
		return
	}
	fmt.Printf("Backup written to %s (%d bytes, sha256 %s...)\n",
		record.Path, record.Size, record.SHA256[:12])
}

func runBackupList(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	mgr := app.backupManager(context.Background())
	records := mgr.List()

	if jsonOutput {
		printJSON(records)
		return
	}

	if len(records) == 0 {
		fmt.Println("No backups yet. Create one with 'medidash backup create'.")
		return
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		replicated := ""
		if r.Replicated {
			replicated = "yes"
		}
		rows = append(rows, []string{
			r.FileName,
			r.CreatedAt.Format("2006-01-02 15:04"),
			fmt.Sprintf("%d", r.Size),
			replicated,
		})
	}
	fmt.Print(table([]string{"FILE", "CREATED", "BYTES", "REPLICATED"}, rows))
}

func runBackupPrune(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	mgr := app.backupManager(context.Background())
	pruned := mgr.Prune()

	if jsonOutput {
		printJSON(map[string]int{"pruned": pruned})
		return
	}
	fmt.Printf("Pruned %d backups\n", pruned)
}

func runBackupDelete(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	mgr := app.backupManager(context.Background())
	exitOn(mgr.Delete(args[0]))

	if jsonOutput {
		printJSON(map[string]bool{"deleted": true})
		return
	}
	fmt.Printf("Deleted backup %s\n", args[0])
}

func runBackupReplicate(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	ctx := context.Background()
	mgr := app.backupManager(ctx)

	info, url, err := mgr.Replicate(ctx, args[0])
	exitOn(err)

	if jsonOutput {
		printJSON(map[string]interface{}{"info": info, "url": url})
		return
	}
	fmt.Printf("Replicated %s (%d bytes)\n", args[0], info.Size)
	if url != "" {
		fmt.Printf("Fetch URL (expires soon): %s\n", url)
	}
}
