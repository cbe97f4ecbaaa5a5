package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"medidash/internal/storage"
)

var (
	biomarkerUnit     string
	biomarkerCategory string
	biomarkerListAll  bool
	biomarkerListCat  string
	biomarkerNewName  string
	biomarkerNewUnit  string
	biomarkerNewCat   string
	biomarkerVisible  bool
	biomarkerHidden   bool
	biomarkerOrder    int64
	biomarkerCascade  bool
)

var biomarkerCmd = &cobra.Command{
	Use:   "biomarker",
	Short: "Manage tracked biomarkers",
	Long: `Create, list, update, and delete biomarker definitions.

Examples:
  medidash biomarker add "LDL Cholesterol" --unit mg/dL --category "Lipid Profile"
  medidash biomarker list --all
  medidash biomarker update LDL --hidden
  medidash biomarker delete LDL --cascade`,
}

var biomarkerAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a new biomarker",
	Args:  cobra.ExactArgs(1),
	Run:   runBiomarkerAdd,
}

var biomarkerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List biomarkers in display order",
	Run:   runBiomarkerList,
}

var biomarkerUpdateCmd = &cobra.Command{
	Use:   "update <id|name>",
	Short: "Update a biomarker",
	Args:  cobra.ExactArgs(1),
	Run:   runBiomarkerUpdate,
}

var biomarkerDeleteCmd = &cobra.Command{
	Use:   "delete <id|name>",
	Short: "Delete a biomarker",
	Long: `Delete a biomarker definition.

A biomarker with recorded readings is only deleted with --cascade,
which removes the readings too.`,
	Args: cobra.ExactArgs(1),
	Run:  runBiomarkerDelete,
}

func init() {
	biomarkerAddCmd.Flags().StringVar(&biomarkerUnit, "unit", "", "Measurement unit, e.g. mg/dL (required)")
	biomarkerAddCmd.Flags().StringVar(&biomarkerCategory, "category", "", "Category for grouping, e.g. \"Lipid Profile\"")
	biomarkerAddCmd.MarkFlagRequired("unit")

	biomarkerListCmd.Flags().BoolVar(&biomarkerListAll, "all", false, "Include hidden biomarkers")
	biomarkerListCmd.Flags().StringVar(&biomarkerListCat, "category", "", "Only this category")

	biomarkerUpdateCmd.Flags().StringVar(&biomarkerNewName, "name", "", "New name")
	biomarkerUpdateCmd.Flags().StringVar(&biomarkerNewUnit, "unit", "", "New unit")
	biomarkerUpdateCmd.Flags().StringVar(&biomarkerNewCat, "category", "", "New category")
	biomarkerUpdateCmd.Flags().BoolVar(&biomarkerVisible, "visible", false, "Show on the dashboard")
	biomarkerUpdateCmd.Flags().BoolVar(&biomarkerHidden, "hidden", false, "Hide from the dashboard")
	biomarkerUpdateCmd.Flags().Int64Var(&biomarkerOrder, "order", 0, "Display order slot")

	biomarkerDeleteCmd.Flags().BoolVar(&biomarkerCascade, "cascade", false, "Delete dependent readings too")

	biomarkerCmd.AddCommand(biomarkerAddCmd, biomarkerListCmd, biomarkerUpdateCmd, biomarkerDeleteCmd)
	rootCmd.AddCommand(biomarkerCmd)
}

func runBiomarkerAdd(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	repo := storage.NewBiomarkerRepository(app.db)
	b, err := repo.Add(args[0], biomarkerUnit, biomarkerCategory)
	exitOn(err)

	if jsonOutput {
		printJSON(b)
		return
	}
	fmt.Printf("Added biomarker %q (%s), id %d\n", b.Name, b.Unit, b.ID)
}

func runBiomarkerList(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	filter := storage.BiomarkerFilter{VisibleOnly: !biomarkerListAll}
	if biomarkerListCat != "" {
		filter.Category = &biomarkerListCat
	}

	repo := storage.NewBiomarkerRepository(app.db)
	biomarkers, err := repo.List(filter)
	exitOn(err)

	if jsonOutput {
		printJSON(biomarkers)
		return
	}

	if len(biomarkers) == 0 {
		fmt.Println("No biomarkers. Add one with 'medidash biomarker add' or seed defaults with 'medidash catalog apply'.")
		return
	}

	rows := make([][]string, 0, len(biomarkers))
	for _, b := range biomarkers {
		visible := "yes"
		if !b.Visible {
			visible = "no"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", b.ID), b.Name, b.Unit, b.Category, visible,
		})
	}
	fmt.Print(table([]string{"ID", "NAME", "UNIT", "CATEGORY", "VISIBLE"}, rows))
}

func runBiomarkerUpdate(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	repo := storage.NewBiomarkerRepository(app.db)
	b := resolveBiomarker(repo, args[0])

	var update storage.BiomarkerUpdate
	if cmd.Flags().Changed("name") {
		update.Name = &biomarkerNewName
	}
	if cmd.Flags().Changed("unit") {
		update.Unit = &biomarkerNewUnit
	}
	if cmd.Flags().Changed("category") {
		update.Category = &biomarkerNewCat
	}
	if biomarkerVisible {
		v := true
		update.Visible = &v
	}
	if biomarkerHidden {
		v := false
		update.Visible = &v
	}
	if cmd.Flags().Changed("order") {
		update.DisplayOrder = &biomarkerOrder
	}

	updated, err := repo.Update(b.ID, update)
	exitOn(err)

	if jsonOutput {
		printJSON(updated)
		return
	}
	fmt.Printf("Updated biomarker %d (%s)\n", updated.ID, updated.Name)
}

func runBiomarkerDelete(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	repo := storage.NewBiomarkerRepository(app.db)
	b := resolveBiomarker(repo, args[0])

	readingsDeleted, err := repo.Delete(b.ID, biomarkerCascade)
	exitOn(err)

	if jsonOutput {
		printJSON(map[string]interface{}{"deleted": true, "readingsDeleted": readingsDeleted})
		return
	}
	if readingsDeleted > 0 {
		fmt.Printf("Deleted biomarker %q and %d readings\n", b.Name, readingsDeleted)
	} else {
		fmt.Printf("Deleted biomarker %q\n", b.Name)
	}
}
