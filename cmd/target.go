package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/spf13/cobra"
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Manage the face and plate targets cameras look for",
}

var targetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered targets",
	Run: func(cmd *cobra.Command, args []string) {
		targets, err := DB.LoadTargets(cmd.Context())
		if err != nil {
			utils.Die("Failed to list targets", err, nil)
		}
		if len(targets.Faces) == 0 && len(targets.Plates) == 0 {
			fmt.Println("No targets found in database.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "KIND\tID\tNAME\tDETAIL")
		fmt.Fprintln(w, "----\t--\t----\t------")
		for _, f := range targets.Faces {
			fmt.Fprintf(w, "face\t%d\t%s\t%d template(s)\n", f.ID, f.Name, len(f.Templates))
		}
		for _, p := range targets.Plates {
			fmt.Fprintf(w, "plate\t%d\t%s\t%s\n", p.ID, p.Name, p.Plate)
		}
		w.Flush()
	},
}

var targetAddPlateCmd = &cobra.Command{
	Use:   "add-plate <name> <plate>",
	Short: "Register a license plate",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := DB.CreatePlateTarget(cmd.Context(), args[0], args[1])
		if err != nil {
			utils.Die("Failed to add plate", err, nil)
		}
		fmt.Printf("✅ Plate target %d added for '%s'\n", id, args[0])
	},
}

var targetAddFaceCmd = &cobra.Command{
	Use:   "add-face <name> <image>...",
	Short: "Register a face from one or more pictures (one face per picture)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
		eng, err := faceEngines(ctx)
		if err != nil {
			return showError("Failed to start AI worker", err)
		}
		defer eng.Close()

		var templates [][]float64
		for _, path := range args[1:] {
			tpl, err := templateFromImage(eng, path)
			if err != nil {
				return showError("Failed to extract face", err)
			}
			templates = append(templates, tpl)
		}

		id, err := DB.CreateFaceTarget(ctx, args[0], templates)
		if err != nil {
			return showError("Failed to add face", err)
		}
		fmt.Printf("✅ Face target %d added for '%s' with %d template(s)\n", id, args[0], len(templates))
		return nil
	},
}

var targetRenameCmd = &cobra.Command{
	Use:   "rename <face|plate> <id> <name>",
	Short: "Assign a new name to a target",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		kind, id := parseTargetRef(args[0], args[1])
		if err := DB.RenameTarget(cmd.Context(), kind, id, args[2]); err != nil {
			utils.Die("Failed to rename target", err, nil)
		}
		fmt.Printf("✅ %s target %d renamed to '%s'\n", kind, id, args[2])
	},
}

var targetDeleteCmd = &cobra.Command{
	Use:   "delete <face|plate> <id>",
	Short: "Delete a target; its past events are kept",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		kind, id := parseTargetRef(args[0], args[1])
		if err := DB.DeleteTarget(cmd.Context(), kind, id); err != nil {
			utils.Die("Failed to delete target", err, nil)
		}
		fmt.Printf("🗑️  %s target %d deleted\n", kind, id)
	},
}

func init() {
	targetCmd.AddCommand(targetListCmd, targetAddPlateCmd, targetAddFaceCmd, targetRenameCmd, targetDeleteCmd)
	rootCmd.AddCommand(targetCmd)
}

func parseTargetRef(kindArg, idArg string) (store.TargetKind, int) {
	kind, err := store.ParseTargetKind(kindArg)
	if err != nil {
		utils.Die("Invalid target kind", err, nil)
	}
	id, err := strconv.Atoi(idArg)
	if err != nil {
		utils.Die("Invalid target ID", err, nil)
	}
	return kind, id
}
