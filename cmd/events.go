package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/andresmejia3/vigil/internal/snapshot"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/spf13/cobra"
)

var eventsReset bool

var eventsCmd = &cobra.Command{
	Use:   "events <camera_id>",
	Short: "List the recorded events of a camera",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			utils.Die("Invalid camera ID", err, nil)
		}
		ctx := cmd.Context()

		if eventsReset {
			if !confirm(bufio.NewReader(os.Stdin), fmt.Sprintf("⚠️  Delete every event and snapshot of camera %d?", id)) {
				return
			}
			n, err := DB.ResetEvents(ctx, id)
			if err != nil {
				utils.Die("Failed to delete events", err, nil)
			}
			if err := snapshot.New(Cfg.EventsPath).RemoveCamera(id); err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  Failed to remove snapshots: %v\n", err)
			}
			fmt.Printf("🗑️  %d event(s) deleted\n", n)
			return
		}

		faces, err := DB.ListFaceEvents(ctx, id)
		if err != nil {
			utils.Die("Failed to list face events", err, nil)
		}
		plates, err := DB.ListPlateEvents(ctx, id)
		if err != nil {
			utils.Die("Failed to list plate events", err, nil)
		}
		if len(faces) == 0 && len(plates) == 0 {
			fmt.Println("No events recorded for this camera.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tTARGET\tPLATE\tSNAPSHOT")
		fmt.Fprintln(w, "----\t----\t------\t-----\t--------")
		for _, e := range faces {
			fmt.Fprintf(w, "%s\tF\t%s\t\t%s\n", e.Time.Local().Format("2006-01-02 15:04:05"), orUnknown(e.Target), e.Snapshot)
		}
		for _, e := range plates {
			fmt.Fprintf(w, "%s\tP\t%s\t%s\t%s\n", e.Time.Local().Format("2006-01-02 15:04:05"), orUnknown(e.Target), e.Plate, e.Snapshot)
		}
		w.Flush()
	},
}

func init() {
	eventsCmd.Flags().BoolVar(&eventsReset, "reset", false, "Delete the camera's events and snapshots")
	rootCmd.AddCommand(eventsCmd)
}

func orUnknown(name string) string {
	if name == "" {
		return "(unknown)"
	}
	return name
}
