package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var cameraCmd = &cobra.Command{
	Use:   "camera",
	Short: "Manage camera configuration (changes apply on the next reload)",
}

var cameraListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured cameras",
	Run: func(cmd *cobra.Command, args []string) {
		cams, err := DB.ListCameras(cmd.Context(), 0)
		if err != nil {
			utils.Die("Failed to list cameras", err, nil)
		}
		if len(cams) == 0 {
			fmt.Println("No cameras configured.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tURL\tROI\tFACES\tPLATES\tNEW FACES\tNEW PLATES")
		fmt.Fprintln(w, "--\t----\t---\t---\t-----\t------\t---------\t----------")
		for _, c := range cams {
			roi := c.ROI.String()
			if roi == "" {
				roi = "-"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.URL, roi,
				yesNo(c.FaceEnabled), yesNo(c.PlateEnabled), yesNo(c.SaveNewFaces), yesNo(c.SaveNewPlates))
		}
		w.Flush()
	},
}

var cameraAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a camera",
	Run: func(cmd *cobra.Command, args []string) {
		var c types.Camera
		if err := applyCameraFlags(&c, cmd.Flags()); err != nil {
			utils.Die("Invalid camera flags", err, nil)
		}
		if err := c.Validate(); err != nil {
			utils.Die("Invalid camera", err, nil)
		}
		if err := DB.CreateCamera(cmd.Context(), &c); err != nil {
			utils.Die("Failed to add camera", err, nil)
		}
		fmt.Printf("✅ Camera %d added\n", c.ID)
	},
}

var cameraSetCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "Change the flags given on a camera",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			utils.Die("Invalid camera ID", err, nil)
		}
		c, err := DB.GetCamera(cmd.Context(), id)
		if err != nil {
			utils.Die("Failed to load camera", err, nil)
		}
		if err := applyCameraFlags(&c, cmd.Flags()); err != nil {
			utils.Die("Invalid camera flags", err, nil)
		}
		if err := c.Validate(); err != nil {
			utils.Die("Invalid camera", err, nil)
		}
		if err := DB.UpdateCamera(cmd.Context(), c); err != nil {
			utils.Die("Failed to update camera", err, nil)
		}
		fmt.Printf("✅ Camera %d updated. Send SIGHUP to a running 'vigil watch' to apply.\n", c.ID)
	},
}

func init() {
	for _, c := range []*cobra.Command{cameraAddCmd, cameraSetCmd} {
		f := c.Flags()
		f.String("name", "", "Display name")
		f.String("url", "", "Source: device index, /dev/videoN, stream URL or file")
		f.String("roi", "", `Region of interest "x y w h" (empty: whole frame)`)
		f.Bool("faces", false, "Enable face recognition")
		f.Bool("plates", false, "Enable plate recognition")
		f.Bool("save-new-faces", false, "Record faces that match no target")
		f.Bool("save-new-plates", false, "Record plates that match no target")
	}
	cameraCmd.AddCommand(cameraListCmd, cameraAddCmd, cameraSetCmd)
	rootCmd.AddCommand(cameraCmd)
}

// applyCameraFlags copies the flags the user actually set onto c.
func applyCameraFlags(c *types.Camera, flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "name":
			c.Name = f.Value.String()
		case "url":
			c.URL = f.Value.String()
		case "roi":
			c.ROI, err = types.ParseROI(f.Value.String())
		case "faces":
			c.FaceEnabled, err = strconv.ParseBool(f.Value.String())
		case "plates":
			c.PlateEnabled, err = strconv.ParseBool(f.Value.String())
		case "save-new-faces":
			c.SaveNewFaces, err = strconv.ParseBool(f.Value.String())
		case "save-new-plates":
			c.SaveNewPlates, err = strconv.ParseBool(f.Value.String())
		}
	})
	return err
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
