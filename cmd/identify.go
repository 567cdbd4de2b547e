package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/vigil/internal/recognition"
	"github.com/spf13/cobra"
)

var identifyThreshold float64

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Match the face in a picture against the registered targets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0])
	},
}

func init() {
	identifyCmd.Flags().Float64VarP(&identifyThreshold, "threshold", "t", 0, "Face matching threshold (default: face_threshold from config)")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, imagePath string) error {
	img, err := loadImage(imagePath)
	if err != nil {
		return showError("Failed to read image file", err)
	}
	threshold := identifyThreshold
	if threshold <= 0 {
		threshold = Cfg.Recognition.FaceThreshold
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	eng, err := faceEngines(ctx)
	if err != nil {
		return showError("Failed to start AI worker", err)
	}
	defer eng.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	boxes, err := eng.Detector.DetectFaces(img)
	if err != nil {
		return showError("AI processing failed", err)
	}
	if len(boxes) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	box := boxes[0]
	if len(boxes) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the largest face.\n", len(boxes))
		box = largestFace(boxes)
	}

	vec, err := embed(eng, img, box)
	if err != nil {
		return showError("AI processing failed", err)
	}

	fmt.Fprintln(os.Stderr, "🗄️  Searching targets...")
	targets, err := DB.LoadTargets(ctx)
	if err != nil {
		return showError("Failed to load targets", err)
	}

	m, ok := recognition.MatchFace(vec, targets.Faces, threshold)
	if !ok {
		fmt.Println("❌ No match found in database.")
		return nil
	}
	fmt.Printf("✅ Found Match: %s (ID: %d) %.0f%%\n", m.Target.Name, m.Target.ID, m.Confidence()*100)
	return nil
}
