package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/andresmejia3/vigil/internal/batch"
	"github.com/andresmejia3/vigil/internal/recognition"
	"github.com/andresmejia3/vigil/internal/snapshot"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type analyzeOptions struct {
	Output        string
	ROI           string
	Workers       int
	Faces         bool
	Plates        bool
	SaveNewFaces  bool
	SaveNewPlates bool
}

var analyzeOpts analyzeOptions

var analyzeCmd = &cobra.Command{
	Use:   "analyze <video>...",
	Short: "Analyze recorded videos with a pool of workers and write a CSV report",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAnalyze(cmd.Context(), args, analyzeOpts)
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOpts.Output, "output", "o", "", "Path of the CSV report")
	analyzeCmd.Flags().StringVar(&analyzeOpts.ROI, "roi", "", `Region of interest "x y w h" (default: whole frame)`)
	analyzeCmd.Flags().IntVarP(&analyzeOpts.Workers, "workers", "w", runtime.NumCPU(), "Number of parallel analysis workers")
	analyzeCmd.Flags().BoolVar(&analyzeOpts.Faces, "faces", false, "Run face recognition")
	analyzeCmd.Flags().BoolVar(&analyzeOpts.Plates, "plates", false, "Run plate recognition")
	analyzeCmd.Flags().BoolVar(&analyzeOpts.SaveNewFaces, "new-faces", false, "Report faces that match no target")
	analyzeCmd.Flags().BoolVar(&analyzeOpts.SaveNewPlates, "new-plates", false, "Report plates that match no target")
	analyzeCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(analyzeCmd)
}

// validateAnalyzeFlags parses the ROI and enables both recognizers when neither was chosen.
func validateAnalyzeFlags(opts *analyzeOptions) (*types.ROI, error) {
	if opts.Workers < 1 {
		return nil, fmt.Errorf("--workers must be at least 1, got %d", opts.Workers)
	}
	if !opts.Faces && !opts.Plates {
		opts.Faces, opts.Plates = true, true
	}
	return types.ParseROI(opts.ROI)
}

func runAnalyze(ctx context.Context, files []string, opts analyzeOptions) error {
	roi, err := validateAnalyzeFlags(&opts)
	if err != nil {
		return showError("Invalid flags", err)
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			// Missing files are reported in the CSV; warn early anyway.
			fmt.Fprintf(os.Stderr, "⚠️  %s: %v\n", f, err)
		}
	}

	targets, err := DB.LoadTargets(ctx)
	if err != nil {
		return showError("Failed to load targets", err)
	}

	report, err := batch.CreateReport(opts.Output)
	if err != nil {
		return showError("Failed to create report", err)
	}
	defer report.Close()

	recOpts := recognitionOptions()
	recOpts.Faces = opts.Faces
	recOpts.Plates = opts.Plates
	recOpts.SaveNewFaces = opts.SaveNewFaces
	recOpts.SaveNewPlates = opts.SaveNewPlates

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("🔍 Analyzing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d worker engines for %d file(s)...\n", opts.Workers, len(files))
	p := &batch.Pipeline{
		Workers:   opts.Workers,
		Targets:   targets,
		Options:   recOpts,
		ROI:       roi,
		Engines:   recognition.NewEngineFactory(engineConfig()),
		Report:    report,
		ImagesDir: snapshot.ImagesDir(opts.Output),
		Progress: func(percent float64) {
			bar.Set(int(percent))
		},
		Logger: Log,
	}

	res, err := p.Run(ctx, files)
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "🛑 Analysis cancelled.")
			return err
		}
		return showError("Analysis aborted. Restart the run after fixing the problem.", err)
	}

	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 ANALYSIS SUMMARY (run %s)\n", res.RunID)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎞️  Files:      %d (%d with errors)\n", res.Files, res.Failed)
	fmt.Fprintf(os.Stderr, "⏱️  Analyzed:   %.1fs of %.1fs\n", res.Done, res.Total)
	fmt.Fprintf(os.Stderr, "📄 Report:     %s\n", opts.Output)
	if res.Success {
		fmt.Fprintln(os.Stderr, "✅ Analysis completed with success.")
	} else {
		fmt.Fprintln(os.Stderr, "⚠️  Some parts could not be analyzed; see the report.")
	}
	return nil
}
