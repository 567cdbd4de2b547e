package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/logger"
	"github.com/andresmejia3/vigil/internal/recognition"
	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// Cfg is the loaded configuration
	Cfg *config.Config
	// Log is the application logger
	Log zerolog.Logger

	v = config.NewViper()
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "vigil",
	Short:   "Face and license plate recognition for cameras and recorded video",
	Version: Version,
	// Errors are printed once, by Execute.
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(v)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		Log = logger.New(Cfg.Environment)

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), Cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

// shownError is an error already displayed in an error box.
type shownError struct{ error }

func (e shownError) Unwrap() error { return e.error }

// showError displays the error box and returns err marked as shown.
func showError(context string, err error) error {
	utils.ShowError(context, err, nil)
	return shownError{err}
}

// reportError prints err unless a command already showed it.
func reportError(w io.Writer, err error) {
	var shown shownError
	if errors.As(err, &shown) {
		return
	}
	fmt.Fprintln(w, "Error:", err)
}

func init() {
	cobra.OnInitialize(loadDotenv)

	rootCmd.PersistentFlags().String("db", "", "PostgreSQL connection string (default: built from POSTGRES_* or postgres://localhost:5432/vigil)")
	rootCmd.PersistentFlags().String("env", "development", "Environment (development prints human-readable logs)")
	rootCmd.PersistentFlags().String("events-path", "./events", "Directory for event snapshots")
	bindFlags(v, rootCmd, map[string]string{"db": "db", "env": "env", "events_path": "events-path"})
}

// loadDotenv reads .env without overriding variables already set.
func loadDotenv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to load .env: %v\n", err)
	}
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		f := cmd.PersistentFlags().Lookup(flag)
		if f == nil {
			f = cmd.Flags().Lookup(flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			panic(fmt.Sprintf("bind %s: %v", flag, err))
		}
	}
}

func engineConfig() recognition.EngineConfig {
	return recognition.EngineConfig{
		Python:       Cfg.Engines.Python,
		PythonWorker: Cfg.Engines.PythonWorker,
		ALPRCommand:  Cfg.Engines.ALPRCommand,
		ALPRCountry:  Cfg.Engines.PlateCountry,
		ALPRConfig:   Cfg.Engines.ALPRConfig,
	}
}

// recognitionOptions applies the configured tuning to the default options.
func recognitionOptions() recognition.Options {
	opts := recognition.DefaultOptions()
	opts.Threshold = Cfg.Recognition.FaceThreshold
	opts.PlateMinConfidence = Cfg.Recognition.PlateMinConfidence
	if Cfg.Recognition.PlateRotations != nil {
		opts.Rotations = Cfg.Recognition.PlateRotations
	}
	return opts
}
