package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/vigil/internal/recognition"
	"github.com/andresmejia3/vigil/internal/snapshot"
	"github.com/andresmejia3/vigil/internal/supervisor"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run recognition on every active camera until interrupted",
	Long:  "Starts one recognition worker per active camera. Send SIGHUP to reload cameras and targets.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runWatch(cmd.Context())
	},
}

func init() {
	watchCmd.Flags().String("status-addr", "", "Serve /healthz and /status on this address (e.g. :8080)")
	watchCmd.Flags().Int("max-cameras", 4, "Maximum number of cameras to run")
	bindFlags(v, watchCmd, map[string]string{"status_addr": "status-addr", "max_cameras": "max-cameras"})
	rootCmd.AddCommand(watchCmd)
}

func runWatch(ctx context.Context) error {
	sup := supervisor.New(supervisor.Config{
		Source: DB,
		Worker: recognition.WorkerConfig{
			Events:    DB,
			Snapshots: snapshot.New(Cfg.EventsPath),
			Engines:   recognition.NewEngineFactory(engineConfig()),
			Options:   recognitionOptions(),
			Logger:    Log,
		},
		MaxCameras: Cfg.MaxCameras,
		Logger:     Log,
	})

	fmt.Fprintln(os.Stderr, "🚀 Starting camera workers...")
	stats, err := sup.Initialize(ctx)
	if err != nil {
		return showError("Failed to start supervisor", err)
	}
	printStats(stats)

	if Cfg.StatusAddr != "" {
		srv := &http.Server{Addr: Cfg.StatusAddr, Handler: statusRouter(sup), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				Log.Error().Err(err).Str("addr", Cfg.StatusAddr).Msg("status server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		fmt.Fprintf(os.Stderr, "📡 Status available on %s\n", Cfg.StatusAddr)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\n🛑 Stopping camera workers...")
			sup.Shutdown()
			return nil
		case <-hup:
			fmt.Fprintln(os.Stderr, "🔄 Reloading cameras and targets...")
			stats, err := sup.Reinitialize(ctx)
			if err != nil {
				utils.ShowError("Failed to reload configuration", err, nil)
				continue
			}
			printStats(stats)
		case err := <-sup.Errors():
			utils.ShowError("A camera worker stopped unexpectedly. Restart vigil (or send SIGHUP) to recover.", err, nil)
		}
	}
}

func printStats(stats supervisor.Stats) {
	fmt.Fprintf(os.Stderr, "✅ %d camera worker(s) running: %d with face recognition, %d with plate recognition\n",
		stats.Workers, stats.FaceCameras, stats.PlateCameras)
	for _, f := range stats.Failed {
		fmt.Fprintf(os.Stderr, "⚠️  Camera %d not started: %v\n", f.CameraID, f.Err)
	}
}

// statusProvider is the part of the supervisor the status endpoint reads.
type statusProvider interface {
	Status() []recognition.WorkerStatus
}

func statusRouter(sup statusProvider) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"cameras": sup.Status()})
	})
	return r
}
