package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/andresmejia3/vigil/internal/recognition"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/rs/zerolog"
)

// DefaultMaxCameras bounds how many cameras a supervisor reads.
const DefaultMaxCameras = 4

// ErrCritical is delivered once per generation when a running worker dies.
var ErrCritical = errors.New("unknown critical error, restart required")

// ConfigSource supplies the camera list and the target roster.
type ConfigSource interface {
	ListCameras(ctx context.Context, limit int) ([]types.Camera, error)
	LoadTargets(ctx context.Context) (types.Targets, error)
}

// Config wires the supervisor. Worker.Targets is replaced by a fresh
// roster on every Initialize.
type Config struct {
	Source     ConfigSource
	Worker     recognition.WorkerConfig
	MaxCameras int
	Logger     zerolog.Logger
}

// CameraFailure names a camera that could not be started.
type CameraFailure struct {
	CameraID int
	Err      error
}

// Stats summarizes one Initialize.
type Stats struct {
	Workers      int
	FaceCameras  int
	PlateCameras int
	Failed       []CameraFailure
}

// Supervisor owns the running camera workers.
type Supervisor struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	workers    map[int]*recognition.CameraWorker
	generation int
	reported   bool
	errs       chan error
	watchers   sync.WaitGroup
}

func New(cfg Config) *Supervisor {
	if cfg.MaxCameras <= 0 {
		cfg.MaxCameras = DefaultMaxCameras
	}
	return &Supervisor{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "supervisor").Logger(),
		workers: map[int]*recognition.CameraWorker{},
		errs:    make(chan error, 1),
	}
}

// Errors carries at most one ErrCritical per generation. It is never closed.
func (s *Supervisor) Errors() <-chan error {
	return s.errs
}

// Initialize loads the current configuration and starts one worker per
// active camera. Cameras that fail validation or fail to open are listed in
// Stats.Failed and left out of the counts.
func (s *Supervisor) Initialize(ctx context.Context) (Stats, error) {
	var stats Stats

	cams, err := s.cfg.Source.ListCameras(ctx, s.cfg.MaxCameras)
	if err != nil {
		return stats, fmt.Errorf("failed to load cameras: %w", err)
	}
	targets, err := s.cfg.Source.LoadTargets(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to load targets: %w", err)
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.reported = false
	s.mu.Unlock()

	wcfg := s.cfg.Worker
	wcfg.Targets = targets

	var active []types.Camera
	for _, c := range cams {
		if c.Active() {
			active = append(active, c)
		}
	}

	type started struct {
		w   *recognition.CameraWorker
		err error
	}
	results := make([]started, len(active))
	var wg sync.WaitGroup
	for i, c := range active {
		wg.Add(1)
		go func(i int, c types.Camera) {
			defer wg.Done()
			w := recognition.NewCameraWorker(c, wcfg)
			results[i] = started{w: w, err: w.Start(context.WithoutCancel(ctx))}
		}(i, c)
	}
	wg.Wait()

	s.mu.Lock()
	for _, r := range results {
		cam := r.w.Camera
		if r.err != nil {
			s.log.Warn().Err(r.err).Int("camera", cam.ID).Msg("camera not started")
			stats.Failed = append(stats.Failed, CameraFailure{CameraID: cam.ID, Err: r.err})
			continue
		}
		s.workers[cam.ID] = r.w
		stats.Workers++
		if cam.FaceEnabled {
			stats.FaceCameras++
		}
		if cam.PlateEnabled {
			stats.PlateCameras++
		}
		s.watchers.Add(1)
		go s.watch(gen, r.w)
	}
	s.mu.Unlock()

	s.log.Info().
		Int("workers", stats.Workers).
		Int("faces", stats.FaceCameras).
		Int("plates", stats.PlateCameras).
		Int("failed", len(stats.Failed)).
		Msg("supervisor initialized")
	return stats, nil
}

// watch reports the first unrequested worker death of a generation.
func (s *Supervisor) watch(gen int, w *recognition.CameraWorker) {
	defer s.watchers.Done()
	err := w.Wait()
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	if s.reported {
		s.log.Error().Err(err).Int("camera", w.Camera.ID).Msg("camera worker failed")
		return
	}
	s.reported = true
	s.log.Error().Err(err).Int("camera", w.Camera.ID).Msg("critical failure")
	select {
	case s.errs <- fmt.Errorf("%w: %v", ErrCritical, err):
	default:
	}
}

// Reinitialize kills every worker without draining, then starts over.
func (s *Supervisor) Reinitialize(ctx context.Context) (Stats, error) {
	s.stopAll(true)
	// A stale report from the previous generation no longer applies.
	select {
	case <-s.errs:
	default:
	}
	return s.Initialize(ctx)
}

// Shutdown stops every worker, letting in-flight frames finish.
func (s *Supervisor) Shutdown() {
	s.stopAll(false)
	s.log.Info().Msg("supervisor shut down")
}

func (s *Supervisor) stopAll(kill bool) {
	s.mu.Lock()
	workers := s.workers
	s.workers = map[int]*recognition.CameraWorker{}
	// Failures of workers being torn down are not critical.
	s.generation++
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *recognition.CameraWorker) {
			defer wg.Done()
			if kill {
				w.Kill()
			} else {
				w.Stop()
			}
		}(w)
	}
	wg.Wait()
	s.watchers.Wait()
}

// Status returns a snapshot of every worker ordered by camera id.
func (s *Supervisor) Status() []recognition.WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]recognition.WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}
