package recognition

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/vigil/internal/capture"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/rs/zerolog"
)

// State is the lifecycle phase of a CameraWorker.
type State int32

const (
	Starting State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

const idleDelay = 10 * time.Millisecond

// FrameSource is the live side of capture.LiveSource.
type FrameSource interface {
	Start() error
	Get() *capture.Frame
	Err() error
	Stop() error
}

// SourceOpener opens a camera locator.
type SourceOpener func(ctx context.Context, locator string) (FrameSource, error)

// OpenLive adapts capture.Open to SourceOpener.
func OpenLive(ctx context.Context, locator string) (FrameSource, error) {
	src, err := capture.Open(ctx, locator)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// EventSink persists camera events.
type EventSink interface {
	InsertFaceEvent(ctx context.Context, ev *types.EventFace) error
	InsertPlateEvent(ctx context.Context, ev *types.EventPlate) error
}

// SnapshotStore names and writes camera snapshots.
type SnapshotStore interface {
	CameraPath(cameraID int, t time.Time) string
	Save(path string, img image.Image) error
}

// WorkerConfig carries the dependencies shared by every camera worker.
type WorkerConfig struct {
	Targets   types.Targets
	Events    EventSink
	Snapshots SnapshotStore
	Engines   EngineFactory
	Open      SourceOpener
	Options   Options
	Logger    zerolog.Logger
	Now       func() time.Time
}

// WorkerStatus is a point-in-time view of a worker.
type WorkerStatus struct {
	CameraID int    `json:"camera_id"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Faces    bool   `json:"faces"`
	Plates   bool   `json:"plates"`
	Frames   int64  `json:"frames"`
	Events   int64  `json:"events"`
	Error    string `json:"error,omitempty"`
}

// CameraWorker continuously recognizes faces and plates on one camera.
type CameraWorker struct {
	Camera types.Camera

	cfg     WorkerConfig
	log     zerolog.Logger
	source  FrameSource
	engines *Engines

	state  atomic.Int32
	frames atomic.Int64
	events atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex // guards cancel and err
	err    error
}

func NewCameraWorker(cam types.Camera, cfg WorkerConfig) *CameraWorker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Open == nil {
		cfg.Open = OpenLive
	}
	w := &CameraWorker{
		Camera: cam,
		cfg:    cfg,
		log:    cfg.Logger.With().Int("camera", cam.ID).Logger(),
		done:   make(chan struct{}),
	}
	w.state.Store(int32(Starting))
	return w
}

// Start opens the camera and its engines, then runs the recognition loop in
// its own goroutine. A startup failure is returned and the worker ends Stopped.
func (w *CameraWorker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.start(ctx); err != nil {
		cancel()
		w.finish(err)
		close(w.done)
		return err
	}
	go w.run(ctx)
	return nil
}

func (w *CameraWorker) start(ctx context.Context) error {
	if err := w.Camera.Validate(); err != nil {
		return err
	}

	src, err := w.cfg.Open(ctx, w.Camera.URL)
	if err != nil {
		return fmt.Errorf("camera %d: %w", w.Camera.ID, err)
	}
	if err := src.Start(); err != nil {
		src.Stop()
		return fmt.Errorf("camera %d: %w", w.Camera.ID, err)
	}

	// Engines outlive cancellation so Stop lets the frame in flight finish; Kill aborts them.
	eng, err := w.cfg.Engines(context.WithoutCancel(ctx), w.Camera.ID, w.Camera.FaceEnabled, w.Camera.PlateEnabled)
	if err != nil {
		src.Stop()
		return fmt.Errorf("camera %d: failed to start engines: %w", w.Camera.ID, err)
	}

	w.source = src
	w.engines = eng
	w.state.Store(int32(Running))
	return nil
}

func (w *CameraWorker) run(ctx context.Context) {
	err := w.loop(ctx)

	w.state.Store(int32(Stopping))
	w.source.Stop()
	w.engines.Close()
	w.finish(err)
	close(w.done)
}

func (w *CameraWorker) loop(ctx context.Context) error {
	opts := w.cfg.Options
	opts.Faces = w.Camera.FaceEnabled
	opts.Plates = w.Camera.PlateEnabled
	opts.SaveNewFaces = w.Camera.SaveNewFaces
	opts.SaveNewPlates = w.Camera.SaveNewPlates
	analyzer := &Analyzer{Engines: w.engines, Targets: w.cfg.Targets, Options: opts}

	w.log.Info().Str("url", w.Camera.URL).Bool("faces", opts.Faces).Bool("plates", opts.Plates).Msg("camera worker running")

	var lastSeq uint64
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.source.Err(); err != nil {
			return fmt.Errorf("camera %d: %w", w.Camera.ID, err)
		}

		frame := w.source.Get()
		if frame == nil || frame.Seq == lastSeq {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idleDelay):
			}
			continue
		}
		lastSeq = frame.Seq
		at := w.cfg.Now()

		res, err := analyzer.Analyze(frame.Image, w.Camera.ROI)
		w.frames.Add(1)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if IsFatal(err) {
				return fmt.Errorf("camera %d: %w", w.Camera.ID, err)
			}
			w.log.Debug().Err(err).Uint64("seq", frame.Seq).Msg("frame skipped")
			continue
		}
		if !res.Qualifies() {
			continue
		}

		if err := w.record(ctx, at, res); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("camera %d: %w", w.Camera.ID, err)
		}
	}
}

// record inserts one event row per detection, then writes the annotated snapshot.
func (w *CameraWorker) record(ctx context.Context, at time.Time, res *Analysis) error {
	path := w.cfg.Snapshots.CameraPath(w.Camera.ID, at)

	for _, f := range res.Faces {
		ev := &types.EventFace{CameraID: w.Camera.ID, Time: at, Snapshot: path}
		if f.Target != nil {
			id := f.Target.ID
			ev.TargetID = &id
			ev.Target = f.Target.Name
		}
		if err := w.cfg.Events.InsertFaceEvent(ctx, ev); err != nil {
			return fmt.Errorf("failed to record face event: %w", err)
		}
		w.events.Add(1)
	}

	if p := res.Plate; p != nil {
		ev := &types.EventPlate{CameraID: w.Camera.ID, Time: at, Plate: p.Plate, Snapshot: path}
		if p.Target != nil {
			id := p.Target.ID
			ev.TargetID = &id
			ev.Target = p.Target.Name
		}
		if err := w.cfg.Events.InsertPlateEvent(ctx, ev); err != nil {
			return fmt.Errorf("failed to record plate event: %w", err)
		}
		w.events.Add(1)
	}

	if err := w.cfg.Snapshots.Save(path, Annotate(res)); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	w.log.Info().Int("faces", len(res.Faces)).Bool("plate", res.Plate != nil).Str("snapshot", path).Msg("event recorded")
	return nil
}

func (w *CameraWorker) finish(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.state.Store(int32(Stopped))
	if err != nil {
		w.log.Error().Err(err).Msg("camera worker failed")
	} else {
		w.log.Info().Msg("camera worker stopped")
	}
}

func (w *CameraWorker) requestStop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return false
	}
	w.cancel()
	return true
}

// Done is closed when the worker has fully stopped.
func (w *CameraWorker) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the worker stops and returns its terminal error.
// A requested stop returns nil.
func (w *CameraWorker) Wait() error {
	<-w.done
	return w.Err()
}

func (w *CameraWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop asks the loop to exit after the current frame and waits for it.
func (w *CameraWorker) Stop() error {
	if !w.requestStop() {
		return nil
	}
	return w.Wait()
}

// Kill abandons the frame in flight by aborting the engines, then waits.
func (w *CameraWorker) Kill() {
	if !w.requestStop() {
		return
	}
	if st := w.State(); st == Running || st == Stopping {
		w.engines.Abort()
	}
	<-w.done
}

func (w *CameraWorker) State() State {
	return State(w.state.Load())
}

func (w *CameraWorker) Status() WorkerStatus {
	st := WorkerStatus{
		CameraID: w.Camera.ID,
		Name:     w.Camera.Name,
		State:    w.State().String(),
		Faces:    w.Camera.FaceEnabled,
		Plates:   w.Camera.PlateEnabled,
		Frames:   w.frames.Load(),
		Events:   w.events.Load(),
	}
	if err := w.Err(); err != nil && !errors.Is(err, context.Canceled) {
		st.Error = err.Error()
	}
	return st
}
