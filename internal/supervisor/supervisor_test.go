package supervisor

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/vigil/internal/capture"
	"github.com/andresmejia3/vigil/internal/recognition"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/rs/zerolog"
)

type memConfig struct {
	cameras []types.Camera
	limit   int
}

func (m *memConfig) ListCameras(ctx context.Context, limit int) ([]types.Camera, error) {
	m.limit = limit
	if limit > 0 && len(m.cameras) > limit {
		return m.cameras[:limit], nil
	}
	return m.cameras, nil
}

func (m *memConfig) LoadTargets(ctx context.Context) (types.Targets, error) {
	return types.Targets{Plates: []types.TargetPlate{{ID: 1, Name: "van", Plate: "AB123CD"}}}, nil
}

// stubSource serves a blank frame until failed is set.
type stubSource struct {
	mu      sync.Mutex
	seq     uint64
	failErr error
	stopped bool
}

func (s *stubSource) Start() error { return nil }

func (s *stubSource) Get() *capture.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return &capture.Frame{Seq: s.seq, Image: image.NewRGBA(image.Rect(0, 0, 8, 8))}
}

func (s *stubSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

func (s *stubSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *stubSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

type noPlates struct{}

func (noPlates) RecognizePlate(img image.Image) (*types.PlateCandidate, error) { return nil, nil }

type nopEvents struct{}

func (nopEvents) InsertFaceEvent(ctx context.Context, ev *types.EventFace) error   { return nil }
func (nopEvents) InsertPlateEvent(ctx context.Context, ev *types.EventPlate) error { return nil }

type nopSnapshots struct{}

func (nopSnapshots) CameraPath(id int, t time.Time) string   { return "" }
func (nopSnapshots) Save(path string, img image.Image) error { return nil }

type harness struct {
	mu      sync.Mutex
	sources map[string]*stubSource
	broken  map[string]bool
	opened  int
}

func newHarness(broken ...string) *harness {
	h := &harness{sources: map[string]*stubSource{}, broken: map[string]bool{}}
	for _, b := range broken {
		h.broken[b] = true
	}
	return h
}

func (h *harness) open(ctx context.Context, locator string) (recognition.FrameSource, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened++
	if h.broken[locator] {
		return nil, capture.ErrSourceUnavailable
	}
	src := &stubSource{}
	h.sources[locator] = src
	return src, nil
}

func (h *harness) source(locator string) *stubSource {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sources[locator]
}

func (h *harness) supervisor(cams ...types.Camera) *Supervisor {
	return New(Config{
		Source: &memConfig{cameras: cams},
		Worker: recognition.WorkerConfig{
			Events:    nopEvents{},
			Snapshots: nopSnapshots{},
			Engines: func(ctx context.Context, id int, faces, plates bool) (*recognition.Engines, error) {
				return &recognition.Engines{Plates: noPlates{}}, nil
			},
			Open:    h.open,
			Options: recognition.DefaultOptions(),
			Logger:  zerolog.Nop(),
		},
		Logger: zerolog.Nop(),
	})
}

func plateCam(id int, url string) types.Camera {
	return types.Camera{ID: id, URL: url, PlateEnabled: true}
}

func TestInitializeCounts(t *testing.T) {
	h := newHarness()
	s := h.supervisor(
		types.Camera{ID: 1, URL: "cam1", FaceEnabled: true, PlateEnabled: true},
		plateCam(2, "cam2"),
		types.Camera{ID: 3, URL: "cam3"}, // inactive
	)
	defer s.Shutdown()

	stats, err := s.Initialize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Workers != 2 || stats.FaceCameras != 1 || stats.PlateCameras != 2 || len(stats.Failed) != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	st := s.Status()
	if len(st) != 2 || st[0].CameraID != 1 || st[1].CameraID != 2 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestInitializeRespectsMaxCameras(t *testing.T) {
	h := newHarness()
	cfg := &memConfig{cameras: []types.Camera{
		plateCam(1, "a"), plateCam(2, "b"), plateCam(3, "c"), plateCam(4, "d"), plateCam(5, "e"),
	}}
	s := h.supervisor()
	s.cfg.Source = cfg
	defer s.Shutdown()

	stats, err := s.Initialize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.limit != DefaultMaxCameras || stats.Workers != DefaultMaxCameras {
		t.Errorf("limit=%d workers=%d, want %d", cfg.limit, stats.Workers, DefaultMaxCameras)
	}
}

// A camera that cannot be opened is reported without taking the others down.
func TestInitializeExcludesUnavailableCamera(t *testing.T) {
	h := newHarness("broken")
	s := h.supervisor(plateCam(1, "ok"), plateCam(2, "broken"), types.Camera{ID: 3, FaceEnabled: true})
	defer s.Shutdown()

	stats, err := s.Initialize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Workers != 1 || stats.PlateCameras != 1 || stats.FaceCameras != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if len(stats.Failed) != 2 {
		t.Fatalf("expected 2 failures, got %+v", stats.Failed)
	}
	for _, f := range stats.Failed {
		switch f.CameraID {
		case 2:
			if !errors.Is(f.Err, capture.ErrSourceUnavailable) {
				t.Errorf("camera 2: expected ErrSourceUnavailable, got %v", f.Err)
			}
		case 3:
			if !errors.Is(f.Err, types.ErrInvalidCamera) {
				t.Errorf("camera 3: expected ErrInvalidCamera, got %v", f.Err)
			}
		default:
			t.Errorf("unexpected failure for camera %d", f.CameraID)
		}
	}
	select {
	case err := <-s.Errors():
		t.Errorf("startup failures must not raise a critical error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCriticalErrorReportedOncePerGeneration(t *testing.T) {
	h := newHarness()
	s := h.supervisor(plateCam(1, "a"), plateCam(2, "b"))
	defer s.Shutdown()

	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.source("a").fail(errors.New("decoder exploded"))
	h.source("b").fail(capture.ErrStreamEnded)

	select {
	case err := <-s.Errors():
		if !errors.Is(err, ErrCritical) {
			t.Errorf("expected ErrCritical, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no critical error reported")
	}
	select {
	case err := <-s.Errors():
		t.Errorf("second failure should only be logged, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReinitializeRestartsWorkers(t *testing.T) {
	h := newHarness()
	s := h.supervisor(plateCam(1, "a"))
	defer s.Shutdown()

	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := h.source("a")

	stats, err := s.Reinitialize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Workers != 1 {
		t.Errorf("expected 1 worker after reinitialize, got %+v", stats)
	}
	first.mu.Lock()
	stopped := first.stopped
	first.mu.Unlock()
	if !stopped {
		t.Error("old source should be stopped")
	}
	if h.source("a") == first {
		t.Error("reinitialize should reopen the camera")
	}
	select {
	case err := <-s.Errors():
		t.Errorf("killing workers is not a critical failure: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	h := newHarness()
	s := h.supervisor(plateCam(1, "a"), plateCam(2, "b"))
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Shutdown()

	if len(s.Status()) != 0 {
		t.Error("no workers should remain after shutdown")
	}
	for _, loc := range []string{"a", "b"} {
		src := h.source(loc)
		src.mu.Lock()
		if !src.stopped {
			t.Errorf("source %s not stopped", loc)
		}
		src.mu.Unlock()
	}
}
