package recognition

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/andresmejia3/vigil/internal/capture"
	"github.com/andresmejia3/vigil/internal/engine"
	"github.com/andresmejia3/vigil/internal/types"
)

// fakeFaces detects a fixed set of boxes and returns one embedding per box.
type fakeFaces struct {
	mu    sync.Mutex
	boxes []image.Rectangle
	vecs  [][]float64
	err   error
	calls int
}

func (f *fakeFaces) DetectFaces(img image.Image) ([]image.Rectangle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.boxes, nil
}

func (f *fakeFaces) PredictLandmarks(img image.Image, box image.Rectangle) (types.Landmarks, error) {
	return types.Landmarks{box.Min, box.Max}, nil
}

func (f *fakeFaces) EmbedFace(img image.Image, lm types.Landmarks) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range f.boxes {
		if b.Min == lm[0] {
			return f.vecs[i], nil
		}
	}
	return nil, errors.New("unknown face")
}

// fakePlates answers from a scripted list, one entry per call.
type fakePlates struct {
	mu      sync.Mutex
	answers []*types.PlateCandidate
	err     error
	calls   int
	sizes   []image.Point
}

func (p *fakePlates) RecognizePlate(img image.Image) (*types.PlateCandidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.sizes = append(p.sizes, img.Bounds().Size())
	if p.err != nil {
		return nil, p.err
	}
	if len(p.answers) == 0 {
		return nil, nil
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func vec(first float64) []float64 {
	v := make([]float64, types.EmbeddingDim)
	v[0] = first
	return v
}

// fakeSource serves a fixed frame with a new sequence number on every Get.
type fakeSource struct {
	mu      sync.Mutex
	img     image.Image
	seq     uint64
	err     error
	stopped bool
}

func (s *fakeSource) Start() error { return nil }

func (s *fakeSource) Get() *capture.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.img == nil {
		return nil
	}
	s.seq++
	return &capture.Frame{Seq: s.seq, Image: s.img}
}

func (s *fakeSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

type memEvents struct {
	mu     sync.Mutex
	faces  []types.EventFace
	plates []types.EventPlate
	err    error
}

func (m *memEvents) InsertFaceEvent(ctx context.Context, ev *types.EventFace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.faces = append(m.faces, *ev)
	return nil
}

func (m *memEvents) InsertPlateEvent(ctx context.Context, ev *types.EventPlate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.plates = append(m.plates, *ev)
	return nil
}

func (m *memEvents) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.faces), len(m.plates)
}

type memSnapshots struct {
	mu    sync.Mutex
	saved []string
}

func (m *memSnapshots) CameraPath(cameraID int, t time.Time) string {
	return "events/" + t.Format(time.RFC3339Nano) + ".png"
}

func (m *memSnapshots) Save(path string, img image.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, path)
	return nil
}

func (m *memSnapshots) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func staticEngines(e *Engines) EngineFactory {
	return func(ctx context.Context, id int, faces, plates bool) (*Engines, error) {
		return e, nil
	}
}

var errPerFrame = &engine.Error{Op: "detect", Msg: "bad frame"}
