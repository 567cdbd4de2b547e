package batch

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/andresmejia3/vigil/internal/capture"
	"github.com/andresmejia3/vigil/internal/engine"
	"github.com/andresmejia3/vigil/internal/recognition"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/rs/zerolog"
)

// memReader yields n blank frames, then optionally a read error.
type memReader struct {
	n, next int
	tail    error
}

func (r *memReader) Next() (*capture.Frame, error) {
	if r.next >= r.n {
		if r.tail != nil {
			return nil, r.tail
		}
		return nil, io.EOF
	}
	f := &capture.Frame{Seq: uint64(r.next + 1), Index: r.next, Image: image.NewRGBA(image.Rect(0, 0, 8, 8))}
	r.next++
	return f, nil
}

func (r *memReader) Close() error { return nil }

// oneFace reports one face per frame with a fixed embedding.
type oneFace struct {
	vec []float64
	err error
}

func (f *oneFace) DetectFaces(img image.Image) ([]image.Rectangle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []image.Rectangle{image.Rect(1, 1, 6, 6)}, nil
}

func (f *oneFace) PredictLandmarks(img image.Image, box image.Rectangle) (types.Landmarks, error) {
	return types.Landmarks{box.Min}, nil
}

func (f *oneFace) EmbedFace(img image.Image, lm types.Landmarks) ([]float64, error) {
	return f.vec, nil
}

type fixedPlate struct {
	c *types.PlateCandidate
}

func (p *fixedPlate) RecognizePlate(img image.Image) (*types.PlateCandidate, error) {
	return p.c, nil
}

func embedding(first float64) []float64 {
	v := make([]float64, types.EmbeddingDim)
	v[0] = first
	return v
}

type testFile struct {
	fps     float64
	frames  int
	read    int // frames actually delivered; defaults to frames
	metaErr error
	openErr error
	readErr error
}

type harness struct {
	files  map[string]testFile
	report bytes.Buffer
	p      *Pipeline

	mu       sync.Mutex
	progress []float64
}

func newHarness(t *testing.T, files map[string]testFile, eng *recognition.Engines, opts recognition.Options, targets types.Targets) *harness {
	h := &harness{files: files}
	rep := NewReport(&h.report)
	rep.Write(Header)
	h.p = &Pipeline{
		Workers:   3,
		Targets:   targets,
		Options:   opts,
		Engines:   func(ctx context.Context, id int, faces, plates bool) (*recognition.Engines, error) { return eng, nil },
		Report:    rep,
		ImagesDir: filepath.Join(t.TempDir(), "report_images"),
		Logger:    zerolog.Nop(),
		Progress: func(p float64) {
			h.mu.Lock()
			h.progress = append(h.progress, p)
			h.mu.Unlock()
		},
		ReadMetadata: func(ctx context.Context, path string) (capture.Metadata, error) {
			f := files[path]
			if f.metaErr != nil {
				return capture.Metadata{}, f.metaErr
			}
			return capture.Metadata{FPS: f.fps, Frames: f.frames}, nil
		},
		Open: func(ctx context.Context, path string) (FrameReader, error) {
			f := files[path]
			if f.openErr != nil {
				return nil, f.openErr
			}
			n := f.frames
			if f.read > 0 {
				n = f.read
			}
			return &memReader{n: n, tail: f.readErr}, nil
		},
	}
	return h
}

func (h *harness) records(t *testing.T) [][]string {
	t.Helper()
	r := csv.NewReader(strings.NewReader(h.report.String()))
	r.Comma = ';'
	r.FieldsPerRecord = -1
	recs, err := r.ReadAll()
	if err != nil {
		t.Fatalf("report is not valid: %v\n%s", err, h.report.String())
	}
	return recs
}

func newFacesOptions() recognition.Options {
	opts := recognition.DefaultOptions()
	opts.Plates = false
	opts.SaveNewFaces = true
	return opts
}

func TestPipelineScenarioNoTargets(t *testing.T) {
	faces := &oneFace{vec: embedding(0.3)}
	eng := &recognition.Engines{Detector: faces, Predictor: faces, Encoder: faces}
	h := newHarness(t, map[string]testFile{"/videos/clip.mp4": {fps: 25, frames: 250}}, eng, newFacesOptions(), types.Targets{})

	res, err := h.p.Run(context.Background(), []string{"/videos/clip.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Done != 10 || res.Total != 10 {
		t.Fatalf("unexpected result %+v", res)
	}

	recs := h.records(t)
	if len(recs) != 1+250+1 {
		t.Fatalf("expected header, 250 rows and a summary, got %d records", len(recs))
	}
	seen := map[string]bool{}
	for _, rec := range recs[1 : len(recs)-1] {
		if len(rec) != 6 || rec[0] != "clip.mp4" || rec[2] != TypeFace || rec[3] != "" {
			t.Fatalf("unexpected row %v", rec)
		}
		seen[rec[5]] = true
	}
	if !seen["clip.mp4_0.png"] || !seen["clip.mp4_249.png"] {
		t.Error("snapshot names should be <file>_<frameIndex>.png")
	}
	if _, err := os.Stat(filepath.Join(h.p.ImagesDir, "clip.mp4_249.png")); err != nil {
		t.Errorf("snapshot not written: %v", err)
	}

	summary := recs[len(recs)-1][0]
	if summary != successPrefix+" 10s / 10s" {
		t.Errorf("unexpected summary %q", summary)
	}

	last := h.progress[len(h.progress)-1]
	if last != 100 {
		t.Errorf("expected progress to reach 100, got %v", last)
	}
	for i := 1; i < len(h.progress); i++ {
		if h.progress[i] < h.progress[i-1] {
			t.Fatalf("progress went backwards at %d: %v -> %v", i, h.progress[i-1], h.progress[i])
		}
	}
}

func TestPipelineScenarioPlaceholderTarget(t *testing.T) {
	faces := &oneFace{vec: make([]float64, types.EmbeddingDim)}
	eng := &recognition.Engines{Detector: faces, Predictor: faces, Encoder: faces}
	opts := newFacesOptions()
	opts.SaveNewFaces = false
	targets := types.Targets{Faces: []types.TargetFace{{ID: 1, Name: "nobody", Templates: [][]float64{nil, make([]float64, types.EmbeddingDim)}}}}
	h := newHarness(t, map[string]testFile{"a.mp4": {fps: 10, frames: 20}}, eng, opts, targets)

	res, err := h.p.Run(context.Background(), []string{"a.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if recs := h.records(t); len(recs) != 2 {
		t.Errorf("placeholder templates must never match, got %v", recs)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
}

func TestPipelineScenarioPlateTarget(t *testing.T) {
	eng := &recognition.Engines{Plates: &fixedPlate{c: &types.PlateCandidate{Plate: "ab123cd", Confidence: 0.9}}}
	opts := recognition.DefaultOptions()
	opts.Faces = false
	targets := types.Targets{Plates: []types.TargetPlate{{ID: 5, Name: "suspect", Plate: "AB123CD"}}}
	h := newHarness(t, map[string]testFile{"cam.avi": {fps: 1, frames: 1}}, eng, opts, targets)

	if _, err := h.p.Run(context.Background(), []string{"cam.avi"}); err != nil {
		t.Fatal(err)
	}
	recs := h.records(t)
	want := []string{"cam.avi", "00:00:00", TypePlate, "suspect", "AB123CD", "cam.avi_0.png"}
	if len(recs) != 3 || strings.Join(recs[1], ";") != strings.Join(want, ";") {
		t.Errorf("unexpected report %v", recs)
	}
}

func TestPipelineMissingParts(t *testing.T) {
	faces := &oneFace{vec: embedding(0.3)}
	eng := &recognition.Engines{Detector: faces, Predictor: faces, Encoder: faces}
	opts := newFacesOptions()
	opts.SaveNewFaces = false

	files := map[string]testFile{
		"ok.mp4":        {fps: 10, frames: 30},
		"nometa.mp4":    {metaErr: errors.New("moov atom not found")},
		"unopened.mp4":  {fps: 10, frames: 10, openErr: errors.New("permission denied")},
		"truncated.mp4": {fps: 10, frames: 40, read: 15, readErr: errors.New("invalid data")},
		"short.mp4":     {fps: 10, frames: 20, read: 10},
	}
	h := newHarness(t, files, eng, opts, types.Targets{})
	h.p.ROI = &types.ROI{X: 0, Y: 0, W: 4, H: 4}

	order := []string{"ok.mp4", "nometa.mp4", "unopened.mp4", "truncated.mp4", "short.mp4"}
	res, err := h.p.Run(context.Background(), order)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("expected missing parts")
	}
	// ok: 3s, short: 1s of 2s. nometa contributes to neither total nor done.
	if res.Total != 10 || res.Done != 4 || res.Failed != 3 {
		t.Errorf("unexpected accounting %+v", res)
	}
	if res.Done > res.Total {
		t.Error("completed duration exceeds total")
	}

	recs := h.records(t)
	errorRows := 0
	for _, rec := range recs {
		if len(rec) == 3 && strings.HasPrefix(rec[2], errorPrefix) {
			errorRows++
		}
	}
	if errorRows != 3 {
		t.Errorf("expected 3 error rows, got %d: %v", errorRows, recs)
	}
	summary := recs[len(recs)-1][0]
	if summary != missingPrefix+" 4s / 10s WITH ROI: 0 0 4 4" {
		t.Errorf("unexpected summary %q", summary)
	}
}

func TestPipelinePerFrameErrorsBecomeRows(t *testing.T) {
	faces := &oneFace{err: &engine.Error{Op: "detect", Msg: "corrupt frame"}}
	eng := &recognition.Engines{Detector: faces, Predictor: faces, Encoder: faces}
	h := newHarness(t, map[string]testFile{"x.mp4": {fps: 5, frames: 5}}, eng, newFacesOptions(), types.Targets{})

	res, err := h.p.Run(context.Background(), []string{"x.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	recs := h.records(t)
	if len(recs) != 1+5+1 {
		t.Fatalf("expected one error row per frame, got %v", recs)
	}
	if !strings.Contains(recs[1][2], "corrupt frame") {
		t.Errorf("error row should carry the message, got %v", recs[1])
	}
	if !res.Success {
		t.Errorf("per-frame errors do not make the file incomplete: %+v", res)
	}
}

func TestPipelineWorkerFailureAborts(t *testing.T) {
	faces := &oneFace{err: fmt.Errorf("%w: broken pipe", engine.ErrCrashed)}
	eng := &recognition.Engines{Detector: faces, Predictor: faces, Encoder: faces}
	files := map[string]testFile{"a.mp4": {fps: 25, frames: 500}, "b.mp4": {fps: 25, frames: 500}}
	h := newHarness(t, files, eng, newFacesOptions(), types.Targets{})

	res, err := h.p.Run(context.Background(), []string{"a.mp4", "b.mp4"})
	if !errors.Is(err, ErrWorkerFailed) {
		t.Fatalf("expected ErrWorkerFailed, got %v", err)
	}
	if res.Success {
		t.Error("an aborted run is not a success")
	}
	recs := h.records(t)
	last := recs[len(recs)-1][0]
	if !strings.HasPrefix(last, abortPrefix) {
		t.Errorf("expected an abort record, got %q", last)
	}
	for _, rec := range recs {
		if rec[0] == "b.mp4" {
			t.Fatal("no frame of the next file may be processed after a worker failure")
		}
	}
}

func TestPipelineEngineStartFailureAborts(t *testing.T) {
	h := newHarness(t, map[string]testFile{"a.mp4": {fps: 25, frames: 50}}, nil, newFacesOptions(), types.Targets{})
	h.p.Engines = func(ctx context.Context, id int, faces, plates bool) (*recognition.Engines, error) {
		return nil, errors.New("python3: not found")
	}

	if _, err := h.p.Run(context.Background(), []string{"a.mp4"}); !errors.Is(err, ErrWorkerFailed) {
		t.Fatalf("expected ErrWorkerFailed, got %v", err)
	}
}

func TestPipelineKeepsFileOrder(t *testing.T) {
	faces := &oneFace{vec: embedding(0.3)}
	eng := &recognition.Engines{Detector: faces, Predictor: faces, Encoder: faces}
	files := map[string]testFile{
		"first.mp4":  {fps: 10, frames: 60},
		"second.mp4": {fps: 10, frames: 60},
		"third.mp4":  {fps: 10, frames: 60},
	}
	h := newHarness(t, files, eng, newFacesOptions(), types.Targets{})
	h.p.Workers = 4

	if _, err := h.p.Run(context.Background(), []string{"first.mp4", "second.mp4", "third.mp4"}); err != nil {
		t.Fatal(err)
	}

	rank := map[string]int{"first.mp4": 0, "second.mp4": 1, "third.mp4": 2}
	current := 0
	for _, rec := range h.records(t)[1:] {
		r, ok := rank[rec[0]]
		if !ok {
			continue
		}
		if r < current {
			t.Fatalf("row of %s written after rows of a later file", rec[0])
		}
		current = r
	}
}

func TestPipelineRerunIntoSameImagesDir(t *testing.T) {
	faces := &oneFace{vec: embedding(0.3)}
	eng := &recognition.Engines{Detector: faces, Predictor: faces, Encoder: faces}
	files := map[string]testFile{"/videos/clip.mp4": {fps: 10, frames: 20}}

	first := newHarness(t, files, eng, newFacesOptions(), types.Targets{})
	if _, err := first.p.Run(context.Background(), []string{"/videos/clip.mp4"}); err != nil {
		t.Fatal(err)
	}

	second := newHarness(t, files, eng, newFacesOptions(), types.Targets{})
	second.p.ImagesDir = first.p.ImagesDir
	res, err := second.p.Run(context.Background(), []string{"/videos/clip.mp4"})
	if err != nil {
		t.Fatalf("second run should overwrite earlier snapshots: %v", err)
	}
	if !res.Success || res.Done != 2 {
		t.Errorf("unexpected result %+v", res)
	}
	recs := second.records(t)
	if len(recs) != 1+20+1 || recs[len(recs)-1][0] != successPrefix+" 2s / 2s" {
		t.Errorf("unexpected report of second run: %d records, last %v", len(recs), recs[len(recs)-1])
	}
}

func TestPipelineSameBasenameInTwoDirectories(t *testing.T) {
	faces := &oneFace{vec: embedding(0.3)}
	eng := &recognition.Engines{Detector: faces, Predictor: faces, Encoder: faces}
	files := map[string]testFile{
		"/a/clip.mp4": {fps: 10, frames: 2},
		"/b/clip.mp4": {fps: 10, frames: 2},
	}
	h := newHarness(t, files, eng, newFacesOptions(), types.Targets{})

	res, err := h.p.Run(context.Background(), []string{"/a/clip.mp4", "/b/clip.mp4"})
	if err != nil {
		t.Fatalf("duplicate basenames must not abort the run: %v", err)
	}
	if !res.Success || res.Done != res.Total || res.Total != 0.4 {
		t.Errorf("unexpected result %+v", res)
	}
	if recs := h.records(t); len(recs) != 1+4+1 {
		t.Errorf("expected 4 face rows, got %d records", len(recs))
	}
}
