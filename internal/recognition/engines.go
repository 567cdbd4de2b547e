package recognition

import (
	"context"
	"errors"
	"image"

	"github.com/andresmejia3/vigil/internal/engine"
	"github.com/andresmejia3/vigil/internal/types"
)

// FaceDetector finds face boxes in a frame.
type FaceDetector interface {
	DetectFaces(img image.Image) ([]image.Rectangle, error)
}

// LandmarkPredictor locates facial keypoints inside a detected box.
type LandmarkPredictor interface {
	PredictLandmarks(img image.Image, box image.Rectangle) (types.Landmarks, error)
}

// FaceEncoder turns a located face into a fixed-length descriptor.
type FaceEncoder interface {
	EmbedFace(img image.Image, lm types.Landmarks) ([]float64, error)
}

// PlateRecognizer reads the most likely plate in a frame. It returns nil when none is visible.
type PlateRecognizer interface {
	RecognizePlate(img image.Image) (*types.PlateCandidate, error)
}

// Engines bundles the capabilities owned by a single worker.
// Nil members mean the capability was not requested.
type Engines struct {
	Detector  FaceDetector
	Predictor LandmarkPredictor
	Encoder   FaceEncoder
	Plates    PlateRecognizer

	close func() error
	abort func()
}

// Close releases the underlying processes.
func (e *Engines) Close() error {
	if e == nil || e.close == nil {
		return nil
	}
	return e.close()
}

// Abort kills the underlying processes immediately. In-flight calls fail.
func (e *Engines) Abort() {
	if e != nil && e.abort != nil {
		e.abort()
	}
}

// EngineFactory creates the engines for one worker. id distinguishes workers in logs.
type EngineFactory func(ctx context.Context, id int, faces, plates bool) (*Engines, error)

// EngineConfig locates the external recognition programs.
type EngineConfig struct {
	Python       string
	PythonWorker string
	ALPRCommand  string
	ALPRCountry  string
	ALPRConfig   string
}

// NewEngineFactory returns a factory backed by python/worker.py and the alpr CLI.
func NewEngineFactory(cfg EngineConfig) EngineFactory {
	return func(ctx context.Context, id int, faces, plates bool) (*Engines, error) {
		e := &Engines{}
		var py *engine.PythonEngine
		var alpr *engine.ALPR
		if faces {
			var err error
			py, err = engine.NewPythonEngine(ctx, id, cfg.Python, cfg.PythonWorker)
			if err != nil {
				return nil, err
			}
			e.Detector, e.Predictor, e.Encoder = py, py, py
		}
		if plates {
			alpr = engine.NewALPR(ctx, cfg.ALPRCommand, cfg.ALPRCountry, cfg.ALPRConfig)
			e.Plates = alpr
		}

		e.close = func() error {
			var err error
			if alpr != nil {
				alpr.Close()
			}
			if py != nil {
				err = py.Close()
			}
			return err
		}
		e.abort = func() {
			if alpr != nil {
				alpr.Abort()
			}
			if py != nil {
				py.Abort()
			}
		}
		return e, nil
	}
}

// IsFatal reports whether an analysis error ends the worker.
// Only a broken engine is fatal; anything else is confined to one frame.
func IsFatal(err error) bool {
	return errors.Is(err, engine.ErrCrashed)
}
