package recognition

import (
	"fmt"
	"image"

	"github.com/andresmejia3/vigil/internal/types"
)

// Options select what an Analyzer looks for and which detections are kept.
type Options struct {
	Faces         bool
	Plates        bool
	SaveNewFaces  bool
	SaveNewPlates bool

	Threshold          float64
	PlateMinConfidence float64
	Rotations          []float64
}

// DefaultOptions enables every detector with the default tuning.
func DefaultOptions() Options {
	return Options{
		Faces:              true,
		Plates:             true,
		Threshold:          DefaultThreshold,
		PlateMinConfidence: DefaultPlateMinConfidence,
		Rotations:          DefaultRotations,
	}
}

// FaceHit is a face worth recording. Target is nil for an unknown face.
type FaceHit struct {
	Box      image.Rectangle
	Target   *types.TargetFace
	Distance float64
}

func (h FaceHit) Confidence() float64 {
	return 1 - h.Distance
}

// PlateHit is a plate worth recording. Target is nil for an unknown plate.
type PlateHit struct {
	Plate      string
	Confidence float64
	Target     *types.TargetPlate
}

// Analysis holds the qualifying detections of one frame.
// Image is the frame cropped to the region of interest; nil when the region was empty.
type Analysis struct {
	Image image.Image
	Faces []FaceHit
	Plate *PlateHit
}

// Qualifies reports whether the frame produced anything to record.
func (a *Analysis) Qualifies() bool {
	return a != nil && (len(a.Faces) > 0 || a.Plate != nil)
}

// Analyzer runs detection and matching on single frames.
// It is used by one goroutine at a time, like the engines it wraps.
type Analyzer struct {
	Engines *Engines
	Targets types.Targets
	Options Options
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop restricts img to the clamped ROI. It returns nil when nothing is left.
func Crop(img image.Image, roi *types.ROI) image.Image {
	rect := roi.Clamp(img.Bounds())
	if rect.Empty() {
		return nil
	}
	if rect == img.Bounds() {
		return img
	}
	if s, ok := img.(subImager); ok {
		return s.SubImage(rect)
	}
	dst := image.NewRGBA(rect)
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			dst.Set(x, y, img.At(x, y))
		}
	}
	return dst
}

// Analyze crops the frame and runs the enabled detectors. Capability errors
// are returned as is; the caller decides with IsFatal whether to go on.
func (a *Analyzer) Analyze(img image.Image, roi *types.ROI) (*Analysis, error) {
	crop := Crop(img, roi)
	res := &Analysis{Image: crop}
	if crop == nil {
		return res, nil
	}

	if a.Options.Faces && a.Engines.Detector != nil {
		faces, err := a.faces(crop)
		if err != nil {
			return nil, err
		}
		res.Faces = faces
	}

	if a.Options.Plates && a.Engines.Plates != nil {
		plate, err := a.plate(crop)
		if err != nil {
			return nil, err
		}
		res.Plate = plate
	}
	return res, nil
}

func (a *Analyzer) faces(img image.Image) ([]FaceHit, error) {
	boxes, err := a.Engines.Detector.DetectFaces(img)
	if err != nil {
		return nil, fmt.Errorf("face detection: %w", err)
	}

	var hits []FaceHit
	for _, box := range boxes {
		lm, err := a.Engines.Predictor.PredictLandmarks(img, box)
		if err != nil {
			return nil, fmt.Errorf("landmarks: %w", err)
		}
		vec, err := a.Engines.Encoder.EmbedFace(img, lm)
		if err != nil {
			return nil, fmt.Errorf("embedding: %w", err)
		}

		if m, ok := MatchFace(vec, a.Targets.Faces, a.Options.Threshold); ok {
			hits = append(hits, FaceHit{Box: box, Target: m.Target, Distance: m.Distance})
		} else if a.Options.SaveNewFaces {
			hits = append(hits, FaceHit{Box: box})
		}
	}
	return hits, nil
}

func (a *Analyzer) plate(img image.Image) (*PlateHit, error) {
	search := PlateSearch{
		Recognizer:    a.Engines.Plates,
		MinConfidence: a.Options.PlateMinConfidence,
		Rotations:     a.Options.Rotations,
	}
	res, err := search.Search(img)
	if err != nil {
		return nil, fmt.Errorf("plate recognition: %w", err)
	}
	if res == nil {
		return nil, nil
	}

	target := MatchPlate(res.Plate, a.Targets.Plates)
	if target == nil && !a.Options.SaveNewPlates {
		return nil, nil
	}
	return &PlateHit{Plate: res.Plate, Confidence: res.Confidence, Target: target}, nil
}
