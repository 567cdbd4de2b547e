package cmd

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/andresmejia3/vigil/internal/recognition"
)

// faceEngines starts a face-only engine set for ad-hoc commands.
func faceEngines(ctx context.Context) (*recognition.Engines, error) {
	// We use ID 0 for this ad-hoc worker
	return recognition.NewEngineFactory(engineConfig())(ctx, 0, true, false)
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// largestFace picks the box with the biggest area.
func largestFace(boxes []image.Rectangle) image.Rectangle {
	best := boxes[0]
	for _, b := range boxes[1:] {
		if b.Dx()*b.Dy() > best.Dx()*best.Dy() {
			best = b
		}
	}
	return best
}

// embed returns the descriptor of the face in box.
func embed(eng *recognition.Engines, img image.Image, box image.Rectangle) ([]float64, error) {
	lm, err := eng.Predictor.PredictLandmarks(img, box)
	if err != nil {
		return nil, err
	}
	return eng.Encoder.EmbedFace(img, lm)
}

// templateFromImage requires exactly one face in the picture.
func templateFromImage(eng *recognition.Engines, path string) ([]float64, error) {
	img, err := loadImage(path)
	if err != nil {
		return nil, err
	}
	boxes, err := eng.Detector.DetectFaces(img)
	if err != nil {
		return nil, err
	}
	if len(boxes) != 1 {
		return nil, fmt.Errorf("%s: expected exactly one face, found %d", path, len(boxes))
	}
	return embed(eng, img, boxes[0])
}
