package recognition

import (
	"image"
	"strings"

	"github.com/andresmejia3/vigil/internal/types"
)

const DefaultPlateMinConfidence = 0.5

// DefaultRotations are tried in order when the upright frame yields nothing.
var DefaultRotations = []float64{5, -5, 10, -10, 20, -20}

// NormalizePlate upper-cases a plate and removes all whitespace.
func NormalizePlate(s string) string {
	return strings.Join(strings.Fields(strings.ToUpper(s)), "")
}

// PlateResult is an accepted reading. Angle is the rotation that produced it.
type PlateResult struct {
	Plate      string
	Confidence float64
	Angle      float64
}

// PlateSearch reads a plate, retrying on rotated copies of the frame.
type PlateSearch struct {
	Recognizer    PlateRecognizer
	MinConfidence float64
	Rotations     []float64
}

// Search returns the first reading above MinConfidence, or nil.
// A recognizer error aborts the search.
func (s PlateSearch) Search(img image.Image) (*PlateResult, error) {
	if res, err := s.try(img, 0); res != nil || err != nil {
		return res, err
	}
	for _, angle := range s.Rotations {
		if res, err := s.try(Rotate(img, angle), angle); res != nil || err != nil {
			return res, err
		}
	}
	return nil, nil
}

func (s PlateSearch) try(img image.Image, angle float64) (*PlateResult, error) {
	c, err := s.Recognizer.RecognizePlate(img)
	if err != nil {
		return nil, err
	}
	if c == nil || c.Confidence <= s.MinConfidence {
		return nil, nil
	}
	return &PlateResult{Plate: NormalizePlate(c.Plate), Confidence: c.Confidence, Angle: angle}, nil
}

// MatchPlate returns the first target with the same normalized plate.
func MatchPlate(plate string, plates []types.TargetPlate) *types.TargetPlate {
	plate = NormalizePlate(plate)
	for i := range plates {
		if NormalizePlate(plates[i].Plate) == plate {
			return &plates[i]
		}
	}
	return nil
}
