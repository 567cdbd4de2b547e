package types

import (
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"
)

// EmbeddingDim is the length of a face embedding produced by the encoder.
const EmbeddingDim = 128

var (
	ErrInvalidROI    = errors.New("invalid region of interest")
	ErrInvalidCamera = errors.New("invalid camera configuration")
)

// ROI is a rectangular region of interest in frame pixel coordinates.
type ROI struct {
	X, Y, W, H int
}

// ParseROI reads the "x y w h" text form. An empty string means no ROI.
func ParseROI(s string) (*ROI, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, nil
	}
	if len(fields) != 4 {
		return nil, fmt.Errorf("%w: expected 4 values, got %d", ErrInvalidROI, len(fields))
	}
	var v [4]int
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q is not a non-negative integer", ErrInvalidROI, f)
		}
		v[i] = n
	}
	if v[2] == 0 || v[3] == 0 {
		return nil, fmt.Errorf("%w: width and height must be positive", ErrInvalidROI)
	}
	return &ROI{X: v[0], Y: v[1], W: v[2], H: v[3]}, nil
}

func (r *ROI) String() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%d %d %d %d", r.X, r.Y, r.W, r.H)
}

// Clamp returns the ROI rectangle intersected with bounds.
// A nil ROI covers the whole frame.
func (r *ROI) Clamp(bounds image.Rectangle) image.Rectangle {
	if r == nil {
		return bounds
	}
	rect := image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H).Add(bounds.Min)
	return rect.Intersect(bounds)
}

// Camera is the configuration of a single video source.
type Camera struct {
	ID            int
	Name          string
	URL           string
	ROI           *ROI
	FaceEnabled   bool
	PlateEnabled  bool
	SaveNewFaces  bool
	SaveNewPlates bool
}

// Active reports whether the camera needs a recognition worker.
func (c Camera) Active() bool {
	return c.FaceEnabled || c.PlateEnabled
}

func (c Camera) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("%w: camera %d has no source URL", ErrInvalidCamera, c.ID)
	}
	return nil
}

// TargetFace is a registered face identity with one or more templates.
type TargetFace struct {
	ID        int
	Name      string
	Templates [][]float64
}

// TargetPlate is a registered plate. Plate is stored normalized.
type TargetPlate struct {
	ID    int
	Name  string
	Plate string
}

// Targets is the read-only roster snapshot handed to workers at start.
type Targets struct {
	Faces  []TargetFace
	Plates []TargetPlate
}

// EventFace records a face sighting. TargetID is nil for unmatched faces.
type EventFace struct {
	ID       int64
	CameraID int
	Time     time.Time
	TargetID *int
	Target   string
	Snapshot string
}

// EventPlate records a plate sighting. TargetID is nil for unmatched plates.
type EventPlate struct {
	ID       int64
	CameraID int
	Time     time.Time
	Plate    string
	TargetID *int
	Target   string
	Snapshot string
}

// Landmarks are the facial keypoints produced by the landmark predictor.
type Landmarks []image.Point

// PlateCandidate is the best reading returned by a plate recognizer.
type PlateCandidate struct {
	Plate      string
	Confidence float64
}
