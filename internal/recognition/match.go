package recognition

import (
	"math"

	"github.com/andresmejia3/vigil/internal/types"
)

// DefaultThreshold is the maximum accepted embedding distance.
const DefaultThreshold = 0.50

// FaceMatch is the closest target under the threshold.
type FaceMatch struct {
	Target   *types.TargetFace
	Distance float64
}

// Confidence is a display score, not a probability.
func (m FaceMatch) Confidence() float64 {
	return 1 - m.Distance
}

// MatchFace returns the nearest target whose distance is strictly below threshold.
// Targets are scanned in load order and a later candidate replaces the best
// only when strictly closer, so ties keep the first one found.
func MatchFace(vec []float64, faces []types.TargetFace, threshold float64) (FaceMatch, bool) {
	best := FaceMatch{Distance: math.Inf(1)}
	for i := range faces {
		for _, tpl := range faces[i].Templates {
			if len(tpl) != len(vec) || isPlaceholder(tpl) {
				continue
			}
			d := euclidean(vec, tpl)
			if d < threshold && d < best.Distance {
				best = FaceMatch{Target: &faces[i], Distance: d}
			}
		}
	}
	return best, best.Target != nil
}

// isPlaceholder reports templates that carry no measurement.
func isPlaceholder(tpl []float64) bool {
	for _, v := range tpl {
		if v != 0 {
			return false
		}
	}
	return true
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
