package recognition

import (
	"math"
	"testing"

	"github.com/andresmejia3/vigil/internal/types"
)

func TestMatchFaceThresholdIsExclusive(t *testing.T) {
	faces := []types.TargetFace{{ID: 1, Name: "alice", Templates: [][]float64{vec(1)}}}

	if _, ok := MatchFace(vec(0.5), faces, 0.5); ok {
		t.Error("distance equal to the threshold must be rejected")
	}
	m, ok := MatchFace(vec(0.51), faces, 0.5)
	if !ok {
		t.Fatal("distance below the threshold must be accepted")
	}
	if math.Abs(m.Confidence()-0.51) > 1e-9 {
		t.Errorf("expected confidence 0.51, got %f", m.Confidence())
	}
	if _, ok := MatchFace(vec(0.2), faces, 0.5); ok {
		t.Error("distance above the threshold must be rejected")
	}
}

func TestMatchFacePicksNearestTarget(t *testing.T) {
	faces := []types.TargetFace{
		{ID: 1, Name: "far", Templates: [][]float64{vec(0.7)}},
		{ID: 2, Name: "near", Templates: [][]float64{vec(0.4), vec(0.95)}},
		{ID: 3, Name: "other", Templates: [][]float64{vec(0.8)}},
	}
	m, ok := MatchFace(vec(1), faces, 0.5)
	if !ok || m.Target.Name != "near" {
		t.Fatalf("expected near, got %+v", m)
	}
	if math.Abs(m.Distance-0.05) > 1e-9 {
		t.Errorf("expected distance 0.05, got %f", m.Distance)
	}
}

func TestMatchFaceTieKeepsFirst(t *testing.T) {
	faces := []types.TargetFace{
		{ID: 1, Name: "first", Templates: [][]float64{vec(0.8)}},
		{ID: 2, Name: "second", Templates: [][]float64{vec(0.8)}},
	}
	m, ok := MatchFace(vec(1), faces, 0.5)
	if !ok || m.Target.ID != 1 {
		t.Fatalf("expected the first target on a tie, got %+v", m)
	}
}

func TestMatchFaceSkipsPlaceholders(t *testing.T) {
	tests := []struct {
		name     string
		template []float64
	}{
		{"Nil template", nil},
		{"Empty template", []float64{}},
		{"All zeros", make([]float64, types.EmbeddingDim)},
		{"Wrong dimension", []float64{0.1, 0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			faces := []types.TargetFace{{ID: 1, Name: "ghost", Templates: [][]float64{tt.template}}}
			// The observation is close to the zero vector, so a zero template would match.
			if m, ok := MatchFace(vec(0.01), faces, 0.5); ok {
				t.Errorf("placeholder must never match, got %+v", m)
			}
		})
	}
}

func TestMatchFaceNoTargets(t *testing.T) {
	if _, ok := MatchFace(vec(0.3), nil, 0.5); ok {
		t.Error("expected no match without targets")
	}
}
