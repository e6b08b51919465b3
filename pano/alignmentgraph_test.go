package pano

import (
	"math"
	"testing"
)

func frameWithID(id uint64) *Frame {
	return &Frame{ID: id, OriginalPose: Identity4(), AdjustedPose: Identity4()}
}

func TestAlignmentGraphSymmetricEdges(t *testing.T) {
	g := NewAlignmentGraph()
	a, b := frameWithID(1), frameWithID(2)
	g.AddMatch(a, b, CorrelationResult{Valid: true, AngularPhi: 0.05, OverlapPixels: 100, Reason: RejectionNone})

	edgesA := g.EdgesFrom(1)
	edgesB := g.EdgesFrom(2)
	if len(edgesA) != 1 || len(edgesB) != 1 {
		t.Fatalf("expected exactly one edge per side, got %d/%d", len(edgesA), len(edgesB))
	}
	if edgesA[0].DPhi != -edgesB[0].DPhi {
		t.Fatalf("edges not sign-negated: %v vs %v", edgesA[0].DPhi, edgesB[0].DPhi)
	}
}

func TestGlobalSolveTwoFramesNearZero(t *testing.T) {
	g := NewAlignmentGraph()
	a, b := frameWithID(1), frameWithID(2)
	g.AddMatch(a, b, CorrelationResult{Valid: true, AngularPhi: 0.0, OverlapPixels: 500, Reason: RejectionNone})

	x, err := SolveGlobalAlignment(g)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	for id, v := range x {
		if math.Abs(v) > 1e-6 {
			t.Fatalf("frame %d solved offset %v, want ~0", id, v)
		}
	}
}

func TestResidualNonIncreasingWithEdges(t *testing.T) {
	g := NewAlignmentGraph()
	frames := make([]*Frame, 5)
	for i := range frames {
		frames[i] = frameWithID(uint64(i + 1))
	}
	// Synthetic ring: each neighbor offset by +0.01 rad.
	for i := 0; i < len(frames); i++ {
		a := frames[i]
		b := frames[(i+1)%len(frames)]
		g.AddMatch(a, b, CorrelationResult{Valid: true, AngularPhi: 0.01, OverlapPixels: 200, Reason: RejectionNone})
	}

	zero := make(map[int]float64)
	for _, f := range frames {
		zero[int(f.ID)] = 0
	}
	before := Residual(g, zero)

	x, err := SolveGlobalAlignment(g)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	after := Residual(g, x)
	if after > before {
		t.Fatalf("residual increased: before=%v after=%v", before, after)
	}
}

func TestQuartileFlaggingExcludesOutliers(t *testing.T) {
	g := NewAlignmentGraph()
	center := frameWithID(100)
	offsets := []float64{-1.0, 0.01, 0.02, 0.03, 1.0, 0.015, 0.025, -1.5}
	for i, off := range offsets {
		other := frameWithID(uint64(200 + i))
		g.AddMatch(center, other, CorrelationResult{Valid: true, AngularPhi: off, OverlapPixels: 100, Reason: RejectionNone})
	}
	g.flagQuartiles()
	edges := g.EdgesFrom(100)
	quartileCount := 0
	for _, e := range edges {
		if e.Quartile {
			quartileCount++
		}
	}
	if quartileCount == 0 {
		t.Fatalf("expected some edges flagged as quartile outliers")
	}
}
