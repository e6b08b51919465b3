package pano

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// AlignmentEdge is one pairwise rotational difference registered by the
// correspondence finder. Each registered match inserts two symmetric edges
// with signs negated.
type AlignmentEdge struct {
	From, To int
	DPhi     float64 // Δφ, horizontal angular offset
	DTheta   float64 // Δθ, vertical angular offset (NaN when unknown)
	DX, DY   int     // pixel offsets
	Overlap  float64 // overlap weight
	Valid    bool
	Reason   RejectionReason
	Forced   bool // synthetic neighbor-filler edge
	Quartile bool // outlier flagged out of the global solve
}

// AlignmentGraph is the weighted graph of pairwise rotational differences
// feeding the global solve.
type AlignmentGraph struct {
	edges map[int][]*AlignmentEdge // outgoing edges, indexed by From
}

// NewAlignmentGraph builds an empty alignment graph.
func NewAlignmentGraph() *AlignmentGraph {
	return &AlignmentGraph{edges: make(map[int][]*AlignmentEdge)}
}

// AddMatch registers a correlation result between frames a and b as two
// symmetric edges.
func (g *AlignmentGraph) AddMatch(a, b *Frame, res CorrelationResult) {
	g.edges[int(a.ID)] = append(g.edges[int(a.ID)], &AlignmentEdge{
		From: int(a.ID), To: int(b.ID),
		DPhi: res.AngularPhi, DTheta: res.AngularTheta,
		DX: res.PixelOffset.X, DY: res.PixelOffset.Y,
		Overlap: float64(res.OverlapPixels), Valid: res.Valid, Reason: res.Reason,
	})
	g.edges[int(b.ID)] = append(g.edges[int(b.ID)], &AlignmentEdge{
		From: int(b.ID), To: int(a.ID),
		DPhi: -res.AngularPhi, DTheta: -res.AngularTheta,
		DX: -res.PixelOffset.X, DY: -res.PixelOffset.Y,
		Overlap: float64(res.OverlapPixels), Valid: res.Valid, Reason: res.Reason,
	})
}

// AddForced inserts a synthetic Δφ=0 edge for a neighbor pair whose
// correlation failed but whose graph distance is within reach, weighted at
// half of a normal full-frame overlap.
func (g *AlignmentGraph) AddForced(a, b *Frame, halfImageOverlap float64) {
	g.edges[int(a.ID)] = append(g.edges[int(a.ID)], &AlignmentEdge{
		From: int(a.ID), To: int(b.ID), DPhi: 0, Overlap: halfImageOverlap, Valid: true, Forced: true,
	})
	g.edges[int(b.ID)] = append(g.edges[int(b.ID)], &AlignmentEdge{
		From: int(b.ID), To: int(a.ID), DPhi: 0, Overlap: halfImageOverlap, Valid: true, Forced: true,
	})
}

// EdgesFrom returns the outgoing edges registered for a frame id.
func (g *AlignmentGraph) EdgesFrom(id int) []*AlignmentEdge {
	return g.edges[id]
}

// flagQuartiles sorts each node's outgoing edges by Δφ and flags the
// lowest and highest 25% as quartile outliers, excluded from the global
// solve but kept for reporting.
func (g *AlignmentGraph) flagQuartiles() {
	for _, edges := range g.edges {
		if len(edges) < 4 {
			continue
		}
		sorted := make([]*AlignmentEdge, len(edges))
		copy(sorted, edges)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].DPhi < sorted[j].DPhi })
		q := len(sorted) / 4
		for i := 0; i < q; i++ {
			sorted[i].Quartile = true
		}
		for i := len(sorted) - q; i < len(sorted); i++ {
			sorted[i].Quartile = true
		}
	}
}

const (
	alignmentAlpha = 2.0
	alignmentBeta  = 1.0 / alignmentAlpha
)

// SolveGlobalAlignment builds and solves the damped linear system described
// in the global solve (O x = R) over all frame ids referenced by the graph, and returns
// the per-frame Y-rotation to apply to every frame before restitching.
func SolveGlobalAlignment(g *AlignmentGraph) (map[int]float64, error) {
	g.flagQuartiles()

	ids := make(map[int]int) // frame id -> matrix index
	for from := range g.edges {
		if _, ok := ids[from]; !ok {
			ids[from] = len(ids)
		}
		for _, e := range g.edges[from] {
			if _, ok := ids[e.To]; !ok {
				ids[e.To] = len(ids)
			}
		}
	}
	n := len(ids)
	if n == 0 {
		return map[int]float64{}, nil
	}

	O := mat.NewDense(n, n, nil)
	R := mat.NewDense(n, 1, nil)

	for from, edges := range g.edges {
		fi := ids[from]
		for _, e := range edges {
			if !e.Valid || e.Quartile {
				continue
			}
			ti := ids[e.To]
			w := e.Overlap
			if w <= 0 {
				w = 1
			}
			O.Set(fi, ti, O.At(fi, ti)+alignmentBeta*w)
			O.Set(fi, fi, O.At(fi, fi)+alignmentAlpha*w)
			R.Set(fi, 0, R.At(fi, 0)+2*w*e.DPhi)
		}
	}

	var x mat.Dense
	if err := x.Solve(O, R); err != nil {
		return nil, fmt.Errorf("alignment graph: global solve did not converge: %w", err)
	}

	out := make(map[int]float64, n)
	for id, idx := range ids {
		out[id] = x.At(idx, 0)
	}
	return out, nil
}

// Residual returns the weighted residual Σ|Δφ_edge - (x[to]-x[from])|*w_edge
// over non-quartile edges, used to check the global solve's monotone
// improvement property.
func Residual(g *AlignmentGraph, x map[int]float64) float64 {
	var sum float64
	for from, edges := range g.edges {
		for _, e := range edges {
			if !e.Valid || e.Quartile {
				continue
			}
			w := e.Overlap
			if w <= 0 {
				w = 1
			}
			diff := e.DPhi - (x[e.To] - x[from])
			if diff < 0 {
				diff = -diff
			}
			sum += diff * w
		}
	}
	return sum
}

// ApplySolution rotates each frame's adjusted pose about Y by its solved
// offset, for any frame id present in the solution.
func ApplySolution(frames []*Frame, x map[int]float64) {
	for _, f := range frames {
		if dy, ok := x[int(f.ID)]; ok {
			f.AdjustedPose = Mul4(To4(RotY(dy)), f.AdjustedPose)
		}
	}
}

// ExposureEdge records the overlap-pixel count and mean intensity observed
// by each side of a pair, feeding the exposure compensation solve.
type ExposureEdge struct {
	From, To       int
	OverlapPixels  int
	MeanFrom       float64
	MeanTo         float64
}

// ExposureGraph is a weighted graph of pairwise intensity differences.
type ExposureGraph struct {
	edges map[int][]*ExposureEdge
}

// NewExposureGraph builds an empty exposure graph.
func NewExposureGraph() *ExposureGraph {
	return &ExposureGraph{edges: make(map[int][]*ExposureEdge)}
}

// AddObservation registers a symmetric exposure edge between two frames.
func (g *ExposureGraph) AddObservation(a, b *Frame, overlapPixels int, meanA, meanB float64) {
	g.edges[int(a.ID)] = append(g.edges[int(a.ID)], &ExposureEdge{From: int(a.ID), To: int(b.ID), OverlapPixels: overlapPixels, MeanFrom: meanA, MeanTo: meanB})
	g.edges[int(b.ID)] = append(g.edges[int(b.ID)], &ExposureEdge{From: int(b.ID), To: int(a.ID), OverlapPixels: overlapPixels, MeanFrom: meanB, MeanTo: meanA})
}

// SolveExposure solves a damped linear system minimizing pairwise intensity
// differences; the solution per frame is a scalar multiplicative gain.
func SolveExposure(g *ExposureGraph) (map[int]float64, error) {
	ids := make(map[int]int)
	for from := range g.edges {
		if _, ok := ids[from]; !ok {
			ids[from] = len(ids)
		}
		for _, e := range g.edges[from] {
			if _, ok := ids[e.To]; !ok {
				ids[e.To] = len(ids)
			}
		}
	}
	n := len(ids)
	if n == 0 {
		return map[int]float64{}, nil
	}

	O := mat.NewDense(n, n, nil)
	R := mat.NewDense(n, 1, nil)

	for from, edges := range g.edges {
		fi := ids[from]
		for _, e := range edges {
			if e.MeanFrom <= 0 || e.MeanTo <= 0 {
				continue
			}
			w := float64(e.OverlapPixels)
			if w <= 0 {
				continue
			}
			ti := ids[e.To]
			// Target ratio so the solved gains bring both sides'
			// observed means into agreement: gain[to]/gain[from] == meanFrom/meanTo.
			ratio := e.MeanFrom / e.MeanTo
			O.Set(fi, ti, O.At(fi, ti)+alignmentBeta*w)
			O.Set(fi, fi, O.At(fi, fi)+alignmentAlpha*w)
			R.Set(fi, 0, R.At(fi, 0)+2*w*ratio)
		}
	}

	var x mat.Dense
	if err := x.Solve(O, R); err != nil {
		return nil, fmt.Errorf("exposure graph: solve did not converge: %w", err)
	}

	out := make(map[int]float64, n)
	for id, idx := range ids {
		gain := x.At(idx, 0)
		if gain <= 0 {
			gain = 1
		}
		out[id] = gain
	}
	return out, nil
}
