package pano

import (
	"fmt"
	"image"
	"math"
)

// Mode selects which latitude rings the recorder graph generator includes.
type Mode int

const (
	FullSphere Mode = iota
	CenterOnly
	Truncated // three rings: center plus one neighbor ring each side
	NoBottom  // all rings except the southernmost
)

// SelectionPoint is one predefined target viewpoint on the capture sphere.
type SelectionPoint struct {
	GlobalID int
	LocalID  int
	RingID   int
	RingSize int

	HAngle float64 // horizontal center angle, radians
	VAngle float64 // vertical center angle (ring latitude), radians
	HFov   float64 // horizontal field of view of this cell
	VFov   float64 // vertical field of view of this cell

	Rotation Mat3

	// Angular is the (hAngle, vAngle) pair. It is stored for callers only:
	// no search in this package reads it, and every point distance is
	// AngleBetween on Rotation.
	Angular [2]float64
}

// GraphEdge is a directed edge from one selection point to its successor
// within a ring, indexed by From in RecorderGraph.Edges — never embedded as
// a back-pointer on the point itself.
type GraphEdge struct {
	From, To int
	Recorded bool
}

// Ring is one latitude circle of selection points, in local-id order.
type Ring struct {
	ID     int
	Points []*SelectionPoint
}

// RecorderGraph is the full set of selection points plus their successor
// edges: rings indexed by ring id (center ring at the middle index), a flat
// point list indexed by global id, and an edge map indexed by from-id.
type RecorderGraph struct {
	Rings  []Ring
	Points []*SelectionPoint // indexed by GlobalID
	Edges  map[int]*GraphEdge
}

// PointAt returns the selection point with the given global id.
func (g *RecorderGraph) PointAt(globalID int) *SelectionPoint {
	if globalID < 0 || globalID >= len(g.Points) {
		return nil
	}
	return g.Points[globalID]
}

// Successor returns the selection point reached by following p's outgoing
// edge (the next point in ring order, wrapping).
func (g *RecorderGraph) Successor(p *SelectionPoint) *SelectionPoint {
	e, ok := g.Edges[p.GlobalID]
	if !ok {
		return nil
	}
	return g.PointAt(e.To)
}

// CenterRingIndex returns the index into Rings of the equatorial ring.
func (g *RecorderGraph) CenterRingIndex() int {
	return len(g.Rings) / 2
}

// RingOrder returns ring indices (into g.Rings) in the capture order the
// selector advances through: center ring first, then outward, visiting the
// top of each north/south pair before its corresponding bottom ring.
func (g *RecorderGraph) RingOrder() []int {
	center := g.CenterRingIndex()
	order := []int{center}
	for offset := 1; ; offset++ {
		top := center - offset
		bottom := center + offset
		anyAdded := false
		if top >= 0 {
			order = append(order, top)
			anyAdded = true
		}
		if bottom < len(g.Rings) {
			order = append(order, bottom)
			anyAdded = true
		}
		if !anyAdded {
			break
		}
	}
	return order
}

// ParamInfo summarizes the generated graph for display before a capture
// session starts (recovered from upstream recorderParamInfo.hpp).
type ParamInfo struct {
	RingCount             int
	PointsPerRing         []int
	TotalPoints           int
	EstimatedCaptureSecs  float64
}

// ParamInfo computes a ParamInfo summary, assuming secondsPerFrame between
// consecutive captures.
func (g *RecorderGraph) ParamInfo(secondsPerFrame float64) ParamInfo {
	info := ParamInfo{RingCount: len(g.Rings)}
	for _, r := range g.Rings {
		info.PointsPerRing = append(info.PointsPerRing, len(r.Points))
		info.TotalPoints += len(r.Points)
	}
	info.EstimatedCaptureSecs = float64(info.TotalPoints) * secondsPerFrame
	return info
}

const (
	defaultHOverlap = 0.9
	defaultVOverlap = 0.25
)

// GenerateRecorderGraph builds the recorder graph for the given intrinsics,
// working image size, and capture mode.
func GenerateRecorderGraph(intrinsics Mat3, width, height int, mode Mode) (*RecorderGraph, error) {
	hfov, vfov := FovFromIntrinsics(intrinsics, width, height)
	if hfov <= 0 || vfov <= 0 {
		return nil, fmt.Errorf("recorder graph: degenerate field of view (h=%v, v=%v)", hfov, vfov)
	}

	ringSpacing := vfov * (1 - defaultVOverlap)
	ringCount := int(math.Ceil(math.Pi / ringSpacing))
	if ringCount < 1 {
		ringCount = 1
	}
	if ringCount%2 == 0 {
		ringCount++ // keep a true equatorial center ring
	}

	nCenter := int(math.Ceil(2 * math.Pi / (hfov * (1 - defaultHOverlap))))
	if nCenter < 3 {
		nCenter = 3
	}

	half := ringCount / 2
	type latRing struct {
		offset int
		vCenter float64
	}
	var lats []latRing
	for offset := -half; offset <= half; offset++ {
		lats = append(lats, latRing{offset: offset, vCenter: float64(offset) * ringSpacing})
	}

	switch mode {
	case CenterOnly:
		lats = []latRing{{offset: 0, vCenter: 0}}
	case Truncated:
		var kept []latRing
		for _, l := range lats {
			if l.offset >= -1 && l.offset <= 1 {
				kept = append(kept, l)
			}
		}
		lats = kept
	case NoBottom:
		var kept []latRing
		for _, l := range lats {
			if half == 0 || l.offset != half {
				kept = append(kept, l)
			}
		}
		lats = kept
	case FullSphere:
		// all rings kept
	}

	graph := &RecorderGraph{Edges: make(map[int]*GraphEdge)}
	globalID := 0
	for ringIdx, l := range lats {
		ringSize := int(math.Ceil(float64(nCenter) * math.Cos(l.vCenter)))
		if ringSize < 1 {
			ringSize = 1
		}
		ring := Ring{ID: ringIdx}
		hFovCell := 2 * math.Pi / float64(ringSize)
		for j := 0; j < ringSize; j++ {
			hAngle := float64(j) * hFovCell
			rot := Mul3(RotY(hAngle), RotX(l.vCenter))
			sp := &SelectionPoint{
				GlobalID: globalID,
				LocalID:  j,
				RingID:   ringIdx,
				RingSize: ringSize,
				HAngle:   hAngle,
				VAngle:   l.vCenter,
				HFov:     hFovCell,
				VFov:     ringSpacing,
				Rotation: rot,
				Angular:  [2]float64{hAngle, l.vCenter},
			}
			ring.Points = append(ring.Points, sp)
			graph.Points = append(graph.Points, sp)
			globalID++
		}
		graph.Rings = append(graph.Rings, ring)
	}

	for _, ring := range graph.Rings {
		n := len(ring.Points)
		for j, p := range ring.Points {
			next := ring.Points[(j+1)%n]
			graph.Edges[p.GlobalID] = &GraphEdge{From: p.GlobalID, To: next.GlobalID}
		}
	}

	return graph, nil
}

// Sparsify keeps every stride-th point per ring, rescales each kept point's
// HFov by stride, and renumbers global/local ids contiguously.
func Sparsify(g *RecorderGraph, stride int) (*RecorderGraph, error) {
	if stride < 1 {
		return nil, fmt.Errorf("sparsify: stride must be >= 1, got %d", stride)
	}
	if stride == 1 {
		return g, nil
	}

	out := &RecorderGraph{Edges: make(map[int]*GraphEdge)}
	globalID := 0
	for ringIdx, ring := range g.Rings {
		var kept []*SelectionPoint
		for j, p := range ring.Points {
			if j%stride != 0 {
				continue
			}
			cp := *p
			cp.HFov *= float64(stride)
			kept = append(kept, &cp)
		}
		for j, p := range kept {
			p.LocalID = j
			p.RingSize = len(kept)
			p.GlobalID = globalID
			out.Points = append(out.Points, p)
			globalID++
		}
		out.Rings = append(out.Rings, Ring{ID: ringIdx, Points: kept})
	}
	for _, ring := range out.Rings {
		n := len(ring.Points)
		for j, p := range ring.Points {
			next := ring.Points[(j+1)%n]
			out.Edges[p.GlobalID] = &GraphEdge{From: p.GlobalID, To: next.GlobalID}
		}
	}
	return out, nil
}

// NearestPointOnRing returns the selection point on ring whose rotation is
// angularly closest to pose's rotation block, and the angular distance.
func NearestPointOnRing(ring Ring, pose Mat4) (*SelectionPoint, float64) {
	poseRot := To3(pose)
	var best *SelectionPoint
	bestDist := math.Inf(1)
	for _, p := range ring.Points {
		d := AngleBetween(poseRot, p.Rotation)
		if d < bestDist {
			bestDist = d
			best = p
		}
	}
	return best, bestDist
}

// ringCanvasROIMargin widens a ring's predicted vertical band to absorb
// warp footprint spilling past the selection points' nominal field of view.
const ringCanvasROIMargin = 1.6

// RingCanvasROI estimates the full-width vertical band a ring's warped
// frames will land in, before any frame has actually been warped: the
// ring's mean latitude projected to a canvas row, padded by each point's
// vertical field of view. Used to size a ring stitcher's destination
// canvas up front so frames can be fed into it as they arrive.
func RingCanvasROI(ring Ring, canvas EquirectCanvas) image.Rectangle {
	if len(ring.Points) == 0 {
		return image.Rect(0, 0, canvas.Width, canvas.Height)
	}
	vAngle := ring.Points[0].VAngle
	vFov := ring.Points[0].VFov
	for _, p := range ring.Points {
		if p.VFov > vFov {
			vFov = p.VFov
		}
	}
	_, centerRow := canvas.worldToEquirect(0, math.Sin(vAngle), math.Cos(vAngle))
	halfBand := vFov / math.Pi * float64(canvas.Height) * ringCanvasROIMargin / 2
	top := int(math.Floor(centerRow - halfBand))
	bottom := int(math.Ceil(centerRow + halfBand))
	if top < 0 {
		top = 0
	}
	if bottom > canvas.Height {
		bottom = canvas.Height
	}
	if bottom <= top {
		bottom = top + 1
	}
	return image.Rect(0, top, canvas.Width, bottom)
}
