package pano

import (
	"log"
	"math"
)

// Tolerance is the per-axis rotation tolerance gate of the selector's step 2.
type Tolerance struct {
	X, Y, Z float64
}

// SelectionInfo pairs a graph target with the frame chosen to fill it.
// Created when the selector admits a frame, consumed downstream, never
// mutated after emission.
type SelectionInfo struct {
	Point    *SelectionPoint
	Frame    *Frame
	Distance float64
	Valid    bool
}

// ballLead is how many successor hops ahead of the current match the
// guidance ball is shown, step 6.
const ballLead = 2

// Selector is the feedback image selector state machine.
type Selector struct {
	graph       *RecorderGraph
	tolerance   Tolerance
	strictOrder bool

	currentBest   *SelectionInfo
	currentRingIx int
	ringOrder     []int
	orderPos      int

	finished bool
	idle     bool
	started  bool

	ballPosition Mat3
	errorVector  [3]float64

	recordedCount int

	onMatch func(SelectionInfo)
}

// NewSelector builds a selector over graph with the given per-axis
// tolerance. With strictOrder set, a frame nearest some other point is
// still credited to the expected successor when it lies within tolerance
// of it, and ignored otherwise.
func NewSelector(graph *RecorderGraph, tolerance Tolerance, strictOrder bool, onMatch func(SelectionInfo)) *Selector {
	order := graph.RingOrder()
	s := &Selector{
		graph:         graph,
		tolerance:     tolerance,
		strictOrder:   strictOrder,
		ringOrder:     order,
		currentRingIx: order[0],
		onMatch:       onMatch,
	}
	if len(graph.Rings) > 0 {
		s.ballPosition = graph.Rings[order[0]].Points[0].Rotation
	}
	return s
}

// SetIdle toggles idle mode: while idle, steps 3-5 (match admission) are
// skipped, but ball position / error vector are still updated.
func (s *Selector) SetIdle(idle bool) {
	s.idle = idle
}

func (s *Selector) currentRing() Ring {
	return s.graph.Rings[s.currentRingIx]
}

// axisTolerance returns the Z tolerance, widened 1.5x on non-center rings.
func (s *Selector) axisTolerance() Tolerance {
	t := s.tolerance
	if s.currentRingIx != s.graph.CenterRingIndex() {
		t.Z *= 1.5
	}
	return t
}

func withinTolerance(poseRot, target Mat3, t Tolerance) bool {
	errVec := RotationVector(Mul3(Transpose3(poseRot), target))
	return math.Abs(errVec[0]) <= t.X && math.Abs(errVec[1]) <= t.Y && math.Abs(errVec[2]) <= t.Z
}

// Push feeds one orientation-tagged frame through the state machine.
// It returns true if the frame was admitted as (or replaced) the
// current best match for a node.
func (s *Selector) Push(frame *Frame) bool {
	s.started = true
	s.updateGuidance(frame)
	if s.finished || s.idle {
		return false
	}

	ring := s.currentRing()
	point, dist := NearestPointOnRing(ring, frame.AdjustedPose)
	if point == nil {
		return false
	}

	poseRot := To3(frame.AdjustedPose)
	if !withinTolerance(poseRot, point.Rotation, s.axisTolerance()) {
		return false
	}

	if s.currentBest == nil {
		s.currentBest = &SelectionInfo{Point: point, Frame: frame, Distance: dist, Valid: true}
		return true
	}

	if s.currentBest.Point.GlobalID == point.GlobalID {
		if dist < s.currentBest.Distance {
			s.currentBest = &SelectionInfo{Point: point, Frame: frame, Distance: dist, Valid: true}
			return true
		}
		return false
	}

	expected := s.graph.Successor(s.currentBest.Point)
	target := point
	if s.strictOrder && expected != nil && point.GlobalID != expected.GlobalID {
		if withinTolerance(poseRot, expected.Rotation, s.axisTolerance()) {
			target = expected
		} else {
			// Not the expected successor and not within tolerance of it:
			// ignore this frame, stay on the current best.
			return false
		}
	}

	if expected != nil && target.GlobalID == expected.GlobalID {
		edge := s.graph.Edges[s.currentBest.Point.GlobalID]
		if edge != nil {
			edge.Recorded = true
		}
		emitted := *s.currentBest
		s.recordedCount++
		if s.onMatch != nil {
			s.onMatch(emitted)
		}
		prevRing := s.currentRingIx
		s.advance()
		if s.currentRingIx != prevRing {
			// The ring's cycle closed: the next ring starts with no best match.
			s.currentBest = nil
			return true
		}
		// Start tracking the newly admitted node as current best.
		newDist := AngleBetween(poseRot, target.Rotation)
		s.currentBest = &SelectionInfo{Point: target, Frame: frame, Distance: newDist, Valid: true}
		return true
	}

	return false
}

// advance moves the selector forward within the ring, or to the next ring
// in capture order, marking the selector finished once the last ring's
// cycle closes.
func (s *Selector) advance() {
	ring := s.currentRing()
	if s.currentBest.Point.LocalID < len(ring.Points)-1 {
		return
	}
	s.orderPos++
	if s.orderPos >= len(s.ringOrder) {
		s.finished = true
		log.Printf("[SELECTOR] finished: all %d rings recorded", len(s.ringOrder))
		return
	}
	s.currentRingIx = s.ringOrder[s.orderPos]
}

// updateGuidance recomputes ball position and error vector, regardless of
// idle/finished state.
func (s *Selector) updateGuidance(frame *Frame) {
	target := s.ballTarget()
	if target == nil {
		return
	}
	s.ballPosition = To3(SlerpPose(To4(s.ballPosition), To4(target.Rotation), 0.5))
	frameRotInv := Transpose3(To3(frame.AdjustedPose))
	s.errorVector = RotationVector(Mul3(frameRotInv, s.ballPosition))
}

// ballTarget returns the node ballLead successors ahead of the current
// match, crossing into the next ring's first point if needed.
func (s *Selector) ballTarget() *SelectionPoint {
	cur := s.currentStartPoint()
	if cur == nil {
		return nil
	}
	for i := 0; i < ballLead; i++ {
		next := s.graph.Successor(cur)
		if next == nil {
			return cur
		}
		if next.LocalID == 0 && cur.LocalID != 0 {
			// Wrapped within the ring; ball crosses to the next ring in
			// capture order rather than looping back.
			nextRing := s.nextRingAfter(cur.RingID)
			if nextRing != nil && len(nextRing.Points) > 0 {
				next = nextRing.Points[0]
			}
		}
		cur = next
	}
	return cur
}

func (s *Selector) nextRingAfter(ringID int) *Ring {
	for i, id := range s.ringOrder {
		if id == ringID && i+1 < len(s.ringOrder) {
			return &s.graph.Rings[s.ringOrder[i+1]]
		}
	}
	return nil
}

func (s *Selector) currentStartPoint() *SelectionPoint {
	if s.currentBest != nil {
		return s.currentBest.Point
	}
	ring := s.currentRing()
	if len(ring.Points) == 0 {
		return nil
	}
	return ring.Points[0]
}

// Guidance is the read-only snapshot exposed to the (out-of-scope) UI
// layer.
type Guidance struct {
	Current         *SelectionInfo
	ImagesToRecord  int
	RecordedImages  int
	Idle            bool
	BallPosition    Mat3
	ErrorVector     [3]float64
	ScalarError     float64
}

// Status returns the current guidance snapshot.
func (s *Selector) Status() Guidance {
	scalar := math.Sqrt(s.errorVector[0]*s.errorVector[0] + s.errorVector[1]*s.errorVector[1] + s.errorVector[2]*s.errorVector[2])
	return Guidance{
		Current:        s.currentBest,
		ImagesToRecord: len(s.graph.Points),
		RecordedImages: s.recordedCount,
		Idle:           s.idle,
		BallPosition:   s.ballPosition,
		ErrorVector:    s.errorVector,
		ScalarError:    scalar,
	}
}

// Finished reports whether every ring has completed a full circuit. This
// event is one-shot and idempotent: once true it never reverts to false.
func (s *Selector) Finished() bool {
	return s.finished
}
