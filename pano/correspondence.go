package pano

import (
	"fmt"
	"image"
	"image/color"
	"log"
	"math"
)

// ringNeighborLocalDistance is the maximum in-ring local-id distance (with
// wraparound) for which the pipeline phase computes a pairwise correlation.
const ringNeighborLocalDistance = 3

// ringSplitTolerance is the maximum angular distance (radians) a frame's
// pose may be from its nearest ring point and still be assigned to that
// ring during the finalize phase.
const ringSplitTolerance = math.Pi / 8

// miniDownsampleFactor shrinks each frame's pixel buffer by this factor
// before storing it for neighbor correlation during the pipeline phase,
// so the growing frame set doesn't pin full-resolution buffers in memory
// for correlation that only needs coarse content.
const miniDownsampleFactor = 4

// CorrespondenceFinder is the orchestrator tying the recorder graph,
// pairwise correlator, alignment graph, exposure graph, and ring closure
// together: fed one accepted frame at a time during capture, it produces
// the final adjusted frame set, alignment/gain/offset maps once the
// session ends.
type CorrespondenceFinder struct {
	graph         *RecorderGraph
	canvas        EquirectCanvas
	closeAllRings bool

	frames []*Frame
	byID   map[uint64]*Frame
	minis  map[uint64]*Frame

	alignGraph *AlignmentGraph
	expGraph   *ExposureGraph
}

// NewCorrespondenceFinder builds an orchestrator for the given recorder
// graph and canvas. closeAllRings extends ring closure from the center
// ring only to every ring.
func NewCorrespondenceFinder(graph *RecorderGraph, canvas EquirectCanvas, closeAllRings bool) *CorrespondenceFinder {
	return &CorrespondenceFinder{
		graph:         graph,
		canvas:        canvas,
		closeAllRings: closeAllRings,
		byID:          make(map[uint64]*Frame),
		minis:         make(map[uint64]*Frame),
		alignGraph:    NewAlignmentGraph(),
		expGraph:      NewExposureGraph(),
	}
}

// rgbaDownsample shrinks img by an integer factor via box averaging.
func rgbaDownsample(img *image.RGBA, factor int) *image.RGBA {
	if factor < 2 {
		return img
	}
	b := img.Bounds()
	outW, outH := b.Dx()/factor, b.Dy()/factor
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}
	out := image.NewRGBA(image.Rect(0, 0, outW, outH))
	for y := 0; y < outH; y++ {
		for x := 0; x < outW; x++ {
			var r, g, bch, n int
			for dy := 0; dy < factor; dy++ {
				for dx := 0; dx < factor; dx++ {
					sx, sy := b.Min.X+x*factor+dx, b.Min.Y+y*factor+dy
					if sx >= b.Max.X || sy >= b.Max.Y {
						continue
					}
					cr, cg, cb, _ := img.At(sx, sy).RGBA()
					r += int(cr >> 8)
					g += int(cg >> 8)
					bch += int(cb >> 8)
					n++
				}
			}
			if n == 0 {
				n = 1
			}
			out.Set(x, y, color.RGBA{R: uint8(r / n), G: uint8(g / n), B: uint8(bch / n), A: 255})
		}
	}
	return out
}

// makeMiniFrame produces a downsampled copy of f sharing its pose and id
// but not its full-resolution pixel buffer, used for pipeline-phase
// correlation so the live frame set doesn't pin every captured buffer at
// full resolution.
func makeMiniFrame(f *Frame) (*Frame, error) {
	img, release, err := f.Pixels.AutoLoad()
	if err != nil {
		return nil, fmt.Errorf("mini frame %d: %w", f.ID, err)
	}
	defer release()

	b := img.Bounds()
	small := rgbaDownsample(img, miniDownsampleFactor)
	sb := small.Bounds()
	intrinsics := ScaleIntrinsics(f.Intrinsics, b.Dx(), b.Dy(), sb.Dx(), sb.Dy())

	return &Frame{
		ID:           f.ID,
		Pixels:       NewLoadedPixelBuffer(small),
		OriginalPose: f.OriginalPose,
		AdjustedPose: f.AdjustedPose,
		Intrinsics:   intrinsics,
		Exposure:     f.Exposure,
		RingID:       f.RingID,
		LocalID:      f.LocalID,
	}, nil
}

func ringLocalDistance(a, b *Frame, ringSize int) int {
	if ringSize <= 0 {
		return -1
	}
	d := a.LocalID - b.LocalID
	if d < 0 {
		d = -d
	}
	wrapped := ringSize - d
	if wrapped < d {
		d = wrapped
	}
	return d
}

func (cf *CorrespondenceFinder) ringSize(ringID int) int {
	if ringID < 0 || ringID >= len(cf.graph.Rings) {
		return 0
	}
	return len(cf.graph.Rings[ringID].Points)
}

// isNeighbor reports whether two already-placed frames are either in-ring
// neighbors within ringNeighborLocalDistance (with wraparound) or in
// adjacent rings.
func (cf *CorrespondenceFinder) isNeighbor(a, b *Frame) bool {
	if a.RingID == b.RingID {
		return ringLocalDistance(a, b, cf.ringSize(a.RingID)) <= ringNeighborLocalDistance
	}
	d := a.RingID - b.RingID
	if d == 1 || d == -1 {
		return true
	}
	return false
}

// meanIntensity returns the mean luma of img's mask-covered pixels.
func meanIntensity(img *image.RGBA, mask *image.Gray) float64 {
	b := img.Bounds()
	var sum float64
	var n int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if mask != nil && maskAt(mask, x, y) == 0 {
				continue
			}
			r, g, bch, _ := img.At(x, y).RGBA()
			sum += 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bch>>8)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// PushFrame is the pipeline phase: store frame (and a downsampled mini
// copy), then correlate it against every previously stored in-ring or
// adjacent-ring neighbor, recording the result into the alignment and
// exposure graphs.
func (cf *CorrespondenceFinder) PushFrame(f *Frame) error {
	mini, err := makeMiniFrame(f)
	if err != nil {
		return err
	}

	for _, prev := range cf.frames {
		prevMini := cf.minis[prev.ID]
		if !cf.isNeighbor(prevMini, mini) {
			continue
		}
		cf.correlatePair(prevMini, mini)
	}

	cf.frames = append(cf.frames, f)
	cf.byID[f.ID] = f
	cf.minis[f.ID] = mini
	return nil
}

func (cf *CorrespondenceFinder) correlatePair(a, b *Frame) {
	result, err := Correlate(a, b, cf.canvas, false)
	if err != nil {
		log.Printf("[CORRESPONDENCE] correlate frames %d,%d: %v", a.ID, b.ID, err)
		return
	}
	if !result.Valid {
		ringSize := cf.ringSize(a.RingID)
		if a.RingID == b.RingID && ringLocalDistance(a, b, ringSize) <= 1 {
			full := cf.fullFrame(a.ID)
			w, h := workingFrameSize(full)
			half := TrivialAlign(w, h)
			cf.alignGraph.AddForced(full, cf.fullFrame(b.ID), float64(half.OverlapPixels))
		}
		return
	}

	fullA, fullB := cf.fullFrame(a.ID), cf.fullFrame(b.ID)
	cf.alignGraph.AddMatch(fullA, fullB, result)

	wa, errA := WarpFrame(a, a.AdjustedPose, cf.canvas)
	wb, errB := WarpFrame(b, b.AdjustedPose, cf.canvas)
	if errA == nil && errB == nil {
		overlapA, overlapB, ok := OverlapRegion(wa.Corner, wa.Img.Bounds().Size(), wb.Corner, wb.Img.Bounds().Size(), 0)
		if ok {
			meanA := meanIntensity(wa.Img.SubImage(overlapA).(*image.RGBA), wa.Mask)
			meanB := meanIntensity(wb.Img.SubImage(overlapB).(*image.RGBA), wb.Mask)
			cf.expGraph.AddObservation(fullA, fullB, overlapA.Dx()*overlapA.Dy(), meanA, meanB)
		}
	}
}

func workingFrameSize(f *Frame) (int, int) {
	img, release, err := f.Pixels.AutoLoad()
	if err != nil {
		return WorkingResolution.X, WorkingResolution.Y
	}
	defer release()
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

func (cf *CorrespondenceFinder) fullFrame(id uint64) *Frame {
	return cf.byID[id]
}

// CorrespondenceResult is the finalize phase's output.
type CorrespondenceResult struct {
	Frames    []*Frame
	Alignment map[int]float64
	Gains     map[int]float64
	Offsets   map[[2]uint64]image.Point
	Rings     map[int][]*Frame
}

// Finalize runs the end-of-stream phase: ring split, ring closure, global
// alignment solve, exposure solve, optional focal-length refinement, and
// offset cross-production.
func (cf *CorrespondenceFinder) Finalize(refineFocal bool) (*CorrespondenceResult, error) {
	rings := cf.splitIntoRings()

	center := cf.graph.CenterRingIndex()
	for ringID, frames := range rings {
		if ringID != center && !cf.closeAllRings {
			continue
		}
		sorted := sortByLocalID(frames)
		if _, _, err := CloseRing(sorted, cf.canvas); err != nil {
			log.Printf("[CORRESPONDENCE] ring %d closure: %v", ringID, err)
		}
	}

	x, err := SolveGlobalAlignment(cf.alignGraph)
	if err != nil {
		log.Printf("[CORRESPONDENCE] global alignment solve did not converge, keeping input poses: %v", err)
		x = map[int]float64{}
	} else {
		ApplySolution(cf.frames, x)
		for _, f := range cf.frames {
			f.OriginalPose = f.AdjustedPose
		}
	}

	gains, err := SolveExposure(cf.expGraph)
	if err != nil {
		log.Printf("[CORRESPONDENCE] exposure solve did not converge, keeping unit gains: %v", err)
		gains = map[int]float64{}
	}

	if refineFocal {
		cf.refineFocalLength(rings)
	}

	offsets := cf.crossProduceOffsets()

	return &CorrespondenceResult{
		Frames:    cf.frames,
		Alignment: x,
		Gains:     gains,
		Offsets:   offsets,
		Rings:     rings,
	}, nil
}

// splitIntoRings assigns each stored frame to the nearest recorder-graph
// ring (by pose), dropping frames whose nearest point exceeds
// ringSplitTolerance.
func (cf *CorrespondenceFinder) splitIntoRings() map[int][]*Frame {
	rings := make(map[int][]*Frame)
	for _, f := range cf.frames {
		bestRing := -1
		bestDist := math.Inf(1)
		for _, ring := range cf.graph.Rings {
			_, dist := NearestPointOnRing(ring, f.AdjustedPose)
			if dist < bestDist {
				bestDist = dist
				bestRing = ring.ID
			}
		}
		if bestRing < 0 || bestDist > ringSplitTolerance {
			log.Printf("[CORRESPONDENCE] frame %d: no ring within tolerance (best dist %.4f)", f.ID, bestDist)
			continue
		}
		f.RingID = bestRing
		rings[bestRing] = append(rings[bestRing], f)
	}
	return rings
}

func sortByLocalID(frames []*Frame) []*Frame {
	out := make([]*Frame, len(frames))
	copy(out, frames)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LocalID < out[j-1].LocalID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// refineFocalLength implements the optional drift-based focal bias
// correction: for each ring, sum the in-ring successor Δφ around the
// cycle; a nonzero sum implies a focal-length bias, corrected by scaling
// every frame's intrinsics by the mean bias factor across rings.
func (cf *CorrespondenceFinder) refineFocalLength(rings map[int][]*Frame) {
	var factors []float64
	for _, frames := range rings {
		sorted := sortByLocalID(frames)
		n := len(sorted)
		if n < 2 {
			continue
		}
		var drift float64
		for i := 0; i < n; i++ {
			a := sorted[i]
			b := sorted[(i+1)%n]
			for _, e := range cf.alignGraph.EdgesFrom(int(a.ID)) {
				if e.To == int(b.ID) && e.Valid {
					drift += e.DPhi
					break
				}
			}
		}
		denom := 1 - drift/(2*math.Pi)
		if denom == 0 {
			continue
		}
		factors = append(factors, 1/denom)
	}
	if len(factors) == 0 {
		return
	}
	var mean float64
	for _, f := range factors {
		mean += f
	}
	mean /= float64(len(factors))

	for _, f := range cf.frames {
		f.Intrinsics = scaleFocalAndPrincipal(f.Intrinsics, mean)
	}
}

func scaleFocalAndPrincipal(k Mat3, factor float64) Mat3 {
	out := k
	out[0] *= factor // fx
	out[4] *= factor // fy
	out[2] *= factor // cx
	out[5] *= factor // cy
	return out
}

// crossProduceOffsets collects the pixel-offset translation hint recorded
// for every correlated pair, keyed by ordered (from, to) frame ids, so
// every frame pair that could be stitched has one available downstream.
func (cf *CorrespondenceFinder) crossProduceOffsets() map[[2]uint64]image.Point {
	out := make(map[[2]uint64]image.Point)
	for _, f := range cf.frames {
		for _, e := range cf.alignGraph.EdgesFrom(int(f.ID)) {
			if !e.Valid || e.Forced {
				continue
			}
			out[[2]uint64{uint64(e.From), uint64(e.To)}] = image.Point{X: e.DX, Y: e.DY}
		}
	}
	return out
}
