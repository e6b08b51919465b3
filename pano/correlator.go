package pano

import (
	"image"
	"math"
)

// CorrelationResult is the outcome of correlating two frames' overlapping
// warped regions.
type CorrelationResult struct {
	Valid         bool
	PixelOffset   image.Point
	AngularPhi    float64 // Δφ, horizontal angular offset (radians)
	AngularTheta  float64 // Δθ, vertical angular offset (radians)
	OverlapPixels int
	Correlation   float64 // confidence in [0,1], higher is better
	Reason        RejectionReason
}

// planarImage is a small RGB float buffer used by the pyramid aligner.
type planarImage struct {
	w, h int
	px   [][3]float64 // row-major, len == w*h
}

func cropToPlanar(img *image.RGBA, rect image.Rectangle) planarImage {
	w, h := rect.Dx(), rect.Dy()
	p := planarImage{w: w, h: h, px: make([][3]float64, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(rect.Min.X+x, rect.Min.Y+y).RGBA()
			p.px[y*w+x] = [3]float64{float64(r >> 8), float64(g >> 8), float64(b >> 8)}
		}
	}
	return p
}

// downsample2 halves both dimensions by 2x2 box averaging.
func downsample2(p planarImage) planarImage {
	w, h := p.w/2, p.h/2
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	out := planarImage{w: w, h: h, px: make([][3]float64, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum [3]float64
			n := 0
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					sx, sy := x*2+dx, y*2+dy
					if sx >= p.w || sy >= p.h {
						continue
					}
					c := p.px[sy*p.w+sx]
					sum[0] += c[0]
					sum[1] += c[1]
					sum[2] += c[2]
					n++
				}
			}
			if n == 0 {
				n = 1
			}
			out.px[y*w+x] = [3]float64{sum[0] / float64(n), sum[1] / float64(n), sum[2] / float64(n)}
		}
	}
	return out
}

// shiftError computes the normed mean sum of per-channel squared differences
// between a and b at candidate shift (dx, dy), over their common overlap.
func shiftError(a, b planarImage, dx, dy int) (float64, int) {
	var sum float64
	var n int
	for y := 0; y < a.h; y++ {
		by := y + dy
		if by < 0 || by >= b.h {
			continue
		}
		for x := 0; x < a.w; x++ {
			bx := x + dx
			if bx < 0 || bx >= b.w {
				continue
			}
			ca := a.px[y*a.w+x]
			cb := b.px[by*b.w+bx]
			d0, d1, d2 := ca[0]-cb[0], ca[1]-cb[1], ca[2]-cb[2]
			sum += d0*d0 + d1*d1 + d2*d2
			n++
		}
	}
	if n == 0 {
		return math.Inf(1), 0
	}
	return sum / float64(n), n
}

// bruteForceSearch scans every integer shift in [cx-rx,cx+rx] x [cy-ry,cy+ry]
// and returns the argmin shift plus the pooled variance of all sampled
// errors (the deviation-test statistic).
func bruteForceSearch(a, b planarImage, cx, cy, rx, ry int) (image.Point, float64) {
	best := image.Point{X: cx, Y: cy}
	bestErr := math.Inf(1)
	var errs []float64
	for dy := cy - ry; dy <= cy+ry; dy++ {
		for dx := cx - rx; dx <= cx+rx; dx++ {
			e, n := shiftError(a, b, dx, dy)
			if n == 0 {
				continue
			}
			errs = append(errs, e)
			if e < bestErr {
				bestErr = e
				best = image.Point{X: dx, Y: dy}
			}
		}
	}
	if len(errs) == 0 {
		return best, 0
	}
	var mean float64
	for _, e := range errs {
		mean += e
	}
	mean /= float64(len(errs))
	var varSum float64
	for _, e := range errs {
		d := e - mean
		varSum += d * d
	}
	return best, varSum / float64(len(errs))
}

// pyramidAlign implements the pyramid planar aligner: it downsamples
// both inputs by 2x until either dimension drops below 4, brute-forces the
// full window at the bottom, then refines with a 2px window around 2x the
// child offset at each level back up to full resolution. It returns the
// best offset at full resolution and the variance measured at that
// outermost ("top-level") call.
func pyramidAlign(a, b planarImage, windowX, windowY int) (image.Point, float64) {
	if a.w < 4 || a.h < 4 || b.w < 4 || b.h < 4 {
		return bruteForceSearch(a, b, 0, 0, windowX, windowY)
	}
	da, db := downsample2(a), downsample2(b)
	childWindowX, childWindowY := windowX/2, windowY/2
	if childWindowX < 1 {
		childWindowX = 1
	}
	if childWindowY < 1 {
		childWindowY = 1
	}
	childOffset, _ := pyramidAlign(da, db, childWindowX, childWindowY)
	return bruteForceSearch(a, b, childOffset.X*2, childOffset.Y*2, 2, 2)
}

// FovFromIntrinsics returns the horizontal and vertical field of view
// (radians) implied by a pinhole intrinsics matrix over an image of the
// given size.
func FovFromIntrinsics(k Mat3, width, height int) (hfov, vfov float64) {
	fx, fy := k[0], k[4]
	hfov = 2 * math.Atan(float64(width)/(2*fx))
	vfov = 2 * math.Atan(float64(height)/(2*fy))
	return
}

// correlatorMargin buffers the predicted overlap rectangle on each side
// before extraction, matching the configurable-margin behavior of the
// reference correlator.
const correlatorMargin = 8

// Correlate runs the pairwise correlator between two frames: it warps both
// onto a shared spherical canvas, extracts their overlapping region, and
// runs the pyramid planar aligner over a window sized to half the overlap.
// forceWholeImage switches to the ring closer's relaxed mode: no
// predicted overlap is assumed, and the whole warped frame is searched.
func Correlate(a, b *Frame, canvas EquirectCanvas, forceWholeImage bool) (CorrelationResult, error) {
	wa, err := WarpFrame(a, a.AdjustedPose, canvas)
	if err != nil {
		return CorrelationResult{}, err
	}
	wb, err := WarpFrame(b, b.AdjustedPose, canvas)
	if err != nil {
		return CorrelationResult{}, err
	}

	var aRect, bRect image.Rectangle
	var ok bool
	if forceWholeImage {
		aRect = wa.Img.Bounds()
		bRect = wb.Img.Bounds()
		ok = aRect.Dx() >= 4 && aRect.Dy() >= 4 && bRect.Dx() >= 4 && bRect.Dy() >= 4
	} else {
		aRect, bRect, ok = OverlapRegion(wa.Corner, image.Pt(wa.Img.Bounds().Dx(), wa.Img.Bounds().Dy()),
			wb.Corner, image.Pt(wb.Img.Bounds().Dx(), wb.Img.Bounds().Dy()), correlatorMargin)
	}
	if !ok {
		return CorrelationResult{Reason: RejectionNoOverlap}, nil
	}

	pa := cropToPlanar(wa.Img, aRect)
	pb := cropToPlanar(wb.Img, bRect)

	windowX := pa.w / 2
	windowY := pa.h / 2
	if windowX < 1 {
		windowX = 1
	}
	if windowY < 1 {
		windowY = 1
	}

	offset, variance := pyramidAlign(pa, pb, windowX, windowY)

	if !forceWholeImage && (abs(offset.X) > windowX || abs(offset.Y) > windowY) {
		return CorrelationResult{Reason: RejectionOutOfWindow}, nil
	}
	if variance < 1.5 {
		return CorrelationResult{Reason: RejectionDeviationTest}, nil
	}

	hfov, vfov := FovFromIntrinsics(a.Intrinsics, pa.w, pa.h)
	dphi := math.Asin(clamp(float64(offset.X)/float64(pa.w)*math.Sin(hfov), -1, 1))
	dtheta := math.Asin(clamp(float64(offset.Y)/float64(pa.h)*math.Sin(vfov), -1, 1))

	confidence := clamp(variance/(variance+1), 0, 1)

	return CorrelationResult{
		Valid:         true,
		PixelOffset:   offset,
		AngularPhi:    dphi,
		AngularTheta:  dtheta,
		OverlapPixels: pa.w * pa.h,
		Correlation:   confidence,
		Reason:        RejectionNone,
	}, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
