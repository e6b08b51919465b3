package pano

import (
	"image"
	"image/color"
	"math"
)

// FarnebackParams mirrors the dense optical flow parameters OpenCV's
// Farnebäck estimator takes. OpenCV itself is an out-of-scope external
// collaborator here, so DenseOpticalFlow below is a from-scratch, pure-Go
// coarse-to-fine block-matching flow estimator that honors the same
// parameter shape rather than an OpenCV binding (see DESIGN.md).
type FarnebackParams struct {
	PyrScale   float64
	Levels     int
	WinSize    int
	Iterations int
	PolyN      int
	PolySigma  float64
}

// DefaultFarnebackParams matches the reference blending pass's tuned values.
var DefaultFarnebackParams = FarnebackParams{
	PyrScale:   0.5,
	Levels:     1,
	WinSize:    5,
	Iterations: 4,
	PolyN:      5,
	PolySigma:  1.1,
}

// FlowField is a dense per-pixel displacement field, in the coordinate
// frame of its source image (flow(p) points from the source pixel to its
// corresponding pixel in the other image).
type FlowField struct {
	W, H int
	Dx   []float64
	Dy   []float64
}

// At returns the flow vector at (x, y), or (0,0) outside bounds.
func (f *FlowField) At(x, y int) (float64, float64) {
	if f == nil || x < 0 || y < 0 || x >= f.W || y >= f.H {
		return 0, 0
	}
	i := y*f.W + x
	return f.Dx[i], f.Dy[i]
}

func toGray(img *image.RGBA) []float64 {
	b := img.Bounds()
	out := make([]float64, b.Dx()*b.Dy())
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bch, _ := img.At(x, y).RGBA()
			out[i] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bch>>8)
			i++
		}
	}
	return out
}

func sampleGray(g []float64, w, h int, x, y float64) float64 {
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	if x0 < 0 || y0 < 0 || x0+1 >= w || y0+1 >= h {
		xi, yi := int(math.Round(x)), int(math.Round(y))
		if xi < 0 || yi < 0 || xi >= w || yi >= h {
			return 0
		}
		return g[yi*w+xi]
	}
	fx, fy := x-float64(x0), y-float64(y0)
	v00 := g[y0*w+x0]
	v10 := g[y0*w+x0+1]
	v01 := g[(y0+1)*w+x0]
	v11 := g[(y0+1)*w+x0+1]
	return v00*(1-fx)*(1-fy) + v10*fx*(1-fy) + v01*(1-fx)*fy + v11*fx*fy
}

func downsampleGray(g []float64, w, h int) ([]float64, int, int) {
	nw, nh := w/2, h/2
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	out := make([]float64, nw*nh)
	for y := 0; y < nh; y++ {
		for x := 0; x < nw; x++ {
			var sum float64
			n := 0
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					sx, sy := x*2+dx, y*2+dy
					if sx >= w || sy >= h {
						continue
					}
					sum += g[sy*w+sx]
					n++
				}
			}
			if n == 0 {
				n = 1
			}
			out[y*nw+x] = sum / float64(n)
		}
	}
	return out, nw, nh
}

// DenseOpticalFlow estimates a per-pixel displacement field mapping a onto
// b, using coarse-to-fine local block matching within a params.WinSize
// window, refined over params.Iterations passes at each of params.Levels
// pyramid levels.
func DenseOpticalFlow(a, b *image.RGBA, params FarnebackParams) *FlowField {
	bounds := a.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	ga, gb := toGray(a), toGray(b)

	type level struct {
		ga, gb []float64
		w, h   int
	}
	levels := []level{{ga, gb, w, h}}
	for i := 1; i < params.Levels; i++ {
		prev := levels[len(levels)-1]
		da, nw, nh := downsampleGray(prev.ga, prev.w, prev.h)
		db, _, _ := downsampleGray(prev.gb, prev.w, prev.h)
		levels = append(levels, level{da, db, nw, nh})
	}

	win := params.WinSize / 2
	if win < 1 {
		win = 1
	}

	var dx, dy []float64
	curW, curH := levels[len(levels)-1].w, levels[len(levels)-1].h
	dx = make([]float64, curW*curH)
	dy = make([]float64, curW*curH)

	for li := len(levels) - 1; li >= 0; li-- {
		lv := levels[li]
		if lv.w != curW || lv.h != curH {
			// Upsample flow estimate by 2x (nearest) into the finer level.
			ndx := make([]float64, lv.w*lv.h)
			ndy := make([]float64, lv.w*lv.h)
			for y := 0; y < lv.h; y++ {
				for x := 0; x < lv.w; x++ {
					sx, sy := x/2, y/2
					if sx >= curW {
						sx = curW - 1
					}
					if sy >= curH {
						sy = curH - 1
					}
					ndx[y*lv.w+x] = dx[sy*curW+sx] * 2
					ndy[y*lv.w+x] = dy[sy*curW+sx] * 2
				}
			}
			dx, dy = ndx, ndy
			curW, curH = lv.w, lv.h
		}

		for iter := 0; iter < params.Iterations; iter++ {
			for y := 0; y < lv.h; y++ {
				for x := 0; x < lv.w; x++ {
					idx := y*lv.w + x
					bestErr := math.Inf(1)
					bestDx, bestDy := dx[idx], dy[idx]
					baseX := float64(x) + dx[idx]
					baseY := float64(y) + dy[idx]
					for oy := -1; oy <= 1; oy++ {
						for ox := -1; ox <= 1; ox++ {
							cx := baseX + float64(ox)
							cy := baseY + float64(oy)
							var errSum float64
							for wy := -win; wy <= win; wy++ {
								for wx := -win; wx <= win; wx++ {
									sx, sy := x+wx, y+wy
									if sx < 0 || sy < 0 || sx >= lv.w || sy >= lv.h {
										continue
									}
									va := lv.ga[sy*lv.w+sx]
									vb := sampleGray(lv.gb, lv.w, lv.h, cx+float64(wx), cy+float64(wy))
									d := va - vb
									errSum += d * d
								}
							}
							if errSum < bestErr {
								bestErr = errSum
								bestDx, bestDy = cx-float64(x), cy-float64(y)
							}
						}
					}
					dx[idx], dy[idx] = bestDx, bestDy
				}
			}
		}
	}

	return &FlowField{W: w, H: h, Dx: dx, Dy: dy}
}

// flowCanvasFractionLimit is the fraction of canvas width beyond which flow
// calculation is skipped in favor of an offset-only displacement.
const flowCanvasFractionLimit = 0.25

// CalculateFlow re-estimates the global pixel offset between two warped
// images (unless offsetHint is supplied), then runs dense optical flow on
// the aligned grayscale overlaps, returning a flow field whose vectors are
// the offset plus the per-pixel correction (zero outside the overlap).
// Large images (wider than flowCanvasFractionLimit of the canvas) skip the
// flow step and fall back to an offset-only field.
func CalculateFlow(a, b *WarpedImage, offsetHint *image.Point, canvasWidth int) *FlowField {
	overlapA, overlapB, ok := OverlapRegion(a.Corner, a.Img.Bounds().Size(), b.Corner, b.Img.Bounds().Size(), 0)
	if !ok {
		return &FlowField{}
	}

	var offset image.Point
	if offsetHint != nil {
		offset = *offsetHint
	} else {
		pa := cropToPlanar(a.Img, overlapA)
		pb := cropToPlanar(b.Img, overlapB)
		windowX, windowY := pa.w/2, pa.h/2
		if windowX < 1 {
			windowX = 1
		}
		if windowY < 1 {
			windowY = 1
		}
		offset, _ = pyramidAlign(pa, pb, windowX, windowY)
	}

	w, h := overlapA.Dx(), overlapA.Dy()
	aw, ah := a.Img.Bounds().Dx(), a.Img.Bounds().Dy()
	field := &FlowField{W: aw, H: ah, Dx: make([]float64, aw*ah), Dy: make([]float64, aw*ah)}

	var fine *FlowField // stays nil (offset-only fallback) for large images
	limit := int(flowCanvasFractionLimit * float64(canvasWidth))
	if aw <= limit && b.Img.Bounds().Dx() <= limit {
		fine = DenseOpticalFlow(subImageRGBA(a.Img, overlapA), subImageRGBA(b.Img, overlapB.Add(offset)), DefaultFarnebackParams)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (overlapA.Min.Y+y)*aw + overlapA.Min.X + x
			fx, fy := fine.At(x, y)
			field.Dx[i] = float64(offset.X) + fx
			field.Dy[i] = float64(offset.Y) + fy
		}
	}
	return field
}

func subImageRGBA(img *image.RGBA, rect image.Rectangle) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			out.Set(x, y, img.At(rect.Min.X+x, rect.Min.Y+y))
		}
	}
	return out
}

// FlowBlender composites warped images onto a destination canvas, feathered
// by a per-pixel weight map and corrected by optical flow.
type FlowBlender struct {
	Dest     *image.RGBA
	DestMask *image.Gray
	DestROI  image.Rectangle
}

// NewFlowBlender allocates a blender over the given destination ROI.
func NewFlowBlender(roi image.Rectangle) *FlowBlender {
	return &FlowBlender{
		Dest:     image.NewRGBA(image.Rect(0, 0, roi.Dx(), roi.Dy())),
		DestMask: image.NewGray(image.Rect(0, 0, roi.Dx(), roi.Dy())),
		DestROI:  roi,
	}
}

// createWeightMap computes a feather weight map from the existing
// destination mask inside rect, via a Chamfer-style distance transform to
// the nearest unset pixel, squashed through a logistic with the given
// sharpness.
func (fb *FlowBlender) createWeightMap(rect image.Rectangle, sharpness float64) [][]float64 {
	w, h := rect.Dx(), rect.Dy()
	const inf = 1 << 20
	dist := make([][]int, h)
	for y := range dist {
		dist[y] = make([]int, w)
		for x := range dist[y] {
			if maskAt(fb.DestMask, rect.Min.X+x-fb.DestROI.Min.X, rect.Min.Y+y-fb.DestROI.Min.Y) == 0 {
				dist[y][x] = 0
			} else {
				dist[y][x] = inf
			}
		}
	}
	// Two-pass chamfer distance transform.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			best := dist[y][x]
			if x > 0 && dist[y][x-1]+1 < best {
				best = dist[y][x-1] + 1
			}
			if y > 0 && dist[y-1][x]+1 < best {
				best = dist[y-1][x] + 1
			}
			dist[y][x] = best
		}
	}
	for y := h - 1; y >= 0; y-- {
		for x := w - 1; x >= 0; x-- {
			best := dist[y][x]
			if x < w-1 && dist[y][x+1]+1 < best {
				best = dist[y][x+1] + 1
			}
			if y < h-1 && dist[y+1][x]+1 < best {
				best = dist[y+1][x] + 1
			}
			dist[y][x] = best
		}
	}

	weights := make([][]float64, h)
	for y := 0; y < h; y++ {
		weights[y] = make([]float64, w)
		for x := 0; x < w; x++ {
			d := float64(dist[y][x])
			weights[y][x] = 1 / (1 + math.Exp(-d*sharpness))
		}
	}
	return weights
}

const featherSharpness = 0.005

// Feed blends a warped source image into the destination canvas at corner,
// using flow to pre-correct the remap on both the source and destination
// sides by the feather weight.
func (fb *FlowBlender) Feed(src *WarpedImage, flow *FlowField, corner image.Point) {
	srcBounds := src.Img.Bounds()
	w, h := srcBounds.Dx(), srcBounds.Dy()
	rectOnCanvas := image.Rectangle{Min: corner, Max: corner.Add(image.Pt(w, h))}
	wDest := fb.createWeightMap(rectOnCanvas, featherSharpness)

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	covered := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if src.Mask != nil && maskAt(src.Mask, x, y) == 0 {
				continue
			}
			covered.SetGray(x, y, color.Gray{Y: 255})

			wd := wDest[y][x]
			fx, fy := flow.At(x, y)

			srcX, srcY := float64(x)+fx*wd, float64(y)+fy*wd
			if srcX < 0 || srcY < 0 || srcX >= float64(w) || srcY >= float64(h) {
				srcX, srcY = float64(x), float64(y)
			}

			dstX, dstY := float64(corner.X+x)-fx*(1-wd), float64(corner.Y+y)-fy*(1-wd)
			localDstX := dstX - float64(fb.DestROI.Min.X)
			localDstY := dstY - float64(fb.DestROI.Min.Y)
			if localDstX < 0 || localDstY < 0 || localDstX >= float64(fb.DestROI.Dx()) || localDstY >= float64(fb.DestROI.Dy()) {
				localDstX, localDstY = float64(corner.X+x-fb.DestROI.Min.X), float64(corner.Y+y-fb.DestROI.Min.Y)
			}

			srcSample := bilinearRGBA(src.Img, srcX, srcY)
			destSample := bilinearRGBA(fb.Dest, localDstX, localDstY)

			out.Set(x, y, blendRGBA(destSample, srcSample, wd))
		}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if covered.GrayAt(x, y).Y == 0 {
				continue
			}
			cx, cy := corner.X+x-fb.DestROI.Min.X, corner.Y+y-fb.DestROI.Min.Y
			if !(image.Point{cx, cy}.In(fb.Dest.Bounds())) {
				continue
			}
			fb.Dest.Set(cx, cy, out.At(x, y))
			fb.DestMask.SetGray(cx, cy, color.Gray{Y: 255})
		}
	}
}

func bilinearRGBA(img *image.RGBA, x, y float64) [4]float64 {
	b := img.Bounds()
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	if x0 < b.Min.X || y0 < b.Min.Y || x0+1 >= b.Max.X || y0+1 >= b.Max.Y {
		xi, yi := int(math.Round(x)), int(math.Round(y))
		if !(image.Point{xi, yi}.In(b)) {
			return [4]float64{}
		}
		r, g, bch, a := img.At(xi, yi).RGBA()
		return [4]float64{float64(r >> 8), float64(g >> 8), float64(bch >> 8), float64(a >> 8)}
	}
	fx, fy := x-float64(x0), y-float64(y0)
	get := func(xx, yy int) (float64, float64, float64, float64) {
		r, g, bch, a := img.At(xx, yy).RGBA()
		return float64(r >> 8), float64(g >> 8), float64(bch >> 8), float64(a >> 8)
	}
	r00, g00, b00, a00 := get(x0, y0)
	r10, g10, b10, a10 := get(x0+1, y0)
	r01, g01, b01, a01 := get(x0, y0+1)
	r11, g11, b11, a11 := get(x0+1, y0+1)
	lerp := func(v00, v10, v01, v11 float64) float64 {
		return v00*(1-fx)*(1-fy) + v10*fx*(1-fy) + v01*(1-fx)*fy + v11*fx*fy
	}
	return [4]float64{lerp(r00, r10, r01, r11), lerp(g00, g10, g01, g11), lerp(b00, b10, b01, b11), lerp(a00, a10, a01, a11)}
}

func blendRGBA(dest, src [4]float64, wDest float64) color.RGBA {
	clampByte := func(v float64) uint8 {
		if v < 0 {
			return 0
		}
		if v > 255 {
			return 255
		}
		return uint8(v)
	}
	r := wDest*dest[0] + (1-wDest)*src[0]
	g := wDest*dest[1] + (1-wDest)*src[1]
	b := wDest*dest[2] + (1-wDest)*src[2]
	return color.RGBA{R: clampByte(r), G: clampByte(g), B: clampByte(b), A: 255}
}
