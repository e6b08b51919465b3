package pano

import (
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"
)

// ringVerticalSearchRadius bounds the Δy search when aligning adjacent
// rings vertically; wider than a few pixels would indicate the rings were
// not adjacent to begin with.
const ringVerticalSearchRadius = 12

// multiRingSeamBorder and multiRingSeamOverlap are the dynamic seamer
// parameters used between adjacent ring strips.
const (
	multiRingSeamBorder  = 16
	multiRingSeamOverlap = 16
)

// MultiRingResult is the final composited panorama: one RGB image, its
// coverage mask, and the canvas it was composited onto.
type MultiRingResult struct {
	Img    *image.RGBA
	Mask   *image.Gray
	Canvas EquirectCanvas
	Eye    Eye
}

// alignRingsVertically estimates a translation-only vertical offset between
// two adjacent rings' composed strips, reusing the planar brute-force
// shift search (no rotation/scale term, just Δy) in place of a dedicated
// ECC-style warp estimator, then returns the corner b should be placed at
// so it lines up with a.
func alignRingsVertically(a, b RingStitchResult) image.Point {
	pa := cropToPlanar(a.Img, a.Img.Bounds())
	pb := cropToPlanar(b.Img, b.Img.Bounds())

	initDy := b.Corner.Y - a.Corner.Y
	// shiftError compares a's row y with b's row y+dy, so b placed initDy
	// below a matches at dy == -initDy, and b's aligned corner is a's minus dy.
	offset, _ := bruteForceSearch(pa, pb, 0, -initDy, 0, ringVerticalSearchRadius)

	return image.Point{X: b.Corner.X, Y: a.Corner.Y - offset.Y}
}

// blackenMaskEdges zeroes the top and bottom row of mask, forcing a feather
// boundary at the ring's vertical seam with its neighbors.
func blackenMaskEdges(mask *image.Gray) {
	b := mask.Bounds()
	if b.Dy() < 1 {
		return
	}
	for x := b.Min.X; x < b.Max.X; x++ {
		mask.SetGray(x, b.Min.Y, color.Gray{Y: 0})
		mask.SetGray(x, b.Max.Y-1, color.Gray{Y: 0})
	}
}

// resizeToScale resizes img/mask by scale (1.0 = no-op), used when rings
// were stitched at different working resolutions and need to share one
// output scale before the final composite.
func resizeToScale(img *image.RGBA, mask *image.Gray, scale float64) (*image.RGBA, *image.Gray) {
	if scale == 1 {
		return img, mask
	}
	b := img.Bounds()
	outW := int(float64(b.Dx()) * scale)
	outH := int(float64(b.Dy()) * scale)
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}
	outImg := image.NewRGBA(image.Rect(0, 0, outW, outH))
	xdraw.CatmullRom.Scale(outImg, outImg.Bounds(), img, b, xdraw.Over, nil)
	outMask := image.NewGray(image.Rect(0, 0, outW, outH))
	xdraw.ApproxBiLinear.Scale(outMask, outMask.Bounds(), mask, b, xdraw.Over, nil)
	return outImg, outMask
}

// StitchMultiRing composes a list of already ring-stitched strips (ordered
// by increasing ring latitude) into one equirectangular panorama: it
// vertically aligns consecutive rings, horizontally seams each ring against
// its successor, and composites all of them through a feather blender.
func StitchMultiRing(rings []RingStitchResult, canvas EquirectCanvas, outputScale float64) (*MultiRingResult, error) {
	if len(rings) == 0 {
		return &MultiRingResult{Canvas: canvas}, nil
	}

	aligned := make([]RingStitchResult, len(rings))
	aligned[0] = rings[0]
	for i := 1; i < len(rings); i++ {
		corner := alignRingsVertically(aligned[i-1], rings[i])
		r := rings[i]
		r.Corner = corner
		aligned[i] = r
	}

	for i := 0; i < len(aligned)-1; i++ {
		a, b := aligned[i], aligned[i+1]
		FindSeam(a.Img, a.Mask, a.Corner, b.Img, b.Mask, b.Corner,
			multiRingSeamBorder, multiRingSeamOverlap, SeamHorizontal)
	}

	outROI := image.Rectangle{}
	for i, r := range aligned {
		box := image.Rectangle{Min: r.Corner, Max: r.Corner.Add(r.Img.Bounds().Size())}
		if i == 0 {
			outROI = box
		} else {
			outROI = outROI.Union(box)
		}
	}

	blender := NewFlowBlender(outROI)
	zero := func(w, h int) *FlowField {
		return &FlowField{W: w, H: h, Dx: make([]float64, w*h), Dy: make([]float64, w*h)}
	}
	for _, r := range aligned {
		img, mask := resizeToScale(r.Img, r.Mask, outputScale)
		blackenMaskEdges(mask)

		warped := &WarpedImage{Img: img, Mask: mask, Corner: r.Corner}
		b := img.Bounds()
		blender.Feed(warped, zero(b.Dx(), b.Dy()), r.Corner)
	}

	return &MultiRingResult{Img: blender.Dest, Mask: blender.DestMask, Canvas: canvas, Eye: rings[0].Eye}, nil
}
