package pano

import (
	"fmt"
	"image"
	"image/color"
)

// ringCropMargin is the number of rows removed from the top and bottom of a
// finalized ring image to discard projection artifacts at the pole-facing
// edges.
const ringCropMargin = 8

// RingStitchResult is the finalized output of a single ring: a composed
// image/mask on the shared canvas, its placement corner, the ring's id, and
// whether a horizontal seam has already been cut into it (it hasn't, at
// this stage — that happens in the multi-ring compositor).
type RingStitchResult struct {
	Img    *image.RGBA
	Mask   *image.Gray
	Corner image.Point
	RingID int
	Eye    Eye
	Seamed bool
}

// RingStitcher accumulates warped frames from a single ring in push order
// and blends them with a one-element sliding window: each newly pushed
// frame is seamed and flow-corrected against the previously queued frame
// before that previous frame is fed into the destination blender.
type RingStitcher struct {
	ringID  int
	eye     Eye
	canvas  EquirectCanvas
	useFlow bool
	blender *FlowBlender
	queued  *WarpedImage
	started bool
}

// NewRingStitcher builds a stitcher for one ring/eye. destROI is the ring's
// canvas ROI, fixed before any frame has arrived (the pipeline passes
// RingCanvasROI's full-width latitude band for the ring).
func NewRingStitcher(ringID int, eye Eye, canvas EquirectCanvas, destROI image.Rectangle, useFlow bool) *RingStitcher {
	return &RingStitcher{
		ringID:  ringID,
		eye:     eye,
		canvas:  canvas,
		useFlow: useFlow,
		blender: NewFlowBlender(destROI),
	}
}

// Push warps frame with its adjusted pose and enqueues it into the ring's
// one-element sliding window, seaming and feeding the previously queued
// frame (if any) into the blender first.
func (s *RingStitcher) Push(frame *Frame) error {
	warped, err := WarpFrame(frame, frame.AdjustedPose, s.canvas)
	if err != nil {
		return fmt.Errorf("ring %d: warp frame %d: %w", s.ringID, frame.ID, err)
	}

	if s.queued != nil {
		s.seamAndFeed(s.queued, warped)
	}
	s.queued = warped
	s.started = true
	return nil
}

// seamAndFeed cuts a vertical seam between prev and next (within their
// overlap), optionally corrects the remap with dense flow, and feeds prev
// into the destination blender.
func (s *RingStitcher) seamAndFeed(prev, next *WarpedImage) {
	FindSeam(prev.Img, prev.Mask, prev.Corner, next.Img, next.Mask, next.Corner, 1, 0, SeamVertical)

	var flow *FlowField
	if s.useFlow {
		flow = CalculateFlow(prev, next, nil, s.canvas.Width)
	} else {
		flow = &FlowField{W: prev.Img.Bounds().Dx(), H: prev.Img.Bounds().Dy(),
			Dx: make([]float64, prev.Img.Bounds().Dx()*prev.Img.Bounds().Dy()),
			Dy: make([]float64, prev.Img.Bounds().Dx()*prev.Img.Bounds().Dy())}
	}
	s.blender.Feed(prev, flow, prev.Corner)
}

// Finalize flushes the queue (feeding the last pending frame with a
// zero flow field, since it has no successor to seam against), then crops
// ringCropMargin rows from the top and bottom of the composed image to
// remove pole-projection artifacts.
func (s *RingStitcher) Finalize() RingStitchResult {
	if !s.started {
		return RingStitchResult{RingID: s.ringID, Eye: s.eye}
	}
	if s.queued != nil {
		w, h := s.queued.Img.Bounds().Dx(), s.queued.Img.Bounds().Dy()
		zero := &FlowField{W: w, H: h, Dx: make([]float64, w*h), Dy: make([]float64, w*h)}
		s.blender.Feed(s.queued, zero, s.queued.Corner)
		s.queued = nil
	}

	full := s.blender.Dest
	fullMask := s.blender.DestMask
	b := full.Bounds()
	cropTop, cropBottom := ringCropMargin, ringCropMargin
	if b.Dy() <= 2*ringCropMargin {
		cropTop, cropBottom = 0, 0
	}
	croppedRect := image.Rect(b.Min.X, b.Min.Y+cropTop, b.Max.X, b.Max.Y-cropBottom)

	outImg := image.NewRGBA(image.Rect(0, 0, croppedRect.Dx(), croppedRect.Dy()))
	outMask := image.NewGray(image.Rect(0, 0, croppedRect.Dx(), croppedRect.Dy()))
	for y := 0; y < croppedRect.Dy(); y++ {
		for x := 0; x < croppedRect.Dx(); x++ {
			outImg.Set(x, y, full.At(croppedRect.Min.X+x, croppedRect.Min.Y+y))
			outMask.SetGray(x, y, color.Gray{Y: fullMask.GrayAt(croppedRect.Min.X+x, croppedRect.Min.Y+y).Y})
		}
	}

	corner := image.Point{X: s.blender.DestROI.Min.X, Y: s.blender.DestROI.Min.Y + cropTop}
	return RingStitchResult{Img: outImg, Mask: outMask, Corner: corner, RingID: s.ringID, Eye: s.eye, Seamed: false}
}
