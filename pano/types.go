// Package pano implements the core of the spherical panorama recorder and
// stitcher: the recorder graph and image selector, bundle alignment and
// ring closure, and the multi-ring flow-blended stitcher.
package pano

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"
)

// Colorspace identifies the channel layout of a raw frame buffer handed to
// the recorder by the camera driver.
type Colorspace int

const (
	ColorspaceRGB Colorspace = iota
	ColorspaceRGBA
	ColorspaceBGRA
)

// WorkingResolution is the nominal internal frame resolution. Frames are
// not resized to it and frames of other sizes are not rejected; it is the
// size assumed for a frame whose pixel buffer cannot be loaded.
var WorkingResolution = image.Point{X: 1024, Y: 512}

// Mat3 is a row-major 3x3 matrix, used for rotations and intrinsics.
type Mat3 [9]float64

// Mat4 is a row-major 4x4 matrix, used for poses (rotation + translation).
type Mat4 [16]float64

// Exposure is the per-frame exposure triple captured alongside the image.
type Exposure struct {
	ISO         float64
	ExposureSec float64
	GainR       float64
	GainG       float64
	GainB       float64
}

var frameIDCounter uint64

// NextFrameID returns a process-wide monotonically increasing frame id.
func NextFrameID() uint64 {
	return atomic.AddUint64(&frameIDCounter, 1)
}

// PixelBuffer is an RGB image buffer that can be lazily loaded/unloaded to
// conserve memory on the capture device. It is reference-counted: multiple
// stitcher stages may hold the same Frame, and the buffer is only released
// once nothing is using it.
type PixelBuffer struct {
	mu       sync.Mutex
	img      *image.RGBA
	refs     int
	loadFn   func() (*image.RGBA, error)
	loaded   bool
}

// NewLoadedPixelBuffer wraps an already-decoded image.
func NewLoadedPixelBuffer(img *image.RGBA) *PixelBuffer {
	return &PixelBuffer{img: img, loaded: true}
}

// NewLazyPixelBuffer wraps a loader invoked on first AutoLoad acquisition.
func NewLazyPixelBuffer(loadFn func() (*image.RGBA, error)) *PixelBuffer {
	return &PixelBuffer{loadFn: loadFn}
}

// AutoLoad acquires the buffer, loading it if necessary, and returns a
// release function. The release function unloads the buffer only if this
// call was the one that triggered the load, matching the recorder's
// "AutoLoad scope" resource policy.
func (p *PixelBuffer) AutoLoad() (*image.RGBA, func(), error) {
	p.mu.Lock()
	triggeredLoad := false
	if !p.loaded {
		if p.loadFn == nil {
			p.mu.Unlock()
			return nil, func() {}, fmt.Errorf("pixel buffer: no loader and no image present")
		}
		img, err := p.loadFn()
		if err != nil {
			p.mu.Unlock()
			return nil, func() {}, fmt.Errorf("pixel buffer: load: %w", err)
		}
		p.img = img
		p.loaded = true
		triggeredLoad = true
	}
	p.refs++
	img := p.img
	p.mu.Unlock()

	release := func() {
		p.mu.Lock()
		p.refs--
		if triggeredLoad && p.refs <= 0 && p.loadFn != nil {
			p.img = nil
			p.loaded = false
		}
		p.mu.Unlock()
	}
	return img, release, nil
}

// Unload explicitly releases the decoded image regardless of ref count.
// Safe to call even when nothing holds a reference.
func (p *PixelBuffer) Unload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadFn != nil {
		p.img = nil
		p.loaded = false
	}
}

// Frame is the unit of work flowing through the recorder pipeline.
//
// OriginalPose and AdjustedPose start out equal at capture time;
// AdjustedPose is mutated only by the correspondence finder's finish
// phase, never concurrently with stitching.
type Frame struct {
	ID uint64

	Pixels *PixelBuffer

	OriginalPose Mat4
	AdjustedPose Mat4
	Intrinsics   Mat3
	Exposure     Exposure

	// Set once the frame has been accepted by the selector.
	RingID  int
	LocalID int
}

// NewFrame builds a Frame with OriginalPose==AdjustedPose, as required by
// the data model's capture-time invariant.
func NewFrame(pixels *PixelBuffer, pose Mat4, intrinsics Mat3, exp Exposure) *Frame {
	return &Frame{
		ID:           NextFrameID(),
		Pixels:       pixels,
		OriginalPose: pose,
		AdjustedPose: pose,
		Intrinsics:   intrinsics,
		Exposure:     exp,
		RingID:       -1,
		LocalID:      -1,
	}
}

// RejectionReason enumerates the causes a pairwise correlation can fail for.
type RejectionReason int

const (
	RejectionNone RejectionReason = iota
	RejectionNoOverlap
	RejectionDeviationTest
	RejectionOutOfWindow
)

func (r RejectionReason) String() string {
	switch r {
	case RejectionNone:
		return "None"
	case RejectionNoOverlap:
		return "NoOverlap"
	case RejectionDeviationTest:
		return "DeviationTest"
	case RejectionOutOfWindow:
		return "OutOfWindow"
	default:
		return "Unknown"
	}
}
