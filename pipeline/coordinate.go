// Package pipeline wires the recorder's input-facing stages: raw frame
// normalization, the cheap per-frame selector, and the async fan-out into
// preview stitching, storage, and the correspondence finder.
package pipeline

import (
	"fmt"
	"image"

	"github.com/dscvr/panostitch/pano"
)

// Platform identifies which device family a sensor pose came from, since
// the sensor-to-stitcher axis convention differs per platform.
type Platform int

const (
	PlatformIOS Platform = iota
	PlatformAndroid
)

// iosBase and androidBase relate each platform's sensor axes to the
// internal stitcher frame. iOS flips Y and Z (front camera landscape
// convention); Android flips X and Y only.
var iosBase = pano.Mat4{
	1, 0, 0, 0,
	0, -1, 0, 0,
	0, 0, -1, 0,
	0, 0, 0, 1,
}

var androidBase = pano.Mat4{
	-1, 0, 0, 0,
	0, -1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

// iosZero and androidZero are each platform's zero-pose correction.
// Android's is the identity, so a sensor reporting identity rotation keeps
// the camera on the stitcher's forward axis (+Z). iOS's is a 90° rotation
// about Y that exchanges X and Z; after conjugation by iosBase, a sensor
// reporting identity rotation turns the camera's +Z axis to −X.
var iosZero = pano.Mat4{
	0, 0, 1, 0,
	0, 1, 0, 0,
	-1, 0, 0, 0,
	0, 0, 0, 1,
}

var androidZero = pano.Identity4()

func baseFor(p Platform) pano.Mat4 {
	if p == PlatformAndroid {
		return androidBase
	}
	return iosBase
}

func zeroFor(p Platform) pano.Mat4 {
	if p == PlatformAndroid {
		return androidZero
	}
	return iosZero
}

// ConvertPose maps a raw sensor pose into the internal stitcher frame:
// base · zero · sensor⁻¹ · base⁻¹.
func ConvertPose(platform Platform, sensor pano.Mat4) pano.Mat4 {
	base := baseFor(platform)
	zero := zeroFor(platform)
	baseInv := pano.Invert4Rigid(base)
	sensorInv := pano.Invert4Rigid(sensor)
	return pano.Mul4(base, pano.Mul4(zero, pano.Mul4(sensorInv, baseInv)))
}

// RawFrame is what the camera driver hands to push(): either an already
// decoded image, or a dataRef (raw bytes, width, height, colorspace) that
// the converter normalizes before anything downstream sees it.
type RawFrame struct {
	ID uint64

	Width, Height int
	Colorspace    pano.Colorspace
	Data          []byte // raw dataRef bytes; nil if Pixels is set
	Pixels        *image.RGBA

	Portrait  bool
	Platform  Platform
	Sensor    pano.Mat4
	Timestamp float64 // seconds, monotonic within one recording session

	Intrinsics pano.Mat3
	Exposure   pano.Exposure
}

// bytesPerPixel returns the source channel count for a colorspace, used to
// validate a dataRef's buffer length against its declared width/height.
func bytesPerPixel(cs pano.Colorspace) int {
	switch cs {
	case pano.ColorspaceRGB:
		return 3
	case pano.ColorspaceRGBA, pano.ColorspaceBGRA:
		return 4
	default:
		return 0
	}
}

// toRGBA normalizes a raw dataRef buffer into a standard Go image.RGBA,
// reordering channels per colorspace. RGB sources get an implicit opaque
// alpha; BGRA sources have red and blue swapped.
func toRGBA(data []byte, w, h int, cs pano.Colorspace) (*image.RGBA, error) {
	bpp := bytesPerPixel(cs)
	if bpp == 0 {
		return nil, fmt.Errorf("coordinate: unsupported colorspace %d", cs)
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("coordinate: invalid frame size %dx%d", w, h)
	}
	if len(data) != w*h*bpp {
		return nil, fmt.Errorf("coordinate: buffer length %d does not match %dx%d at %d bytes/px", len(data), w, h, bpp)
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		si := i * bpp
		di := i * 4
		switch cs {
		case pano.ColorspaceRGB:
			out.Pix[di+0] = data[si+0]
			out.Pix[di+1] = data[si+1]
			out.Pix[di+2] = data[si+2]
			out.Pix[di+3] = 255
		case pano.ColorspaceRGBA:
			out.Pix[di+0] = data[si+0]
			out.Pix[di+1] = data[si+1]
			out.Pix[di+2] = data[si+2]
			out.Pix[di+3] = data[si+3]
		case pano.ColorspaceBGRA:
			out.Pix[di+0] = data[si+2]
			out.Pix[di+1] = data[si+1]
			out.Pix[di+2] = data[si+0]
			out.Pix[di+3] = data[si+3]
		}
	}
	return out, nil
}

// transposeFlip rotates a portrait-captured image 90 degrees so it matches
// the landscape frame the stitcher expects: transpose rows/columns, then
// flip the result horizontally.
func transposeFlip(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.RGBAAt(b.Min.X+x, b.Min.Y+y)
			out.SetRGBA(h-1-y, x, c)
		}
	}
	return out
}

// ConvertFrame normalizes a RawFrame into a pano.Frame: decodes the
// dataRef (if present) into a standard RGBA buffer, applies the
// portrait transpose+flip when the source reports portrait orientation,
// and converts the sensor pose into the stitcher's internal frame.
func ConvertFrame(raw RawFrame) (*pano.Frame, error) {
	var img *image.RGBA
	if raw.Pixels != nil {
		img = raw.Pixels
	} else {
		converted, err := toRGBA(raw.Data, raw.Width, raw.Height, raw.Colorspace)
		if err != nil {
			return nil, err
		}
		img = converted
	}

	if raw.Portrait {
		img = transposeFlip(img)
	}

	pose := ConvertPose(raw.Platform, raw.Sensor)

	f := pano.NewFrame(pano.NewLoadedPixelBuffer(img), pose, raw.Intrinsics, raw.Exposure)
	if raw.ID != 0 {
		f.ID = raw.ID
	}
	return f, nil
}
