package pano

import (
	"image"
	"image/color"
	"math"
)

// EquirectCanvas describes the full-sphere output canvas that frames are
// warped onto: longitude in [0, Width) maps to [-pi, pi), latitude in
// [0, Height) maps to [-pi/2, pi/2].
type EquirectCanvas struct {
	Width  int
	Height int
}

// rayForPixel returns the camera-space ray direction for image pixel (u, v)
// under a pinhole model described by intrinsics k (fx, fy, cx, cy packed in
// the usual 3x3 camera-matrix layout).
func rayForPixel(u, v float64, k Mat3) (x, y, z float64) {
	fx, fy, cx, cy := k[0], k[4], k[2], k[5]
	x = (u - cx) / fx
	y = (v - cy) / fy
	z = 1
	n := math.Sqrt(x*x + y*y + z*z)
	return x / n, y / n, z / n
}

// rotateByPose rotates a camera-space ray into world space using the
// rotation block of a 4x4 pose (pose is camera-to-world).
func rotateByPose(pose Mat4, x, y, z float64) (wx, wy, wz float64) {
	r := To3(pose)
	wx = r[0]*x + r[1]*y + r[2]*z
	wy = r[3]*x + r[4]*y + r[5]*z
	wz = r[6]*x + r[7]*y + r[8]*z
	return
}

// worldToEquirect projects a world-space ray direction to floating point
// equirectangular canvas coordinates.
func (c EquirectCanvas) worldToEquirect(x, y, z float64) (px, py float64) {
	phi := math.Atan2(x, z)     // [-pi, pi)
	theta := math.Asin(clamp(y, -1, 1)) // [-pi/2, pi/2]
	px = (phi + math.Pi) / (2 * math.Pi) * float64(c.Width)
	py = (theta + math.Pi/2) / math.Pi * float64(c.Height)
	return
}

// WarpedImage is the result of warping one frame onto the spherical canvas:
// a cropped RGB buffer, its coverage mask, its top-left corner on the full
// canvas, and its "core" rectangle (the buffer inset by a 1px margin, used
// to avoid sampling projection edge artifacts, per the Core rectangle
// glossary entry).
type WarpedImage struct {
	Img    *image.RGBA
	Mask   *image.Gray
	Corner image.Point
	Core   image.Rectangle // in Img-local coordinates
}

// WarpFrame forward-projects frame's pixel buffer onto canvas using pose
// (typically the frame's adjusted pose) and the frame's intrinsics. It
// handles the canvas longitude wraparound by unwrapping projected columns
// before computing the bounding box, then re-wrapping the final corner.
func WarpFrame(frame *Frame, pose Mat4, canvas EquirectCanvas) (*WarpedImage, error) {
	img, release, err := frame.Pixels.AutoLoad()
	if err != nil {
		return nil, err
	}
	defer release()

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	type sample struct {
		sx, sy int
		px, py float64
	}
	samples := make([]sample, 0, w*h)

	nearZero, nearMax := false, false
	for sy := 0; sy < h; sy++ {
		for sx := 0; sx < w; sx++ {
			rx, ry, rz := rayForPixel(float64(sx), float64(sy), frame.Intrinsics)
			wx, wy, wz := rotateByPose(pose, rx, ry, rz)
			px, py := canvas.worldToEquirect(wx, wy, wz)
			px = math.Mod(px, float64(canvas.Width))
			if px < 0 {
				px += float64(canvas.Width)
			}
			if px < float64(canvas.Width)*0.1 {
				nearZero = true
			}
			if px > float64(canvas.Width)*0.9 {
				nearMax = true
			}
			samples = append(samples, sample{sx, sy, px, py})
		}
	}

	wraps := nearZero && nearMax
	if wraps {
		for i := range samples {
			if samples[i].px < float64(canvas.Width)*0.5 {
				samples[i].px += float64(canvas.Width)
			}
		}
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, s := range samples {
		minX = math.Min(minX, s.px)
		maxX = math.Max(maxX, s.px)
		minY = math.Min(minY, s.py)
		maxY = math.Max(maxY, s.py)
	}

	outW := int(math.Ceil(maxX-minX)) + 1
	outH := int(math.Ceil(maxY-minY)) + 1
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}

	out := image.NewRGBA(image.Rect(0, 0, outW, outH))
	mask := image.NewGray(image.Rect(0, 0, outW, outH))

	for _, s := range samples {
		lx := int(s.px - minX)
		ly := int(s.py - minY)
		if lx < 0 || lx >= outW || ly < 0 || ly >= outH {
			continue
		}
		out.Set(lx, ly, img.At(bounds.Min.X+s.sx, bounds.Min.Y+s.sy))
		mask.SetGray(lx, ly, color.Gray{Y: 255})
	}

	cornerX := int(math.Round(minX))
	cornerX = ((cornerX % canvas.Width) + canvas.Width) % canvas.Width
	corner := image.Point{X: cornerX, Y: int(math.Round(minY))}

	core := image.Rect(1, 1, outW-1, outH-1)
	if core.Dx() < 0 {
		core = image.Rect(0, 0, 0, 0)
	}

	return &WarpedImage{Img: out, Mask: mask, Corner: corner, Core: core}, nil
}

// OverlapRegion computes the intersection of two warped images' placements
// on the shared canvas, buffered inward by margin pixels on each side, and
// returns the corresponding sub-rectangles in each image's local coordinates.
// ok is false if the intersection (after margining) is smaller than 4x4.
func OverlapRegion(aCorner image.Point, aSize image.Point, bCorner image.Point, bSize image.Point, margin int) (aRect, bRect image.Rectangle, ok bool) {
	aBox := image.Rectangle{Min: aCorner, Max: aCorner.Add(aSize)}
	bBox := image.Rectangle{Min: bCorner, Max: bCorner.Add(bSize)}
	inter := aBox.Intersect(bBox)
	inter = inter.Inset(margin)
	if inter.Dx() < 4 || inter.Dy() < 4 {
		return image.Rectangle{}, image.Rectangle{}, false
	}
	aRect = inter.Sub(aCorner)
	bRect = inter.Sub(bCorner)
	return aRect, bRect, true
}
