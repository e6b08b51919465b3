package pano

import (
	"image"
	"image/color"
	"math"
)

// SeamDirection selects the axis a dynamic seam is cut along.
type SeamDirection int

const (
	SeamVertical SeamDirection = iota
	SeamHorizontal
)

// SeamResult is the outcome of a dynamic seam search: per-row (or, for
// horizontal seams, per-column) cut positions, already applied to the two
// masks passed in.
type SeamResult struct {
	Applied bool
	SeamPos []int // seam column per row (vertical) or row per column (horizontal)
}

// maskAt reads a single-channel mask value, returning 0 outside bounds.
func maskAt(m *image.Gray, x, y int) uint8 {
	if !(image.Point{x, y}.In(m.Bounds())) {
		return 0
	}
	return m.GrayAt(x, y).Y
}

func colorAt(img *image.RGBA, x, y int) (r, g, b uint32) {
	if !(image.Point{x, y}.In(img.Bounds())) {
		return 0, 0, 0
	}
	r, g, b, _ = img.At(x, y).RGBA()
	return r >> 8, g >> 8, b >> 8
}

// FindSeam computes the minimum-cost seam between two overlapping warped
// images A, B (with their top-left corners on a shared canvas) and carves
// it into their masks, leaving a symmetric `overlap`-pixel dead band where
// both masks stay nonzero. Horizontal seaming reuses the same table
// with swapped coordinate accessors.
func FindSeam(aImg *image.RGBA, aMask *image.Gray, aCorner image.Point,
	bImg *image.RGBA, bMask *image.Gray, bCorner image.Point,
	border, overlap int, dir SeamDirection) SeamResult {

	aBox := image.Rectangle{Min: aCorner, Max: aCorner.Add(aImg.Bounds().Size())}
	bBox := image.Rectangle{Min: bCorner, Max: bCorner.Add(bImg.Bounds().Size())}
	inter := aBox.Intersect(bBox).Inset(border)
	if inter.Dx() < 2*border || inter.Dy() < 2*border {
		return SeamResult{Applied: false}
	}

	width, height := inter.Dx(), inter.Dy()
	if dir == SeamHorizontal {
		width, height = height, width
	}
	if width < 1 || height < 1 {
		return SeamResult{Applied: false}
	}

	// axis accessors: "long" runs row-by-row (y), "short" is the seam
	// coordinate (x). Horizontal seaming swaps them.
	canvasXY := func(long, short int) (int, int) {
		if dir == SeamVertical {
			return inter.Min.X + short, inter.Min.Y + long
		}
		return inter.Min.X + long, inter.Min.Y + short
	}

	quality := make([][]float64, height)
	for y := 0; y < height; y++ {
		quality[y] = make([]float64, width)
		for x := 0; x < width; x++ {
			cx, cy := canvasXY(y, x)
			am := maskAt(aMask, cx-aCorner.X, cy-aCorner.Y)
			bm := maskAt(bMask, cx-bCorner.X, cy-bCorner.Y)
			if am == 0 || bm == 0 {
				quality[y][x] = 0
				continue
			}
			ar, ag, ab := colorAt(aImg, cx-aCorner.X, cy-aCorner.Y)
			br, bg, bb := colorAt(bImg, cx-bCorner.X, cy-bCorner.Y)
			dr, dg, db := float64(ar)-float64(br), float64(ag)-float64(bg), float64(ab)-float64(bb)
			diffSq := dr*dr + dg*dg + db*db
			quality[y][x] = 255 - math.Sqrt(diffSq)/3
		}
	}

	cost := make([][]float64, height)
	parent := make([][]int, height)
	for y := range cost {
		cost[y] = make([]float64, width)
		parent[y] = make([]int, width)
	}
	copy(cost[0], quality[0])

	for y := 1; y < height; y++ {
		for x := 0; x < width; x++ {
			best := cost[y-1][x]
			bestDir := 0
			for _, d := range []int{-1, 1} {
				nx := x + d
				if nx < 0 || nx >= width {
					continue
				}
				if cost[y-1][nx] > best {
					best = cost[y-1][nx]
					bestDir = d
				}
			}
			cost[y][x] = quality[y][x] + best
			parent[y][x] = bestDir
		}
	}

	// Argmax of the last row.
	lastY := height - 1
	bestX := 0
	bestVal := cost[lastY][0]
	for x := 1; x < width; x++ {
		if cost[lastY][x] > bestVal {
			bestVal = cost[lastY][x]
			bestX = x
		}
	}

	seam := make([]int, height)
	x := bestX
	for y := lastY; y >= 0; y-- {
		seam[y] = x
		x += parent[y][x]
		if x < 0 {
			x = 0
		}
		if x >= width {
			x = width - 1
		}
	}

	for y := 0; y < height; y++ {
		s := seam[y]
		for x := 0; x < width; x++ {
			cx, cy := canvasXY(y, x)
			ax, ay := cx-aCorner.X, cy-aCorner.Y
			bx, by := cx-bCorner.X, cy-bCorner.Y
			if x > s+overlap {
				zeroGray(aMask, ax, ay)
			}
			if x < s-overlap {
				zeroGray(bMask, bx, by)
			}
		}
	}

	return SeamResult{Applied: true, SeamPos: seam}
}

func zeroGray(m *image.Gray, x, y int) {
	if !(image.Point{x, y}.In(m.Bounds())) {
		return
	}
	m.SetGray(x, y, color.Gray{Y: 0})
}
