package pano

import (
	"image/color"
	"image/png"
	"io"
	"math"

	tcanvas "github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// debugCanvasRenderer is the interface both the SVG and rasterizer
// renderers implement; a GraphDebugRenderer draws to either without
// caring which.
type debugCanvasRenderer interface {
	RenderPath(path *tcanvas.Path, style tcanvas.Style, m tcanvas.Matrix)
}

// pointColor, recordedColor, and ballColor are the debug overlay's fixed
// palette: unrecorded selection points, recorded ones, and the live
// guidance ball.
var (
	pointColor    = color.RGBA{R: 120, G: 120, B: 255, A: 255}
	recordedColor = color.RGBA{R: 60, G: 200, B: 90, A: 255}
	ballColor     = color.RGBA{R: 230, G: 60, B: 60, A: 255}
)

// GraphDebugRenderer draws a recorder graph's selection points, ring
// traces, and live guidance ball onto a 2D equirectangular debug canvas,
// for visual inspection of the capture progress without a UI layer.
type GraphDebugRenderer struct {
	Graph  *RecorderGraph
	Canvas EquirectCanvas

	// Scale shrinks the debug image relative to the stitching canvas'
	// native resolution, since the full canvas is usually far larger
	// than is useful for a quick-look debug image.
	Scale       float64
	PointRadius float64
	Resolution  tcanvas.Resolution
}

// NewGraphDebugRenderer builds a debug renderer with sensible defaults.
func NewGraphDebugRenderer(graph *RecorderGraph, eqCanvas EquirectCanvas) *GraphDebugRenderer {
	return &GraphDebugRenderer{
		Graph:       graph,
		Canvas:      eqCanvas,
		Scale:       0.5,
		PointRadius: 5,
		Resolution:  tcanvas.DPI(96),
	}
}

// pointXY projects a selection point's forward ray onto the debug image's
// pixel coordinates.
func (r *GraphDebugRenderer) pointXY(p *SelectionPoint) (float64, float64) {
	wx, wy, wz := p.Rotation[2], p.Rotation[5], p.Rotation[8]
	px, py := r.Canvas.worldToEquirect(wx, wy, wz)
	s := clampDebugScale(r.Scale)
	return px * s, py * s
}

func (r *GraphDebugRenderer) width() float64  { return float64(r.Canvas.Width) * clampDebugScale(r.Scale) }
func (r *GraphDebugRenderer) height() float64 { return float64(r.Canvas.Height) * clampDebugScale(r.Scale) }

// renderToCanvas draws the background, every ring's points/trace, and the
// optional live guidance ball to renderer.
func (r *GraphDebugRenderer) renderToCanvas(renderer debugCanvasRenderer, guidance *Guidance) {
	w, h := r.width(), r.height()

	bgStyle := tcanvas.DefaultStyle
	bgStyle.Fill = tcanvas.Paint{Color: tcanvas.White}
	renderer.RenderPath(tcanvas.Rectangle(w, h), bgStyle, tcanvas.Identity)

	for _, ring := range r.Graph.Rings {
		if len(ring.Points) == 0 {
			continue
		}

		traceStyle := tcanvas.DefaultStyle
		traceStyle.Fill = tcanvas.Paint{Color: tcanvas.Transparent}
		traceStyle.Stroke = tcanvas.Paint{Color: tcanvas.Gray}
		traceStyle.StrokeWidth = 1.0

		trace := &tcanvas.Path{}
		for i, p := range ring.Points {
			x, y := r.pointXY(p)
			if i == 0 {
				trace.MoveTo(x, y)
			} else {
				trace.LineTo(x, y)
			}
		}
		trace.Close()
		renderer.RenderPath(trace, traceStyle, tcanvas.Identity)

		for _, p := range ring.Points {
			x, y := r.pointXY(p)
			col := pointColor
			if edge := r.Graph.Edges[p.GlobalID]; edge != nil && edge.Recorded {
				col = recordedColor
			}
			dotStyle := tcanvas.DefaultStyle
			dotStyle.Fill = tcanvas.Paint{Color: col}
			dotStyle.Stroke = tcanvas.Paint{Color: tcanvas.Transparent}
			dot := tcanvas.Circle(r.PointRadius).Translate(x, y)
			renderer.RenderPath(dot, dotStyle, tcanvas.Identity)
		}
	}

	if guidance != nil {
		bx, by, bz := guidance.BallPosition[2], guidance.BallPosition[5], guidance.BallPosition[8]
		px, py := r.Canvas.worldToEquirect(bx, by, bz)
		s := clampDebugScale(r.Scale)
		px, py = px*s, py*s

		ballStyle := tcanvas.DefaultStyle
		ballStyle.Fill = tcanvas.Paint{Color: ballColor}
		ballStyle.Stroke = tcanvas.Paint{Color: tcanvas.Transparent}
		ball := tcanvas.Circle(r.PointRadius * 1.6).Translate(px, py)
		renderer.RenderPath(ball, ballStyle, tcanvas.Identity)
	}
}

// RenderSVG writes the debug overlay as an SVG document to w.
func (r *GraphDebugRenderer) RenderSVG(w io.Writer, guidance *Guidance) error {
	width, height := r.width(), r.height()
	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, guidance)
	return svgRenderer.Close()
}

// RenderPNG writes the debug overlay as a PNG image to w.
func (r *GraphDebugRenderer) RenderPNG(w io.Writer, guidance *Guidance) error {
	width, height := r.width(), r.height()
	rast := rasterizer.New(width, height, r.Resolution, tcanvas.DefaultColorSpace)
	r.renderToCanvas(rast, guidance)
	return png.Encode(w, rast)
}

// clampDebugScale guards against a zero/negative Scale producing a
// degenerate zero-size canvas.
func clampDebugScale(s float64) float64 {
	if s <= 0 {
		return 1
	}
	return math.Max(s, 1e-3)
}
