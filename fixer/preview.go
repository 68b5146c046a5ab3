package fixer

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ErrNothingToRender is returned when a report holds no geometry to draw.
var ErrNothingToRender = errors.New("report has no geometries to render")

var (
	invalidFill    = color.NRGBA{R: 220, G: 50, B: 47, A: 90}
	invalidStroke  = color.NRGBA{R: 220, G: 50, B: 47, A: 255}
	repairedFill   = color.NRGBA{R: 40, G: 160, B: 70, A: 90}
	repairedStroke = color.NRGBA{R: 40, G: 160, B: 70, A: 255}
)

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// PreviewRenderer draws the invalid geometries of a report (red) over what
// the run produced for them (green).
type PreviewRenderer struct {
	Report      *Report
	Width       float64           // drawing width in millimeters
	Padding     float64           // padding in millimeters
	StrokeWidth float64           // outline width in millimeters
	Resolution  canvas.Resolution // resolution for PNG output
	Labels      bool              // draw FID labels on PNG output
}

// NewPreviewRenderer creates a renderer with default settings.
func NewPreviewRenderer(r *Report) *PreviewRenderer {
	return &PreviewRenderer{
		Report:      r,
		Width:       200,
		Padding:     10,
		StrokeWidth: 0.5,
		Resolution:  canvas.DPI(150),
		Labels:      true,
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// viewport maps layer coordinates onto the drawing.
type viewport struct {
	bound         orb.Bound
	scale         float64
	padding       float64
	width, height float64
}

func (v viewport) toCanvas(p orb.Point) (float64, float64) {
	return (p[0]-v.bound.Min[0])*v.scale + v.padding, (p[1]-v.bound.Min[1])*v.scale + v.padding
}

func (pr *PreviewRenderer) viewport() (viewport, error) {
	var b orb.Bound
	found := false
	for _, f := range pr.Report.Invalid {
		for _, g := range []orb.Geometry{f.Geometry, f.Repaired} {
			if IsEmptyGeometry(g) {
				continue
			}
			if !found {
				b, found = g.Bound(), true
				continue
			}
			b = b.Union(g.Bound())
		}
	}
	if !found {
		return viewport{}, ErrNothingToRender
	}

	dx, dy := b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]
	extent := math.Max(dx, dy)
	if extent == 0 {
		extent = 1
	}
	inner := pr.Width - 2*pr.Padding
	if inner <= 0 {
		inner = pr.Width
	}
	scale := inner / extent
	return viewport{
		bound:   b,
		scale:   scale,
		padding: pr.Padding,
		width:   dx*scale + 2*pr.Padding,
		height:  dy*scale + 2*pr.Padding,
	}, nil
}

// RenderToSVG writes the preview as an SVG to the provided writer
func (pr *PreviewRenderer) RenderToSVG(w io.Writer) error {
	vp, err := pr.viewport()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, vp.width, vp.height, nil)
	pr.renderToCanvas(svgRenderer, vp)
	return svgRenderer.Close()
}

// RenderToPNG writes the preview as a PNG to the provided writer
func (pr *PreviewRenderer) RenderToPNG(w io.Writer) error {
	vp, err := pr.viewport()
	if err != nil {
		return err
	}
	rast := rasterizer.New(vp.width, vp.height, pr.Resolution, canvas.DefaultColorSpace)
	pr.renderToCanvas(rast, vp)

	img := image.NewRGBA(rast.Bounds())
	draw.Draw(img, img.Bounds(), rast, rast.Bounds().Min, draw.Src)
	if pr.Labels {
		pr.drawLabels(img, vp)
	}
	return png.Encode(w, img)
}

func (pr *PreviewRenderer) renderToCanvas(renderer canvasRenderer, vp viewport) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(vp.width, vp.height), bgStyle, canvas.Identity)

	repaired := canvas.DefaultStyle
	repaired.Fill = canvas.Paint{Color: nrgbaToRGBA(repairedFill)}
	repaired.Stroke = canvas.Paint{Color: nrgbaToRGBA(repairedStroke)}
	repaired.StrokeWidth = pr.StrokeWidth

	invalid := canvas.DefaultStyle
	invalid.Fill = canvas.Paint{Color: nrgbaToRGBA(invalidFill)}
	invalid.Stroke = canvas.Paint{Color: nrgbaToRGBA(invalidStroke)}
	invalid.StrokeWidth = pr.StrokeWidth
	invalid.Dashes = []float64{2 * pr.StrokeWidth, pr.StrokeWidth}

	for _, f := range pr.Report.Invalid {
		pr.renderGeometry(renderer, vp, f.Repaired, repaired)
	}
	for _, f := range pr.Report.Invalid {
		pr.renderGeometry(renderer, vp, f.Geometry, invalid)
	}
}

func (pr *PreviewRenderer) renderGeometry(renderer canvasRenderer, vp viewport, g orb.Geometry, style canvas.Style) {
	lineStyle := style
	lineStyle.Fill = canvas.Paint{Color: canvas.Transparent}

	switch g := g.(type) {
	case orb.Point:
		x, y := vp.toCanvas(g)
		renderer.RenderPath(canvas.Circle(2*pr.StrokeWidth).Translate(x, y), style, canvas.Identity)
	case orb.MultiPoint:
		for _, p := range g {
			pr.renderGeometry(renderer, vp, p, style)
		}
	case orb.LineString:
		renderer.RenderPath(tracePath(vp, g, false), lineStyle, canvas.Identity)
	case orb.MultiLineString:
		for _, ls := range g {
			renderer.RenderPath(tracePath(vp, ls, false), lineStyle, canvas.Identity)
		}
	case orb.Ring:
		renderer.RenderPath(tracePath(vp, g, true), style, canvas.Identity)
	case orb.Polygon:
		cp := &canvas.Path{}
		for _, r := range g {
			appendPath(cp, vp, r, true)
		}
		renderer.RenderPath(cp, style, canvas.Identity)
	case orb.MultiPolygon:
		for _, p := range g {
			pr.renderGeometry(renderer, vp, p, style)
		}
	case orb.Collection:
		for _, c := range g {
			pr.renderGeometry(renderer, vp, c, style)
		}
	}
}

func tracePath(vp viewport, pts []orb.Point, closed bool) *canvas.Path {
	cp := &canvas.Path{}
	appendPath(cp, vp, pts, closed)
	return cp
}

func appendPath(cp *canvas.Path, vp viewport, pts []orb.Point, closed bool) {
	for i, p := range pts {
		x, y := vp.toCanvas(p)
		if i == 0 {
			cp.MoveTo(x, y)
		} else {
			cp.LineTo(x, y)
		}
	}
	if closed && len(pts) > 0 {
		cp.Close()
	}
}

// drawLabels writes each invalid feature's FID next to its first coordinate.
func (pr *PreviewRenderer) drawLabels(img *image.RGBA, vp viewport) {
	bounds := img.Bounds()
	for _, f := range pr.Report.Invalid {
		var anchor orb.Point
		found := false
		eachPoint(f.Geometry, func(p orb.Point) bool {
			anchor, found = p, true
			return false
		})
		if !found {
			continue
		}
		cx, cy := vp.toCanvas(anchor)
		px := int(cx / vp.width * float64(bounds.Dx()))
		py := int((1 - cy/vp.height) * float64(bounds.Dy()))
		drawText(img, px+3, py-3, strconv.FormatInt(f.FID, 10), color.RGBA{0, 0, 0, 255})
	}
}

// drawText renders text using the basic font
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
