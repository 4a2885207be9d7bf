package footprint

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/colornames"
)

// buildingPalette is cycled through by building ID.
var buildingPalette = []color.RGBA{
	colornames.Steelblue,
	colornames.Darkorange,
	colornames.Mediumseagreen,
	colornames.Orchid,
	colornames.Goldenrod,
	colornames.Slateblue,
	colornames.Indianred,
	colornames.Teal,
}

var tileColors = map[TileStatus]color.RGBA{
	TileOK:     colornames.Honeydew,
	TileEmpty:  colornames.Whitesmoke,
	TileFailed: colornames.Mistyrose,
}

// Preview renders the tile grid and the merged buildings of a run.
type Preview struct {
	Bounds     BoundingBox
	Tiles      []Tile
	Status     map[int]TileStatus // by tile ID; missing tiles are drawn unprocessed
	Buildings  []MergedBuilding
	Size       float64           // length of the longer side, in canvas millimetres
	Padding    float64           // in canvas millimetres
	Resolution canvas.Resolution // for PNG output
}

// NewPreview creates a preview with default settings.
func NewPreview(bounds BoundingBox, tiles []Tile, status map[int]TileStatus, buildings []MergedBuilding) *Preview {
	return &Preview{
		Bounds:     bounds,
		Tiles:      tiles,
		Status:     status,
		Buildings:  buildings,
		Size:       500,
		Padding:    10,
		Resolution: canvas.DPMM(4),
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (p *Preview) dimensions() (scale, width, height float64) {
	w, h := p.Bounds.Width(), p.Bounds.Height()
	longest := math.Max(w, h)
	if longest <= 0 {
		longest = 1
	}
	scale = p.Size / longest
	return scale, w*scale + 2*p.Padding, h*scale + 2*p.Padding
}

// RenderToSVG writes the preview as an SVG to w.
func (p *Preview) RenderToSVG(w io.Writer) error {
	scale, width, height := p.dimensions()
	svgRenderer := svg.New(w, width, height, nil)
	p.render(svgRenderer, scale, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the preview as a PNG to w.
func (p *Preview) RenderToPNG(w io.Writer) error {
	scale, width, height := p.dimensions()
	rast := rasterizer.New(width, height, p.Resolution, canvas.DefaultColorSpace)
	p.render(rast, scale, width, height)
	return png.Encode(w, rast)
}

// WriteFile renders to path, choosing PNG or SVG by extension.
func (p *Preview) WriteFile(path string) error {
	var render func(io.Writer) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		render = p.RenderToPNG
	case ".svg":
		render = p.RenderToSVG
	default:
		return fmt.Errorf("preview %s: unsupported format (want .svg or .png)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create preview directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create preview: %w", err)
	}
	defer f.Close()

	if err := render(f); err != nil {
		return fmt.Errorf("render preview: %w", err)
	}
	return f.Close()
}

func (p *Preview) render(r canvasRenderer, scale, width, height float64) {
	// canvas has y pointing up, like the dataset, so no flip is needed.
	toCanvas := func(x, y float64) (float64, float64) {
		return (x-p.Bounds.MinX)*scale + p.Padding, (y-p.Bounds.MinY)*scale + p.Padding
	}

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	r.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	tileStyle := canvas.DefaultStyle
	tileStyle.Stroke = canvas.Paint{Color: canvas.Gray}
	tileStyle.StrokeWidth = 0.3
	tileStyle.Dashes = []float64{2.0, 1.0}
	for _, t := range p.Tiles {
		c, ok := tileColors[p.Status[t.ID]]
		if !ok {
			c = colornames.White
		}
		tileStyle.Fill = canvas.Paint{Color: c}
		x0, y0 := toCanvas(t.Bounds.MinX, t.Bounds.MinY)
		path := canvas.Rectangle(t.Bounds.Width()*scale, t.Bounds.Height()*scale).Translate(x0, y0)
		r.RenderPath(path, tileStyle, canvas.Identity)
	}

	buildingStyle := canvas.DefaultStyle
	buildingStyle.Stroke = canvas.Paint{Color: canvas.Black}
	buildingStyle.StrokeWidth = 0.2
	buildingStyle.FillRule = canvas.EvenOdd
	for _, b := range p.Buildings {
		buildingStyle.Fill = canvas.Paint{Color: buildingPalette[(b.BuildingID)%len(buildingPalette)]}
		path := &canvas.Path{}
		for _, ring := range buildingRings(b.Geometry) {
			for i, pt := range ring {
				cx, cy := toCanvas(pt[0], pt[1])
				if i == 0 {
					path.MoveTo(cx, cy)
				} else {
					path.LineTo(cx, cy)
				}
			}
			path.Close()
		}
		r.RenderPath(path, buildingStyle, canvas.Identity)
	}
}

func buildingRings(g orb.Geometry) []orb.Ring {
	switch v := g.(type) {
	case orb.Polygon:
		return v
	case orb.MultiPolygon:
		var rings []orb.Ring
		for _, poly := range v {
			rings = append(rings, poly...)
		}
		return rings
	}
	return nil
}
