package footprint

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// BoundingBox is an axis-aligned rectangle in dataset coordinates (meters).
type BoundingBox struct {
	MinX float64 `json:"minx" yaml:"minx"`
	MinY float64 `json:"miny" yaml:"miny"`
	MaxX float64 `json:"maxx" yaml:"maxx"`
	MaxY float64 `json:"maxy" yaml:"maxy"`
}

// Valid reports whether the box has finite coordinates and positive extent
// on both axes.
func (b BoundingBox) Valid() bool {
	for _, v := range []float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.MinX < b.MaxX && b.MinY < b.MaxY
}

func (b BoundingBox) Width() float64  { return b.MaxX - b.MinX }
func (b BoundingBox) Height() float64 { return b.MaxY - b.MinY }
func (b BoundingBox) Area() float64   { return b.Width() * b.Height() }

// Contains reports whether (x, y) lies inside the closed rectangle.
func (b BoundingBox) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Expand grows the box by d on every side.
func (b BoundingBox) Expand(d float64) BoundingBox {
	return BoundingBox{MinX: b.MinX - d, MinY: b.MinY - d, MaxX: b.MaxX + d, MaxY: b.MaxY + d}
}

// Bound converts the box to an orb.Bound.
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

// Polygon returns the box outline as a closed counter-clockwise polygon.
func (b BoundingBox) Polygon() orb.Polygon {
	return orb.Polygon{orb.Ring{
		{b.MinX, b.MinY}, {b.MaxX, b.MinY}, {b.MaxX, b.MaxY}, {b.MinX, b.MaxY}, {b.MinX, b.MinY},
	}}
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f, %.3f)", b.MinX, b.MinY, b.MaxX, b.MaxY)
}

// Tile is one cell of the partition of a dataset extent. Tiles of a plan are
// pairwise interior-disjoint and their union is the full extent.
type Tile struct {
	ID     int         `json:"id"`
	I      int         `json:"i"`
	J      int         `json:"j"`
	Bounds BoundingBox `json:"bounds"`

	// LastColumn and LastRow mark tiles whose max edge is the dataset max edge.
	// Points on that edge belong to them; every other max edge is open.
	LastColumn bool `json:"last_column,omitempty"`
	LastRow    bool `json:"last_row,omitempty"`

	// Overlap widens the read window only. Bounds still partition the extent.
	Overlap float64 `json:"overlap,omitempty"`
}

// Owns reports whether the point (x, y) is assigned to this tile under the
// half-open partition rule, so no point is owned by two tiles.
func (t Tile) Owns(x, y float64) bool {
	b := t.Bounds
	if x < b.MinX || y < b.MinY {
		return false
	}
	if x > b.MaxX || (x == b.MaxX && !t.LastColumn) {
		return false
	}
	if y > b.MaxY || (y == b.MaxY && !t.LastRow) {
		return false
	}
	return true
}

// CropRegion returns the read window used when cropping points for this tile.
func (t Tile) CropRegion() CropRegion {
	if t.Overlap > 0 {
		return CropRegion{Bounds: t.Bounds.Expand(t.Overlap), ClosedMaxX: true, ClosedMaxY: true}
	}
	return CropRegion{Bounds: t.Bounds, ClosedMaxX: t.LastColumn, ClosedMaxY: t.LastRow}
}

func (t Tile) String() string {
	return fmt.Sprintf("tile %d [%d,%d] %s", t.ID, t.I, t.J, t.Bounds)
}

// CropRegion is a rectangle with open or closed max edges.
type CropRegion struct {
	Bounds     BoundingBox
	ClosedMaxX bool
	ClosedMaxY bool
}

// Contains applies the region's edge rules to (x, y).
func (r CropRegion) Contains(x, y float64) bool {
	b := r.Bounds
	if x < b.MinX || y < b.MinY {
		return false
	}
	if x > b.MaxX || (x == b.MaxX && !r.ClosedMaxX) {
		return false
	}
	if y > b.MaxY || (y == b.MaxY && !r.ClosedMaxY) {
		return false
	}
	return true
}

// Point is a single lidar return plus the per-point attributes the engine
// derives while processing a tile.
type Point struct {
	X, Y, Z        float64
	Intensity      uint16
	Classification uint8

	Ground  bool    // set by ClassifyGround
	HAG     float64 // height above ground, set by HeightAboveGround
	Cluster int     // cluster label, 0 means unclustered
}

// TileFootprint is the outline of one cluster detected inside one tile.
type TileFootprint struct {
	TileID     int         `json:"tile_id"`
	ClusterID  int         `json:"cluster_id"`
	Polygon    orb.Polygon `json:"polygon"`
	Area       float64     `json:"area"`
	PointCount int         `json:"point_count"`
	HeightMax  float64     `json:"height_max"`
	HeightP95  float64     `json:"height_p95"`
}

// Ref identifies the footprint by its tile and cluster.
func (f TileFootprint) Ref() FootprintRef {
	return FootprintRef{TileID: f.TileID, ClusterID: f.ClusterID}
}

// FootprintRef points back at a TileFootprint that contributed to a building.
type FootprintRef struct {
	TileID    int `json:"tile_id"`
	ClusterID int `json:"cluster_id"`
}

// MergedBuilding is the final, deduplicated outline of one building.
// Geometry is an orb.Polygon, or an orb.MultiPolygon when the union of the
// buffered contributors comes back in several pieces.
type MergedBuilding struct {
	BuildingID   int
	Geometry     orb.Geometry
	Area         float64
	PointCount   int
	HeightMax    float64
	HeightP95    float64
	Contributors []FootprintRef
}
