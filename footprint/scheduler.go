package footprint

import (
	"fmt"
	"math"
)

// MaxTiles caps the number of tiles a single Partition call will plan.
const MaxTiles = 1 << 20

// Partition splits bbox into square tiles of side tileSize, walking columns
// by increasing x and, inside each column, rows by increasing y. Edge tiles
// are clipped to the extent. Grid lines are computed as min + k*tileSize so
// neighbouring tiles share bit-identical edges.
func Partition(bbox BoundingBox, tileSize float64) ([]Tile, error) {
	if math.IsNaN(tileSize) || math.IsInf(tileSize, 0) || tileSize <= 0 {
		return nil, configErrorf("tile_size", "must be a positive number, got %v", tileSize)
	}
	if !bbox.Valid() {
		return nil, configErrorf("extent", "degenerate bounding box %s", bbox)
	}

	if n := math.Ceil(bbox.Width()/tileSize) * math.Ceil(bbox.Height()/tileSize); n > MaxTiles {
		return nil, configErrorf("tile_size", "%v splits %s into about %.3g tiles, more than %d", tileSize, bbox, n, MaxTiles)
	}

	cols := gridSteps(bbox.MinX, bbox.MaxX, tileSize)
	rows := gridSteps(bbox.MinY, bbox.MaxY, tileSize)

	tiles := make([]Tile, 0, cols*rows)
	for i := 0; i < cols; i++ {
		x0 := bbox.MinX + float64(i)*tileSize
		x1 := math.Min(bbox.MinX+float64(i+1)*tileSize, bbox.MaxX)
		for j := 0; j < rows; j++ {
			y0 := bbox.MinY + float64(j)*tileSize
			y1 := math.Min(bbox.MinY+float64(j+1)*tileSize, bbox.MaxY)
			tiles = append(tiles, Tile{
				ID:         len(tiles),
				I:          i,
				J:          j,
				Bounds:     BoundingBox{MinX: x0, MinY: y0, MaxX: x1, MaxY: y1},
				LastColumn: i == cols-1,
				LastRow:    j == rows-1,
			})
		}
	}
	return tiles, nil
}

// gridSteps counts the grid lines lo + k*size that lie strictly below hi.
func gridSteps(lo, hi, size float64) int {
	n := int(math.Ceil((hi - lo) / size))
	// the division can drift by one ulp either way
	for n > 1 && lo+float64(n-1)*size >= hi {
		n--
	}
	for lo+float64(n)*size < hi {
		n++
	}
	return n
}

// WithOverlap returns a copy of tiles whose crop window is widened by overlap.
func WithOverlap(tiles []Tile, overlap float64) []Tile {
	if overlap <= 0 {
		return tiles
	}
	out := make([]Tile, len(tiles))
	for i, t := range tiles {
		t.Overlap = overlap
		out[i] = t
	}
	return out
}

// PlanKey identifies a tiling of a dataset so ledger entries from a previous
// run can be matched to the current plan.
func PlanKey(dataset string, bbox BoundingBox, tileSize, overlap float64) string {
	return fmt.Sprintf("%s|%.6f,%.6f,%.6f,%.6f|%g|%g",
		dataset, bbox.MinX, bbox.MinY, bbox.MaxX, bbox.MaxY, tileSize, overlap)
}
