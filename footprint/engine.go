package footprint

import (
	"errors"
	"fmt"
	"math"
)

// Engine is the point-cloud processing backend a TileWorker drives. The
// native implementation below is pure Go; anything that satisfies the
// interface (for example a wrapper around an external toolkit) can replace it.
type Engine interface {
	Crop(ds Dataset, region CropRegion, limit int) ([]Point, error)
	ClassifyGround(points []Point, params GroundConfig) ([]Point, error)
	HeightAboveGround(points []Point, params GroundConfig) ([]Point, error)
	Cluster(points []Point, params ClusterConfig) ([]Point, error)
}

// ErrNoGround is returned when a tile holds no ground points to measure
// heights against.
var ErrNoGround = errors.New("no ground points in tile")

// NativeEngine implements Engine with grid-based algorithms:
//   - ground: slope-tolerant grid minimum (a morphological erosion of the
//     per-cell minimum surface, in the spirit of SMRF/PMF)
//   - HAG: difference to the mean ground elevation of the nearest ground cell
//   - clusters: Euclidean cluster extraction over a uniform grid index
type NativeEngine struct{}

func (NativeEngine) Crop(ds Dataset, region CropRegion, limit int) ([]Point, error) {
	return CropPoints(ds, region, limit)
}

// gridKey addresses one cell of a uniform 2-D grid.
type gridKey struct{ x, y int64 }

func cellOf(x, y, size float64) gridKey {
	return gridKey{int64(math.Floor(x / size)), int64(math.Floor(y / size))}
}

// ClassifyGround marks a point as ground when it lies within Threshold of the
// eroded minimum surface. The surface at a cell is the lowest of
// min(z) + Slope*distance over all cells within Window/2, so terrain may rise
// by Slope without being cut away while objects narrower than Window stand out.
func (NativeEngine) ClassifyGround(points []Point, params GroundConfig) ([]Point, error) {
	if params.CellSize <= 0 {
		return nil, fmt.Errorf("ground cell size must be positive, got %v", params.CellSize)
	}
	if len(points) == 0 {
		return points, nil
	}

	minZ := make(map[gridKey]float64)
	for _, p := range points {
		k := cellOf(p.X, p.Y, params.CellSize)
		if z, ok := minZ[k]; !ok || p.Z < z {
			minZ[k] = p.Z
		}
	}

	radius := int64(math.Ceil(params.Window / 2 / params.CellSize))
	surface := make(map[gridKey]float64, len(minZ))
	for k := range minZ {
		best := math.Inf(1)
		for dx := -radius; dx <= radius; dx++ {
			for dy := -radius; dy <= radius; dy++ {
				z, ok := minZ[gridKey{k.x + dx, k.y + dy}]
				if !ok {
					continue
				}
				dist := math.Hypot(float64(dx), float64(dy)) * params.CellSize
				if dist > params.Window/2+params.CellSize/2 {
					continue
				}
				if v := z + params.Slope*dist; v < best {
					best = v
				}
			}
		}
		surface[k] = best
	}

	out := make([]Point, len(points))
	for i, p := range points {
		p.Ground = p.Z-surface[cellOf(p.X, p.Y, params.CellSize)] <= params.Threshold
		out[i] = p
	}
	return out, nil
}

// HeightAboveGround sets HAG from the mean elevation of ground points in the
// nearest grid cell that has any. Negative heights clamp to zero.
func (NativeEngine) HeightAboveGround(points []Point, params GroundConfig) ([]Point, error) {
	if params.CellSize <= 0 {
		return nil, fmt.Errorf("ground cell size must be positive, got %v", params.CellSize)
	}
	type acc struct {
		sum float64
		n   int
	}
	cells := make(map[gridKey]*acc)
	var lo, hi gridKey
	first := true
	for _, p := range points {
		k := cellOf(p.X, p.Y, params.CellSize)
		if first {
			lo, hi = k, k
			first = false
		}
		lo.x, lo.y = min(lo.x, k.x), min(lo.y, k.y)
		hi.x, hi.y = max(hi.x, k.x), max(hi.y, k.y)
		if !p.Ground {
			continue
		}
		a := cells[k]
		if a == nil {
			a = &acc{}
			cells[k] = a
		}
		a.sum += p.Z
		a.n++
	}
	if len(cells) == 0 {
		if len(points) == 0 {
			return points, nil
		}
		return nil, ErrNoGround
	}

	ground := make(map[gridKey]float64, len(cells))
	for k, a := range cells {
		ground[k] = a.sum / float64(a.n)
	}

	maxRing := max(hi.x-lo.x, hi.y-lo.y) + 1
	nearest := make(map[gridKey]float64)
	lookup := func(k gridKey) float64 {
		if z, ok := nearest[k]; ok {
			return z
		}
		z := nearestGround(ground, k, maxRing)
		nearest[k] = z
		return z
	}

	out := make([]Point, len(points))
	for i, p := range points {
		p.HAG = math.Max(0, p.Z-lookup(cellOf(p.X, p.Y, params.CellSize)))
		out[i] = p
	}
	return out, nil
}

// nearestGround searches square rings around k and returns the ground value
// of the closest occupied cell (by cell-centre distance).
func nearestGround(ground map[gridKey]float64, k gridKey, maxRing int64) float64 {
	if z, ok := ground[k]; ok {
		return z
	}
	for r := int64(1); r <= maxRing; r++ {
		best := math.Inf(1)
		z := 0.0
		for dx := -r; dx <= r; dx++ {
			for dy := -r; dy <= r; dy++ {
				if max(abs64(dx), abs64(dy)) != r {
					continue
				}
				v, ok := ground[gridKey{k.x + dx, k.y + dy}]
				if !ok {
					continue
				}
				if d := float64(dx*dx + dy*dy); d < best {
					best, z = d, v
				}
			}
		}
		if !math.IsInf(best, 1) {
			return z
		}
	}
	return 0
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// SpatialIndex buckets point indexes into square cells so neighbourhood
// queries only look at the 3x3 block around a point.
type SpatialIndex struct {
	CellSize float64
	Grid     map[gridKey][]int
}

// NewSpatialIndex builds an index over the X/Y coordinates of points.
func NewSpatialIndex(points []Point, cellSize float64) *SpatialIndex {
	si := &SpatialIndex{CellSize: cellSize, Grid: make(map[gridKey][]int)}
	for i, p := range points {
		k := cellOf(p.X, p.Y, cellSize)
		si.Grid[k] = append(si.Grid[k], i)
	}
	return si
}

// RegionQuery returns the indexes of points within eps (3-D distance) of
// points[idx]. eps must not exceed the index cell size.
func (si *SpatialIndex) RegionQuery(points []Point, idx int, eps float64) []int {
	p := points[idx]
	k := cellOf(p.X, p.Y, si.CellSize)
	eps2 := eps * eps
	var neighbors []int
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for _, j := range si.Grid[gridKey{k.x + dx, k.y + dy}] {
				q := points[j]
				ddx, ddy, ddz := q.X-p.X, q.Y-p.Y, q.Z-p.Z
				if ddx*ddx+ddy*ddy+ddz*ddz <= eps2 {
					neighbors = append(neighbors, j)
				}
			}
		}
	}
	return neighbors
}

// Cluster performs Euclidean cluster extraction: points closer than
// Tolerance are connected, and each connected component with a size in
// [MinSize, MaxSize] becomes a cluster. Labels are 1..k in order of each
// cluster's first point; everything else gets label 0.
func (NativeEngine) Cluster(points []Point, params ClusterConfig) ([]Point, error) {
	if params.Tolerance <= 0 {
		return nil, fmt.Errorf("cluster tolerance must be positive, got %v", params.Tolerance)
	}
	out := make([]Point, len(points))
	copy(out, points)
	if len(out) == 0 {
		return out, nil
	}

	si := NewSpatialIndex(out, params.Tolerance)
	visited := make([]bool, len(out))
	label := 0
	var queue []int
	for i := range out {
		out[i].Cluster = 0
	}
	for i := range out {
		if visited[i] {
			continue
		}
		visited[i] = true
		queue = append(queue[:0], i)
		for head := 0; head < len(queue); head++ {
			for _, j := range si.RegionQuery(out, queue[head], params.Tolerance) {
				if !visited[j] {
					visited[j] = true
					queue = append(queue, j)
				}
			}
		}

		size := len(queue)
		if size < params.MinSize || (params.MaxSize > 0 && size > params.MaxSize) {
			continue
		}
		label++
		for _, j := range queue {
			out[j].Cluster = label
		}
	}
	return out, nil
}
