package footprint

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// TileProcessor turns one tile into footprints. TileWorker is the real
// implementation; tests substitute fakes.
type TileProcessor interface {
	Process(ctx context.Context, tile Tile) ([]TileFootprint, error)
}

// TileWorker runs the per-tile pipeline against one dataset handle. A
// TileWorker is used by a single goroutine at a time and never writes to
// shared output; its result is returned to the caller.
type TileWorker struct {
	Dataset Dataset
	Engine  Engine
	Params  Params
}

// NewTileWorker returns a worker using the native engine when eng is nil.
func NewTileWorker(ds Dataset, eng Engine, params Params) *TileWorker {
	if eng == nil {
		eng = NativeEngine{}
	}
	return &TileWorker{Dataset: ds, Engine: eng, Params: params}
}

// Process crops the tile, separates ground, keeps points at least
// HeightThreshold above it, clusters them and outlines each cluster.
// Tiles with too few elevated points yield an empty result and no error.
// Every failure, including a panic in the engine, is returned as a
// *TileProcessingError.
func (w *TileWorker) Process(ctx context.Context, tile Tile) (fps []TileFootprint, err error) {
	defer func() {
		if r := recover(); r != nil {
			fps = nil
			err = &TileProcessingError{TileID: tile.ID, Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
		}
	}()

	fps, err = w.process(ctx, tile)
	if err != nil {
		var tpe *TileProcessingError
		if errors.As(err, &tpe) {
			return nil, err
		}
		return nil, &TileProcessingError{TileID: tile.ID, Err: err}
	}
	return fps, nil
}

func (w *TileWorker) process(ctx context.Context, tile Tile) ([]TileFootprint, error) {
	p := w.Params

	points, err := w.Engine.Crop(w.Dataset, tile.CropRegion(), p.MaxTilePoints)
	if err != nil {
		return nil, fmt.Errorf("crop: %w", err)
	}
	points = filterClasses(points, p.Filter)
	if len(points) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	points, err = w.Engine.ClassifyGround(points, p.Ground)
	if err != nil {
		return nil, fmt.Errorf("ground classification: %w", err)
	}
	points, err = w.Engine.HeightAboveGround(points, p.Ground)
	if err != nil {
		return nil, fmt.Errorf("height above ground: %w", err)
	}

	elevated := points[:0]
	for _, pt := range points {
		if pt.HAG >= p.Filter.HeightThreshold {
			elevated = append(elevated, pt)
		}
	}
	if len(elevated) < p.Filter.MinTilePoints || len(elevated) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clustered, err := w.Engine.Cluster(elevated, p.Cluster)
	if err != nil {
		return nil, fmt.Errorf("clustering: %w", err)
	}
	return footprintsFromClusters(tile, clustered, p), nil
}

// filterClasses applies the keep/drop classification lists.
func filterClasses(points []Point, f FilterConfig) []Point {
	if len(f.DropClasses) == 0 && len(f.KeepClasses) == 0 {
		return points
	}
	drop := make(map[uint8]bool, len(f.DropClasses))
	for _, c := range f.DropClasses {
		drop[uint8(c)] = true
	}
	keep := make(map[uint8]bool, len(f.KeepClasses))
	for _, c := range f.KeepClasses {
		keep[uint8(c)] = true
	}
	out := points[:0]
	for _, p := range points {
		if drop[p.Classification] {
			continue
		}
		if len(keep) > 0 && !keep[p.Classification] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// outlinePolygon outlines one cluster. A concave outline that cannot be
// formed falls back to the convex hull.
func outlinePolygon(pts []Point, cfg FootprintConfig) orb.Polygon {
	if cfg.Hull == HullConcave {
		if poly := ConcaveHullPolygon(pts, cfg.Alpha); poly != nil {
			return poly
		}
	}
	return HullPolygon(pts)
}

// footprintsFromClusters outlines each labelled cluster and drops the ones
// below the area or size thresholds. Output is ordered by cluster label.
func footprintsFromClusters(tile Tile, points []Point, p Params) []TileFootprint {
	members := make(map[int][]Point)
	for _, pt := range points {
		if pt.Cluster > 0 {
			members[pt.Cluster] = append(members[pt.Cluster], pt)
		}
	}
	labels := make([]int, 0, len(members))
	for l := range members {
		labels = append(labels, l)
	}
	sort.Ints(labels)

	var out []TileFootprint
	for _, l := range labels {
		pts := members[l]
		if len(pts) < p.Cluster.MinSize {
			continue
		}
		poly := outlinePolygon(pts, p.Footprint)
		if poly == nil {
			continue
		}
		area := geometryArea(poly)
		if area < p.Footprint.MinBuildingArea {
			continue
		}
		heights := make([]float64, len(pts))
		for i, pt := range pts {
			heights[i] = pt.HAG
		}
		sort.Float64s(heights)
		out = append(out, TileFootprint{
			TileID:     tile.ID,
			ClusterID:  l,
			Polygon:    poly,
			Area:       area,
			PointCount: len(pts),
			HeightMax:  floats.Max(heights),
			HeightP95:  stat.Quantile(0.95, stat.Empirical, heights, nil),
		})
	}
	return out
}
