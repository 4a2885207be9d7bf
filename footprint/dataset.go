package footprint

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrTooManyPoints is returned by Crop when a region holds more points than
// the caller allowed.
var ErrTooManyPoints = errors.New("tile exceeds max_tile_points")

// DatasetMeta is what can be learned about a dataset without reading its
// point records.
type DatasetMeta struct {
	Path       string
	Format     string
	Bounds     BoundingBox
	PointCount uint64 // 0 when unknown
}

// Dataset is a read-only point source. Implementations must be safe to open
// independently in every worker; a single Dataset value is used by one
// worker at a time.
type Dataset interface {
	Meta() DatasetMeta
	// Crop streams the points inside region to fn. When limit > 0 and more
	// than limit points match, Crop stops and returns ErrTooManyPoints.
	Crop(region CropRegion, limit int, fn func(Point) error) error
	Close() error
}

// OpenDataset opens a dataset by file extension: .las for LAS files,
// .xyz/.txt/.csv for delimited text.
func OpenDataset(path string) (Dataset, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".las":
		return OpenLAS(path)
	case ".xyz", ".txt", ".csv", ".pts":
		return OpenText(path, TextOptions{})
	case ".laz":
		return nil, configErrorf("dataset", "%s is LAZ-compressed; decompress it to .las first", path)
	default:
		return nil, configErrorf("dataset", "unsupported point file extension %q", ext)
	}
}

// DatasetExtent returns the dataset's bounding rectangle from metadata.
func DatasetExtent(ds Dataset) (BoundingBox, error) {
	meta := ds.Meta()
	if !meta.Bounds.Valid() {
		return BoundingBox{}, configErrorf("dataset", "%s has a degenerate extent %s", meta.Path, meta.Bounds)
	}
	return meta.Bounds, nil
}

// CropPoints collects the points of a region into a slice.
func CropPoints(ds Dataset, region CropRegion, limit int) ([]Point, error) {
	var points []Point
	err := ds.Crop(region, limit, func(p Point) error {
		points = append(points, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

// MemoryDataset serves points from memory. It backs tests and small
// synthetic inputs.
type MemoryDataset struct {
	Name   string
	Points []Point
	bounds BoundingBox
}

// NewMemoryDataset computes the extent of points once.
func NewMemoryDataset(name string, points []Point) *MemoryDataset {
	ds := &MemoryDataset{Name: name, Points: points}
	if len(points) > 0 {
		b := BoundingBox{MinX: points[0].X, MinY: points[0].Y, MaxX: points[0].X, MaxY: points[0].Y}
		for _, p := range points[1:] {
			b = extendBox(b, p.X, p.Y)
		}
		ds.bounds = b
	}
	return ds
}

func (m *MemoryDataset) Meta() DatasetMeta {
	return DatasetMeta{Path: m.Name, Format: "memory", Bounds: m.bounds, PointCount: uint64(len(m.Points))}
}

func (m *MemoryDataset) Crop(region CropRegion, limit int, fn func(Point) error) error {
	n := 0
	for _, p := range m.Points {
		if !region.Contains(p.X, p.Y) {
			continue
		}
		n++
		if limit > 0 && n > limit {
			return fmt.Errorf("%w (%d)", ErrTooManyPoints, limit)
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryDataset) Close() error { return nil }

func extendBox(b BoundingBox, x, y float64) BoundingBox {
	if x < b.MinX {
		b.MinX = x
	}
	if x > b.MaxX {
		b.MaxX = x
	}
	if y < b.MinY {
		b.MinY = y
	}
	if y > b.MaxY {
		b.MaxY = y
	}
	return b
}
