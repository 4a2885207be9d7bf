package footprint

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// BuildingsFeatureCollection converts merged buildings into a GeoJSON
// FeatureCollection, one feature per building, in building ID order as given.
func BuildingsFeatureCollection(buildings []MergedBuilding) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, b := range buildings {
		fc.Append(buildingFeature(b))
	}
	return fc
}

func buildingFeature(b MergedBuilding) *geojson.Feature {
	f := geojson.NewFeature(b.Geometry)
	f.ID = b.BuildingID
	f.Properties["building_id"] = b.BuildingID
	f.Properties["area_m2"] = round2(b.Area)
	f.Properties["point_count"] = b.PointCount
	f.Properties["height_max"] = round2(b.HeightMax)
	f.Properties["height_p95"] = round2(b.HeightP95)
	f.Properties["tile_count"] = tileCount(b.Contributors)
	return f
}

func tileCount(refs []FootprintRef) int {
	tiles := make(map[int]struct{}, len(refs))
	for _, r := range refs {
		tiles[r.TileID] = struct{}{}
	}
	return len(tiles)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ExportBuildings writes the buildings to w as a GeoJSON FeatureCollection.
// An empty slice produces a valid, empty collection.
func ExportBuildings(w io.Writer, buildings []MergedBuilding) error {
	data, err := json.Marshal(BuildingsFeatureCollection(buildings))
	if err != nil {
		return fmt.Errorf("marshal buildings: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write buildings: %w", err)
	}
	return nil
}

// WriteBuildingsFile writes the buildings to path. The file is written next
// to its destination and renamed into place, so readers see either the old
// file or the complete new one.
func WriteBuildingsFile(path string, buildings []MergedBuilding) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create buildings file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := ExportBuildings(tmp, buildings); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync buildings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close buildings file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename buildings file: %w", err)
	}
	return nil
}

// LoadBuildingsFile reads a file written by WriteBuildingsFile back into
// buildings. Contributors are not stored in the file and come back empty.
func LoadBuildingsFile(path string) ([]MergedBuilding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read buildings file: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal buildings file: %w", err)
	}
	out := make([]MergedBuilding, 0, len(fc.Features))
	for i, f := range fc.Features {
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return nil, fmt.Errorf("buildings file feature %d: geometry is %T", i, f.Geometry)
		}
		out = append(out, MergedBuilding{
			BuildingID: propInt(f.Properties, "building_id"),
			Geometry:   f.Geometry,
			Area:       propFloat(f.Properties, "area_m2"),
			PointCount: propInt(f.Properties, "point_count"),
			HeightMax:  propFloat(f.Properties, "height_max"),
			HeightP95:  propFloat(f.Properties, "height_p95"),
		})
	}
	return out, nil
}
