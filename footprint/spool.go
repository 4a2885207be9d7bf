package footprint

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Spool is the durable store of tile footprints: a GeoJSON FeatureCollection
// written one feature at a time, so memory stays flat however many tiles a
// run has. It is written to a temporary file and renamed into place on Close,
// so a reader never sees a truncated collection and the previous spool stays
// readable until the new one replaces it. Paths ending in .zst are
// zstd-compressed.
type Spool struct {
	path    string
	tmpPath string
	file    *os.File
	buf     *bufio.Writer
	zw      *zstd.Encoder
	w       io.Writer
	count   int
	done    bool
}

const (
	spoolHeader = `{"type":"FeatureCollection","features":[` + "\n"
	spoolFooter = "\n]}\n"
)

// CreateSpool starts a new spool at path.
func CreateSpool(path string) (*Spool, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating spool: %w", err)
	}

	s := &Spool{path: path, tmpPath: f.Name(), file: f, buf: bufio.NewWriterSize(f, 256*1024)}
	s.w = s.buf
	if isZstdPath(path) {
		zw, err := zstd.NewWriter(s.buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			os.Remove(s.tmpPath)
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		s.zw = zw
		s.w = zw
	}
	if _, err := io.WriteString(s.w, spoolHeader); err != nil {
		s.Abort()
		return nil, fmt.Errorf("writing spool header: %w", err)
	}
	return s, nil
}

func isZstdPath(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".zst")
}

// Path is the final location of the spool.
func (s *Spool) Path() string { return s.path }

// Count is the number of footprints written so far.
func (s *Spool) Count() int { return s.count }

// Append writes the footprints of one tile outcome.
func (s *Spool) Append(out TileOutcome) error {
	return s.WriteFootprints(out.Footprints)
}

// WriteFootprints appends footprints to the collection.
func (s *Spool) WriteFootprints(fps []TileFootprint) error {
	if s.done {
		return errors.New("spool already closed")
	}
	for _, fp := range fps {
		data, err := json.Marshal(footprintFeature(fp))
		if err != nil {
			return fmt.Errorf("encoding footprint tile=%d cluster=%d: %w", fp.TileID, fp.ClusterID, err)
		}
		if s.count > 0 {
			if _, err := io.WriteString(s.w, ",\n"); err != nil {
				return fmt.Errorf("writing spool: %w", err)
			}
		}
		if _, err := s.w.Write(data); err != nil {
			return fmt.Errorf("writing spool: %w", err)
		}
		s.count++
	}
	return nil
}

// Close finishes the collection, syncs it and moves it into place.
func (s *Spool) Close() error {
	if s.done {
		return nil
	}
	s.done = true

	err := func() error {
		if _, err := io.WriteString(s.w, spoolFooter); err != nil {
			return err
		}
		if s.zw != nil {
			if err := s.zw.Close(); err != nil {
				return err
			}
		}
		if err := s.buf.Flush(); err != nil {
			return err
		}
		if err := s.file.Sync(); err != nil {
			return err
		}
		return s.file.Close()
	}()
	if err != nil {
		s.file.Close()
		os.Remove(s.tmpPath)
		return fmt.Errorf("finishing spool: %w", err)
	}
	if err := os.Rename(s.tmpPath, s.path); err != nil {
		os.Remove(s.tmpPath)
		return fmt.Errorf("moving spool into place: %w", err)
	}
	return nil
}

// Abort discards everything written so far.
func (s *Spool) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.zw != nil {
		s.zw.Close()
	}
	s.file.Close()
	if err := os.Remove(s.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing partial spool: %w", err)
	}
	return nil
}

func footprintFeature(fp TileFootprint) *geojson.Feature {
	f := geojson.NewFeature(fp.Polygon)
	f.Properties["tile_id"] = fp.TileID
	f.Properties["cluster_id"] = fp.ClusterID
	f.Properties["area_m2"] = fp.Area
	f.Properties["point_count"] = fp.PointCount
	f.Properties["height_max"] = fp.HeightMax
	f.Properties["height_p95"] = fp.HeightP95
	return f
}

// ReadSpool loads every footprint from a spool written by Spool.
func ReadSpool(path string) ([]TileFootprint, error) {
	var fps []TileFootprint
	err := ScanSpool(path, func(fp TileFootprint) error {
		fps = append(fps, fp)
		return nil
	})
	return fps, err
}

// ScanSpool streams the footprints of a spool to fn without holding the
// whole collection in memory.
func ScanSpool(path string, fn func(TileFootprint) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening spool: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if isZstdPath(path) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("opening zstd spool: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	dec := json.NewDecoder(r)
	if err := seekFeatures(dec); err != nil {
		return fmt.Errorf("reading spool %s: %w", path, err)
	}
	for i := 0; dec.More(); i++ {
		var feat geojson.Feature
		if err := dec.Decode(&feat); err != nil {
			return fmt.Errorf("reading spool %s feature %d: %w", path, i, err)
		}
		fp, err := featureFootprint(&feat)
		if err != nil {
			return fmt.Errorf("spool %s feature %d: %w", path, i, err)
		}
		if err := fn(fp); err != nil {
			return err
		}
	}
	return nil
}

// seekFeatures advances dec to the first element of the "features" array.
func seekFeatures(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("not a GeoJSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if key, _ := tok.(string); key == "features" {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return errors.New(`"features" is not an array`)
			}
			return nil
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return err
		}
	}
	return errors.New(`no "features" member`)
}

func featureFootprint(f *geojson.Feature) (TileFootprint, error) {
	poly, ok := f.Geometry.(orb.Polygon)
	if !ok {
		return TileFootprint{}, fmt.Errorf("geometry is %T, want Polygon", f.Geometry)
	}
	return TileFootprint{
		TileID:     propInt(f.Properties, "tile_id"),
		ClusterID:  propInt(f.Properties, "cluster_id"),
		Polygon:    poly,
		Area:       propFloat(f.Properties, "area_m2"),
		PointCount: propInt(f.Properties, "point_count"),
		HeightMax:  propFloat(f.Properties, "height_max"),
		HeightP95:  propFloat(f.Properties, "height_p95"),
	}, nil
}

func propFloat(p geojson.Properties, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func propInt(p geojson.Properties, key string) int {
	return int(propFloat(p, key))
}
