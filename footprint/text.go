package footprint

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// TextOptions configures the delimited-text point reader.
type TextOptions struct {
	// Resolver maps header names to column indexes. Defaults to ResolveColumn.
	Resolver NameResolver
}

type textColumns struct {
	x, y, z        int
	classification int // -1 when absent
	intensity      int // -1 when absent
	width          int
}

// TextDataset reads XYZ/CSV point files. Text files carry no header block,
// so the extent and point count are computed in one streaming pass at open
// time and cached.
type TextDataset struct {
	path      string
	hasHeader bool
	cols      textColumns
	meta      DatasetMeta
}

// OpenText scans a text point file once to learn its columns and extent.
func OpenText(path string, opts TextOptions) (*TextDataset, error) {
	if opts.Resolver == nil {
		opts.Resolver = ResolveColumn
	}
	d := &TextDataset{path: path}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening point file: %w", err)
	}
	defer f.Close()

	sc := newLineScanner(f)
	first := true
	var count uint64
	var bounds BoundingBox
	lineNo := 0
	for sc.Scan() {
		lineNo++
		fields, ok := splitPointLine(sc.Text())
		if !ok {
			continue
		}
		if first {
			first = false
			if _, err := strconv.ParseFloat(fields[0], 64); err != nil {
				cols, err := resolveTextColumns(fields, opts.Resolver)
				if err != nil {
					return nil, configErrorf("dataset", "%s: %v", path, err)
				}
				d.cols = cols
				d.hasHeader = true
				continue
			}
			if len(fields) < 3 {
				return nil, fmt.Errorf("%s:%d: need at least 3 columns, got %d", path, lineNo, len(fields))
			}
			d.cols = textColumns{x: 0, y: 1, z: 2, classification: -1, intensity: -1, width: 3}
		}

		p, err := d.parse(fields)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if count == 0 {
			bounds = BoundingBox{MinX: p.X, MinY: p.Y, MaxX: p.X, MaxY: p.Y}
		} else {
			bounds = extendBox(bounds, p.X, p.Y)
		}
		count++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	if count == 0 {
		return nil, configErrorf("dataset", "%s contains no points", path)
	}

	d.meta = DatasetMeta{Path: path, Format: "text", Bounds: bounds, PointCount: count}
	return d, nil
}

func resolveTextColumns(header []string, resolve NameResolver) (textColumns, error) {
	var cols textColumns
	var err error
	if cols.x, err = resolve(header, "X", "x", "easting"); err != nil {
		return cols, err
	}
	if cols.y, err = resolve(header, "Y", "y", "northing"); err != nil {
		return cols, err
	}
	if cols.z, err = resolve(header, "Z", "z", "elevation"); err != nil {
		return cols, err
	}
	if cols.classification, err = resolve(header, "Classification", "class"); err != nil {
		cols.classification = -1
	}
	if cols.intensity, err = resolve(header, "Intensity"); err != nil {
		cols.intensity = -1
	}
	for _, c := range []int{cols.x, cols.y, cols.z, cols.classification, cols.intensity} {
		cols.width = max(cols.width, c+1)
	}
	return cols, nil
}

func (d *TextDataset) parse(fields []string) (Point, error) {
	c := d.cols
	if len(fields) < c.width {
		return Point{}, fmt.Errorf("expected %d columns, got %d", c.width, len(fields))
	}
	var p Point
	var err error
	if p.X, err = strconv.ParseFloat(fields[c.x], 64); err != nil {
		return p, fmt.Errorf("x: %w", err)
	}
	if p.Y, err = strconv.ParseFloat(fields[c.y], 64); err != nil {
		return p, fmt.Errorf("y: %w", err)
	}
	if p.Z, err = strconv.ParseFloat(fields[c.z], 64); err != nil {
		return p, fmt.Errorf("z: %w", err)
	}
	if c.classification >= 0 {
		v, err := strconv.ParseFloat(fields[c.classification], 64)
		if err != nil || v < 0 || v > 255 {
			return p, fmt.Errorf("classification %q out of range", fields[c.classification])
		}
		p.Classification = uint8(v)
	}
	if c.intensity >= 0 {
		v, err := strconv.ParseFloat(fields[c.intensity], 64)
		if err == nil && v >= 0 && v <= 65535 {
			p.Intensity = uint16(v)
		}
	}
	return p, nil
}

func (d *TextDataset) Meta() DatasetMeta { return d.meta }

func (d *TextDataset) Crop(region CropRegion, limit int, fn func(Point) error) error {
	f, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("opening point file: %w", err)
	}
	defer f.Close()

	sc := newLineScanner(f)
	skipHeader := d.hasHeader
	n := 0
	lineNo := 0
	for sc.Scan() {
		lineNo++
		fields, ok := splitPointLine(sc.Text())
		if !ok {
			continue
		}
		if skipHeader {
			skipHeader = false
			continue
		}
		p, err := d.parse(fields)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", d.path, lineNo, err)
		}
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
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scanning %s: %w", d.path, err)
	}
	return nil
}

func (d *TextDataset) Close() error { return nil }

func newLineScanner(f *os.File) *bufio.Scanner {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return sc
}

// splitPointLine splits on commas, semicolons or whitespace. Blank lines and
// '#' comments report ok=false.
func splitPointLine(line string) ([]string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, false
	}
	var fields []string
	switch {
	case strings.Contains(line, ","):
		fields = strings.Split(line, ",")
	case strings.Contains(line, ";"):
		fields = strings.Split(line, ";")
	default:
		fields = strings.Fields(line)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields, len(fields) > 0
}
