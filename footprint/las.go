package footprint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// LAS public header block offsets (ASPRS LAS 1.0-1.4).
const (
	lasOffsetVersionMajor  = 24
	lasOffsetVersionMinor  = 25
	lasOffsetHeaderSize    = 94
	lasOffsetPointData     = 96
	lasOffsetPointFormat   = 104
	lasOffsetRecordLength  = 105
	lasOffsetLegacyCount   = 107
	lasOffsetScale         = 131
	lasOffsetOffset        = 155
	lasOffsetMaxX          = 179
	lasOffsetMinX          = 187
	lasOffsetMaxY          = 195
	lasOffsetMinY          = 203
	lasOffsetMaxZ          = 211
	lasOffsetMinZ          = 219
	lasOffsetPointCount14  = 247
	lasMinHeaderSize       = 227
	lasHeaderSize14        = 375
	lasReadBufferSize      = 1 << 20
	lasCompressedFormatBit = 0x80
)

// minimum point record length per point data format
var lasMinRecordLength = map[uint8]int{
	0: 20, 1: 28, 2: 26, 3: 34, 4: 57, 5: 63,
	6: 30, 7: 36, 8: 38, 9: 59, 10: 67,
}

// LASHeader holds the parts of the public header block the reader needs.
type LASHeader struct {
	VersionMajor uint8
	VersionMinor uint8
	HeaderSize   uint16
	PointOffset  uint32
	PointFormat  uint8
	RecordLength uint16
	PointCount   uint64
	Scale        [3]float64
	Offset       [3]float64
	Min, Max     [3]float64
}

// LASDataset reads point records straight from a LAS file. Every Crop call
// opens its own file handle and streams the records once, so memory use is
// bounded by the cropped region, not the file.
type LASDataset struct {
	path   string
	header LASHeader
}

// OpenLAS parses the header of a LAS file.
func OpenLAS(path string) (*LASDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening LAS file: %w", err)
	}
	defer f.Close()

	h, err := ReadLASHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &LASDataset{path: path, header: h}, nil
}

// ReadLASHeader decodes a public header block.
func ReadLASHeader(r io.Reader) (LASHeader, error) {
	var h LASHeader
	buf := make([]byte, lasHeaderSize14)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return h, fmt.Errorf("reading LAS header: %w", err)
	}
	if n < lasMinHeaderSize {
		return h, fmt.Errorf("LAS header truncated (%d bytes)", n)
	}
	if string(buf[0:4]) != "LASF" {
		return h, errors.New("not a LAS file (missing LASF signature)")
	}

	le := binary.LittleEndian
	h.VersionMajor = buf[lasOffsetVersionMajor]
	h.VersionMinor = buf[lasOffsetVersionMinor]
	h.HeaderSize = le.Uint16(buf[lasOffsetHeaderSize:])
	h.PointOffset = le.Uint32(buf[lasOffsetPointData:])
	format := buf[lasOffsetPointFormat]
	if format&lasCompressedFormatBit != 0 {
		return h, errors.New("LAZ-compressed point data is not supported")
	}
	h.PointFormat = format & 0x3F
	h.RecordLength = le.Uint16(buf[lasOffsetRecordLength:])
	h.PointCount = uint64(le.Uint32(buf[lasOffsetLegacyCount:]))

	for i := 0; i < 3; i++ {
		h.Scale[i] = math.Float64frombits(le.Uint64(buf[lasOffsetScale+8*i:]))
		h.Offset[i] = math.Float64frombits(le.Uint64(buf[lasOffsetOffset+8*i:]))
	}
	f64 := func(off int) float64 { return math.Float64frombits(le.Uint64(buf[off:])) }
	h.Max = [3]float64{f64(lasOffsetMaxX), f64(lasOffsetMaxY), f64(lasOffsetMaxZ)}
	h.Min = [3]float64{f64(lasOffsetMinX), f64(lasOffsetMinY), f64(lasOffsetMinZ)}

	if h.VersionMajor == 1 && h.VersionMinor >= 4 && n >= lasHeaderSize14 && h.HeaderSize >= lasHeaderSize14 {
		if c := le.Uint64(buf[lasOffsetPointCount14:]); c > 0 {
			h.PointCount = c
		}
	}

	minLen, ok := lasMinRecordLength[h.PointFormat]
	if !ok {
		return h, fmt.Errorf("unsupported point data format %d", h.PointFormat)
	}
	if int(h.RecordLength) < minLen {
		return h, fmt.Errorf("point record length %d too short for format %d", h.RecordLength, h.PointFormat)
	}
	if h.Scale[0] == 0 || h.Scale[1] == 0 || h.Scale[2] == 0 {
		return h, errors.New("LAS header has a zero scale factor")
	}
	return h, nil
}

func (d *LASDataset) Header() LASHeader { return d.header }

// Meta reports the header extent widened to the stored integer grid, so
// every decoded coordinate lies inside Bounds even when the writer recorded
// the unquantized extremes.
func (d *LASDataset) Meta() DatasetMeta {
	h := d.header
	minX, maxX := quantizedRange(h.Min[0], h.Max[0], h.Scale[0], h.Offset[0])
	minY, maxY := quantizedRange(h.Min[1], h.Max[1], h.Scale[1], h.Offset[1])
	return DatasetMeta{
		Path:       d.path,
		Format:     fmt.Sprintf("las %d.%d pf%d", h.VersionMajor, h.VersionMinor, h.PointFormat),
		Bounds:     BoundingBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY},
		PointCount: h.PointCount,
	}
}

// quantizedRange returns the smallest range of decodable values
// k*scale + offset that contains [lo, hi].
func quantizedRange(lo, hi, scale, offset float64) (float64, float64) {
	if !(scale > 0) || math.IsInf(scale, 0) {
		return lo, hi
	}
	const slack = 1e-6 // in units of scale
	kLo := math.Floor((lo-offset)/scale + slack)
	kHi := math.Ceil((hi-offset)/scale - slack)
	return math.Min(lo, kLo*scale+offset), math.Max(hi, kHi*scale+offset)
}

func (d *LASDataset) Crop(region CropRegion, limit int, fn func(Point) error) error {
	f, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("opening LAS file: %w", err)
	}
	defer f.Close()

	h := d.header
	if _, err := f.Seek(int64(h.PointOffset), io.SeekStart); err != nil {
		return fmt.Errorf("seeking to point data: %w", err)
	}

	r := bufio.NewReaderSize(f, lasReadBufferSize)
	rec := make([]byte, h.RecordLength)
	le := binary.LittleEndian
	extended := h.PointFormat >= 6

	n := 0
	for i := uint64(0); i < h.PointCount; i++ {
		if _, err := io.ReadFull(r, rec); err != nil {
			return fmt.Errorf("reading point %d of %d: %w", i, h.PointCount, err)
		}
		x := float64(int32(le.Uint32(rec[0:])))*h.Scale[0] + h.Offset[0]
		y := float64(int32(le.Uint32(rec[4:])))*h.Scale[1] + h.Offset[1]
		if !region.Contains(x, y) {
			continue
		}
		n++
		if limit > 0 && n > limit {
			return fmt.Errorf("%w (%d)", ErrTooManyPoints, limit)
		}

		p := Point{
			X:         x,
			Y:         y,
			Z:         float64(int32(le.Uint32(rec[8:])))*h.Scale[2] + h.Offset[2],
			Intensity: le.Uint16(rec[12:]),
		}
		if extended {
			p.Classification = rec[16]
		} else {
			p.Classification = rec[15] & 0x1F
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (d *LASDataset) Close() error { return nil }
