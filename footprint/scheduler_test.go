package footprint

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPartition(t *testing.T) {
	t.Run("square extent splits into four tiles in column order", func(t *testing.T) {
		tiles, err := Partition(BoundingBox{0, 0, 100, 100}, 50)
		if err != nil {
			t.Fatalf("Partition: %v", err)
		}
		want := []Tile{
			{ID: 0, I: 0, J: 0, Bounds: BoundingBox{0, 0, 50, 50}},
			{ID: 1, I: 0, J: 1, Bounds: BoundingBox{0, 50, 50, 100}, LastRow: true},
			{ID: 2, I: 1, J: 0, Bounds: BoundingBox{50, 0, 100, 50}, LastColumn: true},
			{ID: 3, I: 1, J: 1, Bounds: BoundingBox{50, 50, 100, 100}, LastColumn: true, LastRow: true},
		}
		if diff := cmp.Diff(want, tiles); diff != "" {
			t.Errorf("tiles mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("edge tiles are clipped to the extent", func(t *testing.T) {
		tiles, err := Partition(BoundingBox{10, 20, 135, 70}, 50)
		if err != nil {
			t.Fatalf("Partition: %v", err)
		}
		if len(tiles) != 3*1 {
			t.Fatalf("expected 3 tiles, got %d", len(tiles))
		}
		last := tiles[len(tiles)-1]
		if last.Bounds.MaxX != 135 || last.Bounds.MaxY != 70 {
			t.Errorf("last tile not clipped: %s", last.Bounds)
		}
		if last.Bounds.MinX != 110 {
			t.Errorf("last tile MinX = %v, want 110", last.Bounds.MinX)
		}
	})

	t.Run("extent smaller than one tile yields one tile", func(t *testing.T) {
		tiles, err := Partition(BoundingBox{0, 0, 3, 4}, 50)
		if err != nil {
			t.Fatalf("Partition: %v", err)
		}
		if len(tiles) != 1 || tiles[0].Bounds != (BoundingBox{0, 0, 3, 4}) {
			t.Errorf("unexpected tiles: %+v", tiles)
		}
	})

	t.Run("extent that is an exact multiple has no sliver tile", func(t *testing.T) {
		tiles, err := Partition(BoundingBox{0, 0, 0.3, 0.1}, 0.1)
		if err != nil {
			t.Fatalf("Partition: %v", err)
		}
		for _, tile := range tiles {
			if tile.Bounds.Width() <= 1e-12 || tile.Bounds.Height() <= 1e-12 {
				t.Errorf("degenerate tile %s", tile)
			}
		}
	})

	t.Run("invalid inputs are configuration errors", func(t *testing.T) {
		cases := []struct {
			name string
			bbox BoundingBox
			size float64
		}{
			{"zero tile size", BoundingBox{0, 0, 10, 10}, 0},
			{"negative tile size", BoundingBox{0, 0, 10, 10}, -5},
			{"NaN tile size", BoundingBox{0, 0, 10, 10}, math.NaN()},
			{"infinite tile size", BoundingBox{0, 0, 10, 10}, math.Inf(1)},
			{"zero width extent", BoundingBox{0, 0, 0, 10}, 5},
			{"inverted extent", BoundingBox{10, 10, 0, 0}, 5},
			{"too many tiles", BoundingBox{0, 0, 1000, 1000}, 1e-6},
			{"tile count overflows int", BoundingBox{-1e300, -1e300, 1e300, 1e300}, 1e-300},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := Partition(tc.bbox, tc.size)
				var cfgErr *ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Errorf("expected ConfigurationError, got %v", err)
				}
			})
		}
	})
}

func TestPartitionTileCap(t *testing.T) {
	// 1025 x 1024 is one column past MaxTiles; nothing is allocated.
	_, err := Partition(BoundingBox{0, 0, 1025, 1024}, 1)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if cfgErr.Field != "tile_size" {
		t.Errorf("field = %q, want tile_size", cfgErr.Field)
	}

	tiles, err := Partition(BoundingBox{0, 0, 256, 256}, 1)
	if err != nil {
		t.Fatalf("Partition failed: %v", err)
	}
	if len(tiles) != 256*256 {
		t.Errorf("got %d tiles, want %d", len(tiles), 256*256)
	}
}

func TestPartitionCoverage(t *testing.T) {
	bbox := BoundingBox{MinX: 512345.17, MinY: 5401233.9, MaxX: 512789.03, MaxY: 5401501.2}
	tiles, err := Partition(bbox, 37.5)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}

	var area float64
	for _, tile := range tiles {
		area += tile.Bounds.Area()
	}
	if math.Abs(area-bbox.Area()) > 1e-6*bbox.Area() {
		t.Errorf("tile areas sum to %v, extent area is %v", area, bbox.Area())
	}

	// Every point, including ones on shared edges and the outer max edges,
	// is owned by exactly one tile.
	rng := rand.New(rand.NewSource(7))
	probes := []struct{ x, y float64 }{
		{bbox.MinX, bbox.MinY},
		{bbox.MaxX, bbox.MaxY},
		{bbox.MaxX, bbox.MinY},
		{bbox.MinX, bbox.MaxY},
		{tiles[1].Bounds.MinX, tiles[1].Bounds.MinY},
		{tiles[0].Bounds.MaxX, tiles[0].Bounds.MaxY},
	}
	for i := 0; i < 2000; i++ {
		probes = append(probes, struct{ x, y float64 }{
			bbox.MinX + rng.Float64()*bbox.Width(),
			bbox.MinY + rng.Float64()*bbox.Height(),
		})
	}
	for _, p := range probes {
		owners := 0
		for _, tile := range tiles {
			if tile.Owns(p.x, p.y) {
				owners++
			}
		}
		if owners != 1 {
			t.Errorf("point (%v, %v) owned by %d tiles", p.x, p.y, owners)
		}
	}
}

func TestPartitionSharedEdgesAreIdentical(t *testing.T) {
	tiles, err := Partition(BoundingBox{0.1, 0.2, 10.7, 9.9}, 0.7)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	byIJ := make(map[[2]int]Tile)
	for _, tile := range tiles {
		byIJ[[2]int{tile.I, tile.J}] = tile
	}
	for _, tile := range tiles {
		if right, ok := byIJ[[2]int{tile.I + 1, tile.J}]; ok && right.Bounds.MinX != tile.Bounds.MaxX {
			t.Errorf("gap between %s and %s", tile, right)
		}
		if up, ok := byIJ[[2]int{tile.I, tile.J + 1}]; ok && up.Bounds.MinY != tile.Bounds.MaxY {
			t.Errorf("gap between %s and %s", tile, up)
		}
	}
}

func TestTileCropRegion(t *testing.T) {
	tiles, _ := Partition(BoundingBox{0, 0, 100, 100}, 50)

	r := tiles[0].CropRegion()
	if r.Contains(50, 10) {
		t.Error("interior tile must not read its open max edge")
	}
	if !r.Contains(0, 0) {
		t.Error("tile must read its min corner")
	}

	r = tiles[3].CropRegion()
	if !r.Contains(100, 100) {
		t.Error("last tile must read the dataset max corner")
	}

	overlapped := WithOverlap(tiles, 2)
	r = overlapped[0].CropRegion()
	if !r.Contains(51.5, 51.5) {
		t.Error("overlap should widen the read window")
	}
	if overlapped[0].Bounds != tiles[0].Bounds {
		t.Error("overlap must not change tile bounds")
	}
	if tiles[0].Overlap != 0 {
		t.Error("WithOverlap must not modify its input")
	}
}

func TestPlanKey(t *testing.T) {
	b := BoundingBox{0, 0, 100, 100}
	if PlanKey("a.las", b, 50, 0) != PlanKey("a.las", b, 50, 0) {
		t.Error("plan key is not stable")
	}
	if PlanKey("a.las", b, 50, 0) == PlanKey("a.las", b, 25, 0) {
		t.Error("plan key ignores tile size")
	}
	if PlanKey("a.las", b, 50, 0) == PlanKey("b.las", b, 50, 0) {
		t.Error("plan key ignores dataset")
	}
}
