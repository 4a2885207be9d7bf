package footprint

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ctessum/geom"
	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// Merger reconciles tile footprints into buildings. Footprints whose
// buffered outlines touch are one building, however many tiles they span.
//
// A building made of one footprint keeps that footprint's outline exactly.
// A building made of several is the union of the buffered members, so its
// outline carries up to BufferDistance of extra margin; the added area is at
// most sum(perimeter_i*d + pi*d*d) over its members.
type Merger struct {
	BufferDistance    float64
	QuadrantSegments  int
	SimplifyTolerance float64
}

// NewMerger builds a Merger from the merge section of the configuration.
func NewMerger(cfg MergeConfig) *Merger {
	return &Merger{
		BufferDistance:    cfg.BufferDistance,
		QuadrantSegments:  cfg.QuadrantSegments,
		SimplifyTolerance: cfg.SimplifyTolerance,
	}
}

// MergeReport lists the footprints skipped during a merge.
type MergeReport struct {
	Inputs  int
	Skipped []*MergeInconsistencyError
}

// mergeItem is one footprint ready for merging. Convex outlines keep their
// buffered hull as a vertex list; any other outline keeps the buffered
// polygon itself, holes included.
type mergeItem struct {
	fp       TileFootprint
	convex   bool
	buffered []orb.Point // open, counter-clockwise; convex only
	shape    orb.Polygon // non-convex only
	index    int
}

// outline is the buffered footprint as a polygon.
func (m *mergeItem) outline() orb.Polygon {
	if m.convex {
		return orb.Polygon{closeRing(m.buffered)}
	}
	return m.shape
}

// touches reports whether the buffered outlines of m and o share a point.
func (m *mergeItem) touches(o *mergeItem) bool {
	if m.convex && o.convex {
		return convexIntersects(m.buffered, o.buffered)
	}
	return polygonsIntersect(m.outline(), o.outline())
}

// boundsPad widens index rectangles so that outlines which only touch are
// still returned as candidates; rtreego treats touching rectangles as disjoint.
const boundsPad = 1e-9

// Bounds implements rtreego.Spatial over the buffered outline.
func (m *mergeItem) Bounds() rtreego.Rect {
	b := m.outline().Bound()
	rect, _ := rtreego.NewRect(
		rtreego.Point{b.Min[0] - boundsPad, b.Min[1] - boundsPad},
		[]float64{b.Max[0] - b.Min[0] + 2*boundsPad, b.Max[1] - b.Min[1] + 2*boundsPad},
	)
	return rect
}

// Merge returns the merged buildings, numbered 1..n. The result depends only
// on the set of footprints, not on their order.
func (m *Merger) Merge(footprints []TileFootprint) ([]MergedBuilding, error) {
	buildings, _, err := m.MergeWithReport(footprints)
	return buildings, err
}

// MergeWithReport is Merge plus the list of skipped footprints.
func (m *Merger) MergeWithReport(footprints []TileFootprint) ([]MergedBuilding, MergeReport, error) {
	report := MergeReport{Inputs: len(footprints)}
	if m.BufferDistance < 0 || math.IsNaN(m.BufferDistance) {
		return nil, report, configErrorf("buffer_distance", "must be >= 0, got %v", m.BufferDistance)
	}

	sorted := make([]TileFootprint, len(footprints))
	copy(sorted, footprints)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].TileID != sorted[j].TileID {
			return sorted[i].TileID < sorted[j].TileID
		}
		return sorted[i].ClusterID < sorted[j].ClusterID
	})

	items := make([]*mergeItem, 0, len(sorted))
	seen := make(map[FootprintRef]bool, len(sorted))
	for _, fp := range sorted {
		if seen[fp.Ref()] {
			err := &MergeInconsistencyError{Ref: fp.Ref(), Reason: "duplicate footprint"}
			report.Skipped = append(report.Skipped, err)
			Logf("[merge] skipping %v", err)
			continue
		}
		seen[fp.Ref()] = true

		item, err := m.prepare(fp)
		if err != nil {
			var mie *MergeInconsistencyError
			if errors.As(err, &mie) {
				report.Skipped = append(report.Skipped, mie)
			}
			Logf("[merge] skipping %v", err)
			continue
		}
		item.index = len(items)
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, report, nil
	}

	uf := newUnionFind(len(items))
	tree := rtreego.NewTree(2, 25, 50)
	for _, it := range items {
		tree.Insert(it)
	}
	for _, it := range items {
		for _, s := range tree.SearchIntersect(it.Bounds()) {
			other := s.(*mergeItem)
			if other.index <= it.index {
				continue
			}
			if it.touches(other) {
				uf.union(it.index, other.index)
			}
		}
	}

	groups := make(map[int][]*mergeItem)
	for _, it := range items {
		root := uf.find(it.index)
		groups[root] = append(groups[root], it)
	}

	buildings := make([]MergedBuilding, 0, len(groups))
	for _, members := range groups {
		sort.Slice(members, func(i, j int) bool { return members[i].index < members[j].index })
		b, err := m.build(members)
		if err != nil {
			return nil, report, err
		}
		buildings = append(buildings, b)
	}

	sortBuildings(buildings)
	for i := range buildings {
		buildings[i].BuildingID = i + 1
	}
	Logf("[merge] %d footprints -> %d buildings (%d skipped)", len(footprints), len(buildings), len(report.Skipped))
	return buildings, report, nil
}

func (m *Merger) prepare(fp TileFootprint) (*mergeItem, error) {
	ref := fp.Ref()
	if len(fp.Polygon) == 0 {
		return nil, &MergeInconsistencyError{Ref: ref, Reason: "empty polygon"}
	}
	outer := openRing(fp.Polygon[0])
	for _, p := range outer {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			return nil, &MergeInconsistencyError{Ref: ref, Reason: "non-finite coordinate"}
		}
	}
	if distinctVertices(outer) < 3 {
		return nil, &MergeInconsistencyError{Ref: ref, Reason: "fewer than 3 distinct vertices"}
	}
	hull := convexHull(outer)
	if len(hull) < 3 {
		return nil, &MergeInconsistencyError{Ref: ref, Reason: "collinear outline"}
	}
	area := math.Abs(ringSignedArea(outer))
	if area == 0 || math.IsNaN(area) {
		return nil, &MergeInconsistencyError{Ref: ref, Reason: "zero area"}
	}

	if len(fp.Polygon) == 1 && isConvexRing(outer) {
		buffered := hull
		if m.BufferDistance > 0 {
			buffered = bufferConvex(hull, m.BufferDistance, m.QuadrantSegments)
		}
		return &mergeItem{fp: fp, convex: true, buffered: buffered}, nil
	}

	shape := make(orb.Polygon, 0, len(fp.Polygon))
	for i, r := range fp.Polygon {
		ring := openRing(r)
		if distinctVertices(ring) < 3 {
			return nil, &MergeInconsistencyError{Ref: ref, Reason: fmt.Sprintf("ring %d has fewer than 3 distinct vertices", i)}
		}
		shape = append(shape, orient(ring, i == 0))
	}
	if m.BufferDistance > 0 {
		var err error
		if shape, err = bufferPolygon(shape, m.BufferDistance, m.QuadrantSegments); err != nil {
			return nil, &MergeInconsistencyError{Ref: ref, Reason: err.Error()}
		}
	}
	return &mergeItem{fp: fp, shape: shape}, nil
}

// bufferPolygon returns the Minkowski sum of poly and the polygonal disc used
// by bufferConvex: the polygon plus every edge buffered as a convex stadium.
func bufferPolygon(poly orb.Polygon, d float64, quadSegs int) (orb.Polygon, error) {
	pieces := []geom.Polygonal{toGeomPolygon(poly)}
	for _, r := range poly {
		pts := openRing(r)
		for i := range pts {
			edge := []orb.Point{pts[i], pts[(i+1)%len(pts)]}
			pieces = append(pieces, toGeomPolygon(orb.Polygon{closeRing(bufferConvex(edge, d, quadSegs))}))
		}
	}
	rings := ringsOf(unionAll(pieces))
	if len(rings) == 0 {
		return nil, errors.New("buffer is empty")
	}
	return largestPolygon(nestRings(rings)), nil
}

func (m *Merger) build(members []*mergeItem) (MergedBuilding, error) {
	var b MergedBuilding
	for _, it := range members {
		b.PointCount += it.fp.PointCount
		b.HeightMax = math.Max(b.HeightMax, it.fp.HeightMax)
		b.HeightP95 = math.Max(b.HeightP95, it.fp.HeightP95)
		b.Contributors = append(b.Contributors, it.fp.Ref())
	}
	sort.Slice(b.Contributors, func(i, j int) bool {
		ci, cj := b.Contributors[i], b.Contributors[j]
		if ci.TileID != cj.TileID {
			return ci.TileID < cj.TileID
		}
		return ci.ClusterID < cj.ClusterID
	})

	if len(members) == 1 {
		b.Geometry = members[0].fp.Polygon
	} else {
		g, err := unionBuffered(members)
		if err != nil {
			return b, err
		}
		b.Geometry = g
	}

	if m.SimplifyTolerance > 0 {
		simplified := simplify.DouglasPeucker(m.SimplifyTolerance).Simplify(orb.Clone(b.Geometry))
		if simplified != nil && geometryArea(simplified) > 0 {
			b.Geometry = simplified
		}
	}
	b.Area = geometryArea(b.Geometry)
	return b, nil
}

// unionBuffered unions the buffered outlines of a component and turns the
// resulting contours back into orb polygons with proper nesting.
func unionBuffered(members []*mergeItem) (orb.Geometry, error) {
	pieces := make([]geom.Polygonal, len(members))
	for i, it := range members {
		pieces[i] = toGeomPolygon(it.outline())
	}
	rings := ringsOf(unionAll(pieces))
	if len(rings) == 0 {
		// The clipper gave nothing usable; the hull of the buffered members
		// still covers every one of them.
		var all []orb.Point
		for _, it := range members {
			all = append(all, openRing(it.outline()[0])...)
		}
		hull := convexHull(all)
		if len(hull) < 3 {
			return nil, fmt.Errorf("merging %d footprints: union is empty", len(members))
		}
		Logf("[merge] union of %d footprints failed, using their hull", len(members))
		return orb.Polygon{orient(hull, true)}, nil
	}
	return nestRings(rings), nil
}

// unionAll unions parts pairwise, so each clipper call sees operands of
// similar size.
func unionAll(parts []geom.Polygonal) geom.Polygonal {
	if len(parts) == 0 {
		return nil
	}
	for len(parts) > 1 {
		next := make([]geom.Polygonal, 0, (len(parts)+1)/2)
		for i := 0; i+1 < len(parts); i += 2 {
			switch {
			case parts[i] == nil:
				next = append(next, parts[i+1])
			case parts[i+1] == nil:
				next = append(next, parts[i])
			default:
				next = append(next, parts[i].Union(parts[i+1]))
			}
		}
		if len(parts)%2 == 1 {
			next = append(next, parts[len(parts)-1])
		}
		parts = next
	}
	return parts[0]
}

// ringsOf returns the usable contours of a clipper result as open rings.
func ringsOf(g geom.Polygonal) [][]orb.Point {
	if g == nil {
		return nil
	}
	var rings [][]orb.Point
	for _, poly := range g.Polygons() {
		for _, path := range poly {
			ring := make([]orb.Point, 0, len(path))
			for _, p := range path {
				ring = append(ring, orb.Point{p.X, p.Y})
			}
			ring = openRing(ring)
			if distinctVertices(ring) >= 3 && math.Abs(ringSignedArea(ring)) > 0 {
				rings = append(rings, ring)
			}
		}
	}
	return rings
}

func toGeomPolygon(poly orb.Polygon) geom.Polygon {
	out := make(geom.Polygon, 0, len(poly))
	for _, r := range poly {
		pts := openRing(r)
		path := make(geom.Path, len(pts))
		for i, p := range pts {
			path[i] = geom.Point{X: p[0], Y: p[1]}
		}
		out = append(out, path)
	}
	return out
}

// nestRings assigns each ring to be an outer boundary or a hole by how many
// other rings contain it, and returns a Polygon when there is one outer ring
// and a MultiPolygon otherwise.
func nestRings(rings [][]orb.Point) orb.Geometry {
	closed := make([]orb.Ring, len(rings))
	for i, r := range rings {
		closed[i] = closeRing(r)
	}

	depth := make([]int, len(rings))
	parent := make([]int, len(rings))
	for i, r := range rings {
		parent[i] = -1
		probe := ringProbe(r)
		for j := range rings {
			if i == j || !planar.RingContains(closed[j], probe) {
				continue
			}
			depth[i]++
			// The innermost container is the one with the smallest area.
			if parent[i] < 0 || math.Abs(ringSignedArea(rings[j])) < math.Abs(ringSignedArea(rings[parent[i]])) {
				parent[i] = j
			}
		}
	}

	var polys orb.MultiPolygon
	slot := make(map[int]int)
	order := make([]int, len(rings))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return depth[order[a]] < depth[order[b]] })
	for _, i := range order {
		if depth[i]%2 == 0 {
			slot[i] = len(polys)
			polys = append(polys, orb.Polygon{orient(rings[i], true)})
			continue
		}
		if k, ok := slot[parent[i]]; ok {
			polys[k] = append(polys[k], orient(rings[i], false))
		}
	}

	if len(polys) == 1 {
		return polys[0]
	}
	return polys
}

// ringProbe is a point strictly inside a simple ring: the midpoint of its
// first edge nudged a little toward the interior.
func ringProbe(ring []orb.Point) orb.Point {
	a, b := ring[0], ring[1]
	mid := orb.Point{(a[0] + b[0]) / 2, (a[1] + b[1]) / 2}
	dx, dy := b[0]-a[0], b[1]-a[1]
	l := math.Hypot(dx, dy)
	if l == 0 {
		return mid
	}
	// Left of the edge is inside for counter-clockwise rings.
	nx, ny := -dy/l, dx/l
	if ringSignedArea(ring) < 0 {
		nx, ny = -nx, -ny
	}
	eps := math.Min(l*1e-3, 1e-6)
	return orb.Point{mid[0] + nx*eps, mid[1] + ny*eps}
}

func sortBuildings(bs []MergedBuilding) {
	type key struct{ x, y, area float64 }
	keys := make([]key, len(bs))
	for i, b := range bs {
		c, area := planar.CentroidArea(b.Geometry)
		keys[i] = key{c[0], c[1], math.Abs(area)}
	}
	idx := make([]int, len(bs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := keys[idx[a]], keys[idx[b]]
		if ka.x != kb.x {
			return ka.x < kb.x
		}
		if ka.y != kb.y {
			return ka.y < kb.y
		}
		if ka.area != kb.area {
			return ka.area < kb.area
		}
		return firstRef(bs[idx[a]]).less(firstRef(bs[idx[b]]))
	})
	out := make([]MergedBuilding, len(bs))
	for i, j := range idx {
		out[i] = bs[j]
	}
	copy(bs, out)
}

func firstRef(b MergedBuilding) FootprintRef {
	if len(b.Contributors) == 0 {
		return FootprintRef{}
	}
	return b.Contributors[0]
}

func (r FootprintRef) less(o FootprintRef) bool {
	if r.TileID != o.TileID {
		return r.TileID < o.TileID
	}
	return r.ClusterID < o.ClusterID
}

// unionFind implements a disjoint-set data structure with path compression.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra != rb {
		uf.parent[ra] = rb
	}
}
