package footprint

import (
	"math"
	"sort"

	"github.com/ctessum/geom"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// convexHull computes the convex hull of a set of 2D points using
// Andrew's monotone chain algorithm. Returns points in counter-clockwise
// order without repeating the first point. Collinear points are dropped.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		result := make([]orb.Point, len(points))
		copy(result, points)
		return result
	}

	// Sort by x, then y
	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)

	// Lower hull
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Upper hull
	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Remove last point (duplicate of first)
	return hull[:len(hull)-1]
}

// cross returns the cross product of vectors OA and OB.
func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

// closeRing returns pts as a ring whose last point repeats the first.
func closeRing(pts []orb.Point) orb.Ring {
	ring := make(orb.Ring, 0, len(pts)+1)
	ring = append(ring, pts...)
	if len(ring) > 0 && ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return ring
}

// openRing drops the closing point of a ring if present.
func openRing(r orb.Ring) []orb.Point {
	if len(r) > 1 && r[0] == r[len(r)-1] {
		return r[:len(r)-1]
	}
	return r
}

// HullPolygon returns the convex hull of the X/Y projection of points as a
// closed counter-clockwise polygon, or nil when the hull is degenerate
// (fewer than three non-collinear points).
func HullPolygon(points []Point) orb.Polygon {
	pts := make([]orb.Point, len(points))
	for i, p := range points {
		pts[i] = orb.Point{p.X, p.Y}
	}
	hull := convexHull(pts)
	if len(hull) < 3 {
		return nil
	}
	return orb.Polygon{closeRing(hull)}
}

// distinctVertices counts the distinct points of an open vertex list.
func distinctVertices(pts []orb.Point) int {
	seen := make(map[orb.Point]struct{}, len(pts))
	for _, p := range pts {
		seen[p] = struct{}{}
	}
	return len(seen)
}

// bufferConvex returns the Minkowski sum of a convex polygon and a regular
// polygonal disc of radius d with 4*quadSegs vertices. The result is convex,
// counter-clockwise and open (no repeated closing point).
func bufferConvex(hull []orb.Point, d float64, quadSegs int) []orb.Point {
	if quadSegs < 1 {
		quadSegs = 1
	}
	steps := 4 * quadSegs
	pts := make([]orb.Point, 0, len(hull)*steps)
	for _, v := range hull {
		for k := 0; k < steps; k++ {
			theta := 2 * math.Pi * float64(k) / float64(steps)
			pts = append(pts, orb.Point{v[0] + d*math.Cos(theta), v[1] + d*math.Sin(theta)})
		}
	}
	return convexHull(pts)
}

// convexIntersects reports whether two convex polygons (open vertex lists,
// any orientation) share at least one point, using the separating axis
// theorem. Touching boundaries count as intersecting.
func convexIntersects(a, b []orb.Point) bool {
	return !hasSeparatingAxis(a, b) && !hasSeparatingAxis(b, a)
}

func hasSeparatingAxis(a, b []orb.Point) bool {
	n := len(a)
	for i := 0; i < n; i++ {
		p, q := a[i], a[(i+1)%n]
		axis := orb.Point{q[1] - p[1], p[0] - q[0]}
		if axis[0] == 0 && axis[1] == 0 {
			continue
		}
		minA, maxA := project(a, axis)
		minB, maxB := project(b, axis)
		if maxA < minB || maxB < minA {
			return true
		}
	}
	return false
}

func project(pts []orb.Point, axis orb.Point) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, p := range pts {
		v := p[0]*axis[0] + p[1]*axis[1]
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// ringSignedArea is positive for counter-clockwise rings.
func ringSignedArea(pts []orb.Point) float64 {
	var sum float64
	n := len(pts)
	for i := 0; i < n; i++ {
		p, q := pts[i], pts[(i+1)%n]
		sum += p[0]*q[1] - q[0]*p[1]
	}
	return sum / 2
}

// orient returns a closed ring with the requested winding.
func orient(pts []orb.Point, ccw bool) orb.Ring {
	open := make([]orb.Point, len(pts))
	copy(open, pts)
	if (ringSignedArea(open) > 0) != ccw {
		for i, j := 0, len(open)-1; i < j; i, j = i+1, j-1 {
			open[i], open[j] = open[j], open[i]
		}
	}
	return closeRing(open)
}

// geometryArea is the planar area of a polygon or multipolygon.
func geometryArea(g orb.Geometry) float64 {
	return planar.Area(g)
}

// ConcaveHullPolygon outlines points with the union of the convex hulls of
// every 2x2 block of alpha-sized grid cells. Gaps wider than about alpha
// become notches or holes. When the union splits, the largest piece is
// returned. It returns nil when no block holds three non-collinear points.
func ConcaveHullPolygon(points []Point, alpha float64) orb.Polygon {
	if len(points) < 3 || !(alpha > 0) || math.IsInf(alpha, 0) {
		return nil
	}
	minX, minY := math.Inf(1), math.Inf(1)
	for _, p := range points {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
	}

	type cell struct{ i, j int }
	cells := make(map[cell][]orb.Point)
	for _, p := range points {
		c := cell{int(math.Floor((p.X - minX) / alpha)), int(math.Floor((p.Y - minY) / alpha))}
		cells[c] = append(cells[c], orb.Point{p.X, p.Y})
	}

	anchors := make(map[cell]struct{}, 4*len(cells))
	for c := range cells {
		for di := 0; di <= 1; di++ {
			for dj := 0; dj <= 1; dj++ {
				anchors[cell{c.i - di, c.j - dj}] = struct{}{}
			}
		}
	}
	keys := make([]cell, 0, len(anchors))
	for a := range anchors {
		keys = append(keys, a)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].i != keys[b].i {
			return keys[a].i < keys[b].i
		}
		return keys[a].j < keys[b].j
	})

	var pieces []geom.Polygonal
	for _, a := range keys {
		var block []orb.Point
		for di := 0; di <= 1; di++ {
			for dj := 0; dj <= 1; dj++ {
				block = append(block, cells[cell{a.i + di, a.j + dj}]...)
			}
		}
		hull := convexHull(block)
		if len(hull) < 3 {
			continue
		}
		pieces = append(pieces, toGeomPolygon(orb.Polygon{closeRing(hull)}))
	}
	if len(pieces) == 0 {
		return nil
	}

	rings := ringsOf(unionAll(pieces))
	if len(rings) == 0 {
		return nil
	}
	return largestPolygon(nestRings(rings))
}

// largestPolygon picks the polygon with the largest area out of a Polygon or
// MultiPolygon.
func largestPolygon(g orb.Geometry) orb.Polygon {
	switch g := g.(type) {
	case orb.Polygon:
		return g
	case orb.MultiPolygon:
		var best orb.Polygon
		bestArea := -1.0
		for _, p := range g {
			if a := planar.Area(p); a > bestArea {
				best, bestArea = p, a
			}
		}
		return best
	}
	return nil
}

// isConvexRing reports whether an open, simple vertex list turns the same
// way at every non-collinear vertex.
func isConvexRing(pts []orb.Point) bool {
	n := len(pts)
	sign := 0
	for i := 0; i < n; i++ {
		c := cross(pts[i], pts[(i+1)%n], pts[(i+2)%n])
		switch {
		case c > 0:
			if sign < 0 {
				return false
			}
			sign = 1
		case c < 0:
			if sign > 0 {
				return false
			}
			sign = -1
		}
	}
	return sign != 0
}

// polygonsIntersect reports whether two simple polygons, holes included,
// share at least one point. Touching boundaries count as intersecting.
func polygonsIntersect(a, b orb.Polygon) bool {
	if len(a) == 0 || len(b) == 0 || !a.Bound().Intersects(b.Bound()) {
		return false
	}
	for _, ra := range a {
		for _, rb := range b {
			if ringsCross(openRing(ra), openRing(rb)) {
				return true
			}
		}
	}
	// No boundaries meet, so one is inside the other or they are apart.
	return planar.PolygonContains(b, a[0][0]) || planar.PolygonContains(a, b[0][0])
}

func ringsCross(a, b []orb.Point) bool {
	bb := orb.MultiPoint(b).Bound()
	for i := range a {
		p1, p2 := a[i], a[(i+1)%len(a)]
		seg := orb.MultiPoint{p1, p2}.Bound()
		if !seg.Intersects(bb) {
			continue
		}
		for j := range b {
			if segmentsIntersect(p1, p2, b[j], b[(j+1)%len(b)]) {
				return true
			}
		}
	}
	return false
}

// segmentsIntersect reports whether segments p1p2 and q1q2 share a point.
func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

// onSegment reports whether r, known to be collinear with pq, lies on pq.
func onSegment(p, q, r orb.Point) bool {
	return math.Min(p[0], q[0]) <= r[0] && r[0] <= math.Max(p[0], q[0]) &&
		math.Min(p[1], q[1]) <= r[1] && r[1] <= math.Max(p[1], q[1])
}
