package geo

import (
	"math"
	"sort"
	"sync"

	"github.com/golang/geo/s2"
)

// Index buckets points by S2 cell at a fixed level and answers radius,
// nearest and polygon queries without scanning the whole point set.
//
// Occupied cells are kept in a sorted slice. A query covers its region with
// cells at or above the index level; every indexed cell under a covering cell
// falls in that cell's [RangeMin, RangeMax] id range, so each covering cell
// costs one binary search plus the occupied cells it actually contains.
type Index struct {
	mu       sync.RWMutex
	level    int
	entries  map[string]indexEntry
	cells    map[s2.CellID]map[string]struct{}
	occupied []s2.CellID // sorted
}

type indexEntry struct {
	point Point
	cell  s2.CellID
}

// NewIndex creates an index whose buckets are S2 cells at the given level.
func NewIndex(level int) *Index {
	if level < 0 {
		level = 0
	}
	if level > s2.MaxLevel {
		level = s2.MaxLevel
	}
	return &Index{
		level:   level,
		entries: make(map[string]indexEntry),
		cells:   make(map[s2.CellID]map[string]struct{}),
	}
}

// Level returns the S2 level the index buckets points at.
func (ix *Index) Level() int {
	return ix.level
}

// Insert adds id at p, moving it if it is already indexed.
func (ix *Index) Insert(id string, p Point) {
	cell := s2.CellIDFromLatLng(p.latLng()).Parent(ix.level)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if existing, ok := ix.entries[id]; ok {
		if existing.cell == cell {
			ix.entries[id] = indexEntry{point: p, cell: cell}
			return
		}
		ix.removeUnlocked(id, existing)
	}

	bucket, ok := ix.cells[cell]
	if !ok {
		bucket = make(map[string]struct{}, 1)
		ix.cells[cell] = bucket
		i := sort.Search(len(ix.occupied), func(i int) bool { return ix.occupied[i] >= cell })
		ix.occupied = append(ix.occupied, 0)
		copy(ix.occupied[i+1:], ix.occupied[i:])
		ix.occupied[i] = cell
	}
	bucket[id] = struct{}{}
	ix.entries[id] = indexEntry{point: p, cell: cell}
}

// Remove drops id. Removing an unknown id is a no-op.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if existing, ok := ix.entries[id]; ok {
		ix.removeUnlocked(id, existing)
	}
}

func (ix *Index) removeUnlocked(id string, e indexEntry) {
	delete(ix.entries, id)
	bucket := ix.cells[e.cell]
	delete(bucket, id)
	if len(bucket) > 0 {
		return
	}
	delete(ix.cells, e.cell)
	i := sort.Search(len(ix.occupied), func(i int) bool { return ix.occupied[i] >= e.cell })
	if i < len(ix.occupied) && ix.occupied[i] == e.cell {
		ix.occupied = append(ix.occupied[:i], ix.occupied[i+1:]...)
	}
}

// Get returns the point stored for id.
func (ix *Index) Get(id string) (Point, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	return e.point, ok
}

// Len returns the number of indexed points.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// IDs returns every indexed id in ascending order.
func (ix *Index) IDs() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids := make([]string, 0, len(ix.entries))
	for id := range ix.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// QueryRadius returns the ids within radiusMeters great-circle distance of p,
// in ascending id order.
func (ix *Index) QueryRadius(p Point, radiusMeters float64) []string {
	if radiusMeters < 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.queryRadiusUnlocked(p, radiusMeters)
}

func (ix *Index) queryRadiusUnlocked(p Point, radiusMeters float64) []string {
	var ids []string
	ix.scan(capAround(p, radiusMeters), func(id string, e indexEntry) {
		if Distance(p, e.point) <= radiusMeters {
			ids = append(ids, id)
		}
	})
	sort.Strings(ids)
	return ids
}

// Nearest returns the id closest to p. Ties go to the lowest id.
func (ix *Index) Nearest(p Point) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.entries) == 0 {
		return "", false
	}

	radius := s2.MinWidthMetric.Value(ix.level) * EarthRadiusMeters
	halfCircumference := math.Pi * EarthRadiusMeters
	for radius < halfCircumference {
		if id, ok := ix.closestOf(p, ix.queryRadiusUnlocked(p, radius)); ok {
			return id, true
		}
		radius *= 4
	}

	all := make([]string, 0, len(ix.entries))
	for id := range ix.entries {
		all = append(all, id)
	}
	sort.Strings(all)
	return ix.closestOf(p, all)
}

// closestOf expects ids in ascending order so the first minimum wins ties.
func (ix *Index) closestOf(p Point, ids []string) (string, bool) {
	best, bestDist := "", math.Inf(1)
	for _, id := range ids {
		if d := Distance(p, ix.entries[id].point); d < bestDist {
			best, bestDist = id, d
		}
	}
	return best, best != ""
}

// QueryPolygon returns the ids inside poly, in ascending id order.
func (ix *Index) QueryPolygon(poly Polygon) ([]string, error) {
	l, err := poly.loop()
	if err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var ids []string
	ix.scan(l, func(id string, e indexEntry) {
		if l.ContainsPoint(e.point.s2Point()) {
			ids = append(ids, id)
		}
	})
	sort.Strings(ids)
	return ids, nil
}

// scan visits every entry in an occupied cell intersecting the covering of
// region. Caller must hold the read lock.
func (ix *Index) scan(region s2.Region, visit func(id string, e indexEntry)) {
	if len(ix.occupied) == 0 {
		return
	}
	rc := &s2.RegionCoverer{MinLevel: 0, MaxLevel: ix.level, MaxCells: 16}
	for _, c := range rc.Covering(region) {
		lo, hi := c.RangeMin(), c.RangeMax()
		i := sort.Search(len(ix.occupied), func(i int) bool { return ix.occupied[i] >= lo })
		for ; i < len(ix.occupied) && ix.occupied[i] <= hi; i++ {
			for id := range ix.cells[ix.occupied[i]] {
				visit(id, ix.entries[id])
			}
		}
	}
}
