package geo

import (
	"fmt"
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for every distance conversion.
const EarthRadiusMeters = 6371008.8

// Point is a longitude/latitude pair in degrees.
type Point struct {
	Lon float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Validate reports whether the point is a usable WGS84 coordinate.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", p.Lat)
	}
	if math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0) || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("longitude %v out of range", p.Lon)
	}
	return nil
}

func (p Point) latLng() s2.LatLng {
	return s2.LatLngFromDegrees(p.Lat, p.Lon)
}

func (p Point) s2Point() s2.Point {
	return s2.PointFromLatLng(p.latLng())
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	return a.latLng().Distance(b.latLng()).Radians() * EarthRadiusMeters
}

func metersToAngle(m float64) s1.Angle {
	return s1.Angle(m / EarthRadiusMeters)
}

// Centroid averages points in an equirectangular projection centred on ref.
// Longitude deltas are wrapped so members on both sides of the antimeridian
// average to a point between them instead of the opposite side of the globe.
func Centroid(ref Point, points []Point) Point {
	if len(points) == 0 {
		return ref
	}
	scale := math.Cos(ref.Lat * math.Pi / 180)
	if scale < 1e-6 {
		scale = 1e-6
	}

	var sumX, sumY float64
	for _, p := range points {
		sumX += wrapLon(p.Lon-ref.Lon) * scale
		sumY += p.Lat - ref.Lat
	}
	n := float64(len(points))

	lat := ref.Lat + sumY/n
	if lat > 90 {
		lat = 90
	} else if lat < -90 {
		lat = -90
	}
	return Point{Lon: wrapLon(ref.Lon + sumX/n/scale), Lat: lat}
}

// wrapLon folds a longitude (or longitude delta) into [-180, 180].
func wrapLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

// LevelForRadius returns the deepest S2 level whose cells are at least
// radiusMeters wide, so a cap of that radius touches only a handful of cells.
func LevelForRadius(radiusMeters float64) int {
	if radiusMeters <= 0 {
		return s2.MaxLevel
	}
	return s2.MinWidthMetric.MaxLevel(metersToAngle(radiusMeters).Radians())
}

// CoveringCells returns the tokens of the level cells covering the cap of
// radiusMeters around p. Any two points closer than radiusMeters share at least
// one token, which makes the tokens usable as lock keys for an area.
func CoveringCells(p Point, radiusMeters float64, level int) []string {
	rc := &s2.RegionCoverer{MinLevel: level, MaxLevel: level, MaxCells: 16}
	covering := rc.Covering(capAround(p, radiusMeters))
	tokens := make([]string, 0, len(covering))
	for _, id := range covering {
		tokens = append(tokens, id.ToToken())
	}
	return tokens
}

func capAround(p Point, radiusMeters float64) s2.Cap {
	// Pad slightly so rounding in the covering never loses a boundary point;
	// candidates are re-checked with Distance anyway.
	angle := metersToAngle(radiusMeters*1.0001 + 0.01)
	return s2.CapFromCenterAngle(p.s2Point(), angle)
}

// Polygon is a closed ring of points. The closing vertex may be repeated.
type Polygon []Point

func (poly Polygon) loop() (*s2.Loop, error) {
	pts := []Point(poly)
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	if len(pts) < 3 {
		return nil, fmt.Errorf("polygon needs at least 3 distinct vertices, got %d", len(pts))
	}
	vertices := make([]s2.Point, 0, len(pts))
	for _, p := range pts {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		vertices = append(vertices, p.s2Point())
	}
	l := s2.LoopFromPoints(vertices)
	// Accept either winding order; the smaller of the two regions is meant.
	l.Normalize()
	return l, nil
}

// Contains reports whether p lies inside the polygon.
func (poly Polygon) Contains(p Point) (bool, error) {
	match, err := poly.Matcher()
	if err != nil {
		return false, err
	}
	return match(p), nil
}

// Matcher builds the polygon once and returns a containment test for reuse
// across many points.
func (poly Polygon) Matcher() (func(Point) bool, error) {
	l, err := poly.loop()
	if err != nil {
		return nil, err
	}
	return func(p Point) bool { return l.ContainsPoint(p.s2Point()) }, nil
}

// Ring returns the polygon as a closed GeoJSON linear ring of [lon, lat] pairs.
func (poly Polygon) Ring() [][]float64 {
	ring := make([][]float64, 0, len(poly)+1)
	for _, p := range poly {
		ring = append(ring, []float64{p.Lon, p.Lat})
	}
	if len(poly) > 0 && poly[0] != poly[len(poly)-1] {
		ring = append(ring, []float64{poly[0].Lon, poly[0].Lat})
	}
	return ring
}
