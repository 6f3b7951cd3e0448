package models

import "civicsync/geo"

// GeoPoint is a GeoJSON Point, stored as [longitude, latitude] so MongoDB can
// build a 2dsphere index over it.
type GeoPoint struct {
	Type        string    `bson:"type" json:"type"`
	Coordinates []float64 `bson:"coordinates" json:"coordinates"`
}

func NewGeoPoint(p geo.Point) GeoPoint {
	return GeoPoint{Type: "Point", Coordinates: []float64{p.Lon, p.Lat}}
}

// Point converts back to a geo.Point. Malformed coordinates yield the zero point.
func (g GeoPoint) Point() geo.Point {
	if len(g.Coordinates) < 2 {
		return geo.Point{}
	}
	return geo.Point{Lon: g.Coordinates[0], Lat: g.Coordinates[1]}
}
