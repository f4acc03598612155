package geo

import (
	"errors"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371 * 1000

var ErrInvalidCoordinates = errors.New("coordinates out of range")

// Point is a WGS84 coordinate pair.
type Point struct {
	Longitude float64 `json:"lon"`
	Latitude  float64 `json:"lat"`
}

// Validate rejects coordinates outside [-180,180]x[-90,90].
func (p Point) Validate() error {
	if p.Longitude < -180 || p.Longitude > 180 {
		return ErrInvalidCoordinates
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return ErrInvalidCoordinates
	}
	return nil
}

// DistanceMeters computes the haversine great-circle distance between two
// points in meters.
func DistanceMeters(a, b Point) float64 {
	latA := a.Latitude * math.Pi / 180
	latB := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(latA)*math.Cos(latB)*sinLon*sinLon
	return 2 * EarthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// PathDistanceMeters sums the pairwise distance along an ordered sequence of
// points. Fewer than two points yield zero.
func PathDistanceMeters(points []Point) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += DistanceMeters(points[i-1], points[i])
	}
	return total
}
