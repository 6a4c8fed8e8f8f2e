package spatial

import (
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean earth radius used for great-circle distances.
const EarthRadiusMeters = 6371008.8

// HaversineDistance returns the great-circle distance between two points in meters.
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// PathDistance sums the great-circle distance along consecutive [lat, lon] points.
func PathDistance(points [][2]float64) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += HaversineDistance(points[i-1][0], points[i-1][1], points[i][0], points[i][1])
	}
	return total
}
