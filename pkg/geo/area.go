package geo

import (
	"fmt"
	"math"
)

// Authalic radius of the WGS84 ellipsoid in metres: the radius of the sphere
// with the same surface area, so rectangle areas computed on it match the
// ellipsoid to well under a tenth of a percent.
const authalicRadiusWGS84 = 6371007.1809

// Area returns the surface area of the bounding box in square metres.
func (b Bounds) Area() float64 {
	dLon := (b.MaxLon - b.MinLon) * math.Pi / 180
	s1 := math.Sin(b.MinLat * math.Pi / 180)
	s2 := math.Sin(b.MaxLat * math.Pi / 180)
	return math.Abs(authalicRadiusWGS84 * authalicRadiusWGS84 * dLon * (s2 - s1))
}

func wktPolygon(minLon, minLat, maxLon, maxLat float64) string {
	return fmt.Sprintf("POLYGON((%v %v, %v %v, %v %v, %v %v, %v %v))",
		minLon, minLat, maxLon, minLat, maxLon, maxLat, minLon, maxLat, minLon, minLat)
}
