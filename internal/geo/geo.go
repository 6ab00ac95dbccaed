// Package geo holds the great-circle math shared by every component that
// reasons about vehicle and stop positions.
package geo

import "math"

const earthRadiusKm = 6371.0

// metersPerDegreeLat is the approximate north-south span of one degree of
// latitude. Longitude spans shrink by cos(latitude) away from the equator.
const metersPerDegreeLat = 111000.0

// Coordinates is a WGS84 latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DistanceKm returns the great-circle distance between a and b via the
// haversine formula. Callers are responsible for valid coordinate ranges.
func DistanceKm(a, b Coordinates) float64 {
	dLat := toRad(b.Latitude - a.Latitude)
	dLon := toRad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Latitude))*math.Cos(toRad(b.Latitude))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// BearingDegrees returns the initial bearing from one point towards another,
// normalized into [0,360).
func BearingDegrees(from, to Coordinates) float64 {
	dLon := toRad(to.Longitude - from.Longitude)
	lat1 := toRad(from.Latitude)
	lat2 := toRad(to.Latitude)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)

	bearing := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(bearing+360, 360)
}

// BoundingBox is an axis-aligned latitude/longitude rectangle used as a cheap
// approximation of a circular search radius. The approximation is acceptable
// for radii up to tens of kilometers at non-polar latitudes.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// NewBoundingBox derives the box around a center point for the given radius:
// the latitude delta is radius/111000 degrees and the longitude delta is
// widened by cos(latitude) to compensate for meridian convergence.
func NewBoundingBox(lat, lon, radiusMeters float64) BoundingBox {
	latDelta := radiusMeters / metersPerDegreeLat
	lonDelta := radiusMeters / (metersPerDegreeLat * math.Cos(toRad(lat)))
	return BoundingBox{
		MinLat: lat - latDelta,
		MaxLat: lat + latDelta,
		MinLon: lon - lonDelta,
		MaxLon: lon + lonDelta,
	}
}

// Contains reports whether c falls inside the box.
func (b BoundingBox) Contains(c Coordinates) bool {
	return c.Latitude >= b.MinLat && c.Latitude <= b.MaxLat &&
		c.Longitude >= b.MinLon && c.Longitude <= b.MaxLon
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
