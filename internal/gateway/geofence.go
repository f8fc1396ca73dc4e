package gateway

import "math"

// DefaultGeofenceRadiusMeters is how close an actor must be to a venue for a
// write to be permitted. A distance exactly equal to the radius is allowed;
// 100.0m passes, 100.1m is rejected.
const DefaultGeofenceRadiusMeters = 100.0

const earthRadiusMeters = 6371000.0

// HaversineMeters computes the great-circle distance between two coordinates.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// WithinGeofence reports whether the measured distance is inside the radius,
// boundary inclusive.
func WithinGeofence(distanceMeters, radiusMeters float64) bool {
	return distanceMeters <= radiusMeters
}
