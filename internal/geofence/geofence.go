// Package geofence decides whether a GPS fix falls inside a rectangular zone.
package geofence

import "math"

// DefaultTolerance absorbs GPS jitter at zone edges (about 5 m).
const DefaultTolerance = 0.00005

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Bounds holds the four scalars of a zone rectangle. Each pair may arrive in
// either order; a nil bound means the zone was never configured.
type Bounds struct {
	LatA, LatB *float64
	LonA, LonB *float64
}

// Configured reports whether every bound is set.
func (b Bounds) Configured() bool {
	return b.LatA != nil && b.LatB != nil && b.LonA != nil && b.LonB != nil
}

// Evaluator tests containment with a fixed edge tolerance.
type Evaluator struct {
	tolerance float64
}

// New returns an evaluator. A non-positive tolerance selects DefaultTolerance.
func New(tolerance float64) Evaluator {
	if tolerance <= 0 || math.IsNaN(tolerance) || math.IsInf(tolerance, 0) {
		tolerance = DefaultTolerance
	}
	return Evaluator{tolerance: tolerance}
}

// Tolerance returns the edge tolerance in degrees.
func (e Evaluator) Tolerance() float64 { return e.tolerance }

// Contains reports whether p lies inside b, widened by the tolerance on every
// edge. Unconfigured bounds and non-finite coordinates never match.
func (e Evaluator) Contains(p Point, b Bounds) bool {
	if !b.Configured() || !finite(p.Lat) || !finite(p.Lon) {
		return false
	}
	return within(p.Lat, *b.LatA, *b.LatB, e.tolerance) &&
		within(p.Lon, *b.LonA, *b.LonB, e.tolerance)
}

// Contains uses DefaultTolerance.
func Contains(p Point, b Bounds) bool {
	return New(DefaultTolerance).Contains(p, b)
}

func within(v, a, b, eps float64) bool {
	if !finite(a) || !finite(b) {
		return false
	}
	lo, hi := math.Min(a, b), math.Max(a, b)
	return lo-eps <= v && v <= hi+eps
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
