// Package guidance derives parallel swath lines from a field boundary and
// tracks the vehicle's lateral deviation from the nearest one.
//
// All planar math uses a local equirectangular projection. It is accurate to
// centimetres over a few kilometres, which is plenty for a single field, and
// must not be used at regional scale.
package guidance

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/fieldline/swathguide/common"
)

// LatLon is a WGS84 coordinate in degrees.
type LatLon struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Line is a two-point reference line. Its direction runs Start to End.
type Line struct {
	Start LatLon `json:"start" yaml:"start"`
	End   LatLon `json:"end" yaml:"end"`
}

// Polygon is a field boundary. The closing edge from the last vertex back to
// the first is implied; repeating the first vertex at the end is harmless.
type Polygon []LatLon

// projection maps coordinates near origin onto a plane in metres, x east and
// y north.
type projection struct {
	origin LatLon
	kx, ky float64
}

func newProjection(origin LatLon) projection {
	ky := common.EarthRadiusMeters * math.Pi / 180
	return projection{
		origin: origin,
		kx:     ky * math.Cos(origin.Lat*math.Pi/180),
		ky:     ky,
	}
}

func (p projection) toPlane(ll LatLon) r2.Vec {
	return r2.Vec{
		X: (ll.Lon - p.origin.Lon) * p.kx,
		Y: (ll.Lat - p.origin.Lat) * p.ky,
	}
}

func (p projection) toLatLon(v r2.Vec) LatLon {
	return LatLon{
		Lat: p.origin.Lat + v.Y/p.ky,
		Lon: p.origin.Lon + v.X/p.kx,
	}
}

// segmentDistance is the distance from q to the segment a-b.
func segmentDistance(q, a, b r2.Vec) float64 {
	ab := r2.Sub(b, a)
	l2 := r2.Dot(ab, ab)
	if l2 == 0 {
		return r2.Norm(r2.Sub(q, a))
	}
	t := r2.Dot(r2.Sub(q, a), ab) / l2
	t = math.Max(0, math.Min(1, t))
	return r2.Norm(r2.Sub(q, r2.Add(a, r2.Scale(t, ab))))
}
