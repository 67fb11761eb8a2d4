package guidance

import (
	geo "github.com/kellydunn/golang-geo"

	"github.com/fieldline/swathguide/common"
)

// Vehicle holds the implement dimensions in metres. The antenna offsets
// locate the antenna relative to the implement centre: AntennaForward ahead
// of it and AntennaRight to its right.
type Vehicle struct {
	Width          float64 `json:"width" yaml:"width"`
	Length         float64 `json:"length" yaml:"length"`
	AntennaForward float64 `json:"antenna_forward" yaml:"antenna_forward"`
	AntennaRight   float64 `json:"antenna_right" yaml:"antenna_right"`
}

// Footprint returns the implement outline for an antenna fix at pos with
// the given heading, as front-left, front-right, rear-right, rear-left.
// It returns nil for a vehicle without width.
func Footprint(pos LatLon, headingDeg float64, v Vehicle) Polygon {
	if v.Width <= 0 || v.Length < 0 {
		return nil
	}
	h := common.NormalizeBearing(headingDeg)
	centre := move(geo.NewPoint(pos.Lat, pos.Lon), -v.AntennaForward, h)
	centre = move(centre, -v.AntennaRight, h+90)

	corner := func(fwd, right float64) LatLon {
		p := move(move(centre, fwd, h), right, h+90)
		return LatLon{Lat: p.Lat(), Lon: p.Lng()}
	}
	hl, hw := v.Length/2, v.Width/2
	return Polygon{
		corner(hl, -hw),
		corner(hl, hw),
		corner(-hl, hw),
		corner(-hl, -hw),
	}
}

// move walks metres along bearing; negative metres walk backwards.
func move(p *geo.Point, metres, bearing float64) *geo.Point {
	if metres == 0 {
		return p
	}
	if metres < 0 {
		metres, bearing = -metres, bearing+180
	}
	return p.PointAtDistanceAndBearing(metres/1000, common.NormalizeBearing(bearing))
}
