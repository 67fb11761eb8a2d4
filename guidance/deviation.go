package guidance

import (
	"math"

	geo "github.com/kellydunn/golang-geo"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/fieldline/swathguide/common"
)

// DefaultHeadingTolerance is the largest difference in degrees between the
// vehicle heading and a line bearing for the line direction to lock.
const DefaultHeadingTolerance = 30.0

// Side is the vehicle's side of the active line, seen in the direction of
// travel.
type Side int

const (
	SideOn Side = iota
	SideLeft
	SideRight
)

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	}
	return "on"
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Position is a vehicle fix as seen by the Tracker.
type Position struct {
	LatLon
	// HeadingDeg is the course over ground; ignored unless HeadingValid.
	HeadingDeg   float64
	HeadingValid bool
}

// State is the deviation from the active guidance line.
type State struct {
	ActiveLineIndex int `json:"active_line"`
	// LateralMeters is the signed distance from the line, positive on the
	// left, rounded to the centimetre.
	LateralMeters float64 `json:"lateral_m"`
	Side          Side    `json:"side"`
	// HeadingLocked is set when the heading matched one of the line
	// directions. Reversed means travel runs from End to Start.
	HeadingLocked bool `json:"heading_locked"`
	Reversed      bool `json:"reversed"`
}

// Tracker computes deviation states. The zero value uses
// DefaultHeadingTolerance.
type Tracker struct {
	HeadingTolerance float64
}

// Update selects the line nearest to pos and returns the deviation from it.
// It returns false when lines is empty.
func (t Tracker) Update(pos Position, lines []GuidanceLine) (State, bool) {
	if len(lines) == 0 {
		return State{}, false
	}

	proj := newProjection(pos.LatLon)
	var (
		best     = -1
		bestDist = math.Inf(1)
		a, b     r2.Vec
	)
	for i, l := range lines {
		s, e := proj.toPlane(l.Start), proj.toPlane(l.End)
		if d := segmentDistance(r2.Vec{}, s, e); d < bestDist {
			best, bestDist, a, b = i, d, s, e
		}
	}
	line := lines[best]

	st := State{ActiveLineIndex: line.Index}
	if pos.HeadingValid {
		st.HeadingLocked, st.Reversed = t.lock(pos.HeadingDeg, line)
	}
	if st.Reversed {
		a, b = b, a
	}

	dir := r2.Sub(b, a)
	l := r2.Norm(dir)
	if l == 0 {
		return st, true
	}
	// The vehicle sits at the projection origin.
	st.LateralMeters = common.RoundTo(r2.Cross(dir, r2.Scale(-1, a))/l, 2)
	switch {
	case st.LateralMeters > 0:
		st.Side = SideLeft
	case st.LateralMeters < 0:
		st.Side = SideRight
	default:
		st.Side = SideOn
		st.LateralMeters = 0
	}
	return st, true
}

// lock compares heading with both bearings of line.
func (t Tracker) lock(heading float64, line GuidanceLine) (locked, reversed bool) {
	tol := t.HeadingTolerance
	if tol <= 0 {
		tol = DefaultHeadingTolerance
	}
	start := geo.NewPoint(line.Start.Lat, line.Start.Lon)
	end := geo.NewPoint(line.End.Lat, line.End.Lon)

	fwd := common.AngleDiff(heading, start.BearingTo(end))
	rev := common.AngleDiff(heading, end.BearingTo(start))
	switch {
	case fwd <= tol && (rev > tol || fwd <= rev):
		return true, false
	case rev <= tol:
		return true, true
	}
	return false, false
}
