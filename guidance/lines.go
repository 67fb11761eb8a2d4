package guidance

import (
	"math"
	"sort"
	"sync"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/spatial/r2"
)

const (
	// DefaultMaxLines caps the swaths generated in each direction.
	DefaultMaxLines = 1000

	parallelEps = 1e-9
	pointEps    = 1e-6 // metres
)

// GuidanceLine is one swath clipped to the field. Index is the signed number
// of the pass: 1, 2, ... on the left of the reference direction and -1, -2,
// ... on its right.
type GuidanceLine struct {
	Index int    `json:"index"`
	Start LatLon `json:"start"`
	End   LatLon `json:"end"`
}

// Builder generates guidance lines.
type Builder struct {
	// Overlap is the fraction of the implement width shared by adjacent
	// passes, in [0, 1). 0.12 spaces passes at 88% of the width.
	Overlap float64
	// MaxLines per direction, DefaultMaxLines when zero.
	MaxLines int
}

// EffectiveWidth is the spacing between adjacent passes.
func (b Builder) EffectiveWidth(width float64) float64 {
	ov := b.Overlap
	if ov < 0 || ov >= 1 {
		ov = 0
	}
	return width * (1 - ov)
}

// Build returns the swaths covering field, parallel to ref and spaced by the
// effective width of the implement. Pass k runs k widths from ref; ref itself
// is not a pass. The translated lines extend across the whole field, they are
// not bounded by the ends of ref.
//
// Lines are generated on the positive side first, then the negative side. A
// side ends at the first offset whose line does not cut the boundary at two
// or more distinct points. An offset cutting a concave boundary at more than
// two points is skipped. Degenerate input yields an empty result.
func (b Builder) Build(ref Line, field Polygon, width float64) []GuidanceLine {
	w := b.EffectiveWidth(width)
	if w <= 0 || len(field) < 3 {
		return nil
	}

	proj := newProjection(ref.Start)
	a := proj.toPlane(ref.Start)
	dir := r2.Sub(proj.toPlane(ref.End), a)
	if r2.Norm(dir) < pointEps {
		return nil
	}
	u := r2.Unit(dir)
	n := r2.Vec{X: -u.Y, Y: u.X}

	poly := make([]r2.Vec, len(field))
	reach := r2.Norm(dir)
	for i, ll := range field {
		poly[i] = proj.toPlane(ll)
		reach = math.Max(reach, r2.Norm(r2.Sub(poly[i], a)))
	}
	// Long enough to cross the whole field from any offset.
	half := r2.Scale(2*reach, u)

	limit := b.MaxLines
	if limit <= 0 {
		limit = DefaultMaxLines
	}

	var lines []GuidanceLine
	for _, sign := range []float64{1, -1} {
		for k := 1; k <= limit; k++ {
			off := r2.Scale(sign*float64(k)*w, n)
			s := r2.Add(r2.Sub(a, half), off)
			e := r2.Add(r2.Add(a, half), off)

			pts := clip(s, e, poly)
			if len(pts) < 2 {
				break
			}
			if len(pts) > 2 {
				continue
			}
			lines = append(lines, GuidanceLine{
				Index: int(sign) * k,
				Start: proj.toLatLon(pts[0]),
				End:   proj.toLatLon(pts[1]),
			})
		}
	}
	return lines
}

// clip returns the distinct points where segment s-e crosses the polygon
// edges, ordered from s towards e. Edges parallel to the segment contribute
// nothing.
func clip(s, e r2.Vec, poly []r2.Vec) []r2.Vec {
	r := r2.Sub(e, s)
	type hit struct {
		t float64
		p r2.Vec
	}
	var hits []hit
	for i := range poly {
		p := poly[i]
		q := poly[(i+1)%len(poly)]
		sv := r2.Sub(q, p)

		den := r2.Cross(r, sv)
		if math.Abs(den) < parallelEps {
			continue
		}
		ps := r2.Sub(p, s)
		t := r2.Cross(ps, sv) / den
		v := r2.Cross(ps, r) / den
		// Vertices shared with a pass along an edge must count.
		tolT, tolV := pointEps/r2.Norm(r), pointEps/r2.Norm(sv)
		if t < -tolT || t > 1+tolT || v < -tolV || v > 1+tolV {
			continue
		}
		pt := r2.Add(s, r2.Scale(t, r))

		dup := false
		for _, h := range hits {
			if r2.Norm(r2.Sub(h.p, pt)) < pointEps {
				dup = true
				break
			}
		}
		if !dup {
			hits = append(hits, hit{t: t, p: pt})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].t < hits[j].t })
	pts := make([]r2.Vec, len(hits))
	for i, h := range hits {
		pts[i] = h.p
	}
	return pts
}

// LineSet caches the guidance lines of one (reference line, field, width)
// triple and rebuilds only when one of them changes.
type LineSet struct {
	Builder Builder

	mu    sync.RWMutex
	ref   Line
	field Polygon
	width float64
	lines []GuidanceLine
	built bool
}

// Set replaces the inputs and returns the resulting lines. Unchanged inputs
// return the cached set without rebuilding.
func (s *LineSet) Set(ref Line, field Polygon, width float64) []GuidanceLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.built && ref == s.ref && width == s.width && slices.Equal(field, s.field) {
		return s.lines
	}
	s.ref = ref
	s.field = slices.Clone(field)
	s.width = width
	s.lines = s.Builder.Build(ref, field, width)
	s.built = true
	return s.lines
}

// Lines returns the current set. The slice must not be modified.
func (s *LineSet) Lines() []GuidanceLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lines
}

// Clear drops the current set.
func (s *LineSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines, s.field, s.built = nil, nil, false
}
