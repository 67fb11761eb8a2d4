package guidance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
)

var origin = LatLon{Lat: 48.137, Lon: 11.575}

// local builds coordinates from metre offsets east/north of origin.
func local(pts ...r2.Vec) Polygon {
	p := newProjection(origin)
	out := make(Polygon, len(pts))
	for i, v := range pts {
		out[i] = p.toLatLon(v)
	}
	return out
}

func plane(ll LatLon) r2.Vec {
	return newProjection(origin).toPlane(ll)
}

func rectangle() Polygon {
	return local(r2.Vec{}, r2.Vec{X: 100}, r2.Vec{X: 100, Y: 40}, r2.Vec{Y: 40})
}

func TestBuild_RectangleCoverage(t *testing.T) {
	field := rectangle()
	ref := Line{Start: field[0], End: field[1]}

	lines := Builder{}.Build(ref, field, 4)
	require.Len(t, lines, 10)

	for i, l := range lines {
		assert.Equal(t, i+1, l.Index)
		s, e := plane(l.Start), plane(l.End)
		assert.InDelta(t, 100, r2.Norm(r2.Sub(e, s)), 1e-3, "line %d length", l.Index)
		assert.InDelta(t, 4*float64(i+1), s.Y, 1e-3, "line %d offset", l.Index)
		assert.InDelta(t, s.Y, e.Y, 1e-6, "line %d parallel", l.Index)
		// Same direction as the reference line.
		assert.Less(t, s.X, e.X)
	}
}

func TestBuild_FieldOnNegativeSide(t *testing.T) {
	field := rectangle()
	ref := Line{Start: field[1], End: field[0]} // westbound, field on the right

	lines := Builder{}.Build(ref, field, 4)
	require.Len(t, lines, 10)
	for i, l := range lines {
		assert.Equal(t, -(i + 1), l.Index)
	}
}

func TestBuild_Overlap(t *testing.T) {
	field := rectangle()
	ref := Line{Start: field[0], End: field[1]}

	b := Builder{Overlap: 0.12}
	assert.InDelta(t, 3.52, b.EffectiveWidth(4), 1e-9)
	lines := b.Build(ref, field, 4)
	require.Len(t, lines, 11)
	for i, l := range lines {
		assert.InDelta(t, 3.52*float64(i+1), plane(l.Start).Y, 1e-3, "line %d offset", l.Index)
	}
}

func TestBuild_ReferenceThroughField(t *testing.T) {
	field := rectangle()
	mid := local(r2.Vec{Y: 20}, r2.Vec{X: 100, Y: 20})

	lines := Builder{}.Build(Line{Start: mid[0], End: mid[1]}, field, 4)
	require.Len(t, lines, 10)

	var got []float64
	var idx []int
	for _, l := range lines {
		got = append(got, plane(l.Start).Y)
		idx = append(idx, l.Index)
	}
	want := []float64{24, 28, 32, 36, 40, 16, 12, 8, 4, 0}
	assert.InDeltaSlice(t, want, got, 1e-3)
	assert.Equal(t, []int{1, 2, 3, 4, 5, -1, -2, -3, -4, -5}, idx)
}

func TestBuild_Triangle(t *testing.T) {
	field := local(r2.Vec{}, r2.Vec{X: 100}, r2.Vec{Y: 100})
	ref := Line{Start: field[0], End: field[1]}

	// The pass at 100 m only touches the apex.
	lines := Builder{}.Build(ref, field, 10)
	require.Len(t, lines, 9)
	for i, l := range lines {
		s, e := plane(l.Start), plane(l.End)
		y := 10 * float64(i+1)
		assert.InDelta(t, y, s.Y, 1e-3)
		assert.InDelta(t, 0, s.X, 1e-3)
		assert.InDelta(t, 100-y, e.X, 1e-3)
	}
}

func TestBuild_ConcaveSkipsSplitPasses(t *testing.T) {
	// 30 x 38 m with a notch open to the north between x=10 and x=20,
	// reaching down to y=12. West of the notch the field ends at y=22.
	field := local(
		r2.Vec{}, r2.Vec{X: 30}, r2.Vec{X: 30, Y: 38}, r2.Vec{X: 20, Y: 38},
		r2.Vec{X: 20, Y: 12}, r2.Vec{X: 10, Y: 12}, r2.Vec{X: 10, Y: 22}, r2.Vec{Y: 22},
	)
	ref := Line{Start: field[0], End: field[1]}

	lines := Builder{}.Build(ref, field, 5)
	var idx []int
	for _, l := range lines {
		idx = append(idx, l.Index)
	}
	// Passes at 15 and 20 m cross the notch and are skipped.
	assert.Equal(t, []int{1, 2, 5, 6, 7}, idx)
	assert.InDelta(t, 20, plane(lines[2].Start).X, 1e-3)
	assert.InDelta(t, 30, plane(lines[2].End).X, 1e-3)
}

func TestBuild_Degenerate(t *testing.T) {
	field := rectangle()
	ref := Line{Start: field[0], End: field[1]}

	assert.Empty(t, Builder{}.Build(ref, field[:2], 4), "two vertices")
	assert.Empty(t, Builder{}.Build(Line{Start: field[0], End: field[0]}, field, 4), "zero length reference")
	assert.Empty(t, Builder{}.Build(ref, field, 0), "zero width")
	assert.Empty(t, Builder{}.Build(ref, field, -3), "negative width")

	far := local(r2.Vec{Y: 500}, r2.Vec{X: 100, Y: 500})
	assert.Empty(t, Builder{}.Build(Line{Start: far[0], End: far[1]}, field, 4), "reference far outside")
}

func TestBuild_MaxLines(t *testing.T) {
	field := rectangle()
	ref := Line{Start: field[0], End: field[1]}
	assert.Len(t, Builder{MaxLines: 3}.Build(ref, field, 4), 3)
}

func TestLineSet_RebuildsOnlyOnChange(t *testing.T) {
	field := rectangle()
	ref := Line{Start: field[0], End: field[1]}

	var s LineSet
	first := s.Set(ref, field, 4)
	require.Len(t, first, 10)

	again := s.Set(ref, append(Polygon(nil), field...), 4)
	assert.Same(t, &first[0], &again[0])
	assert.Same(t, &first[0], &s.Lines()[0])

	wider := s.Set(ref, field, 8)
	assert.Len(t, wider, 5)

	s.Clear()
	assert.Empty(t, s.Lines())
}
