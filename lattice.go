/*
Copyright © 2025 the gridgen authors.
This file is part of gridgen.

gridgen is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

gridgen is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with gridgen.  If not, see <http://www.gnu.org/licenses/>.
*/

package gridgen

import (
	"fmt"
	"math"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
)

// snapTolerance absorbs floating-point noise when deciding whether a
// coordinate already sits exactly on the lattice.
const snapTolerance = 1e-9

// AlignBounds snaps b outward to exact multiples of cellSize measured from
// origin, so the result always fully covers b. All grid cells in one run
// share one origin, so cells from different parts never partially overlap.
func AlignBounds(b *geom.Bounds, cellSize float64, origin geom.Point) *geom.Bounds {
	return &geom.Bounds{
		Min: geom.Point{
			X: snapDown(b.Min.X, cellSize, origin.X),
			Y: snapDown(b.Min.Y, cellSize, origin.Y),
		},
		Max: geom.Point{
			X: snapUp(b.Max.X, cellSize, origin.X),
			Y: snapUp(b.Max.Y, cellSize, origin.Y),
		},
	}
}

func snapDown(v, cellSize, origin float64) float64 {
	n := math.Floor((v-origin)/cellSize + snapTolerance)
	return origin + n*cellSize
}

func snapUp(v, cellSize, origin float64) float64 {
	n := math.Ceil((v-origin)/cellSize - snapTolerance)
	return origin + n*cellSize
}

// TransformBounds reprojects b by transforming all four corners and taking
// the enclosing envelope. Transforming the corners rather than the center
// point avoids under-covering rotated or skewed transforms.
func TransformBounds(b *geom.Bounds, t proj.Transformer) (*geom.Bounds, error) {
	corners := []geom.Point{
		{X: b.Min.X, Y: b.Min.Y},
		{X: b.Max.X, Y: b.Min.Y},
		{X: b.Max.X, Y: b.Max.Y},
		{X: b.Min.X, Y: b.Max.Y},
	}
	out := geom.NewBounds()
	for _, c := range corners {
		x, y, err := t(c.X, c.Y)
		if err != nil {
			return nil, &ProjectionError{Proj: "corner transform", Err: err}
		}
		out.Extend(geom.NewBoundsPoint(geom.Point{X: x, Y: y}))
	}
	return out, nil
}

// AlignTransformedBounds reprojects b from the source coordinate system to
// the target one and snaps the enclosing envelope outward to the cell
// lattice. It fails with a ProjectionError if the transform cannot be
// constructed.
func AlignTransformedBounds(b *geom.Bounds, source, target *proj.SR, cellSize float64, origin geom.Point) (*geom.Bounds, error) {
	t, err := source.NewTransform(target)
	if err != nil {
		return nil, &ProjectionError{Proj: target.Name, Err: err}
	}
	tb, err := TransformBounds(b, t)
	if err != nil {
		return nil, err
	}
	return AlignBounds(tb, cellSize, origin), nil
}

// boundsPolygon converts an envelope to an explicit counter-clockwise
// polygon ring.
func boundsPolygon(b *geom.Bounds) geom.Polygon {
	return geom.Polygon{{
		{X: b.Min.X, Y: b.Min.Y},
		{X: b.Max.X, Y: b.Min.Y},
		{X: b.Max.X, Y: b.Max.Y},
		{X: b.Min.X, Y: b.Max.Y},
	}}
}

// cellPolygon returns the square cell whose lower-left corner is (x, y).
func cellPolygon(x, y, cellSize float64) geom.Polygon {
	return geom.Polygon{{
		{X: x, Y: y},
		{X: x + cellSize, Y: y},
		{X: x + cellSize, Y: y + cellSize},
		{X: x, Y: y + cellSize},
	}}
}

// asPolygonal flattens g to a 2D polygonal geometry. Shapefile Z and M
// variants decode to plain 2D polygons upstream; anything that is not
// polygonal after decoding is rejected.
func asPolygonal(g geom.Geom) (geom.Polygonal, error) {
	switch t := g.(type) {
	case geom.Polygonal:
		return t, nil
	case geom.GeometryCollection:
		var mp geom.MultiPolygon
		for _, sub := range t {
			p, err := asPolygonal(sub)
			if err != nil {
				return nil, err
			}
			mp = append(mp, p.Polygons()...)
		}
		if len(mp) == 0 {
			return nil, fmt.Errorf("gridgen: geometry collection contains no polygons")
		}
		return mp, nil
	default:
		return nil, fmt.Errorf("gridgen: boundary shapes need to be polygons; got %T", g)
	}
}
