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

	"github.com/ctessum/geom"
)

// SynthesizeClip reads back, via a spatially filtered query against the
// just-written grid, every cell of the part's grid that touches the
// boundary's outline, and unions those cells together with the original
// boundary in one cascaded union. Cells fully interior to the boundary do
// not widen it and are skipped. The result always geometrically contains
// the original boundary. If no cells touch the outline (degenerate or very
// small areas), the clip polygon is a clone of the boundary.
//
// The query is only valid after all of the part's write items have been
// durably committed; callers must flush the writer queue first.
func SynthesizeClip(store SpatialStore, layer, areaName string, boundary geom.Polygonal) (geom.Polygon, error) {
	it, err := store.Query(layer, boundary.Bounds())
	if err != nil {
		return nil, fmt.Errorf("gridgen: querying grid cells for %q: %w", areaName, err)
	}
	feats, err := collectFeatures(it)
	if err != nil {
		return nil, fmt.Errorf("gridgen: reading grid cells for %q: %w", areaName, err)
	}

	geoms := []geom.Polygonal{boundary}
	for _, f := range feats {
		if f.AreaName != areaName {
			continue
		}
		if touchesOutline(f.Geom, boundary) {
			geoms = append(geoms, f.Geom)
		}
	}
	if len(geoms) == 1 {
		return clonePolygonal(boundary), nil
	}
	return cascadedUnion(geoms), nil
}

// touchesOutline reports whether cell crosses the boundary's outline: it
// overlaps the boundary but is not fully contained in its interior.
func touchesOutline(cell, boundary geom.Polygonal) bool {
	isect := cell.Intersection(boundary)
	if isect == nil {
		return false
	}
	a := isect.Area()
	if a == 0 {
		return false
	}
	return a < cell.Area()*(1-containTolerance)
}

// cascadedUnion merges the polygons by pairwise tree reduction rather than
// iteratively accumulating into one growing polygon, which degrades badly
// on areas with thousands of boundary cells.
func cascadedUnion(geoms []geom.Polygonal) geom.Polygon {
	if len(geoms) == 0 {
		return nil
	}
	for len(geoms) > 1 {
		merged := make([]geom.Polygonal, 0, (len(geoms)+1)/2)
		for i := 0; i < len(geoms); i += 2 {
			if i+1 == len(geoms) {
				merged = append(merged, geoms[i])
				continue
			}
			merged = append(merged, geoms[i].Union(geoms[i+1]))
		}
		geoms = merged
	}
	return asPolygon(geoms[0])
}

func asPolygon(p geom.Polygonal) geom.Polygon {
	if poly, ok := p.(geom.Polygon); ok {
		return poly
	}
	var out geom.Polygon
	for _, sub := range p.Polygons() {
		out = append(out, sub...)
	}
	return out
}

// clonePolygonal deep-copies the rings of p into a fresh polygon.
func clonePolygonal(p geom.Polygonal) geom.Polygon {
	var out geom.Polygon
	for _, sub := range p.Polygons() {
		for _, ring := range sub {
			r := make([]geom.Point, len(ring))
			copy(r, ring)
			out = append(out, r)
		}
	}
	return out
}
