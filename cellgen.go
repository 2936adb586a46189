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
	"context"
	"math"

	"github.com/ctessum/geom"
)

// A CellGenerator produces the grid-cell geometries for one chunk.
type CellGenerator interface {
	GenerateCells(ctx context.Context, chunk *Chunk) ([]*Feature, error)
}

// SquareCellGenerator generates square lattice cells for a chunk. The same
// generator serves inside and edge chunks: inside chunks skip the per-cell
// intersection check entirely.
type SquareCellGenerator struct {
	CellSize float64
	Boundary geom.Polygonal
	AreaName string
	PartName string
}

// GenerateCells iterates cell origins across the chunk's x/y ranges in
// row-major order. For inside chunks every cell is emitted unconditionally.
// For edge chunks a cheap envelope-overlap pre-filter rejects cells whose
// envelope cannot overlap the boundary envelope before the exact
// intersection test. Chunks with zero qualifying cells return an empty
// list, not an error.
func (g *SquareCellGenerator) GenerateCells(ctx context.Context, chunk *Chunk) ([]*Feature, error) {
	skipIntersection := chunk.Class == ChunkInside

	var boundaryBounds *geom.Bounds
	if !skipIntersection {
		if g.Boundary == nil {
			return nil, nil
		}
		boundaryBounds = g.Boundary.Bounds()
	}

	// The chunk envelope is lattice-aligned, so the cell counts are exact
	// integers; indexed iteration avoids accumulating float steps.
	nx := int(math.Round((chunk.XEnd - chunk.XStart) / g.CellSize))
	ny := int(math.Round((chunk.YEnd - chunk.YStart) / g.CellSize))

	var cells []*Feature
	for j := 0; j < ny; j++ {
		y := chunk.YStart + float64(j)*g.CellSize
		for i := 0; i < nx; i++ {
			x := chunk.XStart + float64(i)*g.CellSize
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			cell := cellPolygon(x, y, g.CellSize)
			if !skipIntersection {
				if !cell.Bounds().Overlaps(boundaryBounds) {
					continue
				}
				isect := cell.Intersection(g.Boundary)
				if isect == nil || isect.Area() == 0 {
					continue
				}
			}
			cells = append(cells, &Feature{AreaName: g.AreaName, PartName: g.PartName, Geom: cell})
		}
	}
	return cells, nil
}
