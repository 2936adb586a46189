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
	"encoding/gob"
	"fmt"
	"io"
	"math"

	"github.com/ctessum/geom"
	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/floats"
)

// RasterizeMask burns the clip polygon onto the aligned bounding box
// lattice, producing a row-major 0/1 mask with one element per grid cell
// (row 0 is the southernmost). A cell is set when its center lies in the
// clip polygon; because the clip polygon extends the boundary outward to
// whole cells, center sampling is exact on the lattice.
func RasterizeMask(clip geom.Polygonal, b *geom.Bounds, cellSize float64) *sparse.DenseArray {
	nx := int(math.Round((b.Max.X - b.Min.X) / cellSize))
	ny := int(math.Round((b.Max.Y - b.Min.Y) / cellSize))
	mask := sparse.ZerosDense(ny, nx)
	if clip == nil {
		return mask
	}
	for j := 0; j < ny; j++ {
		y := b.Min.Y + (float64(j)+0.5)*cellSize
		for i := 0; i < nx; i++ {
			x := b.Min.X + (float64(i)+0.5)*cellSize
			pt := geom.Point{X: x, Y: y}
			if pt.Within(clip) != geom.Outside {
				mask.Set(1, j, i)
			}
		}
	}
	return mask
}

// MaskCoverage returns the fraction of lattice cells covered by the clip
// polygon, in [0, 1].
func MaskCoverage(mask *sparse.DenseArray) float64 {
	if len(mask.Elements) == 0 {
		return 0
	}
	return floats.Sum(mask.Elements) / float64(len(mask.Elements))
}

// WriteMask serializes a mask raster produced by RasterizeMask.
func WriteMask(w io.Writer, mask *sparse.DenseArray) error {
	if err := gob.NewEncoder(w).Encode(mask); err != nil {
		return fmt.Errorf("gridgen: writing mask raster: %w", err)
	}
	return nil
}

// ReadMask loads a mask raster written by WriteMask. The array is rebuilt
// through the sparse constructor because gob only carries the exported
// fields.
func ReadMask(r io.Reader) (*sparse.DenseArray, error) {
	raw := new(sparse.DenseArray)
	if err := gob.NewDecoder(r).Decode(raw); err != nil {
		return nil, fmt.Errorf("gridgen: reading mask raster: %w", err)
	}
	mask := sparse.ZerosDense(raw.Shape...)
	copy(mask.Elements, raw.Elements)
	return mask, nil
}
