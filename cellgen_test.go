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
	"testing"

	"github.com/ctessum/geom"
)

// countingBoundary wraps a polygon and counts how often the clipping code
// decomposes it, which happens once per exact intersection test against it.
type countingBoundary struct {
	geom.Polygon
	clips *int
}

func (b countingBoundary) Polygons() []geom.Polygon {
	*b.clips++
	return b.Polygon.Polygons()
}

func TestSquareCellGeneratorInsideChunk(t *testing.T) {
	var calls int
	boundary := countingBoundary{Polygon: square(0, 0, 10000), clips: &calls}
	gen := &SquareCellGenerator{CellSize: 100, Boundary: boundary, AreaName: "test"}

	chunk := &Chunk{
		Class:  ChunkInside,
		XStart: 1000, XEnd: 2000,
		YStart: 1000, YEnd: 2000,
	}
	cells, err := gen.GenerateCells(context.Background(), chunk)
	if err != nil {
		t.Fatal(err)
	}
	// A 10×10-cell inside chunk emits every cell without testing any of
	// them against the boundary.
	if len(cells) != 100 {
		t.Errorf("inside chunk produced %d cells, want 100", len(cells))
	}
	if calls != 0 {
		t.Errorf("inside chunk performed %d intersection tests, want 0", calls)
	}
	for _, c := range cells {
		if c.AreaName != "test" {
			t.Fatalf("cell carries area name %q, want test", c.AreaName)
		}
		if c.Geom.Area() != 100*100 {
			t.Fatalf("cell area = %g, want 10000", c.Geom.Area())
		}
	}

	// The same generator over an edge chunk does clip against the
	// boundary, confirming the counter is live.
	edge := &Chunk{
		Class:  ChunkEdge,
		XStart: 9000, XEnd: 10000,
		YStart: 9000, YEnd: 10000,
	}
	if _, err := gen.GenerateCells(context.Background(), edge); err != nil {
		t.Fatal(err)
	}
	if calls == 0 {
		t.Error("edge chunk performed no intersection tests")
	}
}

func TestSquareCellGeneratorEdgeChunk(t *testing.T) {
	// A triangular boundary covering the lower-left half of a chunk:
	// cells strictly above the diagonal have zero intersection area and
	// must be dropped.
	boundary := geom.Polygon{{
		{X: 0, Y: 0},
		{X: 1000, Y: 0},
		{X: 0, Y: 1000},
	}}
	gen := &SquareCellGenerator{CellSize: 100, Boundary: boundary, AreaName: "tri"}
	chunk := &Chunk{
		Class:  ChunkEdge,
		XStart: 0, XEnd: 1000,
		YStart: 0, YEnd: 1000,
	}
	cells, err := gen.GenerateCells(context.Background(), chunk)
	if err != nil {
		t.Fatal(err)
	}
	// Cells whose lower-left corner (i, j) satisfies (i+j+2)*100 <= 1000
	// lie under the diagonal entirely; those crossing it partially also
	// count. For a 10×10 chunk over this triangle that is 10+9+...+1 = 55
	// intersecting cells (cells touching the hypotenuse at only a point
	// have zero intersection area and are dropped).
	if len(cells) != 55 {
		t.Errorf("edge chunk produced %d cells, want 55", len(cells))
	}
	for _, c := range cells {
		isect := c.Geom.Intersection(boundary)
		if isect == nil || isect.Area() == 0 {
			t.Fatalf("emitted cell %v does not intersect the boundary", c.Geom.Bounds())
		}
	}
}

func TestSquareCellGeneratorEmptyChunk(t *testing.T) {
	// An edge-classified chunk whose cells all miss the boundary yields
	// an empty list, not an error.
	boundary := square(5000, 5000, 100)
	gen := &SquareCellGenerator{CellSize: 100, Boundary: boundary, AreaName: "far"}
	chunk := &Chunk{
		Class:  ChunkEdge,
		XStart: 0, XEnd: 1000,
		YStart: 0, YEnd: 1000,
	}
	cells, err := gen.GenerateCells(context.Background(), chunk)
	if err != nil {
		t.Errorf("empty chunk returned error: %v", err)
	}
	if len(cells) != 0 {
		t.Errorf("empty chunk produced %d cells, want 0", len(cells))
	}
}

func TestSquareCellGeneratorCanceled(t *testing.T) {
	boundary := square(0, 0, 10000)
	gen := &SquareCellGenerator{CellSize: 100, Boundary: boundary, AreaName: "x"}
	chunk := &Chunk{
		Class:  ChunkInside,
		XStart: 0, XEnd: 5000,
		YStart: 0, YEnd: 5000,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := gen.GenerateCells(ctx, chunk); err != context.Canceled {
		t.Errorf("canceled generation returned %v, want context.Canceled", err)
	}
}
