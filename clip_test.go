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
	"testing"

	"github.com/ctessum/geom"
)

// generateAndStore fills the grid layer for boundary using the square cell
// generator, mimicking the pipeline's write path.
func generateAndStore(t *testing.T, store *memStore, boundary geom.Polygon, areaName string, cellSize float64) {
	t.Helper()
	cfg := testConfig()
	cfg.CellSize = cellSize
	q, err := NewWriterQueue(store, GridLayer, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	q.Acquire()
	b := AlignBounds(boundary.Bounds(), cellSize, geom.Point{})
	plan := PlanChunks(b, cellSize, cfg.ChunkSize, boundary)
	chunks, err := plan.Chunks()
	if err != nil {
		t.Fatal(err)
	}
	gen := &SquareCellGenerator{CellSize: cellSize, Boundary: boundary, AreaName: areaName}
	orch := &Orchestrator{Generator: gen, Queue: q, Workers: 1}
	if err := orch.Run(context.Background(), chunks); err != nil {
		t.Fatal(err)
	}
	if err := q.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestSynthesizeClipContainsBoundary(t *testing.T) {
	store := newMemStore()
	// A boundary whose edges do not sit on the lattice, so edge cells
	// stick out past it.
	boundary := geom.Polygon{{
		{X: 50, Y: 50},
		{X: 950, Y: 150},
		{X: 850, Y: 950},
		{X: 150, Y: 850},
	}}
	generateAndStore(t, store, boundary, "irregular", 100)

	clip, err := SynthesizeClip(store, GridLayer, "irregular", boundary)
	if err != nil {
		t.Fatal(err)
	}
	if clip == nil {
		t.Fatal("clip polygon is nil")
	}
	// The clip must geometrically contain the original boundary: their
	// intersection equals the boundary.
	isect := clip.Intersection(boundary)
	if isect == nil {
		t.Fatal("clip does not intersect boundary")
	}
	if math.Abs(isect.Area()-boundary.Area()) > 1e-6*boundary.Area() {
		t.Errorf("clip ∩ boundary area = %g, boundary area = %g; clip does not contain boundary",
			isect.Area(), boundary.Area())
	}
	// It must also be strictly larger: the edge cells extend outward.
	if clip.Area() <= boundary.Area() {
		t.Errorf("clip area %g not larger than boundary area %g", clip.Area(), boundary.Area())
	}
}

func TestSynthesizeClipIgnoresOtherAreas(t *testing.T) {
	store := newMemStore()
	boundary := geom.Polygon{{
		{X: 50, Y: 50},
		{X: 450, Y: 50},
		{X: 450, Y: 450},
		{X: 50, Y: 450},
	}}
	neighbor := geom.Polygon{{
		{X: 460, Y: 50},
		{X: 900, Y: 50},
		{X: 900, Y: 450},
		{X: 460, Y: 450},
	}}
	generateAndStore(t, store, boundary, "mine", 100)
	generateAndStore(t, store, neighbor, "theirs", 100)

	clip, err := SynthesizeClip(store, GridLayer, "mine", boundary)
	if err != nil {
		t.Fatal(err)
	}
	// The neighbor's cells overlap the query envelope but belong to a
	// different area and must not widen the clip.
	if clip.Bounds().Max.X > 500+1e-9 {
		t.Errorf("clip extends to x=%g; neighbor cells leaked in", clip.Bounds().Max.X)
	}
}

func TestSynthesizeClipNoEdgeCells(t *testing.T) {
	store := newMemStore()
	// A boundary exactly on the lattice: every cell is fully interior,
	// none touches the outline, so the clip is a clone of the boundary.
	boundary := square(0, 0, 500)
	generateAndStore(t, store, boundary, "exact", 100)

	clip, err := SynthesizeClip(store, GridLayer, "exact", boundary)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(clip.Area()-boundary.Area()) > 1e-9*boundary.Area() {
		t.Errorf("clip area = %g, want boundary area %g", clip.Area(), boundary.Area())
	}
	// The clone must not share backing storage with the boundary.
	clip[0][0].X = -1
	if boundary[0][0].X == -1 {
		t.Error("clip aliases the boundary's ring storage")
	}
}

func TestCascadedUnion(t *testing.T) {
	// Four adjacent unit squares union into one 2×2 square.
	geoms := []geom.Polygonal{
		square(0, 0, 1), square(1, 0, 1), square(0, 1, 1), square(1, 1, 1),
	}
	u := cascadedUnion(geoms)
	if math.Abs(u.Area()-4) > 1e-9 {
		t.Errorf("union area = %g, want 4", u.Area())
	}
	if cascadedUnion(nil) != nil {
		t.Error("union of nothing is not nil")
	}
}
