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
	"os"
	"testing"
	"time"

	"github.com/ctessum/geom"
)

// testProj is a projection that parses without external grid files.
const testProj = "+proj=utm +zone=33 +datum=WGS84 +units=m +no_defs"

func makeArea(name string, g geom.Polygonal) *Area {
	a := &Area{Name: name, Geom: g, Validity: GeometryValid}
	a.Parts = explodeParts(a)
	return a
}

func testPipeline(t *testing.T, store *memStore, ledgerStore *memLedger) *Pipeline {
	t.Helper()
	cfg := testConfig()
	cfg.GridProj = testProj
	ledger, err := NewLedger(ledgerStore, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &Pipeline{
		Config:  cfg,
		Store:   store,
		Ledger:  ledger,
		MaskDir: t.TempDir(),
	}
}

func TestPipelineRun(t *testing.T) {
	store := newMemStore()
	ledgerStore := newMemLedger()
	p := testPipeline(t, store, ledgerStore)

	// A 500×500 boundary aligned to its own origin: a 5×5 cell grid.
	areas := []*Area{makeArea("plot", square(50, 50, 500))}
	summary, err := p.Run(context.Background(), areas)
	if err != nil {
		t.Fatal(err)
	}

	if summary.ValidParts != 1 || summary.FailedParts != 0 {
		t.Errorf("summary = %s, want 1 valid part and no failures", summary)
	}
	if summary.CellsWritten != 25 {
		t.Errorf("summary reports %d cells, want 25", summary.CellsWritten)
	}
	if n := len(store.features(GridLayer)); n != 25 {
		t.Errorf("grid layer holds %d cells, want 25", n)
	}
	clips := store.features(ClipLayer)
	if len(clips) != 1 {
		t.Fatalf("clip layer holds %d polygons, want 1", len(clips))
	}
	if clips[0].AreaName != "plot" {
		t.Errorf("clip polygon belongs to %q, want plot", clips[0].AreaName)
	}

	part := areas[0].Parts[0]
	if part.Status == nil || !part.Status.Done() {
		t.Errorf("part status = %+v, want all stages complete", part.Status)
	}
	if part.CellCount != 25 {
		t.Errorf("part cell count = %d, want 25", part.CellCount)
	}
	if part.MaskFile == "" {
		t.Fatal("no mask file recorded")
	}
	f, err := os.Open(part.MaskFile)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	mask, err := ReadMask(f)
	if err != nil {
		t.Fatal(err)
	}
	// The boundary is lattice-aligned relative to the run origin, so the
	// clip covers it exactly and every mask element is set.
	if mask.Sum() != 25 {
		t.Errorf("mask sum = %g, want 25", mask.Sum())
	}
}

func TestPipelineIdempotentRerun(t *testing.T) {
	store := newMemStore()
	ledgerStore := newMemLedger()
	areas := []*Area{makeArea("plot", square(0, 0, 300))}

	p := testPipeline(t, store, ledgerStore)
	if _, err := p.Run(context.Background(), areas); err != nil {
		t.Fatal(err)
	}
	cellsAfterFirst := len(store.features(GridLayer))
	clipsAfterFirst := len(store.features(ClipLayer))
	callsAfterFirst := store.calls

	// A second run over the same input with a completed ledger performs
	// no additional writes.
	p2 := testPipeline(t, store, ledgerStore)
	summary, err := p2.Run(context.Background(), []*Area{makeArea("plot", square(0, 0, 300))})
	if err != nil {
		t.Fatal(err)
	}
	if summary.CellsWritten != 0 {
		t.Errorf("re-run wrote %d cells, want 0", summary.CellsWritten)
	}
	if n := len(store.features(GridLayer)); n != cellsAfterFirst {
		t.Errorf("grid layer grew from %d to %d cells on re-run", cellsAfterFirst, n)
	}
	if n := len(store.features(ClipLayer)); n != clipsAfterFirst {
		t.Errorf("clip layer grew from %d to %d polygons on re-run", clipsAfterFirst, n)
	}
	if store.calls != callsAfterFirst {
		t.Errorf("re-run issued %d extra commits", store.calls-callsAfterFirst)
	}
}

func TestPipelineResumesFromCompletedStages(t *testing.T) {
	store := newMemStore()
	ledgerStore := newMemLedger()
	areas := []*Area{makeArea("plot", square(0, 0, 300))}

	p := testPipeline(t, store, ledgerStore)
	if _, err := p.Run(context.Background(), areas); err != nil {
		t.Fatal(err)
	}

	// Clear only the mask flag, as if the first run died between the clip
	// and mask stages. The resumed run must redo just the mask, reading
	// the clip polygon back from the store.
	if err := ledgerStore.SetPartFlag("plot", StageMask, false, 0); err != nil {
		t.Fatal(err)
	}
	cells := len(store.features(GridLayer))
	clips := len(store.features(ClipLayer))

	p2 := testPipeline(t, store, ledgerStore)
	resumed := []*Area{makeArea("plot", square(0, 0, 300))}
	if _, err := p2.Run(context.Background(), resumed); err != nil {
		t.Fatal(err)
	}
	if n := len(store.features(GridLayer)); n != cells {
		t.Errorf("grid layer grew from %d to %d cells on resume", cells, n)
	}
	if n := len(store.features(ClipLayer)); n != clips {
		t.Errorf("clip layer grew from %d to %d polygons on resume", clips, n)
	}
	if resumed[0].Parts[0].MaskFile == "" {
		t.Error("resumed run did not rebuild the mask")
	}
	rec, err := ledgerStore.GetPart("plot")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Done() {
		t.Errorf("resumed part record = %+v, want done", rec)
	}
}

func TestPipelineMultiPartResumedMask(t *testing.T) {
	store := newMemStore()
	ledgerStore := newMemLedger()

	// Two disjoint 300×300 squares as one multi-polygon area: two parts
	// sharing an area name.
	multi := func() *Area {
		return makeArea("m", geom.MultiPolygon{square(0, 0, 300), square(1000, 1000, 300)})
	}
	p := testPipeline(t, store, ledgerStore)
	areas := []*Area{multi()}
	if _, err := p.Run(context.Background(), areas); err != nil {
		t.Fatal(err)
	}
	if got := len(areas[0].Parts); got != 2 {
		t.Fatalf("area exploded into %d parts, want 2", got)
	}
	clips := store.features(ClipLayer)
	if len(clips) != 2 {
		t.Fatalf("clip layer holds %d polygons, want 2", len(clips))
	}
	for _, c := range clips {
		if c.PartName == "" {
			t.Fatalf("clip polygon for %q carries no part name", c.AreaName)
		}
	}

	// Clear the second part's mask flag, as if the first run died between
	// its clip and mask stages, and re-run: the resumed mask stage must
	// rasterize that part's own clip polygon, not the first part's.
	part1 := areas[0].Parts[1]
	if err := ledgerStore.SetPartFlag(part1.Name, StageMask, false, 0); err != nil {
		t.Fatal(err)
	}
	p2 := testPipeline(t, store, ledgerStore)
	resumed := []*Area{multi()}
	if _, err := p2.Run(context.Background(), resumed); err != nil {
		t.Fatal(err)
	}
	maskFile := resumed[0].Parts[1].MaskFile
	if maskFile == "" {
		t.Fatal("resumed part did not rebuild its mask")
	}
	f, err := os.Open(maskFile)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	mask, err := ReadMask(f)
	if err != nil {
		t.Fatal(err)
	}
	// The part is lattice-aligned, so its own clip covers its 3×3 grid
	// exactly; the first part's clip would cover none of it.
	if mask.Sum() != 9 {
		t.Errorf("resumed part mask sum = %g, want 9", mask.Sum())
	}
}

func TestPipelineClipAppendContention(t *testing.T) {
	store := newMemStore()
	ledgerStore := newMemLedger()
	areas := []*Area{makeArea("plot", square(0, 0, 300))}

	// Seed the ledger as if the run died after the grid stage; the clip
	// append is then the first store write of the resumed run. A single
	// transient lock must be retried, not escalated to a part failure.
	if err := ledgerStore.BeginPart("plot", "plot", time.Now()); err != nil {
		t.Fatal(err)
	}
	for _, stage := range []string{StageGeometry, StageGrid} {
		if err := ledgerStore.SetPartFlag("plot", stage, true, 0); err != nil {
			t.Fatal(err)
		}
	}
	store.failures = 1

	p := testPipeline(t, store, ledgerStore)
	summary, err := p.Run(context.Background(), areas)
	if err != nil {
		t.Fatal(err)
	}
	if summary.FailedParts != 0 {
		t.Errorf("summary reports %d failed parts, want 0", summary.FailedParts)
	}
	if n := len(store.features(ClipLayer)); n != 1 {
		t.Errorf("clip layer holds %d polygons, want 1", n)
	}
}

func TestPipelineSkipsInvalidAreas(t *testing.T) {
	store := newMemStore()
	ledgerStore := newMemLedger()
	p := testPipeline(t, store, ledgerStore)

	broken := &Area{Name: "broken", Geom: square(0, 0, 100), Validity: GeometryInvalid}
	good := makeArea("good", square(0, 0, 300))
	summary, err := p.Run(context.Background(), []*Area{broken, good})
	if err != nil {
		t.Fatal(err)
	}
	if summary.InvalidParts != 1 {
		t.Errorf("summary reports %d invalid parts, want 1", summary.InvalidParts)
	}
	if summary.ValidParts != 1 {
		t.Errorf("summary reports %d valid parts, want 1", summary.ValidParts)
	}
	for _, f := range store.features(GridLayer) {
		if f.AreaName == "broken" {
			t.Fatal("invalid area produced grid cells")
		}
	}
}

func TestPipelineCellSizeRequired(t *testing.T) {
	p := testPipeline(t, newMemStore(), newMemLedger())
	p.Config.CellSize = 0
	if _, err := p.Run(context.Background(), nil); err == nil {
		t.Error("zero cell size accepted")
	}
}
