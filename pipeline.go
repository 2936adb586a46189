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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/sirupsen/logrus"
)

// Pipeline drives grid generation per part, in strict stage order: align
// bounding box, plan and generate the grid in parallel, persist through the
// single writer, synthesize the clip polygon, rasterize the mask, and
// update the status ledger after each stage. Failure is per part, not per
// run: an unrecoverable stage failure marks the part failed in the ledger
// and the pipeline continues with the next part.
type Pipeline struct {
	Config *GridConfig
	Store  SpatialStore
	Ledger *Ledger
	Log    *logrus.Logger

	// MaskDir receives the per-part mask rasters. Empty disables the mask
	// stage handoff to disk (the flag is still recorded).
	MaskDir string

	sr     *proj.SR
	origin geom.Point
}

// Run processes every part of every area. The returned summary is a valid
// terminal state even when some parts failed.
func (p *Pipeline) Run(ctx context.Context, areas []*Area) (*RunSummary, error) {
	start := time.Now()
	if err := p.Config.applyDefaults(); err != nil {
		return nil, err
	}
	if p.Log == nil {
		p.Log = logrus.StandardLogger()
	}
	sr, err := p.Config.SR()
	if err != nil {
		return nil, err
	}
	p.sr = sr

	summary := &RunSummary{StageDurations: make(map[string]time.Duration)}
	for _, a := range areas {
		switch a.Validity {
		case GeometryValid:
			summary.ValidParts += len(a.Parts)
		case GeometryFixed:
			summary.FixedParts += len(a.Parts)
		case GeometryInvalid:
			summary.InvalidParts++
			cause := a.Err
			if cause == nil {
				cause = &InvalidGeometryError{Area: a.Name, Err: fmt.Errorf("boundary failed validity repair")}
			}
			p.Log.WithField("area", a.Name).Warnf("%v", cause)
			continue
		}
	}

	// One lattice origin for the whole run: the minimum corner of the
	// combined extent. Cells from different parts can therefore never
	// partially overlap.
	p.origin = runOrigin(areas)

	for _, a := range areas {
		if a.Validity == GeometryInvalid {
			continue
		}
		if err := p.runArea(ctx, a, summary); err != nil {
			// Shared-infrastructure failures abort the run.
			return summary, err
		}
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
	}
	summary.Elapsed = time.Since(start)
	if recs, err := p.Ledger.All(); err == nil {
		for _, r := range recs {
			for stage, d := range r.Durations {
				summary.StageDurations[stage] += d
			}
		}
	}
	return summary, nil
}

// runOrigin returns the minimum corner of all areas' combined extent.
func runOrigin(areas []*Area) geom.Point {
	total := geom.NewBounds()
	for _, a := range areas {
		if a.Validity == GeometryInvalid {
			continue
		}
		total.Extend(a.Geom.Bounds())
	}
	return total.Min
}

// runArea processes an area's parts sequentially, sharing one writer queue
// across them; the write handle closes when the last part releases it.
func (p *Pipeline) runArea(ctx context.Context, a *Area, summary *RunSummary) error {
	queue, err := NewWriterQueue(p.Store, GridLayer, p.Config, p.Log)
	if err != nil {
		return err
	}
	if err := p.Store.CreateLayerIfAbsent(ClipLayer); err != nil {
		return err
	}

	// One reference per part: the write handle closes when the last part
	// releases it.
	for range a.Parts {
		queue.Acquire()
	}
	remaining := len(a.Parts)
	for _, part := range a.Parts {
		err := p.runPart(ctx, a, part, queue)
		if relErr := queue.Release(); relErr != nil && err == nil {
			err = relErr
		}
		remaining--
		if ctx.Err() != nil {
			// Cancellation: the ledger keeps the last fully completed
			// stage so the part resumes safely. Drop the remaining
			// references so the writer shuts down.
			for ; remaining > 0; remaining-- {
				queue.Release()
			}
			return ctx.Err()
		}
		if err != nil {
			summary.FailedParts++
			p.Log.WithFields(logrus.Fields{
				"area": a.Name,
				"part": part.Name,
			}).Errorf("part failed: %v", err)
		}
	}
	summary.CellsWritten += queue.Written()
	return nil
}

// runPart drives one part through the stages it has not yet completed.
func (p *Pipeline) runPart(ctx context.Context, a *Area, part *Part, queue *WriterQueue) error {
	rec, err := p.Ledger.Get(part.Name)
	if err != nil {
		return err
	}
	if rec != nil && rec.Done() {
		p.Log.WithField("part", part.Name).Info("already complete; skipping")
		part.Status = rec
		return nil
	}
	if err := p.Ledger.Begin(part.Name, a.Name); err != nil {
		return err
	}
	if rec == nil {
		rec = &StatusRecord{PartName: part.Name, AreaName: a.Name}
	}
	part.Status = rec

	// Geometry stage: align the part's bounding box to the run lattice.
	if !rec.GeometryProcessed {
		if err := p.stage(part, StageGeometry, func() error {
			part.AlignedBounds = AlignBounds(part.Geom.Bounds(), p.Config.CellSize, p.origin)
			rec.GeometryProcessed = true
			return nil
		}); err != nil {
			return p.fail(part, StageGeometry, err)
		}
	} else if part.AlignedBounds == nil {
		part.AlignedBounds = AlignBounds(part.Geom.Bounds(), p.Config.CellSize, p.origin)
	}

	// Grid stage: plan chunks, generate cells in parallel, persist through
	// the single writer.
	if !rec.GridProcessed {
		if err := p.stage(part, StageGrid, func() error {
			return p.generateGrid(ctx, part, queue)
		}); err != nil {
			return p.fail(part, StageGrid, err)
		}
		rec.GridProcessed = true
	}

	// Clip stage: read the just-written grid back and union the
	// edge-touching cells with the boundary. Requires the part's writes to
	// be durably committed first.
	if !rec.ClipGeometryProcessed {
		if err := p.stage(part, StageClip, func() error {
			if err := queue.Flush(); err != nil {
				return err
			}
			clip, err := SynthesizeClip(p.Store, GridLayer, part.AreaName, part.Geom)
			if err != nil {
				return err
			}
			part.Clip = clip
			return retryContention(func() error {
				return p.Store.AppendFeatures(ClipLayer, []*Feature{{
					AreaName: part.AreaName,
					PartName: part.Name,
					Geom:     clip,
				}})
			}, p.Config.StoreRetries, p.Config.StoreRetryInterval, nil)
		}); err != nil {
			return p.fail(part, StageClip, err)
		}
		rec.ClipGeometryProcessed = true
	}

	// Mask stage: rasterize the clip polygon onto the aligned lattice.
	if !rec.MaskProcessed {
		if err := p.stage(part, StageMask, func() error {
			if p.MaskDir == "" {
				return nil
			}
			if part.Clip == nil {
				// Resumed run: the clip stage completed previously, so
				// read the clip polygon back from the store.
				clip, err := p.loadClip(part.Name)
				if err != nil {
					return err
				}
				part.Clip = clip
			}
			mask := RasterizeMask(part.Clip, part.AlignedBounds, p.Config.CellSize)
			p.Log.WithFields(logrus.Fields{
				"part":     part.Name,
				"coverage": MaskCoverage(mask),
			}).Info("mask rasterized")
			fname := filepath.Join(p.MaskDir, part.Name+".mask")
			w, err := os.Create(fname)
			if err != nil {
				return fmt.Errorf("gridgen: creating mask file: %w", err)
			}
			defer w.Close()
			if err := WriteMask(w, mask); err != nil {
				return err
			}
			part.MaskFile = fname
			return nil
		}); err != nil {
			return p.fail(part, StageMask, err)
		}
		rec.MaskProcessed = true
	}

	return p.Ledger.Finish(part.Name)
}

// stage runs fn, timing it and recording the stage flag in the ledger on
// success.
func (p *Pipeline) stage(part *Part, stage string, fn func() error) error {
	start := time.Now()
	if err := fn(); err != nil {
		return err
	}
	d := time.Since(start)
	p.Log.WithFields(logrus.Fields{
		"part":     part.Name,
		"stage":    stage,
		"duration": d.String(),
	}).Info("stage complete")
	return p.Ledger.Set(part.Name, stage, true, d)
}

// loadClip reads a part's previously synthesized clip polygon back from the
// clip layer. Clip features are keyed by part name, not area name: parts of
// a multi-part area store separate clip polygons.
func (p *Pipeline) loadClip(partName string) (geom.Polygon, error) {
	it, err := p.Store.Query(ClipLayer, nil)
	if err != nil {
		return nil, err
	}
	feats, err := collectFeatures(it)
	if err != nil {
		return nil, err
	}
	for _, f := range feats {
		if f.PartName == partName {
			return asPolygon(f.Geom), nil
		}
	}
	return nil, fmt.Errorf("gridgen: no clip polygon stored for part %q", partName)
}

func (p *Pipeline) fail(part *Part, stage string, cause error) error {
	if lerr := p.Ledger.MarkFailed(part.Name, stage, cause); lerr != nil {
		p.Log.WithField("part", part.Name).Errorf("recording failure: %v", lerr)
	}
	return cause
}

// generateGrid plans the part's chunks and runs the cell generators over
// the worker pool, excluding outside chunks from all downstream work.
func (p *Pipeline) generateGrid(ctx context.Context, part *Part, queue *WriterQueue) error {
	plan := PlanChunks(part.AlignedBounds, p.Config.CellSize, p.Config.ChunkSize, part.Geom)
	chunks, err := plan.Chunks()
	if err != nil {
		return err
	}

	var gen CellGenerator
	if p.Config.Scale == ScaleRegional {
		hexGen, err := NewHexCellGenerator(p.sr, p.Config.H3Resolution, part.Geom, part.AreaName)
		if err != nil {
			return err
		}
		hexGen.PartName = part.Name
		gen = hexGen
	} else {
		gen = &SquareCellGenerator{
			CellSize: p.Config.CellSize,
			Boundary: part.Geom,
			AreaName: part.AreaName,
			PartName: part.Name,
		}
	}

	orch := &Orchestrator{
		Generator: gen,
		Queue:     queue,
		Workers:   p.Config.WorkerCount,
		Log:       p.Log,
	}
	before := queue.Written()
	if err := orch.Run(ctx, chunks); err != nil {
		return err
	}
	if err := queue.Flush(); err != nil {
		return err
	}
	part.CellCount = queue.Written() - before
	p.Log.WithFields(logrus.Fields{
		"part":   part.Name,
		"chunks": len(chunks),
		"cells":  part.CellCount,
	}).Info("grid generated")
	if n := len(orch.Failures()); n > 0 {
		p.Log.WithField("part", part.Name).Warnf("%d chunks failed generation", n)
	}
	return nil
}
