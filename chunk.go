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
	"io"
	"math"

	"github.com/ctessum/geom"
)

// ChunkClass is the relationship of a chunk's envelope to the part
// boundary.
type ChunkClass int

const (
	// ChunkUndefined means the chunk has not been classified yet.
	ChunkUndefined ChunkClass = iota
	// ChunkOutside chunks do not intersect the boundary and contribute
	// zero cells.
	ChunkOutside
	// ChunkInside chunks are fully contained in the boundary; every cell
	// is emitted without per-cell intersection tests.
	ChunkInside
	// ChunkEdge chunks partially overlap the boundary; per-cell
	// intersection tests are required.
	ChunkEdge
)

func (c ChunkClass) String() string {
	switch c {
	case ChunkOutside:
		return "outside"
	case ChunkInside:
		return "inside"
	case ChunkEdge:
		return "edge"
	default:
		return "undefined"
	}
}

// A Chunk is a rectangular block of at most ChunkSize×ChunkSize grid cells
// processed as one unit of work.
type Chunk struct {
	Index int
	Class ChunkClass

	// XStart..XEnd and YStart..YEnd delimit the chunk envelope on the
	// lattice.
	XStart, XEnd float64
	YStart, YEnd float64
}

// Bounds returns the chunk's envelope.
func (c *Chunk) Bounds() *geom.Bounds {
	return &geom.Bounds{
		Min: geom.Point{X: c.XStart, Y: c.YStart},
		Max: geom.Point{X: c.XEnd, Y: c.YEnd},
	}
}

// containTolerance is the relative area tolerance used to decide that an
// envelope is fully contained in the boundary.
const containTolerance = 1e-9

// classifyChunk compares the chunk envelope to the boundary. The
// containment test takes priority over the intersects test: an envelope
// that exactly matches the boundary counts as inside.
func classifyChunk(env *geom.Bounds, boundary geom.Polygonal) ChunkClass {
	if boundary == nil || !env.Overlaps(boundary.Bounds()) {
		return ChunkOutside
	}
	envPoly := boundsPolygon(env)
	isect := envPoly.Intersection(boundary)
	if isect == nil {
		return ChunkOutside
	}
	isectArea := isect.Area()
	if isectArea == 0 {
		return ChunkOutside
	}
	envArea := envPoly.Area()
	if isectArea >= envArea*(1-containTolerance) {
		return ChunkInside
	}
	return ChunkEdge
}

// ChunkPlan is a lazy, restartable sequence of classified chunks covering an
// aligned bounding box in row-major order.
type ChunkPlan struct {
	bounds    *geom.Bounds
	boundary  geom.Polygonal
	cellSize  float64
	chunkSize int

	nx, ny int // chunks per row / column
	next   int
}

// PlanChunks partitions the aligned bounding box b into chunks of
// chunkSize×chunkSize cells of edge length cellSize and prepares to
// classify each against boundary. The sequence is produced lazily; call
// Next until it returns io.EOF.
func PlanChunks(b *geom.Bounds, cellSize float64, chunkSize int, boundary geom.Polygonal) *ChunkPlan {
	span := cellSize * float64(chunkSize)
	nx := int(math.Ceil((b.Max.X - b.Min.X) / span))
	ny := int(math.Ceil((b.Max.Y - b.Min.Y) / span))
	if nx < 0 {
		nx = 0
	}
	if ny < 0 {
		ny = 0
	}
	return &ChunkPlan{
		bounds:    b,
		boundary:  boundary,
		cellSize:  cellSize,
		chunkSize: chunkSize,
		nx:        nx,
		ny:        ny,
	}
}

// Len returns the total number of chunks in the plan, including outside
// ones.
func (p *ChunkPlan) Len() int { return p.nx * p.ny }

// Reset restarts the sequence from the first chunk.
func (p *ChunkPlan) Reset() { p.next = 0 }

// Next returns the next classified chunk in row-major order, or io.EOF when
// the plan is exhausted.
func (p *ChunkPlan) Next() (*Chunk, error) {
	if p.next >= p.Len() {
		return nil, io.EOF
	}
	i := p.next
	p.next++

	span := p.cellSize * float64(p.chunkSize)
	ix := i % p.nx
	iy := i / p.nx
	c := &Chunk{
		Index:  i,
		XStart: p.bounds.Min.X + float64(ix)*span,
		YStart: p.bounds.Min.Y + float64(iy)*span,
	}
	c.XEnd = math.Min(c.XStart+span, p.bounds.Max.X)
	c.YEnd = math.Min(c.YStart+span, p.bounds.Max.Y)
	c.Class = classifyChunk(c.Bounds(), p.boundary)
	return c, nil
}

// Chunks drains the plan, returning only chunks that require downstream
// work (inside and edge chunks). Outside chunks are excluded from all
// downstream processing.
func (p *ChunkPlan) Chunks() ([]*Chunk, error) {
	var out []*Chunk
	for {
		c, err := p.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if c.Class == ChunkOutside {
			continue
		}
		out = append(out, c)
	}
}
