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

// Package gridgen converts irregularly shaped study-area polygons into a
// uniform computation lattice: a bounding-box-aligned vector grid of square
// (or, at regional scale, hexagonal) cells covering each area, plus a derived
// clip polygon that extends the original boundary outward to whole grid
// cells so that rasters and vectors computed later align exactly.
package gridgen

import (
	"fmt"
	"io"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
)

// Version gives the version number.
const Version = "0.1.0"

// Scale names for grid generation. Regional-scale runs use the hexagonal
// cell path; all other scales use the rectangular path.
const (
	ScaleLocal        = "local"
	ScaleIntermediate = "intermediate"
	ScaleRegional     = "regional"
)

// GridConfig is a holder for the configuration information for creating a
// uniform grid.
type GridConfig struct {
	// CellSize is the edge length of one grid cell in the units of the
	// target projection (typically meters). Required.
	CellSize float64

	// ChunkSize is the number of cells along one edge of a processing
	// chunk. Default 50.
	ChunkSize int

	// WorkerCount is the number of parallel chunk workers, bounded 1-8.
	WorkerCount int

	// Scale selects the cell scheme; see the Scale constants.
	Scale string

	// H3Resolution is the H3 hexagon resolution used when Scale is
	// regional.
	H3Resolution int

	// GridProj gives projection info for the working grid in Proj4 format.
	GridProj string

	// BatchSize is the number of grid cells committed per storage
	// transaction. Default 10000.
	BatchSize int

	// QueueDepth is the capacity of the writer queue. Enqueueing workers
	// block when the queue is full. Default 4 * BatchSize.
	QueueDepth int

	// StoreRetries and StoreRetryInterval tune the retry behavior for
	// transient storage contention. Defaults: 5 attempts starting at 500ms
	// with exponential growth.
	StoreRetries       int
	StoreRetryInterval time.Duration
}

// Default configuration values.
const (
	DefaultChunkSize          = 50
	DefaultBatchSize          = 10000
	DefaultStoreRetries       = 5
	DefaultStoreRetryInterval = 500 * time.Millisecond

	// MaxWorkerCount bounds the chunk worker pool.
	MaxWorkerCount = 8
)

// applyDefaults fills in zero-valued configuration fields and clamps the
// worker count.
func (c *GridConfig) applyDefaults() error {
	if c.CellSize <= 0 {
		return fmt.Errorf("gridgen: CellSize=%g; it must be positive", c.CellSize)
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.WorkerCount < 1 {
		c.WorkerCount = 1
	}
	if c.WorkerCount > MaxWorkerCount {
		c.WorkerCount = MaxWorkerCount
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 4 * c.BatchSize
	}
	if c.StoreRetries <= 0 {
		c.StoreRetries = DefaultStoreRetries
	}
	if c.StoreRetryInterval <= 0 {
		c.StoreRetryInterval = DefaultStoreRetryInterval
	}
	return nil
}

// SR parses the working projection.
func (c *GridConfig) SR() (*proj.SR, error) {
	sr, err := proj.Parse(c.GridProj)
	if err != nil {
		return nil, &ProjectionError{Proj: c.GridProj, Err: err}
	}
	return sr, nil
}

// Feature is one record in a spatial store layer: a geometry plus the names
// of the area and part that own it. ID is assigned by the store writer and
// is strictly increasing in commit order. PartName distinguishes features of
// the same multi-part area; HexID is empty for square cells.
type Feature struct {
	ID       int64
	AreaName string
	PartName string
	HexID    string
	Geom     geom.Polygonal
}

// FeatureIterator returns successive features from a query, ending with
// io.EOF.
type FeatureIterator func() (*Feature, error)

// SpatialStore is the persistent feature store consumed by the grid
// generator. AppendFeatures must commit all of the given features in one
// transaction or none of them. Query's filter restricts results to features
// whose envelope overlaps it; a nil filter returns the whole layer.
// Implementations report transient lock contention as a
// StorageContentionError so that callers can retry.
type SpatialStore interface {
	CreateLayerIfAbsent(layer string) error
	AppendFeatures(layer string, feats []*Feature) error
	Query(layer string, filter *geom.Bounds) (FeatureIterator, error)
	Close() error
}

// collectFeatures drains an iterator into a slice.
func collectFeatures(it FeatureIterator) ([]*Feature, error) {
	var feats []*Feature
	for {
		f, err := it()
		if err == io.EOF {
			return feats, nil
		}
		if err != nil {
			return nil, err
		}
		feats = append(feats, f)
	}
}

// Layer names in the spatial store.
const (
	GridLayer = "grid_cells"
	ClipLayer = "clip_polygons"
)

// RunSummary reports per-run part counts and timing, the valid terminal
// state of a run even when some parts failed.
type RunSummary struct {
	ValidParts   int
	FixedParts   int
	InvalidParts int
	FailedParts  int

	CellsWritten int64
	Elapsed      time.Duration

	// StageDurations sums the per-stage durations across all parts.
	StageDurations map[string]time.Duration
}

func (s *RunSummary) String() string {
	return fmt.Sprintf("valid=%d fixed=%d invalid=%d failed=%d cells=%d elapsed=%v",
		s.ValidParts, s.FixedParts, s.InvalidParts, s.FailedParts, s.CellsWritten, s.Elapsed)
}
