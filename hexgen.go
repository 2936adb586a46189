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

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	h3 "github.com/uber/h3-go/v4"
)

// geoProj is the canonical geographic frame hex identifiers are defined in.
const geoProj = "+proj=longlat +datum=WGS84 +no_defs"

// HexCellGenerator generates fixed-resolution H3 hexagon cells for a chunk.
// It shares the chunk/classification contract of the square path: inside
// chunks skip per-cell intersection tests, edge chunks get the envelope
// pre-filter plus the exact test. Hexagons are indexed in the canonical
// geographic frame and their boundaries converted back into the working
// projection.
type HexCellGenerator struct {
	Resolution int
	Boundary   geom.Polygonal
	AreaName   string
	PartName   string

	toGeo   proj.Transformer // working -> geographic
	fromGeo proj.Transformer // geographic -> working
}

// NewHexCellGenerator builds a generator for the given working projection.
func NewHexCellGenerator(workingSR *proj.SR, resolution int, boundary geom.Polygonal, areaName string) (*HexCellGenerator, error) {
	geoSR, err := proj.Parse(geoProj)
	if err != nil {
		return nil, &ProjectionError{Proj: geoProj, Err: err}
	}
	toGeo, err := workingSR.NewTransform(geoSR)
	if err != nil {
		return nil, &ProjectionError{Proj: geoProj, Err: err}
	}
	fromGeo, err := geoSR.NewTransform(workingSR)
	if err != nil {
		return nil, &ProjectionError{Proj: workingSR.Name, Err: err}
	}
	return &HexCellGenerator{
		Resolution: resolution,
		Boundary:   boundary,
		AreaName:   areaName,
		toGeo:      toGeo,
		fromGeo:    fromGeo,
	}, nil
}

// GenerateCells returns the (hex id, geometry) pairs for the hexagons
// covering the chunk that qualify against the boundary.
func (g *HexCellGenerator) GenerateCells(ctx context.Context, chunk *Chunk) ([]*Feature, error) {
	loop, err := g.chunkGeoLoop(chunk)
	if err != nil {
		return nil, err
	}
	hexes := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: loop}, g.Resolution)

	skipIntersection := chunk.Class == ChunkInside
	var boundaryBounds *geom.Bounds
	if !skipIntersection {
		if g.Boundary == nil {
			return nil, nil
		}
		boundaryBounds = g.Boundary.Bounds()
	}
	chunkBounds := chunk.Bounds()

	var cells []*Feature
	for _, hex := range hexes {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		poly, err := g.hexPolygon(hex)
		if err != nil {
			return nil, err
		}
		// PolygonToCells pads the chunk box outward, so trim hexes whose
		// centers fall in a neighboring chunk to keep chunks disjoint.
		if c := poly.Centroid(); !containsPoint(chunkBounds, c) {
			continue
		}
		if !skipIntersection {
			if !poly.Bounds().Overlaps(boundaryBounds) {
				continue
			}
			isect := poly.Intersection(g.Boundary)
			if isect == nil || isect.Area() == 0 {
				continue
			}
		}
		cells = append(cells, &Feature{
			AreaName: g.AreaName,
			PartName: g.PartName,
			HexID:    hex.String(),
			Geom:     poly,
		})
	}
	return cells, nil
}

// chunkGeoLoop transforms the chunk envelope into the geographic frame,
// padded outward by roughly one hexagon so that hexes straddling the chunk
// edge are still indexed.
func (g *HexCellGenerator) chunkGeoLoop(chunk *Chunk) (h3.GeoLoop, error) {
	b := chunk.Bounds()
	gb, err := TransformBounds(b, g.toGeo)
	if err != nil {
		return nil, err
	}
	// Average hex edge length at this resolution, in degrees of latitude.
	padDeg := 2 * h3.HexagonEdgeLengthAvgKm(g.Resolution) / 111.0
	gb.Min.X -= padDeg
	gb.Min.Y -= padDeg
	gb.Max.X += padDeg
	gb.Max.Y += padDeg
	return h3.GeoLoop{
		{Lat: gb.Min.Y, Lng: gb.Min.X},
		{Lat: gb.Min.Y, Lng: gb.Max.X},
		{Lat: gb.Max.Y, Lng: gb.Max.X},
		{Lat: gb.Max.Y, Lng: gb.Min.X},
	}, nil
}

// hexPolygon converts a hex boundary from the geographic frame back into
// the working projection.
func (g *HexCellGenerator) hexPolygon(hex h3.Cell) (geom.Polygon, error) {
	boundary := h3.CellToBoundary(hex)
	if len(boundary) == 0 {
		return nil, fmt.Errorf("gridgen: empty boundary for hex %s", hex)
	}
	ring := make([]geom.Point, 0, len(boundary))
	for _, ll := range boundary {
		x, y, err := g.fromGeo(ll.Lng, ll.Lat)
		if err != nil {
			return nil, &ProjectionError{Proj: "hex boundary transform", Err: err}
		}
		ring = append(ring, geom.Point{X: x, Y: y})
	}
	return geom.Polygon{ring}, nil
}

func containsPoint(b *geom.Bounds, p geom.Point) bool {
	return p.X >= b.Min.X && p.X < b.Max.X && p.Y >= b.Min.Y && p.Y < b.Max.Y
}
