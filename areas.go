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
	"math"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
)

// AreaValidity is the validity state of an area's boundary geometry.
type AreaValidity int

const (
	// GeometryValid boundaries passed validation unchanged.
	GeometryValid AreaValidity = iota
	// GeometryFixed boundaries were repaired by normalization.
	GeometryFixed
	// GeometryInvalid boundaries failed repair; the area is skipped.
	GeometryInvalid
)

func (v AreaValidity) String() string {
	switch v {
	case GeometryValid:
		return "valid"
	case GeometryFixed:
		return "fixed"
	default:
		return "invalid"
	}
}

// An Area is one named feature from the input boundary dataset, possibly
// multi-part.
type Area struct {
	Name     string
	Geom     geom.Polygonal
	Validity AreaValidity
	Parts    []*Part

	// Err records why an invalid area was rejected, when the cause is
	// known (reprojection or geometry-type failure rather than a failed
	// validity repair).
	Err error
}

// A Part is a single-polygon piece of an area, owned exclusively by it.
type Part struct {
	Name     string
	AreaName string
	Geom     geom.Polygonal

	// AlignedBounds is the lattice-aligned bounding box, set by the
	// pipeline.
	AlignedBounds *geom.Bounds

	CellCount int64
	Clip      geom.Polygon
	MaskFile  string
	Status    *StatusRecord
}

// ReadAreas enumerates the boundary shapefile, creating one area per
// feature named by nameColumn, reprojecting into targetSR and exploding
// multi-polygon features into parts. Invalid geometries that cannot be
// repaired are kept with Validity GeometryInvalid (and no parts) so the run
// summary can account for them.
func ReadAreas(fileName, nameColumn string, targetSR *proj.SR) ([]*Area, error) {
	dec, err := shp.NewDecoder(fileName)
	if err != nil {
		return nil, fmt.Errorf("gridgen: opening boundary dataset: %w", err)
	}
	defer dec.Close()
	srcSR, err := dec.SR()
	if err != nil {
		return nil, fmt.Errorf("gridgen: reading boundary projection: %w", err)
	}
	trans, err := srcSR.NewTransform(targetSR)
	if err != nil {
		return nil, &ProjectionError{Proj: targetSR.Name, Err: err}
	}

	var areas []*Area
	seen := make(map[string]int)
	for {
		g, fields, more := dec.DecodeRowFields(nameColumn)
		if !more {
			break
		}
		name, ok := fields[nameColumn]
		if !ok || strings.TrimSpace(name) == "" {
			name = fmt.Sprintf("area_%d", len(areas))
		}
		name = normalizeName(name, seen)
		areas = append(areas, areaFromFeature(name, g, trans, targetSR.Name))
	}
	if err := dec.Error(); err != nil {
		return nil, fmt.Errorf("gridgen: reading boundary dataset: %w", err)
	}
	return areas, nil
}

// areaFromFeature reprojects one boundary feature and classifies its
// geometry. Failures are local to the feature: a transform or geometry-type
// error marks the area GeometryInvalid with the cause recorded, so the
// remaining features of the dataset are still enumerated.
func areaFromFeature(name string, g geom.Geom, trans proj.Transformer, projName string) *Area {
	area := &Area{Name: name}
	gg, err := g.Transform(trans)
	if err != nil {
		area.Validity = GeometryInvalid
		area.Err = &ProjectionError{Proj: projName, Err: err}
		return area
	}
	poly, err := asPolygonal(gg)
	if err != nil {
		area.Validity = GeometryInvalid
		area.Err = fmt.Errorf("gridgen: boundary feature %q: %w", name, err)
		return area
	}
	area.Geom, area.Validity = repairGeometry(poly)
	if area.Validity != GeometryInvalid {
		area.Parts = explodeParts(area)
	}
	return area
}

// normalizeName lower-cases the feature name, replaces whitespace, and
// de-duplicates repeated names with a numeric suffix.
func normalizeName(name string, seen map[string]int) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.Join(strings.Fields(n), "_")
	if c, ok := seen[n]; ok {
		seen[n] = c + 1
		return fmt.Sprintf("%s_%d", n, c)
	}
	seen[n] = 1
	return n
}

// explodeParts splits a multi-polygon area into one part per ring set. An
// area with a single polygon has exactly one part carrying the area name.
func explodeParts(a *Area) []*Part {
	polys := a.Geom.Polygons()
	if len(polys) == 1 {
		return []*Part{{Name: a.Name, AreaName: a.Name, Geom: polys[0]}}
	}
	parts := make([]*Part, len(polys))
	for i, p := range polys {
		parts[i] = &Part{
			Name:     fmt.Sprintf("%s_part%d", a.Name, i),
			AreaName: a.Name,
			Geom:     p,
		}
	}
	return parts
}

// repairValidityTolerance is the relative area change above which a
// normalized geometry is considered to have been repaired rather than
// merely re-expressed.
const repairValidityTolerance = 1e-9

// repairGeometry validates p and attempts to repair defects such as
// self-intersecting rings by clipping-library normalization (self-union).
// The returned validity is GeometryValid when normalization is a no-op,
// GeometryFixed when the repaired geometry differs, and GeometryInvalid
// when no usable polygon remains.
func repairGeometry(p geom.Polygonal) (geom.Polygonal, AreaValidity) {
	area := p.Area()
	if math.IsNaN(area) || math.IsInf(area, 0) {
		return nil, GeometryInvalid
	}
	repaired := p.Union(p)
	if repaired == nil {
		return nil, GeometryInvalid
	}
	repairedArea := repaired.Area()
	if repairedArea == 0 || math.IsNaN(repairedArea) {
		return nil, GeometryInvalid
	}
	if area == 0 || math.Abs(repairedArea-area) > repairValidityTolerance*math.Max(area, repairedArea) {
		return repaired, GeometryFixed
	}
	return p, GeometryValid
}
