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
	"os"
	"path/filepath"
	"strings"

	"github.com/ctessum/geom/encoding/shp"
	goshp "github.com/jonas-p/go-shp"
)

// ExportLayer writes a store layer to a polygon shapefile with grid_id,
// area_name, part_name, and hex_id attribute columns, plus a .prj sidecar
// carrying the working projection definition.
func ExportLayer(store SpatialStore, layer, fileName, proj4 string) error {
	it, err := store.Query(layer, nil)
	if err != nil {
		return fmt.Errorf("gridgen: exporting layer %q: %w", layer, err)
	}
	feats, err := collectFeatures(it)
	if err != nil {
		return fmt.Errorf("gridgen: exporting layer %q: %w", layer, err)
	}

	fileBase := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	fileName = fileBase + ".shp"
	enc, err := shp.NewEncoderFromFields(fileName, goshp.POLYGON,
		goshp.NumberField("grid_id", 16),
		goshp.StringField("area_name", 64),
		goshp.StringField("part_name", 64),
		goshp.StringField("hex_id", 20),
	)
	if err != nil {
		return fmt.Errorf("gridgen: creating output shapefile: %w", err)
	}
	for _, f := range feats {
		if err := enc.EncodeFields(f.Geom, int(f.ID), f.AreaName, f.PartName, f.HexID); err != nil {
			return fmt.Errorf("gridgen: writing output shapefile: %w", err)
		}
	}
	enc.Close()

	w, err := os.Create(fileBase + ".prj")
	if err != nil {
		return fmt.Errorf("gridgen: creating output prj file: %w", err)
	}
	fmt.Fprint(w, proj4)
	return w.Close()
}
