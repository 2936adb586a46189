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

package gridgenutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lnashier/viper"
	"github.com/spatialgrid/gridgen"
	"github.com/spf13/cast"
)

// ConfigData holds the decoded configuration for one command invocation.
type ConfigData struct {
	// DatabaseFile is the path to the spatial database.
	DatabaseFile string

	// AreasShapefile is the path to the study area boundary shapefile, and
	// AreaNameColumn the attribute field holding the area names.
	AreasShapefile string
	AreaNameColumn string

	// MaskDir receives per-part raster masks; empty disables writing them.
	MaskDir string

	// OutputFile is the destination of the export command.
	OutputFile string

	Grid gridgen.GridConfig
}

// NewConfig decodes the configuration from cfg, expanding environment
// variables in paths and validating the parts that commands share.
func NewConfig(cfg *viper.Viper) (*ConfigData, error) {
	c := &ConfigData{
		DatabaseFile:   os.ExpandEnv(cfg.GetString("DatabaseFile")),
		AreasShapefile: os.ExpandEnv(cfg.GetString("AreasShapefile")),
		AreaNameColumn: cfg.GetString("AreaNameColumn"),
		MaskDir:        os.ExpandEnv(cfg.GetString("MaskDir")),
		OutputFile:     os.ExpandEnv(cfg.GetString("OutputFile")),
		Grid: gridgen.GridConfig{
			CellSize:     cfg.GetFloat64("Grid.CellSize"),
			ChunkSize:    cfg.GetInt("Grid.ChunkSize"),
			WorkerCount:  cfg.GetInt("Grid.Workers"),
			Scale:        cfg.GetString("Grid.Scale"),
			H3Resolution: cfg.GetInt("Grid.H3Resolution"),
			GridProj:     os.ExpandEnv(cfg.GetString("Grid.GridProj")),
			BatchSize:    cfg.GetInt("Grid.BatchSize"),
			StoreRetries: cfg.GetInt("Grid.StoreRetries"),
		},
	}
	retryInterval, err := cast.ToDurationE(cfg.Get("Grid.StoreRetryInterval"))
	if err != nil {
		return nil, fmt.Errorf("gridgen: Grid.StoreRetryInterval: %v", err)
	}
	c.Grid.StoreRetryInterval = retryInterval

	if c.DatabaseFile == "" {
		return nil, fmt.Errorf("gridgen: the DatabaseFile configuration variable must be specified")
	}
	switch c.Grid.Scale {
	case gridgen.ScaleLocal, gridgen.ScaleIntermediate, gridgen.ScaleRegional:
	default:
		return nil, fmt.Errorf("gridgen: Grid.Scale must be one of 'local', 'intermediate', or 'regional', but is `%s`", c.Grid.Scale)
	}
	if c.MaskDir != "" {
		if err := os.MkdirAll(c.MaskDir, 0755); err != nil {
			return nil, fmt.Errorf("gridgen: creating MaskDir: %v", err)
		}
	}
	if dir := filepath.Dir(c.DatabaseFile); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("gridgen: the DatabaseFile directory doesn't exist: %v", err)
		}
	}
	return c, nil
}
