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

// Package gridgenutil holds the command-line interface and configuration
// handling for the grid generator.
package gridgenutil

import (
	"fmt"

	"github.com/lnashier/viper"
	"github.com/spatialgrid/gridgen"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to gridgen.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "DatabaseFile",
			usage: `
              DatabaseFile is the path to the spatial database that holds the
              generated grid cells, clip polygons, and the processing status
              ledger. It is created if it doesn't exist. The path can include
              environment variables.`,
			defaultVal: "gridgen.sqlite",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "AreasShapefile",
			usage: `
              AreasShapefile is the path to the shapefile holding the study
              area boundary polygons. The path can include environment
              variables.`,
			defaultVal: "areas.shp",
			flagsets:   []*pflag.FlagSet{gridCmd.Flags()},
		},
		{
			name: "AreaNameColumn",
			usage: `
              AreaNameColumn is the name of the attribute field in
              AreasShapefile that holds the area names.`,
			defaultVal: "name",
			flagsets:   []*pflag.FlagSet{gridCmd.Flags()},
		},
		{
			name: "MaskDir",
			usage: `
              MaskDir is the directory where per-part raster masks are
              written. If empty, masks are not written to disk.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{gridCmd.Flags()},
		},
		{
			name: "Grid.CellSize",
			usage: `
              Grid.CellSize is the edge length of one grid cell in the units
              of the working projection, typically meters.`,
			defaultVal: 100.0,
			flagsets:   []*pflag.FlagSet{gridCmd.Flags()},
		},
		{
			name: "Grid.ChunkSize",
			usage: `
              Grid.ChunkSize is the number of cells along one edge of a
              processing chunk.`,
			defaultVal: gridgen.DefaultChunkSize,
			flagsets:   []*pflag.FlagSet{gridCmd.Flags()},
		},
		{
			name: "Grid.Workers",
			usage: `
              Grid.Workers is the number of chunks processed concurrently.`,
			shorthand:  "j",
			defaultVal: 4,
			flagsets:   []*pflag.FlagSet{gridCmd.Flags()},
		},
		{
			name: "Grid.Scale",
			usage: `
              Grid.Scale selects the cell scheme: 'local' and 'intermediate'
              produce square cells; 'regional' produces H3 hexagons.`,
			defaultVal: gridgen.ScaleLocal,
			flagsets:   []*pflag.FlagSet{gridCmd.Flags()},
		},
		{
			name: "Grid.H3Resolution",
			usage: `
              Grid.H3Resolution is the H3 hexagon resolution used at
              regional scale.`,
			defaultVal: 7,
			flagsets:   []*pflag.FlagSet{gridCmd.Flags()},
		},
		{
			name: "Grid.GridProj",
			usage: `
              Grid.GridProj gives projection info for the working grid in
              Proj4 format.`,
			defaultVal: "+proj=utm +zone=33 +datum=WGS84 +units=m +no_defs",
			flagsets:   []*pflag.FlagSet{gridCmd.Flags(), exportCmd.Flags()},
		},
		{
			name: "Grid.BatchSize",
			usage: `
              Grid.BatchSize is the number of grid cells committed per
              storage transaction.`,
			defaultVal: gridgen.DefaultBatchSize,
			flagsets:   []*pflag.FlagSet{gridCmd.Flags()},
		},
		{
			name: "Grid.StoreRetries",
			usage: `
              Grid.StoreRetries is the number of times a storage operation
              that fails with lock contention is retried before giving up.`,
			defaultVal: gridgen.DefaultStoreRetries,
			flagsets:   []*pflag.FlagSet{gridCmd.Flags()},
		},
		{
			name: "Grid.StoreRetryInterval",
			usage: `
              Grid.StoreRetryInterval is the initial delay before a
              contended storage operation is retried; later retries back
              off exponentially. The value is a duration string such as
              '500ms' or '2s'.`,
			defaultVal: gridgen.DefaultStoreRetryInterval.String(),
			flagsets:   []*pflag.FlagSet{gridCmd.Flags()},
		},
		{
			name: "OutputFile",
			usage: `
              OutputFile is the path to the desired output shapefile
              location. It can include environment variables.`,
			defaultVal: "gridgen_output.shp",
			flagsets:   []*pflag.FlagSet{exportCmd.Flags()},
		},
		{
			name: "Layer",
			usage: `
              Layer is the name of the stored layer to export:
              'grid_cells' or 'clip_polygons'.`,
			defaultVal: gridgen.GridLayer,
			flagsets:   []*pflag.FlagSet{exportCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("GRIDGEN")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(gridCmd)
	Root.AddCommand(statusCmd)
	Root.AddCommand(exportCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("gridgen: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "gridgen",
	Short: "A uniform-grid generator for irregular study areas.",
	Long: `gridgen converts irregularly shaped study-area polygons into uniform
computation grids of square or hexagonal cells, plus clip polygons that
extend each boundary outward to whole grid cells.

Refer to the subcommand documentation for configuration options and default
settings. Configuration can be changed by using a configuration file (and
providing the path to the file using the --config flag), by using
command-line arguments, or by setting environment variables in the format
'GRIDGEN_var' where 'var' is the name of the variable to be set.
Refer to https://github.com/spf13/viper for additional configuration
information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of gridgen.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("gridgen v%s\n", gridgen.Version)
	},
	DisableAutoGenTag: true,
}

// gridCmd is a command that generates the uniform grid for every area in
// the input shapefile.
var gridCmd = &cobra.Command{
	Use:   "grid",
	Short: "Generate the uniform grid",
	Long: `grid reads the study area boundaries from the input shapefile and
generates a uniform grid, a clip polygon, and a raster mask for every area
part, saving the results to the spatial database. Re-running the command
skips parts that already completed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := NewConfig(Cfg)
		if err != nil {
			return err
		}
		return Grid(cmd.Context(), cfg)
	},
	DisableAutoGenTag: true,
}

// statusCmd is a command that prints the processing state of every part.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print per-part processing status",
	Long: `status prints the stage completion flags, durations, and any failure
messages recorded in the status ledger for every area part.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := NewConfig(Cfg)
		if err != nil {
			return err
		}
		return Status(cmd, cfg)
	},
	DisableAutoGenTag: true,
}

// exportCmd is a command that writes a stored layer out as a shapefile.
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a layer to a shapefile",
	Long: `export writes the grid cell or clip polygon layer from the spatial
database to the shapefile given by OutputFile, with a .prj sidecar holding
the working projection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := NewConfig(Cfg)
		if err != nil {
			return err
		}
		return Export(cfg, Cfg.GetString("Layer"))
	},
	DisableAutoGenTag: true,
}
