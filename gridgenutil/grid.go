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
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spatialgrid/gridgen"
	"github.com/spatialgrid/gridgen/internal/sqlstore"
	"github.com/spf13/cobra"
)

// Grid generates the uniform grid for every area in the input shapefile and
// saves the results to the spatial database.
func Grid(ctx context.Context, cfg *ConfigData) error {
	log := logrus.StandardLogger()

	sr, err := cfg.Grid.SR()
	if err != nil {
		return err
	}

	log.WithField("file", cfg.AreasShapefile).Info("reading study areas")
	areas, err := gridgen.ReadAreas(cfg.AreasShapefile, cfg.AreaNameColumn, sr)
	if err != nil {
		return err
	}
	if len(areas) == 0 {
		return fmt.Errorf("gridgen: %s contains no areas", cfg.AreasShapefile)
	}

	store, err := sqlstore.Open(cfg.DatabaseFile)
	if err != nil {
		return err
	}
	defer store.Close()

	ledger, err := gridgen.NewLedger(store, &cfg.Grid, log)
	if err != nil {
		return err
	}

	pipe := &gridgen.Pipeline{
		Config:  &cfg.Grid,
		Store:   store,
		Ledger:  ledger,
		Log:     log,
		MaskDir: cfg.MaskDir,
	}
	summary, err := pipe.Run(ctx, areas)
	if summary != nil {
		log.Infof("run summary: %s", summary)
		for stage, d := range summary.StageDurations {
			log.WithFields(logrus.Fields{"stage": stage, "total": d.String()}).Info("stage timing")
		}
	}
	return err
}

// Status prints the ledger record of every part.
func Status(cmd *cobra.Command, cfg *ConfigData) error {
	store, err := sqlstore.Open(cfg.DatabaseFile)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.CreateLedgerIfAbsent(); err != nil {
		return err
	}
	recs, err := store.AllParts()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		cmd.Println("no parts have been processed")
		return nil
	}
	for _, r := range recs {
		state := "in progress"
		if r.Done() {
			state = "complete"
		} else if r.Failed {
			state = fmt.Sprintf("failed at %s: %s", r.FailStage, r.FailMessage)
		}
		cmd.Printf("%s (%s): %s\n", r.PartName, r.AreaName, state)
		for _, stage := range gridgen.Stages {
			ok, err := r.Flag(stage)
			if err != nil {
				return err
			}
			cmd.Printf("  %-24s %-5v %v\n", stage, ok, r.Durations[stage])
		}
	}
	return nil
}

// Export writes a stored layer to the output shapefile.
func Export(cfg *ConfigData, layer string) error {
	if layer != gridgen.GridLayer && layer != gridgen.ClipLayer {
		return fmt.Errorf("gridgen: Layer must be `%s` or `%s`, but is `%s`",
			gridgen.GridLayer, gridgen.ClipLayer, layer)
	}
	store, err := sqlstore.Open(cfg.DatabaseFile)
	if err != nil {
		return err
	}
	defer store.Close()
	return gridgen.ExportLayer(store, layer, cfg.OutputFile, cfg.Grid.GridProj)
}
