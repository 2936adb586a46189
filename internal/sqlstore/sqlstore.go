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

// Package sqlstore implements the gridgen spatial store and status ledger
// on a single SQLite database file. Geometries are stored as GeoJSON with
// denormalized envelope columns for bounding-box-filtered reads; SQLITE_BUSY
// and SQLITE_LOCKED surface as StorageContentionError for the retry logic
// upstream.
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
	"github.com/spatialgrid/gridgen"
	sqlite "modernc.org/sqlite"
)

// Store is a SQLite-backed spatial store and ledger store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path. WAL mode keeps
// reads from blocking the single writer; the busy timeout is left at zero
// because contention retry is handled by the callers.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: opening %s: %w", path, err)
	}
	// The store is effectively single-writer; one connection avoids
	// self-contention between the writer and ledger updates.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: enabling WAL: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// wrapBusy converts SQLite lock contention into the error kind the retry
// logic recognizes.
func wrapBusy(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		// Primary result codes 5 (SQLITE_BUSY) and 6 (SQLITE_LOCKED).
		switch serr.Code() & 0xff {
		case 5, 6:
			return &gridgen.StorageContentionError{Err: err}
		}
	}
	if strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "database table is locked") {
		return &gridgen.StorageContentionError{Err: err}
	}
	return err
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// CreateLayerIfAbsent creates a feature layer table if it does not exist.
func (s *Store) CreateLayerIfAbsent(layer string) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		grid_id INTEGER PRIMARY KEY,
		area_name TEXT NOT NULL,
		part_name TEXT NOT NULL DEFAULT '',
		hex_id TEXT NOT NULL DEFAULT '',
		geom TEXT NOT NULL,
		minx REAL NOT NULL, miny REAL NOT NULL,
		maxx REAL NOT NULL, maxy REAL NOT NULL
	)`, quoteIdent(layer))
	if _, err := s.db.Exec(q); err != nil {
		return wrapBusy(err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (minx, maxx, miny, maxy)`,
		quoteIdent(layer+"_bbox"), quoteIdent(layer))
	if _, err := s.db.Exec(idx); err != nil {
		return wrapBusy(err)
	}
	return nil
}

// AppendFeatures inserts the features in one transaction; on any failure
// the transaction is rolled back and nothing is kept.
func (s *Store) AppendFeatures(layer string, feats []*gridgen.Feature) error {
	tx, err := s.db.Begin()
	if err != nil {
		return wrapBusy(err)
	}
	stmt, err := tx.Prepare(fmt.Sprintf(
		`INSERT INTO %s (grid_id, area_name, part_name, hex_id, geom, minx, miny, maxx, maxy)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, quoteIdent(layer)))
	if err != nil {
		tx.Rollback()
		return wrapBusy(err)
	}
	defer stmt.Close()
	for _, f := range feats {
		data, err := geojson.Encode(f.Geom)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlstore: encoding feature %d: %w", f.ID, err)
		}
		b := f.Geom.Bounds()
		if _, err := stmt.Exec(f.ID, f.AreaName, f.PartName, f.HexID, string(data),
			b.Min.X, b.Min.Y, b.Max.X, b.Max.Y); err != nil {
			tx.Rollback()
			return wrapBusy(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapBusy(err)
	}
	return nil
}

// Query returns an iterator over the features whose envelope overlaps
// filter (all features when filter is nil), in grid id order. Results are
// materialized before the iterator is returned so that no database cursor
// stays open against the single writer.
func (s *Store) Query(layer string, filter *geom.Bounds) (gridgen.FeatureIterator, error) {
	q := fmt.Sprintf(`SELECT grid_id, area_name, part_name, hex_id, geom FROM %s`, quoteIdent(layer))
	var args []interface{}
	if filter != nil {
		q += ` WHERE maxx >= ? AND minx <= ? AND maxy >= ? AND miny <= ?`
		args = []interface{}{filter.Min.X, filter.Max.X, filter.Min.Y, filter.Max.Y}
	}
	q += ` ORDER BY grid_id`
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, wrapBusy(err)
	}
	defer rows.Close()

	var feats []*gridgen.Feature
	for rows.Next() {
		f := new(gridgen.Feature)
		var data string
		if err := rows.Scan(&f.ID, &f.AreaName, &f.PartName, &f.HexID, &data); err != nil {
			return nil, wrapBusy(err)
		}
		g, err := geojson.Decode([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("sqlstore: decoding feature %d: %w", f.ID, err)
		}
		poly, ok := g.(geom.Polygonal)
		if !ok {
			return nil, fmt.Errorf("sqlstore: feature %d is not polygonal", f.ID)
		}
		f.Geom = poly
		feats = append(feats, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapBusy(err)
	}

	i := -1
	return func() (*gridgen.Feature, error) {
		i++
		if i >= len(feats) {
			return nil, io.EOF
		}
		return feats[i], nil
	}, nil
}

const ledgerTable = "status_ledger"

// CreateLedgerIfAbsent creates the status ledger table if it does not
// exist.
func (s *Store) CreateLedgerIfAbsent() error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		part_name TEXT PRIMARY KEY,
		area_name TEXT NOT NULL,
		geometry_processed INTEGER NOT NULL DEFAULT 0,
		grid_processed INTEGER NOT NULL DEFAULT 0,
		clip_geometry_processed INTEGER NOT NULL DEFAULT 0,
		mask_processed INTEGER NOT NULL DEFAULT 0,
		started INTEGER NOT NULL DEFAULT 0,
		finished INTEGER NOT NULL DEFAULT 0,
		geometry_ns INTEGER NOT NULL DEFAULT 0,
		grid_ns INTEGER NOT NULL DEFAULT 0,
		clip_ns INTEGER NOT NULL DEFAULT 0,
		mask_ns INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		fail_stage TEXT NOT NULL DEFAULT '',
		fail_message TEXT NOT NULL DEFAULT ''
	)`, ledgerTable)
	_, err := s.db.Exec(q)
	return wrapBusy(err)
}

// stageColumns maps stage names to their flag and duration columns.
var stageColumns = map[string][2]string{
	gridgen.StageGeometry: {"geometry_processed", "geometry_ns"},
	gridgen.StageGrid:     {"grid_processed", "grid_ns"},
	gridgen.StageClip:     {"clip_geometry_processed", "clip_ns"},
	gridgen.StageMask:     {"mask_processed", "mask_ns"},
}

// BeginPart opens the record for a part, preserving existing stage flags on
// re-runs but clearing any previous failure.
func (s *Store) BeginPart(part, area string, started time.Time) error {
	_, err := s.db.Exec(fmt.Sprintf(
		`INSERT INTO %s (part_name, area_name, started) VALUES (?, ?, ?)
		 ON CONFLICT(part_name) DO UPDATE SET failed = 0, fail_stage = '', fail_message = ''`,
		ledgerTable), part, area, started.UnixNano())
	return wrapBusy(err)
}

// SetPartFlag records a stage completion flag and its duration.
func (s *Store) SetPartFlag(part, stage string, value bool, duration time.Duration) error {
	cols, ok := stageColumns[stage]
	if !ok {
		return fmt.Errorf("sqlstore: unknown stage %q", stage)
	}
	v := 0
	if value {
		v = 1
	}
	_, err := s.db.Exec(fmt.Sprintf(
		`UPDATE %s SET %s = ?, %s = ? WHERE part_name = ?`,
		ledgerTable, cols[0], cols[1]), v, duration.Nanoseconds(), part)
	return wrapBusy(err)
}

// SetPartFailure records a per-part failure with its stage and message.
func (s *Store) SetPartFailure(part, stage, message string) error {
	_, err := s.db.Exec(fmt.Sprintf(
		`UPDATE %s SET failed = 1, fail_stage = ?, fail_message = ? WHERE part_name = ?`,
		ledgerTable), stage, message, part)
	return wrapBusy(err)
}

// FinishPart stamps a part's completion time.
func (s *Store) FinishPart(part string, finished time.Time) error {
	_, err := s.db.Exec(fmt.Sprintf(
		`UPDATE %s SET finished = ? WHERE part_name = ?`, ledgerTable),
		finished.UnixNano(), part)
	return wrapBusy(err)
}

// GetPart returns a part's record, or nil if the part has never begun.
func (s *Store) GetPart(part string) (*gridgen.StatusRecord, error) {
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT part_name, area_name, geometry_processed, grid_processed,
		        clip_geometry_processed, mask_processed, started, finished,
		        geometry_ns, grid_ns, clip_ns, mask_ns,
		        failed, fail_stage, fail_message
		 FROM %s WHERE part_name = ?`, ledgerTable), part)
	if err != nil {
		return nil, wrapBusy(err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, wrapBusy(rows.Err())
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// AllParts returns every part record in part-name order.
func (s *Store) AllParts() ([]*gridgen.StatusRecord, error) {
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT part_name, area_name, geometry_processed, grid_processed,
		        clip_geometry_processed, mask_processed, started, finished,
		        geometry_ns, grid_ns, clip_ns, mask_ns,
		        failed, fail_stage, fail_message
		 FROM %s ORDER BY part_name`, ledgerTable))
	if err != nil {
		return nil, wrapBusy(err)
	}
	defer rows.Close()
	var recs []*gridgen.StatusRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, wrapBusy(rows.Err())
}

func scanRecord(rows *sql.Rows) (*gridgen.StatusRecord, error) {
	rec := &gridgen.StatusRecord{Durations: make(map[string]time.Duration)}
	var started, finished, geomNs, gridNs, clipNs, maskNs int64
	var failed int
	if err := rows.Scan(&rec.PartName, &rec.AreaName,
		&rec.GeometryProcessed, &rec.GridProcessed,
		&rec.ClipGeometryProcessed, &rec.MaskProcessed,
		&started, &finished, &geomNs, &gridNs, &clipNs, &maskNs,
		&failed, &rec.FailStage, &rec.FailMessage); err != nil {
		return nil, wrapBusy(err)
	}
	if started != 0 {
		rec.Started = time.Unix(0, started)
	}
	if finished != 0 {
		rec.Finished = time.Unix(0, finished)
	}
	rec.Durations[gridgen.StageGeometry] = time.Duration(geomNs)
	rec.Durations[gridgen.StageGrid] = time.Duration(gridNs)
	rec.Durations[gridgen.StageClip] = time.Duration(clipNs)
	rec.Durations[gridgen.StageMask] = time.Duration(maskNs)
	rec.Failed = failed != 0
	return rec, nil
}
