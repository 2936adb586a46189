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
	"time"

	"github.com/sirupsen/logrus"
)

// Pipeline stage names, in processing order. They double as the stage
// completion flags of a StatusRecord and the keys of its durations.
const (
	StageGeometry = "geometry_processed"
	StageGrid     = "grid_processed"
	StageClip     = "clip_geometry_processed"
	StageMask     = "mask_processed"
)

// Stages lists the stage flags in processing order.
var Stages = []string{StageGeometry, StageGrid, StageClip, StageMask}

// StatusRecord tracks per-part stage completion, timestamps, and durations.
// It is created when a part begins processing, updated at each stage
// boundary, and read by resumption logic and diagnostics.
type StatusRecord struct {
	PartName string
	AreaName string

	GeometryProcessed     bool
	GridProcessed         bool
	ClipGeometryProcessed bool
	MaskProcessed         bool

	Started  time.Time
	Finished time.Time

	// Durations maps stage names to processing durations.
	Durations map[string]time.Duration

	Failed      bool
	FailStage   string
	FailMessage string
}

// Done reports whether the part has reached terminal success.
func (r *StatusRecord) Done() bool {
	return r.GeometryProcessed && r.GridProcessed &&
		r.ClipGeometryProcessed && r.MaskProcessed
}

// Flag returns the named stage completion flag.
func (r *StatusRecord) Flag(stage string) (bool, error) {
	switch stage {
	case StageGeometry:
		return r.GeometryProcessed, nil
	case StageGrid:
		return r.GridProcessed, nil
	case StageClip:
		return r.ClipGeometryProcessed, nil
	case StageMask:
		return r.MaskProcessed, nil
	}
	return false, fmt.Errorf("gridgen: unknown stage %q", stage)
}

// LedgerStore is the persistence backend for the status ledger. Mutations
// are expected to surface transient contention as StorageContentionError;
// the Ledger retries them.
type LedgerStore interface {
	CreateLedgerIfAbsent() error
	BeginPart(part, area string, started time.Time) error
	SetPartFlag(part, stage string, value bool, duration time.Duration) error
	SetPartFailure(part, stage, message string) error
	FinishPart(part string, finished time.Time) error
	GetPart(part string) (*StatusRecord, error)
	AllParts() ([]*StatusRecord, error)
}

// Ledger is the per-part record of stage completion used for resumable,
// idempotent re-runs. Every mutation goes through one retrying accessor so
// that concurrent parts contending on the shared ledger store back off
// rather than fail.
type Ledger struct {
	store         LedgerStore
	retries       int
	retryInterval time.Duration
	log           *logrus.Logger
}

// NewLedger wraps store with retry behavior from cfg.
func NewLedger(store LedgerStore, cfg *GridConfig, log *logrus.Logger) (*Ledger, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &Ledger{
		store:         store,
		retries:       cfg.StoreRetries,
		retryInterval: cfg.StoreRetryInterval,
		log:           log,
	}
	if err := l.retry("create", func() error { return store.CreateLedgerIfAbsent() }); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) retry(opName string, op func() error) error {
	return retryContention(op, l.retries, l.retryInterval, func(err error, d time.Duration) {
		l.log.WithFields(logrus.Fields{"op": opName, "retry": d.String()}).Warnf("ledger busy: %v", err)
	})
}

// Begin opens (or reopens) the record for a part. Re-running a part that
// already has a record keeps its completed stage flags.
func (l *Ledger) Begin(part, area string) error {
	return l.retry("begin", func() error {
		return l.store.BeginPart(part, area, time.Now())
	})
}

// Set records a stage flag and its duration.
func (l *Ledger) Set(part, stage string, value bool, duration time.Duration) error {
	return l.retry("set", func() error {
		return l.store.SetPartFlag(part, stage, value, duration)
	})
}

// MarkFailed records a per-part failure with enough detail (stage, message)
// for a later run to retry only incomplete parts.
func (l *Ledger) MarkFailed(part, stage string, cause error) error {
	return l.retry("fail", func() error {
		return l.store.SetPartFailure(part, stage, cause.Error())
	})
}

// Finish stamps the part's completion time.
func (l *Ledger) Finish(part string) error {
	return l.retry("finish", func() error {
		return l.store.FinishPart(part, time.Now())
	})
}

// Get returns the part's record, or nil if the part has never begun.
func (l *Ledger) Get(part string) (*StatusRecord, error) {
	var rec *StatusRecord
	err := l.retry("get", func() error {
		var err error
		rec, err = l.store.GetPart(part)
		return err
	})
	return rec, err
}

// All returns every part record, for diagnostics and run summaries.
func (l *Ledger) All() ([]*StatusRecord, error) {
	var recs []*StatusRecord
	err := l.retry("all", func() error {
		var err error
		recs, err = l.store.AllParts()
		return err
	})
	return recs, err
}
