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
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// memLedger is an in-memory LedgerStore. When failures is positive it
// rejects that many mutations with contention errors first.
type memLedger struct {
	mu       sync.Mutex
	recs     map[string]*StatusRecord
	failures int
	calls    int
}

func newMemLedger() *memLedger {
	return &memLedger{recs: make(map[string]*StatusRecord)}
}

func (l *memLedger) contend() error {
	l.calls++
	if l.failures > 0 {
		l.failures--
		return &StorageContentionError{Err: errors.New("database is locked")}
	}
	return nil
}

func (l *memLedger) CreateLedgerIfAbsent() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.contend()
}

func (l *memLedger) BeginPart(part, area string, started time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.contend(); err != nil {
		return err
	}
	if r, ok := l.recs[part]; ok {
		r.Failed = false
		r.FailStage = ""
		r.FailMessage = ""
		return nil
	}
	l.recs[part] = &StatusRecord{
		PartName:  part,
		AreaName:  area,
		Started:   started,
		Durations: make(map[string]time.Duration),
	}
	return nil
}

func (l *memLedger) SetPartFlag(part, stage string, value bool, duration time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.contend(); err != nil {
		return err
	}
	r, ok := l.recs[part]
	if !ok {
		return errors.New("part has not begun")
	}
	switch stage {
	case StageGeometry:
		r.GeometryProcessed = value
	case StageGrid:
		r.GridProcessed = value
	case StageClip:
		r.ClipGeometryProcessed = value
	case StageMask:
		r.MaskProcessed = value
	default:
		return errors.New("unknown stage " + stage)
	}
	r.Durations[stage] = duration
	return nil
}

func (l *memLedger) SetPartFailure(part, stage, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.contend(); err != nil {
		return err
	}
	r, ok := l.recs[part]
	if !ok {
		return errors.New("part has not begun")
	}
	r.Failed = true
	r.FailStage = stage
	r.FailMessage = message
	return nil
}

func (l *memLedger) FinishPart(part string, finished time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.contend(); err != nil {
		return err
	}
	if r, ok := l.recs[part]; ok {
		r.Finished = finished
	}
	return nil
}

func (l *memLedger) GetPart(part string) (*StatusRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.contend(); err != nil {
		return nil, err
	}
	r, ok := l.recs[part]
	if !ok {
		return nil, nil
	}
	cp := *r
	cp.Durations = make(map[string]time.Duration, len(r.Durations))
	for k, v := range r.Durations {
		cp.Durations[k] = v
	}
	return &cp, nil
}

func (l *memLedger) AllParts() ([]*StatusRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.contend(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(l.recs))
	for n := range l.recs {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*StatusRecord, len(names))
	for i, n := range names {
		out[i] = l.recs[n]
	}
	return out, nil
}

func TestLedgerStageFlags(t *testing.T) {
	store := newMemLedger()
	ledger, err := NewLedger(store, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ledger.Begin("p1", "a1"); err != nil {
		t.Fatal(err)
	}
	for _, stage := range Stages {
		if err := ledger.Set("p1", stage, true, time.Second); err != nil {
			t.Fatal(err)
		}
	}
	rec, err := ledger.Get("p1")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Done() {
		t.Error("record with all flags set is not done")
	}
	for _, stage := range Stages {
		ok, err := rec.Flag(stage)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Errorf("stage %s flag not set", stage)
		}
		if rec.Durations[stage] != time.Second {
			t.Errorf("stage %s duration = %v, want 1s", stage, rec.Durations[stage])
		}
	}
}

func TestLedgerGetUnknownPart(t *testing.T) {
	ledger, err := NewLedger(newMemLedger(), testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := ledger.Get("never-begun")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("unknown part returned record %+v, want nil", rec)
	}
}

func TestLedgerRetriesContention(t *testing.T) {
	store := newMemLedger()
	ledger, err := NewLedger(store, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ledger.Begin("p1", "a1"); err != nil {
		t.Fatal(err)
	}

	store.failures = 2 // two busy responses, then success
	callsBefore := store.calls
	start := time.Now()
	if err := ledger.Set("p1", StageGrid, true, 0); err != nil {
		t.Fatalf("update failed despite retry budget: %v", err)
	}
	elapsed := time.Since(start)

	if n := store.calls - callsBefore; n != 3 {
		t.Errorf("store saw %d update attempts, want 3", n)
	}
	// Exponential backoff from the configured 1ms initial interval: the
	// two sleeps are at least 1ms + 2ms.
	if elapsed < 3*time.Millisecond {
		t.Errorf("retried update took %v, want >= 3ms of backoff", elapsed)
	}
}

func TestLedgerFailureRecord(t *testing.T) {
	store := newMemLedger()
	ledger, err := NewLedger(store, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ledger.Begin("p1", "a1"); err != nil {
		t.Fatal(err)
	}
	if err := ledger.MarkFailed("p1", StageClip, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	rec, err := ledger.Get("p1")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Failed || rec.FailStage != StageClip || rec.FailMessage != "boom" {
		t.Errorf("failure record = %+v, want failed at clip with message boom", rec)
	}
	// Re-beginning the part clears the failure but keeps the flags.
	if err := ledger.Set("p1", StageGeometry, true, 0); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Begin("p1", "a1"); err != nil {
		t.Fatal(err)
	}
	rec, err = ledger.Get("p1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Failed {
		t.Error("failure flag survived re-begin")
	}
	if !rec.GeometryProcessed {
		t.Error("stage flag did not survive re-begin")
	}
}
