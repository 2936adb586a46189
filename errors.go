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
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ProjectionError indicates that a coordinate system transform could not be
// constructed or applied. It is fatal for the part being processed.
type ProjectionError struct {
	Proj string
	Err  error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("gridgen: constructing projection %q: %v", e.Proj, e.Err)
}

func (e *ProjectionError) Unwrap() error { return e.Err }

// InvalidGeometryError indicates that a boundary geometry failed validity
// repair. The part is marked invalid and skipped.
type InvalidGeometryError struct {
	Area string
	Part string
	Err  error
}

func (e *InvalidGeometryError) Error() string {
	return fmt.Sprintf("gridgen: invalid boundary geometry for area %q part %q: %v",
		e.Area, e.Part, e.Err)
}

func (e *InvalidGeometryError) Unwrap() error { return e.Err }

// StorageContentionError indicates a transient lock on the spatial store.
// Writes wrapped in retryContention are retried with exponential backoff
// before the error escalates.
type StorageContentionError struct {
	Err error
}

func (e *StorageContentionError) Error() string {
	return fmt.Sprintf("gridgen: storage busy: %v", e.Err)
}

func (e *StorageContentionError) Unwrap() error { return e.Err }

// IsContention reports whether err is (or wraps) a StorageContentionError.
func IsContention(err error) bool {
	var ce *StorageContentionError
	return errors.As(err, &ce)
}

// WorkerFailure records the failure of a single chunk's cell generation.
// It is counted by the orchestrator but does not abort the other chunks.
type WorkerFailure struct {
	ChunkIndex int
	Err        error
}

func (e *WorkerFailure) Error() string {
	return fmt.Sprintf("gridgen: generating cells for chunk %d: %v", e.ChunkIndex, e.Err)
}

func (e *WorkerFailure) Unwrap() error { return e.Err }

// retryContention runs op, retrying with exponential backoff as long as op
// returns a StorageContentionError, up to retries attempts starting at
// interval. Any other error, or exhaustion of the attempts, is returned to
// the caller. notify, if non-nil, is called before each sleep.
func retryContention(op func() error, retries int, interval time.Duration, notify backoff.Notify) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.RandomizationFactor = 0 // deterministic delays; contention is local, not thundering-herd
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsContention(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if notify == nil {
		return backoff.Retry(wrapped, backoff.WithMaxRetries(b, uint64(retries)))
	}
	return backoff.RetryNotify(wrapped, backoff.WithMaxRetries(b, uint64(retries)), notify)
}
