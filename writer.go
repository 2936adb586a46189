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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WriterQueue is the single logical writer for the grid layer during
// generation: a bounded multi-producer/single-consumer queue whose consumer
// goroutine owns the only write handle. Enqueue blocks when the queue is
// full, back-pressuring the chunk workers. Items are committed in batches of
// BatchSize, one storage transaction per batch, with grid ids assigned
// sequentially in commit order.
type WriterQueue struct {
	store SpatialStore
	layer string
	log   *logrus.Logger

	batchSize     int
	retries       int
	retryInterval time.Duration

	items chan *Feature
	flush chan chan struct{}
	done  chan struct{}

	// idMu protects the grid id counter; id assignment is the sole
	// responsibility of this writer.
	idMu   sync.Mutex
	nextID int64

	// refMu guards the reference count. Multiple parts processed under one
	// area share one WriterQueue, and the write handle is released only
	// when the last referencing part finishes.
	refMu sync.Mutex
	refs  int

	errMu   sync.Mutex
	err     error
	written int64
}

// NewWriterQueue prepares a writer for the named layer. The layer is created
// if absent. Call Acquire before enqueueing and Release when done.
func NewWriterQueue(store SpatialStore, layer string, cfg *GridConfig, log *logrus.Logger) (*WriterQueue, error) {
	if err := store.CreateLayerIfAbsent(layer); err != nil {
		return nil, fmt.Errorf("gridgen: creating layer %q: %w", layer, err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WriterQueue{
		store:         store,
		layer:         layer,
		log:           log,
		batchSize:     cfg.BatchSize,
		retries:       cfg.StoreRetries,
		retryInterval: cfg.StoreRetryInterval,
		items:         make(chan *Feature, cfg.QueueDepth),
		flush:         make(chan chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// Acquire registers a referencing part, starting the consumer goroutine on
// the first acquisition.
func (q *WriterQueue) Acquire() {
	q.refMu.Lock()
	defer q.refMu.Unlock()
	q.refs++
	if q.refs == 1 {
		go q.drain()
	}
}

// Release drops one reference. When the last reference is released the
// queue is closed, the consumer drains the remaining items, and the first
// write error (if any) is returned.
func (q *WriterQueue) Release() error {
	q.refMu.Lock()
	q.refs--
	last := q.refs == 0
	q.refMu.Unlock()
	if !last {
		return nil
	}
	close(q.items)
	<-q.done
	return q.Err()
}

// Enqueue adds one write item to the queue, blocking while the queue is
// full. It fails fast if the writer has already failed or ctx is canceled.
func (q *WriterQueue) Enqueue(ctx context.Context, f *Feature) error {
	if err := q.Err(); err != nil {
		return err
	}
	select {
	case q.items <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush commits any partially filled batch and blocks until every item
// enqueued before the call is durably committed. The clip-polygon read-back
// is only valid after Flush (or Release) returns.
func (q *WriterQueue) Flush() error {
	ack := make(chan struct{})
	select {
	case q.flush <- ack:
		<-ack
	case <-q.done:
	}
	return q.Err()
}

// Written returns the number of features committed so far.
func (q *WriterQueue) Written() int64 {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.written
}

// Err returns the first write error, if any.
func (q *WriterQueue) Err() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.err
}

func (q *WriterQueue) setErr(err error) {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	if q.err == nil {
		q.err = err
	}
}

// drain is the consumer loop. It owns the write handle exclusively: no
// other component may write the grid layer while the queue is live.
func (q *WriterQueue) drain() {
	defer close(q.done)
	batch := make([]*Feature, 0, q.batchSize)
	for {
		select {
		case f, ok := <-q.items:
			if !ok {
				q.commit(batch)
				return
			}
			batch = append(batch, f)
			if len(batch) >= q.batchSize {
				q.commit(batch)
				batch = batch[:0]
			}
		case ack := <-q.flush:
			// Take everything already queued before acknowledging.
		flushLoop:
			for {
				select {
				case f, ok := <-q.items:
					if !ok {
						q.commit(batch)
						close(ack)
						return
					}
					batch = append(batch, f)
					if len(batch) >= q.batchSize {
						q.commit(batch)
						batch = batch[:0]
					}
				default:
					break flushLoop
				}
			}
			q.commit(batch)
			batch = batch[:0]
			close(ack)
		}
	}
}

// commit writes one batch as a single transaction, assigning sequential
// grid ids inside the transaction. Transient contention is retried with
// exponential backoff; other failures (and retry exhaustion) are recorded
// and the transaction's items are dropped. Previously committed batches
// stay on disk.
func (q *WriterQueue) commit(batch []*Feature) {
	if len(batch) == 0 || q.Err() != nil {
		return
	}
	q.idMu.Lock()
	for _, f := range batch {
		f.ID = q.nextID
		q.nextID++
	}
	q.idMu.Unlock()

	err := retryContention(func() error {
		return q.store.AppendFeatures(q.layer, batch)
	}, q.retries, q.retryInterval, func(err error, d time.Duration) {
		q.log.WithFields(logrus.Fields{
			"layer": q.layer,
			"retry": d.String(),
		}).Warnf("storage busy: %v", err)
	})
	if err != nil {
		q.setErr(fmt.Errorf("gridgen: committing batch of %d cells to %q: %w", len(batch), q.layer, err))
		return
	}
	q.errMu.Lock()
	q.written += int64(len(batch))
	q.errMu.Unlock()
}
