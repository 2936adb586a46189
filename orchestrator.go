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
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Orchestrator runs a cell generator once per chunk, either sequentially or
// across a fixed-size worker pool, handing each completed chunk's cells to
// the writer queue in pool completion order. Order within one chunk's cell
// list is preserved; no order is guaranteed between chunks.
type Orchestrator struct {
	Generator CellGenerator
	Queue     *WriterQueue
	Workers   int
	Log       *logrus.Logger

	total     int64
	completed int64
	failed    int64

	failMu   sync.Mutex
	failures []*WorkerFailure
}

// Progress reports completed_chunks / total_chunks in [0, 1].
func (o *Orchestrator) Progress() float64 {
	t := atomic.LoadInt64(&o.total)
	if t == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&o.completed)) / float64(t)
}

// Failures returns the per-chunk failures recorded during the run.
func (o *Orchestrator) Failures() []*WorkerFailure {
	o.failMu.Lock()
	defer o.failMu.Unlock()
	out := make([]*WorkerFailure, len(o.failures))
	copy(out, o.failures)
	return out
}

// Run processes every chunk (already filtered to exclude outside chunks).
// A single chunk's failure is recorded and counted but does not abort the
// other chunks. If parallel execution raises an unexpected class of failure
// (a worker panic), the orchestrator falls back to sequential execution for
// the remaining chunks.
func (o *Orchestrator) Run(ctx context.Context, chunks []*Chunk) error {
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	atomic.StoreInt64(&o.total, int64(len(chunks)))
	atomic.StoreInt64(&o.completed, 0)
	atomic.StoreInt64(&o.failed, 0)

	workers := o.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > MaxWorkerCount {
		workers = MaxWorkerCount
	}

	if workers == 1 {
		return o.runSequential(ctx, chunks)
	}

	remaining, err := o.runParallel(ctx, chunks, workers)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		o.Log.WithField("chunks", len(remaining)).Warn("worker panic; falling back to sequential execution")
		return o.runSequential(ctx, remaining)
	}
	return nil
}

func (o *Orchestrator) runSequential(ctx context.Context, chunks []*Chunk) error {
	for _, c := range chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := o.processChunk(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// runParallel distributes chunks over the worker pool. It returns the
// chunks that were not completed because a worker panicked, so that the
// caller can finish them sequentially.
func (o *Orchestrator) runParallel(ctx context.Context, chunks []*Chunk, workers int) ([]*Chunk, error) {
	chunkChan := make(chan *Chunk, len(chunks))
	for _, c := range chunks {
		chunkChan <- c
	}
	close(chunkChan)

	errChan := make(chan error, workers)
	var unsentMu sync.Mutex
	var unsent []*Chunk

	for w := 0; w < workers; w++ {
		go func() {
			var cur *Chunk
			var res error
			defer func() {
				if r := recover(); r != nil {
					o.Log.Warnf("gridgen: chunk worker panic: %v", r)
					if cur != nil {
						unsentMu.Lock()
						unsent = append(unsent, cur)
						unsentMu.Unlock()
					}
				}
				errChan <- res
			}()
			for c := range chunkChan {
				if res != nil || ctx.Err() != nil {
					continue // keep draining so the pool always terminates
				}
				cur = c
				res = o.processChunk(ctx, c)
				cur = nil
			}
		}()
	}

	var firstErr error
	for w := 0; w < workers; w++ {
		if err := <-errChan; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Anything still in the (closed) channel was abandoned by panicked
	// workers, as was any chunk in flight when its worker panicked.
	for c := range chunkChan {
		unsent = append(unsent, c)
	}
	return unsent, nil
}

// processChunk generates one chunk's cells and enqueues them. Generation
// failures are counted as worker failures; only queue failures (the shared
// infrastructure) abort the run.
func (o *Orchestrator) processChunk(ctx context.Context, c *Chunk) error {
	cells, err := o.Generator.GenerateCells(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.recordFailure(&WorkerFailure{ChunkIndex: c.Index, Err: err})
		atomic.AddInt64(&o.completed, 1)
		return nil
	}
	for _, cell := range cells {
		if err := o.Queue.Enqueue(ctx, cell); err != nil {
			return err
		}
	}
	atomic.AddInt64(&o.completed, 1)
	return nil
}

func (o *Orchestrator) recordFailure(f *WorkerFailure) {
	atomic.AddInt64(&o.failed, 1)
	o.Log.WithField("chunk", f.ChunkIndex).Warnf("%v", f.Err)
	o.failMu.Lock()
	o.failures = append(o.failures, f)
	o.failMu.Unlock()
}
