// Copyright 2026 OverTheLex
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package upsert writes mapped record batches to the target table. A pool of
// workers consumes batches from a bounded queue; a semaphore sized to the
// worker count blocks the producer, which in turn pauses the byte stream, so
// at no point do more than worker-count batches wait in memory.
//
// Each batch tries one multi-row INSERT ... ON CONFLICT DO UPDATE first. Any
// failure of that statement demotes the batch to a row-by-row transaction
// with savepoints, so a single poisoned record costs one row, not the batch.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/semaphore"
)

// BatchStats is the outcome of one batch.
type BatchStats struct {
	// Imported rows, including updates of existing rows.
	Imported int64
	// Unchanged rows: upserts that were no-ops plus duplicates collapsed by
	// intra-batch dedup.
	Unchanged int64
	// Errors counts rows that could not be written.
	Errors int64
	// Fallback reports whether the row-by-row path ran.
	Fallback bool
	// Duration of the database work for this batch.
	Duration time.Duration
}

// Pool upserts batches using a fixed set of workers. One pool serves one
// registry run.
type Pool struct {
	logger  log.Logger
	db      *sqlx.DB
	builder *Builder
	workers int
	onStats func(BatchStats)

	sem     *semaphore.Weighted
	batchCh chan []Row
	wg      sync.WaitGroup
	stop    chan struct{}

	mtx     sync.Mutex
	fatal   error
	started bool
}

// NewPool returns an unstarted pool. onStats, when set, receives the outcome
// of every batch; it is called from worker goroutines and must be
// thread-safe.
func NewPool(logger log.Logger, db *sqlx.DB, builder *Builder, workers int, onStats func(BatchStats)) *Pool {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		logger:  logger,
		db:      db,
		builder: builder,
		workers: workers,
		onStats: onStats,
		sem:     semaphore.NewWeighted(int64(workers)),
		batchCh: make(chan []Row, workers),
		stop:    make(chan struct{}),
	}
}

// Start launches the workers. ctx bounds all database work.
func (p *Pool) Start(ctx context.Context) {
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit hands a batch to the pool, blocking until a worker can accept it.
// Ownership of the slice transfers to the pool. Submit must not be called
// after Close.
func (p *Pool) Submit(ctx context.Context, batch []Row) error {
	if len(batch) == 0 {
		return nil
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	select {
	case p.batchCh <- batch:
		return nil
	case <-ctx.Done():
		p.sem.Release(1)
		return ctx.Err()
	}
}

// Stop requests an early exit: workers finish their in-flight batch and drop
// the rest, counting dropped rows as errors. Committed batches stay.
func (p *Pool) Stop() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

// Close waits for all submitted batches to drain and returns the first fatal
// database error, if any.
func (p *Pool) Close() error {
	if p.started {
		close(p.batchCh)
		p.wg.Wait()
	}
	return p.Err()
}

// Err returns the first fatal database error observed by a worker.
func (p *Pool) Err() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.fatal
}

func (p *Pool) setErr(err error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.fatal == nil {
		p.fatal = err
	}
}

func (p *Pool) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for batch := range p.batchCh {
		var stats BatchStats
		if p.stopped() || ctx.Err() != nil {
			stats.Errors = int64(len(batch))
		} else {
			stats = p.process(ctx, batch)
		}
		if p.onStats != nil {
			p.onStats(stats)
		}
		p.sem.Release(1)
	}
}

func (p *Pool) process(ctx context.Context, batch []Row) BatchStats {
	start := time.Now()
	rows := Dedup(batch)
	stats := BatchStats{Unchanged: int64(len(batch) - len(rows))}

	res, err := p.db.ExecContext(ctx, p.builder.Insert(len(rows)), p.builder.Args(rows)...)
	if err == nil {
		affected, _ := res.RowsAffected()
		stats.Imported = affected
		stats.Unchanged += int64(len(rows)) - affected
		stats.Duration = time.Since(start)
		return stats
	}

	kv := []any{"msg", "batch insert failed, retrying row by row", "table", p.builder.Table(), "rows", len(rows), "err", err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		kv = append(kv, "code", pgErr.Code, "constraint", pgErr.ConstraintName)
	}
	level.Warn(p.logger).Log(kv...)

	fb := p.fallback(ctx, rows)
	fb.Unchanged += stats.Unchanged
	fb.Duration = time.Since(start)
	return fb
}

// fallback writes rows one by one inside a single transaction, isolating
// each row with a savepoint. The transaction commits even when individual
// rows fail.
func (p *Pool) fallback(ctx context.Context, rows []Row) BatchStats {
	stats := BatchStats{Fallback: true}
	single := p.builder.Insert(1)

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		p.setErr(fmt.Errorf("beginning fallback transaction: %w", err))
		stats.Errors = int64(len(rows))
		return stats
	}

	for i, r := range rows {
		sp := "sp_" + strconv.Itoa(i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			p.setErr(fmt.Errorf("creating savepoint: %w", err))
			stats.Errors += int64(len(rows) - i)
			break
		}
		res, err := tx.ExecContext(ctx, single, r.Values...)
		if err != nil {
			stats.Errors++
			level.Warn(p.logger).Log("msg", "row upsert failed", "table", p.builder.Table(), "key", r.Key, "err", err)
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); err != nil {
				p.setErr(fmt.Errorf("rolling back savepoint: %w", err))
				stats.Errors += int64(len(rows) - i - 1)
				break
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			p.setErr(fmt.Errorf("releasing savepoint: %w", err))
			stats.Errors += int64(len(rows) - i)
			break
		}
		affected, _ := res.RowsAffected()
		stats.Imported += affected
		stats.Unchanged += 1 - affected
	}

	if err := tx.Commit(); err != nil {
		p.setErr(fmt.Errorf("committing fallback transaction: %w", err))
		stats.Errors += stats.Imported + stats.Unchanged
		stats.Imported = 0
		stats.Unchanged = 0
	}
	return stats
}
