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

// Package progress tracks per-run pipeline counters and reports them
// periodically. Counters are atomics updated from the parser goroutine and
// the upsert workers; the reporter is the single reader that derives rate,
// heap usage and ETA from them.
package progress

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Counters is a snapshot of one run's tallies. The pipeline maintains
// Parsed = Imported + Errors + Skipped + Unchanged once drained.
type Counters struct {
	Parsed    int64
	Imported  int64
	Errors    int64
	Skipped   int64
	Unchanged int64
}

// Tracker accumulates counters for one registry run and mirrors them into
// the process-wide Prometheus metrics.
type Tracker struct {
	registry string

	parsed    atomic.Int64
	imported  atomic.Int64
	errors    atomic.Int64
	skipped   atomic.Int64
	unchanged atomic.Int64
	estimated atomic.Int64
}

// NewTracker returns a tracker labeled with the registry name.
func NewTracker(registry string) *Tracker {
	return &Tracker{registry: registry}
}

// SetEstimatedTotal sets the expected record count, enabling ETA reporting.
// Zero means unknown.
func (t *Tracker) SetEstimatedTotal(n int64) {
	t.estimated.Store(n)
}

func (t *Tracker) AddParsed(n int64) {
	t.parsed.Add(n)
	recordsParsed.WithLabelValues(t.registry).Add(float64(n))
}

func (t *Tracker) AddImported(n int64) {
	t.imported.Add(n)
	recordsImported.WithLabelValues(t.registry).Add(float64(n))
}

func (t *Tracker) AddErrors(n int64) {
	t.errors.Add(n)
	recordsFailed.WithLabelValues(t.registry).Add(float64(n))
}

func (t *Tracker) AddSkipped(n int64) {
	t.skipped.Add(n)
	recordsSkipped.WithLabelValues(t.registry).Add(float64(n))
}

func (t *Tracker) AddUnchanged(n int64) {
	t.unchanged.Add(n)
	recordsUnchanged.WithLabelValues(t.registry).Add(float64(n))
}

func (t *Tracker) AddDownloadedBytes(n int64) {
	downloadBytes.WithLabelValues(t.registry).Add(float64(n))
}

// ObserveBatch counts one processed batch on the given insert path, "fast"
// or "fallback".
func (t *Tracker) ObserveBatch(path string) {
	batchesTotal.WithLabelValues(t.registry, path).Inc()
}

// Counters returns a snapshot.
func (t *Tracker) Counters() Counters {
	return Counters{
		Parsed:    t.parsed.Load(),
		Imported:  t.imported.Load(),
		Errors:    t.errors.Load(),
		Skipped:   t.skipped.Load(),
		Unchanged: t.unchanged.Load(),
	}
}

// ReporterOptions tune the periodic status line.
type ReporterOptions struct {
	// Interval between status lines.
	Interval time.Duration
	// HeapWarnBytes arms a one-shot warning the first time heap allocation
	// exceeds it. Zero disables the warning.
	HeapWarnBytes uint64
}

func (o *ReporterOptions) defaults() {
	if o.Interval == 0 {
		o.Interval = 5 * time.Second
	}
}

// Reporter emits one status line per interval for a tracker and a final line
// on shutdown.
type Reporter struct {
	logger log.Logger
	t      *Tracker
	opts   ReporterOptions

	lastImported int64
	lastTime     time.Time
	heapWarned   bool

	readMemStats func(*runtime.MemStats)
}

// NewReporter returns a reporter over t.
func NewReporter(logger log.Logger, t *Tracker, opts ReporterOptions) *Reporter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts.defaults()
	return &Reporter{
		logger:       logger,
		t:            t,
		opts:         opts,
		readMemStats: runtime.ReadMemStats,
	}
}

// Run emits until ctx is canceled, then flushes the final line. It is meant
// to run on its own goroutine for the duration of one registry sync.
func (r *Reporter) Run(ctx context.Context) {
	r.lastTime = time.Now()
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.emit(true)
			return
		case <-ticker.C:
			r.emit(false)
		}
	}
}

func (r *Reporter) emit(final bool) {
	c := r.t.Counters()
	now := time.Now()

	elapsed := now.Sub(r.lastTime).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(c.Imported-r.lastImported) / elapsed
	}
	r.lastImported = c.Imported
	r.lastTime = now

	var ms runtime.MemStats
	r.readMemStats(&ms)

	kv := []any{
		"msg", "progress",
		"imported", c.Imported,
		"parsed", c.Parsed,
		"errors", c.Errors,
		"skipped", c.Skipped,
		"rate", int64(rate),
		"heap_mib", ms.HeapAlloc >> 20,
	}
	if est := r.t.estimated.Load(); est > 0 {
		kv = append(kv, "estimated_total", est)
		if rate > 0 && c.Imported < est {
			kv = append(kv, "eta_seconds", int64(float64(est-c.Imported)/rate))
		}
	}
	if final {
		kv[1] = "final progress"
	}
	level.Info(r.logger).Log(kv...)

	if !r.heapWarned && r.opts.HeapWarnBytes > 0 && ms.HeapAlloc > r.opts.HeapWarnBytes {
		r.heapWarned = true
		level.Warn(r.logger).Log(
			"msg", "heap usage above threshold",
			"heap_mib", ms.HeapAlloc>>20,
			"threshold_mib", r.opts.HeapWarnBytes>>20,
		)
	}
}
