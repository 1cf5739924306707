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

package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/overthelex/regsync/pkg/archive"
	"github.com/overthelex/regsync/pkg/catalog"
	"github.com/overthelex/regsync/pkg/decode"
	"github.com/overthelex/regsync/pkg/fetch"
	"github.com/overthelex/regsync/pkg/mapper"
	"github.com/overthelex/regsync/pkg/parse"
	"github.com/overthelex/regsync/pkg/progress"
	"github.com/overthelex/regsync/pkg/store"
	"github.com/overthelex/regsync/pkg/upsert"
	"github.com/overthelex/regsync/pkg/validate"
)

// runRegistry executes the whole pipeline for one registry: fetch, extract,
// decode, parse, map, validate, upsert, bookkeeping. It never panics across
// the boundary and reports every outcome in the returned result.
func (o *Orchestrator) runRegistry(ctx context.Context, rc catalog.RegistryConfig, keepFiles bool) (res RegistryResult) {
	start := time.Now()
	runID := uuid.NewString()[:8]
	logger := log.With(o.logger, "registry", rc.Name, "run", runID)
	res = RegistryResult{Registry: rc.Name}
	defer func() {
		res.Duration = time.Since(start)
		progress.ObserveSync(rc.Name, res.Duration.Seconds(), res.Err == nil)
	}()

	scratch := filepath.Join(o.cfg.ScratchRoot, rc.Name, runID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		res.Err = fmt.Errorf("creating scratch directory: %w", err)
		return res
	}
	defer func() {
		if keepFiles {
			level.Info(logger).Log("msg", "keeping scratch directory", "dir", scratch)
			return
		}
		if err := os.RemoveAll(scratch); err != nil {
			level.Warn(logger).Log("msg", "scratch cleanup failed", "dir", scratch, "err", err)
		}
	}()

	tracker := progress.NewTracker(rc.Name)
	// The previous successful run's row count is the best available estimate
	// for ETA reporting. Read it before this run's job row exists.
	if last, ok, err := o.importLog.Last(ctx, rc.Name); err == nil && ok && last.Status == store.StatusCompleted {
		tracker.SetEstimatedTotal(last.Imported)
	}

	archiveName := archiveFileName(rc)
	jobID, err := o.importLog.Begin(ctx, rc.Name, archiveName)
	if err != nil {
		res.Err = err
		return res
	}
	level.Info(logger).Log("msg", "sync started", "url", rc.DatasetURL, "job_id", jobID)

	reporter := progress.NewReporter(logger, tracker, progress.ReporterOptions{
		Interval:      o.cfg.ProgressInterval,
		HeapWarnBytes: uint64(o.cfg.HeapWarnMiB) << 20,
	})
	repCtx, stopReporter := context.WithCancel(context.Background())
	var repWG sync.WaitGroup
	repWG.Add(1)
	go func() {
		defer repWG.Done()
		reporter.Run(repCtx)
	}()
	defer func() {
		stopReporter()
		repWG.Wait()
	}()

	fail := func(err error) RegistryResult {
		level.Error(logger).Log("msg", "sync failed", "err", err)
		c := tracker.Counters()
		cctx, cancel := closeContext(ctx)
		defer cancel()
		if logErr := o.importLog.Fail(cctx, jobID, c.Imported, c.Errors, err.Error()); logErr != nil {
			level.Error(logger).Log("msg", "closing import job failed", "err", logErr)
		}
		res.fill(c)
		res.Err = err
		return res
	}

	archivePath := filepath.Join(scratch, archiveName)
	if err := o.newFetcher(logger, tracker).Fetch(ctx, rc.DatasetURL, archivePath); err != nil {
		return fail(err)
	}

	files, err := archive.Extract(archivePath, filepath.Join(scratch, "data"))
	if err != nil {
		return fail(err)
	}
	dataFile, err := locateDataFile(files, rc)
	if err != nil {
		return fail(err)
	}
	level.Info(logger).Log("msg", "archive extracted", "files", len(files), "data_file", dataFile)

	parseErr := o.runPipeline(ctx, logger, rc, tracker, filepath.Join(scratch, "data", dataFile), filepath.Base(dataFile))

	c := tracker.Counters()
	switch {
	case parseErr == nil:
	case errors.Is(parseErr, parse.ErrMalformed):
		// Graceful mode: a mid-file abort keeps what was imported.
		level.Warn(logger).Log("msg", "parse aborted mid-file", "err", parseErr)
		tracker.AddErrors(1)
		c = tracker.Counters()
		if c.Imported == 0 {
			return fail(parseErr)
		}
	default:
		return fail(parseErr)
	}

	cctx, cancel := closeContext(ctx)
	defer cancel()
	if err := o.importLog.Complete(cctx, jobID, c.Imported, c.Errors); err != nil {
		return fail(err)
	}
	if err := o.metadata.Advance(cctx, rc.Name, startOfDay(start)); err != nil {
		return fail(err)
	}

	level.Info(logger).Log("msg", "sync completed",
		"parsed", c.Parsed, "imported", c.Imported, "errors", c.Errors,
		"skipped", c.Skipped, "unchanged", c.Unchanged,
		"duration", time.Since(start).Round(time.Millisecond))
	res.fill(c)
	return res
}

// runPipeline streams the data file through decode, parse, map, validate and
// the upsert pool. The returned error is nil on a clean run, wraps
// parse.ErrMalformed on a mid-file abort, and is fatal otherwise.
func (o *Orchestrator) runPipeline(ctx context.Context, logger log.Logger, rc catalog.RegistryConfig, tracker *progress.Tracker, dataPath, dataName string) error {
	f, err := os.Open(dataPath)
	if err != nil {
		return fmt.Errorf("opening data file: %w", err)
	}
	defer f.Close()

	decoded, err := decode.Reader(f, rc.Encoding)
	if err != nil {
		return err
	}

	builder, err := upsert.NewBuilder(rc.TableName, mapper.Columns(rc), rc.UniqueKey)
	if err != nil {
		return err
	}
	m, err := mapper.New(rc, dataName)
	if err != nil {
		return err
	}
	v := validate.New(logger, rc, o.cfg.FailOnInvalid)

	workers, batchSize := o.cfg.WorkersXML, o.cfg.BatchSizeXML
	if rc.Format == catalog.FormatCSV {
		workers, batchSize = o.cfg.WorkersCSV, o.cfg.BatchSizeCSV
	}
	parser, err := parse.New(rc, batchSize)
	if err != nil {
		return err
	}

	pool := upsert.NewPool(logger, o.db, builder, workers, func(bs upsert.BatchStats) {
		tracker.AddImported(bs.Imported)
		tracker.AddUnchanged(bs.Unchanged)
		tracker.AddErrors(bs.Errors)
		p := "fast"
		if bs.Fallback {
			p = "fallback"
		}
		tracker.ObserveBatch(p)
		progress.ObserveBatchDuration(bs.Duration.Seconds())
	})
	pool.Start(ctx)

	sink := func(ctx context.Context, records []parse.Record) error {
		rows := make([]upsert.Row, 0, len(records))
		for _, rec := range records {
			tracker.AddParsed(1)
			if err := v.Check(rec); err != nil {
				if v.FailOnInvalid() {
					return err
				}
				tracker.AddSkipped(1)
				continue
			}
			row, err := m.Map(rec)
			if err != nil {
				level.Warn(logger).Log("msg", "mapping record failed", "err", err)
				tracker.AddErrors(1)
				continue
			}
			rows = append(rows, row)
		}
		return pool.Submit(ctx, rows)
	}

	stats, parseErr := parser.Parse(ctx, decoded, sink)
	if parseErr != nil && !errors.Is(parseErr, parse.ErrMalformed) {
		// Fatal producer error: drop what is still queued and drain.
		pool.Stop()
	}
	if closeErr := pool.Close(); closeErr != nil {
		return closeErr
	}

	if stats.Dropped > 0 {
		level.Warn(logger).Log("msg", "torn rows dropped", "rows", stats.Dropped)
	}
	if s := v.Summary(); s.Skipped > 0 || s.Warnings > 0 {
		level.Info(logger).Log("msg", "validation summary",
			"total", s.Total, "valid", s.Valid, "skipped", s.Skipped, "warnings", s.Warnings)
	}
	return parseErr
}

// newFetcher builds a per-run fetcher whose progress feeds the tracker's
// download counter.
func (o *Orchestrator) newFetcher(logger log.Logger, tracker *progress.Tracker) *fetch.Fetcher {
	var last int64
	return fetch.New(logger, fetch.Options{
		Timeout: o.cfg.FetchTimeout,
		OnProgress: func(written int64) {
			delta := written - last
			if delta < 0 {
				// A retry restarted the download from zero.
				delta = written
			}
			tracker.AddDownloadedBytes(delta)
			last = written
		},
	})
}

// locateDataFile picks the data file among extracted entries: extension must
// match the registry format and, when InnerFileName is set, the base name
// must contain it. Ties resolve to the lexicographically first path.
func locateDataFile(files []string, rc catalog.RegistryConfig) (string, error) {
	ext := "." + string(rc.Format)
	needle := strings.ToLower(rc.InnerFileName)
	var candidates []string
	for _, f := range files {
		if !strings.EqualFold(filepath.Ext(f), ext) {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(filepath.Base(f)), needle) {
			continue
		}
		candidates = append(candidates, f)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no %s data file matching %q among %d extracted files", rc.Format, rc.InnerFileName, len(files))
	}
	sort.Strings(candidates)
	return candidates[0], nil
}

// archiveFileName derives the local archive name from the dataset URL,
// falling back to the registry name. Keeping the original extension matters:
// the fetcher's magic check keys off it.
func archiveFileName(rc catalog.RegistryConfig) string {
	if u, err := url.Parse(rc.DatasetURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}
	return rc.Name + ".zip"
}

// closeContext yields a context for bookkeeping writes that must go through
// even when the run's context was canceled.
func closeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
}
