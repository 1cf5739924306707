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

// Package ingest runs registry sync pipelines. The orchestrator selects due
// registries, runs up to a configured number of them in parallel and records
// every run in the import log. Registries are independent: one failing never
// cancels the others, and the only cross-registry signal is the process exit
// code.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/overthelex/regsync/pkg/catalog"
	"github.com/overthelex/regsync/pkg/store"
)

// Config tunes the orchestrator. The zero value takes the defaults below.
type Config struct {
	// ScratchRoot is the directory under which per-registry scratch
	// directories are created.
	ScratchRoot string

	BatchSizeXML int
	BatchSizeCSV int
	WorkersXML   int
	WorkersCSV   int

	// Concurrency caps how many registries sync at once.
	Concurrency int

	ProgressInterval time.Duration
	HeapWarnMiB      int
	FailOnInvalid    bool

	// FetchTimeout bounds one download attempt. Zero takes the fetcher
	// default.
	FetchTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ScratchRoot == "" {
		c.ScratchRoot = filepath.Join(os.TempDir(), "regsync")
	}
	if c.BatchSizeXML == 0 {
		c.BatchSizeXML = 2000
	}
	if c.BatchSizeCSV == 0 {
		c.BatchSizeCSV = 1000
	}
	if c.WorkersXML == 0 {
		c.WorkersXML = 3
	}
	if c.WorkersCSV == 0 {
		c.WorkersCSV = 10
	}
	if c.Concurrency == 0 {
		c.Concurrency = 3
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = 5 * time.Second
	}
	if c.HeapWarnMiB == 0 {
		c.HeapWarnMiB = 400
	}
}

// Options select what one SyncAll invocation does.
type Options struct {
	// Only restricts the run to the named registries.
	Only []string
	// Weekly honors each registry's cadence: a registry runs only when its
	// last sync is at least one cadence period old.
	Weekly bool
	// DryRun reports the plan without fetching anything.
	DryRun bool
	// KeepFiles retains scratch directories after the run.
	KeepFiles bool
}

// Orchestrator coordinates registry sync pipelines against one database.
type Orchestrator struct {
	logger    log.Logger
	cat       *catalog.Catalog
	db        *sqlx.DB
	importLog *store.ImportLog
	metadata  *store.Metadata
	cfg       Config
}

// New returns an orchestrator over the given catalog and database.
func New(logger log.Logger, cat *catalog.Catalog, db *sqlx.DB, cfg Config) *Orchestrator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg.defaults()
	return &Orchestrator{
		logger:    logger,
		cat:       cat,
		db:        db,
		importLog: store.NewImportLog(db),
		metadata:  store.NewMetadata(db),
		cfg:       cfg,
	}
}

// SyncAll runs the pipeline for every selected registry. The returned error
// covers selection and planning problems only; per-registry outcomes,
// including failures, are reported in the summary.
func (o *Orchestrator) SyncAll(ctx context.Context, opts Options) (Summary, error) {
	regs, err := o.cat.Filter(opts.Only)
	if err != nil {
		return Summary{}, err
	}

	plan, err := o.plan(ctx, regs, opts.Weekly)
	if err != nil {
		return Summary{}, err
	}

	if opts.DryRun {
		for _, p := range plan {
			level.Info(o.logger).Log("msg", "dry run", "registry", p.Registry, "due", p.Due, "reason", p.Reason)
		}
		return Summary{Plan: plan}, nil
	}

	var due []catalog.RegistryConfig
	for i, p := range plan {
		if p.Due {
			due = append(due, regs[i])
		} else {
			level.Info(o.logger).Log("msg", "skipping registry", "registry", p.Registry, "reason", p.Reason)
		}
	}

	level.Info(o.logger).Log("msg", "starting sync", "registries", len(due), "concurrency", o.cfg.Concurrency, "weekly", opts.Weekly)

	results := make([]RegistryResult, len(due))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, rc := range due {
		i, rc := i, rc
		g.Go(func() error {
			results[i] = o.runRegistry(ctx, rc, opts.KeepFiles)
			return nil
		})
	}
	// Workers never return errors; failures live in their result slot.
	_ = g.Wait()

	s := Summary{Results: results}
	level.Info(o.logger).Log("msg", "sync finished", "registries", len(results), "failed", s.Failed())
	return s, nil
}

// plan decides, per selected registry, whether it runs now. Without weekly
// mode everything selected is due.
func (o *Orchestrator) plan(ctx context.Context, regs []catalog.RegistryConfig, weekly bool) ([]PlanEntry, error) {
	plan := make([]PlanEntry, len(regs))
	if !weekly {
		for i, rc := range regs {
			plan[i] = PlanEntry{Registry: rc.Name, Due: true, Reason: "selected"}
		}
		return plan, nil
	}

	last, err := o.metadata.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading registry metadata: %w", err)
	}
	now := time.Now()
	for i, rc := range regs {
		plan[i] = cadencePlan(rc, last, now)
	}
	return plan, nil
}

func cadencePlan(rc catalog.RegistryConfig, last map[string]time.Time, now time.Time) PlanEntry {
	synced, ok := last[rc.Name]
	if !ok {
		return PlanEntry{Registry: rc.Name, Due: true, Reason: "never synced"}
	}
	days := daysBetween(synced, now)
	threshold := rc.UpdateFrequency.CadenceThresholdDays()
	if days >= threshold {
		return PlanEntry{
			Registry: rc.Name,
			Due:      true,
			Reason:   fmt.Sprintf("last synced %d days ago, cadence %d", days, threshold),
		}
	}
	return PlanEntry{
		Registry: rc.Name,
		Due:      false,
		Reason:   fmt.Sprintf("synced %d days ago, cadence %d", days, threshold),
	}
}

// daysBetween counts whole calendar days between two instants, in UTC.
// Cadence is a date concern: a daily registry synced yesterday evening is due
// this morning.
func daysBetween(a, b time.Time) int {
	return int(startOfDay(b).Sub(startOfDay(a)) / (24 * time.Hour))
}

func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
