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

// The regsync command downloads government registry archives and ingests
// them into PostgreSQL. One invocation syncs every due registry and exits;
// scheduling is left to cron or a systemd timer.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/overthelex/regsync/pkg/catalog"
	"github.com/overthelex/regsync/pkg/ingest"
	"github.com/overthelex/regsync/pkg/progress"
	"github.com/overthelex/regsync/pkg/store"
)

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("regsync", "Bulk registry ingestion pipeline")
	a.HelpFlag.Short('h')

	var (
		dbCfg   store.Config
		ingCfg  ingest.Config
		opts    ingest.Options
		only    string
		catPath string

		createTables  bool
		listenAddress string
	)

	a.Flag("db.host", "Database host.").Envar("REGSYNC_DB_HOST").Default("localhost").StringVar(&dbCfg.Host)
	a.Flag("db.port", "Database port.").Envar("REGSYNC_DB_PORT").Default("5432").IntVar(&dbCfg.Port)
	a.Flag("db.user", "Database user.").Envar("REGSYNC_DB_USER").Default("regsync").StringVar(&dbCfg.User)
	a.Flag("db.password", "Database password.").Envar("REGSYNC_DB_PASSWORD").Default("").StringVar(&dbCfg.Password)
	a.Flag("db.name", "Database name.").Envar("REGSYNC_DB_NAME").Default("regsync").StringVar(&dbCfg.Database)
	a.Flag("db.sslmode", "PostgreSQL sslmode.").Envar("REGSYNC_DB_SSLMODE").Default("disable").StringVar(&dbCfg.SSLMode)

	a.Flag("scratch-root", "Directory for downloaded archives and extracted files.").
		Envar("REGSYNC_SCRATCH_ROOT").Default("").StringVar(&ingCfg.ScratchRoot)
	a.Flag("batch-size.xml", "Records per batch for XML registries.").
		Envar("REGSYNC_BATCH_SIZE_XML").Default("2000").IntVar(&ingCfg.BatchSizeXML)
	a.Flag("batch-size.csv", "Records per batch for CSV registries.").
		Envar("REGSYNC_BATCH_SIZE_CSV").Default("1000").IntVar(&ingCfg.BatchSizeCSV)
	a.Flag("workers.xml", "Upsert workers per XML registry.").
		Envar("REGSYNC_WORKERS_XML").Default("3").IntVar(&ingCfg.WorkersXML)
	a.Flag("workers.csv", "Upsert workers per CSV registry.").
		Envar("REGSYNC_WORKERS_CSV").Default("10").IntVar(&ingCfg.WorkersCSV)
	a.Flag("concurrency", "How many registries sync in parallel.").
		Envar("REGSYNC_CONCURRENCY").Default("3").IntVar(&ingCfg.Concurrency)
	a.Flag("progress-interval", "Interval between progress log lines.").
		Envar("REGSYNC_PROGRESS_INTERVAL").Default("5s").DurationVar(&ingCfg.ProgressInterval)
	a.Flag("heap-warn-mib", "Heap size in MiB above which a one-shot warning fires.").
		Envar("REGSYNC_HEAP_WARN_MIB").Default("400").IntVar(&ingCfg.HeapWarnMiB)
	a.Flag("fail-on-invalid", "Fail a registry run on the first invalid record instead of skipping it.").
		Envar("REGSYNC_FAIL_ON_INVALID").Default("false").BoolVar(&ingCfg.FailOnInvalid)
	a.Flag("fetch-timeout", "Overall timeout for one download attempt.").
		Envar("REGSYNC_FETCH_TIMEOUT").Default("45m").DurationVar(&ingCfg.FetchTimeout)

	a.Flag("only", "Comma-separated registry names to sync.").Default("").StringVar(&only)
	a.Flag("weekly", "Honor each registry's update cadence.").Default("false").BoolVar(&opts.Weekly)
	a.Flag("dry-run", "Print the plan without fetching anything.").Default("false").BoolVar(&opts.DryRun)
	a.Flag("keep-files", "Keep scratch files after the run.").Default("false").BoolVar(&opts.KeepFiles)

	a.Flag("catalog", "YAML file with catalog overrides.").Envar("REGSYNC_CATALOG").Default("").StringVar(&catPath)
	a.Flag("create-tables", "Create bookkeeping and target tables before syncing.").Default("false").BoolVar(&createTables)
	a.Flag("web.listen-address", "Address for /metrics, /-/healthy and /-/ready.").
		Envar("REGSYNC_LISTEN_ADDRESS").Default(":9188").StringVar(&listenAddress)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		level.Error(logger).Log("msg", "parsing commandline arguments", "err", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}
	if only != "" {
		opts.Only = splitComma(only)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	progress.MustRegister(reg)

	cat, err := catalog.Load(catPath)
	if err != nil {
		level.Error(logger).Log("msg", "loading catalog", "err", err)
		os.Exit(1)
	}

	// Each concurrently syncing registry holds up to workers+2 connections.
	workers := ingCfg.WorkersXML
	if ingCfg.WorkersCSV > workers {
		workers = ingCfg.WorkersCSV
	}
	dbCfg.MaxOpenConns = ingCfg.Concurrency * (workers + 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A dry run without cadence checks never touches the database.
	var db *sqlx.DB
	if !opts.DryRun || opts.Weekly {
		d, err := store.Open(ctx, dbCfg)
		if err != nil {
			level.Error(logger).Log("msg", "connecting to database", "err", err)
			os.Exit(1)
		}
		defer d.Close()
		db = d

		if createTables {
			if err := store.EnsureSchema(ctx, db, cat.All()); err != nil {
				level.Error(logger).Log("msg", "creating schema", "err", err)
				os.Exit(1)
			}
			level.Info(logger).Log("msg", "schema ensured", "registries", len(cat.All()))
		}
	}

	orch := ingest.New(logger, cat, db, ingCfg)

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		done := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-done:
				}
				return nil
			},
			func(error) {
				close(done)
			},
		)
	}
	{
		// Sync pipeline.
		g.Add(
			func() error {
				summary, err := orch.SyncAll(ctx, opts)
				if err != nil {
					return err
				}
				fmt.Fprint(os.Stdout, summary.Render())
				if n := summary.Failed(); n > 0 {
					return fmt.Errorf("%d of %d registries failed", n, len(summary.Results))
				}
				return nil
			},
			func(error) {
				cancel()
			},
		)
	}
	{
		// Web server for metrics and probes.
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "regsync is Ready.")
		})
		server := &http.Server{Addr: listenAddress, Handler: mux}

		g.Add(
			func() error {
				level.Info(logger).Log("msg", "starting web server", "listen", listenAddress)
				return server.ListenAndServe()
			},
			func(error) {
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutCancel()
				_ = server.Shutdown(shutCtx)
			},
		)
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "run failed", "err", err)
		os.Exit(1)
	}
}

func splitComma(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
