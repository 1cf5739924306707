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

package progress

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordsParsed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regsync_records_parsed_total",
		Help: "Number of records emitted by the streaming parser.",
	}, []string{"registry"})
	recordsImported = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regsync_records_imported_total",
		Help: "Number of records upserted into the target table.",
	}, []string{"registry"})
	recordsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regsync_records_failed_total",
		Help: "Number of records that failed to import.",
	}, []string{"registry"})
	recordsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regsync_records_skipped_total",
		Help: "Number of records dropped by validation.",
	}, []string{"registry"})
	recordsUnchanged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regsync_records_unchanged_total",
		Help: "Number of records whose upsert was a no-op.",
	}, []string{"registry"})
	batchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regsync_batches_total",
		Help: "Number of batches processed, by insert path.",
	}, []string{"registry", "path"})
	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "regsync_batch_duration_seconds",
		Help:    "Time spent upserting one batch.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	downloadBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regsync_download_bytes_total",
		Help: "Bytes downloaded from registry sources.",
	}, []string{"registry"})
	syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "regsync_registry_sync_duration_seconds",
		Help:    "Wall time of one registry sync.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"registry"})
	lastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "regsync_registry_last_success_timestamp_seconds",
		Help: "Unix time of the last successful sync per registry.",
	}, []string{"registry"})
)

// MustRegister registers all pipeline metrics with reg. Call once at startup.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		recordsParsed,
		recordsImported,
		recordsFailed,
		recordsSkipped,
		recordsUnchanged,
		batchesTotal,
		batchDuration,
		downloadBytes,
		syncDuration,
		lastSuccess,
	)
}

// ObserveBatchDuration records the wall time of one batch upsert.
func ObserveBatchDuration(seconds float64) {
	batchDuration.Observe(seconds)
}

// ObserveSync records the outcome of one whole registry sync.
func ObserveSync(registry string, seconds float64, succeeded bool) {
	syncDuration.WithLabelValues(registry).Observe(seconds)
	if succeeded {
		lastSuccess.WithLabelValues(registry).SetToCurrentTime()
	}
}
