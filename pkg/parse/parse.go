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

// Package parse turns decoded registry byte streams into record batches. Both
// parsers run in bounded memory: one record of scratch state, one batch of
// accumulated records, and the underlying stream buffers. The sink is invoked
// synchronously on the parsing goroutine, so the byte stream stays paused for
// as long as downstream needs to accept the batch.
package parse

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/overthelex/regsync/pkg/catalog"
)

// Record is one source record as an unordered field bag. Scalar leaves are
// strings; repeated children and item-dialect pairs are slices.
type Record map[string]any

// Sink receives batches of records. The slice is owned by the receiver; the
// parser does not retain it after the call.
type Sink func(ctx context.Context, records []Record) error

// Stats summarizes one parse run.
type Stats struct {
	// Records emitted downstream.
	Records int64
	// Dropped torn rows (CSV only).
	Dropped int64
}

// ErrMalformed marks a mid-stream parse failure. The batch accumulated up to
// the failure point has already been flushed when this is returned; callers
// decide whether to demote it to a warning.
var ErrMalformed = errors.New("malformed input")

// Parser emits records from one data file.
type Parser interface {
	Parse(ctx context.Context, r io.Reader, sink Sink) (Stats, error)
}

// New builds the parser for a registry's format.
func New(cfg catalog.RegistryConfig, batchSize int) (Parser, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	switch cfg.Format {
	case catalog.FormatXML:
		return newXMLParser(cfg.RecordPath, batchSize)
	case catalog.FormatCSV:
		return newCSVParser(cfg.CSVDelimiter, batchSize)
	default:
		return nil, fmt.Errorf("no parser for format %q", cfg.Format)
	}
}

// batcher accumulates records and hands full batches to the sink. Ownership
// of the slice transfers on flush; the batcher allocates a fresh one.
type batcher struct {
	sink  Sink
	size  int
	buf   []Record
	stats Stats
}

func newBatcher(sink Sink, size int) *batcher {
	return &batcher{sink: sink, size: size, buf: make([]Record, 0, size)}
}

func (b *batcher) add(ctx context.Context, rec Record) error {
	b.buf = append(b.buf, rec)
	b.stats.Records++
	if len(b.buf) >= b.size {
		return b.flush(ctx)
	}
	return nil
}

func (b *batcher) flush(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	batch := b.buf
	b.buf = make([]Record, 0, b.size)
	return b.sink(ctx, batch)
}
