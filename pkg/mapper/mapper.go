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

// Package mapper applies a registry's field map to raw records, producing
// rows aligned with the target table's column list. Mapping is pure data
// reshaping: no I/O, no retained references to the input record.
package mapper

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/overthelex/regsync/pkg/catalog"
	"github.com/overthelex/regsync/pkg/parse"
	"github.com/overthelex/regsync/pkg/upsert"
)

// Injected columns appended after the mapped ones on every target table.
const (
	RawDataColumn    = "raw_data"
	SourceFileColumn = "source_file"
)

// keySep joins unique-key values into the dedup key. A unit separator cannot
// occur in sanitized input.
const keySep = "\x1f"

// Columns returns the full column order a mapper produces for cfg: the field
// map columns in declaration order followed by the injected raw_data and
// source_file columns.
func Columns(cfg catalog.RegistryConfig) []string {
	return append(cfg.Columns(), RawDataColumn, SourceFileColumn)
}

// Mapper turns raw records of one registry into upsert rows. It is stateful
// only for the synthetic-key counter and must be used from a single
// goroutine, which the parser's synchronous sink guarantees.
type Mapper struct {
	cfg        catalog.RegistryConfig
	sourceFile string
	keyIdx     []int
	gen        int64
}

// New returns a mapper for one registry run. sourceFile is recorded verbatim
// in every produced row.
func New(cfg catalog.RegistryConfig, sourceFile string) (*Mapper, error) {
	colIdx := make(map[string]int, len(cfg.FieldMap))
	for i, fm := range cfg.FieldMap {
		colIdx[fm.Column] = i
	}
	keyIdx := make([]int, 0, len(cfg.UniqueKey))
	for _, k := range cfg.UniqueKey {
		i, ok := colIdx[k]
		if !ok {
			return nil, fmt.Errorf("registry %q: unique key column %q not in field map", cfg.Name, k)
		}
		keyIdx = append(keyIdx, i)
	}
	return &Mapper{cfg: cfg, sourceFile: sourceFile, keyIdx: keyIdx}, nil
}

// Map produces the row for one raw record. Unique-key columns that come out
// NULL receive a synthetic gen_<n> key so the row stays upsertable; the
// prefix marks it for later investigation.
func (m *Mapper) Map(rec parse.Record) (upsert.Row, error) {
	values := make([]any, len(m.cfg.FieldMap)+2)
	for i, fm := range m.cfg.FieldMap {
		raw := stringField(rec, fm.Source)
		if fm.Compute != nil {
			values[i] = fm.Compute(raw, rec)
			continue
		}
		if raw == "" {
			values[i] = nil
			continue
		}
		values[i] = raw
	}

	for _, i := range m.keyIdx {
		if values[i] == nil {
			values[i] = "gen_" + strconv.FormatInt(m.gen, 10)
			m.gen++
		}
	}

	rawJSON, err := json.Marshal(rec)
	if err != nil {
		return upsert.Row{}, fmt.Errorf("serializing raw record: %w", err)
	}
	values[len(values)-2] = string(rawJSON)
	values[len(values)-1] = m.sourceFile

	return upsert.Row{Key: m.key(values), Values: values}, nil
}

func (m *Mapper) key(values []any) string {
	parts := make([]string, len(m.keyIdx))
	for n, i := range m.keyIdx {
		parts[n] = fmt.Sprint(values[i])
	}
	return strings.Join(parts, keySep)
}

// stringField extracts the named field as a trimmed string. Missing fields
// and non-scalar values read as empty.
func stringField(rec parse.Record, name string) string {
	if name == "" {
		return ""
	}
	v, ok := rec[name].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}
