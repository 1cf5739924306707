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

package upsert

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// Row is one mapped record ready for the database: values aligned with the
// builder's column list, plus the joined unique-key tuple used for
// intra-batch deduplication.
type Row struct {
	Key    string
	Values []any
}

// Builder renders upsert statements for one target table. Table and column
// names come from configuration, so every identifier is quoted.
type Builder struct {
	table   string
	columns []string
	prefix  string
	suffix  string
}

// NewBuilder prepares statement fragments for the given table. keyCols form
// the conflict target and must be a subset of columns.
func NewBuilder(table string, columns, keyCols []string) (*Builder, error) {
	if table == "" {
		return nil, fmt.Errorf("empty table name")
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s: no columns", table)
	}
	if len(keyCols) == 0 {
		return nil, fmt.Errorf("table %s: no key columns", table)
	}
	isKey := map[string]bool{}
	for _, k := range keyCols {
		isKey[k] = true
	}
	have := map[string]bool{}
	for _, c := range columns {
		have[c] = true
	}
	for _, k := range keyCols {
		if !have[k] {
			return nil, fmt.Errorf("table %s: key column %q not in column list", table, k)
		}
	}

	qtable := pq.QuoteIdentifier(table)
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	conflict := make([]string, len(keyCols))
	for i, k := range keyCols {
		conflict[i] = pq.QuoteIdentifier(k)
	}

	var sets, current, proposed []string
	for _, c := range columns {
		if isKey[c] {
			continue
		}
		q := pq.QuoteIdentifier(c)
		sets = append(sets, q+" = EXCLUDED."+q)
		current = append(current, qtable+"."+q)
		proposed = append(proposed, "EXCLUDED."+q)
	}
	sets = append(sets, "updated_at = now()")

	suffix := " ON CONFLICT (" + strings.Join(conflict, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
	// Skip no-op updates so that unchanged rows are countable and keep their
	// updated_at.
	if len(current) > 0 {
		suffix += " WHERE (" + strings.Join(current, ", ") + ") IS DISTINCT FROM (" + strings.Join(proposed, ", ") + ")"
	}

	return &Builder{
		table:   table,
		columns: columns,
		prefix:  "INSERT INTO " + qtable + " (" + strings.Join(quoted, ", ") + ") VALUES ",
		suffix:  suffix,
	}, nil
}

// Table returns the unquoted target table name.
func (b *Builder) Table() string { return b.table }

// Columns returns the statement's column order.
func (b *Builder) Columns() []string { return b.columns }

// Insert renders the multi-row upsert statement for n rows. Placeholders are
// positional, columns x n of them.
func (b *Builder) Insert(n int) string {
	var sb strings.Builder
	sb.Grow(len(b.prefix) + len(b.suffix) + n*len(b.columns)*4)
	sb.WriteString(b.prefix)
	arg := 1
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range b.columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(arg))
			arg++
		}
		sb.WriteByte(')')
	}
	sb.WriteString(b.suffix)
	return sb.String()
}

// Args flattens row values into the positional argument list for Insert.
func (b *Builder) Args(rows []Row) []any {
	args := make([]any, 0, len(rows)*len(b.columns))
	for _, r := range rows {
		args = append(args, r.Values...)
	}
	return args
}

// Dedup collapses rows sharing a unique-key tuple. The first occurrence keeps
// its position, the last occurrence wins the values. ON CONFLICT DO UPDATE
// refuses to touch the same target row twice in one statement, so this runs
// on every batch before insert.
func Dedup(rows []Row) []Row {
	idx := make(map[string]int, len(rows))
	out := rows[:0]
	for _, r := range rows {
		if j, ok := idx[r.Key]; ok {
			out[j] = r
			continue
		}
		idx[r.Key] = len(out)
		out = append(out, r)
	}
	return out
}
