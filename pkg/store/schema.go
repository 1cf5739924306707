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

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/overthelex/regsync/pkg/catalog"
)

const bookkeepingDDL = `
CREATE TABLE IF NOT EXISTS import_log (
	id BIGSERIAL PRIMARY KEY,
	registry_name TEXT NOT NULL,
	file_name TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	records_imported BIGINT NOT NULL DEFAULT 0,
	records_failed BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS import_log_registry_started_idx
	ON import_log (registry_name, started_at DESC);
CREATE TABLE IF NOT EXISTS registry_metadata (
	registry_name TEXT PRIMARY KEY,
	last_update_date TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the bookkeeping tables and one target table per
// registry. Target tables carry every mapped column as TEXT, the injected
// raw_data and source_file columns, an updated_at timestamp and a unique
// constraint over the registry's key columns.
func EnsureSchema(ctx context.Context, db *sqlx.DB, configs []catalog.RegistryConfig) error {
	if _, err := db.ExecContext(ctx, bookkeepingDDL); err != nil {
		return fmt.Errorf("creating bookkeeping tables: %w", err)
	}
	for _, rc := range configs {
		if _, err := db.ExecContext(ctx, targetTableDDL(rc)); err != nil {
			return fmt.Errorf("creating table for %s: %w", rc.Name, err)
		}
	}
	return nil
}

func targetTableDDL(rc catalog.RegistryConfig) string {
	var cols []string
	for _, c := range rc.Columns() {
		cols = append(cols, "\t"+pq.QuoteIdentifier(c)+" TEXT")
	}
	cols = append(cols,
		"\traw_data JSONB",
		"\tsource_file TEXT",
		"\tupdated_at TIMESTAMPTZ NOT NULL DEFAULT now()",
	)

	key := make([]string, len(rc.UniqueKey))
	for i, k := range rc.UniqueKey {
		key[i] = pq.QuoteIdentifier(k)
	}
	cols = append(cols, "\tUNIQUE ("+strings.Join(key, ", ")+")")

	return "CREATE TABLE IF NOT EXISTS " + pq.QuoteIdentifier(rc.TableName) +
		" (\n" + strings.Join(cols, ",\n") + "\n)"
}
