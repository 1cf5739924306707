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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Import job statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ImportJob is one row of import_log.
type ImportJob struct {
	ID           int64      `db:"id"`
	RegistryName string     `db:"registry_name"`
	FileName     string     `db:"file_name"`
	StartedAt    time.Time  `db:"started_at"`
	FinishedAt   *time.Time `db:"finished_at"`
	Imported     int64      `db:"records_imported"`
	Failed       int64      `db:"records_failed"`
	Status       string     `db:"status"`
	ErrorMessage *string    `db:"error_message"`
}

// ImportLog records the lifecycle of registry runs. A job row is created
// in_progress and closed exactly once; the closing guard on status keeps a
// later run from ever touching a finished row's counters.
type ImportLog struct {
	db *sqlx.DB
}

// NewImportLog returns the import_log store.
func NewImportLog(db *sqlx.DB) *ImportLog {
	return &ImportLog{db: db}
}

// Begin creates an in_progress job row and returns its id.
func (l *ImportLog) Begin(ctx context.Context, registry, fileName string) (int64, error) {
	var id int64
	err := l.db.GetContext(ctx, &id, `
		INSERT INTO import_log (registry_name, file_name, started_at, status)
		VALUES ($1, $2, now(), $3)
		RETURNING id`,
		registry, fileName, StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("creating import job for %s: %w", registry, err)
	}
	return id, nil
}

// Complete closes the job as completed with its final counters.
func (l *ImportLog) Complete(ctx context.Context, id, imported, failed int64) error {
	return l.close(ctx, id, StatusCompleted, imported, failed, nil)
}

// Fail closes the job as failed, keeping whatever was imported before the
// failure.
func (l *ImportLog) Fail(ctx context.Context, id, imported, failed int64, message string) error {
	return l.close(ctx, id, StatusFailed, imported, failed, &message)
}

func (l *ImportLog) close(ctx context.Context, id int64, status string, imported, failed int64, message *string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE import_log
		SET status = $2, finished_at = now(), records_imported = $3, records_failed = $4, error_message = $5
		WHERE id = $1 AND status = $6`,
		id, status, imported, failed, message, StatusInProgress)
	if err != nil {
		return fmt.Errorf("closing import job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("closing import job %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("import job %d is not in progress", id)
	}
	return nil
}

// Last returns the most recent job for a registry, or false when none exists.
func (l *ImportLog) Last(ctx context.Context, registry string) (ImportJob, bool, error) {
	var job ImportJob
	err := l.db.GetContext(ctx, &job, `
		SELECT id, registry_name, file_name, started_at, finished_at,
		       records_imported, records_failed, status, error_message
		FROM import_log
		WHERE registry_name = $1
		ORDER BY started_at DESC
		LIMIT 1`,
		registry)
	if errors.Is(err, sql.ErrNoRows) {
		return ImportJob{}, false, nil
	}
	if err != nil {
		return ImportJob{}, false, fmt.Errorf("reading last import job for %s: %w", registry, err)
	}
	return job, true, nil
}

// Metadata tracks the last successful sync date per registry. It advances
// only on success, so a failed run leaves the cadence untouched.
type Metadata struct {
	db *sqlx.DB
}

// NewMetadata returns the registry_metadata store.
func NewMetadata(db *sqlx.DB) *Metadata {
	return &Metadata{db: db}
}

// All returns the last update date for every registry that has one.
func (m *Metadata) All(ctx context.Context) (map[string]time.Time, error) {
	rows, err := m.db.QueryxContext(ctx, `SELECT registry_name, last_update_date FROM registry_metadata`)
	if err != nil {
		return nil, fmt.Errorf("reading registry metadata: %w", err)
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var name string
		var last time.Time
		if err := rows.Scan(&name, &last); err != nil {
			return nil, fmt.Errorf("scanning registry metadata: %w", err)
		}
		out[name] = last
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading registry metadata: %w", err)
	}
	return out, nil
}

// Advance records that registry was synced at date.
func (m *Metadata) Advance(ctx context.Context, registry string, date time.Time) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO registry_metadata (registry_name, last_update_date, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (registry_name) DO UPDATE
		SET last_update_date = EXCLUDED.last_update_date, updated_at = now()`,
		registry, date)
	if err != nil {
		return fmt.Errorf("advancing metadata for %s: %w", registry, err)
	}
	return nil
}
