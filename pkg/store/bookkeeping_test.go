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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestImportLogBegin(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectQuery("INSERT INTO import_log").
		WithArgs("notaries", "notaries.xml", StatusInProgress).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	id, err := NewImportLog(db).Begin(context.Background(), "notaries", "notaries.xml")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportLogComplete(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectExec("UPDATE import_log").
		WithArgs(int64(42), StatusCompleted, int64(1000), int64(3), nil, StatusInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewImportLog(db).Complete(context.Background(), 42, 1000, 3)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportLogFail(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectExec("UPDATE import_log").
		WithArgs(int64(42), StatusFailed, int64(100), int64(5), "download failed", StatusInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewImportLog(db).Fail(context.Background(), 42, 100, 5, "download failed")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportLogCloseGuard(t *testing.T) {
	t.Parallel()

	// Closing a job that is no longer in_progress is refused: the status
	// filter matches no row.
	db, mock := newMockDB(t)
	mock.ExpectExec("UPDATE import_log").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewImportLog(db).Complete(context.Background(), 42, 1000, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "import job 42 is not in progress")
}

func TestImportLogLast(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	started := time.Date(2026, 8, 20, 3, 0, 0, 0, time.UTC)
	finished := started.Add(40 * time.Minute)
	mock.ExpectQuery("SELECT (.+) FROM import_log").
		WithArgs("debtors").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "registry_name", "file_name", "started_at", "finished_at",
			"records_imported", "records_failed", "status", "error_message",
		}).AddRow(7, "debtors", "debtors.csv", started, finished, 250000, 12, StatusCompleted, nil))

	job, ok, err := NewImportLog(db).Last(context.Background(), "debtors")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), job.ID)
	assert.Equal(t, int64(250000), job.Imported)
	assert.Equal(t, StatusCompleted, job.Status)
	require.NotNil(t, job.FinishedAt)
	assert.True(t, job.FinishedAt.Equal(finished))
	assert.Nil(t, job.ErrorMessage)
}

func TestImportLogLastNone(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT (.+) FROM import_log").
		WithArgs("debtors").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, ok, err := NewImportLog(db).Last(context.Background(), "debtors")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetadataAll(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	d1 := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT registry_name, last_update_date FROM registry_metadata").
		WillReturnRows(sqlmock.NewRows([]string{"registry_name", "last_update_date"}).
			AddRow("legal_entities", d1).
			AddRow("notaries", d2))

	got, err := NewMetadata(db).All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Time{
		"legal_entities": d1,
		"notaries":       d2,
	}, got)
}

func TestMetadataAdvance(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	date := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO registry_metadata").
		WithArgs("notaries", date).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewMetadata(db).Advance(context.Background(), "notaries", date))
	assert.NoError(t, mock.ExpectationsWereMet())
}
