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
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/overthelex/regsync/pkg/catalog"
	"github.com/overthelex/regsync/pkg/fetch"
	"github.com/overthelex/regsync/pkg/store"
)

func TestLocateDataFile(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		desc    string
		files   []string
		rc      catalog.RegistryConfig
		want    string
		wantErr string
	}{
		{
			desc:  "extension match",
			files: []string{"readme.txt", filepath.Join("data", "records.xml")},
			rc:    catalog.RegistryConfig{Format: catalog.FormatXML},
			want:  filepath.Join("data", "records.xml"),
		},
		{
			desc:  "extension match is case insensitive",
			files: []string{"EXPORT.XML"},
			rc:    catalog.RegistryConfig{Format: catalog.FormatXML},
			want:  "EXPORT.XML",
		},
		{
			desc:  "inner name narrows candidates",
			files: []string{"fop_full.xml", "uo_full.xml"},
			rc:    catalog.RegistryConfig{Format: catalog.FormatXML, InnerFileName: "uo"},
			want:  "uo_full.xml",
		},
		{
			desc:    "inner name matches the base name only",
			files:   []string{filepath.Join("uo", "records.xml")},
			rc:      catalog.RegistryConfig{Format: catalog.FormatXML, InnerFileName: "uo"},
			wantErr: `no xml data file matching "uo" among 1 extracted files`,
		},
		{
			desc:  "ties resolve to the first path in sort order",
			files: []string{"b.csv", "a.csv"},
			rc:    catalog.RegistryConfig{Format: catalog.FormatCSV},
			want:  "a.csv",
		},
		{
			desc:    "no candidate at all",
			files:   []string{"records.csv"},
			rc:      catalog.RegistryConfig{Format: catalog.FormatXML},
			wantErr: `no xml data file matching "" among 1 extracted files`,
		},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()
			got, err := locateDataFile(tc.files, tc.rc)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestArchiveFileName(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		desc string
		rc   catalog.RegistryConfig
		want string
	}{
		{
			desc: "url base name",
			rc:   catalog.RegistryConfig{Name: "legal_entities", DatasetURL: "https://data.gov.ua/files/uo_full.zip"},
			want: "uo_full.zip",
		},
		{
			desc: "query string ignored",
			rc:   catalog.RegistryConfig{Name: "enforcement_proceedings", DatasetURL: "https://host/path/ep.zip?token=abc"},
			want: "ep.zip",
		},
		{
			desc: "root path falls back to registry name",
			rc:   catalog.RegistryConfig{Name: "debtors", DatasetURL: "https://host/"},
			want: "debtors.zip",
		},
		{
			desc: "empty url falls back to registry name",
			rc:   catalog.RegistryConfig{Name: "debtors"},
			want: "debtors.zip",
		},
		{
			desc: "unparseable url falls back to registry name",
			rc:   catalog.RegistryConfig{Name: "debtors", DatasetURL: "://bad"},
			want: "debtors.zip",
		},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, archiveFileName(tc.rc))
		})
	}
}

func TestCloseContextSurvivesCancel(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	cancel()

	ctx, done := closeContext(parent)
	defer done()
	assert.NoError(t, ctx.Err())
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(15*time.Second), deadline, time.Second)
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

var importLogColumns = []string{
	"id", "registry_name", "file_name", "started_at", "finished_at",
	"records_imported", "records_failed", "status", "error_message",
}

// testZip wraps data in a ZIP archive padded past the fetcher's truncation
// floor.
func testZip(t *testing.T, dataName string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(dataName)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	pw, err := zw.CreateHeader(&zip.FileHeader{Name: "notes.txt", Method: zip.Store})
	require.NoError(t, err)
	_, err = pw.Write(bytes.Repeat([]byte("padding "), 256))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func testRegistry(name, url string) catalog.RegistryConfig {
	return catalog.RegistryConfig{
		Name:       name,
		Title:      "Test registry",
		DatasetURL: url,
		Format:     catalog.FormatXML,
		RecordPath: "DATA.RECORD",
		TableName:  "registry_" + name,
		FieldMap: []catalog.FieldMapping{
			{Column: "code", Source: "EDRPOU"},
			{Column: "name", Source: "NAME"},
		},
		UniqueKey:       []string{"code"},
		UpdateFrequency: catalog.Daily,
	}
}

func TestRunRegistryEndToEnd(t *testing.T) {
	t.Parallel()

	body := testZip(t, "records.xml", []byte(`<?xml version="1.0" encoding="UTF-8"?>
<DATA>
  <RECORD><EDRPOU>00032112</EDRPOU><NAME>ТОВ Перше</NAME></RECORD>
  <RECORD><EDRPOU>14360570</EDRPOU><NAME>ТОВ Друге</NAME></RECORD>
</DATA>`))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	db, mock := newMockDB(t)
	rc := testRegistry("sync_basic", srv.URL+"/sync_basic.zip")

	mock.ExpectQuery("SELECT (.+) FROM import_log").
		WithArgs("sync_basic").
		WillReturnRows(sqlmock.NewRows(importLogColumns))
	mock.ExpectQuery("INSERT INTO import_log").
		WithArgs("sync_basic", "sync_basic.zip", store.StatusInProgress).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`INSERT INTO "registry_sync_basic"`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE import_log").
		WithArgs(int64(7), store.StatusCompleted, int64(2), int64(0), nil, store.StatusInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO registry_metadata").
		WithArgs("sync_basic", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	scratch := t.TempDir()
	o := New(log.NewNopLogger(), nil, db, Config{ScratchRoot: scratch, BatchSizeXML: 100, WorkersXML: 1})
	res := o.runRegistry(context.Background(), rc, false)

	require.NoError(t, res.Err)
	assert.Equal(t, int64(2), res.Parsed)
	assert.Equal(t, int64(2), res.Imported)
	assert.Zero(t, res.Errors)
	assert.Zero(t, res.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())

	// A clean run leaves nothing behind.
	entries, err := os.ReadDir(filepath.Join(scratch, "sync_basic"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunRegistryKeepsImportedOnMidFileAbort(t *testing.T) {
	t.Parallel()

	// The third record is cut off mid-tag, so parsing aborts after two
	// complete records made it through.
	body := testZip(t, "records.xml", []byte(`<DATA>
  <RECORD><EDRPOU>1</EDRPOU><NAME>А</NAME></RECORD>
  <RECORD><EDRPOU>2</EDRPOU><NAME>Б</NAME></RECORD>
  <RECORD><EDRPOU>3</EDRPOU>`))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	db, mock := newMockDB(t)
	rc := testRegistry("sync_torn", srv.URL+"/sync_torn.zip")

	mock.ExpectQuery("SELECT (.+) FROM import_log").
		WithArgs("sync_torn").
		WillReturnRows(sqlmock.NewRows(importLogColumns))
	mock.ExpectQuery("INSERT INTO import_log").
		WithArgs("sync_torn", "sync_torn.zip", store.StatusInProgress).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec(`INSERT INTO "registry_sync_torn"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "registry_sync_torn"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE import_log").
		WithArgs(int64(11), store.StatusCompleted, int64(2), int64(1), nil, store.StatusInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO registry_metadata").
		WithArgs("sync_torn", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	o := New(log.NewNopLogger(), nil, db, Config{ScratchRoot: t.TempDir(), BatchSizeXML: 1, WorkersXML: 1})
	res := o.runRegistry(context.Background(), rc, false)

	// A mid-file abort with imported rows still closes the job as completed.
	require.NoError(t, res.Err)
	assert.Equal(t, int64(2), res.Parsed)
	assert.Equal(t, int64(2), res.Imported)
	assert.Equal(t, int64(1), res.Errors)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRegistryNestedArchiveWindows1251CSV(t *testing.T) {
	t.Parallel()

	// lawyers.csv sits inside an inner ZIP inside the downloaded ZIP, is
	// Windows-1251 encoded, and carries one torn row.
	csvText := "cert_number;full_name;region\r\n" +
		"123;Шевченко Тарас;Київ\r\n" +
		"999\r\n" +
		"456;Франко Іван;Львів\r\n"
	encoded, err := charmap.Windows1251.NewEncoder().String(csvText)
	require.NoError(t, err)
	body := testZip(t, "inner.zip", testZip(t, "lawyers.csv", []byte(encoded)))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	db, mock := newMockDB(t)
	rc := catalog.RegistryConfig{
		Name:          "lawyers_cp1251",
		Title:         "Test registry",
		DatasetURL:    srv.URL + "/lawyers_cp1251.zip",
		InnerFileName: "lawyers",
		Format:        catalog.FormatCSV,
		Encoding:      catalog.EncodingWindows1251,
		CSVDelimiter:  ';',
		TableName:     "registry_lawyers_cp1251",
		FieldMap: []catalog.FieldMapping{
			{Column: "cert_number", Source: "cert_number"},
			{Column: "full_name", Source: "full_name"},
			{Column: "region", Source: "region"},
		},
		UniqueKey:       []string{"cert_number"},
		RequiredFields:  []string{"cert_number", "full_name"},
		UpdateFrequency: catalog.Weekly,
	}

	mock.ExpectQuery("SELECT (.+) FROM import_log").
		WithArgs("lawyers_cp1251").
		WillReturnRows(sqlmock.NewRows(importLogColumns))
	mock.ExpectQuery("INSERT INTO import_log").
		WithArgs("lawyers_cp1251", "lawyers_cp1251.zip", store.StatusInProgress).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	// Decoded UTF-8 values and the raw-record JSON land verbatim in the
	// upsert arguments.
	mock.ExpectExec(`INSERT INTO "registry_lawyers_cp1251"`).
		WithArgs(
			"123", "Шевченко Тарас", "Київ",
			`{"cert_number":"123","full_name":"Шевченко Тарас","region":"Київ"}`,
			"lawyers.csv",
			"456", "Франко Іван", "Львів",
			`{"cert_number":"456","full_name":"Франко Іван","region":"Львів"}`,
			"lawyers.csv",
		).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE import_log").
		WithArgs(int64(3), store.StatusCompleted, int64(2), int64(0), nil, store.StatusInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO registry_metadata").
		WithArgs("lawyers_cp1251", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	o := New(log.NewNopLogger(), nil, db, Config{ScratchRoot: t.TempDir(), BatchSizeCSV: 100, WorkersCSV: 1})
	res := o.runRegistry(context.Background(), rc, false)

	require.NoError(t, res.Err)
	assert.Equal(t, int64(2), res.Parsed)
	assert.Equal(t, int64(2), res.Imported)
	assert.Zero(t, res.Errors)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRegistryFetchFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	db, mock := newMockDB(t)
	rc := testRegistry("sync_missing", srv.URL+"/sync_missing.zip")

	mock.ExpectQuery("SELECT (.+) FROM import_log").
		WithArgs("sync_missing").
		WillReturnRows(sqlmock.NewRows(importLogColumns))
	mock.ExpectQuery("INSERT INTO import_log").
		WithArgs("sync_missing", "sync_missing.zip", store.StatusInProgress).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectExec("UPDATE import_log").
		WithArgs(int64(9), store.StatusFailed, int64(0), int64(0), sqlmock.AnyArg(), store.StatusInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))

	o := New(log.NewNopLogger(), nil, db, Config{ScratchRoot: t.TempDir(), WorkersXML: 1})
	res := o.runRegistry(context.Background(), rc, false)

	require.Error(t, res.Err)
	var fe *fetch.Error
	require.ErrorAs(t, res.Err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.Status)
	assert.Zero(t, res.Imported)
	assert.NoError(t, mock.ExpectationsWereMet())
}
