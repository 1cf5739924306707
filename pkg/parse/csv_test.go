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

package parse

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseCSV(t *testing.T, in string, delim rune, batchSize int) ([]Record, Stats) {
	t.Helper()
	p, err := newCSVParser(delim, batchSize)
	require.NoError(t, err)
	var c collector
	stats, err := p.Parse(context.Background(), strings.NewReader(in), c.sink)
	require.NoError(t, err)
	return c.all(), stats
}

func TestCSVParserBasic(t *testing.T) {
	t.Parallel()

	in := "ORDER_NUM;DEBTOR;STATE\r\n" +
		"123/45;Петренко Іван;відкрито\r\n" +
		" 678/90 ; Коваль Олена ;завершено\r\n"

	recs, stats := parseCSV(t, in, ';', 100)
	assert.Equal(t, int64(2), stats.Records)
	assert.Equal(t, int64(0), stats.Dropped)

	want := []Record{
		{"ORDER_NUM": "123/45", "DEBTOR": "Петренко Іван", "STATE": "відкрито"},
		{"ORDER_NUM": "678/90", "DEBTOR": "Коваль Олена", "STATE": "завершено"},
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Errorf("unexpected records (-want +got):\n%s", diff)
	}
}

func TestCSVParserQuoting(t *testing.T) {
	t.Parallel()

	in := `num;name;note
1;"Товариство ""Зоря""";"вул. Лесі Українки, буд. 4; кв. 7"
2;plain;"multi
word"
`
	// The quoted newline is not joined; forgiving mode splits there, and the
	// short continuation line is dropped as torn when below the threshold.
	recs, _ := parseCSV(t, in, ';', 100)
	require.NotEmpty(t, recs)
	assert.Equal(t, `Товариство "Зоря"`, recs[0]["name"])
	assert.Equal(t, "вул. Лесі Українки, буд. 4; кв. 7", recs[0]["note"])
}

func TestCSVParserTornRows(t *testing.T) {
	t.Parallel()

	in := "a;b;c;d\n" +
		"1;2;3;4\n" +
		"torn;row\n" + // 2 of 4 fields: dropped
		"5;6;7\n" + // 3 of 4 fields: kept
		"lonely\n" + // 1 of 4 fields: dropped
		"8;9;10;11\n"

	recs, stats := parseCSV(t, in, ';', 100)
	assert.Equal(t, int64(3), stats.Records)
	assert.Equal(t, int64(2), stats.Dropped)

	// The short-but-kept row leaves its missing trailing column unset.
	assert.Equal(t, Record{"a": "5", "b": "6", "c": "7"}, recs[1])
}

func TestCSVParserDelimiterFlip(t *testing.T) {
	t.Parallel()

	// Configured for semicolons, but the export used commas.
	in := "license_number,licensee,activity\nЛЦ-1,ТОВ Аптека,роздрібна торгівля\n"

	recs, stats := parseCSV(t, in, ';', 100)
	assert.Equal(t, int64(1), stats.Records)
	require.Len(t, recs, 1)
	assert.Equal(t, "ЛЦ-1", recs[0]["license_number"])
	assert.Equal(t, "ТОВ Аптека", recs[0]["licensee"])
}

func TestCSVParserNoFlipWhenSingleColumn(t *testing.T) {
	t.Parallel()

	// A genuinely single-column file stays single-column.
	in := "name\nперший\nдругий\n"

	recs, stats := parseCSV(t, in, ';', 100)
	assert.Equal(t, int64(2), stats.Records)
	assert.Equal(t, Record{"name": "перший"}, recs[0])
}

func TestCSVParserBOM(t *testing.T) {
	t.Parallel()

	in := "\uFEFFcode;name\n1;x\n"

	recs, _ := parseCSV(t, in, ';', 100)
	require.Len(t, recs, 1)
	// The BOM does not leak into the first header name.
	assert.Equal(t, "1", recs[0]["code"])
}

func TestCSVParserSkipsBlankLines(t *testing.T) {
	t.Parallel()

	in := "\n\na;b\n1;2\n\n3;4\n  \n"

	recs, stats := parseCSV(t, in, ';', 100)
	assert.Equal(t, int64(2), stats.Records)
	require.Len(t, recs, 2)
	assert.Equal(t, "3", recs[1]["a"])
}

func TestCSVParserExtraFieldsIgnored(t *testing.T) {
	t.Parallel()

	in := "a;b\n1;2;3;4\n"

	recs, _ := parseCSV(t, in, ';', 100)
	require.Len(t, recs, 1)
	assert.Equal(t, Record{"a": "1", "b": "2"}, recs[0])
}

func TestCSVParserUnbalancedQuote(t *testing.T) {
	t.Parallel()

	in := "a;b\n1;\"unclosed\n2;fine\n"

	recs, stats := parseCSV(t, in, ';', 100)
	// Forgiving mode never aborts on bad quoting.
	assert.Equal(t, int64(2), stats.Records)
	assert.Equal(t, "unclosed", recs[0]["b"])
	assert.Equal(t, "fine", recs[1]["b"])
}

func TestCSVParserEmptyInput(t *testing.T) {
	t.Parallel()

	recs, stats := parseCSV(t, "", ';', 100)
	assert.Empty(t, recs)
	assert.Equal(t, Stats{}, stats)

	recs, stats = parseCSV(t, "a;b;c\n", ';', 100)
	assert.Empty(t, recs)
	assert.Equal(t, Stats{}, stats)
}

func TestCSVParserBatching(t *testing.T) {
	t.Parallel()

	in := "n\n1\n2\n3\n4\n5\n"
	p, err := newCSVParser(';', 2)
	require.NoError(t, err)

	var c collector
	stats, err := p.Parse(context.Background(), strings.NewReader(in), c.sink)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Records)

	var sizes []int
	for _, b := range c.batches {
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestSplitLine(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		line  string
		delim byte
		want  []string
	}{
		{`a;b;c`, ';', []string{"a", "b", "c"}},
		{`a;;c`, ';', []string{"a", "", "c"}},
		{`;`, ';', []string{"", ""}},
		{`"a;b";c`, ';', []string{"a;b", "c"}},
		{`"he said ""hi""";x`, ';', []string{`he said "hi"`, "x"}},
		{`plain`, ';', []string{"plain"}},
		{`a,b`, ',', []string{"a", "b"}},
	} {
		assert.Equalf(t, tc.want, splitLine(tc.line, tc.delim), "line %q", tc.line)
	}
}

func TestNewCSVParserRejectsDelimiters(t *testing.T) {
	t.Parallel()

	for _, d := range []rune{'"', 0, 'ї'} {
		_, err := newCSVParser(d, 10)
		require.Errorf(t, err, "delimiter %q", d)
	}
}
