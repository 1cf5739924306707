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
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// maxLineBytes bounds a single CSV line. Registry rows with embedded
// documents get long, but anything beyond this is a broken file.
const maxLineBytes = 4 << 20

// csvParser reads one record per line. Quote handling is deliberately
// forgiving: a double quote toggles quoted mode, a doubled quote inside
// quotes is a literal, and an unbalanced quote never aborts the file. Rows
// with at most half of the header's fields are dropped as torn.
type csvParser struct {
	delim     byte
	batchSize int
}

func newCSVParser(delim rune, batchSize int) (*csvParser, error) {
	if delim >= 128 || delim == '"' || delim == 0 {
		return nil, fmt.Errorf("unsupported CSV delimiter %q", delim)
	}
	return &csvParser{delim: byte(delim), batchSize: batchSize}, nil
}

func (p *csvParser) Parse(ctx context.Context, r io.Reader, sink Sink) (Stats, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)
	b := newBatcher(sink, p.batchSize)
	delim := p.delim

	var header []string
	for sc.Scan() {
		line := strings.TrimPrefix(sc.Text(), "\uFEFF")
		if strings.TrimSpace(line) == "" {
			continue
		}
		header = splitLine(line, delim)
		// A single-column header usually means the file was exported with
		// the other delimiter convention. Try the alternative exactly once.
		if len(header) == 1 {
			if alt := flipDelim(delim); alt != 0 {
				if fields := splitLine(line, alt); len(fields) > 1 {
					delim = alt
					header = fields
				}
			}
		}
		for i := range header {
			header[i] = strings.TrimSpace(header[i])
		}
		break
	}
	if err := sc.Err(); err != nil {
		return b.stats, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(header) == 0 {
		return b.stats, nil
	}

	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitLine(line, delim)
		if 2*len(fields) <= len(header) {
			b.stats.Dropped++
			continue
		}
		rec := make(Record, len(header))
		for i, h := range header {
			if h == "" || i >= len(fields) {
				continue
			}
			rec[h] = strings.TrimSpace(fields[i])
		}
		if err := b.add(ctx, rec); err != nil {
			return b.stats, err
		}
	}
	if err := sc.Err(); err != nil {
		if flushErr := b.flush(ctx); flushErr != nil {
			return b.stats, flushErr
		}
		return b.stats, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := b.flush(ctx); err != nil {
		return b.stats, err
	}
	return b.stats, nil
}

// splitLine splits one line on delim with quote toggling. It never fails;
// malformed quoting degrades to literal characters.
func splitLine(line string, delim byte) []string {
	fields := make([]string, 0, 16)
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			if inQuotes && i+1 < len(line) && line[i+1] == '"' {
				cur.WriteByte('"')
				i++
				continue
			}
			inQuotes = !inQuotes
		case c == delim && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

func flipDelim(delim byte) byte {
	switch delim {
	case ',':
		return ';'
	case ';':
		return ','
	}
	return 0
}
