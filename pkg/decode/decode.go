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

// Package decode turns raw registry byte streams into clean UTF-8. Charset
// conversion happens exactly once at this boundary; everything downstream of
// it may assume UTF-8.
package decode

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Reader wraps r with a charset decoder for the given encoding followed by a
// sanitizer that replaces control bytes below 0x20 (except TAB, LF and CR)
// with spaces. Some registries embed SUB and other control bytes that would
// otherwise abort an XML parse.
func Reader(r io.Reader, encoding string) (io.Reader, error) {
	switch normalize(encoding) {
	case "", "utf-8":
	case "windows-1251":
		r = transform.NewReader(r, charmap.Windows1251.NewDecoder())
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	return transform.NewReader(r, sanitizer{}), nil
}

func normalize(encoding string) string {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "utf-8", "utf8":
		return "utf-8"
	case "windows-1251", "windows1251", "cp1251":
		return "windows-1251"
	default:
		return encoding
	}
}

// sanitizer maps stray control bytes to spaces. It operates on bytes, which
// is safe after decoding: all multi-byte UTF-8 sequences consist of bytes
// >= 0x80.
type sanitizer struct {
	transform.NopResetter
}

func (sanitizer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
		err = transform.ErrShortDst
	}
	for i := 0; i < n; i++ {
		b := src[i]
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			b = ' '
		}
		dst[i] = b
	}
	return n, n, err
}
