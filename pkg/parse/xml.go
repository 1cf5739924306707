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
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// repeatedTags are element names that occur multiple times per record and are
// collected into a list keyed by their container element.
var repeatedTags = map[string]bool{
	"FOUNDER":         true,
	"BENEFICIARY":     true,
	"SIGNER":          true,
	"MEMBER":          true,
	"BRANCH":          true,
	"PREDECESSOR":     true,
	"ASSIGNEE":        true,
	"EXCHANGE_ANSWER": true,
}

// xmlParser walks start/end tags with a bounded stack. A record begins when
// the element path matches the configured record path and ends when that
// element closes. Inside a record three shapes are recognized: scalar leaves
// flattened into the record by tag name, repeated children appended to a list
// under their container tag, and the item dialect (an element with a name
// attribute wrapping a text child) appended under "item".
type xmlParser struct {
	path      []string
	batchSize int
}

func newXMLParser(recordPath string, batchSize int) (*xmlParser, error) {
	parts := strings.Split(recordPath, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid record path %q", recordPath)
		}
	}
	return &xmlParser{path: parts, batchSize: batchSize}, nil
}

type xmlFrame struct {
	name     string
	nameAttr string
	hasChild bool
	text     strings.Builder
}

func (p *xmlParser) Parse(ctx context.Context, r io.Reader, sink Sink) (Stats, error) {
	dec := xml.NewDecoder(r)
	// The stream was already converted to UTF-8 upstream, so whatever the
	// prolog declares is stale. Hand the bytes through untouched.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	b := newBatcher(sink, p.batchSize)
	recordDepth := len(p.path)

	var (
		frames   []*xmlFrame
		rec      Record
		sub      Record
		subDepth int
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Graceful mode: whatever accumulated before the failure still
			// counts. Flush it and report the abort to the caller.
			if flushErr := b.flush(ctx); flushErr != nil {
				return b.stats, flushErr
			}
			return b.stats, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(frames) > 0 {
				frames[len(frames)-1].hasChild = true
			}
			fr := &xmlFrame{name: t.Name.Local}
			for _, a := range t.Attr {
				if a.Name.Local == "name" {
					fr.nameAttr = a.Value
					break
				}
			}
			frames = append(frames, fr)

			switch {
			case rec == nil:
				if pathMatches(frames, p.path) {
					rec = Record{}
				}
			case sub == nil && repeatedTags[fr.name] && len(frames) > recordDepth:
				sub = Record{}
				subDepth = len(frames)
			}

		case xml.CharData:
			if rec != nil && len(frames) > 0 {
				frames[len(frames)-1].text.Write(t)
			}

		case xml.EndElement:
			if len(frames) == 0 {
				continue
			}
			fr := frames[len(frames)-1]
			frames = frames[:len(frames)-1]
			if rec == nil {
				continue
			}
			depth := len(frames) + 1

			switch {
			case depth == recordDepth:
				if err := b.add(ctx, rec); err != nil {
					return b.stats, err
				}
				rec, sub, subDepth = nil, nil, 0

			case sub != nil && depth == subDepth:
				var v any = strings.TrimSpace(fr.text.String())
				if len(sub) > 0 {
					v = map[string]any(sub)
				}
				appendList(rec, frames[len(frames)-1].name, v)
				sub, subDepth = nil, 0

			case sub != nil && depth > subDepth:
				if !fr.hasChild {
					sub[fr.name] = strings.TrimSpace(fr.text.String())
				}

			case fr.name == "text" && frames[len(frames)-1].nameAttr != "":
				appendItem(rec, frames[len(frames)-1].nameAttr, strings.TrimSpace(fr.text.String()))

			case !fr.hasChild && depth > recordDepth:
				rec[fr.name] = strings.TrimSpace(fr.text.String())
			}
		}
	}

	if err := b.flush(ctx); err != nil {
		return b.stats, err
	}
	return b.stats, nil
}

func pathMatches(frames []*xmlFrame, path []string) bool {
	if len(frames) != len(path) {
		return false
	}
	for i, fr := range frames {
		if fr.name != path[i] {
			return false
		}
	}
	return true
}

func appendList(rec Record, key string, v any) {
	list, _ := rec[key].([]any)
	rec[key] = append(list, v)
}

func appendItem(rec Record, name, text string) {
	items, _ := rec["item"].([]map[string]any)
	rec["item"] = append(items, map[string]any{"name": name, "text": text})
}
