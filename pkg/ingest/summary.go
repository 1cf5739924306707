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
	"fmt"
	"strings"
	"time"

	"github.com/overthelex/regsync/pkg/progress"
)

// PlanEntry is one registry's line in a dry-run plan.
type PlanEntry struct {
	Registry string
	Due      bool
	Reason   string
}

// RegistryResult is the outcome of one registry pipeline.
type RegistryResult struct {
	Registry  string
	Parsed    int64
	Imported  int64
	Errors    int64
	Skipped   int64
	Unchanged int64
	Duration  time.Duration
	Err       error
}

func (r *RegistryResult) fill(c progress.Counters) {
	r.Parsed = c.Parsed
	r.Imported = c.Imported
	r.Errors = c.Errors
	r.Skipped = c.Skipped
	r.Unchanged = c.Unchanged
}

// Summary is what one SyncAll invocation reports back. Either Plan (dry run)
// or Results is populated.
type Summary struct {
	Plan    []PlanEntry
	Results []RegistryResult
}

// Failed counts registries whose pipeline failed.
func (s Summary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Render formats the end-of-run table, one line per registry.
func (s Summary) Render() string {
	var b strings.Builder
	if len(s.Plan) > 0 {
		for _, p := range s.Plan {
			verdict := "sync"
			if !p.Due {
				verdict = "skip"
			}
			fmt.Fprintf(&b, "%-28s %s (%s)\n", p.Registry, verdict, p.Reason)
		}
		return b.String()
	}
	for _, r := range s.Results {
		if r.Err != nil {
			fmt.Fprintf(&b, "%-28s FAILED: %s (%.1fs)\n", r.Registry, r.Err, r.Duration.Seconds())
			continue
		}
		fmt.Fprintf(&b, "%-28s %d records (%.1fs)\n", r.Registry, r.Imported, r.Duration.Seconds())
	}
	return b.String()
}
