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

// Package validate checks raw records against a registry's declared
// constraints before they reach the database. Missing required fields and
// malformed entity codes make a record invalid; date and numeric oddities
// only warn. Whether an invalid record is skipped or fails the whole run is
// the validator's policy.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/overthelex/regsync/pkg/catalog"
	"github.com/overthelex/regsync/pkg/parse"
)

// ErrInvalid marks a record that failed validation. Errors returned by Check
// wrap it.
var ErrInvalid = errors.New("invalid record")

// codePattern matches the 8-digit entity identifiers (EDRPOU codes) used
// across the registries.
var codePattern = regexp.MustCompile(`^[0-9]{8}$`)

// dateLayouts are the date forms observed in source data: the dotted
// convention and the ISO variants, with and without a time part.
var dateLayouts = []string{
	"02.01.2006",
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseDate parses a source date in any supported layout.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var firstErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// Summary is the per-run tally. Total counts every checked record; Skipped
// counts the invalid ones. Warnings counts individual findings, so one record
// may contribute several.
type Summary struct {
	Total    int64
	Valid    int64
	Skipped  int64
	Warnings int64
}

// Validator checks records for one registry run. It is driven from the
// parser's synchronous sink and therefore needs no locking.
type Validator struct {
	logger        log.Logger
	cfg           catalog.RegistryConfig
	failOnInvalid bool
	now           func() time.Time

	summary Summary
	// Per-reason warning log lines are capped so a systematically broken
	// column cannot flood the log.
	logged map[string]int
}

// New returns a validator for cfg. With failOnInvalid set, the first invalid
// record fails the run instead of being skipped.
func New(logger log.Logger, cfg catalog.RegistryConfig, failOnInvalid bool) *Validator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Validator{
		logger:        logger,
		cfg:           cfg,
		failOnInvalid: failOnInvalid,
		now:           time.Now,
		logged:        map[string]int{},
	}
}

// FailOnInvalid reports the skip-vs-fail policy.
func (v *Validator) FailOnInvalid() bool { return v.failOnInvalid }

// Summary returns the tally so far.
func (v *Validator) Summary() Summary { return v.summary }

const maxLoggedPerReason = 5

// Check validates one record. A nil return means the record may be imported.
// A returned error wraps ErrInvalid; the caller skips the record or aborts
// the run according to FailOnInvalid.
func (v *Validator) Check(rec parse.Record) error {
	v.summary.Total++

	var reasons []string
	for _, f := range v.cfg.RequiredFields {
		if field(rec, f) == "" {
			reasons = append(reasons, fmt.Sprintf("required field %s is empty", f))
		}
	}
	for _, f := range v.cfg.CodeFields {
		if val := field(rec, f); val != "" && !codePattern.MatchString(val) {
			reasons = append(reasons, fmt.Sprintf("field %s is not an 8-digit code: %q", f, val))
		}
	}

	for _, f := range v.cfg.DateFields {
		val := field(rec, f)
		if val == "" {
			continue
		}
		t, err := ParseDate(val)
		if err != nil {
			v.warn("unparseable date", "field", f, "value", val)
			continue
		}
		if t.After(v.now().AddDate(1, 0, 0)) {
			v.warn("date more than a year in the future", "field", f, "value", val)
		}
	}
	for _, f := range v.cfg.NumericFields {
		val := field(rec, f)
		if val == "" {
			continue
		}
		if _, err := strconv.ParseFloat(normalizeNumber(val), 64); err != nil {
			v.warn("unparseable number", "field", f, "value", val)
		}
	}

	if len(reasons) > 0 {
		v.summary.Skipped++
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(reasons, "; "))
	}
	v.summary.Valid++
	return nil
}

func (v *Validator) warn(reason string, kv ...any) {
	v.summary.Warnings++
	if v.logged[reason] >= maxLoggedPerReason {
		return
	}
	v.logged[reason]++
	level.Warn(v.logger).Log(append([]any{"msg", reason}, kv...)...)
}

// normalizeNumber accepts the decimal-comma convention used by several
// sources.
func normalizeNumber(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
}

func field(rec parse.Record, name string) string {
	v, ok := rec[name].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}
