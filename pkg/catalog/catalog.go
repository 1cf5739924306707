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

// Package catalog holds the declarative description of every registry the
// pipeline knows how to ingest. Configuration is data, not code: each entry
// names the source archive, the file format and encoding, the target table
// and the mapping from source fields to table columns.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format of the data file inside a registry archive.
type Format string

const (
	FormatXML Format = "xml"
	FormatCSV Format = "csv"
)

// Frequency is the registry update cadence.
type Frequency string

const (
	Daily  Frequency = "daily"
	Weekly Frequency = "weekly"
)

// CadenceThresholdDays returns how stale a registry may be, in days, before
// it is due again.
func (f Frequency) CadenceThresholdDays() int {
	if f == Weekly {
		return 7
	}
	return 1
}

// SizeCategory is a coarse hint for batch and worker sizing.
type SizeCategory string

const (
	SizeSmall  SizeCategory = "small"
	SizeMedium SizeCategory = "medium"
	SizeLarge  SizeCategory = "large"
)

// Supported character encodings of source files.
const (
	EncodingUTF8        = "utf-8"
	EncodingWindows1251 = "windows-1251"
)

// ComputeFunc derives a column value from a source field value and the whole
// raw record. Compute functions must be pure: no I/O, no mutation of the
// record.
type ComputeFunc func(value string, record map[string]any) any

// FieldMapping maps one target column to either a source field (copy) or a
// compute function. When Compute is set, Source may still name the field whose
// value is passed as the function's first argument.
type FieldMapping struct {
	Column  string
	Source  string
	Compute ComputeFunc
}

// RegistryConfig describes one registry end to end. Immutable for the
// lifetime of a run.
type RegistryConfig struct {
	// Name is the stable identifier used in flags, logs and bookkeeping rows.
	Name  string
	Title string

	// DatasetURL points at the ZIP archive published by the source.
	DatasetURL string
	// InnerFileName, when set, selects the data file among extracted entries
	// by case-insensitive substring match. Required when archives carry more
	// than one data file.
	InnerFileName string

	Format   Format
	Encoding string

	// RecordPath is the dotted tag path that delimits one record in XML mode,
	// for example "DATA.RECORD".
	RecordPath string
	// CSVDelimiter is the configured field separator in CSV mode.
	CSVDelimiter rune

	TableName string
	FieldMap  []FieldMapping
	// UniqueKey lists the target columns forming the upsert conflict target.
	UniqueKey []string

	// Validation hints, all naming raw source fields.
	RequiredFields []string
	CodeFields     []string
	DateFields     []string
	NumericFields  []string

	UpdateFrequency Frequency
	SizeCategory    SizeCategory
}

// Columns returns the mapped column names in declaration order.
func (rc RegistryConfig) Columns() []string {
	cols := make([]string, 0, len(rc.FieldMap))
	for _, fm := range rc.FieldMap {
		cols = append(cols, fm.Column)
	}
	return cols
}

// Validate checks the internal consistency of a single registry entry.
func (rc RegistryConfig) Validate() error {
	if rc.Name == "" {
		return fmt.Errorf("registry with empty name")
	}
	if rc.DatasetURL == "" {
		return fmt.Errorf("registry %q: empty dataset URL", rc.Name)
	}
	if rc.TableName == "" {
		return fmt.Errorf("registry %q: empty table name", rc.Name)
	}
	switch rc.Format {
	case FormatXML:
		if rc.RecordPath == "" {
			return fmt.Errorf("registry %q: XML format requires a record path", rc.Name)
		}
	case FormatCSV:
		if rc.CSVDelimiter == 0 {
			return fmt.Errorf("registry %q: CSV format requires a delimiter", rc.Name)
		}
	default:
		return fmt.Errorf("registry %q: unknown format %q", rc.Name, rc.Format)
	}
	switch rc.Encoding {
	case EncodingUTF8, EncodingWindows1251:
	default:
		return fmt.Errorf("registry %q: unsupported encoding %q", rc.Name, rc.Encoding)
	}
	switch rc.UpdateFrequency {
	case Daily, Weekly:
	default:
		return fmt.Errorf("registry %q: unknown update frequency %q", rc.Name, rc.UpdateFrequency)
	}
	switch rc.SizeCategory {
	case SizeSmall, SizeMedium, SizeLarge:
	default:
		return fmt.Errorf("registry %q: unknown size category %q", rc.Name, rc.SizeCategory)
	}
	if len(rc.FieldMap) == 0 {
		return fmt.Errorf("registry %q: empty field map", rc.Name)
	}
	seen := map[string]bool{}
	for _, fm := range rc.FieldMap {
		if fm.Column == "" {
			return fmt.Errorf("registry %q: field mapping with empty column", rc.Name)
		}
		if seen[fm.Column] {
			return fmt.Errorf("registry %q: duplicate column %q", rc.Name, fm.Column)
		}
		seen[fm.Column] = true
		if fm.Source == "" && fm.Compute == nil {
			return fmt.Errorf("registry %q: column %q maps to neither a source field nor a function", rc.Name, fm.Column)
		}
	}
	if len(rc.UniqueKey) == 0 {
		return fmt.Errorf("registry %q: empty unique key", rc.Name)
	}
	for _, k := range rc.UniqueKey {
		if !seen[k] {
			return fmt.Errorf("registry %q: unique key column %q not present in field map", rc.Name, k)
		}
	}
	return nil
}

// Catalog is the validated set of registry configurations.
type Catalog struct {
	configs []RegistryConfig
	byName  map[string]int
}

// New returns the built-in catalog.
func New() (*Catalog, error) {
	return build(builtin())
}

// Load returns the built-in catalog with overrides from the YAML file at path
// applied. An empty path is equivalent to New.
func Load(path string) (*Catalog, error) {
	configs := builtin()
	if path != "" {
		if err := applyOverrides(configs, path); err != nil {
			return nil, err
		}
	}
	return build(configs)
}

func build(configs []RegistryConfig) (*Catalog, error) {
	c := &Catalog{configs: configs, byName: make(map[string]int, len(configs))}
	for i, rc := range configs {
		if err := rc.Validate(); err != nil {
			return nil, fmt.Errorf("invalid catalog: %w", err)
		}
		if _, ok := c.byName[rc.Name]; ok {
			return nil, fmt.Errorf("invalid catalog: duplicate registry name %q", rc.Name)
		}
		c.byName[rc.Name] = i
	}
	return c, nil
}

// All returns every registry in catalog order.
func (c *Catalog) All() []RegistryConfig {
	out := make([]RegistryConfig, len(c.configs))
	copy(out, c.configs)
	return out
}

// ByName looks a registry up by its stable name.
func (c *Catalog) ByName(name string) (RegistryConfig, bool) {
	i, ok := c.byName[name]
	if !ok {
		return RegistryConfig{}, false
	}
	return c.configs[i], true
}

// Filter returns the registries named in only, in catalog order. An unknown
// name is an error so that typos in --only fail loudly instead of silently
// syncing nothing. An empty filter selects everything.
func (c *Catalog) Filter(only []string) ([]RegistryConfig, error) {
	if len(only) == 0 {
		return c.All(), nil
	}
	want := map[string]bool{}
	for _, name := range only {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := c.byName[name]; !ok {
			return nil, fmt.Errorf("unknown registry %q (known: %s)", name, strings.Join(c.Names(), ", "))
		}
		want[name] = true
	}
	var out []RegistryConfig
	for _, rc := range c.configs {
		if want[rc.Name] {
			out = append(out, rc)
		}
	}
	return out, nil
}

// Names returns all registry names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.configs))
	for _, rc := range c.configs {
		names = append(names, rc.Name)
	}
	sort.Strings(names)
	return names
}

// override is the per-registry shape of the YAML override file. Only source
// location and cadence may be overridden; structural fields (format, field
// map, keys) are code.
type override struct {
	DatasetURL      string `yaml:"dataset_url"`
	InnerFileName   string `yaml:"inner_file_name"`
	UpdateFrequency string `yaml:"update_frequency"`
}

func applyOverrides(configs []RegistryConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading catalog overrides: %w", err)
	}
	var overrides map[string]override
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return fmt.Errorf("parsing catalog overrides %q: %w", path, err)
	}
	index := map[string]int{}
	for i, rc := range configs {
		index[rc.Name] = i
	}
	for name, o := range overrides {
		i, ok := index[name]
		if !ok {
			return fmt.Errorf("catalog overrides %q: unknown registry %q", path, name)
		}
		if o.DatasetURL != "" {
			configs[i].DatasetURL = o.DatasetURL
		}
		if o.InnerFileName != "" {
			configs[i].InnerFileName = o.InnerFileName
		}
		if o.UpdateFrequency != "" {
			configs[i].UpdateFrequency = Frequency(o.UpdateFrequency)
		}
	}
	return nil
}
