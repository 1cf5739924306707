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

package catalog

import (
	"strings"
	"time"
)

func col(column, source string) FieldMapping {
	return FieldMapping{Column: column, Source: source}
}

func computed(column, source string, fn ComputeFunc) FieldMapping {
	return FieldMapping{Column: column, Source: source, Compute: fn}
}

func str(record map[string]any, key string) string {
	if v, ok := record[key].(string); ok {
		return v
	}
	return ""
}

// fullName concatenates the given name parts, skipping empty ones. Used by
// person registries that publish surname, name and patronymic separately.
func fullName(keys ...string) ComputeFunc {
	return func(_ string, record map[string]any) any {
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if p := strings.TrimSpace(str(record, k)); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			return nil
		}
		return strings.Join(parts, " ")
	}
}

// itemText extracts the text of the named element from the item-based XML
// dialect, where a record is a flat list of {name, text} pairs.
func itemText(name string) ComputeFunc {
	return func(_ string, record map[string]any) any {
		items, ok := record["item"].([]map[string]any)
		if !ok {
			return nil
		}
		for _, it := range items {
			if n, _ := it["name"].(string); n == name {
				if t, _ := it["text"].(string); t != "" {
					return t
				}
				return nil
			}
		}
		return nil
	}
}

// statusFromExpiry derives a license status from its expiry date. Both the
// dotted and the ISO date forms occur in source data.
func statusFromExpiry(value string, _ map[string]any) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var t time.Time
	var err error
	for _, layout := range []string{"02.01.2006", "2006-01-02"} {
		if t, err = time.Parse(layout, value); err == nil {
			break
		}
	}
	if err != nil {
		return nil
	}
	if t.Before(time.Now().Truncate(24 * time.Hour)) {
		return "expired"
	}
	return "active"
}

// normalizeDate rewrites a dotted dd.mm.yyyy date to ISO form, leaving values
// it cannot parse untouched.
func normalizeDate(value string, _ map[string]any) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if t, err := time.Parse("02.01.2006", value); err == nil {
		return t.Format("2006-01-02")
	}
	return value
}

// builtin returns a fresh copy of the built-in registry set. Callers may
// mutate the returned slice (overrides do).
func builtin() []RegistryConfig {
	return []RegistryConfig{
		{
			Name:          "legal_entities",
			Title:         "Unified register of legal entities",
			DatasetURL:    "https://data.gov.ua/files/edr_uo.zip",
			InnerFileName: "uo",
			Format:        FormatXML,
			Encoding:      EncodingUTF8,
			RecordPath:    "DATA.RECORD",
			TableName:     "registry_legal_entities",
			FieldMap: []FieldMapping{
				col("edrpou", "EDRPOU"),
				col("name", "NAME"),
				col("short_name", "SHORT_NAME"),
				col("address", "ADDRESS"),
				col("director", "BOSS"),
				col("activity_kind", "KVED"),
				col("status", "STAN"),
			},
			UniqueKey:       []string{"edrpou"},
			RequiredFields:  []string{"NAME"},
			CodeFields:      []string{"EDRPOU"},
			UpdateFrequency: Daily,
			SizeCategory:    SizeLarge,
		},
		{
			Name:          "entrepreneurs",
			Title:         "Unified register of individual entrepreneurs",
			DatasetURL:    "https://data.gov.ua/files/edr_fop.zip",
			InnerFileName: "fop",
			Format:        FormatXML,
			Encoding:      EncodingUTF8,
			RecordPath:    "DATA.RECORD",
			TableName:     "registry_entrepreneurs",
			FieldMap: []FieldMapping{
				col("full_name", "FIO"),
				col("address", "ADDRESS"),
				col("activity_kind", "KVED"),
				col("status", "STAN"),
			},
			UniqueKey:       []string{"full_name", "address"},
			RequiredFields:  []string{"FIO"},
			UpdateFrequency: Daily,
			SizeCategory:    SizeLarge,
		},
		{
			Name:       "notaries",
			Title:      "Register of notaries",
			DatasetURL: "https://data.gov.ua/files/notaries.zip",
			Format:     FormatXML,
			Encoding:   EncodingWindows1251,
			RecordPath: "DATA.NOTARY",
			TableName:  "registry_notaries",
			FieldMap: []FieldMapping{
				col("cert_number", "NUM"),
				col("full_name", "FIO"),
				col("region", "REGION"),
				col("office_address", "ADDRESS"),
				col("phone", "PHONE"),
			},
			UniqueKey:       []string{"cert_number"},
			RequiredFields:  []string{"NUM", "FIO"},
			UpdateFrequency: Weekly,
			SizeCategory:    SizeSmall,
		},
		{
			Name:         "lawyers",
			Title:        "Register of advocates",
			DatasetURL:   "https://data.gov.ua/files/lawyers.zip",
			Format:       FormatCSV,
			Encoding:     EncodingWindows1251,
			CSVDelimiter: ';',
			TableName:    "registry_lawyers",
			FieldMap: []FieldMapping{
				col("cert_number", "certificate_number"),
				col("full_name", "full_name"),
				col("region", "region"),
				computed("issued_at", "issued_at", normalizeDate),
			},
			UniqueKey:       []string{"cert_number"},
			RequiredFields:  []string{"certificate_number", "full_name"},
			DateFields:      []string{"issued_at"},
			UpdateFrequency: Weekly,
			SizeCategory:    SizeMedium,
		},
		{
			Name:         "debtors",
			Title:        "Unified register of debtors",
			DatasetURL:   "https://data.gov.ua/files/debtors.zip",
			Format:       FormatCSV,
			Encoding:     EncodingUTF8,
			CSVDelimiter: ';',
			TableName:    "registry_debtors",
			FieldMap: []FieldMapping{
				col("order_number", "VP_ORDERNUM"),
				col("debtor_name", "DEBTOR_NAME"),
				col("debtor_code", "DEBTOR_CODE"),
				col("executor", "EMP_FULL_FIO"),
				col("executor_org", "EMP_ORG"),
				col("category", "VD_CAT"),
			},
			UniqueKey:       []string{"order_number"},
			RequiredFields:  []string{"VP_ORDERNUM", "DEBTOR_NAME"},
			CodeFields:      []string{"DEBTOR_CODE"},
			NumericFields:   []string{"VD_CAT"},
			UpdateFrequency: Daily,
			SizeCategory:    SizeLarge,
		},
		{
			Name:       "bankruptcy_cases",
			Title:      "Register of bankruptcy proceedings",
			DatasetURL: "https://data.gov.ua/files/bankruptcy.zip",
			Format:     FormatXML,
			Encoding:   EncodingUTF8,
			RecordPath: "DATA.RECORD",
			TableName:  "registry_bankruptcy_cases",
			FieldMap: []FieldMapping{
				col("case_number", "NUMBER"),
				col("debtor_name", "NAME"),
				col("edrpou", "CODE"),
				col("court", "COURT"),
				computed("started_at", "DATE_START", normalizeDate),
				col("status", "STATE"),
			},
			UniqueKey:       []string{"case_number"},
			RequiredFields:  []string{"NUMBER", "NAME"},
			CodeFields:      []string{"CODE"},
			DateFields:      []string{"DATE_START"},
			UpdateFrequency: Daily,
			SizeCategory:    SizeMedium,
		},
		{
			Name:       "corruption_register",
			Title:      "Register of persons who committed corruption offenses",
			DatasetURL: "https://data.gov.ua/files/corruption.zip",
			Format:     FormatXML,
			Encoding:   EncodingUTF8,
			RecordPath: "DATA.RECORD",
			TableName:  "registry_corruption",
			FieldMap: []FieldMapping{
				computed("full_name", "", fullName("LASTNAME", "FIRSTNAME", "MIDDLENAME")),
				col("court_case_number", "CASE_NUMBER"),
				col("offense", "OFFENSE"),
				computed("sentence_date", "SENTENCE_DATE", normalizeDate),
			},
			UniqueKey:       []string{"court_case_number", "full_name"},
			RequiredFields:  []string{"LASTNAME", "CASE_NUMBER"},
			DateFields:      []string{"SENTENCE_DATE"},
			UpdateFrequency: Daily,
			SizeCategory:    SizeSmall,
		},
		{
			Name:       "sanctions",
			Title:      "State register of sanctions",
			DatasetURL: "https://data.gov.ua/files/sanctions.zip",
			Format:     FormatXML,
			Encoding:   EncodingUTF8,
			RecordPath: "DATA.RECORD",
			TableName:  "registry_sanctions",
			FieldMap: []FieldMapping{
				computed("subject_name", "", itemText("name_ukr")),
				computed("subject_type", "", itemText("subject_type")),
				computed("decision_number", "", itemText("decision_number")),
				computed("start_date", "", itemText("start_date")),
				computed("restriction", "", itemText("restriction_type")),
			},
			UniqueKey:       []string{"decision_number", "subject_name"},
			UpdateFrequency: Daily,
			SizeCategory:    SizeSmall,
		},
		{
			Name:         "licenses",
			Title:        "Register of licensed business activities",
			DatasetURL:   "https://data.gov.ua/files/licenses.zip",
			Format:       FormatCSV,
			Encoding:     EncodingUTF8,
			CSVDelimiter: ',',
			TableName:    "registry_licenses",
			FieldMap: []FieldMapping{
				col("license_number", "license_number"),
				col("licensee", "licensee"),
				col("edrpou", "edrpou"),
				col("activity", "activity"),
				computed("issued_at", "issued_at", normalizeDate),
				computed("expires_at", "expires_at", normalizeDate),
				computed("status", "expires_at", statusFromExpiry),
			},
			UniqueKey:       []string{"license_number"},
			RequiredFields:  []string{"license_number", "licensee"},
			CodeFields:      []string{"edrpou"},
			DateFields:      []string{"issued_at", "expires_at"},
			UpdateFrequency: Weekly,
			SizeCategory:    SizeMedium,
		},
		{
			Name:       "wanted_persons",
			Title:      "Register of persons wanted by the police",
			DatasetURL: "https://data.gov.ua/files/wanted.zip",
			Format:     FormatXML,
			Encoding:   EncodingWindows1251,
			RecordPath: "DATA.PERSON",
			TableName:  "registry_wanted_persons",
			FieldMap: []FieldMapping{
				col("person_id", "ID"),
				computed("full_name", "", fullName("LAST_NAME", "FIRST_NAME", "MIDDLE_NAME")),
				computed("birth_date", "BIRTH_DATE", normalizeDate),
				col("category", "CATEGORY"),
				col("region", "OVD"),
			},
			UniqueKey:       []string{"person_id"},
			RequiredFields:  []string{"ID", "LAST_NAME"},
			DateFields:      []string{"BIRTH_DATE"},
			UpdateFrequency: Daily,
			SizeCategory:    SizeMedium,
		},
		{
			Name:         "enforcement_proceedings",
			Title:        "Automated system of enforcement proceedings",
			DatasetURL:   "https://data.gov.ua/files/asvp.zip",
			Format:       FormatCSV,
			Encoding:     EncodingUTF8,
			CSVDelimiter: ';',
			TableName:    "registry_enforcement",
			FieldMap: []FieldMapping{
				col("order_number", "ORDER_NUM"),
				computed("opened_at", "OPEN_DATE", normalizeDate),
				col("debtor_name", "DEBTOR"),
				col("creditor_name", "CREDITOR"),
				col("state", "STATE"),
				col("executor", "ORG_NAME"),
			},
			UniqueKey:       []string{"order_number"},
			RequiredFields:  []string{"ORDER_NUM"},
			DateFields:      []string{"OPEN_DATE"},
			UpdateFrequency: Daily,
			SizeCategory:    SizeLarge,
		},
	}
}
