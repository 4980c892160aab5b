package study

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

var identificationFields = mapset.NewSet(
	"study_number",
	"study_acronym",
	"project_number",
	"project_name",
	"clinical_programme_name",
	"study_id",
	"registry_identifiers",
)

var versionFields = mapset.NewSet(
	"study_status",
	"locked_version_number",
	"version_timestamp",
	"locked_version_author",
	"locked_version_info",
)

// SectionOf returns the display section of a field or null-value-code
// field name, or SectionUnknown.
func SectionOf(field string) Section {
	switch {
	case identificationFields.Contains(field):
		return SectionIdentification
	case versionFields.Contains(field):
		return SectionVersion
	}
	for _, cfg := range registry {
		if cfg.Name == field || (cfg.NullValueCode != "" && cfg.NullValueCode == field) {
			return cfg.Section
		}
	}
	return SectionUnknown
}

// TruncateCodeSuffix strips a trailing "_code" or "_codes" from a field
// name for display. Null-value-code names are kept whole.
func TruncateCodeSuffix(field string) string {
	if strings.Contains(field, "null_value_code") {
		return field
	}
	if s, ok := strings.CutSuffix(field, "_codes"); ok {
		return s
	}
	if s, ok := strings.CutSuffix(field, "_code"); ok {
		return s
	}
	return field
}
