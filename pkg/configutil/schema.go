// Package configutil validates and decodes free-form settings maps such as
// the vendor credentials section of a settings file.
package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a settings map may carry. Keys compare ignoring
// case, underscores and hyphens.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SchemaError reports every missing and unknown key at once.
type SchemaError struct {
	Missing []string
	Unknown []string
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema. A required key holding an
// empty or blank value counts as missing.
func ValidateSettings(input map[string]any, schema Schema) error {
	known := make(map[string]bool, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		known[normalizeKey(k)] = false
	}
	for _, k := range schema.Required {
		known[normalizeKey(k)] = true
	}

	present := make(map[string]bool, len(input))
	var serr SchemaError
	for k, v := range input {
		nk := normalizeKey(k)
		required, ok := known[nk]
		if !ok {
			if !schema.AllowUnknown {
				serr.Unknown = append(serr.Unknown, k)
			}
			continue
		}
		present[nk] = !required || !isBlank(v)
	}
	for _, k := range schema.Required {
		if !present[normalizeKey(k)] {
			serr.Missing = append(serr.Missing, k)
		}
	}

	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return &serr
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
