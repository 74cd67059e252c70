// Package mapping parses the field mapping that tells the geocoder which
// columns of the input table hold which address components.
//
// The wire format is a comma separated list of <geocodeField>:<column>
// pairs, for example "Address:Address, City:City, Region:State".
package mapping

import (
	"errors"
	"fmt"
	"strings"
)

// SingleLine maps a column holding the whole address.
const SingleLine = "SingleLine"

// Fields are the multiline address components accepted by the geocoder.
var Fields = []string{
	"Address", "Address2", "Address3", "Neighborhood", "City",
	"Subregion", "Region", "Postal", "PostalExt", "CountryCode",
}

// Pair maps one geocode field to one input column.
type Pair struct {
	Field  string
	Column string
}

// FieldMapping is an ordered set of pairs.
type FieldMapping []Pair

// Parse reads and validates a mapping string.
func Parse(raw string) (FieldMapping, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("field mapping is empty")
	}

	known := make(map[string]string, len(Fields)+1)
	for _, field := range append([]string{SingleLine}, Fields...) {
		known[strings.ToLower(field)] = field
	}

	var out FieldMapping
	seen := make(map[string]bool)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		field, column, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("field mapping entry %q: expected field:column", entry)
		}
		field = strings.TrimSpace(field)
		column = strings.TrimSpace(column)

		canonical, ok := known[strings.ToLower(field)]
		if !ok {
			return nil, fmt.Errorf("field mapping entry %q: unknown geocode field %q", entry, field)
		}
		if column == "" {
			return nil, fmt.Errorf("field mapping entry %q: empty column", entry)
		}
		if seen[canonical] {
			return nil, fmt.Errorf("field mapping: %s mapped more than once", canonical)
		}
		seen[canonical] = true
		out = append(out, Pair{Field: canonical, Column: column})
	}

	if len(out) == 0 {
		return nil, errors.New("field mapping is empty")
	}
	if seen[SingleLine] {
		for _, pair := range out {
			if pair.Field != SingleLine && pair.Field != "CountryCode" {
				return nil, fmt.Errorf("field mapping: %s cannot be combined with %s", SingleLine, pair.Field)
			}
		}
	}
	return out, nil
}

// String renders the mapping in wire format.
func (m FieldMapping) String() string {
	parts := make([]string, 0, len(m))
	for _, pair := range m {
		parts = append(parts, pair.Field+":"+pair.Column)
	}
	return strings.Join(parts, ", ")
}

// Columns returns the mapped input columns in mapping order.
func (m FieldMapping) Columns() []string {
	columns := make([]string, 0, len(m))
	for _, pair := range m {
		columns = append(columns, pair.Column)
	}
	return columns
}

// MissingColumns returns mapped columns absent from header. Column names are
// compared case-insensitively after trimming.
func (m FieldMapping) MissingColumns(header []string) []string {
	present := make(map[string]bool, len(header))
	for _, name := range header {
		present[strings.ToLower(strings.TrimSpace(name))] = true
	}

	var missing []string
	for _, column := range m.Columns() {
		if !present[strings.ToLower(column)] {
			missing = append(missing, column)
		}
	}
	return missing
}
