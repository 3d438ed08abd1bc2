// Package tabular ingests user-uploaded CSV data. It is the degenerate
// provider: no network fetch, just parsing a previously uploaded blob into
// rows and, at issuance time, applying per-output-column rules.
package tabular

import (
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
)

// Row is one parsed CSV record keyed by header name.
type Row map[string]string

// ParseRows parses the uploaded blob. The first record is the header; every
// data record must have the same width. A malformed blob fails the parse
// outright rather than yielding partial rows.
func ParseRows(blob string) ([]Row, error) {
	reader := csv.NewReader(strings.NewReader(blob))
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv has no header row")
	}

	header := records[0]
	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(Row, len(header))
		for i, col := range header {
			row[col] = rec[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Requester identifies the user an output entry is built for.
type Requester struct {
	Email       string
	SemaphoreID string
}

// OutputColumn mirrors the definition's per-output-column rule. Source picks
// where the value comes from; Type picks how it is coerced.
type OutputColumn struct {
	Source      string
	Type        string
	Value       string
	InputColumn string
}

// BuildEntries applies the output-column rules to one row for one requester,
// producing the typed entry map handed to credential issuance.
func BuildEntries(row Row, req Requester, outputs map[string]OutputColumn) (map[string]any, error) {
	entries := make(map[string]any, len(outputs))
	for name, col := range outputs {
		raw, err := sourceValue(row, req, col)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		typed, err := coerce(raw, col.Type)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		entries[name] = typed
	}
	return entries, nil
}

func sourceValue(row Row, req Requester, col OutputColumn) (string, error) {
	switch col.Source {
	case "configured":
		return col.Value, nil
	case "input":
		v, ok := row[col.InputColumn]
		if !ok {
			return "", fmt.Errorf("input column %q not present in csv", col.InputColumn)
		}
		return v, nil
	case "credentialEmail":
		return req.Email, nil
	case "credentialSemaphoreID":
		return req.SemaphoreID, nil
	default:
		return "", fmt.Errorf("unknown output source %q", col.Source)
	}
}

func coerce(raw, valueType string) (any, error) {
	switch valueType {
	case "string", "cryptographic":
		// Cryptographic entries stay as decimal strings; the proving layer
		// interprets them as field elements.
		return raw, nil
	case "int":
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not an integer", raw)
		}
		return n, nil
	case "boolean":
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("value %q is not a boolean", raw)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", valueType)
	}
}
