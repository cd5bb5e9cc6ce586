package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
)

// ExportFormat represents the format for exporting audit records
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

// ParseExportFormat validates a format name. The empty string selects JSON.
func ParseExportFormat(name string) (ExportFormat, error) {
	switch ExportFormat(name) {
	case "", ExportFormatJSON:
		return ExportFormatJSON, nil
	case ExportFormatCSV:
		return ExportFormatCSV, nil
	case ExportFormatNDJSON:
		return ExportFormatNDJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown export format %q", ErrInvalidInput, name)
	}
}

// ContentType returns the MIME type for the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// Filename returns the attachment name used for downloads.
func (f ExportFormat) Filename() string {
	return "audits." + string(f)
}

// Export renders audits in the given format.
func Export(audits []*Audit, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatCSV:
		return exportCSV(audits)
	case ExportFormatNDJSON:
		var buf bytes.Buffer
		if err := WriteNDJSON(&buf, audits); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return exportJSON(audits)
	}
}

// exportJSON exports audits as an indented JSON array
func exportJSON(audits []*Audit) ([]byte, error) {
	if audits == nil {
		audits = []*Audit{}
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(audits); err != nil {
		return nil, fmt.Errorf("failed to encode audits: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteNDJSON writes one JSON document per audit, one per line.
func WriteNDJSON(w io.Writer, audits []*Audit) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)

	for _, a := range audits {
		if err := encoder.Encode(a); err != nil {
			return fmt.Errorf("failed to encode audit: %w", err)
		}
	}
	return nil
}

// exportCSV exports audits as CSV with one row per changed field. An audit
// without changes still gets a single row with empty change columns.
func exportCSV(audits []*Audit) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"ID", "Origin", "UserAgent", "Field", "Old", "New"}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, a := range audits {
		id := ""
		if a.ID.Valid {
			id = a.ID.UUID.String()
		}

		if a.Changes.Len() == 0 {
			if err := writer.Write([]string{id, a.Origin, a.UserAgent, "", "", ""}); err != nil {
				return nil, fmt.Errorf("failed to write CSV row: %w", err)
			}
			continue
		}

		var rowErr error
		a.Changes.Each(func(field string, entry ChangeEntry) {
			if rowErr != nil {
				return
			}
			rowErr = writer.Write([]string{id, a.Origin, a.UserAgent, field, entry.Old, entry.New})
		})
		if rowErr != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", rowErr)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}
