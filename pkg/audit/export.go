package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// exportCodec describes one export format.
type exportCodec struct {
	contentType string
	extension   string
	encode      func(w io.Writer, events []*AuditEvent) error
}

var exportCodecs = map[ExportFormat]exportCodec{
	ExportFormatJSON:   {"application/json", "json", writeJSONArray},
	ExportFormatNDJSON: {"application/x-ndjson", "ndjson", writeNDJSON},
	ExportFormatCSV:    {"text/csv", "csv", writeCSV},
}

// ParseExportFormat validates a format name. The empty string selects JSON.
func ParseExportFormat(s string) (ExportFormat, error) {
	format := ExportFormat(strings.ToLower(strings.TrimSpace(s)))
	if format == "" {
		return ExportFormatJSON, nil
	}
	if _, ok := exportCodecs[format]; !ok {
		return "", fmt.Errorf("unsupported export format %q", s)
	}
	return format, nil
}

// ContentType returns the MIME type of the format.
func (f ExportFormat) ContentType() string {
	return exportCodecs[f].contentType
}

// Filename returns an attachment name for an export taken at t.
func (f ExportFormat) Filename(t time.Time) string {
	return fmt.Sprintf("pacsgate-audit-%s.%s", t.UTC().Format("20060102T150405Z"), exportCodecs[f].extension)
}

func encodeEvents(events []*AuditEvent, format ExportFormat) ([]byte, error) {
	codec, ok := exportCodecs[format]
	if !ok {
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
	var buf bytes.Buffer
	if err := codec.encode(&buf, events); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSONArray(w io.Writer, events []*AuditEvent) error {
	if events == nil {
		events = []*AuditEvent{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}

func writeNDJSON(w io.Writer, events []*AuditEvent) error {
	enc := json.NewEncoder(w)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event %d: %w", event.ID, err)
		}
	}
	return nil
}

// csvColumns follow the JSON field names so both exports read alike.
var csvColumns = []string{
	"id",
	"timestamp",
	"event_type",
	"status",
	"user_id",
	"project_id",
	"resource_level",
	"resource_uid",
	"source",
	"message",
	"request_id",
}

func writeCSV(w io.Writer, events []*AuditEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		source, _ := event.Metadata["source"].(string)
		if err := cw.Write([]string{
			strconv.FormatInt(event.ID, 10),
			event.Timestamp.UTC().Format(time.RFC3339),
			string(event.EventType),
			string(event.Status),
			optionalID(event.UserID),
			optionalID(event.ProjectID),
			event.ResourceLevel,
			csvText(event.ResourceUID),
			source,
			csvText(event.Message),
			csvText(event.RequestID),
		}); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// csvText keeps free text from being read as a formula by spreadsheet
// software.
func csvText(s string) string {
	if s != "" && strings.ContainsRune("=+-@\t\r", rune(s[0])) {
		return "'" + s
	}
	return s
}

func optionalID(val *int64) string {
	if val == nil {
		return ""
	}
	return strconv.FormatInt(*val, 10)
}
