package formatters

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/airframesio/dataset-exporter/cmd/source"
)

// JSONFormatter writes one JSON object per chunk:
//
//	{"chunk_number":0,"total_papers":1000,"export_timestamp":"...","papers":[...],"paper_ids":[...]}
type JSONFormatter struct{}

// NewJSONFormatter creates a new JSON formatter
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

type jsonPayload struct {
	ChunkNumber     *int              `json:"chunk_number"`
	TotalPapers     *int              `json:"total_papers"`
	ExportTimestamp string            `json:"export_timestamp"`
	Papers          []json.RawMessage `json:"papers"`
	PaperIDs        []string          `json:"paper_ids"`
}

// Encode writes each document as stored. Only the envelope goes through the
// encoder, with HTML escaping off.
func (f *JSONFormatter) Encode(meta ChunkMeta, records []source.Record) ([]byte, error) {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}

	var buffer bytes.Buffer
	fmt.Fprintf(&buffer, `{"chunk_number":%d,"total_papers":%d,"export_timestamp":`, meta.ChunkNumber, len(records))
	if err := writeValue(&buffer, meta.ExportTimestamp); err != nil {
		return nil, err
	}
	buffer.WriteString(`,"papers":[`)
	for i, r := range records {
		if i > 0 {
			buffer.WriteByte(',')
		}
		writeDocument(&buffer, r.Document)
	}
	buffer.WriteString(`],"paper_ids":`)
	if err := writeValue(&buffer, ids); err != nil {
		return nil, err
	}
	buffer.WriteByte('}')

	return buffer.Bytes(), nil
}

// writeValue encodes v without HTML escaping or the encoder's trailing newline.
func writeValue(buffer *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buffer)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buffer.Truncate(buffer.Len() - 1)
	return nil
}

func writeDocument(buffer *bytes.Buffer, doc json.RawMessage) {
	if len(doc) == 0 {
		buffer.WriteString("null")
		return
	}
	buffer.Write(doc)
}

func (f *JSONFormatter) Decode(data []byte) (ChunkMeta, []source.Record, error) {
	var payload jsonPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return ChunkMeta{}, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.ChunkNumber == nil || payload.TotalPapers == nil || payload.Papers == nil {
		return ChunkMeta{}, nil, fmt.Errorf("%w: missing required fields", ErrMalformedPayload)
	}
	if *payload.TotalPapers != len(payload.Papers) {
		return ChunkMeta{}, nil, fmt.Errorf("%w: total_papers=%d but %d papers present",
			ErrMalformedPayload, *payload.TotalPapers, len(payload.Papers))
	}
	if len(payload.PaperIDs) != len(payload.Papers) {
		return ChunkMeta{}, nil, fmt.Errorf("%w: %d paper_ids for %d papers",
			ErrMalformedPayload, len(payload.PaperIDs), len(payload.Papers))
	}

	records := make([]source.Record, len(payload.Papers))
	for i := range payload.Papers {
		records[i] = source.Record{ID: payload.PaperIDs[i], Document: payload.Papers[i]}
	}

	return ChunkMeta{
		ChunkNumber:     *payload.ChunkNumber,
		RecordCount:     *payload.TotalPapers,
		ExportTimestamp: payload.ExportTimestamp,
	}, records, nil
}

// Extension returns the file extension for JSON files
func (f *JSONFormatter) Extension() string {
	return ".json"
}

// MIMEType returns the MIME type for JSON
func (f *JSONFormatter) MIMEType() string {
	return "application/json"
}

func (f *JSONFormatter) Name() string {
	return FormatJSON
}
