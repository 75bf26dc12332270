package formatters

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/airframesio/dataset-exporter/cmd/source"
)

// maxLineSize bounds a single JSONL line (one document)
const maxLineSize = 64 * 1024 * 1024

// JSONLFormatter handles JSONL (JSON Lines) chunks: a metadata header line
// followed by one {"id","paper"} object per record.
type JSONLFormatter struct{}

// NewJSONLFormatter creates a new JSONL formatter
func NewJSONLFormatter() *JSONLFormatter {
	return &JSONLFormatter{}
}

type jsonlHeader struct {
	ChunkNumber     *int   `json:"chunk_number"`
	TotalPapers     *int   `json:"total_papers"`
	ExportTimestamp string `json:"export_timestamp"`
}

type jsonlLine struct {
	ID    *string         `json:"id"`
	Paper json.RawMessage `json:"paper"`
}

func (f *JSONLFormatter) Encode(meta ChunkMeta, records []source.Record) ([]byte, error) {
	var buffer bytes.Buffer

	count := len(records)
	chunkNumber := meta.ChunkNumber
	header, err := json.Marshal(jsonlHeader{
		ChunkNumber:     &chunkNumber,
		TotalPapers:     &count,
		ExportTimestamp: meta.ExportTimestamp,
	})
	if err != nil {
		return nil, err
	}
	buffer.Write(header)
	buffer.WriteByte('\n')

	for _, r := range records {
		buffer.WriteString(`{"id":`)
		if err := writeValue(&buffer, r.ID); err != nil {
			return nil, err
		}
		buffer.WriteString(`,"paper":`)
		writeDocument(&buffer, flattenLines(r.Document))
		buffer.WriteString("}\n")
	}

	return buffer.Bytes(), nil
}

// flattenLines turns line breaks into spaces so a document fits on one line.
// A valid document only carries them as whitespace, so it reads back the same.
func flattenLines(doc json.RawMessage) json.RawMessage {
	if bytes.IndexAny(doc, "\r\n") < 0 {
		return doc
	}
	flat := make(json.RawMessage, len(doc))
	for i, c := range doc {
		if c == '\n' || c == '\r' {
			c = ' '
		}
		flat[i] = c
	}
	return flat
}

func (f *JSONLFormatter) Decode(data []byte) (ChunkMeta, []source.Record, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	if !scanner.Scan() {
		return ChunkMeta{}, nil, fmt.Errorf("%w: missing header line", ErrMalformedPayload)
	}
	var header jsonlHeader
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return ChunkMeta{}, nil, fmt.Errorf("%w: header: %v", ErrMalformedPayload, err)
	}
	if header.ChunkNumber == nil || header.TotalPapers == nil || *header.TotalPapers < 0 {
		return ChunkMeta{}, nil, fmt.Errorf("%w: header missing required fields", ErrMalformedPayload)
	}

	records := make([]source.Record, 0, *header.TotalPapers)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue // Skip empty lines
		}

		var entry jsonlLine
		if err := json.Unmarshal(line, &entry); err != nil {
			return ChunkMeta{}, nil, fmt.Errorf("%w: line %d: %v", ErrMalformedPayload, len(records)+2, err)
		}
		if entry.ID == nil || len(entry.Paper) == 0 {
			return ChunkMeta{}, nil, fmt.Errorf("%w: line %d missing id or paper", ErrMalformedPayload, len(records)+2)
		}
		records = append(records, source.Record{ID: *entry.ID, Document: entry.Paper})
	}

	if err := scanner.Err(); err != nil {
		return ChunkMeta{}, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if *header.TotalPapers != len(records) {
		return ChunkMeta{}, nil, fmt.Errorf("%w: total_papers=%d but %d papers present",
			ErrMalformedPayload, *header.TotalPapers, len(records))
	}

	return ChunkMeta{
		ChunkNumber:     *header.ChunkNumber,
		RecordCount:     *header.TotalPapers,
		ExportTimestamp: header.ExportTimestamp,
	}, records, nil
}

// Extension returns the file extension for JSONL files
func (f *JSONLFormatter) Extension() string {
	return ".jsonl"
}

// MIMEType returns the MIME type for JSONL
func (f *JSONLFormatter) MIMEType() string {
	return "application/x-ndjson"
}

func (f *JSONLFormatter) Name() string {
	return FormatJSONL
}
