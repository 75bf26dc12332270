package formatters

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/airframesio/dataset-exporter/cmd/source"
)

func sampleRecords() []source.Record {
	return []source.Record{
		{ID: "p1", Document: json.RawMessage(`{"_id":"p1","title":"Attention"}`)},
		{ID: "p2", Document: json.RawMessage(`{"_id":"p2","nested":{"k":[1,2,3]}}`)},
	}
}

func TestGetFormatter(t *testing.T) {
	tests := []struct {
		name      string
		format    string
		wantName  string
		wantExt   string
		wantError bool
	}{
		{"default", "", FormatJSON, ".json", false},
		{"json", "json", FormatJSON, ".json", false},
		{"jsonl", "jsonl", FormatJSONL, ".jsonl", false},
		{"parquet", "parquet", FormatParquet, ".parquet", false},
		{"csv is not supported", "csv", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := GetFormatter(tt.format)
			if tt.wantError {
				if !errors.Is(err, ErrUnsupportedFormat) {
					t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.Name() != tt.wantName || f.Extension() != tt.wantExt {
				t.Errorf("got %s/%s, want %s/%s", f.Name(), f.Extension(), tt.wantName, tt.wantExt)
			}
		})
	}
}

func TestJSONFormatterPayloadShape(t *testing.T) {
	f := NewJSONFormatter()
	data, err := f.Encode(ChunkMeta{ChunkNumber: 3, ExportTimestamp: "20250101_120000"}, sampleRecords())
	if err != nil {
		t.Fatal(err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"chunk_number", "total_papers", "export_timestamp", "papers", "paper_ids"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("payload missing %q", key)
		}
	}
	if payload["total_papers"].(float64) != 2 {
		t.Errorf("expected total_papers 2, got %v", payload["total_papers"])
	}
	if payload["chunk_number"].(float64) != 3 {
		t.Errorf("expected chunk_number 3, got %v", payload["chunk_number"])
	}
}

func TestFormattersPreserveDocuments(t *testing.T) {
	records := append(sampleRecords(),
		source.Record{ID: "p3", Document: json.RawMessage(`{"_id": "p3", "title": "a < b & c"}`)},
		source.Record{ID: "p4", Document: json.RawMessage("{\"_id\": \"p4\",\n  \"title\": \"x > y\"}")},
	)

	for _, name := range Names {
		t.Run(name, func(t *testing.T) {
			f, _ := GetFormatter(name)
			meta := ChunkMeta{ChunkNumber: 7, ExportTimestamp: "20250101_120000"}

			data, err := f.Encode(meta, records)
			if err != nil {
				t.Fatal(err)
			}
			gotMeta, gotRecords, err := f.Decode(data)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}

			if gotMeta.ChunkNumber != 7 || gotMeta.RecordCount != len(records) || gotMeta.ExportTimestamp != meta.ExportTimestamp {
				t.Errorf("unexpected meta %+v", gotMeta)
			}
			if len(gotRecords) != len(records) {
				t.Fatalf("expected %d records, got %d", len(records), len(gotRecords))
			}
			for i := range records {
				if gotRecords[i].ID != records[i].ID {
					t.Errorf("record %d id %s, want %s", i, gotRecords[i].ID, records[i].ID)
				}
				want := []byte(records[i].Document)
				if name == FormatJSONL {
					// one document per line
					want = []byte(strings.ReplaceAll(string(want), "\n", " "))
				}
				if !reflect.DeepEqual([]byte(gotRecords[i].Document), want) {
					t.Errorf("record %d document %s, want %s", i, gotRecords[i].Document, want)
				}
			}
		})
	}
}

func TestJSONFormatterKeepsDocumentBytes(t *testing.T) {
	doc := "{\"_id\": \"p1\",\n  \"title\": \"a < b & c\"}"
	data, err := NewJSONFormatter().Encode(ChunkMeta{ExportTimestamp: "t"},
		[]source.Record{{ID: "a&b", Document: json.RawMessage(doc)}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"papers":[`+doc+`]`) {
		t.Errorf("document rewritten in %s", data)
	}
	if !strings.Contains(string(data), `"paper_ids":["a&b"]`) {
		t.Errorf("id escaped in %s", data)
	}
	if !json.Valid(data) {
		t.Errorf("payload is not valid JSON: %s", data)
	}
}

func TestJSONFormatterDecodeMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{"chunk_number":`},
		{"missing papers", `{"chunk_number":0,"total_papers":0,"export_timestamp":"x","paper_ids":[]}`},
		{"missing chunk number", `{"total_papers":0,"export_timestamp":"x","papers":[],"paper_ids":[]}`},
		{"count mismatch", `{"chunk_number":0,"total_papers":3,"export_timestamp":"x","papers":[{}],"paper_ids":["a"]}`},
		{"ids mismatch", `{"chunk_number":0,"total_papers":1,"export_timestamp":"x","papers":[{}],"paper_ids":[]}`},
	}

	f := NewJSONFormatter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := f.Decode([]byte(tt.payload)); !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("expected ErrMalformedPayload, got %v", err)
			}
		})
	}
}

func TestJSONLFormatterDecodeMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ``},
		{"bad header", "not json\n"},
		{"negative count", `{"chunk_number":0,"total_papers":-1,"export_timestamp":"x"}` + "\n"},
		{"short chunk", `{"chunk_number":0,"total_papers":2,"export_timestamp":"x"}` + "\n" + `{"id":"a","paper":{}}` + "\n"},
		{"line without id", `{"chunk_number":0,"total_papers":1,"export_timestamp":"x"}` + "\n" + `{"paper":{}}` + "\n"},
	}

	f := NewJSONLFormatter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := f.Decode([]byte(tt.payload)); !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("expected ErrMalformedPayload, got %v", err)
			}
		})
	}
}

func TestJSONLFormatterLineLayout(t *testing.T) {
	f := NewJSONLFormatter()
	data, err := f.Encode(ChunkMeta{ChunkNumber: 0, ExportTimestamp: "t"}, sampleRecords())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[1], `{"id":"p1","paper":`) {
		t.Errorf("unexpected record line %s", lines[1])
	}
}

func TestParquetFormatterCodecs(t *testing.T) {
	for _, codec := range []string{"snappy", "zstd", "gzip", "lz4", "none"} {
		t.Run(codec, func(t *testing.T) {
			f := NewParquetFormatterWithCompression(codec)
			data, err := f.Encode(ChunkMeta{ChunkNumber: 2, ExportTimestamp: "20250101_120000"}, sampleRecords())
			if err != nil {
				t.Fatal(err)
			}
			meta, records, err := NewParquetFormatter().Decode(data)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if meta.ChunkNumber != 2 || meta.RecordCount != 2 || len(records) != 2 || records[1].ID != "p2" {
				t.Errorf("unexpected decode %+v %v", meta, records)
			}
		})
	}
}

func TestParquetFormatterDecodeMalformed(t *testing.T) {
	f := NewParquetFormatter()
	valid, err := f.Encode(ChunkMeta{ChunkNumber: 0, ExportTimestamp: "t"}, sampleRecords())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"not parquet", []byte(`{"chunk_number":0}`)},
		{"truncated", valid[:len(valid)/2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := f.Decode(tt.payload); !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("expected ErrMalformedPayload, got %v", err)
			}
		})
	}
}
