package export

import (
	"testing"
	"time"
)

func TestLayoutKeys(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
		chunk  int
		want   string
	}{
		{"default", Layout{Prefix: "iclr_2026", Extension: ".json"}, 2, "iclr_2026/papers/chunk_0002_20250101_120000.json"},
		{"empty prefix", Layout{Extension: ".json"}, 0, "papers/chunk_0000_20250101_120000.json"},
		{"slashes trimmed", Layout{Prefix: "/exports/", Extension: ".jsonl.zst"}, 11, "exports/papers/chunk_0011_20250101_120000.jsonl.zst"},
		{"wide chunk number", Layout{Prefix: "p", Extension: ".json"}, 12345, "p/papers/chunk_12345_20250101_120000.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.layout.ChunkKey(tt.chunk, "20250101_120000")
			if got != tt.want {
				t.Fatalf("ChunkKey() = %s, want %s", got, tt.want)
			}

			n, ts, ok := ParseChunkKey(got)
			if !ok || n != tt.chunk || ts != "20250101_120000" {
				t.Fatalf("ParseChunkKey(%s) = %d, %s, %v", got, n, ts, ok)
			}
		})
	}
}

func TestManifestKey(t *testing.T) {
	if got := ManifestKey("iclr_2026", "20250101_120000"); got != "iclr_2026/manifests/export_manifest_20250101_120000.json" {
		t.Fatalf("unexpected manifest key %s", got)
	}
	if got := ManifestKey("", "20250101_120000"); got != "manifests/export_manifest_20250101_120000.json" {
		t.Fatalf("unexpected manifest key %s", got)
	}

	ts, ok := ParseManifestKey("x/manifests/export_manifest_20250101_120000.json")
	if !ok || ts != "20250101_120000" {
		t.Fatalf("ParseManifestKey failed: %s %v", ts, ok)
	}
}

func TestParseChunkKeyRejects(t *testing.T) {
	for _, key := range []string{
		"p/papers/readme.txt",
		"p/papers/chunk_abc_20250101_120000.json",
		"p/papers/chunk_0001_2025.json",
		"p/papers/chunk_0001_20251301_120000.json",
		"p/papers/chunk_0001_20250101_120000x",
	} {
		if _, _, ok := ParseChunkKey(key); ok {
			t.Errorf("expected %s to be rejected", key)
		}
	}
}

func TestFormatTimestamp(t *testing.T) {
	ts := FormatTimestamp(time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC))
	if ts != "20250304_050607" {
		t.Fatalf("unexpected timestamp %s", ts)
	}
	if !ValidTimestamp(ts) || ValidTimestamp("2025-03-04") {
		t.Fatal("ValidTimestamp gave the wrong answer")
	}
}
