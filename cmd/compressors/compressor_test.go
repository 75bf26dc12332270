package compressors

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestGetCompressor(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		extension string
		wantErr   bool
	}{
		{name: "zstd", input: "zstd", extension: ".zst"},
		{name: "lz4", input: "lz4", extension: ".lz4"},
		{name: "gzip", input: "gzip", extension: ".gz"},
		{name: "snappy", input: "snappy", extension: ".sz"},
		{name: "none", input: "none", extension: ""},
		{name: "empty defaults to none", input: "", extension: ""},
		{name: "unknown", input: "brotli", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := GetCompressor(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedCompression) {
					t.Fatalf("expected ErrUnsupportedCompression, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Extension() != tt.extension {
				t.Errorf("expected extension %q, got %q", tt.extension, c.Extension())
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat(`{"_id":"paper-1","title":"Attention"}`+"\n", 500))

	for _, name := range Names {
		t.Run(name, func(t *testing.T) {
			c, err := GetCompressor(name)
			if err != nil {
				t.Fatal(err)
			}

			compressed, err := c.Compress(payload, c.DefaultLevel())
			if err != nil {
				t.Fatalf("compress failed: %v", err)
			}
			if name != "none" && len(compressed) >= len(payload) {
				t.Errorf("expected %s to shrink repetitive input, %d >= %d", name, len(compressed), len(payload))
			}

			out, err := c.Decompress(compressed)
			if err != nil {
				t.Fatalf("decompress failed: %v", err)
			}
			if !bytes.Equal(out, payload) {
				t.Fatal("round trip changed the payload")
			}
		})
	}
}

func TestDecompressCorruptInput(t *testing.T) {
	garbage := []byte("definitely not compressed")

	for _, name := range []string{"zstd", "lz4", "gzip", "snappy"} {
		t.Run(name, func(t *testing.T) {
			c, _ := GetCompressor(name)
			if _, err := c.Decompress(garbage); err == nil {
				t.Fatal("expected an error for corrupt input")
			}
		})
	}
}

func TestValidLevel(t *testing.T) {
	tests := []struct {
		compression string
		level       int
		want        bool
	}{
		{"zstd", 1, true},
		{"zstd", 22, true},
		{"zstd", 23, false},
		{"gzip", 9, true},
		{"gzip", 0, false},
		{"lz4", 5, true},
		{"none", 0, true},
		{"none", 3, false},
		{"snappy", 0, true},
		{"bogus", 1, false},
	}

	for _, tt := range tests {
		if got := ValidLevel(tt.compression, tt.level); got != tt.want {
			t.Errorf("ValidLevel(%q, %d) = %v, want %v", tt.compression, tt.level, got, tt.want)
		}
	}
}
