package export

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout formats export timestamps (YYYYMMDD_HHMMSS).
const TimestampLayout = "20060102_150405"

const (
	chunkDir       = "papers"
	manifestDir    = "manifests"
	chunkStem      = "chunk_"
	manifestStem   = "export_manifest_"
	manifestSuffix = ".json"
)

// FormatTimestamp renders t as an export timestamp.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// ValidTimestamp reports whether ts is a well-formed export timestamp.
func ValidTimestamp(ts string) bool {
	_, err := time.Parse(TimestampLayout, ts)
	return err == nil
}

// Layout derives the storage keys of one export target.
type Layout struct {
	Prefix string
	// Extension is appended to chunk names, e.g. ".json" or ".jsonl.zst".
	Extension string
}

// ChunkKey returns {prefix}/papers/chunk_NNNN_{timestamp}{ext}.
func (l Layout) ChunkKey(chunkNumber int, timestamp string) string {
	return joinKey(l.Prefix, chunkDir, fmt.Sprintf("%s%04d_%s%s", chunkStem, chunkNumber, timestamp, l.Extension))
}

// ChunkPrefix is the listing prefix for every chunk under the layout.
func (l Layout) ChunkPrefix() string {
	return joinKey(l.Prefix, chunkDir) + "/"
}

// ManifestKey returns {prefix}/manifests/export_manifest_{timestamp}.json.
func ManifestKey(prefix, timestamp string) string {
	return joinKey(prefix, manifestDir, manifestStem+timestamp+manifestSuffix)
}

// ManifestPrefix is the listing prefix for manifests.
func ManifestPrefix(prefix string) string {
	return joinKey(prefix, manifestDir) + "/"
}

// ParseChunkKey extracts the chunk number and timestamp from a chunk key,
// regardless of its prefix or extension.
func ParseChunkKey(key string) (chunkNumber int, timestamp string, ok bool) {
	name := path.Base(key)
	if !strings.HasPrefix(name, chunkStem) {
		return 0, "", false
	}
	rest := strings.TrimPrefix(name, chunkStem)

	sep := strings.IndexByte(rest, '_')
	if sep <= 0 {
		return 0, "", false
	}
	n, err := strconv.Atoi(rest[:sep])
	if err != nil || n < 0 {
		return 0, "", false
	}

	rest = rest[sep+1:]
	if len(rest) < len(TimestampLayout) {
		return 0, "", false
	}
	ts := rest[:len(TimestampLayout)]
	if !ValidTimestamp(ts) {
		return 0, "", false
	}
	if tail := rest[len(TimestampLayout):]; tail != "" && tail[0] != '.' {
		return 0, "", false
	}
	return n, ts, true
}

// ParseManifestKey extracts the timestamp from a manifest key.
func ParseManifestKey(key string) (string, bool) {
	name := path.Base(key)
	if !strings.HasPrefix(name, manifestStem) || !strings.HasSuffix(name, manifestSuffix) {
		return "", false
	}
	ts := strings.TrimSuffix(strings.TrimPrefix(name, manifestStem), manifestSuffix)
	if !ValidTimestamp(ts) {
		return "", false
	}
	return ts, true
}

func joinKey(prefix string, parts ...string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return strings.Join(parts, "/")
	}
	return prefix + "/" + strings.Join(parts, "/")
}
