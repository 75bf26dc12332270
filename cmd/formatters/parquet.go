package formatters

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"github.com/airframesio/dataset-exporter/cmd/source"
)

// Key/value metadata keys holding the chunk metadata
const (
	parquetChunkNumberKey     = "chunk_number"
	parquetTotalPapersKey     = "total_papers"
	parquetExportTimestampKey = "export_timestamp"
)

// parquetRow is one record: the id and the unchanged JSON document
type parquetRow struct {
	ID    string `parquet:"id"`
	Paper string `parquet:"paper"`
}

// ParquetFormatter writes one row per record. Chunk metadata lives in the
// file's key/value metadata so empty chunks still carry it.
type ParquetFormatter struct {
	compression string
}

// NewParquetFormatter creates a new Parquet formatter
func NewParquetFormatter() *ParquetFormatter {
	return &ParquetFormatter{
		compression: "snappy", // Default Parquet compression
	}
}

// NewParquetFormatterWithCompression creates a Parquet formatter with the given page codec
func NewParquetFormatterWithCompression(compression string) *ParquetFormatter {
	return &ParquetFormatter{
		compression: compression,
	}
}

func (f *ParquetFormatter) codec() parquet.WriterOption {
	switch f.compression {
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "lz4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

func (f *ParquetFormatter) Encode(meta ChunkMeta, records []source.Record) ([]byte, error) {
	var buffer bytes.Buffer

	writer := parquet.NewGenericWriter[parquetRow](&buffer,
		f.codec(),
		parquet.KeyValueMetadata(parquetChunkNumberKey, strconv.Itoa(meta.ChunkNumber)),
		parquet.KeyValueMetadata(parquetTotalPapersKey, strconv.Itoa(len(records))),
		parquet.KeyValueMetadata(parquetExportTimestampKey, meta.ExportTimestamp),
	)

	rows := make([]parquetRow, len(records))
	for i, r := range records {
		rows[i] = parquetRow{ID: r.ID, Paper: string(r.Document)}
	}
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("failed to write parquet rows: %w", err)
	}

	// Close writer to flush data and the footer
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}

	return buffer.Bytes(), nil
}

func (f *ParquetFormatter) Decode(data []byte) (ChunkMeta, []source.Record, error) {
	// Parquet requires io.ReaderAt
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ChunkMeta{}, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	chunkNumber, err := lookupInt(file, parquetChunkNumberKey)
	if err != nil {
		return ChunkMeta{}, nil, err
	}
	totalPapers, err := lookupInt(file, parquetTotalPapersKey)
	if err != nil {
		return ChunkMeta{}, nil, err
	}
	if totalPapers < 0 {
		return ChunkMeta{}, nil, fmt.Errorf("%w: negative %s", ErrMalformedPayload, parquetTotalPapersKey)
	}
	timestamp, _ := file.Lookup(parquetExportTimestampKey)

	if file.NumRows() != int64(totalPapers) {
		return ChunkMeta{}, nil, fmt.Errorf("%w: total_papers=%d but %d papers present",
			ErrMalformedPayload, totalPapers, file.NumRows())
	}

	rows, err := readParquetRows(data, totalPapers)
	if err != nil {
		return ChunkMeta{}, nil, err
	}

	records := make([]source.Record, len(rows))
	for i, row := range rows {
		if !json.Valid([]byte(row.Paper)) {
			return ChunkMeta{}, nil, fmt.Errorf("%w: row %d paper is not JSON", ErrMalformedPayload, i)
		}
		records[i] = source.Record{ID: row.ID, Document: json.RawMessage(row.Paper)}
	}

	return ChunkMeta{
		ChunkNumber:     chunkNumber,
		RecordCount:     totalPapers,
		ExportTimestamp: timestamp,
	}, records, nil
}

func lookupInt(file *parquet.File, key string) (int, error) {
	value, ok := file.Lookup(key)
	if !ok {
		return 0, fmt.Errorf("%w: missing %s metadata", ErrMalformedPayload, key)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformedPayload, key, value)
	}
	return n, nil
}

func readParquetRows(data []byte, count int) ([]parquetRow, error) {
	rows := make([]parquetRow, count)
	if count == 0 {
		return rows, nil
	}

	reader := parquet.NewGenericReader[parquetRow](bytes.NewReader(data))
	defer reader.Close()

	read := 0
	for read < count {
		n, err := reader.Read(rows[read:])
		read += n
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if n == 0 {
			break
		}
	}
	if read != count {
		return nil, fmt.Errorf("%w: read %d of %d rows", ErrMalformedPayload, read, count)
	}
	return rows, nil
}

// Extension returns the file extension for Parquet files
func (f *ParquetFormatter) Extension() string {
	return ".parquet"
}

// MIMEType returns the MIME type for Parquet
func (f *ParquetFormatter) MIMEType() string {
	return "application/vnd.apache.parquet"
}

func (f *ParquetFormatter) Name() string {
	return FormatParquet
}
