package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryReader serves records from an in-process slice.
type MemoryReader struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryReader creates a reader over records. The slice is not copied.
func NewMemoryReader(records []Record) *MemoryReader {
	return &MemoryReader{records: records}
}

// GenerateRecords builds n synthetic paper documents with ids paper-000000..
func GenerateRecords(n int) []Record {
	records := make([]Record, n)
	for i := range records {
		id := fmt.Sprintf("paper-%06d", i)
		doc, _ := json.Marshal(map[string]interface{}{
			"_id":   id,
			"title": fmt.Sprintf("Paper %d", i),
			"year":  2024,
		})
		records[i] = Record{ID: id, Document: doc}
	}
	return records
}

func (m *MemoryReader) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func (m *MemoryReader) FetchPage(ctx context.Context, offset, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("%w: offset=%d limit=%d", ErrInvalidRange, offset, limit)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if offset >= len(m.records) {
		return []Record{}, nil
	}
	end := offset + limit
	if end > len(m.records) {
		end = len(m.records)
	}

	page := make([]Record, end-offset)
	copy(page, m.records[offset:end])
	return page, nil
}

// Truncate drops every record at or after n, simulating a shrinking collection.
func (m *MemoryReader) Truncate(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < len(m.records) {
		m.records = m.records[:n]
	}
}

func (m *MemoryReader) Close() error {
	return nil
}
