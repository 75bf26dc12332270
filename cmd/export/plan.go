package export

// ChunkSpec is one planned chunk: records [Offset, Offset+Count).
type ChunkSpec struct {
	Number int `json:"chunk_number"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

// NumChunks returns ceil(total/chunkSize).
func NumChunks(total, chunkSize int) int {
	if total <= 0 || chunkSize <= 0 {
		return 0
	}
	return (total + chunkSize - 1) / chunkSize
}

// Plan partitions total records into chunks of chunkSize. Every chunk but the
// last is full; the ranges are disjoint and cover [0, total).
func Plan(total, chunkSize int) []ChunkSpec {
	n := NumChunks(total, chunkSize)
	specs := make([]ChunkSpec, n)
	for i := range specs {
		offset := i * chunkSize
		count := chunkSize
		if offset+count > total {
			count = total - offset
		}
		specs[i] = ChunkSpec{Number: i, Offset: offset, Count: count}
	}
	return specs
}
