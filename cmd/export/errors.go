package export

import (
	"errors"
	"fmt"
)

var (
	ErrSourceUnavailable    = errors.New("source unavailable")
	ErrSourceInconsistency  = errors.New("source returned fewer records than planned")
	ErrWriteFailure         = errors.New("chunk write failed")
	ErrTaskTimeout          = errors.New("chunk task timed out")
	ErrManifestWriteFailure = errors.New("manifest write failed")
	ErrChunkMissing         = errors.New("chunk missing")
	ErrChunkCorrupt         = errors.New("chunk corrupt")
	ErrIncompleteExport     = errors.New("export incomplete")
	ErrRunExists            = errors.New("an export with this timestamp already exists")
	ErrAlreadyCompleted     = errors.New("export already completed")
	ErrInvalidChunkNumber   = errors.New("invalid chunk number")
	ErrInvalidOptions       = errors.New("invalid export options")
	ErrManifestNotFound     = errors.New("manifest not found")
	ErrManifestImmutable    = errors.New("completed manifest cannot be replaced")
	ErrLayoutMismatch       = errors.New("chunk format or compression differs from the manifest")
)

// ChunkError is the failure of a single chunk task.
type ChunkError struct {
	ChunkNumber int
	Err         error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d: %v", e.ChunkNumber, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}
