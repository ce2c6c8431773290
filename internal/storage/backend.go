// Package storage defines the content-addressed blob backend used to
// stage named objects and chunks. Entries are immutable: a put under an
// id the bytes do not hash to is rejected, and repeating a put is a
// no-op.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/prn-tf/ndn-sync/internal/ndn"
)

// ChunkWriter streams one chunk into the store. The declared id is
// verified on Close; a mismatch discards the data and returns
// ErrHashMismatch.
type ChunkWriter interface {
	io.Writer

	// Close verifies and publishes the chunk.
	Close() error

	// Abort discards the chunk without publishing.
	Abort() error
}

// Backend is a content-addressed store for named-object JSON and chunk
// bytes.
type Backend interface {
	// PutObject stages object JSON under its id, verifying the id.
	// Staging an already-present object is a no-op.
	PutObject(ctx context.Context, id ndn.ObjId, body string) error

	// GetObject returns the staged JSON for an id.
	GetObject(ctx context.Context, id ndn.ObjId) (string, error)

	// HasObject reports whether the object is staged.
	HasObject(ctx context.Context, id ndn.ObjId) (bool, error)

	// OpenChunkWriter starts staging a chunk. Returns ErrAlreadyExists
	// when the chunk is already present.
	OpenChunkWriter(ctx context.Context, id ndn.ChunkId) (ChunkWriter, error)

	// OpenChunkReader streams a staged chunk, also returning its length.
	OpenChunkReader(ctx context.Context, id ndn.ChunkId) (io.ReadCloser, uint64, error)

	// HasChunk reports whether the chunk is staged.
	HasChunk(ctx context.Context, id ndn.ChunkId) (bool, error)

	// HealthCheck verifies the backend is usable.
	HealthCheck(ctx context.Context) error
}

// PutChunk stages a complete in-memory chunk. An already-present chunk
// satisfies the write.
func PutChunk(ctx context.Context, b Backend, id ndn.ChunkId, data []byte) error {
	w, err := b.OpenChunkWriter(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil
		}
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Abort()
		return err
	}
	return w.Close()
}

// GetChunk reads a complete staged chunk into memory.
func GetChunk(ctx context.Context, b Backend, id ndn.ChunkId) ([]byte, error) {
	r, length, err := b.OpenChunkReader(ctx, id)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data := make([]byte, 0, length)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		data = append(data, buf[:n]...)
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
