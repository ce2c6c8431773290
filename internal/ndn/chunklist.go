package ndn

import (
	"encoding/json"
	"fmt"
)

// ChunkList is a container object bundling an ordered chunk-id sequence
// with the total content size and the fixed per-chunk size. Its
// identifier covers every field, so reordering chunks or changing any
// size yields a different object.
type ChunkList struct {
	// HashMethod is the method used for the member chunk ids.
	HashMethod HashMethod `json:"hash_method"`

	// TotalSize is the concatenated byte length of all chunks.
	TotalSize uint64 `json:"total_size"`

	// FixedSize is the chunk size every member except possibly the last
	// was cut to. Zero for an empty list is permitted.
	FixedSize uint64 `json:"fixed_size"`

	// Chunks holds the member ChunkId strings in sequence order.
	Chunks []string `json:"chunks"`
}

// ChunkListBuilder assembles a ChunkList. Append fails once Build has
// been called.
type ChunkListBuilder struct {
	list  ChunkList
	built bool
}

// NewChunkListBuilder starts a builder for the given hash method. An
// empty method selects the SHA-256 baseline.
func NewChunkListBuilder(method HashMethod) *ChunkListBuilder {
	if method == "" {
		method = HashMethodSha256
	}
	return &ChunkListBuilder{
		list: ChunkList{HashMethod: method, Chunks: []string{}},
	}
}

// WithTotalSize sets the total content size.
func (b *ChunkListBuilder) WithTotalSize(size uint64) *ChunkListBuilder {
	b.list.TotalSize = size
	return b
}

// WithFixedSize sets the fixed per-chunk size.
func (b *ChunkListBuilder) WithFixedSize(size uint64) *ChunkListBuilder {
	b.list.FixedSize = size
	return b
}

// Append adds the next chunk id in sequence order.
func (b *ChunkListBuilder) Append(id ChunkId) error {
	if b.built {
		return ErrBuilderFinished
	}
	b.list.Chunks = append(b.list.Chunks, id.String())
	return nil
}

// Build finalizes the list. The builder cannot be appended to afterward.
func (b *ChunkListBuilder) Build() (*ChunkList, error) {
	if b.built {
		return nil, ErrBuilderFinished
	}
	b.built = true
	list := b.list
	return &list, nil
}

// OpenChunkList parses chunk-list JSON produced by CalcObjId or a
// remote store.
func OpenChunkList(raw []byte) (*ChunkList, error) {
	var list ChunkList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: failed to parse chunk list: %v", ErrInvalidData, err)
	}
	if list.HashMethod == "" {
		return nil, fmt.Errorf("%w: chunk list missing hash_method", ErrInvalidData)
	}
	return &list, nil
}

// Len returns the number of member chunks.
func (l *ChunkList) Len() int {
	return len(l.Chunks)
}

// GetChunk returns the chunk id at sequence position i.
func (l *ChunkList) GetChunk(i int) (ChunkId, error) {
	if i < 0 || i >= len(l.Chunks) {
		return ChunkId{}, fmt.Errorf("%w: chunk index %d out of range [0,%d)",
			ErrInvalidData, i, len(l.Chunks))
	}
	return ParseChunkId(l.Chunks[i])
}

// ChunkIds parses and returns every member id in sequence order.
func (l *ChunkList) ChunkIds() ([]ChunkId, error) {
	ids := make([]ChunkId, 0, len(l.Chunks))
	for _, s := range l.Chunks {
		id, err := ParseChunkId(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetChunkIndexByOffset maps a byte offset from the start of the content
// to the chunk holding it, returning the chunk index and the offset
// within that chunk. Used by restore to find its resume point.
func (l *ChunkList) GetChunkIndexByOffset(offset uint64) (int, uint64, error) {
	if offset >= l.TotalSize {
		return 0, 0, fmt.Errorf("%w: offset %d beyond total size %d",
			ErrInvalidData, offset, l.TotalSize)
	}
	if l.FixedSize == 0 {
		return 0, 0, fmt.Errorf("%w: chunk list has no fixed size", ErrInvalidData)
	}

	index := int(offset / l.FixedSize)
	if index >= len(l.Chunks) {
		return 0, 0, fmt.Errorf("%w: offset %d maps to chunk %d of %d",
			ErrInvalidData, offset, index, len(l.Chunks))
	}
	return index, offset % l.FixedSize, nil
}

// CalcObjId computes the list's identifier and canonical JSON under the
// simple fixed-size chunk-list type.
func (l *ChunkList) CalcObjId() (ObjId, string, error) {
	return BuildNamedObject(ObjTypeChunkListSimpleFixedSize, l)
}
