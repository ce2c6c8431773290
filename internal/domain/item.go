// Package domain contains the core entities of the sync engine: the
// storage item union tracked per filesystem node and its lifecycle
// status.
package domain

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/prn-tf/ndn-sync/internal/ndn"
)

// ItemKind discriminates the StorageItem union.
type ItemKind string

const (
	// ItemKindDir is a directory item carrying a DirObject.
	ItemKindDir ItemKind = "dir"

	// ItemKindFile is a file item carrying a FileObject plus the chunk
	// size the file was (or will be) cut with.
	ItemKindFile ItemKind = "file"

	// ItemKindChunk is one fixed-size piece of a file. Its parent is
	// always a file item.
	ItemKindChunk ItemKind = "chunk"
)

// FileStorageItem is the file variant payload.
type FileStorageItem struct {
	// Obj is the file object being assembled or materialized.
	Obj ndn.FileObject `json:"obj"`

	// ChunkSize is the fixed chunk size for this file. Zero when the
	// item was created by restore, which learns sizes from the chunk
	// list instead.
	ChunkSize uint64 `json:"chunk_size,omitempty"`
}

// ChunkItem is the chunk variant payload. A chunk's name is its sequence
// number, not a string.
type ChunkItem struct {
	// Seq is the 0-based chunk index within the parent file.
	Seq uint64 `json:"seq"`

	// Offset is the byte offset of the chunk in the parent file,
	// always Seq times the file's chunk size.
	Offset uint64 `json:"offset"`

	// ChunkId identifies the chunk content; the mix form carries the
	// chunk byte length.
	ChunkId ndn.ChunkId `json:"-"`

	// ChunkIdStr is the serialized form of ChunkId.
	ChunkIdStr string `json:"chunk_id"`
}

// StorageItem is the tagged union persisted per tracked node. Exactly
// one of Dir, File, Chunk is set, matching Kind.
type StorageItem struct {
	Kind  ItemKind         `json:"kind"`
	Dir   *ndn.DirObject   `json:"dir,omitempty"`
	File  *FileStorageItem `json:"file,omitempty"`
	Chunk *ChunkItem       `json:"chunk,omitempty"`
}

// NewDirItem wraps a DirObject as a storage item.
func NewDirItem(obj ndn.DirObject) StorageItem {
	return StorageItem{Kind: ItemKindDir, Dir: &obj}
}

// NewFileItem wraps a FileObject and its chunk size as a storage item.
func NewFileItem(obj ndn.FileObject, chunkSize uint64) StorageItem {
	return StorageItem{Kind: ItemKindFile, File: &FileStorageItem{Obj: obj, ChunkSize: chunkSize}}
}

// NewChunkItem wraps a chunk position and id as a storage item.
func NewChunkItem(seq, offset uint64, chunkId ndn.ChunkId) StorageItem {
	return StorageItem{Kind: ItemKindChunk, Chunk: &ChunkItem{
		Seq:        seq,
		Offset:     offset,
		ChunkId:    chunkId,
		ChunkIdStr: chunkId.String(),
	}}
}

// Name returns the sibling-unique key of the item: the object name for
// dirs and files, the zero-padded sequence number for chunks. The
// padding makes lexicographic order equal numeric order, so one
// name-ordered listing serves both cases.
func (s *StorageItem) Name() string {
	switch s.Kind {
	case ItemKindDir:
		return s.Dir.Name
	case ItemKindFile:
		return s.File.Obj.Name
	case ItemKindChunk:
		return ChunkName(s.Chunk.Seq)
	default:
		return ""
	}
}

// ChunkName renders a chunk sequence number as its sibling key.
func ChunkName(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// IsDir reports whether the item is a directory.
func (s *StorageItem) IsDir() bool { return s.Kind == ItemKindDir }

// IsFile reports whether the item is a file.
func (s *StorageItem) IsFile() bool { return s.Kind == ItemKindFile }

// IsChunk reports whether the item is a chunk.
func (s *StorageItem) IsChunk() bool { return s.Kind == ItemKindChunk }

// CheckDir returns the dir payload or an error naming the actual kind.
func (s *StorageItem) CheckDir() (*ndn.DirObject, error) {
	if s.Kind != ItemKindDir {
		return nil, fmt.Errorf("%w: expect dir, got %q", ndn.ErrInvalidObjType, s.Kind)
	}
	return s.Dir, nil
}

// CheckFile returns the file payload or an error naming the actual kind.
func (s *StorageItem) CheckFile() (*FileStorageItem, error) {
	if s.Kind != ItemKindFile {
		return nil, fmt.Errorf("%w: expect file, got %q", ndn.ErrInvalidObjType, s.Kind)
	}
	return s.File, nil
}

// CheckChunk returns the chunk payload or an error naming the actual kind.
func (s *StorageItem) CheckChunk() (*ChunkItem, error) {
	if s.Kind != ItemKindChunk {
		return nil, fmt.Errorf("%w: expect chunk, got %q", ndn.ErrInvalidObjType, s.Kind)
	}
	return s.Chunk, nil
}

// ValidParentKind reports whether a child of this kind may live under a
// parent of the given kind. Chunks belong to files; dirs and files
// belong to dirs.
func (s *StorageItem) ValidParentKind(parent ItemKind) bool {
	if s.Kind == ItemKindChunk {
		return parent == ItemKindFile
	}
	return parent == ItemKindDir
}

// Encode serializes the item for persistence.
func (s *StorageItem) Encode() (string, error) {
	if s.Kind == ItemKindChunk && s.Chunk != nil {
		s.Chunk.ChunkIdStr = s.Chunk.ChunkId.String()
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode storage item: %w", err)
	}
	return string(raw), nil
}

// DecodeStorageItem parses a persisted item body and re-derives the
// decoded chunk id.
func DecodeStorageItem(raw string) (StorageItem, error) {
	var item StorageItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return StorageItem{}, fmt.Errorf("failed to decode storage item: %w", err)
	}
	switch item.Kind {
	case ItemKindDir:
		if item.Dir == nil {
			return StorageItem{}, fmt.Errorf("%w: dir item without payload", ndn.ErrInvalidData)
		}
	case ItemKindFile:
		if item.File == nil {
			return StorageItem{}, fmt.Errorf("%w: file item without payload", ndn.ErrInvalidData)
		}
	case ItemKindChunk:
		if item.Chunk == nil {
			return StorageItem{}, fmt.Errorf("%w: chunk item without payload", ndn.ErrInvalidData)
		}
		id, err := ndn.ParseChunkId(item.Chunk.ChunkIdStr)
		if err != nil {
			return StorageItem{}, err
		}
		item.Chunk.ChunkId = id
	default:
		return StorageItem{}, fmt.Errorf("%w: unknown item kind %q", ndn.ErrInvalidData, item.Kind)
	}
	return item, nil
}

// ParseChunkName converts a chunk sibling key back to its sequence
// number.
func ParseChunkName(name string) (uint64, error) {
	seq, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad chunk name %q", ndn.ErrInvalidData, name)
	}
	return seq, nil
}
