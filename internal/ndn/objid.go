package ndn

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
)

// Object type names. The textual form of an identifier is
// "<obj_type>:<base32-hash>"; the type is part of the identity.
const (
	ObjTypeFile = "file"
	ObjTypeDir  = "dir"

	// Chunk-list containers. The simple form stores the whole list as a
	// single JSON object; that is the only form this module produces.
	ObjTypeChunkListFixedSize       = "chunk_list_fixed_size"
	ObjTypeChunkListSimpleFixedSize = "chunk_list_simple_fixed_size"

	// Trie object-map containers, same simple/non-simple split.
	ObjTypeTrie       = "trie"
	ObjTypeTrieSimple = "trie_simple"

	// Chunk identifiers. The mix form embeds the chunk byte length in
	// the hash field so Length() needs no store lookup; the plain form
	// is accepted on parse but never produced here.
	ObjTypeChunk    = "chunk"
	ObjTypeChunkMix = "cmix"
)

// objIdEncoding is the stable textual encoding for hash bytes: lowercase
// unpadded base32, chosen once for every object type.
var objIdEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ObjId identifies a named object: a type string plus the hash of the
// object's canonical serialization. Two ObjIds are equal iff both fields
// are equal.
type ObjId struct {
	ObjType string
	Hash    []byte
}

// NewObjId builds an ObjId from a type and raw hash bytes.
func NewObjId(objType string, hash []byte) ObjId {
	h := make([]byte, len(hash))
	copy(h, hash)
	return ObjId{ObjType: objType, Hash: h}
}

// ParseObjId parses the textual form "<obj_type>:<base32-hash>".
func ParseObjId(s string) (ObjId, error) {
	sep := strings.IndexByte(s, ':')
	if sep <= 0 || sep == len(s)-1 {
		return ObjId{}, fmt.Errorf("%w: %q", ErrInvalidObjId, s)
	}

	hash, err := objIdEncoding.DecodeString(strings.ToUpper(s[sep+1:]))
	if err != nil {
		return ObjId{}, fmt.Errorf("%w: %q: %v", ErrInvalidObjId, s, err)
	}

	return ObjId{ObjType: s[:sep], Hash: hash}, nil
}

// String returns the stable textual form.
func (id ObjId) String() string {
	return id.ObjType + ":" + strings.ToLower(objIdEncoding.EncodeToString(id.Hash))
}

// Equal reports whether both type and hash match.
func (id ObjId) Equal(other ObjId) bool {
	if id.ObjType != other.ObjType || len(id.Hash) != len(other.Hash) {
		return false
	}
	for i, b := range id.Hash {
		if other.Hash[i] != b {
			return false
		}
	}
	return true
}

// IsZero reports whether the id is the empty value.
func (id ObjId) IsZero() bool {
	return id.ObjType == "" && len(id.Hash) == 0
}

// IsChunk reports whether the id names a chunk.
func (id ObjId) IsChunk() bool {
	return id.ObjType == ObjTypeChunk || id.ObjType == ObjTypeChunkMix
}

// IsChunkList reports whether the id names a chunk-list container.
func (id ObjId) IsChunkList() bool {
	return id.ObjType == ObjTypeChunkListFixedSize || id.ObjType == ObjTypeChunkListSimpleFixedSize
}

// IsTrie reports whether the id names a trie object-map container.
func (id ObjId) IsTrie() bool {
	return id.ObjType == ObjTypeTrie || id.ObjType == ObjTypeTrieSimple
}

// IsContainer reports whether the id names a container object.
func (id ObjId) IsContainer() bool {
	return id.IsChunkList() || id.IsTrie()
}

// ChunkId is an ObjId whose type denotes a chunk. Identifiers in the mix
// form additionally carry the chunk's decoded byte length.
type ChunkId struct {
	ObjId
}

// ChunkIdFromMixHash builds a mix-form ChunkId from a chunk's byte length
// and its content hash. The length is prepended to the hash bytes as an
// unsigned varint.
func ChunkIdFromMixHash(length uint64, hash []byte) ChunkId {
	buf := binary.AppendUvarint(nil, length)
	buf = append(buf, hash...)
	return ChunkId{ObjId{ObjType: ObjTypeChunkMix, Hash: buf}}
}

// ChunkIdFromHash builds a plain-form ChunkId carrying no length.
func ChunkIdFromHash(hash []byte) ChunkId {
	return ChunkId{NewObjId(ObjTypeChunk, hash)}
}

// ParseChunkId parses a chunk identifier string and rejects non-chunk
// object types.
func ParseChunkId(s string) (ChunkId, error) {
	id, err := ParseObjId(s)
	if err != nil {
		return ChunkId{}, err
	}
	return ChunkIdFromObjId(id)
}

// ChunkIdFromObjId converts an ObjId to a ChunkId, rejecting non-chunk
// object types.
func ChunkIdFromObjId(id ObjId) (ChunkId, error) {
	if !id.IsChunk() {
		return ChunkId{}, fmt.Errorf("%w: expect chunk, got %q", ErrInvalidObjType, id.ObjType)
	}
	return ChunkId{id}, nil
}

// Length returns the chunk byte length encoded in a mix-form identifier.
// The second return is false for plain-form identifiers, whose length is
// only knowable from a store lookup.
func (c ChunkId) Length() (uint64, bool) {
	if c.ObjType != ObjTypeChunkMix {
		return 0, false
	}
	length, n := binary.Uvarint(c.Hash)
	if n <= 0 {
		return 0, false
	}
	return length, true
}

// HashBytes returns the content-hash portion of the identifier, with the
// mix-form length prefix stripped.
func (c ChunkId) HashBytes() []byte {
	if c.ObjType != ObjTypeChunkMix {
		return c.Hash
	}
	_, n := binary.Uvarint(c.Hash)
	if n <= 0 {
		return c.Hash
	}
	return c.Hash[n:]
}
