package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/ndn-sync/internal/ndn"
)

func testChunkId(t *testing.T, data string) ndn.ChunkId {
	t.Helper()
	id, err := ndn.CalcChunkId([]byte(data), ndn.HashMethodSha256)
	require.NoError(t, err)
	return id
}

func TestStorageItem_Names(t *testing.T) {
	dir := NewDirItem(ndn.DirObject{Name: "docs"})
	assert.Equal(t, "docs", dir.Name())

	file := NewFileItem(ndn.FileObject{Name: "a.bin", Size: 10}, 4096)
	assert.Equal(t, "a.bin", file.Name())

	chunk := NewChunkItem(7, 7*4096, testChunkId(t, "c"))
	assert.Equal(t, "00000000000000000007", chunk.Name())
}

func TestChunkName_OrdersLikeSeq(t *testing.T) {
	// Zero padding makes string order equal numeric order, which is
	// what lets one name-ordered listing serve chunks too.
	assert.Less(t, ChunkName(9), ChunkName(10))
	assert.Less(t, ChunkName(99), ChunkName(100))

	seq, err := ParseChunkName(ChunkName(42))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
}

func TestStorageItem_EncodeDecode(t *testing.T) {
	chunkID := testChunkId(t, "chunk bytes")
	item := NewChunkItem(3, 12288, chunkID)

	raw, err := item.Encode()
	require.NoError(t, err)

	decoded, err := DecodeStorageItem(raw)
	require.NoError(t, err)
	require.True(t, decoded.IsChunk())
	assert.Equal(t, uint64(3), decoded.Chunk.Seq)
	assert.Equal(t, uint64(12288), decoded.Chunk.Offset)
	assert.True(t, decoded.Chunk.ChunkId.Equal(chunkID.ObjId))
}

func TestStorageItem_EncodeDecodeFile(t *testing.T) {
	item := NewFileItem(ndn.FileObject{Name: "x.bin", Size: 5, Content: "cmix:me"}, 4096)

	raw, err := item.Encode()
	require.NoError(t, err)

	decoded, err := DecodeStorageItem(raw)
	require.NoError(t, err)
	fileItem, err := decoded.CheckFile()
	require.NoError(t, err)
	assert.Equal(t, "x.bin", fileItem.Obj.Name)
	assert.Equal(t, uint64(4096), fileItem.ChunkSize)
}

func TestStorageItem_CheckKind(t *testing.T) {
	dir := NewDirItem(ndn.DirObject{Name: "d"})

	_, err := dir.CheckFile()
	assert.ErrorIs(t, err, ndn.ErrInvalidObjType)
	_, err = dir.CheckChunk()
	assert.ErrorIs(t, err, ndn.ErrInvalidObjType)
	_, err = dir.CheckDir()
	assert.NoError(t, err)
}

func TestStorageItem_ValidParentKind(t *testing.T) {
	dir := NewDirItem(ndn.DirObject{Name: "d"})
	file := NewFileItem(ndn.FileObject{Name: "f"}, 0)
	chunk := NewChunkItem(0, 0, testChunkId(t, "c"))

	// Chunks belong to files; dirs and files belong to dirs.
	assert.True(t, chunk.ValidParentKind(ItemKindFile))
	assert.False(t, chunk.ValidParentKind(ItemKindDir))
	assert.True(t, dir.ValidParentKind(ItemKindDir))
	assert.False(t, dir.ValidParentKind(ItemKindFile))
	assert.True(t, file.ValidParentKind(ItemKindDir))
	assert.False(t, file.ValidParentKind(ItemKindChunk))
}

func TestDecodeStorageItem_Invalid(t *testing.T) {
	_, err := DecodeStorageItem(`{"kind":"dir"}`)
	assert.Error(t, err)

	_, err = DecodeStorageItem(`{"kind":"alien"}`)
	assert.Error(t, err)
}

func TestItemStatus_Transitions(t *testing.T) {
	scanning := ItemStatus{State: ItemStateScanning}
	hashing := ItemStatus{State: ItemStateHashing}
	transfer := ItemStatus{State: ItemStateTransfer}
	complete := ItemStatus{State: ItemStateComplete}

	assert.True(t, scanning.CanBeginHash())
	assert.True(t, hashing.CanBeginHash())
	assert.False(t, transfer.CanBeginHash())

	// Dirs and files enter Transfer from Hashing; chunks from Scanning.
	assert.True(t, hashing.CanBeginTransfer(ItemKindFile))
	assert.False(t, scanning.CanBeginTransfer(ItemKindFile))
	assert.True(t, scanning.CanBeginTransfer(ItemKindChunk))
	assert.False(t, hashing.CanBeginTransfer(ItemKindChunk))
	assert.True(t, transfer.CanBeginTransfer(ItemKindDir))

	assert.True(t, transfer.CanComplete())
	assert.True(t, complete.CanComplete())
	assert.False(t, hashing.CanComplete())
}
