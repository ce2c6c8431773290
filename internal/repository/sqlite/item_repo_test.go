package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/ndn-sync/internal/domain"
	"github.com/prn-tf/ndn-sync/internal/ndn"
	"github.com/prn-tf/ndn-sync/internal/repository"
)

func openStore(t *testing.T) *ItemStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "items.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func chunkId(t *testing.T, data string) ndn.ChunkId {
	t.Helper()
	id, err := ndn.CalcChunkId([]byte(data), ndn.HashMethodSha256)
	require.NoError(t, err)
	return id
}

func objId(t *testing.T, objType, seed string) ndn.ObjId {
	t.Helper()
	id, _, err := ndn.BuildNamedObject(objType, map[string]any{"seed": seed})
	require.NoError(t, err)
	return id
}

func createRootDir(t *testing.T, store *ItemStore, name string) *repository.ItemRow {
	t.Helper()
	row, err := store.CreateNewItem(context.Background(),
		domain.NewDirItem(ndn.DirObject{Name: name}), 0, "/src", nil)
	require.NoError(t, err)
	return row
}

func TestItemStore_CreateAndGetRoot(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	row := createRootDir(t, store, "root")
	assert.Equal(t, domain.ItemStateScanning, row.Status.State)
	assert.Equal(t, uint64(0), row.Depth)
	assert.Nil(t, row.ParentID)

	root, err := store.GetRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, row.ID, root.ID)
	assert.Equal(t, "/src", root.ParentPath)
	assert.Equal(t, "root", root.Item.Name())
}

func TestItemStore_GetRootEmpty(t *testing.T) {
	store := openStore(t)
	_, err := store.GetRoot(context.Background())
	assert.ErrorIs(t, err, repository.ErrRootNotFound)
}

func TestItemStore_CreateIdempotent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	root := createRootDir(t, store, "root")

	first, err := store.CreateNewItem(ctx,
		domain.NewFileItem(ndn.FileObject{Name: "a.bin", Size: 10}, 4), 1, "/src/root", &root.ID)
	require.NoError(t, err)

	// Advance the item, then re-insert: same id, current status, no
	// duplicate row.
	require.NoError(t, store.BeginHash(ctx, first.ID))

	again, err := store.CreateNewItem(ctx,
		domain.NewFileItem(ndn.FileObject{Name: "a.bin", Size: 10}, 4), 1, "/src/root", &root.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, domain.ItemStateHashing, again.Status.State)

	children, err := store.ListChildrenOrderByName(ctx, root.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestItemStore_CreateValidatesParent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	root := createRootDir(t, store, "root")
	file, err := store.CreateNewItem(ctx,
		domain.NewFileItem(ndn.FileObject{Name: "f", Size: 4}, 4), 1, "/src/root", &root.ID)
	require.NoError(t, err)

	// A dir cannot live under a file.
	_, err = store.CreateNewItem(ctx,
		domain.NewDirItem(ndn.DirObject{Name: "d"}), 2, "/src/root/f", &file.ID)
	assert.ErrorIs(t, err, ndn.ErrInvalidObjType)

	// Depth must be parent depth + 1.
	_, err = store.CreateNewItem(ctx,
		domain.NewDirItem(ndn.DirObject{Name: "d"}), 3, "/src/root", &root.ID)
	assert.ErrorIs(t, err, ndn.ErrInvalidData)

	// Parent path must match the parent's own path.
	_, err = store.CreateNewItem(ctx,
		domain.NewDirItem(ndn.DirObject{Name: "d"}), 1, "/elsewhere", &root.ID)
	assert.ErrorIs(t, err, ndn.ErrInvalidData)

	// Unknown parent id.
	missing := int64(999)
	_, err = store.CreateNewItem(ctx,
		domain.NewDirItem(ndn.DirObject{Name: "d"}), 1, "/src/root", &missing)
	assert.ErrorIs(t, err, repository.ErrParentNotFound)
}

func TestItemStore_ChunkLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	root := createRootDir(t, store, "root")
	file, err := store.CreateNewItem(ctx,
		domain.NewFileItem(ndn.FileObject{Name: "f", Size: 8}, 4), 1, "/src/root", &root.ID)
	require.NoError(t, err)

	cid := chunkId(t, "chunk0")
	chunk, err := store.CreateNewItem(ctx,
		domain.NewChunkItem(0, 0, cid), 2, "/src/root/f", &file.ID)
	require.NoError(t, err)

	// Chunks skip Hashing: Scanning → Transfer directly.
	require.NoError(t, store.BeginTransfer(ctx, chunk.ID, cid.ObjId))

	got, err := store.GetItem(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemStateTransfer, got.Status.State)
	stored, ok := got.Status.GetObjId()
	require.True(t, ok)
	assert.True(t, stored.Equal(cid.ObjId))

	// BeginHash is illegal on chunks.
	assert.ErrorIs(t, store.BeginHash(ctx, chunk.ID), ndn.ErrInvalidObjType)

	// Complete keeps the recorded obj id and is idempotent.
	require.NoError(t, store.Complete(ctx, chunk.ID))
	require.NoError(t, store.Complete(ctx, chunk.ID))
	got, err = store.GetItem(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemStateComplete, got.Status.State)
	stored, ok = got.Status.GetObjId()
	require.True(t, ok)
	assert.True(t, stored.Equal(cid.ObjId))
}

func TestItemStore_FileTransitionRules(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	root := createRootDir(t, store, "root")
	file, err := store.CreateNewItem(ctx,
		domain.NewFileItem(ndn.FileObject{Name: "f", Size: 8}, 4), 1, "/src/root", &root.ID)
	require.NoError(t, err)

	// Files may not enter Transfer from Scanning.
	err = store.BeginTransfer(ctx, file.ID, objId(t, ndn.ObjTypeFile, "f"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, store.BeginHash(ctx, file.ID))
	// BeginHash is re-entrant for resume.
	require.NoError(t, store.BeginHash(ctx, file.ID))

	require.NoError(t, store.BeginTransfer(ctx, file.ID, objId(t, ndn.ObjTypeFile, "f")))

	// Transfer cannot step back to Hashing.
	assert.ErrorIs(t, store.BeginHash(ctx, file.ID), domain.ErrInvalidTransition)
}

func TestItemStore_SelectDirScanOrNew(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	row, err := store.SelectDirScanOrNew(ctx)
	require.NoError(t, err)
	assert.Nil(t, row)

	root := createRootDir(t, store, "root")

	row, err = store.SelectDirScanOrNew(ctx)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, root.ID, row.ID)

	require.NoError(t, store.BeginHash(ctx, root.ID))
	row, err = store.SelectDirScanOrNew(ctx)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestItemStore_SelectFileHashingOrTransfer(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	root := createRootDir(t, store, "root")
	file, err := store.CreateNewItem(ctx,
		domain.NewFileItem(ndn.FileObject{Name: "f", Size: 0}, 4), 1, "/src/root", &root.ID)
	require.NoError(t, err)

	// Scanning files are not selectable yet.
	row, err := store.SelectFileHashingOrTransfer(ctx)
	require.NoError(t, err)
	assert.Nil(t, row)

	require.NoError(t, store.BeginHash(ctx, file.ID))
	row, err = store.SelectFileHashingOrTransfer(ctx)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, file.ID, row.ID)

	require.NoError(t, store.BeginTransfer(ctx, file.ID, objId(t, ndn.ObjTypeFile, "f")))
	row, err = store.SelectFileHashingOrTransfer(ctx)
	require.NoError(t, err)
	require.NotNil(t, row)

	require.NoError(t, store.Complete(ctx, file.ID))
	row, err = store.SelectFileHashingOrTransfer(ctx)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestItemStore_SelectDirHashingWithChildrenReady(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	root := createRootDir(t, store, "root")
	sub, err := store.CreateNewItem(ctx,
		domain.NewDirItem(ndn.DirObject{Name: "sub"}), 1, "/src/root", &root.ID)
	require.NoError(t, err)
	file, err := store.CreateNewItem(ctx,
		domain.NewFileItem(ndn.FileObject{Name: "f", Size: 0}, 4), 1, "/src/root", &root.ID)
	require.NoError(t, err)

	require.NoError(t, store.BeginHash(ctx, root.ID))

	// Children not settled: sub is Scanning, f is Scanning.
	row, err := store.SelectDirHashingWithChildrenReady(ctx)
	require.NoError(t, err)
	assert.Nil(t, row)

	// Empty sub dir settles once it reaches Transfer.
	require.NoError(t, store.BeginHash(ctx, sub.ID))
	require.NoError(t, store.BeginTransfer(ctx, sub.ID, objId(t, ndn.ObjTypeDir, "sub")))

	// sub is now Transfer, but the file child is still Scanning, so
	// root stays blocked.
	row, err = store.SelectDirHashingWithChildrenReady(ctx)
	require.NoError(t, err)
	assert.Nil(t, row)

	require.NoError(t, store.BeginHash(ctx, file.ID))
	require.NoError(t, store.BeginTransfer(ctx, file.ID, objId(t, ndn.ObjTypeFile, "f")))
	require.NoError(t, store.Complete(ctx, file.ID))

	row, err = store.SelectDirHashingWithChildrenReady(ctx)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, root.ID, row.ID)
}

func TestItemStore_SelectDirTransferByDepth(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	root := createRootDir(t, store, "root")
	sub, err := store.CreateNewItem(ctx,
		domain.NewDirItem(ndn.DirObject{Name: "sub"}), 1, "/src/root", &root.ID)
	require.NoError(t, err)

	for _, row := range []*repository.ItemRow{root, sub} {
		require.NoError(t, store.BeginHash(ctx, row.ID))
		require.NoError(t, store.BeginTransfer(ctx, row.ID, objId(t, ndn.ObjTypeDir, row.Item.Name())))
	}

	depth0, err := store.SelectDirTransfer(ctx, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, depth0, 1)
	assert.Equal(t, root.ID, depth0[0].ID)

	depth1, err := store.SelectDirTransfer(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, depth1, 1)
	assert.Equal(t, sub.ID, depth1[0].ID)

	depth2, err := store.SelectDirTransfer(ctx, 2, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, depth2)
}

func TestItemStore_ListChildrenOrderByName(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	root := createRootDir(t, store, "root")
	for _, name := range []string{"zeta", "alpha", "mike"} {
		_, err := store.CreateNewItem(ctx,
			domain.NewDirItem(ndn.DirObject{Name: name}), 1, "/src/root", &root.ID)
		require.NoError(t, err)
	}

	children, err := store.ListChildrenOrderByName(ctx, root.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, "alpha", children[0].Item.Name())
	assert.Equal(t, "mike", children[1].Item.Name())
	assert.Equal(t, "zeta", children[2].Item.Name())

	// Paging.
	page, err := store.ListChildrenOrderByName(ctx, root.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "mike", page[0].Item.Name())
}

func TestItemStore_ChunkChildrenOrderBySeq(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	root := createRootDir(t, store, "root")
	file, err := store.CreateNewItem(ctx,
		domain.NewFileItem(ndn.FileObject{Name: "f", Size: 48}, 4), 1, "/src/root", &root.ID)
	require.NoError(t, err)

	// Insert out of order; listing must come back in sequence order
	// even past the 9→10 digit boundary.
	for _, seq := range []uint64{11, 2, 0, 10, 1, 9} {
		_, err := store.CreateNewItem(ctx,
			domain.NewChunkItem(seq, seq*4, chunkId(t, fmt.Sprintf("c%d", seq))), 2, "/src/root/f", &file.ID)
		require.NoError(t, err)
	}

	children, err := store.ListChildrenOrderByName(ctx, file.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, children, 6)

	want := []uint64{0, 1, 2, 9, 10, 11}
	for i, child := range children {
		chunk, err := child.Item.CheckChunk()
		require.NoError(t, err)
		assert.Equal(t, want[i], chunk.Seq)
	}
}

func TestItemStore_ListChunksByChunkId(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	root := createRootDir(t, store, "root")
	file, err := store.CreateNewItem(ctx,
		domain.NewFileItem(ndn.FileObject{Name: "f", Size: 12}, 4), 1, "/src/root", &root.ID)
	require.NoError(t, err)

	ids := make([]ndn.ChunkId, 3)
	for i := uint64(0); i < 3; i++ {
		ids[i] = chunkId(t, fmt.Sprintf("chunk-%d", i))
		_, err := store.CreateNewItem(ctx,
			domain.NewChunkItem(i, i*4, ids[i]), 2, "/src/root/f", &file.ID)
		require.NoError(t, err)
	}

	// Input order is preserved regardless of insertion order.
	rows, err := store.ListChunksByChunkId(ctx, []ndn.ChunkId{ids[2], ids[0]})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	c0, err := rows[0].Item.CheckChunk()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c0.Seq)
	c1, err := rows[1].Item.CheckChunk()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c1.Seq)

	_, err = store.ListChunksByChunkId(ctx, []ndn.ChunkId{chunkId(t, "unknown")})
	assert.ErrorIs(t, err, repository.ErrItemNotFound)
}

func TestItemStore_CompleteChildrenExclude(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	root := createRootDir(t, store, "root")

	var dirs []*repository.ItemRow
	var objIds []ndn.ObjId
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("d%d", i)
		row, err := store.CreateNewItem(ctx,
			domain.NewDirItem(ndn.DirObject{Name: name}), 1, "/src/root", &root.ID)
		require.NoError(t, err)
		id := objId(t, ndn.ObjTypeDir, name)
		require.NoError(t, store.BeginHash(ctx, row.ID))
		require.NoError(t, store.BeginTransfer(ctx, row.ID, id))
		dirs = append(dirs, row)
		objIds = append(objIds, id)
	}

	// Exclude the middle one: the other two get marked complete.
	marked, err := store.CompleteChildrenExclude(ctx, root.ID, []ndn.ObjId{objIds[1]})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{dirs[0].ID, dirs[2].ID}, marked)

	mid, err := store.GetItem(ctx, dirs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemStateTransfer, mid.Status.State)

	done, err := store.GetItem(ctx, dirs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemStateComplete, done.Status.State)

	// A second call with no exclusions finishes the rest and reports
	// only newly marked ids.
	marked, err = store.CompleteChildrenExclude(ctx, root.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{dirs[1].ID}, marked)
}

func TestItemStore_RemoveDirAndChildren(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	root := createRootDir(t, store, "root")
	sub, err := store.CreateNewItem(ctx,
		domain.NewDirItem(ndn.DirObject{Name: "sub"}), 1, "/src/root", &root.ID)
	require.NoError(t, err)

	// Non-empty dirs refuse removal.
	_, err = store.RemoveDir(ctx, root.ID)
	assert.ErrorIs(t, err, repository.ErrHasChildren)

	n, err := store.RemoveChildren(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetItem(ctx, sub.ID)
	assert.ErrorIs(t, err, repository.ErrItemNotFound)

	n, err = store.RemoveDir(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestItemStore_SelectItemTransfer(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	root := createRootDir(t, store, "root")
	require.NoError(t, store.BeginHash(ctx, root.ID))
	require.NoError(t, store.BeginTransfer(ctx, root.ID, objId(t, ndn.ObjTypeDir, "root")))

	rows, err := store.SelectItemTransfer(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, root.ID, rows[0].ID)

	require.NoError(t, store.Complete(ctx, root.ID))
	rows, err = store.SelectItemTransfer(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
