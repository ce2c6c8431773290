package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/ndn-sync/internal/domain"
	"github.com/prn-tf/ndn-sync/internal/fsio"
	"github.com/prn-tf/ndn-sync/internal/lock"
	"github.com/prn-tf/ndn-sync/internal/ndn"
	"github.com/prn-tf/ndn-sync/internal/remote"
	"github.com/prn-tf/ndn-sync/internal/repository"
	"github.com/prn-tf/ndn-sync/internal/repository/sqlite"
	"github.com/prn-tf/ndn-sync/internal/storage/filesystem"
)

// testEnv wires a source tree, an item store, a local staging manager
// and a "remote" manager, all on temp directories.
type testEnv struct {
	t       *testing.T
	base    string
	srcDir  string
	destDir string

	store  *sqlite.ItemStore
	local  *remote.Manager
	target *remote.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()

	env := &testEnv{
		t:       t,
		base:    base,
		srcDir:  filepath.Join(base, "src"),
		destDir: filepath.Join(base, "dest"),
	}
	require.NoError(t, os.MkdirAll(env.srcDir, 0755))
	require.NoError(t, os.MkdirAll(env.destDir, 0755))

	env.store = env.newItemStore("backup.db")
	env.local = env.newManager("local")
	env.target = env.newManager("remote")
	return env
}

func (e *testEnv) newItemStore(name string) *sqlite.ItemStore {
	store, err := sqlite.Open(context.Background(), filepath.Join(e.base, name), zerolog.Nop())
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = store.Close() })
	return store
}

func (e *testEnv) newManager(name string) *remote.Manager {
	backend, err := filesystem.NewStorage(filesystem.Config{
		DataDir: filepath.Join(e.base, name, "data"),
		TempDir: filepath.Join(e.base, name, "tmp"),
	}, zerolog.Nop())
	require.NoError(e.t, err)
	return remote.NewManager(name, backend, zerolog.Nop())
}

func (e *testEnv) backupOptions(store *sqlite.ItemStore, writer remote.NdnWriter, chunkSize uint64) BackupOptions {
	if writer == nil {
		writer = remote.NewWriter(e.local, e.target, zerolog.Nop())
	}
	return BackupOptions{
		SeedPath:  filepath.Join(e.srcDir, "root"),
		Reader:    fsio.NewLocalReader(),
		Writer:    writer,
		Store:     store,
		LocalMgr:  e.local,
		ChunkSize: chunkSize,
		Logger:    zerolog.Nop(),
	}
}

func (e *testEnv) runBackup(chunkSize uint64) ndn.ObjId {
	e.t.Helper()
	_, err := Backup(context.Background(), e.backupOptions(e.store, nil, chunkSize))
	require.NoError(e.t, err)
	return e.rootObjId(e.store)
}

func (e *testEnv) rootObjId(store *sqlite.ItemStore) ndn.ObjId {
	e.t.Helper()
	root, err := store.GetRoot(context.Background())
	require.NoError(e.t, err)
	require.True(e.t, root.Status.IsComplete(), "root item should be complete")
	id, ok := root.Status.GetObjId()
	require.True(e.t, ok)
	return id
}

func (e *testEnv) runRestore(rootID ndn.ObjId) {
	e.t.Helper()
	restoreStore := e.newItemStore(fmt.Sprintf("restore-%s.db", rootID.ObjType))
	_, err := Restore(context.Background(), RestoreOptions{
		Seed:   &RestoreSeed{DestPath: e.destDir, RootObjId: rootID},
		Writer: fsio.NewLocalWriter(),
		Reader: e.target,
		Store:  restoreStore,
		Logger: zerolog.Nop(),
	})
	require.NoError(e.t, err)
}

// writeTree lays out files under src/root. Keys ending in "/" are
// empty directories. Every entry gets the same fixed mtime: objects
// carry the mtime as create_time, so equal trees only hash alike when
// their mtimes match too.
func (e *testEnv) writeTree(tree map[string][]byte) {
	e.t.Helper()
	for rel, data := range tree {
		path := filepath.Join(e.srcDir, "root", rel)
		if rel[len(rel)-1] == '/' {
			require.NoError(e.t, os.MkdirAll(path, 0755))
			continue
		}
		require.NoError(e.t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(e.t, os.WriteFile(path, data, 0644))
	}
	mtime := time.Unix(1700000000, 0)
	require.NoError(e.t, filepath.Walk(filepath.Join(e.srcDir, "root"),
		func(path string, _ os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			return os.Chtimes(path, mtime, mtime)
		}))
}

// assertTreesEqual compares the source root with the restored root
// byte for byte.
func (e *testEnv) assertTreesEqual() {
	e.t.Helper()
	assertDirsEqual(e.t, filepath.Join(e.srcDir, "root"), filepath.Join(e.destDir, "root"))
}

func assertDirsEqual(t *testing.T, want, got string) {
	t.Helper()

	wantEntries, err := os.ReadDir(want)
	require.NoError(t, err)
	gotEntries, err := os.ReadDir(got)
	require.NoError(t, err, "restored dir %s missing", got)
	require.Len(t, gotEntries, len(wantEntries), "entry count differs in %s", got)

	for i, entry := range wantEntries {
		assert.Equal(t, entry.Name(), gotEntries[i].Name())
		wantPath := filepath.Join(want, entry.Name())
		gotPath := filepath.Join(got, entry.Name())
		if entry.IsDir() {
			assertDirsEqual(t, wantPath, gotPath)
			continue
		}
		wantData, err := os.ReadFile(wantPath)
		require.NoError(t, err)
		gotData, err := os.ReadFile(gotPath)
		require.NoError(t, err)
		assert.Equal(t, wantData, gotData, "file %s differs", gotPath)
	}
}

func randomBytes(t *testing.T, seed int64, n int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	_, err := rng.Read(data)
	require.NoError(t, err)
	return data
}

// countingWriter counts chunk pushes to observe negotiation traffic.
type countingWriter struct {
	remote.NdnWriter
	chunkPushes int
	chunkBytes  int
}

func (w *countingWriter) PushChunk(ctx context.Context, id ndn.ChunkId, data []byte) error {
	w.chunkPushes++
	w.chunkBytes += len(data)
	return w.NdnWriter.PushChunk(ctx, id, data)
}

// ----------------------------------------------------------------------
// Scenarios
// ----------------------------------------------------------------------

func TestBackupRestore_SingleSmallFile(t *testing.T) {
	env := newTestEnv(t)
	env.writeTree(map[string][]byte{"hello.txt": []byte("hi\n")})

	rootID := env.runBackup(4096)
	assert.Equal(t, ndn.ObjTypeDir, rootID.ObjType)

	ctx := context.Background()

	// One root dir, one file, one chunk with seq 0, offset 0, length 3.
	root, err := env.store.GetRoot(ctx)
	require.NoError(t, err)
	files, err := env.store.ListChildrenOrderByName(ctx, root.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, files, 1)
	fileItem, err := files[0].Item.CheckFile()
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", fileItem.Obj.Name)
	assert.True(t, files[0].Status.IsComplete())

	chunks, err := env.store.ListChildrenOrderByName(ctx, files[0].ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	chunk, err := chunks[0].Item.CheckChunk()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), chunk.Seq)
	assert.Equal(t, uint64(0), chunk.Offset)
	length, ok := chunk.ChunkId.Length()
	require.True(t, ok)
	assert.Equal(t, uint64(3), length)

	// The file's content is the chunk-list wrapping that single chunk.
	fileID, ok := files[0].Status.GetObjId()
	require.True(t, ok)
	rawFile, err := env.target.GetObject(ctx, fileID)
	require.NoError(t, err)
	fileObj, err := ndn.DecodeFileObject(rawFile)
	require.NoError(t, err)
	listID, err := ndn.ParseObjId(fileObj.Content)
	require.NoError(t, err)
	assert.True(t, listID.IsChunkList())

	rawList, err := env.target.GetContainer(ctx, listID)
	require.NoError(t, err)
	list, err := ndn.OpenChunkList(rawList)
	require.NoError(t, err)
	require.Equal(t, 1, list.Len())
	first, err := list.GetChunk(0)
	require.NoError(t, err)
	assert.True(t, first.Equal(chunk.ChunkId.ObjId))

	env.runRestore(rootID)
	env.assertTreesEqual()
}

func TestBackupRestore_ChunkBoundary(t *testing.T) {
	env := newTestEnv(t)
	content := randomBytes(t, 1, 8192)
	env.writeTree(map[string][]byte{"even.bin": content})

	rootID := env.runBackup(4096)

	ctx := context.Background()
	root, err := env.store.GetRoot(ctx)
	require.NoError(t, err)
	files, err := env.store.ListChildrenOrderByName(ctx, root.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, files, 1)

	chunks, err := env.store.ListChildrenOrderByName(ctx, files[0].ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for i, row := range chunks {
		chunk, err := row.Item.CheckChunk()
		require.NoError(t, err)
		assert.Equal(t, uint64(i), chunk.Seq)
		length, ok := chunk.ChunkId.Length()
		require.True(t, ok)
		assert.Equal(t, uint64(4096), length)
	}

	// The chunk list records both sizes.
	fileID, _ := files[0].Status.GetObjId()
	rawFile, err := env.target.GetObject(ctx, fileID)
	require.NoError(t, err)
	fileObj, err := ndn.DecodeFileObject(rawFile)
	require.NoError(t, err)
	listID, err := ndn.ParseObjId(fileObj.Content)
	require.NoError(t, err)
	rawList, err := env.target.GetContainer(ctx, listID)
	require.NoError(t, err)
	list, err := ndn.OpenChunkList(rawList)
	require.NoError(t, err)
	assert.Equal(t, uint64(8192), list.TotalSize)
	assert.Equal(t, uint64(4096), list.FixedSize)
	assert.Equal(t, 2, list.Len())

	env.runRestore(rootID)
	env.assertTreesEqual()
}

func TestBackupRestore_NestedDirs(t *testing.T) {
	env := newTestEnv(t)
	env.writeTree(map[string][]byte{
		"a/1.bin":   randomBytes(t, 2, 10*1024),
		"b/2.bin":   randomBytes(t, 3, 1024),
		"b/c/3.bin": {},
	})

	rootID := env.runBackup(4096)

	ctx := context.Background()

	// Root map has two entries: a and b.
	rawRoot, err := env.target.GetObject(ctx, rootID)
	require.NoError(t, err)
	rootObj, err := ndn.DecodeDirObject(rawRoot)
	require.NoError(t, err)
	rootMap := fetchTrie(t, env, rootObj.Content)
	require.Equal(t, 2, rootMap.Len())
	assert.Equal(t, "a", rootMap.Entries[0].Name)
	assert.Equal(t, "b", rootMap.Entries[1].Name)

	// b's map has 2.bin and c; c's map has 3.bin.
	bID, ok, err := rootMap.GetObject("b")
	require.NoError(t, err)
	require.True(t, ok)
	rawB, err := env.target.GetObject(ctx, bID)
	require.NoError(t, err)
	bObj, err := ndn.DecodeDirObject(rawB)
	require.NoError(t, err)
	bMap := fetchTrie(t, env, bObj.Content)
	require.Equal(t, 2, bMap.Len())
	assert.Equal(t, "2.bin", bMap.Entries[0].Name)
	assert.Equal(t, "c", bMap.Entries[1].Name)

	// The zero-byte file has an empty chunk list.
	cID, ok, err := bMap.GetObject("c")
	require.NoError(t, err)
	require.True(t, ok)
	rawC, err := env.target.GetObject(ctx, cID)
	require.NoError(t, err)
	cObj, err := ndn.DecodeDirObject(rawC)
	require.NoError(t, err)
	cMap := fetchTrie(t, env, cObj.Content)
	require.Equal(t, 1, cMap.Len())

	emptyID, ok, err := cMap.GetObject("3.bin")
	require.NoError(t, err)
	require.True(t, ok)
	rawEmpty, err := env.target.GetObject(ctx, emptyID)
	require.NoError(t, err)
	emptyObj, err := ndn.DecodeFileObject(rawEmpty)
	require.NoError(t, err)
	emptyListID, err := ndn.ParseObjId(emptyObj.Content)
	require.NoError(t, err)
	rawEmptyList, err := env.target.GetContainer(ctx, emptyListID)
	require.NoError(t, err)
	emptyList, err := ndn.OpenChunkList(rawEmptyList)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), emptyList.TotalSize)
	assert.Equal(t, 0, emptyList.Len())

	env.runRestore(rootID)
	env.assertTreesEqual()
}

func fetchTrie(t *testing.T, env *testEnv, content string) *ndn.TrieObjectMap {
	t.Helper()
	mapID, err := ndn.ParseObjId(content)
	require.NoError(t, err)
	raw, err := env.target.GetContainer(context.Background(), mapID)
	require.NoError(t, err)
	trieMap, err := ndn.OpenTrieObjectMap(raw)
	require.NoError(t, err)
	return trieMap
}

func TestBackup_DeterministicIdentity(t *testing.T) {
	tree := map[string][]byte{
		"a/1.bin": randomBytes(t, 4, 5000),
		"b/2.bin": randomBytes(t, 5, 300),
	}

	first := newTestEnv(t)
	first.writeTree(tree)
	second := newTestEnv(t)
	second.writeTree(tree)

	// Independent runs over the same bytes produce the same root id.
	assert.True(t, first.runBackup(4096).Equal(second.runBackup(4096)))
}

func TestBackup_ChunkSizeChangesIdentity(t *testing.T) {
	tree := map[string][]byte{"f.bin": randomBytes(t, 6, 5000)}

	a := newTestEnv(t)
	a.writeTree(tree)
	b := newTestEnv(t)
	b.writeTree(tree)

	assert.False(t, a.runBackup(4096).Equal(b.runBackup(1024)))
}

func TestBackup_IdempotentPush(t *testing.T) {
	env := newTestEnv(t)
	env.writeTree(map[string][]byte{
		"a/1.bin": randomBytes(t, 7, 9000),
		"b/2.bin": randomBytes(t, 8, 100),
	})

	firstID := env.runBackup(4096)

	// A second run against the same remote transfers no chunk bytes.
	counting := &countingWriter{NdnWriter: remote.NewWriter(env.local, env.target, zerolog.Nop())}
	secondStore := env.newItemStore("backup2.db")
	_, err := Backup(context.Background(), env.backupOptions(secondStore, counting, 4096))
	require.NoError(t, err)

	assert.Equal(t, 0, counting.chunkPushes)
	assert.Equal(t, 0, counting.chunkBytes)
	assert.True(t, firstID.Equal(env.rootObjId(secondStore)))
}

func TestBackup_RemoteAlreadyHasChunks(t *testing.T) {
	env := newTestEnv(t)
	tree := map[string][]byte{
		"a/1.bin": randomBytes(t, 9, 9000),
		"2.bin":   randomBytes(t, 10, 64),
	}
	env.writeTree(tree)

	// Pre-populate the remote with every chunk of the tree.
	ctx := context.Background()
	for _, data := range tree {
		for off := 0; off < len(data); off += 4096 {
			end := off + 4096
			if end > len(data) {
				end = len(data)
			}
			id, err := ndn.CalcChunkId(data[off:end], ndn.HashMethodSha256)
			require.NoError(t, err)
			require.NoError(t, env.target.PutChunk(ctx, id, data[off:end]))
		}
	}

	counting := &countingWriter{NdnWriter: remote.NewWriter(env.local, env.target, zerolog.Nop())}
	_, err := Backup(ctx, env.backupOptions(env.store, counting, 4096))
	require.NoError(t, err)

	// No chunk bytes moved, yet the run completed.
	assert.Equal(t, 0, counting.chunkBytes)
	env.rootObjId(env.store)
}

// failingWriter lets a configured number of container pushes through,
// then reports the remote as unavailable.
type failingWriter struct {
	remote.NdnWriter
	containerCalls int
	failFrom       int
}

var errRemoteDown = errors.New("remote unavailable")

func (w *failingWriter) PushContainer(ctx context.Context, id ndn.ObjId) ([]ndn.ObjId, error) {
	w.containerCalls++
	if w.containerCalls >= w.failFrom {
		return nil, errRemoteDown
	}
	return w.NdnWriter.PushContainer(ctx, id)
}

func TestBackup_ResumeAfterCrash(t *testing.T) {
	tree := map[string][]byte{
		"a/1.bin": randomBytes(t, 11, 9000),
		"b/2.bin": randomBytes(t, 12, 5000),
	}

	// Reference run for the expected identity.
	reference := newTestEnv(t)
	reference.writeTree(tree)
	wantID := reference.runBackup(4096)

	// Crashing run: the first push_object succeeds, the following
	// push_container fails, leaving items mid-Transfer.
	env := newTestEnv(t)
	env.writeTree(tree)
	failing := &failingWriter{
		NdnWriter: remote.NewWriter(env.local, env.target, zerolog.Nop()),
		failFrom:  1,
	}
	_, err := Backup(context.Background(), env.backupOptions(env.store, failing, 4096))
	require.ErrorIs(t, err, errRemoteDown)

	// Resume with the same store and no seed path.
	opts := env.backupOptions(env.store, nil, 4096)
	opts.SeedPath = ""
	_, err = Backup(context.Background(), opts)
	require.NoError(t, err)

	assert.True(t, wantID.Equal(env.rootObjId(env.store)))

	env.runRestore(wantID)
	env.assertTreesEqual()
}

// flakyReader fails chunk fetches after a set number of calls,
// simulating a restore interrupted mid-file.
type flakyReader struct {
	remote.NdnReader
	chunkCalls int
	failFrom   int
}

func (r *flakyReader) GetChunk(ctx context.Context, id ndn.ChunkId) ([]byte, error) {
	r.chunkCalls++
	if r.chunkCalls >= r.failFrom {
		return nil, errRemoteDown
	}
	return r.NdnReader.GetChunk(ctx, id)
}

func TestRestore_ResumeAfterInterrupt(t *testing.T) {
	env := newTestEnv(t)
	env.writeTree(map[string][]byte{"big.bin": randomBytes(t, 13, 3*4096)})
	rootID := env.runBackup(4096)

	restoreStore := env.newItemStore("restore.db")
	seed := &RestoreSeed{DestPath: env.destDir, RootObjId: rootID}

	// First attempt dies after writing one chunk.
	flaky := &flakyReader{NdnReader: env.target, failFrom: 2}
	_, err := Restore(context.Background(), RestoreOptions{
		Seed:   seed,
		Writer: fsio.NewLocalWriter(),
		Reader: flaky,
		Store:  restoreStore,
		Logger: zerolog.Nop(),
	})
	require.ErrorIs(t, err, errRemoteDown)

	// Resume with the same store and no seed.
	_, err = Restore(context.Background(), RestoreOptions{
		Writer: fsio.NewLocalWriter(),
		Reader: env.target,
		Store:  restoreStore,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	env.assertTreesEqual()
}

func TestRestore_TamperedChunk(t *testing.T) {
	env := newTestEnv(t)
	intact := randomBytes(t, 14, 2000)
	victim := randomBytes(t, 15, 2000)
	env.writeTree(map[string][]byte{
		"a_intact.bin": intact,
		"z_victim.bin": victim,
	})
	rootID := env.runBackup(4096)

	// Swap the victim chunk's bytes for unrelated bytes of the same
	// length, directly in the remote's backing store.
	victimID, err := ndn.CalcChunkId(victim, ndn.HashMethodSha256)
	require.NoError(t, err)
	corruptChunkOnDisk(t, filepath.Join(env.base, "remote", "data"), victimID, randomBytes(t, 16, 2000))

	restoreStore := env.newItemStore("restore.db")
	_, err = Restore(context.Background(), RestoreOptions{
		Seed:   &RestoreSeed{DestPath: env.destDir, RootObjId: rootID},
		Writer: fsio.NewLocalWriter(),
		Reader: env.target,
		Store:  restoreStore,
		Logger: zerolog.Nop(),
	})
	require.ErrorIs(t, err, ndn.ErrVerifyFailed)

	// The intact file restored normally.
	got, err := os.ReadFile(filepath.Join(env.destDir, "root", "a_intact.bin"))
	require.NoError(t, err)
	assert.Equal(t, intact, got)

	// The victim's item did not advance to Complete.
	ctx := context.Background()
	rows, err := restoreStore.SelectItemTransfer(ctx, 0, 0)
	require.NoError(t, err)
	found := false
	for _, row := range rows {
		if row.Item.Kind == domain.ItemKindFile && row.Item.Name() == "z_victim.bin" {
			found = true
		}
	}
	assert.True(t, found, "tampered file should remain in transfer")
}

// corruptChunkOnDisk rewrites a chunk's backing file, mirroring the
// staging store's sharded layout.
func corruptChunkOnDisk(t *testing.T, dataDir string, id ndn.ChunkId, data []byte) {
	t.Helper()
	name := ""
	for _, c := range id.String() {
		if c == ':' {
			name += "_"
		} else {
			name += string(c)
		}
	}
	hexHash := fmt.Sprintf("%x", id.Hash)
	path := filepath.Join(dataDir, "chunks", hexHash[0:2], hexHash[2:4], name)
	_, err := os.Stat(path)
	require.NoError(t, err, "chunk file not found at %s", path)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestBackup_SingleFileRoot(t *testing.T) {
	env := newTestEnv(t)
	content := randomBytes(t, 17, 6000)
	require.NoError(t, os.WriteFile(filepath.Join(env.srcDir, "root"), content, 0644))

	rootID := env.runBackup(4096)
	assert.Equal(t, ndn.ObjTypeFile, rootID.ObjType)

	env.runRestore(rootID)

	got, err := os.ReadFile(filepath.Join(env.destDir, "root"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestBackup_RunLockContention(t *testing.T) {
	env := newTestEnv(t)
	env.writeTree(map[string][]byte{"f.bin": []byte("locked")})

	locker := lock.NewMemoryLock()
	_, err := locker.Acquire(context.Background(), "pipeline", time.Minute)
	require.NoError(t, err)

	opts := env.backupOptions(env.store, nil, 4096)
	opts.RunLock = locker
	_, err = Backup(context.Background(), opts)
	assert.ErrorIs(t, err, repository.ErrLockNotAcquired)
}

func TestRestore_RejectsChunkRoot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	data := []byte("loose chunk")
	id, err := ndn.CalcChunkId(data, ndn.HashMethodSha256)
	require.NoError(t, err)
	require.NoError(t, env.target.PutChunk(ctx, id, data))

	restoreStore := env.newItemStore("restore.db")
	_, err = Restore(ctx, RestoreOptions{
		Seed:   &RestoreSeed{DestPath: env.destDir, RootObjId: id.ObjId},
		Writer: fsio.NewLocalWriter(),
		Reader: env.target,
		Store:  restoreStore,
		Logger: zerolog.Nop(),
	})
	assert.Error(t, err)
}
