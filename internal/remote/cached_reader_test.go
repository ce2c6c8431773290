package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/ndn-sync/internal/cache/memory"
	"github.com/prn-tf/ndn-sync/internal/ndn"
)

// countingReader observes how often fetches reach the inner reader.
type countingReader struct {
	NdnReader
	objectGets int
	chunkGets  int
}

func (r *countingReader) GetObject(ctx context.Context, id ndn.ObjId) ([]byte, error) {
	r.objectGets++
	return r.NdnReader.GetObject(ctx, id)
}

func (r *countingReader) GetChunk(ctx context.Context, id ndn.ChunkId) ([]byte, error) {
	r.chunkGets++
	return r.NdnReader.GetChunk(ctx, id)
}

func TestCachedReader_ObjectReadThrough(t *testing.T) {
	mgr := newManager(t, "m")
	ctx := context.Background()

	fileID, fileStr, _, _ := stageFile(t, mgr, "f.bin", []byte("cached content"))

	c := memory.NewCache()
	defer c.Stop()
	counting := &countingReader{NdnReader: mgr}
	reader := NewCachedReader(counting, c, time.Minute)

	first, err := reader.GetObject(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, fileStr, string(first))

	// The second read is served from the cache.
	second, err := reader.GetObject(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, counting.objectGets)
}

func TestCachedReader_ChunksBypassCache(t *testing.T) {
	mgr := newManager(t, "m")
	ctx := context.Background()

	data := []byte("chunk payload")
	chunkID, err := ndn.CalcChunkId(data, ndn.HashMethodSha256)
	require.NoError(t, err)
	require.NoError(t, mgr.PutChunk(ctx, chunkID, data))

	c := memory.NewCache()
	defer c.Stop()
	counting := &countingReader{NdnReader: mgr}
	reader := NewCachedReader(counting, c, time.Minute)

	for i := 0; i < 2; i++ {
		got, err := reader.GetChunk(ctx, chunkID)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
	assert.Equal(t, 2, counting.chunkGets)
}

func TestCachedReader_MissPropagatesNotFound(t *testing.T) {
	mgr := newManager(t, "m")

	c := memory.NewCache()
	defer c.Stop()
	reader := NewCachedReader(mgr, c, time.Minute)

	id, _, err := ndn.BuildNamedObject(ndn.ObjTypeFile, map[string]any{"name": "absent"})
	require.NoError(t, err)

	_, err = reader.GetObject(context.Background(), id)
	assert.ErrorIs(t, err, ndn.ErrNotFound)
}
