// Package filesystem provides a filesystem-based content-addressed
// staging backend.
package filesystem

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/ndn-sync/internal/ndn"
	"github.com/prn-tf/ndn-sync/internal/storage"
)

// shardCount is the number of lock shards (one per first hash byte).
const shardCount = 256

// shardedLock provides fine-grained locking based on an entry's hash so
// concurrent operations on different entries never contend.
type shardedLock struct {
	locks [shardCount]sync.RWMutex
}

func (sl *shardedLock) shardIndex(hash []byte) int {
	if len(hash) == 0 {
		return 0
	}
	return int(hash[0])
}

func (sl *shardedLock) Lock(hash []byte)    { sl.locks[sl.shardIndex(hash)].Lock() }
func (sl *shardedLock) Unlock(hash []byte)  { sl.locks[sl.shardIndex(hash)].Unlock() }
func (sl *shardedLock) RLock(hash []byte)   { sl.locks[sl.shardIndex(hash)].RLock() }
func (sl *shardedLock) RUnlock(hash []byte) { sl.locks[sl.shardIndex(hash)].RUnlock() }

// Storage implements storage.Backend on the local filesystem. Objects
// and chunks live under 2-level sharded directories derived from their
// hash; writes go through a temp file and are renamed into place only
// after the content hash has been verified.
type Storage struct {
	dataDir    string
	tempDir    string
	hashMethod ndn.HashMethod
	logger     zerolog.Logger
	shards     shardedLock
}

// Config holds configuration for the filesystem staging backend.
type Config struct {
	DataDir    string
	TempDir    string
	HashMethod ndn.HashMethod
}

// NewStorage creates a new filesystem staging backend.
func NewStorage(cfg Config, logger zerolog.Logger) (*Storage, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for data dir: %w", err)
	}
	tempDir, err := filepath.Abs(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for temp dir: %w", err)
	}

	method := cfg.HashMethod
	if method == "" {
		method = ndn.HashMethodSha256
	}

	logger.Info().
		Str("data_dir", dataDir).
		Str("temp_dir", tempDir).
		Str("hash_method", string(method)).
		Msg("staging storage initialized")

	return &Storage{
		dataDir:    dataDir,
		tempDir:    tempDir,
		hashMethod: method,
		logger:     logger.With().Str("component", "staging").Logger(),
	}, nil
}

// entryPath shards an entry under kind/l1/l2/name using the hex of its
// hash bytes; the file name is the full id with ':' made path-safe.
func (s *Storage) entryPath(kind string, id ndn.ObjId) string {
	hexHash := hex.EncodeToString(id.Hash)
	name := strings.ReplaceAll(id.String(), ":", "_")
	if len(hexHash) < 4 {
		return filepath.Join(s.dataDir, kind, name)
	}
	return filepath.Join(s.dataDir, kind, hexHash[0:2], hexHash[2:4], name)
}

// PutObject stages object JSON after verifying it hashes to the id.
func (s *Storage) PutObject(ctx context.Context, id ndn.ObjId, body string) error {
	// RawMessage keeps number fidelity through re-canonicalization.
	if _, err := ndn.VerifyNamedObject(id, json.RawMessage(body)); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrHashMismatch, err)
	}

	s.shards.Lock(id.Hash)
	defer s.shards.Unlock(id.Hash)

	fullPath := s.entryPath("objects", id)
	if _, err := os.Stat(fullPath); err == nil {
		s.logger.Debug().Str("obj_id", id.String()).Msg("object already staged")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	tempPath := filepath.Join(s.tempDir, "obj-"+uuid.New().String())
	if err := os.WriteFile(tempPath, []byte(body), 0644); err != nil {
		return fmt.Errorf("failed to write temp object: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to publish object: %w", err)
	}

	s.logger.Debug().Str("obj_id", id.String()).Msg("object staged")
	return nil
}

// GetObject returns staged object JSON.
func (s *Storage) GetObject(ctx context.Context, id ndn.ObjId) (string, error) {
	s.shards.RLock(id.Hash)
	defer s.shards.RUnlock(id.Hash)

	raw, err := os.ReadFile(s.entryPath("objects", id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", storage.ErrObjectNotFound
		}
		return "", fmt.Errorf("failed to read object: %w", err)
	}
	return string(raw), nil
}

// HasObject reports whether the object is staged.
func (s *Storage) HasObject(ctx context.Context, id ndn.ObjId) (bool, error) {
	s.shards.RLock(id.Hash)
	defer s.shards.RUnlock(id.Hash)

	_, err := os.Stat(s.entryPath("objects", id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

// chunkWriter stages one chunk through a temp file, hashing as it goes.
type chunkWriter struct {
	store    *Storage
	id       ndn.ChunkId
	file     *os.File
	tempPath string
	hasher   *ndn.ChunkHasher
	written  uint64
	done     bool
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if n > 0 {
		_, _ = w.hasher.Write(p[:n])
		w.written += uint64(n)
	}
	if err != nil {
		return n, fmt.Errorf("failed to write chunk temp file: %w", err)
	}
	return n, nil
}

func (w *chunkWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.tempPath)
		return fmt.Errorf("failed to close chunk temp file: %w", err)
	}

	calc := ndn.ChunkIdFromMixHash(w.written, w.hasher.Sum())
	if !calc.Equal(w.id.ObjId) {
		_ = os.Remove(w.tempPath)
		return fmt.Errorf("%w: chunk %s, got %s", storage.ErrHashMismatch, w.id, calc)
	}

	w.store.shards.Lock(w.id.Hash)
	defer w.store.shards.Unlock(w.id.Hash)

	fullPath := w.store.entryPath("chunks", w.id.ObjId)
	if _, err := os.Stat(fullPath); err == nil {
		// Another writer finished first; the content is identical.
		_ = os.Remove(w.tempPath)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		_ = os.Remove(w.tempPath)
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	if err := os.Rename(w.tempPath, fullPath); err != nil {
		_ = os.Remove(w.tempPath)
		return fmt.Errorf("failed to publish chunk: %w", err)
	}

	w.store.logger.Debug().
		Str("chunk_id", w.id.String()).
		Uint64("size", w.written).
		Msg("chunk staged")
	return nil
}

func (w *chunkWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.file.Close()
	return os.Remove(w.tempPath)
}

// OpenChunkWriter starts staging a chunk.
func (s *Storage) OpenChunkWriter(ctx context.Context, id ndn.ChunkId) (storage.ChunkWriter, error) {
	exists, err := s.HasChunk(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, storage.ErrAlreadyExists
	}

	file, err := os.CreateTemp(s.tempDir, "chunk-"+uuid.New().String()+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk temp file: %w", err)
	}

	hasher, err := ndn.NewChunkHasher(s.hashMethod)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return nil, err
	}

	return &chunkWriter{
		store:    s,
		id:       id,
		file:     file,
		tempPath: file.Name(),
		hasher:   hasher,
	}, nil
}

// OpenChunkReader streams a staged chunk.
func (s *Storage) OpenChunkReader(ctx context.Context, id ndn.ChunkId) (io.ReadCloser, uint64, error) {
	s.shards.RLock(id.Hash)
	defer s.shards.RUnlock(id.Hash)

	fullPath := s.entryPath("chunks", id.ObjId)
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, storage.ErrChunkNotFound
		}
		return nil, 0, fmt.Errorf("failed to open chunk: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, fmt.Errorf("failed to stat chunk: %w", err)
	}
	return file, uint64(info.Size()), nil
}

// HasChunk reports whether the chunk is staged.
func (s *Storage) HasChunk(ctx context.Context, id ndn.ChunkId) (bool, error) {
	s.shards.RLock(id.Hash)
	defer s.shards.RUnlock(id.Hash)

	_, err := os.Stat(s.entryPath("chunks", id.ObjId))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat chunk: %w", err)
	}
	return true, nil
}

// HealthCheck verifies both directories are writable.
func (s *Storage) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(s.dataDir); err != nil {
		return fmt.Errorf("data directory not accessible: %w", err)
	}
	testPath := filepath.Join(s.tempDir, ".health-check")
	if err := os.WriteFile(testPath, []byte("ok"), 0644); err != nil {
		return fmt.Errorf("failed to write test file: %w", err)
	}
	if err := os.Remove(testPath); err != nil {
		return fmt.Errorf("failed to remove test file: %w", err)
	}
	return nil
}

// Ensure Storage implements storage.Backend.
var _ storage.Backend = (*Storage)(nil)
