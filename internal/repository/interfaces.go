// Package repository defines the persistence interfaces of the sync
// engine: the item catalog driving both pipelines, the object-header
// cache, and the run lock.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/prn-tf/ndn-sync/internal/domain"
	"github.com/prn-tf/ndn-sync/internal/ndn"
)

// Repository errors
var (
	// ErrItemNotFound indicates the requested item id does not exist.
	ErrItemNotFound = errors.New("item not found")

	// ErrParentNotFound indicates the referenced parent id does not exist.
	ErrParentNotFound = errors.New("parent item not found")

	// ErrHasChildren indicates RemoveDir was called on a non-empty dir.
	ErrHasChildren = errors.New("item has children")

	// ErrRootNotFound indicates the store holds no depth-0 item yet.
	ErrRootNotFound = errors.New("root item not found")

	// ErrCacheMiss indicates a cache key is absent.
	ErrCacheMiss = errors.New("cache miss")

	// ErrLockNotAcquired indicates the run lock is held by another party.
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// ItemRow is one catalog record as returned by queries.
type ItemRow struct {
	// ID is the locally unique, immutable item id.
	ID int64

	// Item is the stored Dir/File/Chunk payload.
	Item domain.StorageItem

	// ParentID is nil for the root item.
	ParentID *int64

	// ParentPath is the filesystem path of the containing directory.
	ParentPath string

	// Depth is 0 for the root and parent depth + 1 below it.
	Depth uint64

	// Status is the item's lifecycle status.
	Status domain.ItemStatus
}

// ItemStore is the persistent catalog both pipelines coordinate through.
// Every call is atomic with respect to concurrent callers; the scanner
// and transfer tasks share one store and nothing else but a wake-up
// signal.
type ItemStore interface {
	// CreateNewItem inserts an item under (parentID, name) uniqueness.
	// Re-inserting an existing sibling returns the existing row
	// unchanged. New items start in Scanning; chunk callers follow up
	// with BeginTransfer. Depth and parent path must agree with the
	// parent record, and the parent kind must admit the child kind.
	CreateNewItem(ctx context.Context, item domain.StorageItem, depth uint64, parentPath string, parentID *int64) (*ItemRow, error)

	// RemoveDir deletes an empty directory item, returning the number of
	// rows removed. Fails with ErrHasChildren otherwise.
	RemoveDir(ctx context.Context, id int64) (int64, error)

	// RemoveChildren detaches and deletes the direct children of an
	// item, returning the number removed.
	RemoveChildren(ctx context.Context, id int64) (int64, error)

	// BeginHash moves a dir or file from Scanning (or Hashing) to
	// Hashing.
	BeginHash(ctx context.Context, id int64) error

	// BeginTransfer moves an item to Transfer and records the object id
	// being transferred. Legal from Hashing or Transfer for dirs and
	// files, from Scanning or Transfer for chunks.
	BeginTransfer(ctx context.Context, id int64, objId ndn.ObjId) error

	// Complete moves an item from Transfer to Complete, preserving the
	// recorded object id. Idempotent on Complete.
	Complete(ctx context.Context, id int64) error

	// CompleteChildrenExclude marks every child in Transfer whose
	// transfer object id is not in exclude as Complete and returns their
	// ids. Children in Scanning or Hashing are left as they are.
	CompleteChildrenExclude(ctx context.Context, parentID int64, exclude []ndn.ObjId) ([]int64, error)

	// GetRoot returns the depth-0 item.
	GetRoot(ctx context.Context) (*ItemRow, error)

	// GetItem returns one item by id.
	GetItem(ctx context.Context, id int64) (*ItemRow, error)

	// SelectDirScanOrNew returns any dir in New or Scanning, or nil.
	SelectDirScanOrNew(ctx context.Context) (*ItemRow, error)

	// SelectFileHashingOrTransfer returns any file in Hashing or
	// Transfer, or nil.
	SelectFileHashingOrTransfer(ctx context.Context) (*ItemRow, error)

	// SelectDirHashingWithChildrenReady returns a dir in Hashing whose
	// every child is either a Complete file or a dir in Transfer or
	// Complete, or nil.
	SelectDirHashingWithChildrenReady(ctx context.Context) (*ItemRow, error)

	// SelectDirTransfer pages dirs in Transfer at one depth, ordered by
	// id.
	SelectDirTransfer(ctx context.Context, depth uint64, offset, limit uint64) ([]ItemRow, error)

	// SelectItemTransfer pages items of any kind in Transfer, ordered by
	// id.
	SelectItemTransfer(ctx context.Context, offset, limit uint64) ([]ItemRow, error)

	// ListChildrenOrderByName pages the direct children of an item in
	// name order (chunks order by sequence).
	ListChildrenOrderByName(ctx context.Context, id int64, offset, limit uint64) ([]ItemRow, error)

	// ListChunksByChunkId resolves chunk items by chunk id, preserving
	// input order.
	ListChunksByChunkId(ctx context.Context, ids []ndn.ChunkId) ([]ItemRow, error)

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases the store.
	Close() error
}

// Cache is a byte cache for immutable object headers keyed by object id
// string. Content-addressed values never change, so entries only ever
// expire, they are not invalidated.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// RunLock serializes pipeline runs over one item store. Acquire returns
// a token that must be presented to Release.
type RunLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}
