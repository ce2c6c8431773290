// Package postgres implements the item catalog on PostgreSQL for
// deployments where the catalog must outlive a single host.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/prn-tf/ndn-sync/internal/domain"
	"github.com/prn-tf/ndn-sync/internal/ndn"
	"github.com/prn-tf/ndn-sync/internal/repository"
)

// defaultPageLimit bounds paged queries when the caller passes 0.
const defaultPageLimit = 64

// DB wraps a pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Connect opens a connection pool and verifies it.
func Connect(ctx context.Context, dsn string, logger zerolog.Logger) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info().Msg("connected to PostgreSQL")
	return &DB{Pool: pool}, nil
}

// Close closes the pool.
func (db *DB) Close() {
	db.Pool.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS items (
		id BIGSERIAL PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		body TEXT NOT NULL,
		parent_id BIGINT REFERENCES items(id),
		parent_path TEXT NOT NULL,
		depth BIGINT NOT NULL,
		state TEXT NOT NULL,
		obj_id TEXT,
		chunk_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_items_parent_name
		ON items (COALESCE(parent_id, 0), name);
	CREATE INDEX IF NOT EXISTS idx_items_kind_state ON items (kind, state);
	CREATE INDEX IF NOT EXISTS idx_items_depth_state ON items (depth, state);
	CREATE INDEX IF NOT EXISTS idx_items_chunk_id ON items (chunk_id);
`

// ItemStore implements repository.ItemStore on PostgreSQL. Atomicity
// per call comes from transactions; no process-local mutex is needed.
type ItemStore struct {
	db     *DB
	logger zerolog.Logger
}

// NewItemStore creates the catalog tables if needed and returns the
// store.
func NewItemStore(ctx context.Context, db *DB, logger zerolog.Logger) (*ItemStore, error) {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &ItemStore{
		db:     db,
		logger: logger.With().Str("component", "item_store").Str("driver", "postgres").Logger(),
	}, nil
}

// Close releases the pool.
func (s *ItemStore) Close() error {
	s.db.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *ItemStore) Ping(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}

const itemColumns = `id, body, parent_id, parent_path, depth, state, obj_id`

type pgScanner interface {
	Scan(dest ...any) error
}

func scanItemRow(sc pgScanner) (*repository.ItemRow, error) {
	var (
		row      repository.ItemRow
		body     string
		parentID *int64
		state    string
		objID    *string
	)
	if err := sc.Scan(&row.ID, &body, &parentID, &row.ParentPath, &row.Depth, &state, &objID); err != nil {
		return nil, err
	}

	item, err := domain.DecodeStorageItem(body)
	if err != nil {
		return nil, err
	}
	row.Item = item
	row.ParentID = parentID

	row.Status = domain.ItemStatus{State: domain.ItemState(state)}
	if objID != nil {
		id, err := ndn.ParseObjId(*objID)
		if err != nil {
			return nil, err
		}
		row.Status.ObjId = &id
	}
	return &row, nil
}

// CreateNewItem inserts an item under (parent, name) uniqueness,
// returning the existing sibling unchanged when present.
func (s *ItemStore) CreateNewItem(ctx context.Context, item domain.StorageItem, depth uint64, parentPath string, parentID *int64) (*repository.ItemRow, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if parentID != nil {
		parent, err := getItemTx(ctx, tx, *parentID)
		if err != nil {
			if errors.Is(err, repository.ErrItemNotFound) {
				return nil, repository.ErrParentNotFound
			}
			return nil, err
		}
		if !item.ValidParentKind(parent.Item.Kind) {
			return nil, fmt.Errorf("%w: %q under %q", ndn.ErrInvalidObjType, item.Kind, parent.Item.Kind)
		}
		if depth != parent.Depth+1 {
			return nil, fmt.Errorf("%w: depth %d under parent depth %d", ndn.ErrInvalidData, depth, parent.Depth)
		}
		wantPath := filepath.Join(parent.ParentPath, parent.Item.Name())
		if parentPath != wantPath {
			return nil, fmt.Errorf("%w: parent path %q, expected %q", ndn.ErrInvalidData, parentPath, wantPath)
		}
	} else if depth != 0 {
		return nil, fmt.Errorf("%w: root item must have depth 0, got %d", ndn.ErrInvalidData, depth)
	}

	name := item.Name()

	var existing *repository.ItemRow
	var query string
	var args []any
	if parentID == nil {
		query = `SELECT ` + itemColumns + ` FROM items WHERE parent_id IS NULL AND name = $1`
		args = []any{name}
	} else {
		query = `SELECT ` + itemColumns + ` FROM items WHERE parent_id = $1 AND name = $2`
		args = []any{*parentID, name}
	}
	existing, err = scanItemRow(tx.QueryRow(ctx, query, args...))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up sibling: %w", err)
	}

	body, err := item.Encode()
	if err != nil {
		return nil, err
	}
	var chunkID *string
	if item.IsChunk() {
		cid := item.Chunk.ChunkId.String()
		chunkID = &cid
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO items (kind, name, body, parent_id, parent_path, depth, state, chunk_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, string(item.Kind), name, body, parentID, parentPath, depth, string(domain.ItemStateScanning), chunkID).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to insert item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &repository.ItemRow{
		ID:         id,
		Item:       item,
		ParentID:   parentID,
		ParentPath: parentPath,
		Depth:      depth,
		Status:     domain.ItemStatus{State: domain.ItemStateScanning},
	}, nil
}

func getItemTx(ctx context.Context, tx pgx.Tx, id int64) (*repository.ItemRow, error) {
	row, err := scanItemRow(tx.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return row, nil
}

// GetItem returns one item by id.
func (s *ItemStore) GetItem(ctx context.Context, id int64) (*repository.ItemRow, error) {
	row, err := scanItemRow(s.db.Pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return row, nil
}

// GetRoot returns the depth-0 item.
func (s *ItemStore) GetRoot(ctx context.Context) (*repository.ItemRow, error) {
	row, err := scanItemRow(s.db.Pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM items WHERE depth = 0 ORDER BY id ASC LIMIT 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrRootNotFound
		}
		return nil, fmt.Errorf("failed to get root item: %w", err)
	}
	return row, nil
}

// RemoveDir deletes an empty directory item.
func (s *ItemStore) RemoveDir(ctx context.Context, id int64) (int64, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row, err := getItemTx(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if _, err := row.Item.CheckDir(); err != nil {
		return 0, err
	}

	var children int64
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM items WHERE parent_id = $1`, id).Scan(&children); err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	if children > 0 {
		return 0, repository.ErrHasChildren
	}

	tag, err := tx.Exec(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete item: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RemoveChildren deletes the direct children of an item.
func (s *ItemStore) RemoveChildren(ctx context.Context, id int64) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM items WHERE parent_id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete children: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *ItemStore) transition(ctx context.Context, id int64, check func(*repository.ItemRow) error, set string, args ...any) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row, err := getItemTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := check(row); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, set, args...); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// BeginHash moves a dir or file into Hashing.
func (s *ItemStore) BeginHash(ctx context.Context, id int64) error {
	return s.transition(ctx, id, func(row *repository.ItemRow) error {
		if row.Item.IsChunk() {
			return fmt.Errorf("%w: begin_hash on chunk item %d", ndn.ErrInvalidObjType, id)
		}
		if !row.Status.CanBeginHash() {
			return fmt.Errorf("%w: begin_hash from %q on item %d",
				domain.ErrInvalidTransition, row.Status.State, id)
		}
		return nil
	}, `UPDATE items SET state = $1, updated_at = now() WHERE id = $2`,
		string(domain.ItemStateHashing), id)
}

// BeginTransfer moves an item into Transfer and records its object id.
func (s *ItemStore) BeginTransfer(ctx context.Context, id int64, objId ndn.ObjId) error {
	return s.transition(ctx, id, func(row *repository.ItemRow) error {
		if !row.Status.CanBeginTransfer(row.Item.Kind) {
			return fmt.Errorf("%w: begin_transfer from %q on %s item %d",
				domain.ErrInvalidTransition, row.Status.State, row.Item.Kind, id)
		}
		return nil
	}, `UPDATE items SET state = $1, obj_id = $2, updated_at = now() WHERE id = $3`,
		string(domain.ItemStateTransfer), objId.String(), id)
}

// Complete moves an item from Transfer to Complete.
func (s *ItemStore) Complete(ctx context.Context, id int64) error {
	return s.transition(ctx, id, func(row *repository.ItemRow) error {
		if !row.Status.CanComplete() {
			return fmt.Errorf("%w: complete from %q on item %d",
				domain.ErrInvalidTransition, row.Status.State, id)
		}
		return nil
	}, `UPDATE items SET state = $1, updated_at = now() WHERE id = $2`,
		string(domain.ItemStateComplete), id)
}

// CompleteChildrenExclude marks children in Transfer whose object id is
// not excluded as Complete, returning their ids.
func (s *ItemStore) CompleteChildrenExclude(ctx context.Context, parentID int64, exclude []ndn.ObjId) ([]int64, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id.String()] = struct{}{}
	}

	rows, err := tx.Query(ctx,
		`SELECT id, obj_id FROM items WHERE parent_id = $1 AND state = $2 ORDER BY id ASC`,
		parentID, string(domain.ItemStateTransfer))
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}

	var marked []int64
	for rows.Next() {
		var (
			id    int64
			objID *string
		)
		if err := rows.Scan(&id, &objID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan child: %w", err)
		}
		if objID != nil {
			if _, skip := excluded[*objID]; skip {
				continue
			}
		}
		marked = append(marked, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate children: %w", err)
	}
	rows.Close()

	for _, id := range marked {
		if _, err := tx.Exec(ctx,
			`UPDATE items SET state = $1, updated_at = now() WHERE id = $2`,
			string(domain.ItemStateComplete), id); err != nil {
			return nil, fmt.Errorf("failed to complete child %d: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return marked, nil
}

func (s *ItemStore) selectOne(ctx context.Context, query string, args ...any) (*repository.ItemRow, error) {
	row, err := scanItemRow(s.db.Pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select item: %w", err)
	}
	return row, nil
}

func (s *ItemStore) selectPage(ctx context.Context, query string, args ...any) ([]repository.ItemRow, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var out []repository.ItemRow
	for rows.Next() {
		row, err := scanItemRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	return out, nil
}

// SelectDirScanOrNew returns any dir still being expanded.
func (s *ItemStore) SelectDirScanOrNew(ctx context.Context) (*repository.ItemRow, error) {
	return s.selectOne(ctx,
		`SELECT `+itemColumns+` FROM items WHERE kind = $1 AND state IN ($2, $3) ORDER BY id ASC LIMIT 1`,
		string(domain.ItemKindDir), string(domain.ItemStateNew), string(domain.ItemStateScanning))
}

// SelectFileHashingOrTransfer returns any file ready for chunk-list
// build or remote push.
func (s *ItemStore) SelectFileHashingOrTransfer(ctx context.Context) (*repository.ItemRow, error) {
	return s.selectOne(ctx,
		`SELECT `+itemColumns+` FROM items WHERE kind = $1 AND state IN ($2, $3) ORDER BY id ASC LIMIT 1`,
		string(domain.ItemKindFile), string(domain.ItemStateHashing), string(domain.ItemStateTransfer))
}

// SelectDirHashingWithChildrenReady returns a hashing dir whose subtree
// frontier is settled.
func (s *ItemStore) SelectDirHashingWithChildrenReady(ctx context.Context) (*repository.ItemRow, error) {
	return s.selectOne(ctx, `
		SELECT `+itemColumns+` FROM items d
		WHERE d.kind = $1 AND d.state = $2
		AND NOT EXISTS (
			SELECT 1 FROM items c WHERE c.parent_id = d.id AND (
				(c.kind = $3 AND c.state != $4) OR
				(c.kind = $5 AND c.state NOT IN ($6, $7))
			)
		)
		ORDER BY d.id ASC LIMIT 1`,
		string(domain.ItemKindDir), string(domain.ItemStateHashing),
		string(domain.ItemKindFile), string(domain.ItemStateComplete),
		string(domain.ItemKindDir), string(domain.ItemStateTransfer), string(domain.ItemStateComplete))
}

// SelectDirTransfer pages dirs in Transfer at one depth.
func (s *ItemStore) SelectDirTransfer(ctx context.Context, depth uint64, offset, limit uint64) ([]repository.ItemRow, error) {
	if limit == 0 {
		limit = defaultPageLimit
	}
	return s.selectPage(ctx,
		`SELECT `+itemColumns+` FROM items WHERE kind = $1 AND state = $2 AND depth = $3 ORDER BY id ASC LIMIT $4 OFFSET $5`,
		string(domain.ItemKindDir), string(domain.ItemStateTransfer), depth, limit, offset)
}

// SelectItemTransfer pages items of any kind in Transfer.
func (s *ItemStore) SelectItemTransfer(ctx context.Context, offset, limit uint64) ([]repository.ItemRow, error) {
	if limit == 0 {
		limit = defaultPageLimit
	}
	return s.selectPage(ctx,
		`SELECT `+itemColumns+` FROM items WHERE state = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`,
		string(domain.ItemStateTransfer), limit, offset)
}

// ListChildrenOrderByName pages direct children in name order.
func (s *ItemStore) ListChildrenOrderByName(ctx context.Context, id int64, offset, limit uint64) ([]repository.ItemRow, error) {
	if limit == 0 {
		limit = defaultPageLimit
	}
	return s.selectPage(ctx,
		`SELECT `+itemColumns+` FROM items WHERE parent_id = $1 ORDER BY name ASC LIMIT $2 OFFSET $3`,
		id, limit, offset)
}

// ListChunksByChunkId resolves chunk items by chunk id, preserving the
// input order.
func (s *ItemStore) ListChunksByChunkId(ctx context.Context, ids []ndn.ChunkId) ([]repository.ItemRow, error) {
	out := make([]repository.ItemRow, 0, len(ids))
	for _, chunkID := range ids {
		row, err := scanItemRow(s.db.Pool.QueryRow(ctx,
			`SELECT `+itemColumns+` FROM items WHERE chunk_id = $1 ORDER BY id ASC LIMIT 1`,
			chunkID.String()))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: chunk %s", repository.ErrItemNotFound, chunkID)
			}
			return nil, fmt.Errorf("failed to resolve chunk %s: %w", chunkID, err)
		}
		out = append(out, *row)
	}
	return out, nil
}

// Ensure ItemStore implements the repository interface.
var _ repository.ItemStore = (*ItemStore)(nil)
