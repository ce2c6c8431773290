// Package sqlite implements the item catalog on an embedded SQLite
// database. It is the default backend: one file, no server, safe to
// reopen after a crash.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/prn-tf/ndn-sync/internal/domain"
	"github.com/prn-tf/ndn-sync/internal/migration"
	"github.com/prn-tf/ndn-sync/internal/ndn"
	"github.com/prn-tf/ndn-sync/internal/repository"
)

// defaultPageLimit bounds paged queries when the caller passes 0.
const defaultPageLimit = 64

var migrations = []migration.Migration{
	{
		Version: 1,
		Name:    "create_items",
		SQL: `
			CREATE TABLE items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				kind TEXT NOT NULL,
				name TEXT NOT NULL,
				body TEXT NOT NULL,
				parent_id INTEGER REFERENCES items(id),
				parent_path TEXT NOT NULL,
				depth INTEGER NOT NULL,
				state TEXT NOT NULL,
				obj_id TEXT,
				chunk_id TEXT,
				created_at TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at TEXT NOT NULL DEFAULT (datetime('now'))
			);
			CREATE UNIQUE INDEX idx_items_parent_name ON items(parent_id, name);
			CREATE INDEX idx_items_kind_state ON items(kind, state);
			CREATE INDEX idx_items_depth_state ON items(depth, state);
			CREATE INDEX idx_items_chunk_id ON items(chunk_id);
		`,
	},
}

// ItemStore implements repository.ItemStore on SQLite. A single mutex
// serializes mutations; every read-modify-write runs in one transaction
// so concurrent scanner and transfer tasks never interleave on a record.
type ItemStore struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.Mutex
}

// Open opens (or creates) the catalog database at path and applies
// pending schema migrations.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*ItemStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// The sqlite driver serializes on a single connection anyway; a
	// bounded pool avoids SQLITE_BUSY churn under the two-task pipeline.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	log := logger.With().Str("component", "item_store").Str("driver", "sqlite").Logger()
	if err := migration.Apply(ctx, db, migrations, log); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("item store opened")
	return &ItemStore{db: db, logger: log}, nil
}

// Close closes the database.
func (s *ItemStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *ItemStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const itemColumns = `id, body, parent_id, parent_path, depth, state, obj_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItemRow(sc rowScanner) (*repository.ItemRow, error) {
	var (
		row      repository.ItemRow
		body     string
		parentID sql.NullInt64
		state    string
		objID    sql.NullString
	)
	if err := sc.Scan(&row.ID, &body, &parentID, &row.ParentPath, &row.Depth, &state, &objID); err != nil {
		return nil, err
	}

	item, err := domain.DecodeStorageItem(body)
	if err != nil {
		return nil, err
	}
	row.Item = item

	if parentID.Valid {
		id := parentID.Int64
		row.ParentID = &id
	}

	row.Status = domain.ItemStatus{State: domain.ItemState(state)}
	if objID.Valid {
		id, err := ndn.ParseObjId(objID.String)
		if err != nil {
			return nil, err
		}
		row.Status.ObjId = &id
	}
	return &row, nil
}

// CreateNewItem inserts an item under (parent, name) uniqueness; an
// existing sibling is returned unchanged, which is what makes a
// restarted scan idempotent.
func (s *ItemStore) CreateNewItem(ctx context.Context, item domain.StorageItem, depth uint64, parentPath string, parentID *int64) (*repository.ItemRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

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

	existing, err := findSiblingTx(ctx, tx, parentID, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		s.logger.Debug().Int64("item_id", existing.ID).Str("name", name).Msg("sibling already tracked")
		return existing, nil
	}

	body, err := item.Encode()
	if err != nil {
		return nil, err
	}
	var chunkID sql.NullString
	if item.IsChunk() {
		chunkID = sql.NullString{String: item.Chunk.ChunkId.String(), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO items (kind, name, body, parent_id, parent_path, depth, state, chunk_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(item.Kind), name, body, nullableID(parentID), parentPath, depth, string(domain.ItemStateScanning), chunkID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read inserted id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug().
		Int64("item_id", id).
		Str("kind", string(item.Kind)).
		Str("name", name).
		Uint64("depth", depth).
		Msg("item created")

	return &repository.ItemRow{
		ID:         id,
		Item:       item,
		ParentID:   parentID,
		ParentPath: parentPath,
		Depth:      depth,
		Status:     domain.ItemStatus{State: domain.ItemStateScanning},
	}, nil
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func findSiblingTx(ctx context.Context, tx *sql.Tx, parentID *int64, name string) (*repository.ItemRow, error) {
	var (
		query string
		args  []any
	)
	if parentID == nil {
		query = `SELECT ` + itemColumns + ` FROM items WHERE parent_id IS NULL AND name = ?`
		args = []any{name}
	} else {
		query = `SELECT ` + itemColumns + ` FROM items WHERE parent_id = ? AND name = ?`
		args = []any{*parentID, name}
	}

	row, err := scanItemRow(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up sibling: %w", err)
	}
	return row, nil
}

func getItemTx(ctx context.Context, tx *sql.Tx, id int64) (*repository.ItemRow, error) {
	row, err := scanItemRow(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return row, nil
}

// GetItem returns one item by id.
func (s *ItemStore) GetItem(ctx context.Context, id int64) (*repository.ItemRow, error) {
	row, err := scanItemRow(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return row, nil
}

// GetRoot returns the depth-0 item.
func (s *ItemStore) GetRoot(ctx context.Context) (*repository.ItemRow, error) {
	row, err := scanItemRow(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE depth = 0 ORDER BY id ASC LIMIT 1`))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrRootNotFound
		}
		return nil, fmt.Errorf("failed to get root item: %w", err)
	}
	return row, nil
}

// RemoveDir deletes an empty directory item.
func (s *ItemStore) RemoveDir(ctx context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := getItemTx(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if _, err := row.Item.CheckDir(); err != nil {
		return 0, err
	}

	var children int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE parent_id = ?`, id).Scan(&children); err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	if children > 0 {
		return 0, repository.ErrHasChildren
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete item: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n, nil
}

// RemoveChildren deletes the direct children of an item.
func (s *ItemStore) RemoveChildren(ctx context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE parent_id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete children: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// BeginHash moves a dir or file into Hashing.
func (s *ItemStore) BeginHash(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := getItemTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if row.Item.IsChunk() {
		return fmt.Errorf("%w: begin_hash on chunk item %d", ndn.ErrInvalidObjType, id)
	}
	if !row.Status.CanBeginHash() {
		return fmt.Errorf("%w: begin_hash from %q on item %d",
			domain.ErrInvalidTransition, row.Status.State, id)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET state = ?, updated_at = datetime('now') WHERE id = ?`,
		string(domain.ItemStateHashing), id); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// BeginTransfer moves an item into Transfer and records its object id.
func (s *ItemStore) BeginTransfer(ctx context.Context, id int64, objId ndn.ObjId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := getItemTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if !row.Status.CanBeginTransfer(row.Item.Kind) {
		return fmt.Errorf("%w: begin_transfer from %q on %s item %d",
			domain.ErrInvalidTransition, row.Status.State, row.Item.Kind, id)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET state = ?, obj_id = ?, updated_at = datetime('now') WHERE id = ?`,
		string(domain.ItemStateTransfer), objId.String(), id); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Complete moves an item from Transfer to Complete, keeping its object
// id. Idempotent on Complete.
func (s *ItemStore) Complete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := getItemTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if row.Status.IsComplete() {
		return tx.Commit()
	}
	if !row.Status.CanComplete() {
		return fmt.Errorf("%w: complete from %q on item %d",
			domain.ErrInvalidTransition, row.Status.State, id)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET state = ?, updated_at = datetime('now') WHERE id = ?`,
		string(domain.ItemStateComplete), id); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CompleteChildrenExclude marks children in Transfer whose object id is
// not excluded as Complete, returning their ids. The negotiation loop
// uses it to record what the remote already held.
func (s *ItemStore) CompleteChildrenExclude(ctx context.Context, parentID int64, exclude []ndn.ObjId) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id.String()] = struct{}{}
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, obj_id FROM items WHERE parent_id = ? AND state = ? ORDER BY id ASC`,
		parentID, string(domain.ItemStateTransfer))
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}

	var marked []int64
	for rows.Next() {
		var (
			id    int64
			objID sql.NullString
		)
		if err := rows.Scan(&id, &objID); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan child: %w", err)
		}
		if objID.Valid {
			if _, skip := excluded[objID.String]; skip {
				continue
			}
		}
		marked = append(marked, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to iterate children: %w", err)
	}
	_ = rows.Close()

	for _, id := range marked {
		if _, err := tx.ExecContext(ctx,
			`UPDATE items SET state = ?, updated_at = datetime('now') WHERE id = ?`,
			string(domain.ItemStateComplete), id); err != nil {
			return nil, fmt.Errorf("failed to complete child %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return marked, nil
}

func (s *ItemStore) selectOne(ctx context.Context, query string, args ...any) (*repository.ItemRow, error) {
	row, err := scanItemRow(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select item: %w", err)
	}
	return row, nil
}

func (s *ItemStore) selectPage(ctx context.Context, query string, args ...any) ([]repository.ItemRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
		`SELECT `+itemColumns+` FROM items WHERE kind = ? AND state IN (?, ?) ORDER BY id ASC LIMIT 1`,
		string(domain.ItemKindDir), string(domain.ItemStateNew), string(domain.ItemStateScanning))
}

// SelectFileHashingOrTransfer returns any file ready for chunk-list
// build or remote push.
func (s *ItemStore) SelectFileHashingOrTransfer(ctx context.Context) (*repository.ItemRow, error) {
	return s.selectOne(ctx,
		`SELECT `+itemColumns+` FROM items WHERE kind = ? AND state IN (?, ?) ORDER BY id ASC LIMIT 1`,
		string(domain.ItemKindFile), string(domain.ItemStateHashing), string(domain.ItemStateTransfer))
}

// SelectDirHashingWithChildrenReady returns a hashing dir whose subtree
// frontier is settled: every child file Complete, every child dir in
// Transfer or Complete.
func (s *ItemStore) SelectDirHashingWithChildrenReady(ctx context.Context) (*repository.ItemRow, error) {
	return s.selectOne(ctx, `
		SELECT `+itemColumns+` FROM items d
		WHERE d.kind = ? AND d.state = ?
		AND NOT EXISTS (
			SELECT 1 FROM items c WHERE c.parent_id = d.id AND (
				(c.kind = ? AND c.state != ?) OR
				(c.kind = ? AND c.state NOT IN (?, ?))
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
		`SELECT `+itemColumns+` FROM items WHERE kind = ? AND state = ? AND depth = ? ORDER BY id ASC LIMIT ? OFFSET ?`,
		string(domain.ItemKindDir), string(domain.ItemStateTransfer), depth, limit, offset)
}

// SelectItemTransfer pages items of any kind in Transfer.
func (s *ItemStore) SelectItemTransfer(ctx context.Context, offset, limit uint64) ([]repository.ItemRow, error) {
	if limit == 0 {
		limit = defaultPageLimit
	}
	return s.selectPage(ctx,
		`SELECT `+itemColumns+` FROM items WHERE state = ? ORDER BY id ASC LIMIT ? OFFSET ?`,
		string(domain.ItemStateTransfer), limit, offset)
}

// ListChildrenOrderByName pages direct children in name order; chunk
// names are zero-padded sequence numbers so the same order is sequence
// order.
func (s *ItemStore) ListChildrenOrderByName(ctx context.Context, id int64, offset, limit uint64) ([]repository.ItemRow, error) {
	if limit == 0 {
		limit = defaultPageLimit
	}
	return s.selectPage(ctx,
		`SELECT `+itemColumns+` FROM items WHERE parent_id = ? ORDER BY name ASC LIMIT ? OFFSET ?`,
		id, limit, offset)
}

// ListChunksByChunkId resolves chunk items by chunk id, preserving the
// input order.
func (s *ItemStore) ListChunksByChunkId(ctx context.Context, ids []ndn.ChunkId) ([]repository.ItemRow, error) {
	out := make([]repository.ItemRow, 0, len(ids))
	for _, chunkID := range ids {
		row, err := scanItemRow(s.db.QueryRowContext(ctx,
			`SELECT `+itemColumns+` FROM items WHERE chunk_id = ? ORDER BY id ASC LIMIT 1`,
			chunkID.String()))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
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
