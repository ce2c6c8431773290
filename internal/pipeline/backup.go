package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/ndn-sync/internal/domain"
	"github.com/prn-tf/ndn-sync/internal/fsio"
	"github.com/prn-tf/ndn-sync/internal/metrics"
	"github.com/prn-tf/ndn-sync/internal/ndn"
	"github.com/prn-tf/ndn-sync/internal/remote"
	"github.com/prn-tf/ndn-sync/internal/repository"
)

// Pagination defaults: item pages of 64, missing-chunk pages of 16.
const (
	defaultItemPage  = 64
	defaultChunkPage = 16
)

// BackupOptions configures one backup run.
type BackupOptions struct {
	// SeedPath is the subtree to back up; empty resumes from the item
	// store.
	SeedPath string

	// Reader is the source filesystem.
	Reader fsio.FilesystemReader

	// Writer is the remote push surface.
	Writer remote.NdnWriter

	// Store is the persistent item catalog.
	Store repository.ItemStore

	// LocalMgr stages built container and named objects before push.
	LocalMgr *remote.Manager

	// ChunkSize is the fixed chunk size; must be > 0.
	ChunkSize uint64

	// HashMethod selects the chunk hash; empty means SHA-256.
	HashMethod ndn.HashMethod

	// ItemPageSize and ChunkPageSize override the pagination defaults.
	ItemPageSize  uint64
	ChunkPageSize uint64

	// RunLock, when set, guards the item store against a second
	// concurrent pipeline run.
	RunLock repository.RunLock

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Run-lock parameters shared by both pipelines.
const (
	runLockKey = "pipeline"
	runLockTTL = 10 * time.Minute
)

type backupRun struct {
	BackupOptions
	signal *Signal
}

// Backup converts a filesystem subtree into NDN objects on the remote,
// returning the root item id. The root's object id is retrievable via
// the store's GetRoot once the run completes. A run with an empty
// SeedPath resumes whatever state the store holds.
func Backup(ctx context.Context, opts BackupOptions) (int64, error) {
	if opts.ChunkSize == 0 {
		return 0, fmt.Errorf("%w: chunk size must be > 0", ndn.ErrInvalidData)
	}
	if opts.ItemPageSize == 0 {
		opts.ItemPageSize = defaultItemPage
	}
	if opts.ChunkPageSize == 0 {
		opts.ChunkPageSize = defaultChunkPage
	}
	opts.Logger = opts.Logger.With().Str("pipeline", "backup").Logger()

	if opts.RunLock != nil {
		token, err := opts.RunLock.Acquire(ctx, runLockKey, runLockTTL)
		if err != nil {
			return 0, err
		}
		defer func() { _ = opts.RunLock.Release(ctx, runLockKey, token) }()
	}

	run := &backupRun{BackupOptions: opts, signal: NewSignal()}

	start := time.Now()
	err := run.execute(ctx)
	if opts.Metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		opts.Metrics.PipelineRunsTotal.WithLabelValues("backup", status).Inc()
		opts.Metrics.PipelineDuration.WithLabelValues("backup").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return 0, err
	}

	root, err := opts.Store.GetRoot(ctx)
	if err != nil {
		return 0, err
	}
	return root.ID, nil
}

func (b *backupRun) execute(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scanErr := make(chan error, 1)
	go func() {
		err := b.scan(ctx)
		b.signal.Finish()
		scanErr <- err
		if err != nil {
			cancel()
		}
	}()

	transferErr := b.transfer(ctx)
	if transferErr != nil {
		cancel()
	}
	scanResult := <-scanErr

	// A task cancelled because its peer failed is not the root cause.
	if scanResult != nil && !errors.Is(scanResult, context.Canceled) {
		return fmt.Errorf("scanner failed: %w", scanResult)
	}
	if transferErr != nil {
		return fmt.Errorf("transfer failed: %w", transferErr)
	}
	if scanResult != nil {
		return fmt.Errorf("scanner failed: %w", scanResult)
	}
	return nil
}

// ----------------------------------------------------------------------
// Scanner task
// ----------------------------------------------------------------------

func (b *backupRun) scan(ctx context.Context) error {
	logger := b.Logger.With().Str("task", "scanner").Logger()

	if b.SeedPath != "" {
		item, err := b.Reader.Info(ctx, b.SeedPath)
		if err != nil {
			return err
		}
		if err := b.insertItem(ctx, item, filepath.Dir(b.SeedPath), 0, nil); err != nil {
			return err
		}
		b.signal.Notify()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		row, err := b.Store.SelectDirScanOrNew(ctx)
		if err != nil {
			return err
		}
		if row == nil {
			logger.Info().Msg("scan finished")
			return nil
		}

		dirObj, err := row.Item.CheckDir()
		if err != nil {
			return err
		}
		dirPath := filepath.Join(row.ParentPath, dirObj.Name)
		logger.Debug().Int64("item_id", row.ID).Str("path", dirPath).Msg("scanning dir")

		dirReader, err := b.Reader.OpenDir(ctx, dirPath)
		if err != nil {
			return err
		}
		for {
			entries, err := dirReader.Next(ctx, int(b.ItemPageSize))
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if err := b.insertItem(ctx, entry, dirPath, row.Depth+1, &row.ID); err != nil {
					return err
				}
			}
			if uint64(len(entries)) < b.ItemPageSize {
				break
			}
		}

		if err := b.Store.BeginHash(ctx, row.ID); err != nil {
			return err
		}
		b.signal.Notify()
	}
}

func (b *backupRun) insertItem(ctx context.Context, item fsio.FileSystemItem, parentPath string, depth uint64, parentID *int64) error {
	if item.IsDir() {
		_, err := b.Store.CreateNewItem(ctx, domain.NewDirItem(*item.Dir), depth, parentPath, parentID)
		if err != nil {
			return err
		}
		if b.Metrics != nil {
			b.Metrics.ItemsScannedTotal.WithLabelValues("dir").Inc()
		}
		b.signal.Notify()
		return nil
	}

	fileRow, err := b.Store.CreateNewItem(ctx, domain.NewFileItem(*item.File, b.ChunkSize), depth, parentPath, parentID)
	if err != nil {
		return err
	}
	if b.Metrics != nil {
		b.Metrics.ItemsScannedTotal.WithLabelValues("file").Inc()
	}
	if !fileRow.Status.IsScanning() {
		// Resume: chunking already finished in a previous run.
		b.signal.Notify()
		return nil
	}

	fileItem, err := fileRow.Item.CheckFile()
	if err != nil {
		return err
	}
	chunkSize := fileItem.ChunkSize
	if chunkSize == 0 {
		chunkSize = b.ChunkSize
	}

	filePath := filepath.Join(parentPath, item.File.Name)
	fileReader, err := b.Reader.OpenFile(ctx, filePath)
	if err != nil {
		return err
	}
	defer fileReader.Close()

	size := item.File.Size
	count := (size + chunkSize - 1) / chunkSize
	for i := uint64(0); i < count; i++ {
		offset := i * chunkSize
		data, err := fileReader.ReadChunk(ctx, offset, chunkSize)
		if err != nil {
			return err
		}

		chunkID, err := ndn.CalcChunkId(data, b.HashMethod)
		if err != nil {
			return err
		}
		chunkRow, err := b.Store.CreateNewItem(ctx,
			domain.NewChunkItem(i, offset, chunkID), depth+1, filePath, &fileRow.ID)
		if err != nil {
			return err
		}
		if err := b.Store.BeginTransfer(ctx, chunkRow.ID, chunkID.ObjId); err != nil {
			return err
		}

		if b.Metrics != nil {
			b.Metrics.ChunksHashedTotal.Inc()
			b.Metrics.BytesHashedTotal.Add(float64(len(data)))
		}
	}

	if err := b.Store.BeginHash(ctx, fileRow.ID); err != nil {
		return err
	}
	b.signal.Notify()
	return nil
}

// ----------------------------------------------------------------------
// Transfer task
// ----------------------------------------------------------------------

func (b *backupRun) transfer(ctx context.Context) error {
	logger := b.Logger.With().Str("task", "transfer").Logger()

	finalDrain := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		progressed := false

		// Phase 1: files ready for chunk-list build and push.
		for {
			row, err := b.Store.SelectFileHashingOrTransfer(ctx)
			if err != nil {
				return err
			}
			if row == nil {
				break
			}
			if err := b.transferFile(ctx, row); err != nil {
				return err
			}
			progressed = true
		}

		// Phase 2: dirs whose subtree frontier is settled collapse into
		// their trie-map. Directory identity depends on child identity,
		// so this runs strictly bottom-up.
		for {
			row, err := b.Store.SelectDirHashingWithChildrenReady(ctx)
			if err != nil {
				return err
			}
			if row == nil {
				break
			}
			if err := b.hashDir(ctx, row); err != nil {
				return err
			}
			progressed = true
		}

		if progressed {
			finalDrain = false
			continue
		}
		if b.signal.Finished() {
			if finalDrain {
				break
			}
			finalDrain = true
			continue
		}
		if err := b.signal.Wait(ctx); err != nil {
			return err
		}
	}

	// Phase 3: push dirs deepest-first. The negotiation needs the
	// dir-map built to tell the remote which children it should hold,
	// and deeper objects must land before their parents reference them.
	maxDepth := uint64(0)
	for {
		rows, err := b.Store.SelectDirTransfer(ctx, maxDepth, 0, 1)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}
		maxDepth++
	}
	for depth := int64(maxDepth) - 1; depth >= 0; depth-- {
		if err := b.pushDirsAtDepth(ctx, uint64(depth)); err != nil {
			return err
		}
	}

	logger.Info().Msg("transfer finished")
	return nil
}

func (b *backupRun) transferFile(ctx context.Context, row *repository.ItemRow) error {
	fileItem, err := row.Item.CheckFile()
	if err != nil {
		return err
	}

	var (
		fileObjID   ndn.ObjId
		fileObjStr  string
		chunkListID ndn.ObjId
	)

	if row.Status.IsHashing() {
		fileObjID, fileObjStr, chunkListID, err = b.buildFileObjects(ctx, row, fileItem)
		if err != nil {
			return err
		}
		if err := b.Store.BeginTransfer(ctx, row.ID, fileObjID); err != nil {
			return err
		}
	} else {
		// Interrupted mid-transfer: the built objects are staged, pick
		// them back up from the local manager.
		id, ok := row.Status.GetObjId()
		if !ok {
			return fmt.Errorf("%w: file item %d in transfer without obj id", ndn.ErrInvalidData, row.ID)
		}
		fileObjID = id

		raw, err := b.LocalMgr.GetObject(ctx, fileObjID)
		if err != nil {
			return err
		}
		obj, err := ndn.DecodeFileObject(raw)
		if err != nil {
			return err
		}
		fileObjStr = string(raw)
		chunkListID, err = ndn.ParseObjId(obj.Content)
		if err != nil {
			return err
		}
	}

	if err := b.pushFile(ctx, row, fileItem, fileObjID, fileObjStr, chunkListID); err != nil {
		return err
	}
	return b.Store.Complete(ctx, row.ID)
}

// buildFileObjects walks the file's chunk children in sequence order,
// builds and stages the chunk-list and the file object, and returns
// their identifiers.
func (b *backupRun) buildFileObjects(ctx context.Context, row *repository.ItemRow, fileItem *domain.FileStorageItem) (ndn.ObjId, string, ndn.ObjId, error) {
	var zero ndn.ObjId

	chunkSize := fileItem.ChunkSize
	if chunkSize == 0 {
		chunkSize = b.ChunkSize
	}
	size := fileItem.Obj.Size

	builder := ndn.NewChunkListBuilder(b.HashMethod).
		WithTotalSize(size).
		WithFixedSize(chunkSize)

	seq := uint64(0)
	for {
		children, err := b.Store.ListChildrenOrderByName(ctx, row.ID, seq, b.ItemPageSize)
		if err != nil {
			return zero, "", zero, err
		}
		for _, child := range children {
			chunk, err := child.Item.CheckChunk()
			if err != nil {
				return zero, "", zero, err
			}
			if !child.Status.IsTransfer() {
				return zero, "", zero, fmt.Errorf("%w: chunk %d of item %d in state %q",
					ndn.ErrInvalidData, chunk.Seq, row.ID, child.Status.State)
			}
			if chunk.Seq != seq || chunk.Offset != seq*chunkSize {
				return zero, "", zero, fmt.Errorf("%w: chunk seq %d offset %d, expected seq %d offset %d",
					ndn.ErrInvalidData, chunk.Seq, chunk.Offset, seq, seq*chunkSize)
			}
			wantLen := chunkSize
			if remaining := size - chunk.Offset; remaining < wantLen {
				wantLen = remaining
			}
			if length, ok := chunk.ChunkId.Length(); ok && length != wantLen {
				return zero, "", zero, fmt.Errorf("%w: chunk %d length %d, expected %d",
					ndn.ErrInvalidData, chunk.Seq, length, wantLen)
			}
			if err := builder.Append(chunk.ChunkId); err != nil {
				return zero, "", zero, err
			}
			seq++
		}
		if uint64(len(children)) < b.ItemPageSize {
			break
		}
	}

	wantChunks := (size + chunkSize - 1) / chunkSize
	if seq != wantChunks {
		return zero, "", zero, fmt.Errorf("%w: file item %d has %d chunks, expected %d",
			ndn.ErrInvalidData, row.ID, seq, wantChunks)
	}

	list, err := builder.Build()
	if err != nil {
		return zero, "", zero, err
	}
	chunkListID, listStr, err := list.CalcObjId()
	if err != nil {
		return zero, "", zero, err
	}
	if err := b.LocalMgr.PutObject(ctx, chunkListID, listStr); err != nil {
		return zero, "", zero, err
	}

	fileItem.Obj.Content = chunkListID.String()
	fileObjID, fileObjStr, err := fileItem.Obj.GenObjId()
	if err != nil {
		return zero, "", zero, err
	}
	if err := b.LocalMgr.PutObject(ctx, fileObjID, fileObjStr); err != nil {
		return zero, "", zero, err
	}

	if b.Metrics != nil {
		b.Metrics.StagedObjectsTotal.Add(2)
	}
	return fileObjID, fileObjStr, chunkListID, nil
}

// pushFile runs the push negotiation for one file: object, then
// chunk-list, then whatever chunks the remote is missing, then both
// confirmations.
func (b *backupRun) pushFile(ctx context.Context, row *repository.ItemRow, fileItem *domain.FileStorageItem, fileObjID ndn.ObjId, fileObjStr string, chunkListID ndn.ObjId) error {
	missing, err := b.Writer.PushObject(ctx, fileObjID, fileObjStr)
	if err != nil {
		return err
	}
	b.observePush(ndn.ObjTypeFile, missing)
	if len(missing) == 0 {
		return nil
	}
	if len(missing) != 1 || !missing[0].Equal(chunkListID) {
		return fmt.Errorf("%w: remote missing %v for file %s, expected chunk list %s",
			ndn.ErrInvalidData, missing, fileObjID, chunkListID)
	}

	lostChunks, err := b.Writer.PushContainer(ctx, chunkListID)
	if err != nil {
		return err
	}
	b.observePush(chunkListID.ObjType, lostChunks)

	if len(lostChunks) > 0 {
		filePath := filepath.Join(row.ParentPath, fileItem.Obj.Name)
		fileReader, err := b.Reader.OpenFile(ctx, filePath)
		if err != nil {
			return err
		}
		defer fileReader.Close()

		chunkSize := fileItem.ChunkSize
		if chunkSize == 0 {
			chunkSize = b.ChunkSize
		}

		for start := 0; start < len(lostChunks); start += int(b.ChunkPageSize) {
			end := start + int(b.ChunkPageSize)
			if end > len(lostChunks) {
				end = len(lostChunks)
			}

			page := make([]ndn.ChunkId, 0, end-start)
			for _, id := range lostChunks[start:end] {
				chunkID, err := ndn.ChunkIdFromObjId(id)
				if err != nil {
					return err
				}
				page = append(page, chunkID)
			}

			chunkRows, err := b.Store.ListChunksByChunkId(ctx, page)
			if err != nil {
				return err
			}
			for _, chunkRow := range chunkRows {
				chunk, err := chunkRow.Item.CheckChunk()
				if err != nil {
					return err
				}
				readLen := chunkSize
				if length, ok := chunk.ChunkId.Length(); ok {
					readLen = length
				}
				data, err := fileReader.ReadChunk(ctx, chunk.Offset, readLen)
				if err != nil {
					return err
				}
				if err := b.Writer.PushChunk(ctx, chunk.ChunkId, data); err != nil {
					return err
				}
				if b.Metrics != nil {
					b.Metrics.ChunksPushedTotal.Inc()
					b.Metrics.BytesPushedTotal.Add(float64(len(data)))
				}
			}
		}
	}

	// Both pushes must confirm empty now; anything else violates the
	// negotiation contract.
	stillLost, err := b.Writer.PushContainer(ctx, chunkListID)
	if err != nil {
		return err
	}
	if len(stillLost) > 0 {
		return fmt.Errorf("%w: chunk list %s still missing %d chunks after push",
			ndn.ErrInvalidData, chunkListID, len(stillLost))
	}
	confirm, err := b.Writer.PushObject(ctx, fileObjID, fileObjStr)
	if err != nil {
		return err
	}
	if len(confirm) > 0 {
		return fmt.Errorf("%w: file object %s still missing children after push",
			ndn.ErrInvalidData, fileObjID)
	}
	return nil
}

// hashDir collapses a settled directory into its trie-map and stages
// both the map and the dir object.
func (b *backupRun) hashDir(ctx context.Context, row *repository.ItemRow) error {
	dirObj, err := row.Item.CheckDir()
	if err != nil {
		return err
	}

	builder := ndn.NewTrieObjectMapBuilder()
	offset := uint64(0)
	for {
		children, err := b.Store.ListChildrenOrderByName(ctx, row.ID, offset, b.ItemPageSize)
		if err != nil {
			return err
		}
		for _, child := range children {
			var childObjID ndn.ObjId
			switch child.Item.Kind {
			case domain.ItemKindDir:
				if !child.Status.IsTransfer() && !child.Status.IsComplete() {
					return fmt.Errorf("%w: child dir %d in state %q",
						ndn.ErrInvalidData, child.ID, child.Status.State)
				}
			case domain.ItemKindFile:
				if !child.Status.IsComplete() {
					return fmt.Errorf("%w: child file %d in state %q",
						ndn.ErrInvalidData, child.ID, child.Status.State)
				}
			default:
				return fmt.Errorf("%w: chunk %d under dir %d", ndn.ErrInvalidObjType, child.ID, row.ID)
			}
			id, ok := child.Status.GetObjId()
			if !ok {
				return fmt.Errorf("%w: child %d has no obj id", ndn.ErrInvalidData, child.ID)
			}
			childObjID = id
			if err := builder.PutObject(child.Item.Name(), childObjID); err != nil {
				return err
			}
			offset++
		}
		if uint64(len(children)) < b.ItemPageSize {
			break
		}
	}

	trieMap, err := builder.Build()
	if err != nil {
		return err
	}
	mapID, mapStr, err := trieMap.CalcObjId()
	if err != nil {
		return err
	}
	if err := b.LocalMgr.PutObject(ctx, mapID, mapStr); err != nil {
		return err
	}

	dirObj.Content = mapID.String()
	dirObjID, dirObjStr, err := dirObj.GenObjId()
	if err != nil {
		return err
	}
	if err := b.LocalMgr.PutObject(ctx, dirObjID, dirObjStr); err != nil {
		return err
	}

	if b.Metrics != nil {
		b.Metrics.StagedObjectsTotal.Add(2)
	}

	b.Logger.Debug().
		Int64("item_id", row.ID).
		Str("dir", dirObj.Name).
		Str("obj_id", dirObjID.String()).
		Msg("dir hashed")

	return b.Store.BeginTransfer(ctx, row.ID, dirObjID)
}

// pushDirsAtDepth pushes every dir in Transfer at one depth through the
// negotiation loop.
func (b *backupRun) pushDirsAtDepth(ctx context.Context, depth uint64) error {
	for {
		rows, err := b.Store.SelectDirTransfer(ctx, depth, 0, b.ItemPageSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for i := range rows {
			if err := b.pushDir(ctx, &rows[i]); err != nil {
				return err
			}
		}
	}
}

func (b *backupRun) pushDir(ctx context.Context, row *repository.ItemRow) error {
	dirObjID, ok := row.Status.GetObjId()
	if !ok {
		return fmt.Errorf("%w: dir item %d in transfer without obj id", ndn.ErrInvalidData, row.ID)
	}

	raw, err := b.LocalMgr.GetObject(ctx, dirObjID)
	if err != nil {
		return err
	}
	dirObjStr := string(raw)

	missing, err := b.Writer.PushObject(ctx, dirObjID, dirObjStr)
	if err != nil {
		return err
	}
	b.observePush(ndn.ObjTypeDir, missing)

	if len(missing) > 0 {
		dirObj, err := ndn.DecodeDirObject(raw)
		if err != nil {
			return err
		}
		mapID, err := ndn.ParseObjId(dirObj.Content)
		if err != nil {
			return err
		}
		if len(missing) != 1 || !missing[0].Equal(mapID) {
			return fmt.Errorf("%w: remote missing %v for dir %s, expected map %s",
				ndn.ErrInvalidData, missing, dirObjID, mapID)
		}

		stillMissing, err := b.Writer.PushContainer(ctx, mapID)
		if err != nil {
			return err
		}
		b.observePush(mapID.ObjType, stillMissing)

		// Children the remote already held never need a push of their
		// own; record them (and their subtrees) as complete.
		marked, err := b.Store.CompleteChildrenExclude(ctx, row.ID, stillMissing)
		if err != nil {
			return err
		}
		if err := b.completeSubtrees(ctx, marked); err != nil {
			return err
		}

		if len(stillMissing) > 0 {
			// Deeper levels were pushed before this one, so nothing the
			// map references may still be absent.
			return fmt.Errorf("%w: dir map %s still missing %d children after deeper push",
				ndn.ErrInvalidData, mapID, len(stillMissing))
		}

		confirm, err := b.Writer.PushObject(ctx, dirObjID, dirObjStr)
		if err != nil {
			return err
		}
		if len(confirm) > 0 {
			return fmt.Errorf("%w: dir object %s still missing children after push",
				ndn.ErrInvalidData, dirObjID)
		}
	}

	return b.Store.Complete(ctx, row.ID)
}

// completeSubtrees recursively marks the children of accepted items
// complete until no marks happen.
func (b *backupRun) completeSubtrees(ctx context.Context, ids []int64) error {
	queue := append([]int64(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		marked, err := b.Store.CompleteChildrenExclude(ctx, id, nil)
		if err != nil {
			return err
		}
		queue = append(queue, marked...)
	}
	return nil
}

func (b *backupRun) observePush(objType string, missing []ndn.ObjId) {
	if b.Metrics == nil {
		return
	}
	b.Metrics.ObjectsPushedTotal.WithLabelValues(objType).Inc()
	if len(missing) == 0 {
		b.Metrics.PushNegotiationsTotal.WithLabelValues("accepted").Inc()
	} else {
		b.Metrics.PushNegotiationsTotal.WithLabelValues("missing").Inc()
		b.Metrics.MissingChildrenReported.Add(float64(len(missing)))
	}
}
