package pipeline

import (
	"context"
	"encoding/json"
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

// RestoreSeed names what to materialize where. A nil seed resumes from
// the item store.
type RestoreSeed struct {
	DestPath  string
	RootObjId ndn.ObjId
}

// RestoreOptions configures one restore run.
type RestoreOptions struct {
	// Seed is the destination and root to restore; nil resumes.
	Seed *RestoreSeed

	// Writer is the destination filesystem.
	Writer fsio.FilesystemWriter

	// Reader is the remote pull surface.
	Reader remote.NdnReader

	// Store is the persistent item catalog.
	Store repository.ItemStore

	// ItemPageSize overrides the pagination default.
	ItemPageSize uint64

	// RunLock, when set, guards the item store against a second
	// concurrent pipeline run.
	RunLock repository.RunLock

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type restoreRun struct {
	RestoreOptions
}

// Restore walks an object graph from its root, fetches missing pieces,
// verifies every byte against its declared identifier, and materializes
// files and directories. It returns the root item id.
func Restore(ctx context.Context, opts RestoreOptions) (int64, error) {
	if opts.ItemPageSize == 0 {
		opts.ItemPageSize = defaultItemPage
	}
	opts.Logger = opts.Logger.With().Str("pipeline", "restore").Logger()

	if opts.RunLock != nil {
		token, err := opts.RunLock.Acquire(ctx, runLockKey, runLockTTL)
		if err != nil {
			return 0, err
		}
		defer func() { _ = opts.RunLock.Release(ctx, runLockKey, token) }()
	}

	run := &restoreRun{RestoreOptions: opts}

	start := time.Now()
	err := run.execute(ctx)
	if opts.Metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		opts.Metrics.PipelineRunsTotal.WithLabelValues("restore", status).Inc()
		opts.Metrics.PipelineDuration.WithLabelValues("restore").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return 0, err
	}

	root, err := opts.Store.GetRoot(ctx)
	if err != nil {
		return 0, err
	}
	if root.Depth != 0 {
		return 0, fmt.Errorf("%w: root item at depth %d", ndn.ErrInvalidData, root.Depth)
	}
	if opts.Seed != nil && root.ParentPath != opts.Seed.DestPath {
		return 0, fmt.Errorf("%w: root parent path %q does not match destination %q",
			ndn.ErrInvalidData, root.ParentPath, opts.Seed.DestPath)
	}
	return root.ID, nil
}

func (r *restoreRun) execute(ctx context.Context) error {
	if r.Seed != nil {
		if err := r.Writer.CreateDirAll(ctx, r.Seed.DestPath); err != nil {
			return err
		}
		if err := r.createItemFromObject(ctx, r.Seed.DestPath, r.Seed.RootObjId, nil, 0); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := r.Store.SelectItemTransfer(ctx, 0, r.ItemPageSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			r.Logger.Info().Msg("no more items to transfer")
			return nil
		}

		for i := range rows {
			row := &rows[i]
			if !row.Status.IsTransfer() {
				return fmt.Errorf("%w: item %d selected in state %q",
					ndn.ErrInvalidData, row.ID, row.Status.State)
			}
			if err := r.transferItem(ctx, row); err != nil {
				return err
			}
		}
	}
}

// fetchObject pulls a named object and verifies its JSON hashes back to
// the declared identifier.
func (r *restoreRun) fetchObject(ctx context.Context, id ndn.ObjId) ([]byte, error) {
	raw, err := r.Reader.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := ndn.VerifyNamedObject(id, json.RawMessage(raw)); err != nil {
		if r.Metrics != nil {
			r.Metrics.VerifyFailuresTotal.Inc()
		}
		return nil, err
	}
	return raw, nil
}

// createItemFromObject fetches an object header, records the matching
// item, and moves it straight to Transfer. Only dir and file objects
// are legal here.
func (r *restoreRun) createItemFromObject(ctx context.Context, parentPath string, objID ndn.ObjId, parentID *int64, depth uint64) error {
	raw, err := r.fetchObject(ctx, objID)
	if err != nil {
		return err
	}

	var item domain.StorageItem
	switch objID.ObjType {
	case ndn.ObjTypeDir:
		obj, err := ndn.DecodeDirObject(raw)
		if err != nil {
			return err
		}
		r.Logger.Debug().Str("dir", obj.Name).Str("obj_id", objID.String()).Msg("create dir item")
		item = domain.NewDirItem(*obj)
	case ndn.ObjTypeFile:
		obj, err := ndn.DecodeFileObject(raw)
		if err != nil {
			return err
		}
		r.Logger.Debug().Str("file", obj.Name).Str("obj_id", objID.String()).Msg("create file item")
		item = domain.NewFileItem(*obj, 0)
	default:
		return fmt.Errorf("%w: expect dir or file object, got %q (%s)",
			ndn.ErrInvalidObjType, objID.ObjType, objID)
	}

	row, err := r.Store.CreateNewItem(ctx, item, depth, parentPath, parentID)
	if err != nil {
		return err
	}
	switch {
	case row.Status.IsComplete():
		// Already materialized by an earlier run.
		return nil
	case row.Status.IsTransfer():
		return nil
	default:
		if err := r.Store.BeginHash(ctx, row.ID); err != nil {
			return err
		}
		return r.Store.BeginTransfer(ctx, row.ID, objID)
	}
}

func (r *restoreRun) transferItem(ctx context.Context, row *repository.ItemRow) error {
	switch row.Item.Kind {
	case domain.ItemKindDir:
		return r.transferDir(ctx, row)
	case domain.ItemKindFile:
		return r.transferFile(ctx, row)
	default:
		// Chunks are downloaded inline by their parent file; one in the
		// transfer queue is a contract violation.
		return fmt.Errorf("%w: chunk item %d in restore transfer queue", ndn.ErrInvalidObjType, row.ID)
	}
}

// transferDir materializes one directory and enqueues its children.
func (r *restoreRun) transferDir(ctx context.Context, row *repository.ItemRow) error {
	dirObj, err := row.Item.CheckDir()
	if err != nil {
		return err
	}

	mapID, err := ndn.ParseObjId(dirObj.Content)
	if err != nil {
		return err
	}
	rawMap, err := r.Reader.GetContainer(ctx, mapID)
	if err != nil {
		return err
	}
	if _, err := ndn.VerifyNamedObject(mapID, json.RawMessage(rawMap)); err != nil {
		if r.Metrics != nil {
			r.Metrics.VerifyFailuresTotal.Inc()
		}
		return err
	}
	trieMap, err := ndn.OpenTrieObjectMap(rawMap)
	if err != nil {
		return err
	}

	if err := r.Writer.CreateDir(ctx, dirObj, row.ParentPath); err != nil {
		return err
	}

	dirPath := filepath.Join(row.ParentPath, dirObj.Name)
	for _, entry := range trieMap.Entries {
		childID, err := ndn.ParseObjId(entry.ObjId)
		if err != nil {
			return err
		}
		if err := r.createItemFromObject(ctx, dirPath, childID, &row.ID, row.Depth+1); err != nil {
			return err
		}
	}

	if r.Metrics != nil {
		r.Metrics.ItemsRestoredTotal.WithLabelValues("dir").Inc()
	}
	return r.Store.Complete(ctx, row.ID)
}

// transferFile fetches a file's chunk list, resumes at the first byte
// not already on disk, and streams verified chunks into place.
func (r *restoreRun) transferFile(ctx context.Context, row *repository.ItemRow) error {
	fileItem, err := row.Item.CheckFile()
	if err != nil {
		return err
	}

	chunkListID, err := ndn.ParseObjId(fileItem.Obj.Content)
	if err != nil {
		return err
	}
	rawList, err := r.Reader.GetContainer(ctx, chunkListID)
	if err != nil {
		return err
	}
	if _, err := ndn.VerifyNamedObject(chunkListID, json.RawMessage(rawList)); err != nil {
		if r.Metrics != nil {
			r.Metrics.VerifyFailuresTotal.Inc()
		}
		return err
	}
	chunkList, err := ndn.OpenChunkList(rawList)
	if err != nil {
		return err
	}

	fileWriter, err := r.Writer.OpenFile(ctx, &fileItem.Obj, row.ParentPath)
	if err != nil {
		return err
	}
	defer fileWriter.Close()

	startIndex, pos, err := r.resumePoint(ctx, fileWriter, chunkList)
	if err != nil {
		return err
	}

	for i := startIndex; i < chunkList.Len(); i++ {
		chunkID, err := chunkList.GetChunk(i)
		if err != nil {
			return err
		}
		data, err := r.Reader.GetChunk(ctx, chunkID)
		if err != nil {
			return err
		}
		if err := ndn.VerifyChunk(data, chunkID, chunkList.HashMethod); err != nil {
			// The already-written prefix stays; the item stays out of
			// Complete so a later resume re-examines the file.
			if r.Metrics != nil {
				r.Metrics.VerifyFailuresTotal.Inc()
			}
			return fmt.Errorf("file %s chunk %d: %w", fileItem.Obj.Name, i, err)
		}
		if err := fileWriter.WriteChunk(ctx, data, pos); err != nil {
			return err
		}
		pos += uint64(len(data))

		if r.Metrics != nil {
			r.Metrics.ChunksVerifiedTotal.Inc()
			r.Metrics.BytesWrittenTotal.Add(float64(len(data)))
		}
	}

	if r.Metrics != nil {
		r.Metrics.ItemsRestoredTotal.WithLabelValues("file").Inc()
	}
	return r.Store.Complete(ctx, row.ID)
}

// resumePoint maps the bytes already on disk to the first chunk to
// fetch. A partial trailing chunk is rewritten from its start; a file
// longer than the target content is rewritten from scratch.
func (r *restoreRun) resumePoint(ctx context.Context, fileWriter fsio.FileWriter, chunkList *ndn.ChunkList) (int, uint64, error) {
	length, err := fileWriter.Length(ctx)
	if err != nil {
		return 0, 0, err
	}
	if length == 0 {
		return 0, 0, nil
	}
	if length >= chunkList.TotalSize {
		if length == chunkList.TotalSize {
			return chunkList.Len(), length, nil
		}
		return 0, 0, nil
	}

	index, chunkPos, err := chunkList.GetChunkIndexByOffset(length - 1)
	if err != nil {
		return 0, 0, err
	}
	chunkID, err := chunkList.GetChunk(index)
	if err != nil {
		return 0, 0, err
	}
	chunkLen, ok := chunkID.Length()
	if !ok {
		return 0, 0, fmt.Errorf("%w: chunk %s carries no length", ndn.ErrInvalidData, chunkID)
	}

	switch {
	case chunkPos+1 < chunkLen:
		// Trailing chunk is partial; discard it and rewrite from its
		// first byte.
		return index, length - (chunkPos + 1), nil
	case chunkPos+1 == chunkLen:
		return index + 1, length, nil
	default:
		return 0, 0, fmt.Errorf("%w: offset %d inside chunk of length %d",
			ndn.ErrInvalidData, chunkPos, chunkLen)
	}
}
