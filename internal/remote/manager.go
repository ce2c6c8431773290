package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/prn-tf/ndn-sync/internal/ndn"
	"github.com/prn-tf/ndn-sync/internal/storage"
)

// Manager is a content-addressed NDN object manager over a storage
// backend. The backup pipeline uses one as its local staging area; a
// second one can serve as the push target, which is how the engine is
// exercised end to end without a network.
type Manager struct {
	id      string
	backend storage.Backend
	logger  zerolog.Logger
}

// NewManager wraps a storage backend as an NDN manager.
func NewManager(id string, backend storage.Backend, logger zerolog.Logger) *Manager {
	return &Manager{
		id:      id,
		backend: backend,
		logger:  logger.With().Str("component", "ndn_mgr").Str("mgr_id", id).Logger(),
	}
}

// ID returns the manager's identity, used to tell staging areas apart.
func (m *Manager) ID() string {
	return m.id
}

// PutObject stages object JSON under its verified id; a repeat put is a
// no-op.
func (m *Manager) PutObject(ctx context.Context, id ndn.ObjId, body string) error {
	return m.backend.PutObject(ctx, id, body)
}

// GetObject returns a held object's JSON.
func (m *Manager) GetObject(ctx context.Context, id ndn.ObjId) ([]byte, error) {
	body, err := m.backend.GetObject(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: object %s", ndn.ErrNotFound, id)
		}
		return nil, err
	}
	return []byte(body), nil
}

// HasObject reports whether the object is held.
func (m *Manager) HasObject(ctx context.Context, id ndn.ObjId) (bool, error) {
	return m.backend.HasObject(ctx, id)
}

// PutChunk stores verified chunk bytes; a repeat put is a no-op.
func (m *Manager) PutChunk(ctx context.Context, id ndn.ChunkId, data []byte) error {
	return storage.PutChunk(ctx, m.backend, id, data)
}

// GetChunk returns held chunk bytes.
func (m *Manager) GetChunk(ctx context.Context, id ndn.ChunkId) ([]byte, error) {
	data, err := storage.GetChunk(ctx, m.backend, id)
	if err != nil {
		if errors.Is(err, storage.ErrChunkNotFound) {
			return nil, fmt.Errorf("%w: chunk %s", ndn.ErrNotFound, id)
		}
		return nil, err
	}
	return data, nil
}

// HasChunk reports whether the chunk is held.
func (m *Manager) HasChunk(ctx context.Context, id ndn.ChunkId) (bool, error) {
	return m.backend.HasChunk(ctx, id)
}

// GetContainer returns a held container object's JSON.
func (m *Manager) GetContainer(ctx context.Context, id ndn.ObjId) ([]byte, error) {
	if !id.IsContainer() {
		return nil, fmt.Errorf("%w: %s is not a container", ndn.ErrInvalidObjType, id)
	}
	return m.GetObject(ctx, id)
}

// OpenChunkReader streams a held chunk.
func (m *Manager) OpenChunkReader(ctx context.Context, id ndn.ChunkId) (ChunkReadCloser, uint64, error) {
	r, length, err := m.backend.OpenChunkReader(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrChunkNotFound) {
			return nil, 0, fmt.Errorf("%w: chunk %s", ndn.ErrNotFound, id)
		}
		return nil, 0, err
	}
	return r, length, nil
}

// ChunkReadCloser is a streamed chunk.
type ChunkReadCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

// MissingChildren computes which objects referenced by a held object
// are absent. For file and dir objects that is the content container;
// for chunk-lists the member chunks; for trie maps the child objects.
func (m *Manager) MissingChildren(ctx context.Context, id ndn.ObjId) ([]ndn.ObjId, error) {
	raw, err := m.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case id.ObjType == ndn.ObjTypeFile:
		obj, err := ndn.DecodeFileObject(raw)
		if err != nil {
			return nil, err
		}
		return m.missingContent(ctx, obj.Content)

	case id.ObjType == ndn.ObjTypeDir:
		obj, err := ndn.DecodeDirObject(raw)
		if err != nil {
			return nil, err
		}
		return m.missingContent(ctx, obj.Content)

	case id.IsChunkList():
		list, err := ndn.OpenChunkList(raw)
		if err != nil {
			return nil, err
		}
		var missing []ndn.ObjId
		for _, s := range list.Chunks {
			chunkID, err := ndn.ParseChunkId(s)
			if err != nil {
				return nil, err
			}
			held, err := m.HasChunk(ctx, chunkID)
			if err != nil {
				return nil, err
			}
			if !held {
				missing = append(missing, chunkID.ObjId)
			}
		}
		return missing, nil

	case id.IsTrie():
		trie, err := ndn.OpenTrieObjectMap(raw)
		if err != nil {
			return nil, err
		}
		var missing []ndn.ObjId
		for _, entry := range trie.Entries {
			childID, err := ndn.ParseObjId(entry.ObjId)
			if err != nil {
				return nil, err
			}
			held, err := m.HasObject(ctx, childID)
			if err != nil {
				return nil, err
			}
			if !held {
				missing = append(missing, childID)
			}
		}
		return missing, nil

	default:
		return nil, fmt.Errorf("%w: cannot resolve children of %q", ndn.ErrInvalidObjType, id.ObjType)
	}
}

func (m *Manager) missingContent(ctx context.Context, content string) ([]ndn.ObjId, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: object has empty content", ndn.ErrInvalidData)
	}
	contentID, err := ndn.ParseObjId(content)
	if err != nil {
		return nil, err
	}
	held, err := m.HasObject(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, nil
	}
	return []ndn.ObjId{contentID}, nil
}

// Ensure Manager serves the pull interface.
var _ NdnReader = (*Manager)(nil)
