package remote

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/prn-tf/ndn-sync/internal/ndn"
)

// Writer pushes staged objects from a local manager to a target
// manager, implementing the negotiation side of NdnWriter. PushObject
// carries its JSON inline; PushContainer resolves the container from
// the local staging area, which is where the builders put it.
type Writer struct {
	local  *Manager
	target *Manager
	logger zerolog.Logger
}

// NewWriter binds a local staging manager to a push target.
func NewWriter(local, target *Manager, logger zerolog.Logger) *Writer {
	return &Writer{
		local:  local,
		target: target,
		logger: logger.With().Str("component", "ndn_writer").Logger(),
	}
}

// PushObject transfers a named object and reports the referenced
// objects the target is missing. Pushing an object the target already
// holds is a no-op.
func (w *Writer) PushObject(ctx context.Context, id ndn.ObjId, objJSON string) ([]ndn.ObjId, error) {
	if err := w.target.PutObject(ctx, id, objJSON); err != nil {
		return nil, err
	}
	missing, err := w.target.MissingChildren(ctx, id)
	if err != nil {
		return nil, err
	}
	w.logger.Debug().
		Str("obj_id", id.String()).
		Int("missing", len(missing)).
		Msg("object pushed")
	return missing, nil
}

// PushChunk transfers raw chunk bytes.
func (w *Writer) PushChunk(ctx context.Context, id ndn.ChunkId, data []byte) error {
	return w.target.PutChunk(ctx, id, data)
}

// PushContainer transfers a locally staged container to the target and
// reports the members the target is still missing.
func (w *Writer) PushContainer(ctx context.Context, id ndn.ObjId) ([]ndn.ObjId, error) {
	body, err := w.local.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := w.target.PutObject(ctx, id, string(body)); err != nil {
		return nil, err
	}
	missing, err := w.target.MissingChildren(ctx, id)
	if err != nil {
		return nil, err
	}
	w.logger.Debug().
		Str("container_id", id.String()).
		Int("missing", len(missing)).
		Msg("container pushed")
	return missing, nil
}

// Ensure Writer implements the push interface.
var _ NdnWriter = (*Writer)(nil)
