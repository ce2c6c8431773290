// Package remote implements the NDN push/pull surfaces: the reader and
// writer interfaces the pipelines consume, a content-addressed Manager
// usable both as local staging and as a push target, and the
// missing-children computation behind push negotiation.
package remote

import (
	"context"

	"github.com/prn-tf/ndn-sync/internal/ndn"
)

// NdnWriter is the push side of a remote NDN store. A returned
// "missing child" means the push was accepted but the remote does not
// yet hold that referenced object; the negotiation loop pushes the
// missing pieces and retries. Pushing something the remote already
// holds is a no-op with an empty missing list.
type NdnWriter interface {
	// PushObject transfers a named object's JSON and returns referenced
	// objects the remote is missing.
	PushObject(ctx context.Context, id ndn.ObjId, objJSON string) ([]ndn.ObjId, error)

	// PushChunk transfers raw chunk bytes.
	PushChunk(ctx context.Context, id ndn.ChunkId, data []byte) error

	// PushContainer transfers a staged container object by id and
	// returns the members the remote is missing.
	PushContainer(ctx context.Context, id ndn.ObjId) ([]ndn.ObjId, error)
}

// NdnReader is the pull side of a remote NDN store.
type NdnReader interface {
	// GetObject returns a named object's JSON.
	GetObject(ctx context.Context, id ndn.ObjId) ([]byte, error)

	// GetChunk returns raw chunk bytes.
	GetChunk(ctx context.Context, id ndn.ChunkId) ([]byte, error)

	// GetContainer returns a container object's JSON.
	GetContainer(ctx context.Context, id ndn.ObjId) ([]byte, error)
}
