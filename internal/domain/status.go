package domain

import (
	"fmt"

	"github.com/prn-tf/ndn-sync/internal/ndn"
)

// ItemState is one stop of the item lifecycle. States only advance along
// New → Scanning → Hashing → Transfer → Complete; chunks are created in
// Scanning, skip Hashing and enter Transfer right after creation.
type ItemState string

const (
	ItemStateNew      ItemState = "new"
	ItemStateScanning ItemState = "scanning"
	ItemStateHashing  ItemState = "hashing"
	ItemStateTransfer ItemState = "transfer"
	ItemStateComplete ItemState = "complete"
)

// ErrInvalidTransition indicates a state change outside the lifecycle
// order.
var ErrInvalidTransition = fmt.Errorf("invalid item status transition")

// ItemStatus is an item's lifecycle state plus, from Transfer onward,
// the object identifier being transferred. Complete always preserves the
// identifier set by the last BeginTransfer.
type ItemStatus struct {
	State ItemState
	ObjId *ndn.ObjId
}

// IsNew reports State == New.
func (s ItemStatus) IsNew() bool { return s.State == ItemStateNew }

// IsScanning reports State == Scanning.
func (s ItemStatus) IsScanning() bool { return s.State == ItemStateScanning }

// IsHashing reports State == Hashing.
func (s ItemStatus) IsHashing() bool { return s.State == ItemStateHashing }

// IsTransfer reports State == Transfer.
func (s ItemStatus) IsTransfer() bool { return s.State == ItemStateTransfer }

// IsComplete reports State == Complete.
func (s ItemStatus) IsComplete() bool { return s.State == ItemStateComplete }

// GetObjId returns the transfer object id, or false before Transfer.
func (s ItemStatus) GetObjId() (ndn.ObjId, bool) {
	if s.ObjId == nil {
		return ndn.ObjId{}, false
	}
	return *s.ObjId, true
}

// CanBeginHash reports whether BeginHash is legal from this status.
// Hashing may be re-entered so an interrupted run can repeat it.
func (s ItemStatus) CanBeginHash() bool {
	return s.State == ItemStateScanning || s.State == ItemStateHashing
}

// CanBeginTransfer reports whether BeginTransfer is legal from this
// status for the given item kind. Chunks enter Transfer from Scanning;
// dirs and files from Hashing. Transfer may be re-entered on resume.
func (s ItemStatus) CanBeginTransfer(kind ItemKind) bool {
	if s.State == ItemStateTransfer {
		return true
	}
	if kind == ItemKindChunk {
		return s.State == ItemStateScanning
	}
	return s.State == ItemStateHashing
}

// CanComplete reports whether Complete is legal from this status.
// Complete is idempotent.
func (s ItemStatus) CanComplete() bool {
	return s.State == ItemStateTransfer || s.State == ItemStateComplete
}
