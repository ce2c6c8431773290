// Package ndn implements named-data-network object identity: chunk and
// object identifiers, canonical JSON serialization, and the container
// object builders (chunk lists and trie object maps).
package ndn

import "errors"

// NDN errors
var (
	// ErrNotFound indicates that an object or chunk is absent where the
	// protocol expects presence.
	ErrNotFound = errors.New("ndn object not found")

	// ErrInvalidData indicates that decoded bytes do not match their
	// declared identifier or are otherwise malformed.
	ErrInvalidData = errors.New("invalid ndn data")

	// ErrVerifyFailed indicates that a recomputed identifier differs from
	// the declared one.
	ErrVerifyFailed = errors.New("ndn verification failed")

	// ErrInvalidObjType indicates that an object's type does not match
	// what the caller expected.
	ErrInvalidObjType = errors.New("invalid ndn object type")

	// ErrInvalidObjId indicates a malformed identifier string.
	ErrInvalidObjId = errors.New("invalid ndn object id")

	// ErrUnsupportedHashMethod indicates an unknown hash method name.
	ErrUnsupportedHashMethod = errors.New("unsupported hash method")

	// ErrBuilderFinished indicates a mutation on a builder after Build.
	ErrBuilderFinished = errors.New("builder already finished")

	// ErrDuplicateName indicates a repeated child name in an object map.
	ErrDuplicateName = errors.New("duplicate name in object map")
)
