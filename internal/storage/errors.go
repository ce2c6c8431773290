package storage

import "errors"

// Storage errors
var (
	// ErrObjectNotFound indicates the requested object is not staged.
	ErrObjectNotFound = errors.New("object not found in storage")

	// ErrChunkNotFound indicates the requested chunk is not staged.
	ErrChunkNotFound = errors.New("chunk not found in storage")

	// ErrAlreadyExists indicates another party already produced this
	// entry. Content-addressed entries are immutable, so the write is
	// satisfied once the entry exists.
	ErrAlreadyExists = errors.New("entry already exists")

	// ErrInComplete indicates another party is still producing this
	// entry; callers re-query until it completes.
	ErrInComplete = errors.New("entry is being written")

	// ErrHashMismatch indicates bytes put under an id they do not hash
	// to.
	ErrHashMismatch = errors.New("content does not match declared id")
)
