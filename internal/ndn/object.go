package ndn

import (
	"encoding/json"
	"fmt"
)

// FileObject is the named object describing one file: its name, byte
// size, and the identifier of its content container. Content always
// references a chunk-list object; single-chunk files wrap their chunk in
// a one-entry list so there is exactly one rule.
type FileObject struct {
	// Name is the file's base name within its directory.
	Name string `json:"name"`

	// Size is the file length in bytes.
	Size uint64 `json:"size"`

	// Content is the ObjId string of the file's chunk-list.
	Content string `json:"content"`

	// Meta is opaque application metadata.
	Meta *string `json:"meta,omitempty"`

	// MimeType is the declared media type, if known.
	MimeType *string `json:"mime,omitempty"`

	// Owner identifies the producing principal, if any.
	Owner *string `json:"owner,omitempty"`

	// CreateTime is the source mtime in unix seconds, if known.
	CreateTime *uint64 `json:"create_time,omitempty"`

	// Links holds identifiers of related objects (previous versions,
	// signatures), if any.
	Links []string `json:"links,omitempty"`

	// ExtraInfo carries free-form extension fields.
	ExtraInfo map[string]any `json:"extra_info,omitempty"`
}

// GenObjId computes the file object's identifier from its canonical JSON
// under the "file" type, returning the canonical string alongside.
func (o *FileObject) GenObjId() (ObjId, string, error) {
	return BuildNamedObject(ObjTypeFile, o)
}

// DirObject is the named object describing one directory: its name and
// the identifier of its trie object-map.
type DirObject struct {
	// Name is the directory's base name within its parent.
	Name string `json:"name"`

	// Content is the ObjId string of the directory's trie object-map.
	Content string `json:"content"`

	// Exp is an expiry time in unix seconds, if any.
	Exp *uint64 `json:"exp,omitempty"`

	// Meta is opaque application metadata.
	Meta *string `json:"meta,omitempty"`

	// Owner identifies the producing principal, if any.
	Owner *string `json:"owner,omitempty"`

	// CreateTime is the source mtime in unix seconds, if known.
	CreateTime *uint64 `json:"create_time,omitempty"`

	// ExtraInfo carries free-form extension fields.
	ExtraInfo map[string]any `json:"extra_info,omitempty"`
}

// GenObjId computes the directory object's identifier from its canonical
// JSON under the "dir" type.
func (o *DirObject) GenObjId() (ObjId, string, error) {
	return BuildNamedObject(ObjTypeDir, o)
}

// DecodeFileObject parses file-object JSON.
func DecodeFileObject(raw []byte) (*FileObject, error) {
	var obj FileObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: failed to parse file object: %v", ErrInvalidData, err)
	}
	return &obj, nil
}

// DecodeDirObject parses dir-object JSON.
func DecodeDirObject(raw []byte) (*DirObject, error) {
	var obj DirObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: failed to parse dir object: %v", ErrInvalidData, err)
	}
	return &obj, nil
}
