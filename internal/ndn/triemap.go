package ndn

import (
	"encoding/json"
	"fmt"
	"sort"
)

// TrieEntry is one (name, object id) pair of a directory map.
type TrieEntry struct {
	Name  string `json:"name"`
	ObjId string `json:"obj_id"`
}

// TrieObjectMap maps the child names of a directory to their object
// identifiers. Entries are kept sorted by name, which makes iteration
// order and the map's own identifier deterministic.
type TrieObjectMap struct {
	Entries []TrieEntry `json:"entries"`
}

// TrieObjectMapBuilder assembles a TrieObjectMap. Names are unique and
// case-sensitive; inserting a name twice is an error.
type TrieObjectMapBuilder struct {
	entries map[string]ObjId
	built   bool
}

// NewTrieObjectMapBuilder starts an empty builder.
func NewTrieObjectMapBuilder() *TrieObjectMapBuilder {
	return &TrieObjectMapBuilder{entries: make(map[string]ObjId)}
}

// PutObject inserts a child name with its object id.
func (b *TrieObjectMapBuilder) PutObject(name string, id ObjId) error {
	if b.built {
		return ErrBuilderFinished
	}
	if _, ok := b.entries[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	b.entries[name] = id
	return nil
}

// Build finalizes the map with entries in sorted name order.
func (b *TrieObjectMapBuilder) Build() (*TrieObjectMap, error) {
	if b.built {
		return nil, ErrBuilderFinished
	}
	b.built = true

	names := make([]string, 0, len(b.entries))
	for name := range b.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]TrieEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, TrieEntry{Name: name, ObjId: b.entries[name].String()})
	}
	return &TrieObjectMap{Entries: entries}, nil
}

// OpenTrieObjectMap parses trie object-map JSON.
func OpenTrieObjectMap(raw []byte) (*TrieObjectMap, error) {
	var m TrieObjectMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to parse trie object map: %v", ErrInvalidData, err)
	}
	for i := 1; i < len(m.Entries); i++ {
		if m.Entries[i-1].Name >= m.Entries[i].Name {
			return nil, fmt.Errorf("%w: trie object map entries out of order at %q",
				ErrInvalidData, m.Entries[i].Name)
		}
	}
	return &m, nil
}

// Len returns the number of entries.
func (m *TrieObjectMap) Len() int {
	return len(m.Entries)
}

// GetObject looks up a child name.
func (m *TrieObjectMap) GetObject(name string) (ObjId, bool, error) {
	i := sort.Search(len(m.Entries), func(i int) bool {
		return m.Entries[i].Name >= name
	})
	if i >= len(m.Entries) || m.Entries[i].Name != name {
		return ObjId{}, false, nil
	}
	id, err := ParseObjId(m.Entries[i].ObjId)
	if err != nil {
		return ObjId{}, false, err
	}
	return id, true, nil
}

// CalcObjId computes the map's identifier and canonical JSON under the
// simple trie type.
func (m *TrieObjectMap) CalcObjId() (ObjId, string, error) {
	return BuildNamedObject(ObjTypeTrieSimple, m)
}
