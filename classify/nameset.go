package classify

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
)

type entry struct {
	hash uint64
	name string
}

func less(a, b entry) bool {
	if a.hash != b.hash {
		return a.hash < b.hash
	}
	return a.name < b.name
}

// NameSet is an ordered set of symbol names keyed by their xxhash. Ties on
// the hash fall back to the name so membership is exact.
type NameSet struct {
	tree *btree.BTreeG[entry]
}

func NewNameSet() *NameSet {
	return &NameSet{tree: btree.NewG[entry](32, less)}
}

func key(name string) entry {
	return entry{hash: xxhash.Sum64String(name), name: name}
}

// Insert adds name and reports whether it was absent. Empty names are ignored.
func (s *NameSet) Insert(name string) bool {
	if name == "" {
		return false
	}
	_, replaced := s.tree.ReplaceOrInsert(key(name))
	return !replaced
}

// Has reports membership.
func (s *NameSet) Has(name string) bool {
	if s == nil || name == "" {
		return false
	}
	return s.tree.Has(key(name))
}

func (s *NameSet) Len() int {
	if s == nil {
		return 0
	}
	return s.tree.Len()
}

// Names returns the members in lexical order.
func (s *NameSet) Names() []string {
	names := make([]string, 0, s.Len())
	if s == nil {
		return names
	}
	s.tree.Ascend(func(e entry) bool {
		names = append(names, e.name)
		return true
	})
	sort.Strings(names)
	return names
}
