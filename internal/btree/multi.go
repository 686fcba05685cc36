package btree

import (
	"bytes"

	"github.com/kristoffer-paulsson/archive7/errs"
)

// MultiTree is the "Multi" B+Tree variant (spec §4.E): a set of fixed-size
// values per key, used by the listing registry. It is implemented as a
// Simple Tree over a composite key = key||element, sorted so every
// element under the same key is contiguous, letting Traverse range-scan
// instead of filtering a full walk.
type MultiTree struct {
	inner    *Tree
	keySize  int
	elemSize int
}

// OpenMulti attaches a MultiTree to f.
func OpenMulti(f PageFile, keySize, elemSize int) (*MultiTree, error) {
	inner, err := Open(f, keySize+elemSize, elemSize)
	if err != nil {
		return nil, err
	}
	return &MultiTree{inner: inner, keySize: keySize, elemSize: elemSize}, nil
}

func (m *MultiTree) composite(key, elem []byte) []byte {
	c := make([]byte, 0, m.keySize+m.elemSize)
	c = append(c, key...)
	c = append(c, elem...)
	return c
}

// Insert adds elem to the set stored at key. Re-adding the same (key,
// elem) pair is errs.KeyAlreadyExists (spec: "duplicate detection is
// enforced on insertion").
func (m *MultiTree) Insert(key, elem []byte) error {
	return m.inner.Insert(m.composite(key, elem), elem)
}

// Delete removes elem from the set stored at key. errs.RecordNotFound if
// that member is not present.
func (m *MultiTree) Delete(key, elem []byte) error {
	return m.inner.Delete(m.composite(key, elem))
}

// Update adds every element of insertions and removes every element of
// deletions. A member that already exists is silently skipped rather than
// failing the whole batch; a member requested for removal that is already
// absent is likewise skipped — this keeps Update idempotent for callers
// that re-issue the same membership change after a partial failure.
func (m *MultiTree) Update(key []byte, insertions, deletions [][]byte) error {
	for _, e := range insertions {
		if err := m.Insert(key, e); err != nil && !isKind(err, errs.KeyAlreadyExists) {
			return err
		}
	}
	for _, e := range deletions {
		if err := m.Delete(key, e); err != nil && !isKind(err, errs.RecordNotFound) {
			return err
		}
	}
	return nil
}

// Traverse yields every element stored at key, in unspecified but stable
// order (spec §4.E), stopping early if fn returns false.
func (m *MultiTree) Traverse(key []byte, fn func(elem []byte) bool) error {
	start := m.composite(key, make([]byte, m.elemSize))
	leaf, idx, _, err := m.inner.findLeaf(start)
	if err != nil {
		return err
	}
	page := leaf.page
	for page != nilPage {
		n, err := m.inner.readPage(page)
		if err != nil {
			return err
		}
		for i := idx; i < len(n.keys); i++ {
			if !bytes.HasPrefix(n.keys[i], key) {
				return nil
			}
			if !fn(n.values[i]) {
				return nil
			}
		}
		idx = 0
		page = n.next
	}
	return nil
}

// IsEmpty reports whether the set stored at key has zero members.
func (m *MultiTree) IsEmpty(key []byte) (bool, error) {
	empty := true
	err := m.Traverse(key, func([]byte) bool {
		empty = false
		return false
	})
	return empty, err
}

// Count returns the number of members stored at key.
func (m *MultiTree) Count(key []byte) (int, error) {
	n := 0
	err := m.Traverse(key, func([]byte) bool {
		n++
		return true
	})
	return n, err
}

func isKind(err error, kind errs.Kind) bool {
	e, ok := err.(*errs.Error)
	return ok && e.Kind == kind
}
