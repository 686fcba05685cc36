package btree

import (
	"encoding/binary"
	"io"

	"github.com/kristoffer-paulsson/archive7/errs"
)

type node struct {
	t        *Tree
	page     int64
	kind     byte
	keys     [][]byte
	values   [][]byte // leaf only, parallel to keys
	children []int64  // internal only, len(children) == len(keys)+1
	next     int64    // leaf only: next leaf's page, nilPage if none
}

func newLeafNode(t *Tree) *node {
	return &node{t: t, kind: kindLeaf, next: nilPage}
}

func newInternalNode(t *Tree) *node {
	return &node{t: t, kind: kindInternal, next: nilPage}
}

// search returns the index of key in a leaf's keys, and whether it was
// found. When not found, idx is the insertion point that keeps keys sorted.
func (n *node) search(key []byte) (int, bool) {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytesCompare(n.keys[mid], key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// childFor returns the child page to descend into for key, on an internal
// node: the first child whose subtree may contain key.
func (n *node) childFor(key []byte) int64 {
	idx := 0
	for idx < len(n.keys) && bytesCompare(key, n.keys[idx]) >= 0 {
		idx++
	}
	return n.children[idx]
}

// childIndex returns the index of childPage within n.children.
func (n *node) childIndex(childPage int64) int {
	for i, c := range n.children {
		if c == childPage {
			return i
		}
	}
	return -1
}

func (n *node) insertAt(idx int, key, value []byte) {
	n.keys = insertKey(n.keys, idx, key)
	n.values = append(n.values, nil)
	copy(n.values[idx+1:], n.values[idx:])
	n.values[idx] = append([]byte(nil), value...)
}

func (n *node) removeAt(idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.values = append(n.values[:idx], n.values[idx+1:]...)
}

func (n *node) pack(keySize, valSize int) []byte {
	buf := make([]byte, PageSize)
	buf[0] = n.kind
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(n.keys)))
	binary.BigEndian.PutUint64(buf[3:11], uint64(n.next))

	off := pageHeaderSize
	switch n.kind {
	case kindLeaf:
		for i := range n.keys {
			copy(buf[off:], n.keys[i])
			off += keySize
			copy(buf[off:], n.values[i])
			off += valSize
		}
	case kindInternal:
		for _, c := range n.children {
			binary.BigEndian.PutUint64(buf[off:off+8], uint64(c))
			off += 8
		}
		for _, k := range n.keys {
			copy(buf[off:], k)
			off += keySize
		}
	}
	return buf
}

func unpackNode(t *Tree, page int64, buf []byte) (*node, error) {
	if len(buf) != PageSize {
		return nil, errs.New(errs.OutOfBounds, "btree.node.unpack")
	}
	n := &node{t: t, page: page}
	n.kind = buf[0]
	count := int(binary.BigEndian.Uint16(buf[1:3]))
	n.next = int64(binary.BigEndian.Uint64(buf[3:11]))

	off := pageHeaderSize
	switch n.kind {
	case kindLeaf:
		n.keys = make([][]byte, count)
		n.values = make([][]byte, count)
		for i := 0; i < count; i++ {
			n.keys[i] = append([]byte(nil), buf[off:off+t.keySize]...)
			off += t.keySize
			n.values[i] = append([]byte(nil), buf[off:off+t.valSize]...)
			off += t.valSize
		}
	case kindInternal:
		n.children = make([]int64, count+1)
		for i := 0; i <= count; i++ {
			n.children[i] = int64(binary.BigEndian.Uint64(buf[off : off+8]))
			off += 8
		}
		n.keys = make([][]byte, count)
		for i := 0; i < count; i++ {
			n.keys[i] = append([]byte(nil), buf[off:off+t.keySize]...)
			off += t.keySize
		}
	default:
		return nil, errs.New(errs.NotABlock, "btree.node.unpack")
	}
	return n, nil
}

// readPage loads and parses the node at page, treating page 0 as reserved
// for the tree directory (see Tree.readDirectory): node pages start at 1.
func (t *Tree) readPage(page int64) (*node, error) {
	if _, err := t.f.Seek(page*PageSize, PageFileSeekStart); err != nil {
		return nil, errs.Wrap(errs.BlockSeekError, "btree.read_page", err)
	}
	buf := make([]byte, PageSize)
	n, err := t.f.ReadInto(buf)
	if err != nil && err != io.EOF {
		return nil, errs.Wrap(errs.BlockSeekError, "btree.read_page", err)
	}
	if n != PageSize {
		return nil, errs.New(errs.OutOfBounds, "btree.read_page")
	}
	return unpackNode(t, page, buf)
}

// tryReadPage returns (nil, nil) if page has never been written (stream
// shorter than one page), distinguishing "fresh tree" from a read error.
func (t *Tree) tryReadPage(page int64) (*node, error) {
	if _, err := t.f.Seek(page*PageSize, PageFileSeekStart); err != nil {
		return nil, errs.Wrap(errs.BlockSeekError, "btree.try_read_page", err)
	}
	buf := make([]byte, PageSize)
	n, err := t.f.ReadInto(buf)
	if err == io.EOF && n == 0 {
		return nil, nil
	}
	if err != nil && err != io.EOF {
		return nil, errs.Wrap(errs.BlockSeekError, "btree.try_read_page", err)
	}
	if n != PageSize {
		return nil, nil
	}
	return unpackNode(t, page, buf)
}

func (t *Tree) writePage(page int64, n *node) error {
	n.page = page
	buf := n.pack(t.keySize, t.valSize)
	if _, err := t.f.Seek(page*PageSize, PageFileSeekStart); err != nil {
		return errs.Wrap(errs.BlockSeekError, "btree.write_page", err)
	}
	if _, err := t.f.Write(buf); err != nil {
		return errs.Wrap(errs.FailedFullWrite, "btree.write_page", err)
	}
	return t.f.Flush()
}
