// Package btree implements the on-disk B+Tree described in spec §4.E: a
// classic ordered key -> value store over fixed-size keys and values,
// paged through a file-like adapter (spec §4.F's Virtual File Object,
// here referenced only through the minimal PageFile interface so this
// package has no dependency on the stream package that implements it).
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/kristoffer-paulsson/archive7/errs"
	"github.com/kristoffer-paulsson/archive7/internal/block"
)

// PageFile is the minimal seekable byte-stream surface a Tree needs. A
// stream.FileObject satisfies this structurally.
type PageFile interface {
	ReadInto(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Flush() error
}

// PageSize is the fixed page size backing every node, matching the
// archive's block payload size so one node occupies exactly one block.
const PageSize = block.DataSize

const (
	pageHeaderSize = 1 + 2 + 8 // kind + count + next-leaf-pointer
	kindLeaf       = byte(1)
	kindInternal   = byte(0)
	nilPage        = int64(-1)
)

// Tree is a B+Tree over fixed-size keys and values. Duplicate keys are
// rejected by Insert; Update requires an existing key.
type Tree struct {
	f        PageFile
	keySize  int
	valSize  int
	order    int // max keys per node
	rootPage int64
	pages    int64 // number of pages ever allocated (monotonic; freed pages are not reused — see DESIGN.md)
}

// Open attaches a Tree to f. If the stream is empty (no pages written
// yet), a fresh empty root leaf is created at page 1, behind a directory
// record at page 0.
func Open(f PageFile, keySize, valSize int) (*Tree, error) {
	order := computeOrder(keySize, valSize)
	if order < 3 {
		return nil, errs.New(errs.OutOfBounds, "btree.open")
	}
	t := &Tree{f: f, keySize: keySize, valSize: valSize, order: order}

	// Page 0 is always a directory record ([rootPage int64][pageCount
	// int64]), never a tree node; the real root starts at page 1. This
	// lets the tree relocate its root (on a root split) without rewriting
	// every page that references it.
	empty, err := t.directoryPageEmpty()
	if err != nil {
		return nil, err
	}
	if empty {
		// The directory (page 0) must be written before the root (page 1):
		// pages are only ever reachable by seeking to an offset the stream
		// has already grown to (or its exact current end), so writing page 1
		// first, while the stream is still zero-length, would have its Seek
		// clamped back to offset 0 and silently land the root in page 0.
		t.rootPage = 1
		t.pages = 2
		if err := t.writeDirectory(); err != nil {
			return nil, err
		}
		root := newLeafNode(t)
		if err := t.writePage(1, root); err != nil {
			return nil, err
		}
		return t, nil
	}
	dir, err := t.readDirectory()
	if err != nil {
		return nil, err
	}
	t.rootPage = dir.root
	t.pages = dir.pages
	return t, nil
}

// directoryPageEmpty reports whether page 0 has never been written,
// meaning this is a brand-new tree over a brand-new stream.
func (t *Tree) directoryPageEmpty() (bool, error) {
	if _, err := t.f.Seek(0, PageFileSeekStart); err != nil {
		return false, errs.Wrap(errs.BlockSeekError, "btree.directory_empty", err)
	}
	buf := make([]byte, PageSize)
	n, err := t.f.ReadInto(buf)
	if err != nil && n == 0 {
		return true, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.BlockSeekError, "btree.directory_empty", err)
	}
	return n < 16, nil
}

type directory struct {
	root  int64
	pages int64
}

// readDirectory reinterprets page 0 as a directory record instead of a
// tree node. Page 0 is never used as a tree node; a fresh tree allocates
// the real root at page 1.
func (t *Tree) readDirectory() (directory, error) {
	buf := make([]byte, PageSize)
	if _, err := t.f.Seek(0, PageFileSeekStart); err != nil {
		return directory{}, errs.Wrap(errs.BlockSeekError, "btree.read_directory", err)
	}
	n, err := t.f.ReadInto(buf)
	if err != nil {
		return directory{}, errs.Wrap(errs.BlockSeekError, "btree.read_directory", err)
	}
	if n < 16 {
		return directory{}, errs.New(errs.RecordNotFound, "btree.read_directory")
	}
	return directory{
		root:  int64(binary.BigEndian.Uint64(buf[0:8])),
		pages: int64(binary.BigEndian.Uint64(buf[8:16])),
	}, nil
}

func (t *Tree) writeDirectory() error {
	buf := make([]byte, PageSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(t.rootPage))
	binary.BigEndian.PutUint64(buf[8:16], uint64(t.pages))
	if _, err := t.f.Seek(0, PageFileSeekStart); err != nil {
		return errs.Wrap(errs.BlockSeekError, "btree.write_directory", err)
	}
	if _, err := t.f.Write(buf); err != nil {
		return errs.Wrap(errs.FailedFullWrite, "btree.write_directory", err)
	}
	return t.f.Flush()
}

// Seek whence constants, re-exported so callers of PageFile.Seek in this
// package read clearly without importing io just for three constants.
const (
	PageFileSeekStart   = 0
	PageFileSeekCurrent = 1
	PageFileSeekEnd     = 2
)

func computeOrder(keySize, valSize int) int {
	avail := PageSize - pageHeaderSize
	orderLeaf := avail / (keySize + valSize)
	orderInternal := (avail - 8) / (keySize + 8)
	order := orderLeaf
	if orderInternal < order {
		order = orderInternal
	}
	return order
}

// Get looks up key, returning errs.RecordNotFound if absent.
func (t *Tree) Get(key []byte) ([]byte, error) {
	leaf, idx, found, err := t.findLeaf(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.New(errs.RecordNotFound, "btree.get")
	}
	return leaf.values[idx], nil
}

// Insert adds key -> value. A pre-existing key is errs.KeyAlreadyExists.
func (t *Tree) Insert(key, value []byte) error {
	if len(key) != t.keySize || len(value) != t.valSize {
		return errs.New(errs.OutOfBounds, "btree.insert")
	}
	path, leaf, idx, found, err := t.findLeafWithPath(key)
	if err != nil {
		return err
	}
	if found {
		return errs.New(errs.KeyAlreadyExists, "btree.insert")
	}
	leaf.insertAt(idx, key, value)
	return t.writeAndSplit(path, leaf)
}

// Update replaces the value at an existing key. Missing key is
// errs.RecordNotFound.
func (t *Tree) Update(key, value []byte) error {
	leaf, idx, found, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	if !found {
		return errs.New(errs.RecordNotFound, "btree.update")
	}
	leaf.values[idx] = append([]byte(nil), value...)
	return t.writePage(leaf.page, leaf)
}

// Delete removes key. Missing key is errs.RecordNotFound.
func (t *Tree) Delete(key []byte) error {
	leaf, idx, found, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	if !found {
		return errs.New(errs.RecordNotFound, "btree.delete")
	}
	leaf.removeAt(idx)
	return t.writePage(leaf.page, leaf)
}

// findLeaf descends from the root to the leaf that would contain key.
func (t *Tree) findLeaf(key []byte) (*node, int, bool, error) {
	page := t.rootPage
	for {
		n, err := t.readPage(page)
		if err != nil {
			return nil, 0, false, err
		}
		if n.kind == kindLeaf {
			idx, found := n.search(key)
			return n, idx, found, nil
		}
		page = n.childFor(key)
	}
}

// findLeafWithPath is like findLeaf but also returns the chain of internal
// pages walked, for split propagation.
func (t *Tree) findLeafWithPath(key []byte) ([]int64, *node, int, bool, error) {
	var path []int64
	page := t.rootPage
	for {
		n, err := t.readPage(page)
		if err != nil {
			return nil, nil, 0, false, err
		}
		if n.kind == kindLeaf {
			idx, found := n.search(key)
			return path, n, idx, found, nil
		}
		path = append(path, page)
		page = n.childFor(key)
	}
}

// writeAndSplit writes leaf back, splitting it (and propagating splits up
// the recorded path) if it overflowed the tree's order.
func (t *Tree) writeAndSplit(path []int64, leaf *node) error {
	if len(leaf.keys) <= t.order {
		return t.writePage(leaf.page, leaf)
	}
	mid := len(leaf.keys) / 2
	sibling := newLeafNode(t)
	sibling.page = t.allocPage()
	sibling.keys = append([][]byte(nil), leaf.keys[mid:]...)
	sibling.values = append([][]byte(nil), leaf.values[mid:]...)
	sibling.next = leaf.next
	leaf.keys = leaf.keys[:mid]
	leaf.values = leaf.values[:mid]
	leaf.next = sibling.page

	if err := t.writePage(leaf.page, leaf); err != nil {
		return err
	}
	if err := t.writePage(sibling.page, sibling); err != nil {
		return err
	}
	return t.insertUp(path, sibling.keys[0], leaf.page, sibling.page)
}

// insertUp propagates a child split up the path of internal nodes,
// creating a new root if the path is exhausted.
func (t *Tree) insertUp(path []int64, sepKey []byte, leftPage, rightPage int64) error {
	if len(path) == 0 {
		root := newInternalNode(t)
		root.page = t.allocPage()
		root.children = []int64{leftPage, rightPage}
		root.keys = [][]byte{append([]byte(nil), sepKey...)}
		if err := t.writePage(root.page, root); err != nil {
			return err
		}
		t.rootPage = root.page
		return t.writeDirectory()
	}
	parentPage := path[len(path)-1]
	parent, err := t.readPage(parentPage)
	if err != nil {
		return err
	}
	idx := parent.childIndex(leftPage)
	parent.children[idx] = leftPage
	parent.children = insertChild(parent.children, idx+1, rightPage)
	parent.keys = insertKey(parent.keys, idx, sepKey)

	if len(parent.keys) <= t.order {
		return t.writePage(parentPage, parent)
	}
	mid := len(parent.keys) / 2
	upKey := parent.keys[mid]
	sibling := newInternalNode(t)
	sibling.page = t.allocPage()
	sibling.keys = append([][]byte(nil), parent.keys[mid+1:]...)
	sibling.children = append([]int64(nil), parent.children[mid+1:]...)
	parent.keys = parent.keys[:mid]
	parent.children = parent.children[:mid+1]

	if err := t.writePage(parentPage, parent); err != nil {
		return err
	}
	if err := t.writePage(sibling.page, sibling); err != nil {
		return err
	}
	return t.insertUp(path[:len(path)-1], upKey, parentPage, sibling.page)
}

func insertChild(children []int64, idx int, v int64) []int64 {
	children = append(children, 0)
	copy(children[idx+1:], children[idx:])
	children[idx] = v
	return children
}

func insertKey(keys [][]byte, idx int, k []byte) [][]byte {
	keys = append(keys, nil)
	copy(keys[idx+1:], keys[idx:])
	keys[idx] = append([]byte(nil), k...)
	return keys
}

func (t *Tree) allocPage() int64 {
	p := t.pages
	t.pages++
	return p
}

// ForEach walks every leaf entry in ascending key order, stopping if fn
// returns false. Used by consistency checks/tests; MultiTree.Traverse
// does its own range scan instead.
func (t *Tree) ForEach(fn func(key, value []byte) bool) error {
	page := t.leftmostLeaf()
	for page != nilPage {
		n, err := t.readPage(page)
		if err != nil {
			return err
		}
		for i := range n.keys {
			if !fn(n.keys[i], n.values[i]) {
				return nil
			}
		}
		page = n.next
	}
	return nil
}

func (t *Tree) leftmostLeaf() int64 {
	page := t.rootPage
	for {
		n, err := t.readPage(page)
		if err != nil {
			return nilPage
		}
		if n.kind == kindLeaf {
			return page
		}
		page = n.children[0]
	}
}

func bytesCompare(a, b []byte) int { return bytes.Compare(a, b) }
