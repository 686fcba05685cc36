package fsoverlay

import (
	"github.com/google/uuid"
	"github.com/kristoffer-paulsson/archive7/errs"
	"github.com/kristoffer-paulsson/archive7/internal/btree"
	"github.com/kristoffer-paulsson/archive7/internal/stream"
)

// Reserved internal stream ordinals bound by the filesystem overlay (spec
// §6): 0 and 1 belong to the stream manager itself (registry, trash); the
// overlay claims 2, 3, 4.
const (
	entryRegistryOrdinal   = 2
	pathRegistryOrdinal    = 3
	listingRegistryOrdinal = 4

	// SpecialStreamCount is N in "Reserved streams (N = 5 ...)" (spec §6).
	SpecialStreamCount = 5

	// pathValueSize is type:1 | id:16 (spec §6).
	pathValueSize = 17
	// listingElemSize is one child id (spec §6).
	listingElemSize = 16
)

// registries bundles the three B+Trees backing the overlay, each paged
// through a FileObject over one reserved internal stream.
type registries struct {
	entries  *btree.Tree
	paths    *btree.Tree
	listings *btree.MultiTree
}

func openRegistries(sm *stream.Manager) (*registries, error) {
	entryStream, err := sm.SpecialStream(entryRegistryOrdinal)
	if err != nil {
		return nil, err
	}
	pathStream, err := sm.SpecialStream(pathRegistryOrdinal)
	if err != nil {
		return nil, err
	}
	listingStream, err := sm.SpecialStream(listingRegistryOrdinal)
	if err != nil {
		return nil, err
	}

	entries, err := btree.Open(stream.NewFileObject(entryStream, stream.Mode{Read: true, Write: true}, nil), 16, EntrySize)
	if err != nil {
		return nil, err
	}
	paths, err := btree.Open(stream.NewFileObject(pathStream, stream.Mode{Read: true, Write: true}, nil), 16, pathValueSize)
	if err != nil {
		return nil, err
	}
	listings, err := btree.OpenMulti(stream.NewFileObject(listingStream, stream.Mode{Read: true, Write: true}, nil), 16, listingElemSize)
	if err != nil {
		return nil, err
	}
	return &registries{entries: entries, paths: paths, listings: listings}, nil
}

func packPathValue(t EntryType, id uuid.UUID) []byte {
	buf := make([]byte, pathValueSize)
	buf[0] = byte(t)
	copy(buf[1:], id[:])
	return buf
}

func unpackPathValue(buf []byte) (EntryType, uuid.UUID, error) {
	if len(buf) != pathValueSize {
		return 0, uuid.UUID{}, errs.New(errs.UnknownEntryType, "fsoverlay.path.unpack")
	}
	var id uuid.UUID
	copy(id[:], buf[1:])
	return EntryType(buf[0]), id, nil
}

func (r *registries) getEntry(id uuid.UUID) (*Entry, error) {
	raw, err := r.entries.Get(id[:])
	if err != nil {
		return nil, errs.Wrap(errs.PathExistsNot, "fsoverlay.get_entry", err)
	}
	return unpackEntry(raw)
}

func (r *registries) putEntry(e *Entry) error {
	return r.entries.Insert(e.ID[:], e.pack())
}

func (r *registries) updateEntry(e *Entry) error {
	return r.entries.Update(e.ID[:], e.pack())
}

func (r *registries) deleteEntry(id uuid.UUID) error {
	return r.entries.Delete(id[:])
}
