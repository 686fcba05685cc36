// Package fsoverlay implements the filesystem overlay (spec §4.G-J): the
// entry/path/listing registries and the CRUD, path-resolution and
// hierarchy-traversal operations built on top of them.
package fsoverlay

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/kristoffer-paulsson/archive7/errs"
)

// EntryType discriminates the three kinds of filesystem node (spec §9:
// "a tagged variant; operations switch on the tag").
type EntryType byte

const (
	TypeFile EntryType = 0
	TypeLink EntryType = 1
	TypeDir  EntryType = 2
)

func (t EntryType) valid() bool { return t == TypeFile || t == TypeLink || t == TypeDir }

const (
	nameSize  = 256
	userSize  = 32
	groupSize = 16

	// EntrySize is the packed width of one entry record (spec §6).
	EntrySize = 1 + 16 + 16 + 16 + 16 + 8 + 8 + 8 + 1 + nameSize + userSize + groupSize + 2
)

// Entry is a filesystem node: file, link, or directory, sharing common
// attributes plus variant-specific constraints (only FILE carries a
// Stream; only LINK uses Owner as a target entry id).
type Entry struct {
	Type     EntryType
	ID       uuid.UUID
	Parent   uuid.UUID
	Owner    uuid.UUID
	Stream   uuid.UUID
	Created  int64
	Modified int64
	Length   uint64
	Deleted  bool
	Name     string
	User     string
	Group    string
	Perms    uint16
}

// clampPerms clamps to the octal range 0..0o777 (spec §4.J update_entry).
func clampPerms(p uint16) uint16 {
	const max = 0o777
	if p > max {
		return max
	}
	return p
}

func (e *Entry) pack() []byte {
	buf := make([]byte, EntrySize)
	buf[0] = byte(e.Type)
	off := 1
	copy(buf[off:], e.ID[:])
	off += 16
	copy(buf[off:], e.Parent[:])
	off += 16
	copy(buf[off:], e.Owner[:])
	off += 16
	copy(buf[off:], e.Stream[:])
	off += 16
	binary.BigEndian.PutUint64(buf[off:], uint64(e.Created))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(e.Modified))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], e.Length)
	off += 8
	if e.Deleted {
		buf[off] = 1
	}
	off++
	putFixedString(buf[off:off+nameSize], e.Name)
	off += nameSize
	putFixedString(buf[off:off+userSize], e.User)
	off += userSize
	putFixedString(buf[off:off+groupSize], e.Group)
	off += groupSize
	binary.BigEndian.PutUint16(buf[off:], clampPerms(e.Perms))
	return buf
}

func unpackEntry(buf []byte) (*Entry, error) {
	if len(buf) != EntrySize {
		return nil, errs.New(errs.UnknownEntryType, "fsoverlay.entry.unpack")
	}
	e := &Entry{Type: EntryType(buf[0])}
	if !e.Type.valid() {
		return nil, errs.New(errs.UnknownEntryType, "fsoverlay.entry.unpack")
	}
	off := 1
	copy(e.ID[:], buf[off:off+16])
	off += 16
	copy(e.Parent[:], buf[off:off+16])
	off += 16
	copy(e.Owner[:], buf[off:off+16])
	off += 16
	copy(e.Stream[:], buf[off:off+16])
	off += 16
	e.Created = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	e.Modified = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	e.Length = binary.BigEndian.Uint64(buf[off:])
	off += 8
	e.Deleted = buf[off] != 0
	off++
	e.Name = getFixedString(buf[off : off+nameSize])
	off += nameSize
	e.User = getFixedString(buf[off : off+userSize])
	off += userSize
	e.Group = getFixedString(buf[off : off+groupSize])
	off += groupSize
	e.Perms = binary.BigEndian.Uint16(buf[off:])
	return e, nil
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func getFixedString(src []byte) string {
	i := 0
	for i < len(src) && src[i] != 0 {
		i++
	}
	return string(src[:i])
}

// PathKey computes uuid5(parent, name), the Path registry's primary key
// (spec §3, §9 Open Question 1: collision key is uuid5(new_parent_id, name)).
func PathKey(parent uuid.UUID, name string) uuid.UUID {
	return uuid.NewSHA1(parent, []byte(name))
}
