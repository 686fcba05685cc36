package archive7

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/kristoffer-paulsson/archive7/errs"
)

var magic = [8]byte{'a', 'r', 'c', 'h', 'i', 'v', 'e', '7'}

const variant = byte('a')

const titleSize = 256

// HeaderSize is the packed width of the caller-opaque header stored at
// the top of block 0's payload (spec §6 "Caller-opaque header").
const HeaderSize = 8 + 1 + 2 + 2 + 1 + 1 + 1 + 16*4 + 8 + titleSize

// Header is the archive's self-describing front matter, reference layout
// per spec §6.
type Header struct {
	VersionMajor uint16
	VersionMinor uint16
	TypeField    int8
	Role         int8
	Use          int8
	Identity     uuid.UUID
	Owner        uuid.UUID
	Domain       uuid.UUID
	Node         uuid.UUID
	Created      int64
	Title        string
}

func (h *Header) pack() []byte {
	buf := make([]byte, HeaderSize)
	off := 0
	copy(buf[off:], magic[:])
	off += 8
	buf[off] = variant
	off++
	binary.BigEndian.PutUint16(buf[off:], h.VersionMajor)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], h.VersionMinor)
	off += 2
	buf[off] = byte(h.TypeField)
	off++
	buf[off] = byte(h.Role)
	off++
	buf[off] = byte(h.Use)
	off++
	copy(buf[off:], h.Identity[:])
	off += 16
	copy(buf[off:], h.Owner[:])
	off += 16
	copy(buf[off:], h.Domain[:])
	off += 16
	copy(buf[off:], h.Node[:])
	off += 16
	binary.BigEndian.PutUint64(buf[off:], uint64(h.Created))
	off += 8
	n := copy(buf[off:off+titleSize], h.Title)
	for i := off + n; i < off+titleSize; i++ {
		buf[i] = 0
	}
	return buf
}

func unpackHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errs.New(errs.InvalidFormat, "archive7.header.unpack")
	}
	if string(buf[0:8]) != string(magic[:]) || buf[8] != variant {
		return Header{}, errs.New(errs.InvalidFormat, "archive7.header.unpack")
	}
	var h Header
	off := 9
	h.VersionMajor = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.VersionMinor = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.TypeField = int8(buf[off])
	off++
	h.Role = int8(buf[off])
	off++
	h.Use = int8(buf[off])
	off++
	copy(h.Identity[:], buf[off:off+16])
	off += 16
	copy(h.Owner[:], buf[off:off+16])
	off += 16
	copy(h.Domain[:], buf[off:off+16])
	off += 16
	copy(h.Node[:], buf[off:off+16])
	off += 16
	h.Created = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	h.Title = trimTrailingNuls(buf[off : off+titleSize])
	return h, nil
}

func trimTrailingNuls(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}
