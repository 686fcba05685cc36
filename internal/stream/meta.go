// Package stream implements the logical byte stream (spec §4.C) and the
// stream manager that owns the host file, the reserved internal streams,
// the stream registry, and block recycling (spec §4.D).
package stream

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/kristoffer-paulsson/archive7/errs"
)

// MetaSize is the packed size of one stream metadata record (spec §6).
const MetaSize = 16 + 4 + 4 + 4 + 8 + 2

// Meta is a stream's metadata record (spec §3).
type Meta struct {
	Identity    uuid.UUID
	Begin       int32
	End         int32
	Count       uint32
	Length      uint64
	Compression uint16
}

// NewMeta returns the metadata for a brand-new, single-block stream.
func NewMeta(identity uuid.UUID, firstBlock int64) Meta {
	return Meta{
		Identity: identity,
		Begin:    int32(firstBlock),
		End:      int32(firstBlock),
		Count:    1,
		Length:   0,
	}
}

func (m Meta) pack() []byte {
	buf := make([]byte, MetaSize)
	copy(buf[0:16], m.Identity[:])
	binary.BigEndian.PutUint32(buf[16:20], uint32(m.Begin))
	binary.BigEndian.PutUint32(buf[20:24], uint32(m.End))
	binary.BigEndian.PutUint32(buf[24:28], m.Count)
	binary.BigEndian.PutUint64(buf[28:36], m.Length)
	binary.BigEndian.PutUint16(buf[36:38], m.Compression)
	return buf
}

func unpackMeta(buf []byte) (Meta, error) {
	if len(buf) != MetaSize {
		return Meta{}, errs.New(errs.CorruptStreamIdentifier, "stream.meta.unpack")
	}
	var m Meta
	copy(m.Identity[:], buf[0:16])
	m.Begin = int32(binary.BigEndian.Uint32(buf[16:20]))
	m.End = int32(binary.BigEndian.Uint32(buf[20:24]))
	m.Count = binary.BigEndian.Uint32(buf[24:28])
	m.Length = binary.BigEndian.Uint64(buf[28:36])
	m.Compression = binary.BigEndian.Uint16(buf[36:38])
	return m, nil
}
