package block

import (
	"crypto/sha1" //nolint:gosec // used only as a cross-check digest, not for security
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/kristoffer-paulsson/archive7/errs"
)

// Block is the decrypted, parsed form of one on-disk block (spec §3).
//
// Position is not part of the plaintext; it is the block's own index,
// implied by where it was loaded from, kept here purely so SaveBlock can
// validate Block.Position == index per §4.B.
type Block struct {
	Position int64
	Previous int32
	Next     int32
	Index    uint32
	Stream   uuid.UUID
	Digest   [sha1.Size]byte
	Data     [DataSize]byte
}

// NewBlock returns a zero-data block bound to stream at ordinal index,
// both ends of the chain unset.
func NewBlock(position int64, stream uuid.UUID, index uint32) *Block {
	b := &Block{
		Position: position,
		Previous: -1,
		Next:     -1,
		Index:    index,
		Stream:   stream,
	}
	b.updateDigest()
	return b
}

func (b *Block) updateDigest() {
	b.Digest = sha1.Sum(b.Data[:]) //nolint:gosec
}

// SetData overwrites the block's payload and refreshes the digest. Callers
// that mutate b.Data directly (e.g. through Stream.Data()) must call this
// (Stream.MarkDirty does) before the block is saved; CheckDigest only
// verifies the digest and does not refresh it.
func (b *Block) SetData(data []byte) {
	n := copy(b.Data[:], data)
	for i := n; i < len(b.Data); i++ {
		b.Data[i] = 0
	}
	b.updateDigest()
}

// CheckDigest verifies the stored digest matches the current data, and
// returns errs.DigestMismatch if not.
func (b *Block) CheckDigest() error {
	want := sha1.Sum(b.Data[:]) //nolint:gosec
	if want != b.Digest {
		return errs.New(errs.DigestMismatch, "block.check_digest")
	}
	return nil
}

// pack serializes the block's plaintext (header + data), HeaderSize+DataSize
// bytes, in the layout given by spec §3.
func (b *Block) pack() []byte {
	buf := make([]byte, HeaderSize+DataSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(b.Previous))
	binary.BigEndian.PutUint32(buf[4:8], uint32(b.Next))
	binary.BigEndian.PutUint32(buf[8:12], b.Index)
	copy(buf[12:28], b.Stream[:])
	copy(buf[28:48], b.Digest[:])
	copy(buf[48:], b.Data[:])
	return buf
}

// unpack parses plaintext (HeaderSize+DataSize bytes) into b, validating
// self-reference invariants (§3: neither previous nor next may equal the
// block's own index).
func (b *Block) unpack(position int64, plaintext []byte) error {
	if len(plaintext) != HeaderSize+DataSize {
		return errs.New(errs.NotABlock, "block.unpack")
	}
	b.Position = position
	b.Previous = int32(binary.BigEndian.Uint32(plaintext[0:4]))
	b.Next = int32(binary.BigEndian.Uint32(plaintext[4:8]))
	b.Index = binary.BigEndian.Uint32(plaintext[8:12])
	copy(b.Stream[:], plaintext[12:28])
	copy(b.Digest[:], plaintext[28:48])
	copy(b.Data[:], plaintext[48:])

	if b.Previous == int32(b.Position) || b.Next == int32(b.Position) {
		return errs.New(errs.HeaderReference, "block.unpack")
	}
	return b.CheckDigest()
}
