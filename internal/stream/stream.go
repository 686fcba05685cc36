package stream

import (
	"github.com/kristoffer-paulsson/archive7/errs"
	"github.com/kristoffer-paulsson/archive7/internal/block"
)

// Stream is a doubly-linked chain of blocks forming one logical byte
// sequence (spec §4.C). It pins one "current" block as a cursor.
type Stream struct {
	mgr   *block.Manager
	meta  *Meta
	cur   *block.Block
	dirty bool
}

// Open attaches a Stream to meta, loading its first block as the cursor.
func Open(mgr *block.Manager, meta *Meta) (*Stream, error) {
	if meta.Begin < 0 {
		return nil, errs.New(errs.OutOfBounds, "stream.open")
	}
	b, err := mgr.LoadBlock(int64(meta.Begin))
	if err != nil {
		return nil, err
	}
	return &Stream{mgr: mgr, meta: meta, cur: b}, nil
}

// Meta returns the stream's current metadata snapshot.
func (s *Stream) Meta() Meta { return *s.meta }

// Data returns a mutable view of the current block's payload. Callers that
// write through the returned slice must call MarkDirty (Write does this
// for them); Data itself never marks the block dirty.
func (s *Stream) Data() []byte {
	return s.cur.Data[:]
}

// MarkDirty flags the current block as needing a write-back and refreshes
// its digest to match whatever was just written into Data().
func (s *Stream) MarkDirty() {
	s.cur.SetData(s.cur.Data[:])
	s.dirty = true
}

// Save writes the current block through the block manager if dirty, or
// unconditionally when enforce is true (spec §4.C Save(enforce?)).
func (s *Stream) Save(enforce bool) error {
	if !s.dirty && !enforce {
		return nil
	}
	if err := s.mgr.SaveBlock(s.cur.Position, s.cur); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Next saves the current block then loads the next one in the chain.
// Returns false (with no error) if already at the last block.
func (s *Stream) Next() (bool, error) {
	if s.cur.Next == -1 {
		return false, nil
	}
	if err := s.Save(false); err != nil {
		return false, err
	}
	b, err := s.mgr.LoadBlock(int64(s.cur.Next))
	if err != nil {
		return false, err
	}
	s.cur = b
	return true, nil
}

// Previous saves the current block then loads the prior one in the chain.
// Returns false (with no error) if already at the first block.
func (s *Stream) Previous() (bool, error) {
	if s.cur.Previous == -1 {
		return false, nil
	}
	if err := s.Save(false); err != nil {
		return false, err
	}
	b, err := s.mgr.LoadBlock(int64(s.cur.Previous))
	if err != nil {
		return false, err
	}
	s.cur = b
	return true, nil
}

// CurrentIndex returns the stream-ordinal of the current block.
func (s *Stream) CurrentIndex() uint32 { return s.cur.Index }

// Wind moves the cursor forward or backward to the block with the given
// stream-ordinal index, returning the ordinal actually landed on. A target
// beyond the chain is not refused: the cursor walks as far as the chain
// goes and stops on the last block, whose ordinal is returned (it does not
// stay on the block it started from). FileObject.Write relies on this to
// find the tail before calling Extend.
func (s *Stream) Wind(target uint32) (uint32, error) {
	for s.cur.Index < target {
		moved, err := s.Next()
		if err != nil {
			return s.cur.Index, err
		}
		if !moved {
			break
		}
	}
	for s.cur.Index > target {
		moved, err := s.Previous()
		if err != nil {
			return s.cur.Index, err
		}
		if !moved {
			break
		}
	}
	return s.cur.Index, nil
}

// Extend allocates a new block and links it after the current one. Only
// valid when the cursor is at the end of the chain.
func (s *Stream) Extend() error {
	if s.cur.Next != -1 {
		return errs.New(errs.PushFront, "stream.extend")
	}
	if err := s.Save(false); err != nil {
		return err
	}
	nb, err := s.mgr.NewBlock(s.meta.Identity, s.meta.Count)
	if err != nil {
		return err
	}
	nb.Previous = int32(s.cur.Position)
	s.cur.Next = int32(nb.Position)
	if err := s.mgr.SaveBlock(s.cur.Position, s.cur); err != nil {
		return err
	}
	if err := s.mgr.SaveBlock(nb.Position, nb); err != nil {
		return err
	}
	s.cur = nb
	s.meta.Count++
	s.meta.End = int32(nb.Position)
	return nil
}

// Truncate shrinks the stream to length bytes: locates the block that now
// becomes the tail, zeros its tail bytes, and recycles every block after
// it (spec §4.C).
func (s *Stream) Truncate(length uint64) error {
	keepIndex := uint32(length / block.DataSize)
	if _, err := s.Wind(keepIndex); err != nil {
		return err
	}
	offsetInBlock := int(length % block.DataSize)

	// recycle every block after the one we land on
	var toRecycle []int64
	next := s.cur.Next
	for next != -1 {
		b, err := s.mgr.LoadBlock(int64(next))
		if err != nil {
			return err
		}
		toRecycle = append(toRecycle, b.Position)
		next = b.Next
	}
	if len(toRecycle) > 0 {
		s.mgr.Recycle(toRecycle)
	}

	data := s.cur.Data[:]
	for i := offsetInBlock; i < len(data); i++ {
		data[i] = 0
	}
	s.cur.SetData(data)
	s.cur.Next = -1
	s.dirty = true

	s.meta.End = int32(s.cur.Position)
	s.meta.Count = s.cur.Index + 1
	s.meta.Length = length
	return s.Save(true)
}

// Length reads (delta == nil) or additively adjusts and returns the
// stream's logical byte length.
func (s *Stream) Length(delta *int64) uint64 {
	if delta != nil {
		s.meta.Length = uint64(int64(s.meta.Length) + *delta)
	}
	return s.meta.Length
}
