package stream

import (
	"io"
	"strings"

	"github.com/kristoffer-paulsson/archive7/errs"
	"github.com/kristoffer-paulsson/archive7/internal/block"
)

// Mode is a parsed file-object open mode (spec §4.F).
type Mode struct {
	Read      bool
	Write     bool
	Append    bool
	Exclusive bool
	Plus      bool
}

// ParseMode parses a Python-open-style mode string: one of r/w/a/x,
// optionally followed by +. Anything else (invalid or duplicated
// characters) is errs.InvalidMode.
func ParseMode(s string) (Mode, error) {
	s = strings.TrimSuffix(s, "b")
	var m Mode
	seenBase := false
	for _, c := range s {
		switch c {
		case 'r':
			if seenBase {
				return Mode{}, errs.New(errs.InvalidMode, "fileobject.parse_mode")
			}
			m.Read, seenBase = true, true
		case 'w':
			if seenBase {
				return Mode{}, errs.New(errs.InvalidMode, "fileobject.parse_mode")
			}
			m.Write, seenBase = true, true
		case 'a':
			if seenBase {
				return Mode{}, errs.New(errs.InvalidMode, "fileobject.parse_mode")
			}
			m.Append, seenBase = true, true
		case 'x':
			if seenBase {
				return Mode{}, errs.New(errs.InvalidMode, "fileobject.parse_mode")
			}
			m.Exclusive, seenBase = true, true
		case '+':
			if m.Plus {
				return Mode{}, errs.New(errs.InvalidMode, "fileobject.parse_mode")
			}
			m.Plus = true
		default:
			return Mode{}, errs.New(errs.InvalidMode, "fileobject.parse_mode")
		}
	}
	if !seenBase {
		return Mode{}, errs.New(errs.InvalidMode, "fileobject.parse_mode")
	}
	return m, nil
}

func (m Mode) canRead() bool  { return m.Read || m.Plus }
func (m Mode) canWrite() bool { return m.Write || m.Append || m.Exclusive || m.Plus }

// Whence mirrors io.Seeker's constants, kept local so callers of this
// package don't need to import io just for seek semantics.
const (
	SeekStart   = io.SeekStart
	SeekCurrent = io.SeekCurrent
	SeekEnd     = io.SeekEnd
)

// FileObject is a seekable byte-stream wrapper over a Stream (spec §4.F).
type FileObject struct {
	s        *Stream
	mode     Mode
	position uint64
	onClose  func() error
}

// NewFileObject builds a FileObject over s in the given mode. Append mode
// starts positioned at the current end of the stream.
func NewFileObject(s *Stream, mode Mode, onClose func() error) *FileObject {
	fo := &FileObject{s: s, mode: mode, onClose: onClose}
	if mode.Append {
		fo.position = s.Length(nil)
	}
	return fo
}

// Stream exposes the underlying stream, e.g. so the overlay can read its
// identity when patching an entry on lazy allocation.
func (fo *FileObject) Stream() *Stream { return fo.s }

// ReadInto copies up to min(len(buf), end-position) bytes starting at the
// current position, crossing block boundaries via Stream.Next.
func (fo *FileObject) ReadInto(buf []byte) (int, error) {
	if !fo.mode.canRead() {
		return 0, errs.New(errs.InvalidMode, "fileobject.read")
	}
	end := fo.s.Length(nil)
	if fo.position >= end {
		return 0, io.EOF
	}
	avail := end - fo.position
	want := uint64(len(buf))
	if want > avail {
		want = avail
	}
	if _, err := fo.s.Wind(uint32(fo.position / block.DataSize)); err != nil {
		return 0, err
	}
	total := 0
	remaining := int(want)
	for remaining > 0 {
		intra := int(fo.position % block.DataSize)
		data := fo.s.Data()
		n := copy(buf[total:total+min(remaining, len(data)-intra)], data[intra:])
		total += n
		remaining -= n
		fo.position += uint64(n)
		if remaining > 0 {
			moved, err := fo.s.Next()
			if err != nil {
				return total, err
			}
			if !moved {
				break
			}
		}
	}
	return total, nil
}

// Write writes buf at the current position, extending the stream (via
// Stream.Extend) whenever it crosses past the last allocated block, and
// growing the logical length if writing past the current end.
func (fo *FileObject) Write(buf []byte) (int, error) {
	if !fo.mode.canWrite() {
		return 0, errs.New(errs.InvalidMode, "fileobject.write")
	}
	target := uint32(fo.position / block.DataSize)
	if _, err := fo.s.Wind(target); err != nil {
		return 0, err
	}
	// Wind only walks existing chain links; if position addresses a block
	// that hasn't been allocated yet (writing exactly up to, or past, the
	// stream's current tail), it stops short at the last real block. Keep
	// extending until the cursor actually reaches the intended block
	// instead of writing into whatever block Wind left us on.
	for fo.s.CurrentIndex() < target {
		if err := fo.s.Extend(); err != nil {
			return 0, err
		}
	}
	total := 0
	remaining := len(buf)
	for remaining > 0 {
		intra := int(fo.position % block.DataSize)
		data := fo.s.Data()
		n := copy(data[intra:], buf[total:])
		fo.s.MarkDirty()
		total += n
		remaining -= n
		fo.position += uint64(n)
		if remaining > 0 {
			if fo.s.cur.Next == -1 {
				if err := fo.s.Extend(); err != nil {
					return total, err
				}
			} else if _, err := fo.s.Next(); err != nil {
				return total, err
			}
		}
	}
	if fo.position > fo.s.Length(nil) {
		grown := int64(fo.position - fo.s.Length(nil))
		fo.s.Length(&grown)
	}
	return total, nil
}

// Seek repositions within [0, end], per whence semantics, and winds the
// stream cursor to the block owning the new position.
func (fo *FileObject) Seek(offset int64, whence int) (int64, error) {
	end := int64(fo.s.Length(nil))
	var base int64
	switch whence {
	case SeekStart:
		base = 0
	case SeekCurrent:
		base = int64(fo.position)
	case SeekEnd:
		base = end
	default:
		return 0, errs.New(errs.InvalidMode, "fileobject.seek")
	}
	newPos := base + offset
	if newPos < 0 {
		newPos = 0
	}
	if newPos > end {
		newPos = end
	}
	if _, err := fo.s.Wind(uint32(newPos / block.DataSize)); err != nil {
		return 0, err
	}
	fo.position = uint64(newPos)
	return newPos, nil
}

// Truncate delegates to Stream.Truncate, defaulting to the current
// position when size is nil.
func (fo *FileObject) Truncate(size *uint64) error {
	target := fo.position
	if size != nil {
		target = *size
	}
	if err := fo.s.Truncate(target); err != nil {
		return err
	}
	if fo.position > target {
		fo.position = target
	}
	return nil
}

// Flush forces a write-back of the current block.
func (fo *FileObject) Flush() error {
	return fo.s.Save(true)
}

// Close flushes then notifies the stream manager to release the
// descriptor.
func (fo *FileObject) Close() error {
	if err := fo.Flush(); err != nil {
		return err
	}
	if fo.onClose != nil {
		return fo.onClose()
	}
	return nil
}
