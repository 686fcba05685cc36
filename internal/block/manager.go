package block

import (
	"fmt"
	"os"

	"github.com/bits-and-blooms/bitset"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/kristoffer-paulsson/archive7/errs"
	"github.com/sirupsen/logrus"
)

// Manager owns the host file handle and the recycled-block pool (spec §4.B).
// It knows nothing about streams; it only speaks in block positions.
type Manager struct {
	path   string
	file   *os.File
	lock   *flock.Flock
	secret Secret
	log    logrus.FieldLogger

	count    int64        // cached block count = file length / Size
	recycled []int64      // stack of recycled indexes; the last element is handed out first
	inPool   *bitset.BitSet // mirrors `recycled` membership for O(1) membership tests
}

// Open opens (or, with create, creates) the host file at path, acquires an
// exclusive advisory lock, and validates the file length is a multiple of
// Size.
func Open(path string, secret Secret, create bool, log logrus.FieldLogger) (*Manager, error) {
	if log == nil {
		log = logrus.New()
	}
	lk := flock.New(path + ".lock")
	locked, err := lk.TryLock()
	if err != nil {
		return nil, errs.Wrap(errs.AlreadyOpen, "block.open", err)
	}
	if !locked {
		return nil, errs.New(errs.AlreadyOpen, "block.open")
	}

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		_ = lk.Unlock()
		return nil, errs.Wrap(errs.NotOpen, "block.open", err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = lk.Unlock()
		return nil, errs.Wrap(errs.NotOpen, "block.open", err)
	}
	if fi.Size()%Size != 0 {
		_ = f.Close()
		_ = lk.Unlock()
		return nil, errs.Wrap(errs.UnevenArchive, "block.open", fmt.Errorf("file length %d not a multiple of %d", fi.Size(), Size))
	}

	m := &Manager{
		path:   path,
		file:   f,
		lock:   lk,
		secret: secret,
		log:    log.WithField("component", "block.manager"),
		count:  fi.Size() / Size,
	}
	m.log.WithField("blocks", m.count).Debug("opened archive file")
	return m, nil
}

// Close flushes and closes the host file, releasing the advisory lock.
func (m *Manager) Close() error {
	err := m.file.Sync()
	cerr := m.file.Close()
	lerr := m.lock.Unlock()
	if err != nil {
		return errs.Wrap(errs.NotOpen, "block.close", err)
	}
	if cerr != nil {
		return errs.Wrap(errs.NotOpen, "block.close", cerr)
	}
	if lerr != nil {
		return errs.Wrap(errs.NotOpen, "block.close", lerr)
	}
	return nil
}

// Count returns the current number of blocks in the file.
func (m *Manager) Count() int64 { return m.count }

// RecycledCount returns how many block positions are currently pooled for
// reuse, for diagnostics (SPEC_FULL.md Stats()).
func (m *Manager) RecycledCount() int { return len(m.recycled) }

// NewBlock returns a fresh, zero-data block bound to stream at ordinal
// index. It prefers a recycled position; failing that, it appends at EOF.
// The block is written to disk immediately (spec §4.B).
func (m *Manager) NewBlock(stream uuid.UUID, index uint32) (*Block, error) {
	var position int64
	if n := len(m.recycled); n > 0 {
		position = m.recycled[n-1]
		m.recycled = m.recycled[:n-1]
		if m.inPool != nil {
			m.inPool.Clear(uint(position))
		}
	} else {
		position = m.count
		m.count++
	}
	b := NewBlock(position, stream, index)
	if err := m.SaveBlock(position, b); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadBlock reads and decrypts the block at position.
func (m *Manager) LoadBlock(position int64) (*Block, error) {
	if position < 0 || position >= m.count {
		return nil, errs.New(errs.ManagerOutOfBounds, "block.load")
	}
	ciphertext := make([]byte, Size)
	n, err := m.file.ReadAt(ciphertext, position*Size)
	if err != nil {
		return nil, errs.Wrap(errs.BlockSeekError, "block.load", err)
	}
	if n != Size {
		return nil, errs.Wrap(errs.FailedSeekPosition, "block.load", fmt.Errorf("read %d of %d bytes", n, Size))
	}
	plaintext, err := open(&m.secret, ciphertext)
	if err != nil {
		m.log.WithField("position", position).Error("block failed to authenticate")
		return nil, errs.Wrap(errs.DigestMismatch, "block.load", err)
	}
	b := &Block{}
	if err := b.unpack(position, plaintext); err != nil {
		m.log.WithField("position", position).WithError(err).Error("block integrity check failed")
		return nil, err
	}
	return b, nil
}

// SaveBlock re-encrypts and writes block at position. block.Position must
// equal position (spec §4.B: "requires block.position == index").
func (m *Manager) SaveBlock(position int64, b *Block) error {
	if b.Position != position {
		return errs.New(errs.IndexPositionMismatch, "block.save")
	}
	ciphertext, err := seal(&m.secret, b.pack())
	if err != nil {
		return errs.Wrap(errs.FailedFullWrite, "block.save", err)
	}
	n, err := m.file.WriteAt(ciphertext, position*Size)
	if err != nil {
		return errs.Wrap(errs.FailedFullWrite, "block.save", err)
	}
	if n != Size {
		return errs.Wrap(errs.FailedFullWrite, "block.save", fmt.Errorf("wrote %d of %d bytes", n, Size))
	}
	if err := m.file.Sync(); err != nil {
		return errs.Wrap(errs.FailedFullWrite, "block.save", err)
	}
	return nil
}

// Recycle adds positions to the pool for future reuse by NewBlock. A
// bitset mirrors pool membership so a position already pending reuse is
// never queued twice (e.g. a truncate and a subsequent delete racing to
// recycle the same tail block).
func (m *Manager) Recycle(positions []int64) {
	if m.inPool == nil {
		m.inPool = bitset.New(uint(m.count) + 1)
	}
	for _, p := range positions {
		idx := uint(p)
		if m.inPool.Test(idx) {
			continue
		}
		m.inPool.Set(idx) // auto-expands past initial capacity
		m.recycled = append(m.recycled, p)
	}
}

// RecycledSnapshot returns a copy of the current recycled-position pool in
// stack order (the last element is the next one NewBlock hands out), for
// persistence into the trash stream by the stream manager.
func (m *Manager) RecycledSnapshot() []int64 {
	out := make([]int64, len(m.recycled))
	copy(out, m.recycled)
	return out
}

// RestoreRecycled replaces the in-memory recycled pool, used when the
// stream manager reloads the trash stream on Open.
func (m *Manager) RestoreRecycled(positions []int64) {
	m.recycled = append([]int64(nil), positions...)
	m.inPool = bitset.New(uint(m.count) + 1)
	for _, p := range positions {
		m.inPool.Set(uint(p))
	}
}
