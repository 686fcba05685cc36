package stream

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/kristoffer-paulsson/archive7/errs"
	"github.com/kristoffer-paulsson/archive7/internal/block"
	"github.com/kristoffer-paulsson/archive7/internal/btree"
	"github.com/sirupsen/logrus"
)

// reservedBlockCount is K in spec §4.D step 1: the number of special
// blocks reserved outside of any stream. Only block 0, the metadata
// block, is reserved for this archive's overlay.
const reservedBlockCount = 1

// openUser tracks a currently-open user stream: its live cursor plus the
// metadata record that will be upserted into the registry on close.
type openUser struct {
	s    *Stream
	meta *Meta
}

// Manager is the stream manager (spec §4.D): it owns the host file (via
// block.Manager), a fixed number of reserved internal streams, the stream
// registry (a B+Tree of user stream UUID -> Meta), and the trash stream
// that persists the recycled-block pool across Close/Open.
type Manager struct {
	bm           *block.Manager
	log          logrus.FieldLogger
	specialCount int
	specialMeta  []Meta
	special      []*Stream
	registry     *btree.Tree
	open         map[uuid.UUID]*openUser
	header       []byte
}

// ReservedStreamUUID returns the small-integer UUID used to identify
// reserved stream i (spec §3: "reserved streams occupy stream UUIDs
// int(0)..int(N-1)").
func ReservedStreamUUID(i int) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[12:16], uint32(i))
	return u
}

func headerSize(specialCount int) int {
	return block.DataSize - specialCount*MetaSize
}

// Setup initializes a brand-new archive: it formats block 0 (reserving
// specialCount internal streams, each given one initial block), then
// leaves the caller to fill in the opaque header bytes via SetHeader.
func Setup(bm *block.Manager, specialCount int, log logrus.FieldLogger) (*Manager, error) {
	if log == nil {
		log = logrus.New()
	}
	m := &Manager{
		bm:           bm,
		log:          log.WithField("component", "stream.manager"),
		specialCount: specialCount,
		specialMeta:  make([]Meta, specialCount),
		special:      make([]*Stream, specialCount),
		open:         make(map[uuid.UUID]*openUser),
		header:       make([]byte, headerSize(specialCount)),
	}

	// block 0 itself
	if _, err := bm.NewBlock(uuid.Nil, 0); err != nil {
		return nil, err
	}

	for i := 0; i < specialCount; i++ {
		su := ReservedStreamUUID(i)
		b, err := bm.NewBlock(su, 0)
		if err != nil {
			return nil, err
		}
		m.specialMeta[i] = NewMeta(su, b.Position)
		s, err := Open(bm, &m.specialMeta[i])
		if err != nil {
			return nil, err
		}
		m.special[i] = s
	}

	reg, err := btree.Open(NewFileObject(m.special[0], Mode{Read: true, Write: true}, nil), 16, MetaSize)
	if err != nil {
		return nil, err
	}
	m.registry = reg

	if err := m.saveMetadataBlock(); err != nil {
		return nil, err
	}
	return m, nil
}

// OpenManager reopens an existing archive's stream manager: it reads block
// 0, recovers every reserved stream's metadata, reopens the registry and
// trash streams, and restores the recycled-block pool from the trash
// stream into bm.
func OpenManager(bm *block.Manager, specialCount int, log logrus.FieldLogger) (*Manager, error) {
	if log == nil {
		log = logrus.New()
	}
	b0, err := bm.LoadBlock(0)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		bm:           bm,
		log:          log.WithField("component", "stream.manager"),
		specialCount: specialCount,
		specialMeta:  make([]Meta, specialCount),
		special:      make([]*Stream, specialCount),
		open:         make(map[uuid.UUID]*openUser),
	}
	hs := headerSize(specialCount)
	m.header = append([]byte(nil), b0.Data[:hs]...)

	for i := 0; i < specialCount; i++ {
		off := hs + i*MetaSize
		meta, err := unpackMeta(b0.Data[off : off+MetaSize])
		if err != nil {
			return nil, err
		}
		m.specialMeta[i] = meta
		s, err := Open(bm, &m.specialMeta[i])
		if err != nil {
			return nil, err
		}
		m.special[i] = s
	}

	reg, err := btree.Open(NewFileObject(m.special[0], Mode{Read: true, Write: true}, nil), 16, MetaSize)
	if err != nil {
		return nil, err
	}
	m.registry = reg

	if trashIdx >= 0 && trashIdx < specialCount {
		positions, err := m.loadTrash()
		if err != nil {
			return nil, err
		}
		bm.RestoreRecycled(positions)
	}
	return m, nil
}

// trashIdx is the reserved-stream ordinal the filesystem overlay binds to
// the trash (spec §6: reserved stream 1). The stream manager itself is
// overlay-agnostic, but needs this one fixed ordinal to persist/restore
// the recycled-block pool across Close/Open, so it is kept as a package
// constant rather than a general parameter.
const trashIdx = 1

// Header returns the caller-opaque header bytes (spec §6 "Header").
func (m *Manager) Header() []byte { return append([]byte(nil), m.header...) }

// SetHeader replaces the caller-opaque header bytes. len(data) must equal
// headerSize(specialCount).
func (m *Manager) SetHeader(data []byte) error {
	if len(data) != len(m.header) {
		return errs.New(errs.InvalidFormat, "stream.set_header")
	}
	copy(m.header, data)
	return m.saveMetadataBlock()
}

func (m *Manager) saveMetadataBlock() error {
	buf := make([]byte, block.DataSize)
	copy(buf, m.header)
	off := len(m.header)
	for i := 0; i < m.specialCount; i++ {
		copy(buf[off+i*MetaSize:], m.specialMeta[i].pack())
	}
	b, err := m.bm.LoadBlock(0)
	if err != nil {
		return err
	}
	b.SetData(buf)
	return m.bm.SaveBlock(0, b)
}

// SpecialStream returns the reserved internal stream at ordinal i.
// Out-of-range i is errs.SpecialStreamBoundary.
func (m *Manager) SpecialStream(i int) (*Stream, error) {
	if i < 0 || i >= m.specialCount {
		return nil, errs.New(errs.SpecialStreamBoundary, "stream.special_stream")
	}
	return m.special[i], nil
}

// NewStream allocates a brand-new user stream and registers it.
func (m *Manager) NewStream() (*Stream, error) {
	id := uuid.New()
	b, err := m.bm.NewBlock(id, 0)
	if err != nil {
		return nil, err
	}
	meta := NewMeta(id, b.Position)
	if err := m.registry.Insert(id[:], meta.pack()); err != nil {
		return nil, err
	}
	s, err := Open(m.bm, &meta)
	if err != nil {
		return nil, err
	}
	m.open[id] = &openUser{s: s, meta: &meta}
	return s, nil
}

// OpenStream opens an existing user stream by UUID. errs.AlreadyOpen if a
// descriptor for it is already resident; errs.NoStreamIdentity if the
// registry has no record of it.
func (m *Manager) OpenStream(id uuid.UUID) (*Stream, error) {
	if _, ok := m.open[id]; ok {
		return nil, errs.New(errs.AlreadyOpen, "stream.open_stream")
	}
	raw, err := m.registry.Get(id[:])
	if err != nil {
		return nil, errs.Wrap(errs.NoStreamIdentity, "stream.open_stream", err)
	}
	meta, err := unpackMeta(raw)
	if err != nil {
		return nil, err
	}
	s, err := Open(m.bm, &meta)
	if err != nil {
		return nil, err
	}
	m.open[id] = &openUser{s: s, meta: &meta}
	return s, nil
}

// CloseStream saves the stream's dirty block, upserts its metadata into
// the registry, and removes it from the open set.
func (m *Manager) CloseStream(id uuid.UUID) error {
	ou, ok := m.open[id]
	if !ok {
		return errs.New(errs.NotOpen, "stream.close_stream")
	}
	if err := ou.s.Save(false); err != nil {
		return err
	}
	if err := m.registry.Update(id[:], ou.meta.pack()); err != nil {
		return err
	}
	delete(m.open, id)
	return nil
}

// IsOpen reports whether id currently has a resident descriptor.
func (m *Manager) IsOpen(id uuid.UUID) bool {
	_, ok := m.open[id]
	return ok
}

// DelStream walks every block of id's chain, recycles them, and removes
// the registry entry. The caller must ensure the stream is not currently
// open.
func (m *Manager) DelStream(id uuid.UUID) error {
	raw, err := m.registry.Get(id[:])
	if err != nil {
		return errs.Wrap(errs.NoStreamIdentity, "stream.del_stream", err)
	}
	meta, err := unpackMeta(raw)
	if err != nil {
		return err
	}
	var positions []int64
	pos := int64(meta.Begin)
	for pos != -1 {
		b, err := m.bm.LoadBlock(pos)
		if err != nil {
			return err
		}
		positions = append(positions, pos)
		pos = int64(b.Next)
	}
	m.bm.Recycle(positions)
	return m.registry.Delete(id[:])
}

// Close flushes every reserved stream, persists the recycled-block pool
// into the trash stream, rewrites the metadata block, and closes the
// block manager. Any user streams still open are force-closed first.
func (m *Manager) Close() error {
	for id := range m.open {
		if err := m.CloseStream(id); err != nil {
			return err
		}
	}
	if err := m.saveTrash(m.bm.RecycledSnapshot()); err != nil {
		return err
	}
	for _, s := range m.special {
		if err := s.Save(true); err != nil {
			return err
		}
	}
	if err := m.saveMetadataBlock(); err != nil {
		return err
	}
	return m.bm.Close()
}

// saveTrash persists positions (the recycled-block pool) into the trash
// reserved stream as [uint32 count][count * int64 position].
func (m *Manager) saveTrash(positions []int64) error {
	fo := NewFileObject(m.special[trashIdx], Mode{Write: true}, nil)
	buf := make([]byte, 4+8*len(positions))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(positions)))
	for i, p := range positions {
		binary.BigEndian.PutUint64(buf[4+8*i:], uint64(p))
	}
	if err := fo.Truncate(u64ptr(0)); err != nil {
		return err
	}
	if _, err := fo.Seek(0, SeekStart); err != nil {
		return err
	}
	if _, err := fo.Write(buf); err != nil {
		return err
	}
	return fo.Flush()
}

func (m *Manager) loadTrash() ([]int64, error) {
	fo := NewFileObject(m.special[trashIdx], Mode{Read: true}, nil)
	length := fo.s.Length(nil)
	if length < 4 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := fo.ReadInto(buf); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(buf[0:4])
	out := make([]int64, 0, count)
	for i := uint32(0); i < count; i++ {
		off := 4 + 8*int(i)
		if off+8 > len(buf) {
			break
		}
		out = append(out, int64(binary.BigEndian.Uint64(buf[off:off+8])))
	}
	return out, nil
}

func u64ptr(v uint64) *uint64 { return &v }
