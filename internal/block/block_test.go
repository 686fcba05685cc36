package block

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	"github.com/google/uuid"
)

func testSecret() Secret {
	var s Secret
	for i := range s {
		s[i] = byte(i)
	}
	return s
}

func TestSealOpenRoundTrip(t *testing.T) {
	secret := testSecret()
	plain := make([]byte, HeaderSize+DataSize)
	for i := range plain {
		plain[i] = byte(i * 7)
	}
	ciphertext, err := seal(&secret, plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(ciphertext) != Size {
		t.Fatalf("ciphertext length = %d, want %d", len(ciphertext), Size)
	}
	got, err := open(&secret, ciphertext)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if diff := deep.Equal(got, plain); diff != nil {
		t.Fatalf("roundtrip mismatch: %v", diff)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	secret := testSecret()
	plain := make([]byte, HeaderSize+DataSize)
	ciphertext, err := seal(&secret, plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xFF
	if _, err := open(&secret, ciphertext); err == nil {
		t.Fatal("expected authentication failure on tampered ciphertext")
	}
}

func TestBlockPackUnpackRoundTrip(t *testing.T) {
	sid := uuid.New()
	b := NewBlock(3, sid, 2)
	b.Previous = 1
	b.Next = 5
	b.SetData([]byte("hello block"))

	packed := b.pack()
	got := &Block{}
	if err := got.unpack(3, packed); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if diff := deep.Equal(got, b); diff != nil {
		t.Fatalf("roundtrip mismatch: %v", diff)
	}
}

func TestUnpackRejectsSelfReference(t *testing.T) {
	sid := uuid.New()
	b := NewBlock(4, sid, 0)
	b.Next = 4 // self-reference, spec §3 invariant
	packed := b.pack()
	if err := (&Block{}).unpack(4, packed); err == nil {
		t.Fatal("expected HeaderReference error on self-referencing block")
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.bin")
	m, err := Open(path, testSecret(), true, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManagerNewLoadSave(t *testing.T) {
	m := newTestManager(t)
	sid := uuid.New()

	b, err := m.NewBlock(sid, 0)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	if b.Position != 0 {
		t.Fatalf("first block position = %d, want 0", b.Position)
	}

	b.SetData([]byte("payload"))
	if err := m.SaveBlock(b.Position, b); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := m.LoadBlock(0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(loaded.Data[:len("payload")]) != "payload" {
		t.Fatalf("loaded data = %q", loaded.Data[:len("payload")])
	}
}

func TestManagerRecycleDedup(t *testing.T) {
	m := newTestManager(t)
	sid := uuid.New()
	b1, _ := m.NewBlock(sid, 0)
	_, _ = m.NewBlock(sid, 1)

	m.Recycle([]int64{b1.Position, b1.Position})
	if got := m.RecycledCount(); got != 1 {
		t.Fatalf("recycled count = %d, want 1 (deduped)", got)
	}

	reused, err := m.NewBlock(sid, 2)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	if reused.Position != b1.Position {
		t.Fatalf("expected recycled position %d, got %d", b1.Position, reused.Position)
	}
}

func TestManagerOpenRejectsUnevenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.bin")
	if err := os.WriteFile(path, make([]byte, Size+1), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path, testSecret(), false, nil); err == nil {
		t.Fatal("expected UnevenArchive error")
	}
}
