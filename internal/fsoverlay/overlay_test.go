package fsoverlay

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/kristoffer-paulsson/archive7/errs"
	"github.com/kristoffer-paulsson/archive7/internal/block"
	"github.com/kristoffer-paulsson/archive7/internal/stream"
)

func testSecret() block.Secret {
	var s block.Secret
	for i := range s {
		s[i] = byte(i * 5)
	}
	return s
}

func newTestOverlay(t *testing.T) (*Overlay, uuid.UUID) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.bin")
	bm, err := block.Open(path, testSecret(), true, nil)
	if err != nil {
		t.Fatalf("block open: %v", err)
	}
	t.Cleanup(func() { _ = bm.Close() })

	sm, err := stream.Setup(bm, SpecialStreamCount, nil)
	if err != nil {
		t.Fatalf("stream setup: %v", err)
	}
	t.Cleanup(func() { _ = sm.Close() })

	owner := uuid.New()
	ov, err := Setup(sm, owner, 1000, nil)
	if err != nil {
		t.Fatalf("overlay setup: %v", err)
	}
	return ov, owner
}

func isErrKind(err error, kind errs.Kind) bool {
	e, ok := err.(*errs.Error)
	return ok && e.Kind == kind
}

func TestSetupSeedsRootOnlyOnce(t *testing.T) {
	ov, owner := newTestOverlay(t)
	root, err := ov.GetEntry(uuid.Nil)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if root.Type != TypeDir || root.Name != "/" {
		t.Fatalf("root entry = %+v", root)
	}

	// Re-attaching Setup against the same manager must not error or
	// duplicate the root path record.
	if _, err := Setup(ov.sm, owner, 2000, nil); err != nil {
		t.Fatalf("second setup: %v", err)
	}
}

func TestCreateEntryDirAndFile(t *testing.T) {
	ov, owner := newTestOverlay(t)
	opts := CreateOpts{Owner: owner, Now: 1001, Perms: 0o755}

	dir, err := ov.CreateEntry(TypeDir, "docs", uuid.Nil, opts)
	if err != nil {
		t.Fatalf("create dir: %v", err)
	}
	file, err := ov.CreateEntry(TypeFile, "readme.txt", dir.ID, opts)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	if file.Stream != uuid.Nil {
		t.Fatalf("new file entry should have no stream allocated yet, got %v", file.Stream)
	}

	if _, err := ov.CreateEntry(TypeFile, "readme.txt", dir.ID, opts); !isErrKind(err, errs.PathExistsAlready) {
		t.Fatalf("expected PathExistsAlready, got %v", err)
	}

	id, err := ov.ResolvePath("/docs/readme.txt", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != file.ID {
		t.Fatalf("resolved id = %v, want %v", id, file.ID)
	}
}

func TestCreateLinkValidation(t *testing.T) {
	ov, owner := newTestOverlay(t)
	opts := CreateOpts{Owner: owner, Now: 1001}

	file, err := ov.CreateEntry(TypeFile, "target.txt", uuid.Nil, opts)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}

	link, err := ov.CreateEntry(TypeLink, "alias.txt", uuid.Nil, CreateOpts{Owner: owner, Now: 1002, LinkTo: file.ID})
	if err != nil {
		t.Fatalf("create link: %v", err)
	}
	if link.Owner != file.ID {
		t.Fatalf("link owner = %v, want target id %v", link.Owner, file.ID)
	}

	if _, err := ov.CreateEntry(TypeLink, "bad.txt", uuid.Nil, CreateOpts{Owner: owner, Now: 1003, LinkTo: link.ID}); !isErrKind(err, errs.LinkToLink) {
		t.Fatalf("expected LinkToLink, got %v", err)
	}
	if _, err := ov.CreateEntry(TypeLink, "dangling.txt", uuid.Nil, CreateOpts{Owner: owner, Now: 1004, LinkTo: uuid.New()}); !isErrKind(err, errs.LinkTargetError) {
		t.Fatalf("expected LinkTargetError, got %v", err)
	}
}

func TestResolvePathFollowsLinkToTargetContent(t *testing.T) {
	ov, owner := newTestOverlay(t)
	opts := CreateOpts{Owner: owner, Now: 1001}

	file, err := ov.CreateEntry(TypeFile, "target.txt", uuid.Nil, opts)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	if _, err := ov.CreateEntry(TypeLink, "alias.txt", uuid.Nil, CreateOpts{Owner: owner, Now: 1002, LinkTo: file.ID}); err != nil {
		t.Fatalf("create link: %v", err)
	}

	resolved, err := ov.ResolvePath("/alias.txt", true)
	if err != nil {
		t.Fatalf("resolve through link: %v", err)
	}
	if resolved != file.ID {
		t.Fatalf("resolved = %v, want target entry id %v", resolved, file.ID)
	}
}

func TestDeleteEntryModes(t *testing.T) {
	ov, owner := newTestOverlay(t)
	opts := CreateOpts{Owner: owner, Now: 1001}

	dir, err := ov.CreateEntry(TypeDir, "d", uuid.Nil, opts)
	if err != nil {
		t.Fatalf("create dir: %v", err)
	}
	file, err := ov.CreateEntry(TypeFile, "f", dir.ID, opts)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}

	if err := ov.DeleteEntry(dir.ID, Soft); !isErrKind(err, errs.FilesInDir) {
		t.Fatalf("expected FilesInDir deleting non-empty dir, got %v", err)
	}

	if err := ov.DeleteEntry(file.ID, Soft); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	e, err := ov.GetEntry(file.ID)
	if err != nil {
		t.Fatalf("get after soft delete: %v", err)
	}
	if !e.Deleted {
		t.Fatal("entry should be flagged deleted after soft delete")
	}

	if err := ov.DeleteEntry(file.ID, Erase); err != nil {
		t.Fatalf("erase delete: %v", err)
	}
	if _, err := ov.GetEntry(file.ID); !isErrKind(err, errs.PathExistsNot) {
		t.Fatalf("expected PathExistsNot after erase, got %v", err)
	}

	if err := ov.DeleteEntry(dir.ID, Erase); err != nil {
		t.Fatalf("erase empty dir: %v", err)
	}
}

func TestChangeParentAndChangeName(t *testing.T) {
	ov, owner := newTestOverlay(t)
	opts := CreateOpts{Owner: owner, Now: 1001}

	a, err := ov.CreateEntry(TypeDir, "a", uuid.Nil, opts)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := ov.CreateEntry(TypeDir, "b", uuid.Nil, opts)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	file, err := ov.CreateEntry(TypeFile, "f", a.ID, opts)
	if err != nil {
		t.Fatalf("create f: %v", err)
	}

	if err := ov.ChangeParent(file.ID, b.ID); err != nil {
		t.Fatalf("change parent: %v", err)
	}
	if _, err := ov.ResolvePath("/a/f", true); err == nil {
		t.Fatal("old path should no longer resolve")
	}
	if id, err := ov.ResolvePath("/b/f", true); err != nil || id != file.ID {
		t.Fatalf("new path resolve = %v, %v", id, err)
	}

	if err := ov.ChangeParent(file.ID, file.ID); err == nil {
		t.Fatal("expected error reparenting under a non-directory (self, a file)")
	}

	if err := ov.ChangeName(file.ID, "g"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if id, err := ov.ResolvePath("/b/g", true); err != nil || id != file.ID {
		t.Fatalf("renamed path resolve = %v, %v", id, err)
	}
}

func TestOpenLazilyAllocatesStreamAndRejectsDoubleOpen(t *testing.T) {
	ov, owner := newTestOverlay(t)
	opts := CreateOpts{Owner: owner, Now: 1001}

	file, err := ov.CreateEntry(TypeFile, "f", uuid.Nil, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fo, err := ov.Open(file.ID, stream.Mode{Write: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := ov.Open(file.ID, stream.Mode{Write: true}); !isErrKind(err, errs.FileAlreadyOpen) {
		t.Fatalf("expected FileAlreadyOpen, got %v", err)
	}

	if _, err := fo.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	refreshed, err := ov.GetEntry(file.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if refreshed.Stream == uuid.Nil {
		t.Fatal("stream should be allocated after first write-open")
	}

	// Reopening should now succeed since the descriptor was released.
	fo2, err := ov.Open(file.ID, stream.Mode{Read: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := fo2.Close(); err != nil {
		t.Fatalf("close reopened: %v", err)
	}
}

func TestTraverseYieldsSyntheticEntryForDanglingListing(t *testing.T) {
	ov, owner := newTestOverlay(t)
	opts := CreateOpts{Owner: owner, Now: 1001}

	dir, err := ov.CreateEntry(TypeDir, "d", uuid.Nil, opts)
	if err != nil {
		t.Fatalf("create dir: %v", err)
	}
	file, err := ov.CreateEntry(TypeFile, "f", dir.ID, opts)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	// Remove the entry record directly, leaving the listing dangling, to
	// exercise the "<error>" synthesis path without going through
	// DeleteEntry (which keeps the registries consistent).
	if err := ov.reg.deleteEntry(file.ID); err != nil {
		t.Fatalf("delete entry record: %v", err)
	}

	var names []string
	if err := ov.Traverse(uuid.Nil, func(e *Entry, path string) bool {
		names = append(names, e.Name)
		return true
	}); err != nil {
		t.Fatalf("traverse: %v", err)
	}

	found := false
	for _, n := range names {
		if n == "<error>" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a synthetic <error> entry among %v", names)
	}
}
