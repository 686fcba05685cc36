// Package archive7 implements an encrypted, single-file virtual
// filesystem container: directories, files, and links with Unix-style
// ownership and permissions, stored entirely inside one host file under
// authenticated symmetric encryption (spec §1).
//
// The storage engine is layered bottom-up: an authenticated block codec
// and block manager (internal/block), a logical byte-stream abstraction
// and stream manager (internal/stream), an on-disk B+Tree (internal/btree),
// and a filesystem overlay of entry/path/listing registries
// (internal/fsoverlay). This package is the façade a caller mounts.
package archive7

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kristoffer-paulsson/archive7/errs"
	"github.com/kristoffer-paulsson/archive7/internal/block"
	"github.com/kristoffer-paulsson/archive7/internal/fsoverlay"
	"github.com/kristoffer-paulsson/archive7/internal/stream"
	"github.com/kristoffer-paulsson/archive7/query"
	"github.com/sirupsen/logrus"
)

// Secret is the caller-supplied 32-byte symmetric key (re-exported so
// callers don't need to import internal/block).
type Secret = block.Secret

// DeleteMode re-exports the overlay's delete-mode enum at the façade.
type DeleteMode = fsoverlay.DeleteMode

const (
	Soft  = fsoverlay.Soft
	Hard  = fsoverlay.Hard
	Erase = fsoverlay.Erase
)

// Archive is an open, mounted container.
type Archive struct {
	bm                *block.Manager
	sm                *stream.Manager
	ov                *fsoverlay.Overlay
	header            Header
	defaultDeleteMode DeleteMode
	log               logrus.FieldLogger
}

// Setup creates a brand-new archive at path (spec §6 Archive.setup).
func Setup(path string, secret Secret, owner, domain, node uuid.UUID, title string, log logrus.FieldLogger) (*Archive, error) {
	if log == nil {
		log = logrus.New()
	}
	bm, err := block.Open(path, secret, true, log)
	if err != nil {
		return nil, err
	}
	sm, err := stream.Setup(bm, fsoverlay.SpecialStreamCount, log)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	h := Header{
		VersionMajor: 1,
		VersionMinor: 0,
		Identity:     uuid.New(),
		Owner:        owner,
		Domain:       domain,
		Node:         node,
		Created:      now,
		Title:        title,
	}
	full := make([]byte, len(sm.Header()))
	copy(full, h.pack())
	if err := sm.SetHeader(full); err != nil {
		return nil, err
	}

	ov, err := fsoverlay.Setup(sm, owner, now, log)
	if err != nil {
		return nil, err
	}
	return &Archive{bm: bm, sm: sm, ov: ov, header: h, defaultDeleteMode: Soft, log: log}, nil
}

// Open mounts an existing archive at path (spec §6 Archive.open).
func Open(path string, secret Secret, defaultDeleteMode DeleteMode, log logrus.FieldLogger) (*Archive, error) {
	if log == nil {
		log = logrus.New()
	}
	bm, err := block.Open(path, secret, false, log)
	if err != nil {
		return nil, err
	}
	sm, err := stream.OpenManager(bm, fsoverlay.SpecialStreamCount, log)
	if err != nil {
		return nil, err
	}
	h, err := unpackHeader(sm.Header())
	if err != nil {
		return nil, errs.Wrap(errs.ArchiveNotFound, "archive7.open", err)
	}
	ov, err := fsoverlay.Open(sm, log)
	if err != nil {
		return nil, err
	}
	return &Archive{bm: bm, sm: sm, ov: ov, header: h, defaultDeleteMode: defaultDeleteMode, log: log}, nil
}

// Close flushes every open file, the reserved streams, and the metadata
// block, then releases the host-file lock (spec §5 resource acquisition).
func (a *Archive) Close() error {
	if err := a.ov.CloseAllOpen(); err != nil {
		return err
	}
	return a.sm.Close()
}

// Stats is the supplemented diagnostics surface (spec §6 Archive.stats),
// returning the caller header plus block bookkeeping counters (block
// count and recycled-pool size).
type Stats struct {
	Header        Header
	BlockCount    int64
	RecycledCount int
}

func (a *Archive) Stats() Stats {
	return Stats{Header: a.header, BlockCount: a.bm.Count(), RecycledCount: a.bm.RecycledCount()}
}

func splitParentName(path string) (string, string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", "", errs.New(errs.NotAbsolutePath, "archive7.split_parent_name")
	}
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		return "", "", errs.New(errs.NotAbsolutePath, "archive7.split_parent_name")
	}
	idx := strings.LastIndex(trimmed, "/")
	parent := trimmed[:idx]
	if parent == "" {
		parent = "/"
	}
	return parent, trimmed[idx+1:], nil
}

// Mkdir creates a directory at path (spec §6 Files.mkdir).
func (a *Archive) Mkdir(path string) (*fsoverlay.Entry, error) {
	parentPath, name, err := splitParentName(path)
	if err != nil {
		return nil, err
	}
	parentID, err := a.ov.ResolvePath(parentPath, true)
	if err != nil {
		return nil, err
	}
	return a.ov.CreateEntry(fsoverlay.TypeDir, name, parentID, fsoverlay.CreateOpts{
		Owner: a.header.Owner,
		Now:   time.Now().Unix(),
		Perms: 0o755,
	})
}

// Mkfile creates a file at path with the given content (spec §6
// Files.mkfile).
func (a *Archive) Mkfile(path string, data []byte) (*fsoverlay.Entry, error) {
	parentPath, name, err := splitParentName(path)
	if err != nil {
		return nil, err
	}
	parentID, err := a.ov.ResolvePath(parentPath, true)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	e, err := a.ov.CreateEntry(fsoverlay.TypeFile, name, parentID, fsoverlay.CreateOpts{
		Owner: a.header.Owner,
		Now:   now,
		Perms: 0o644,
	})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return e, nil
	}
	if err := a.writeAll(e.ID, data, now); err != nil {
		return nil, err
	}
	return a.ov.GetEntry(e.ID)
}

func (a *Archive) writeAll(id uuid.UUID, data []byte, modified int64) error {
	fo, err := a.ov.Open(id, stream.Mode{Write: true})
	if err != nil {
		return err
	}
	if _, err := fo.Write(data); err != nil {
		_ = fo.Close()
		return err
	}
	if err := fo.Close(); err != nil {
		return err
	}
	length := uint64(len(data))
	_, err = a.ov.UpdateEntry(id, fsoverlay.EntryPatch{Length: &length, Modified: &modified})
	return err
}

// Link creates a LINK entry at path pointing at targetPath (spec §6
// Files.link).
func (a *Archive) Link(path, targetPath string) (*fsoverlay.Entry, error) {
	parentPath, name, err := splitParentName(path)
	if err != nil {
		return nil, err
	}
	parentID, err := a.ov.ResolvePath(parentPath, true)
	if err != nil {
		return nil, err
	}
	targetID, err := a.ov.ResolvePath(targetPath, false)
	if err != nil {
		return nil, err
	}
	return a.ov.CreateEntry(fsoverlay.TypeLink, name, parentID, fsoverlay.CreateOpts{
		Owner:  a.header.Owner,
		Now:    time.Now().Unix(),
		Perms:  0o777,
		LinkTo: targetID,
	})
}

func (a *Archive) entryAt(path string, followLink bool) (*fsoverlay.Entry, error) {
	id, err := a.ov.ResolvePath(path, followLink)
	if err != nil {
		return nil, err
	}
	return a.ov.GetEntry(id)
}

// Isdir/Isfile/Islink report the type of the entry at path without
// following a trailing link (spec §6).
func (a *Archive) Isdir(path string) (bool, error) {
	e, err := a.entryAt(path, false)
	if err != nil {
		return false, err
	}
	return e.Type == fsoverlay.TypeDir, nil
}

func (a *Archive) Isfile(path string) (bool, error) {
	e, err := a.entryAt(path, false)
	if err != nil {
		return false, err
	}
	return e.Type == fsoverlay.TypeFile, nil
}

func (a *Archive) Islink(path string) (bool, error) {
	e, err := a.entryAt(path, false)
	if err != nil {
		return false, err
	}
	return e.Type == fsoverlay.TypeLink, nil
}

// Rename changes the name of the entry at path, keeping its parent (spec
// §6 Files.rename).
func (a *Archive) Rename(path, newName string) error {
	id, err := a.ov.ResolvePath(path, false)
	if err != nil {
		return err
	}
	return a.ov.ChangeName(id, newName)
}

// Move reparents the entry at path under newParentPath (spec §6
// Files.move).
func (a *Archive) Move(path, newParentPath string) error {
	id, err := a.ov.ResolvePath(path, false)
	if err != nil {
		return err
	}
	newParentID, err := a.ov.ResolvePath(newParentPath, true)
	if err != nil {
		return err
	}
	return a.ov.ChangeParent(id, newParentID)
}

// Chmod sets the permission bits of the entry at path (spec §6
// Files.chmod).
func (a *Archive) Chmod(path string, perms uint16) error {
	id, err := a.ov.ResolvePath(path, false)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = a.ov.UpdateEntry(id, fsoverlay.EntryPatch{Perms: &perms, Modified: &now})
	return err
}

// Remove deletes the entry at path at the given mode, or the archive's
// default delete mode if mode is nil (spec §6 Files.remove).
func (a *Archive) Remove(path string, mode *DeleteMode) error {
	id, err := a.ov.ResolvePath(path, false)
	if err != nil {
		return err
	}
	m := a.defaultDeleteMode
	if mode != nil {
		m = *mode
	}
	return a.ov.DeleteEntry(id, m)
}

// Info returns the entry at path (spec §6 Files.info).
func (a *Archive) Info(path string) (*fsoverlay.Entry, error) {
	return a.entryAt(path, false)
}

// Stat returns the entry at path wrapped as a standard os.FileInfo, for
// callers that want to reuse stdlib-shaped directory-walking code against
// a mounted archive (supplemented feature; see SPEC_FULL.md).
func (a *Archive) Stat(path string) (*fsoverlay.FileInfo, error) {
	e, err := a.entryAt(path, false)
	if err != nil {
		return nil, err
	}
	return fsoverlay.NewFileInfo(e), nil
}

// Load reads the full content of the file at path, following a trailing
// link (spec §6 Files.load, §8 Testable Properties #2).
func (a *Archive) Load(path string) ([]byte, error) {
	id, err := a.ov.ResolvePath(path, true)
	if err != nil {
		return nil, err
	}
	e, err := a.ov.GetEntry(id)
	if err != nil {
		return nil, err
	}
	if e.Type != fsoverlay.TypeFile {
		return nil, errs.New(errs.NotAFile, "archive7.load")
	}
	fo, err := a.ov.Open(id, stream.Mode{Read: true})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, e.Length)
	if _, err := fo.ReadInto(buf); err != nil {
		_ = fo.Close()
		return nil, err
	}
	if err := fo.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

// Save overwrites the file at path with data (spec §6 Files.save).
func (a *Archive) Save(path string, data []byte, modified *int64) error {
	id, err := a.ov.ResolvePath(path, true)
	if err != nil {
		return err
	}
	e, err := a.ov.GetEntry(id)
	if err != nil {
		return err
	}
	if e.Type != fsoverlay.TypeFile {
		return errs.New(errs.NotAFile, "archive7.save")
	}
	fo, err := a.ov.Open(id, stream.Mode{Write: true})
	if err != nil {
		return err
	}
	if err := fo.Truncate(u64ptr(0)); err != nil {
		_ = fo.Close()
		return err
	}
	if _, err := fo.Seek(0, stream.SeekStart); err != nil {
		_ = fo.Close()
		return err
	}
	if _, err := fo.Write(data); err != nil {
		_ = fo.Close()
		return err
	}
	if err := fo.Close(); err != nil {
		return err
	}
	when := time.Now().Unix()
	if modified != nil {
		when = *modified
	}
	length := uint64(len(data))
	_, err = a.ov.UpdateEntry(id, fsoverlay.EntryPatch{Length: &length, Modified: &when})
	return err
}

func u64ptr(v uint64) *uint64 { return &v }

// Glob returns the absolute paths of every entry matching q, walked from
// the root (spec §6 Files.glob).
func (a *Archive) Glob(q query.Query) ([]string, error) {
	pred, err := query.Compile(q)
	if err != nil {
		return nil, err
	}
	var out []string
	err = a.ov.Traverse(uuid.Nil, func(e *fsoverlay.Entry, path string) bool {
		if pred.Match(e) {
			out = append(out, path)
		}
		return true
	})
	return out, err
}

// SearchResult pairs a matched entry with its reconstructed absolute
// path, the unit yielded by Search (spec §6 Files.search, an "async
// generator" here modeled as a callback over a serialized traversal).
type SearchResult struct {
	Entry *fsoverlay.Entry
	Path  string
}

// Search walks the hierarchy, invoking fn once per matching entry. fn
// returning false stops the walk early (spec §5: "yields once to let the
// caller process the item").
func (a *Archive) Search(q query.Query, fn func(SearchResult) bool) error {
	pred, err := query.Compile(q)
	if err != nil {
		return err
	}
	return a.ov.Traverse(uuid.Nil, func(e *fsoverlay.Entry, path string) bool {
		if !pred.Match(e) {
			return true
		}
		return fn(SearchResult{Entry: e, Path: path})
	})
}
