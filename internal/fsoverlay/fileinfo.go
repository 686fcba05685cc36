package fsoverlay

import (
	"os"
	"time"
)

// FileInfo adapts an Entry to the standard library's os.FileInfo, so
// callers that already walk real filesystems (os.ReadDir, filepath.Walk
// callbacks, fstest-style comparisons) can treat an archive entry the same
// way. Grounded on the teacher's qcow2 directoryEntry, which wraps a disk
// directory record the identical way; here the wrapped record is an Entry
// instead of a qcow2 inode/FileStat pair, and Mode()/Sys() surface this
// archive's own permission bits and ownership strings rather than a
// numeric uid/gid.
type FileInfo struct {
	entry *Entry
}

// NewFileInfo wraps e as an os.FileInfo.
func NewFileInfo(e *Entry) *FileInfo {
	return &FileInfo{entry: e}
}

// Name returns the entry's own name (not its full path).
func (f *FileInfo) Name() string { return f.entry.Name }

// Size is the logical byte length; directories and links report 0.
func (f *FileInfo) Size() int64 {
	if f.entry.Type != TypeFile {
		return 0
	}
	return int64(f.entry.Length)
}

// Mode reports the entry's permission bits plus the directory/symlink
// mode bit matching its EntryType.
func (f *FileInfo) Mode() os.FileMode {
	mode := os.FileMode(f.entry.Perms)
	switch f.entry.Type {
	case TypeDir:
		mode |= os.ModeDir
	case TypeLink:
		mode |= os.ModeSymlink
	}
	return mode
}

// ModTime is the entry's Modified timestamp.
func (f *FileInfo) ModTime() time.Time { return time.Unix(f.entry.Modified, 0).UTC() }

// IsDir reports whether the wrapped entry is a directory.
func (f *FileInfo) IsDir() bool { return f.entry.Type == TypeDir }

// Ownership is the Sys() payload: the archive's User/Group name strings,
// not a numeric uid/gid pair (the archive has none).
type Ownership struct {
	User  string
	Group string
}

// Sys returns the entry's User/Group ownership strings.
func (f *FileInfo) Sys() interface{} {
	return Ownership{User: f.entry.User, Group: f.entry.Group}
}
