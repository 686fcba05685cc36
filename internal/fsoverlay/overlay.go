package fsoverlay

import (
	"strings"

	"github.com/google/uuid"
	"github.com/kristoffer-paulsson/archive7/errs"
	"github.com/kristoffer-paulsson/archive7/internal/stream"
	"github.com/sirupsen/logrus"
)

// DeleteMode selects how far delete_entry unwinds an entry (spec §4.J).
type DeleteMode int

const (
	Soft DeleteMode = iota
	Hard
	Erase
)

// Overlay is the filesystem overlay (spec §4.J): CRUD on entries, path
// resolution, rename/move, delete modes, and file-object lifecycle, all
// built on the three registries of §4.G-I.
type Overlay struct {
	sm   *stream.Manager
	reg  *registries
	open map[uuid.UUID]*stream.FileObject
	log  logrus.FieldLogger
}

func attach(sm *stream.Manager, log logrus.FieldLogger) (*Overlay, error) {
	if log == nil {
		log = logrus.New()
	}
	reg, err := openRegistries(sm)
	if err != nil {
		return nil, err
	}
	return &Overlay{
		sm:   sm,
		reg:  reg,
		open: make(map[uuid.UUID]*stream.FileObject),
		log:  log.WithField("component", "fsoverlay"),
	}, nil
}

// Open attaches the overlay to an already-initialized archive's registries.
func Open(sm *stream.Manager, log logrus.FieldLogger) (*Overlay, error) {
	return attach(sm, log)
}

// Setup attaches the overlay and, if the root directory does not already
// exist, seeds it in the entry and path registries (spec §4.J "On setup()
// the overlay seeds the root entry"). No listing record is written: the
// multi-value listing tree stores only members, so the root's empty set
// is simply the absence of rows under its key.
func Setup(sm *stream.Manager, owner uuid.UUID, now int64, log logrus.FieldLogger) (*Overlay, error) {
	o, err := attach(sm, log)
	if err != nil {
		return nil, err
	}
	if _, err := o.reg.getEntry(uuid.Nil); err != nil {
		root := &Entry{
			Type:     TypeDir,
			ID:       uuid.Nil,
			Parent:   uuid.Nil,
			Owner:    owner,
			Created:  now,
			Modified: now,
			Name:     "/",
			Perms:    0o755,
		}
		if err := o.reg.putEntry(root); err != nil {
			return nil, err
		}
		key := PathKey(uuid.Nil, "/")
		if err := o.reg.paths.Insert(key[:], packPathValue(TypeDir, uuid.Nil)); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// ResolvePath walks path from the root, returning the id of the final
// component (spec §4.J resolve_path). followLink makes every LINK
// component, the final one included, transparent by continuing from the
// link's target entry itself.
func (o *Overlay) ResolvePath(path string, followLink bool) (uuid.UUID, error) {
	if !strings.HasPrefix(path, "/") {
		return uuid.UUID{}, errs.New(errs.NotAbsolutePath, "fsoverlay.resolve_path")
	}
	parent := uuid.Nil
	if path == "/" {
		return parent, nil
	}
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		key := PathKey(parent, part)
		raw, err := o.reg.paths.Get(key[:])
		if err != nil {
			return uuid.UUID{}, errs.Wrap(errs.InvalidPath, "fsoverlay.resolve_path", err)
		}
		typ, id, err := unpackPathValue(raw)
		if err != nil {
			return uuid.UUID{}, err
		}
		if followLink && typ == TypeLink {
			link, err := o.reg.getEntry(id)
			if err != nil {
				return uuid.UUID{}, err
			}
			target, err := o.reg.getEntry(link.Owner)
			if err != nil {
				return uuid.UUID{}, err
			}
			// Resolved as "continue from the link's target" rather than
			// the target's parent (see DESIGN.md: the literal reading of
			// this step would hand back the target's containing
			// directory instead of the target itself, which cannot
			// satisfy load() reading through a link).
			parent = target.ID
		} else {
			parent = id
		}
	}
	return parent, nil
}

// CreateOpts carries the optional fields for CreateEntry.
type CreateOpts struct {
	Owner  uuid.UUID
	Now    int64
	User   string
	Group  string
	Perms  uint16
	LinkTo uuid.UUID // for TypeLink only: target entry id
}

// CreateEntry builds and registers a new entry under parent (spec §4.J
// create_entry).
func (o *Overlay) CreateEntry(t EntryType, name string, parent uuid.UUID, opts CreateOpts) (*Entry, error) {
	if !t.valid() {
		return nil, errs.New(errs.UnknownEntryType, "fsoverlay.create_entry")
	}
	key := PathKey(parent, name)
	if _, err := o.reg.paths.Get(key[:]); err == nil {
		return nil, errs.New(errs.PathExistsAlready, "fsoverlay.create_entry")
	}

	e := &Entry{
		ID:       uuid.New(),
		Type:     t,
		Parent:   parent,
		Owner:    opts.Owner,
		Created:  opts.Now,
		Modified: opts.Now,
		Name:     name,
		User:     opts.User,
		Group:    opts.Group,
		Perms:    opts.Perms,
	}

	if t == TypeLink {
		target, err := o.reg.getEntry(opts.LinkTo)
		if err != nil {
			return nil, errs.Wrap(errs.LinkTargetError, "fsoverlay.create_entry", err)
		}
		if target.Type == TypeLink {
			return nil, errs.New(errs.LinkToLink, "fsoverlay.create_entry")
		}
		e.Owner = target.ID
	}
	// FILE entries get a lazily-allocated stream (spec §9 "Lazy stream
	// allocation"); e.Stream stays the zero UUID until the first Open.

	if err := o.reg.putEntry(e); err != nil {
		return nil, err
	}
	if err := o.reg.paths.Insert(key[:], packPathValue(t, e.ID)); err != nil {
		return nil, err
	}
	if err := o.reg.listings.Insert(parent[:], e.ID[:]); err != nil {
		return nil, err
	}
	return e, nil
}

// EntryPatch carries the optional fields update_entry may mutate; nil
// fields are left untouched.
type EntryPatch struct {
	Owner    *uuid.UUID
	User     *string
	Group    *string
	Perms    *uint16
	Modified *int64
	Deleted  *bool
	Length   *uint64
	Stream   *uuid.UUID
}

// UpdateEntry fetches id, applies only the supplied fields, and re-packs
// (spec §4.J update_entry).
func (o *Overlay) UpdateEntry(id uuid.UUID, p EntryPatch) (*Entry, error) {
	e, err := o.reg.getEntry(id)
	if err != nil {
		return nil, err
	}
	if p.Owner != nil {
		e.Owner = *p.Owner
	}
	if p.User != nil {
		e.User = *p.User
	}
	if p.Group != nil {
		e.Group = *p.Group
	}
	if p.Perms != nil {
		e.Perms = clampPerms(*p.Perms)
	}
	if p.Modified != nil {
		e.Modified = *p.Modified
	}
	if p.Deleted != nil {
		e.Deleted = *p.Deleted
	}
	if p.Length != nil {
		e.Length = *p.Length
	}
	if p.Stream != nil {
		e.Stream = *p.Stream
	}
	if err := o.reg.updateEntry(e); err != nil {
		return nil, err
	}
	return e, nil
}

// DeleteEntry removes or flags id per mode (spec §4.J delete_entry).
func (o *Overlay) DeleteEntry(id uuid.UUID, mode DeleteMode) error {
	e, err := o.reg.getEntry(id)
	if err != nil {
		return err
	}
	if e.Type == TypeDir {
		count, err := o.reg.listings.Count(id[:])
		if err != nil {
			return err
		}
		if count > 0 {
			return errs.New(errs.FilesInDir, "fsoverlay.delete_entry")
		}
	}

	switch mode {
	case Soft:
		e.Deleted = true
		return o.reg.updateEntry(e)
	case Hard:
		e.Deleted = true
		if e.Stream != uuid.Nil {
			if err := o.sm.DelStream(e.Stream); err != nil {
				return err
			}
			e.Stream = uuid.Nil
		}
		return o.reg.updateEntry(e)
	case Erase:
		if e.Stream != uuid.Nil {
			if err := o.sm.DelStream(e.Stream); err != nil {
				return err
			}
		}
		if err := o.reg.listings.Delete(e.Parent[:], id[:]); err != nil && !isKind(err, errs.RecordNotFound) {
			return err
		}
		key := PathKey(e.Parent, e.Name)
		if err := o.reg.paths.Delete(key[:]); err != nil {
			return err
		}
		return o.reg.deleteEntry(id)
	default:
		return errs.New(errs.UnknownDeleteLevel, "fsoverlay.delete_entry")
	}
}

// ChangeParent reparents id under newParent (spec §4.J change_parent).
func (o *Overlay) ChangeParent(id, newParent uuid.UUID) error {
	e, err := o.reg.getEntry(id)
	if err != nil {
		return err
	}
	np, err := o.reg.getEntry(newParent)
	if err != nil {
		return err
	}
	if np.Type != TypeDir {
		return errs.New(errs.NotADir, "fsoverlay.change_parent")
	}
	// Open Question 1: the collision key is uuid5(new_parent_id, entry.name).
	newKey := PathKey(newParent, e.Name)
	if _, err := o.reg.paths.Get(newKey[:]); err == nil {
		return errs.New(errs.PathExistsAlready, "fsoverlay.change_parent")
	}
	oldKey := PathKey(e.Parent, e.Name)

	if err := o.reg.listings.Delete(e.Parent[:], id[:]); err != nil {
		return err
	}
	if err := o.reg.listings.Insert(newParent[:], id[:]); err != nil {
		return err
	}
	if err := o.reg.paths.Insert(newKey[:], packPathValue(e.Type, id)); err != nil {
		return err
	}
	if err := o.reg.paths.Delete(oldKey[:]); err != nil {
		return err
	}
	e.Parent = newParent
	return o.reg.updateEntry(e)
}

// ChangeName renames id in place within its current parent (spec §4.J
// change_name).
func (o *Overlay) ChangeName(id uuid.UUID, newName string) error {
	e, err := o.reg.getEntry(id)
	if err != nil {
		return err
	}
	newKey := PathKey(e.Parent, newName)
	if _, err := o.reg.paths.Get(newKey[:]); err == nil {
		return errs.New(errs.PathExistsAlready, "fsoverlay.change_name")
	}
	oldKey := PathKey(e.Parent, e.Name)
	if err := o.reg.paths.Insert(newKey[:], packPathValue(e.Type, id)); err != nil {
		return err
	}
	if err := o.reg.paths.Delete(oldKey[:]); err != nil {
		return err
	}
	e.Name = newName
	return o.reg.updateEntry(e)
}

// Open returns a FileObject over id's data stream, allocating the stream
// lazily on the first open in any mode, read-only included (spec §9,
// §4.J open).
func (o *Overlay) Open(id uuid.UUID, mode stream.Mode) (*stream.FileObject, error) {
	if _, ok := o.open[id]; ok {
		return nil, errs.New(errs.FileAlreadyOpen, "fsoverlay.open")
	}
	e, err := o.reg.getEntry(id)
	if err != nil {
		return nil, err
	}
	if e.Type != TypeFile {
		return nil, errs.New(errs.NotAFile, "fsoverlay.open")
	}
	if e.Deleted {
		return nil, errs.New(errs.EntryDeleted, "fsoverlay.open")
	}

	var s *stream.Stream
	if e.Stream == uuid.Nil {
		s, err = o.sm.NewStream()
		if err != nil {
			return nil, err
		}
		e.Stream = s.Meta().Identity
		if err := o.reg.updateEntry(e); err != nil {
			return nil, err
		}
	} else {
		s, err = o.sm.OpenStream(e.Stream)
		if err != nil {
			return nil, err
		}
	}

	fo := stream.NewFileObject(s, mode, func() error { return o.release(id) })
	o.open[id] = fo
	return fo, nil
}

// release pops id's descriptor from the open set (spec §4.J release,
// called from FileObject.Close).
func (o *Overlay) release(id uuid.UUID) error {
	fo, ok := o.open[id]
	if !ok {
		return nil
	}
	delete(o.open, id)
	return o.sm.CloseStream(fo.Stream().Meta().Identity)
}

// CloseAllOpen flushes and releases every resident FileObject (spec §5:
// "on close, all open FileObjects are closed").
func (o *Overlay) CloseAllOpen() error {
	ids := make([]uuid.UUID, 0, len(o.open))
	for id := range o.open {
		ids = append(ids, id)
	}
	for _, id := range ids {
		if fo, ok := o.open[id]; ok {
			if err := fo.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetEntry fetches id's entry record.
func (o *Overlay) GetEntry(id uuid.UUID) (*Entry, error) { return o.reg.getEntry(id) }

// Traverse performs a depth-first, pre-order walk from rootID, invoking fn
// with each entry and its reconstructed absolute path (spec §4.J
// traverse_hierarchy). fn returning false stops the walk early.
func (o *Overlay) Traverse(rootID uuid.UUID, fn func(e *Entry, path string) bool) error {
	_, err := o.traverse(rootID, "/", fn)
	return err
}

func (o *Overlay) traverse(id uuid.UUID, path string, fn func(*Entry, string) bool) (bool, error) {
	e, err := o.reg.getEntry(id)
	if err != nil {
		synthetic := &Entry{ID: id, Type: TypeFile, Name: "<error>"}
		return fn(synthetic, joinPath(path, "<error>")), nil
	}
	if !fn(e, path) {
		return false, nil
	}
	if e.Type != TypeDir {
		return true, nil
	}

	var children []uuid.UUID
	err = o.reg.listings.Traverse(id[:], func(elem []byte) bool {
		var cid uuid.UUID
		copy(cid[:], elem)
		children = append(children, cid)
		return true
	})
	if err != nil {
		return false, err
	}
	for _, cid := range children {
		child, cerr := o.reg.getEntry(cid)
		name := "<error>"
		if cerr == nil {
			name = child.Name
		}
		childPath := joinPath(path, name)
		if cerr != nil {
			if !fn(&Entry{ID: cid, Type: TypeFile, Name: "<error>"}, childPath) {
				return false, nil
			}
			continue
		}
		if child.Type == TypeDir {
			cont, err := o.traverse(cid, childPath, fn)
			if err != nil || !cont {
				return cont, err
			}
		} else if !fn(child, childPath) {
			return false, nil
		}
	}
	return true, nil
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func isKind(err error, kind errs.Kind) bool {
	e, ok := err.(*errs.Error)
	return ok && e.Kind == kind
}
