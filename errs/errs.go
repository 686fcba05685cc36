// Package errs defines the stable error kinds used throughout the archive
// engine, from the block codec up through the filesystem overlay and the
// façade. Layers attach their own context with Wrap, which keeps the cause
// reachable through Unwrap, so errors.Is/errors.As keep working across
// package boundaries: a caller checks
// errors.Is(err, errs.Sentinel(errs.DigestMismatch)) without caring which
// layer raised it.
package errs

import "fmt"

// Kind identifies the class of failure. Numeric values mirror the
// illustrative codes in the specification so log lines and test fixtures
// can reference a stable number, not just a string.
type Kind int

const (
	_ Kind = iota

	// Block integrity
	HeaderReference Kind = 50
	DigestMismatch  Kind = 51

	// Stream invariants
	NotABlock   Kind = 60
	PushFront   Kind = 61
	PopRear     Kind = 62
	PopNotLast  Kind = 63
	OutOfBounds Kind = 64

	// Storage manager
	UnevenArchive          Kind = 80
	CorruptStreamIdentifier Kind = 81
	SpecialBlockBoundary    Kind = 82
	FailedFullWrite         Kind = 83
	ManagerOutOfBounds      Kind = 84
	BlockSeekError          Kind = 85
	SpecialStreamBoundary   Kind = 86
	IndexPositionMismatch   Kind = 87
	FailedSeekPosition      Kind = 88
	AlreadyOpen             Kind = 89
	NoStreamIdentity        Kind = 90
	NotOpen                 Kind = 91

	// Filesystem
	NotAbsolutePath  Kind = 100
	PathExistsAlready Kind = 101
	LinkTargetError   Kind = 102
	LinkToLink        Kind = 103
	UnknownEntryType  Kind = 104
	PathExistsNot     Kind = 105
	FilesInDir        Kind = 106
	UnknownDeleteLevel Kind = 107
	NotADir            Kind = 109
	FileAlreadyOpen     Kind = 110
	NotAFile            Kind = 111
	EntryDeleted        Kind = 112

	// Archive façade
	InvalidFormat   Kind = 120
	ArchiveNotFound Kind = 121
	OperandInvalid  Kind = 122

	// Soft path-walk signal raised by fsoverlay.ResolvePath when a path
	// component is missing. The façade does not convert it to
	// ArchiveNotFound; callers of archive7 receive it as is.
	InvalidPath Kind = 199

	// B+Tree
	KeyAlreadyExists Kind = 140
	RecordNotFound   Kind = 141

	// Virtual file object
	InvalidMode Kind = 150
)

func (k Kind) String() string {
	switch k {
	case HeaderReference:
		return "HeaderReference"
	case DigestMismatch:
		return "DigestMismatch"
	case NotABlock:
		return "NotABlock"
	case PushFront:
		return "PushFront"
	case PopRear:
		return "PopRear"
	case PopNotLast:
		return "PopNotLast"
	case OutOfBounds:
		return "OutOfBounds"
	case UnevenArchive:
		return "UnevenArchive"
	case CorruptStreamIdentifier:
		return "CorruptStreamIdentifier"
	case SpecialBlockBoundary:
		return "SpecialBlockBoundary"
	case FailedFullWrite:
		return "FailedFullWrite"
	case ManagerOutOfBounds:
		return "OutOfBounds"
	case BlockSeekError:
		return "BlockSeekError"
	case SpecialStreamBoundary:
		return "SpecialStreamBoundary"
	case IndexPositionMismatch:
		return "IndexPositionMismatch"
	case FailedSeekPosition:
		return "FailedSeekPosition"
	case AlreadyOpen:
		return "AlreadyOpen"
	case NoStreamIdentity:
		return "NoStreamIdentity"
	case NotOpen:
		return "NotOpen"
	case NotAbsolutePath:
		return "NotAbsolutePath"
	case PathExistsAlready:
		return "PathExistsAlready"
	case LinkTargetError:
		return "LinkTargetError"
	case LinkToLink:
		return "LinkToLink"
	case UnknownEntryType:
		return "UnknownEntryType"
	case PathExistsNot:
		return "PathExistsNot"
	case FilesInDir:
		return "FilesInDir"
	case UnknownDeleteLevel:
		return "UnknownDeleteLevel"
	case NotADir:
		return "NotADir"
	case FileAlreadyOpen:
		return "FileAlreadyOpen"
	case NotAFile:
		return "NotAFile"
	case EntryDeleted:
		return "EntryDeleted"
	case InvalidFormat:
		return "InvalidFormat"
	case ArchiveNotFound:
		return "ArchiveNotFound"
	case OperandInvalid:
		return "OperandInvalid"
	case InvalidPath:
		return "InvalidPath"
	case KeyAlreadyExists:
		return "KeyAlreadyExists"
	case RecordNotFound:
		return "RecordNotFound"
	case InvalidMode:
		return "InvalidMode"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every layer of the engine.
// Op names the operation that failed (e.g. "block.load", "overlay.create_entry");
// Err, if non-nil, is the underlying cause (I/O error, a lower-layer *Error).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, errs.Sentinel(errs.DigestMismatch))-style checks
// work by comparing Kind against the Kind of an *Error target; targets of
// any other type never match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds an *Error with kind, op and a wrapped cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel is a helper for errors.Is matching: errors.Is(err, errs.Sentinel(errs.DigestMismatch)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind, Op: "-"}
}
