// Package fserr classifies engine errors so the filesystem boundary can
// map them to errno values without inspecting component internals.
package fserr

import (
	"errors"
	"syscall"
)

// Kind classifies nightshift errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindAlreadyExists
	KindNotEmpty
	KindNotADirectory
	KindIsADirectory
	KindPermission
	KindCorruptBlock
	KindAuthentication
	KindConflict
	KindNoSpace
	KindStorage
)

// Error wraps an underlying error with the operation and path it
// occurred on.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func kindString(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindNotEmpty:
		return "directory not empty"
	case KindNotADirectory:
		return "not a directory"
	case KindIsADirectory:
		return "is a directory"
	case KindPermission:
		return "permission denied"
	case KindCorruptBlock:
		return "corrupt block"
	case KindAuthentication:
		return "authentication failure"
	case KindConflict:
		return "transaction conflict"
	case KindNoSpace:
		return "no space"
	case KindStorage:
		return "storage failure"
	default:
		return "invalid argument"
	}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap
// returns nil. If err is already a classified *Error, its kind is
// preserved and only the outer metadata is added.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	if inner := KindOf(err); inner != KindInvalid {
		kind = inner
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
// Unclassified errors report KindInvalid.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInvalid
}

// Errno maps an error to the syscall errno reported to the kernel.
// Unclassified errors become EIO so internal failures never leak as
// success.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if !errors.As(err, &e) {
		return syscall.EIO
	}
	switch e.Kind {
	case KindNotFound:
		return syscall.ENOENT
	case KindAlreadyExists:
		return syscall.EEXIST
	case KindNotEmpty:
		return syscall.ENOTEMPTY
	case KindNotADirectory:
		return syscall.ENOTDIR
	case KindIsADirectory:
		return syscall.EISDIR
	case KindPermission:
		return syscall.EACCES
	case KindNoSpace:
		return syscall.ENOSPC
	case KindConflict:
		// Bounded retries already happened; surface as a transient
		// I/O failure rather than hanging the request.
		return syscall.EIO
	case KindCorruptBlock, KindAuthentication, KindStorage:
		return syscall.EIO
	default:
		return syscall.EINVAL
	}
}

// IsNotFound reports whether err is classified as KindNotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
