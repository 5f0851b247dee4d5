package fuse

import (
	"context"
	"errors"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/sbstp/nightshift/pkg/fserr"
	"github.com/sbstp/nightshift/pkg/meta"
)

const blockSize = 4096

// errnoForError converts engine errors to syscall errno codes.
func errnoForError(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	case errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	}
	return fserr.Errno(err)
}

// entryMode maps an inode kind to the FUSE type bits.
func entryMode(kind meta.Kind) uint32 {
	switch kind {
	case meta.KindDir:
		return gofuse.S_IFDIR
	case meta.KindSymlink:
		return gofuse.S_IFLNK
	default:
		return gofuse.S_IFREG
	}
}

// fillAttr copies an inode record into a FUSE attr struct.
func fillAttr(out *gofuse.Attr, attr meta.Attr) {
	out.Ino = uint64(attr.Ino)
	out.Mode = entryMode(attr.Kind) | (attr.Mode & 0o7777)
	out.Size = uint64(attr.Size)
	out.Blocks = (uint64(attr.Size) + 511) / 512
	out.Blksize = blockSize
	out.Nlink = uint32(attr.Nlink)
	out.Owner = gofuse.Owner{Uid: attr.UID, Gid: attr.GID}
	out.Atime = uint64(attr.Atime.Unix())
	out.Atimensec = uint32(attr.Atime.Nanosecond())
	out.Mtime = uint64(attr.Mtime.Unix())
	out.Mtimensec = uint32(attr.Mtime.Nanosecond())
	out.Ctime = uint64(attr.Ctime.Unix())
	out.Ctimensec = uint32(attr.Ctime.Nanosecond())
}
