//go:build linux

// Package fuse adapts the storage engine to a kernel mountpoint. Nodes
// are keyed by engine inode number, so kernel-side and index-side
// identities line up one to one; file handles carry the engine handle
// whose buffer gives same-handle read-your-writes.
package fuse

import (
	"context"
	"fmt"
	"syscall"
	"time"

	gofusefs "github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/sbstp/nightshift/pkg/engine"
	"github.com/sbstp/nightshift/pkg/handle"
	"github.com/sbstp/nightshift/pkg/meta"
)

const (
	attrTimeout  = 1 * time.Second
	entryTimeout = 1 * time.Second
)

// Mount exposes the engine at mountpoint and serves until ctx is
// canceled or the filesystem is unmounted externally.
func Mount(ctx context.Context, eng *engine.Engine, mountpoint string) error {
	if eng == nil {
		return fmt.Errorf("fuse: nil engine")
	}
	root := &node{eng: eng}
	server, err := gofusefs.Mount(mountpoint, root, &gofusefs.Options{
		MountOptions: gofuse.MountOptions{
			FsName: "nightshift",
			Name:   "nightshift",
			// Permission checks belong to the kernel; the engine
			// stores modes but does not evaluate them.
			Options: []string{"default_permissions"},
		},
		AttrTimeout:  durationPtr(attrTimeout),
		EntryTimeout: durationPtr(entryTimeout),
	})
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = server.Unmount()
		case <-done:
		}
	}()
	server.Wait()
	close(done)
	if err := ctx.Err(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func durationPtr(d time.Duration) *time.Duration { return &d }

// node is one engine inode in kernel space. The inode number rides in
// the node's stable attr, so the struct itself is stateless.
type node struct {
	gofusefs.Inode
	eng *engine.Engine
}

var (
	_ gofusefs.NodeLookuper       = (*node)(nil)
	_ gofusefs.NodeGetattrer      = (*node)(nil)
	_ gofusefs.NodeSetattrer      = (*node)(nil)
	_ gofusefs.NodeReaddirer      = (*node)(nil)
	_ gofusefs.NodeMkdirer        = (*node)(nil)
	_ gofusefs.NodeRmdirer        = (*node)(nil)
	_ gofusefs.NodeUnlinker       = (*node)(nil)
	_ gofusefs.NodeCreater        = (*node)(nil)
	_ gofusefs.NodeOpener         = (*node)(nil)
	_ gofusefs.NodeRenamer        = (*node)(nil)
	_ gofusefs.NodeLinker         = (*node)(nil)
	_ gofusefs.NodeSymlinker      = (*node)(nil)
	_ gofusefs.NodeReadlinker     = (*node)(nil)
	_ gofusefs.NodeStatfser       = (*node)(nil)
	_ gofusefs.NodeCopyFileRanger = (*node)(nil)
)

func (n *node) ino() int64 {
	ino := n.StableAttr().Ino
	if ino == 0 {
		return meta.RootIno
	}
	return int64(ino)
}

func (n *node) newChild(ctx context.Context, attr meta.Attr) *gofusefs.Inode {
	return n.NewInode(ctx, &node{eng: n.eng}, gofusefs.StableAttr{
		Mode: entryMode(attr.Kind),
		Ino:  uint64(attr.Ino),
	})
}

func fillEntry(out *gofuse.EntryOut, attr meta.Attr) {
	fillAttr(&out.Attr, attr)
	out.SetEntryTimeout(entryTimeout)
	out.SetAttrTimeout(attrTimeout)
}

func (n *node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*gofusefs.Inode, syscall.Errno) {
	attr, err := n.eng.Lookup(ctx, n.ino(), name)
	if err != nil {
		return nil, errnoForError(err)
	}
	fillEntry(out, attr)
	return n.newChild(ctx, attr), 0
}

func (n *node) Getattr(ctx context.Context, fh gofusefs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	attr, err := n.eng.GetAttr(ctx, n.ino())
	if err != nil {
		return errnoForError(err)
	}
	fillAttr(&out.Attr, attr)
	out.SetTimeout(attrTimeout)
	return 0
}

func (n *node) Setattr(ctx context.Context, fh gofusefs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	var req engine.SetAttrReq
	if size, ok := in.GetSize(); ok {
		s := int64(size)
		req.Size = &s
	}
	if mode, ok := in.GetMode(); ok {
		req.Mode = &mode
	}
	if uid, ok := in.GetUID(); ok {
		req.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		req.GID = &gid
	}
	if atime, ok := in.GetATime(); ok {
		t := atime
		req.Atime = &t
	}
	if mtime, ok := in.GetMTime(); ok {
		t := mtime
		req.Mtime = &t
	}
	attr, err := n.eng.SetAttr(ctx, n.ino(), req)
	if err != nil {
		return errnoForError(err)
	}
	fillAttr(&out.Attr, attr)
	out.SetTimeout(attrTimeout)
	return 0
}

func (n *node) Readdir(ctx context.Context) (gofusefs.DirStream, syscall.Errno) {
	ents, err := n.eng.Readdir(ctx, n.ino())
	if err != nil {
		return nil, errnoForError(err)
	}
	dirEntries := make([]gofuse.DirEntry, 0, len(ents)+2)
	dirEntries = append(dirEntries,
		gofuse.DirEntry{Name: ".", Mode: gofuse.S_IFDIR, Ino: uint64(n.ino())},
		gofuse.DirEntry{Name: "..", Mode: gofuse.S_IFDIR, Ino: parentIno(n)},
	)
	for _, ent := range ents {
		dirEntries = append(dirEntries, gofuse.DirEntry{
			Name: ent.Name,
			Mode: entryMode(ent.Kind),
			Ino:  uint64(ent.Ino),
		})
	}
	return gofusefs.NewListDirStream(dirEntries), 0
}

func parentIno(n *node) uint64 {
	_, parent := n.Parent()
	if parent == nil {
		return uint64(meta.RootIno)
	}
	return parent.StableAttr().Ino
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*gofusefs.Inode, syscall.Errno) {
	uid, gid := callerIdentity(ctx)
	attr, err := n.eng.Mkdir(ctx, n.ino(), name, mode, uid, gid)
	if err != nil {
		return nil, errnoForError(err)
	}
	fillEntry(out, attr)
	return n.newChild(ctx, attr), 0
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoForError(n.eng.Rmdir(ctx, n.ino(), name))
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoForError(n.eng.Unlink(ctx, n.ino(), name))
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*gofusefs.Inode, gofusefs.FileHandle, uint32, syscall.Errno) {
	uid, gid := callerIdentity(ctx)
	attr, h, err := n.eng.Create(ctx, n.ino(), name, mode, uid, gid)
	if err != nil {
		return nil, nil, 0, errnoForError(err)
	}
	fillEntry(out, attr)
	return n.newChild(ctx, attr), &fileHandle{eng: n.eng, h: h}, 0, 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofusefs.FileHandle, uint32, syscall.Errno) {
	if flags&uint32(syscall.O_TRUNC) != 0 {
		zero := int64(0)
		if _, err := n.eng.SetAttr(ctx, n.ino(), engine.SetAttrReq{Size: &zero}); err != nil {
			return nil, 0, errnoForError(err)
		}
	}
	writable := flags&uint32(syscall.O_ACCMODE) != uint32(syscall.O_RDONLY)
	h, err := n.eng.OpenFile(ctx, n.ino(), writable)
	if err != nil {
		return nil, 0, errnoForError(err)
	}
	return &fileHandle{eng: n.eng, h: h}, 0, 0
}

func (n *node) Rename(ctx context.Context, name string, newParent gofusefs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	const renameNoReplace = 1 // RENAME_NOREPLACE
	const renameExchange = 2  // RENAME_EXCHANGE
	if flags&renameExchange != 0 {
		return syscall.ENOTSUP
	}
	dst := int64(newParent.EmbeddedInode().StableAttr().Ino)
	if dst == 0 {
		dst = meta.RootIno
	}
	if flags&renameNoReplace != 0 {
		if _, err := n.eng.Lookup(ctx, dst, newName); err == nil {
			return syscall.EEXIST
		}
	}
	return errnoForError(n.eng.Rename(ctx, n.ino(), name, dst, newName))
}

func (n *node) Link(ctx context.Context, target gofusefs.InodeEmbedder, name string, out *gofuse.EntryOut) (*gofusefs.Inode, syscall.Errno) {
	targetIno := int64(target.EmbeddedInode().StableAttr().Ino)
	attr, err := n.eng.Link(ctx, targetIno, n.ino(), name)
	if err != nil {
		return nil, errnoForError(err)
	}
	fillEntry(out, attr)
	return n.newChild(ctx, attr), 0
}

func (n *node) Symlink(ctx context.Context, target, name string, out *gofuse.EntryOut) (*gofusefs.Inode, syscall.Errno) {
	uid, gid := callerIdentity(ctx)
	attr, err := n.eng.Symlink(ctx, n.ino(), name, target, uid, gid)
	if err != nil {
		return nil, errnoForError(err)
	}
	fillEntry(out, attr)
	return n.newChild(ctx, attr), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.eng.Readlink(ctx, n.ino())
	if err != nil {
		return nil, errnoForError(err)
	}
	return []byte(target), 0
}

func (n *node) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	st, err := n.eng.StatFS(ctx)
	if err != nil {
		return errnoForError(err)
	}
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = uint64(st.PlainBytes+blockSize-1) / blockSize
	out.Files = uint64(st.Inodes)
	out.NameLen = 255
	return 0
}

func (n *node) CopyFileRange(ctx context.Context, fhIn gofusefs.FileHandle,
	offIn uint64, out *gofusefs.Inode, fhOut gofusefs.FileHandle, offOut uint64,
	length uint64, flags uint64) (uint32, syscall.Errno) {
	src, ok := fhIn.(*fileHandle)
	if !ok {
		return 0, syscall.ENOTSUP
	}
	dst, ok := fhOut.(*fileHandle)
	if !ok {
		return 0, syscall.ENOTSUP
	}
	n2, err := n.eng.CopyRange(ctx, src.h, int64(offIn), dst.h, int64(offOut), int64(length))
	if err != nil {
		return 0, errnoForError(err)
	}
	return uint32(n2), 0
}

// fileHandle is one open file in kernel space.
type fileHandle struct {
	eng *engine.Engine
	h   *handle.Handle
}

var (
	_ gofusefs.FileReader   = (*fileHandle)(nil)
	_ gofusefs.FileWriter   = (*fileHandle)(nil)
	_ gofusefs.FileFlusher  = (*fileHandle)(nil)
	_ gofusefs.FileReleaser = (*fileHandle)(nil)
	_ gofusefs.FileFsyncer  = (*fileHandle)(nil)
)

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	out, err := f.eng.Read(ctx, f.h, off, len(dest))
	if err != nil {
		return nil, errnoForError(err)
	}
	return gofuse.ReadResultData(out), 0
}

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.eng.Write(ctx, f.h, off, data)
	if err != nil {
		return 0, errnoForError(err)
	}
	return uint32(n), 0
}

func (f *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return errnoForError(f.eng.FlushHandle(ctx, f.h))
}

func (f *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errnoForError(f.eng.Fsync(ctx, f.h))
}

func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	return errnoForError(f.eng.ReleaseHandle(ctx, f.h.ID()))
}

// callerIdentity extracts the requesting process uid/gid so new inodes
// are owned by their creator.
func callerIdentity(ctx context.Context) (uint32, uint32) {
	if caller, ok := gofuse.FromContext(ctx); ok {
		return caller.Uid, caller.Gid
	}
	return 0, 0
}
