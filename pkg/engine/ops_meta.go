package engine

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sbstp/nightshift/pkg/fserr"
	"github.com/sbstp/nightshift/pkg/handle"
	"github.com/sbstp/nightshift/pkg/meta"
)

// maxNameLen mirrors the usual NAME_MAX.
const maxNameLen = 255

func validName(op, name string) error {
	if name == "" || len(name) > maxNameLen ||
		name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fserr.E(fserr.KindInvalid, op, name)
	}
	return nil
}

// Lookup resolves name under parent.
func (e *Engine) Lookup(ctx context.Context, parent int64, name string) (meta.Attr, error) {
	if err := validName("lookup", name); err != nil {
		return meta.Attr{}, err
	}
	var attr meta.Attr
	err := e.db.ReadTx(ctx, func(tx *meta.Tx) error {
		ino, err := meta.LookupChild(tx, parent, name)
		if err != nil {
			return err
		}
		attr, err = meta.LookupInode(tx, ino)
		return err
	})
	return attr, err
}

// GetAttr loads the attributes of ino.
func (e *Engine) GetAttr(ctx context.Context, ino int64) (meta.Attr, error) {
	var attr meta.Attr
	err := e.db.ReadTx(ctx, func(tx *meta.Tx) error {
		var err error
		attr, err = meta.LookupInode(tx, ino)
		return err
	})
	return attr, err
}

// SetAttrReq selects which attributes SetAttr changes; nil fields are
// left alone.
type SetAttrReq struct {
	Size  *int64
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Atime *time.Time
	Mtime *time.Time
}

// SetAttr applies req to ino and returns the resulting attributes.
// A size change truncates or extends the file content.
func (e *Engine) SetAttr(ctx context.Context, ino int64, req SetAttrReq) (meta.Attr, error) {
	if req.Size != nil && *req.Size < 0 {
		return meta.Attr{}, fserr.E(fserr.KindInvalid, "setattr", "")
	}
	if req.Size != nil {
		// Pending buffered writes must land before the size change so
		// truncation applies to what the application already wrote.
		if err := e.flushIno(ctx, ino); err != nil {
			return meta.Attr{}, err
		}
	}

	var attr meta.Attr
	var settle []settleList
	err := e.db.WriteTx(ctx, func(tx *meta.Tx) error {
		cur, err := meta.LookupInode(tx, ino)
		if err != nil {
			return err
		}
		if req.Size != nil {
			if cur.Kind != meta.KindFile {
				return fserr.E(fserr.KindIsADirectory, "setattr", "")
			}
			digests, err := e.truncate(tx, &cur, *req.Size)
			if err != nil {
				return err
			}
			settle = append(settle, digests)
		}
		if req.Mode != nil {
			if err := meta.SetMode(tx, ino, *req.Mode&0o7777); err != nil {
				return err
			}
		}
		if req.UID != nil || req.GID != nil {
			uid, gid := cur.UID, cur.GID
			if req.UID != nil {
				uid = *req.UID
			}
			if req.GID != nil {
				gid = *req.GID
			}
			if err := meta.SetOwner(tx, ino, uid, gid); err != nil {
				return err
			}
		}
		if req.Atime != nil || req.Mtime != nil {
			if err := meta.SetTimes(tx, ino, req.Atime, req.Mtime); err != nil {
				return err
			}
		}
		attr, err = meta.LookupInode(tx, ino)
		return err
	})
	for _, digests := range settle {
		e.blocks.Settle(digests...)
	}
	return attr, err
}

// Create makes a new empty file under parent and opens a handle on it.
func (e *Engine) Create(ctx context.Context, parent int64, name string, mode, uid, gid uint32) (meta.Attr, *handle.Handle, error) {
	if err := validName("create", name); err != nil {
		return meta.Attr{}, nil, err
	}
	attr := newAttr(meta.KindFile, mode&0o7777, uid, gid)
	err := e.db.WriteTx(ctx, func(tx *meta.Tx) error {
		if err := requireDir(tx, parent, "create"); err != nil {
			return err
		}
		if err := meta.CreateInode(tx, &attr); err != nil {
			return err
		}
		if err := meta.CreateChild(tx, parent, name, attr.Ino); err != nil {
			return err
		}
		return meta.TouchMtime(tx, parent)
	})
	if err != nil {
		return meta.Attr{}, nil, err
	}
	h := e.handles.Open(attr.Ino, true)
	e.log.WithFields(logrus.Fields{"parent": parent, "name": name, "ino": attr.Ino}).
		Trace("create")
	return attr, h, nil
}

// Mkdir makes a new directory under parent.
func (e *Engine) Mkdir(ctx context.Context, parent int64, name string, mode, uid, gid uint32) (meta.Attr, error) {
	if err := validName("mkdir", name); err != nil {
		return meta.Attr{}, err
	}
	attr := newAttr(meta.KindDir, mode&0o7777, uid, gid)
	attr.Nlink = 2
	err := e.db.WriteTx(ctx, func(tx *meta.Tx) error {
		if err := requireDir(tx, parent, "mkdir"); err != nil {
			return err
		}
		if err := meta.CreateInode(tx, &attr); err != nil {
			return err
		}
		if err := meta.CreateChild(tx, parent, name, attr.Ino); err != nil {
			return err
		}
		// The child's ".." adds a link to the parent.
		if _, err := meta.AdjustNlink(tx, parent, 1); err != nil {
			return err
		}
		return meta.TouchMtime(tx, parent)
	})
	if err != nil {
		return meta.Attr{}, err
	}
	return attr, nil
}

// Symlink makes a symbolic link to target under parent.
func (e *Engine) Symlink(ctx context.Context, parent int64, name, target string, uid, gid uint32) (meta.Attr, error) {
	if err := validName("symlink", name); err != nil {
		return meta.Attr{}, err
	}
	if target == "" {
		return meta.Attr{}, fserr.E(fserr.KindInvalid, "symlink", name)
	}
	attr := newAttr(meta.KindSymlink, 0o777, uid, gid)
	attr.Target = target
	attr.Size = int64(len(target))
	err := e.db.WriteTx(ctx, func(tx *meta.Tx) error {
		if err := requireDir(tx, parent, "symlink"); err != nil {
			return err
		}
		if err := meta.CreateInode(tx, &attr); err != nil {
			return err
		}
		if err := meta.CreateChild(tx, parent, name, attr.Ino); err != nil {
			return err
		}
		return meta.TouchMtime(tx, parent)
	})
	if err != nil {
		return meta.Attr{}, err
	}
	return attr, nil
}

// Readlink returns the target of a symbolic link.
func (e *Engine) Readlink(ctx context.Context, ino int64) (string, error) {
	var target string
	err := e.db.ReadTx(ctx, func(tx *meta.Tx) error {
		attr, err := meta.LookupInode(tx, ino)
		if err != nil {
			return err
		}
		if attr.Kind != meta.KindSymlink {
			return fserr.E(fserr.KindInvalid, "readlink", "")
		}
		target = attr.Target
		return nil
	})
	return target, err
}

// Link makes name under parent a new hard link to ino. Directories
// cannot be hard linked.
func (e *Engine) Link(ctx context.Context, ino, parent int64, name string) (meta.Attr, error) {
	if err := validName("link", name); err != nil {
		return meta.Attr{}, err
	}
	var attr meta.Attr
	err := e.db.WriteTx(ctx, func(tx *meta.Tx) error {
		if err := requireDir(tx, parent, "link"); err != nil {
			return err
		}
		cur, err := meta.LookupInode(tx, ino)
		if err != nil {
			return err
		}
		if cur.Kind == meta.KindDir {
			return fserr.E(fserr.KindPermission, "link", name)
		}
		if err := meta.CreateChild(tx, parent, name, ino); err != nil {
			return err
		}
		if _, err := meta.AdjustNlink(tx, ino, 1); err != nil {
			return err
		}
		if err := meta.TouchMtime(tx, parent); err != nil {
			return err
		}
		attr, err = meta.LookupInode(tx, ino)
		return err
	})
	return attr, err
}

// Unlink removes the file or symlink name under parent. When the last
// link goes away the inode and its block references are released; the
// payloads themselves are reclaimed later by the sweeper.
func (e *Engine) Unlink(ctx context.Context, parent int64, name string) error {
	if err := validName("unlink", name); err != nil {
		return err
	}
	return e.db.WriteTx(ctx, func(tx *meta.Tx) error {
		ino, err := meta.LookupChild(tx, parent, name)
		if err != nil {
			return err
		}
		attr, err := meta.LookupInode(tx, ino)
		if err != nil {
			return err
		}
		if attr.Kind == meta.KindDir {
			return fserr.E(fserr.KindIsADirectory, "unlink", name)
		}
		if err := meta.RemoveChild(tx, parent, name); err != nil {
			return err
		}
		if err := dropLink(tx, attr); err != nil {
			return err
		}
		return meta.TouchMtime(tx, parent)
	})
}

// Rmdir removes the empty directory name under parent.
func (e *Engine) Rmdir(ctx context.Context, parent int64, name string) error {
	if err := validName("rmdir", name); err != nil {
		return err
	}
	return e.db.WriteTx(ctx, func(tx *meta.Tx) error {
		ino, err := meta.LookupChild(tx, parent, name)
		if err != nil {
			return err
		}
		attr, err := meta.LookupInode(tx, ino)
		if err != nil {
			return err
		}
		if attr.Kind != meta.KindDir {
			return fserr.E(fserr.KindNotADirectory, "rmdir", name)
		}
		n, err := meta.ChildCount(tx, ino)
		if err != nil {
			return err
		}
		if n > 0 {
			return fserr.E(fserr.KindNotEmpty, "rmdir", name)
		}
		if err := meta.RemoveChild(tx, parent, name); err != nil {
			return err
		}
		if err := meta.RemoveInode(tx, ino); err != nil {
			return err
		}
		// The child's ".." no longer references the parent.
		if _, err := meta.AdjustNlink(tx, parent, -1); err != nil {
			return err
		}
		return meta.TouchMtime(tx, parent)
	})
}

// Rename moves oldName under oldParent to newName under newParent,
// atomically replacing a compatible destination. A non-empty
// destination directory refuses the rename.
func (e *Engine) Rename(ctx context.Context, oldParent int64, oldName string, newParent int64, newName string) error {
	if err := validName("rename", oldName); err != nil {
		return err
	}
	if err := validName("rename", newName); err != nil {
		return err
	}
	return e.db.WriteTx(ctx, func(tx *meta.Tx) error {
		srcIno, err := meta.LookupChild(tx, oldParent, oldName)
		if err != nil {
			return err
		}
		src, err := meta.LookupInode(tx, srcIno)
		if err != nil {
			return err
		}
		if oldParent == newParent && oldName == newName {
			return nil
		}

		dstIno, err := meta.LookupChild(tx, newParent, newName)
		switch {
		case err == nil:
			if err := e.replaceTarget(tx, newParent, newName, dstIno, src); err != nil {
				return err
			}
		case fserr.IsNotFound(err):
			if err := requireDir(tx, newParent, "rename"); err != nil {
				return err
			}
		default:
			return err
		}

		if err := meta.MoveChild(tx, oldParent, oldName, newParent, newName); err != nil {
			return err
		}
		if src.Kind == meta.KindDir && oldParent != newParent {
			// ".." moved with the directory.
			if _, err := meta.AdjustNlink(tx, oldParent, -1); err != nil {
				return err
			}
			if _, err := meta.AdjustNlink(tx, newParent, 1); err != nil {
				return err
			}
		}
		if err := meta.TouchMtime(tx, oldParent); err != nil {
			return err
		}
		if oldParent != newParent {
			return meta.TouchMtime(tx, newParent)
		}
		return nil
	})
}

// replaceTarget removes the rename destination so the source entry can
// take its place.
func (e *Engine) replaceTarget(tx *meta.Tx, parent int64, name string, dstIno int64, src meta.Attr) error {
	dst, err := meta.LookupInode(tx, dstIno)
	if err != nil {
		return err
	}
	if dst.Kind == meta.KindDir {
		if src.Kind != meta.KindDir {
			return fserr.E(fserr.KindIsADirectory, "rename", name)
		}
		n, err := meta.ChildCount(tx, dstIno)
		if err != nil {
			return err
		}
		if n > 0 {
			return fserr.E(fserr.KindNotEmpty, "rename", name)
		}
		if err := meta.RemoveChild(tx, parent, name); err != nil {
			return err
		}
		if _, err := meta.AdjustNlink(tx, parent, -1); err != nil {
			return err
		}
		return meta.RemoveInode(tx, dstIno)
	}
	if src.Kind == meta.KindDir {
		return fserr.E(fserr.KindNotADirectory, "rename", name)
	}
	if err := meta.RemoveChild(tx, parent, name); err != nil {
		return err
	}
	return dropLink(tx, dst)
}

// Readdir lists the entries of directory ino. "." and ".." are
// synthesized at the mount boundary, not stored.
func (e *Engine) Readdir(ctx context.Context, ino int64) ([]meta.Dirent, error) {
	var ents []meta.Dirent
	err := e.db.ReadTx(ctx, func(tx *meta.Tx) error {
		if err := requireDir(tx, ino, "readdir"); err != nil {
			return err
		}
		var err error
		ents, err = meta.ListChildren(tx, ino)
		return err
	})
	return ents, err
}

// StatFS summarizes the store for statfs and the stat command.
func (e *Engine) StatFS(ctx context.Context) (meta.Stats, error) {
	var st meta.Stats
	err := e.db.ReadTx(ctx, func(tx *meta.Tx) error {
		var err error
		st, err = meta.CollectStats(tx)
		return err
	})
	return st, err
}

// dropLink decrements the link count of attr's inode, releasing its
// content and record once no links remain.
func dropLink(tx *meta.Tx, attr meta.Attr) error {
	n, err := meta.AdjustNlink(tx, attr.Ino, -1)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if attr.Kind == meta.KindFile {
		if err := meta.RemoveAllSegments(tx, attr.Ino); err != nil {
			return err
		}
	}
	return meta.RemoveInode(tx, attr.Ino)
}

func requireDir(tx *meta.Tx, ino int64, op string) error {
	attr, err := meta.LookupInode(tx, ino)
	if err != nil {
		return err
	}
	if attr.Kind != meta.KindDir {
		return fserr.E(fserr.KindNotADirectory, op, "")
	}
	return nil
}

func newAttr(kind meta.Kind, mode, uid, gid uint32) meta.Attr {
	now := time.Now()
	return meta.Attr{
		Kind: kind, Mode: mode, UID: uid, GID: gid, Nlink: 1,
		Atime: now, Mtime: now, Ctime: now, Crtime: now,
	}
}
