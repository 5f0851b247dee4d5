package meta

import (
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sbstp/nightshift/pkg/fserr"
)

// Kind discriminates the inode flavors.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
)

// Attr is the full metadata record of one inode.
type Attr struct {
	Ino    int64
	Kind   Kind
	Size   int64
	Mode   uint32
	UID    uint32
	GID    uint32
	Nlink  uint32
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time

	// Target is the symlink destination; empty for other kinds.
	Target string
}

// ensureRoot creates the root directory inode on first open. nlink 2
// accounts for "." and the parent reference the kernel synthesizes.
func ensureRoot(tx *Tx) error {
	var exists bool
	err := sqlitex.Execute(tx.conn,
		`SELECT 1 FROM inodes WHERE ino = ?`,
		&sqlitex.ExecOptions{
			Args: []any{RootIno},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "ensure root", "/", err)
	}
	if exists {
		return nil
	}
	now := time.Now().UnixNano()
	err = sqlitex.Execute(tx.conn,
		`INSERT INTO inodes (ino, kind, size, mode, uid, gid, nlink,
		                     atime_ns, mtime_ns, ctime_ns, crtime_ns)
		 VALUES (?, ?, 0, ?, 0, 0, 2, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{RootIno, int64(KindDir), int64(0o755), now, now, now, now},
		})
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "ensure root", "/", err)
	}
	return nil
}

// CreateInode inserts a new inode and fills in attr.Ino with the
// allocated number. Nlink, times, and mode come from attr as given.
func CreateInode(tx *Tx, attr *Attr) error {
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO inodes (kind, size, mode, uid, gid, nlink,
		                     atime_ns, mtime_ns, ctime_ns, crtime_ns, target)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				int64(attr.Kind), attr.Size, int64(attr.Mode),
				int64(attr.UID), int64(attr.GID), int64(attr.Nlink),
				attr.Atime.UnixNano(), attr.Mtime.UnixNano(),
				attr.Ctime.UnixNano(), attr.Crtime.UnixNano(),
				attr.Target,
			},
		})
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "create inode", "", err)
	}
	attr.Ino = tx.conn.LastInsertRowID()
	return nil
}

// LookupInode loads one inode record.
func LookupInode(tx *Tx, ino int64) (Attr, error) {
	var attr Attr
	found := false
	err := sqlitex.Execute(tx.conn,
		`SELECT ino, kind, size, mode, uid, gid, nlink,
		        atime_ns, mtime_ns, ctime_ns, crtime_ns, target
		 FROM inodes WHERE ino = ?`,
		&sqlitex.ExecOptions{
			Args: []any{ino},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				attr = Attr{
					Ino:    stmt.ColumnInt64(0),
					Kind:   Kind(stmt.ColumnInt64(1)),
					Size:   stmt.ColumnInt64(2),
					Mode:   uint32(stmt.ColumnInt64(3)),
					UID:    uint32(stmt.ColumnInt64(4)),
					GID:    uint32(stmt.ColumnInt64(5)),
					Nlink:  uint32(stmt.ColumnInt64(6)),
					Atime:  time.Unix(0, stmt.ColumnInt64(7)),
					Mtime:  time.Unix(0, stmt.ColumnInt64(8)),
					Ctime:  time.Unix(0, stmt.ColumnInt64(9)),
					Crtime: time.Unix(0, stmt.ColumnInt64(10)),
					Target: stmt.ColumnText(11),
				}
				return nil
			},
		})
	if err != nil {
		return Attr{}, fserr.Wrap(fserr.KindStorage, "stat", "", err)
	}
	if !found {
		return Attr{}, fserr.E(fserr.KindNotFound, "stat", "")
	}
	return attr, nil
}

// SetSize updates the recorded byte size of a file and bumps mtime and
// ctime.
func SetSize(tx *Tx, ino, size int64) error {
	now := time.Now().UnixNano()
	return updateInode(tx, "set size",
		`UPDATE inodes SET size = ?, mtime_ns = ?, ctime_ns = ? WHERE ino = ?`,
		size, now, now, ino)
}

// SetMode updates the permission bits and bumps ctime.
func SetMode(tx *Tx, ino int64, mode uint32) error {
	return updateInode(tx, "set mode",
		`UPDATE inodes SET mode = ?, ctime_ns = ? WHERE ino = ?`,
		int64(mode), time.Now().UnixNano(), ino)
}

// SetOwner updates uid/gid and bumps ctime.
func SetOwner(tx *Tx, ino int64, uid, gid uint32) error {
	return updateInode(tx, "set owner",
		`UPDATE inodes SET uid = ?, gid = ?, ctime_ns = ? WHERE ino = ?`,
		int64(uid), int64(gid), time.Now().UnixNano(), ino)
}

// SetTimes updates atime and/or mtime; nil leaves a field untouched.
// ctime is always bumped.
func SetTimes(tx *Tx, ino int64, atime, mtime *time.Time) error {
	now := time.Now().UnixNano()
	if atime != nil {
		if err := updateInode(tx, "set times",
			`UPDATE inodes SET atime_ns = ?, ctime_ns = ? WHERE ino = ?`,
			atime.UnixNano(), now, ino); err != nil {
			return err
		}
	}
	if mtime != nil {
		if err := updateInode(tx, "set times",
			`UPDATE inodes SET mtime_ns = ?, ctime_ns = ? WHERE ino = ?`,
			mtime.UnixNano(), now, ino); err != nil {
			return err
		}
	}
	return nil
}

// TouchMtime bumps mtime and ctime to now. Write paths call this after
// committing new segments.
func TouchMtime(tx *Tx, ino int64) error {
	now := time.Now().UnixNano()
	return updateInode(tx, "touch",
		`UPDATE inodes SET mtime_ns = ?, ctime_ns = ? WHERE ino = ?`,
		now, now, ino)
}

// AdjustNlink adds delta to the link count and bumps ctime. Returns
// the new count.
func AdjustNlink(tx *Tx, ino int64, delta int) (uint32, error) {
	err := updateInode(tx, "adjust nlink",
		`UPDATE inodes SET nlink = nlink + ?, ctime_ns = ? WHERE ino = ?`,
		int64(delta), time.Now().UnixNano(), ino)
	if err != nil {
		return 0, err
	}
	var nlink int64
	err = sqlitex.Execute(tx.conn,
		`SELECT nlink FROM inodes WHERE ino = ?`,
		&sqlitex.ExecOptions{
			Args: []any{ino},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				nlink = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fserr.Wrap(fserr.KindStorage, "adjust nlink", "", err)
	}
	return uint32(nlink), nil
}

// RemoveInode deletes the inode row. The caller must have released the
// file's segments and directory entries first.
func RemoveInode(tx *Tx, ino int64) error {
	return updateInode(tx, "remove inode",
		`DELETE FROM inodes WHERE ino = ?`, ino)
}

func updateInode(tx *Tx, op, query string, args ...any) error {
	err := sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{Args: args})
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, op, "", err)
	}
	if tx.conn.Changes() == 0 {
		return fserr.E(fserr.KindNotFound, op, "")
	}
	return nil
}
