package meta

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sbstp/nightshift/pkg/fserr"
)

// Dirent is one directory entry as returned by ListChildren.
type Dirent struct {
	Name string
	Ino  int64
	Kind Kind
}

// LookupChild resolves name under parent to an inode number.
func LookupChild(tx *Tx, parent int64, name string) (int64, error) {
	var ino int64
	found := false
	err := sqlitex.Execute(tx.conn,
		`SELECT ino FROM dentries WHERE parent = ? AND name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{parent, name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				ino = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fserr.Wrap(fserr.KindStorage, "lookup", name, err)
	}
	if !found {
		return 0, fserr.E(fserr.KindNotFound, "lookup", name)
	}
	return ino, nil
}

// CreateChild links ino under parent as name. The name must not
// already exist.
func CreateChild(tx *Tx, parent int64, name string, ino int64) error {
	if _, err := LookupChild(tx, parent, name); err == nil {
		return fserr.E(fserr.KindAlreadyExists, "create entry", name)
	} else if !fserr.IsNotFound(err) {
		return err
	}
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO dentries (parent, name, ino) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{parent, name, ino}})
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "create entry", name, err)
	}
	return nil
}

// RemoveChild deletes the entry name under parent.
func RemoveChild(tx *Tx, parent int64, name string) error {
	err := sqlitex.Execute(tx.conn,
		`DELETE FROM dentries WHERE parent = ? AND name = ?`,
		&sqlitex.ExecOptions{Args: []any{parent, name}})
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "remove entry", name, err)
	}
	if tx.conn.Changes() == 0 {
		return fserr.E(fserr.KindNotFound, "remove entry", name)
	}
	return nil
}

// MoveChild repoints the entry oldName under oldParent to newName
// under newParent. The destination must not exist; replace semantics
// are the caller's concern.
func MoveChild(tx *Tx, oldParent int64, oldName string, newParent int64, newName string) error {
	err := sqlitex.Execute(tx.conn,
		`UPDATE dentries SET parent = ?, name = ?
		 WHERE parent = ? AND name = ?`,
		&sqlitex.ExecOptions{Args: []any{newParent, newName, oldParent, oldName}})
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "rename entry", oldName, err)
	}
	if tx.conn.Changes() == 0 {
		return fserr.E(fserr.KindNotFound, "rename entry", oldName)
	}
	return nil
}

// ListChildren returns every entry under parent with the child's kind,
// ordered by name. "." and ".." are not stored and not returned.
func ListChildren(tx *Tx, parent int64) ([]Dirent, error) {
	var ents []Dirent
	err := sqlitex.Execute(tx.conn,
		`SELECT d.name, d.ino, i.kind
		 FROM dentries d JOIN inodes i ON i.ino = d.ino
		 WHERE d.parent = ? ORDER BY d.name`,
		&sqlitex.ExecOptions{
			Args: []any{parent},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ents = append(ents, Dirent{
					Name: stmt.ColumnText(0),
					Ino:  stmt.ColumnInt64(1),
					Kind: Kind(stmt.ColumnInt64(2)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStorage, "readdir", "", err)
	}
	return ents, nil
}

// ChildCount reports the number of entries under parent.
func ChildCount(tx *Tx, parent int64) (int64, error) {
	var n int64
	err := sqlitex.Execute(tx.conn,
		`SELECT COUNT(*) FROM dentries WHERE parent = ?`,
		&sqlitex.ExecOptions{
			Args: []any{parent},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fserr.Wrap(fserr.KindStorage, "count entries", "", err)
	}
	return n, nil
}
