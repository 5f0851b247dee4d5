package meta

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sbstp/nightshift/pkg/codec"
	"github.com/sbstp/nightshift/pkg/fserr"
)

// BlockInfo is the decode record of one stored block.
type BlockInfo struct {
	Algo     codec.Compression
	PlainLen int64
	Refcount int64
}

// RegisterBlock takes one reference on digest, creating the row with
// the given decode parameters if this is the first reference. Returns
// whether the block already existed, which tells the store it can skip
// writing the payload.
func RegisterBlock(tx *Tx, digest codec.Digest, algo codec.Compression, plainLen int64) (bool, error) {
	err := sqlitex.Execute(tx.conn,
		`UPDATE blocks SET refcount = refcount + 1 WHERE digest = ?`,
		&sqlitex.ExecOptions{Args: []any{digest[:]}})
	if err != nil {
		return false, fserr.Wrap(fserr.KindStorage, "register block", digest.Short(), err)
	}
	if tx.conn.Changes() > 0 {
		return true, nil
	}
	err = sqlitex.Execute(tx.conn,
		`INSERT INTO blocks (digest, algo, plain_len, refcount) VALUES (?, ?, ?, 1)`,
		&sqlitex.ExecOptions{Args: []any{digest[:], int64(algo), plainLen}})
	if err != nil {
		return false, fserr.Wrap(fserr.KindStorage, "register block", digest.Short(), err)
	}
	return false, nil
}

// RetainBlock takes n additional references on an existing block.
func RetainBlock(tx *Tx, digest codec.Digest, n int) error {
	err := sqlitex.Execute(tx.conn,
		`UPDATE blocks SET refcount = refcount + ? WHERE digest = ?`,
		&sqlitex.ExecOptions{Args: []any{int64(n), digest[:]}})
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "retain block", digest.Short(), err)
	}
	if tx.conn.Changes() == 0 {
		return fserr.E(fserr.KindNotFound, "retain block", digest.Short())
	}
	return nil
}

// ReleaseBlock drops n references. The count never goes negative; an
// attempt to over-release is a bookkeeping failure, not a no-op.
func ReleaseBlock(tx *Tx, digest codec.Digest, n int) error {
	err := sqlitex.Execute(tx.conn,
		`UPDATE blocks SET refcount = refcount - ?
		 WHERE digest = ? AND refcount >= ?`,
		&sqlitex.ExecOptions{Args: []any{int64(n), digest[:], int64(n)}})
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "release block", digest.Short(), err)
	}
	if tx.conn.Changes() == 0 {
		return fserr.E(fserr.KindStorage, "release block", digest.Short())
	}
	return nil
}

// LookupBlock returns the decode record for digest.
func LookupBlock(tx *Tx, digest codec.Digest) (BlockInfo, error) {
	var info BlockInfo
	found := false
	err := sqlitex.Execute(tx.conn,
		`SELECT algo, plain_len, refcount FROM blocks WHERE digest = ?`,
		&sqlitex.ExecOptions{
			Args: []any{digest[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				info = BlockInfo{
					Algo:     codec.Compression(stmt.ColumnInt64(0)),
					PlainLen: stmt.ColumnInt64(1),
					Refcount: stmt.ColumnInt64(2),
				}
				return nil
			},
		})
	if err != nil {
		return BlockInfo{}, fserr.Wrap(fserr.KindStorage, "lookup block", digest.Short(), err)
	}
	if !found {
		return BlockInfo{}, fserr.E(fserr.KindNotFound, "lookup block", digest.Short())
	}
	return info, nil
}

// ZeroRefDigests returns up to limit digests whose refcount is zero,
// candidates for the sweeper.
func ZeroRefDigests(tx *Tx, limit int) ([]codec.Digest, error) {
	var digests []codec.Digest
	err := sqlitex.Execute(tx.conn,
		`SELECT digest FROM blocks WHERE refcount = 0 LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(limit)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var d codec.Digest
				if n := stmt.ColumnBytes(0, d[:]); n != codec.DigestSize {
					return fserr.E(fserr.KindStorage, "scan zero-ref", "")
				}
				digests = append(digests, d)
				return nil
			},
		})
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStorage, "scan zero-ref", "", err)
	}
	return digests, nil
}

// DeleteBlockIfUnreferenced removes the row for digest only if its
// refcount is still zero. Returns whether the row was deleted; false
// means a writer resurrected the block between scan and delete.
func DeleteBlockIfUnreferenced(tx *Tx, digest codec.Digest) (bool, error) {
	err := sqlitex.Execute(tx.conn,
		`DELETE FROM blocks WHERE digest = ? AND refcount = 0`,
		&sqlitex.ExecOptions{Args: []any{digest[:]}})
	if err != nil {
		return false, fserr.Wrap(fserr.KindStorage, "sweep block", digest.Short(), err)
	}
	return tx.conn.Changes() > 0, nil
}

// HasBlock reports whether a row exists for digest, regardless of its
// refcount. The sweeper's orphan scan uses it to tell stray payloads
// from live ones.
func HasBlock(tx *Tx, digest codec.Digest) (bool, error) {
	found := false
	err := sqlitex.Execute(tx.conn,
		`SELECT 1 FROM blocks WHERE digest = ?`,
		&sqlitex.ExecOptions{
			Args: []any{digest[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fserr.Wrap(fserr.KindStorage, "probe block", digest.Short(), err)
	}
	return found, nil
}

// Stats summarizes the index for the stat command and statfs.
type Stats struct {
	Inodes        int64
	Blocks        int64
	ZeroRefBlocks int64
	LogicalBytes  int64
	PlainBytes    int64
}

// CollectStats gathers index-wide counters in one snapshot.
func CollectStats(tx *Tx) (Stats, error) {
	var st Stats
	queries := []struct {
		sql  string
		dest *int64
	}{
		{`SELECT COUNT(*) FROM inodes`, &st.Inodes},
		{`SELECT COUNT(*) FROM blocks`, &st.Blocks},
		{`SELECT COUNT(*) FROM blocks WHERE refcount = 0`, &st.ZeroRefBlocks},
		{`SELECT COALESCE(SUM(size), 0) FROM inodes`, &st.LogicalBytes},
		{`SELECT COALESCE(SUM(plain_len), 0) FROM blocks`, &st.PlainBytes},
	}
	for _, q := range queries {
		dest := q.dest
		err := sqlitex.Execute(tx.conn, q.sql, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				*dest = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return Stats{}, fserr.Wrap(fserr.KindStorage, "collect stats", "", err)
		}
	}
	return st, nil
}
