package meta

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sbstp/nightshift/pkg/codec"
	"github.com/sbstp/nightshift/pkg/fserr"
)

// Segment maps one contiguous byte range of a file onto a stored
// block. Segment lists are gap-free: holes are materialized as
// zero-filled blocks when written.
type Segment struct {
	Off    int64
	Len    int64
	Digest codec.Digest
}

// End returns the exclusive end offset of the segment.
func (s Segment) End() int64 { return s.Off + s.Len }

// FileSegments returns every segment of ino ordered by offset.
func FileSegments(tx *Tx, ino int64) ([]Segment, error) {
	return querySegments(tx,
		`SELECT off, len, digest FROM segments WHERE ino = ? ORDER BY off`,
		ino)
}

// SegmentsInRange returns the segments of ino overlapping [start, end),
// ordered by offset.
func SegmentsInRange(tx *Tx, ino, start, end int64) ([]Segment, error) {
	return querySegments(tx,
		`SELECT off, len, digest FROM segments
		 WHERE ino = ? AND off + len > ? AND off < ? ORDER BY off`,
		ino, start, end)
}

func querySegments(tx *Tx, query string, args ...any) ([]Segment, error) {
	var segs []Segment
	err := sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var seg Segment
			seg.Off = stmt.ColumnInt64(0)
			seg.Len = stmt.ColumnInt64(1)
			if n := stmt.ColumnBytes(2, seg.Digest[:]); n != codec.DigestSize {
				return fserr.E(fserr.KindStorage, "load segments", "")
			}
			segs = append(segs, seg)
			return nil
		},
	})
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStorage, "load segments", "", err)
	}
	return segs, nil
}

// SetSegments replaces the segments of ino whose offsets fall in
// [start, end) with segs, settling block references in the same
// transaction. Each stored segment row owns exactly one reference on
// its digest. fresh counts the references the caller already took for
// the new rows (one per store put or explicit retain); for every
// digest touched, old + fresh - new references are released so the
// invariant holds after commit.
//
// Replaced rows must lie entirely within [start, end): callers extend
// the region to segment boundaries before chunking.
func SetSegments(tx *Tx, ino, start, end int64, segs []Segment, fresh map[codec.Digest]int) error {
	old, err := querySegments(tx,
		`SELECT off, len, digest FROM segments
		 WHERE ino = ? AND off >= ? AND off < ? ORDER BY off`,
		ino, start, end)
	if err != nil {
		return err
	}

	delta := make(map[codec.Digest]int, len(old)+len(fresh)+len(segs))
	for _, seg := range old {
		delta[seg.Digest]++
	}
	for digest, n := range fresh {
		delta[digest] += n
	}
	for _, seg := range segs {
		delta[seg.Digest]--
	}

	err = sqlitex.Execute(tx.conn,
		`DELETE FROM segments WHERE ino = ? AND off >= ? AND off < ?`,
		&sqlitex.ExecOptions{Args: []any{ino, start, end}})
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "set segments", "", err)
	}
	for _, seg := range segs {
		err = sqlitex.Execute(tx.conn,
			`INSERT INTO segments (ino, off, len, digest) VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{ino, seg.Off, seg.Len, seg.Digest[:]}})
		if err != nil {
			return fserr.Wrap(fserr.KindStorage, "set segments", "", err)
		}
	}

	for digest, n := range delta {
		switch {
		case n > 0:
			if err := ReleaseBlock(tx, digest, n); err != nil {
				return err
			}
		case n < 0:
			return fserr.E(fserr.KindStorage, "set segments", "")
		}
	}
	return nil
}

// RemoveAllSegments drops every segment of ino and releases the
// references those rows held. Used when the last link to a file goes
// away and on truncation to zero.
func RemoveAllSegments(tx *Tx, ino int64) error {
	segs, err := FileSegments(tx, ino)
	if err != nil {
		return err
	}
	counts := make(map[codec.Digest]int, len(segs))
	for _, seg := range segs {
		counts[seg.Digest]++
	}
	err = sqlitex.Execute(tx.conn,
		`DELETE FROM segments WHERE ino = ?`,
		&sqlitex.ExecOptions{Args: []any{ino}})
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "drop segments", "", err)
	}
	for digest, n := range counts {
		if err := ReleaseBlock(tx, digest, n); err != nil {
			return err
		}
	}
	return nil
}
