package meta

// Times are stored as nanoseconds since the Unix epoch. The blocks
// table carries the reference counts and decode parameters for block
// payloads; the payloads themselves live in the block store's
// repository. Keeping the counts here means a segment update and its
// retain/release land in one commit.
const schema = `
CREATE TABLE IF NOT EXISTS inodes (
	ino       INTEGER PRIMARY KEY,
	kind      INTEGER NOT NULL,
	size      INTEGER NOT NULL DEFAULT 0,
	mode      INTEGER NOT NULL,
	uid       INTEGER NOT NULL DEFAULT 0,
	gid       INTEGER NOT NULL DEFAULT 0,
	nlink     INTEGER NOT NULL DEFAULT 1,
	atime_ns  INTEGER NOT NULL,
	mtime_ns  INTEGER NOT NULL,
	ctime_ns  INTEGER NOT NULL,
	crtime_ns INTEGER NOT NULL,
	target    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS dentries (
	parent INTEGER NOT NULL REFERENCES inodes(ino),
	name   TEXT    NOT NULL,
	ino    INTEGER NOT NULL REFERENCES inodes(ino),
	PRIMARY KEY (parent, name)
);

CREATE INDEX IF NOT EXISTS dentries_by_ino ON dentries(ino);

CREATE TABLE IF NOT EXISTS segments (
	ino    INTEGER NOT NULL REFERENCES inodes(ino),
	off    INTEGER NOT NULL,
	len    INTEGER NOT NULL,
	digest BLOB    NOT NULL,
	PRIMARY KEY (ino, off)
);

CREATE INDEX IF NOT EXISTS segments_by_digest ON segments(digest);

CREATE TABLE IF NOT EXISTS blocks (
	digest    BLOB    PRIMARY KEY,
	algo      INTEGER NOT NULL,
	plain_len INTEGER NOT NULL,
	refcount  INTEGER NOT NULL
);
`
