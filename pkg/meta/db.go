// Package meta is the metadata index: the transactional, relational
// source of truth for inodes, directory entries, per-file segment lists,
// and block reference counts. Every filesystem operation runs inside one
// transaction here; the block store's payload repository is consulted
// only after the bookkeeping in this package has decided what exists.
package meta

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sbstp/nightshift/pkg/fserr"
)

// RootIno is the inode number of the filesystem root directory. It is
// created on first open and always exists afterwards.
const RootIno int64 = 1

// writeRetries bounds how many times a busy/locked transaction is
// retried before the conflict surfaces to the caller.
const writeRetries = 5

// Config configures the index database.
type Config struct {
	// Path is the SQLite database file. Created if absent.
	Path string

	// PoolSize is the connection pool size. Writes are serialized by
	// SQLite regardless; extra connections serve concurrent readers.
	// Defaults to max(NumCPU, 4).
	PoolSize int

	// Logger receives operational messages. Required.
	Logger *logrus.Logger
}

// DB is the open index. Safe for concurrent use; individual
// transactions are not.
type DB struct {
	pool *sqlitex.Pool
	log  *logrus.Logger
	path string
}

// Tx is an open transaction. All query helpers in this package take a
// *Tx; a Tx obtained from ReadTx must not be passed to mutating
// helpers.
type Tx struct {
	conn *sqlite.Conn
}

// Conn exposes the underlying connection for components that keep
// their bookkeeping rows in the index (the block store).
func (tx *Tx) Conn() *sqlite.Conn { return tx.conn }

// Open opens (creating if needed) the index database, applies the
// engine pragmas to every connection, installs the schema, and ensures
// the root inode exists.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("meta: Path is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("meta: Logger is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("meta: opening %s: %w", cfg.Path, err)
	}
	db := &DB{pool: pool, log: cfg.Logger, path: cfg.Path}
	if err := db.init(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	db.log.WithFields(logrus.Fields{"path": cfg.Path, "pool_size": poolSize}).
		Debug("index opened")
	return db, nil
}

// Close closes all pooled connections. Blocks until borrowed
// connections are returned.
func (db *DB) Close() error {
	if err := db.pool.Close(); err != nil {
		return fmt.Errorf("meta: closing %s: %w", db.path, err)
	}
	db.log.WithField("path", db.path).Debug("index closed")
	return nil
}

// ReadTx runs fn inside a read transaction. The transaction sees a
// stable WAL snapshot taken at its start, so iteration and multi-query
// reads are consistent against concurrent writers.
func (db *DB) ReadTx(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "read tx", "", err)
	}
	defer db.pool.Put(conn)

	end := sqlitex.Transaction(conn)
	fnErr := fn(&Tx{conn: conn})
	end(&fnErr)
	return classify(fnErr)
}

// WriteTx runs fn inside an IMMEDIATE transaction: the write lock is
// taken up front, so concurrent writers are strictly commit-ordered.
// Busy/locked failures are retried a bounded number of times with
// backoff before surfacing as a conflict.
func (db *DB) WriteTx(ctx context.Context, fn func(tx *Tx) error) error {
	err := retry.Do(
		func() error { return db.writeOnce(ctx, fn) },
		retry.Attempts(writeRetries),
		retry.Delay(20*time.Millisecond),
		retry.MaxDelay(250*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isBusy),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if isBusy(err) {
		db.log.WithError(err).Warn("write transaction conflict after retries")
		return fserr.Wrap(fserr.KindConflict, "write tx", "", err)
	}
	return classify(err)
}

func (db *DB) writeOnce(ctx context.Context, fn func(tx *Tx) error) (err error) {
	conn, takeErr := db.pool.Take(ctx)
	if takeErr != nil {
		return fserr.Wrap(fserr.KindStorage, "write tx", "", takeErr)
	}
	defer db.pool.Put(conn)

	end, beginErr := sqlitex.ImmediateTransaction(conn)
	if beginErr != nil {
		return beginErr
	}
	defer end(&err)
	err = fn(&Tx{conn: conn})
	return err
}

func (db *DB) init(ctx context.Context) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("meta: init: %w", err)
	}
	defer db.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("meta: installing schema: %w", err)
	}
	return ensureRoot(&Tx{conn: conn})
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("meta: %s: %w", pragma, err)
		}
	}
	return nil
}

// isBusy reports whether err is a transient lock failure worth
// retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	switch sqlite.ErrCode(err) {
	case sqlite.ResultBusy, sqlite.ResultLocked, sqlite.ResultBusySnapshot:
		return true
	}
	return false
}

// classify maps low-level SQLite failures onto the engine taxonomy.
// Already-classified errors pass through untouched.
func classify(err error) error {
	if err == nil || fserr.KindOf(err) != fserr.KindInvalid {
		return err
	}
	switch sqlite.ErrCode(err) {
	case sqlite.ResultFull:
		return fserr.Wrap(fserr.KindNoSpace, "index", "", err)
	case sqlite.ResultError, sqlite.ResultInternal, sqlite.ResultCorrupt,
		sqlite.ResultNotADB, sqlite.ResultIOErr, sqlite.ResultCantOpen:
		return fserr.Wrap(fserr.KindStorage, "index", "", err)
	}
	return err
}
