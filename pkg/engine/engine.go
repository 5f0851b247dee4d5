// Package engine ties the metadata index, block store, chunker, and
// handle table into the filesystem operation surface the mount adapter
// calls. Every operation validates its arguments, runs inside a single
// index transaction, and reports failures through the fserr taxonomy.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/sbstp/nightshift/pkg/block"
	"github.com/sbstp/nightshift/pkg/cache"
	"github.com/sbstp/nightshift/pkg/chunker"
	"github.com/sbstp/nightshift/pkg/codec"
	"github.com/sbstp/nightshift/pkg/handle"
	"github.com/sbstp/nightshift/pkg/meta"
)

const (
	// DefaultFlushThreshold is the buffered byte count that forces a
	// handle's pending writes out to storage.
	DefaultFlushThreshold = 4 << 20

	indexFile = "index.db"
	blockFile = "blocks.db"
	lockFile  = "lock"
)

// Config configures an engine.
type Config struct {
	// Dir is the data directory. Created if absent; holds the index,
	// the block repository, and the instance lock.
	Dir string

	// Key is the AEAD key protecting block payloads.
	Key [codec.KeySize]byte

	// Chunker selects the segmentation policy by name. Empty picks the
	// content-defined default.
	Chunker string

	// CacheBudget bounds the plaintext block cache in bytes.
	// Non-positive uses the cache default.
	CacheBudget int64

	// FlushThreshold forces buffered writes out once a handle holds
	// this many bytes. Non-positive uses DefaultFlushThreshold.
	FlushThreshold int

	// ZstdThreshold is handed to the block store codec selection.
	ZstdThreshold int

	// Logger receives operational messages. Required.
	Logger *logrus.Logger
}

// Engine is an open storage engine. Safe for concurrent use.
type Engine struct {
	db      *meta.DB
	blocks  *block.Store
	chunks  chunker.Policy
	handles *handle.Table
	cache   *cache.Cache
	lock    *flock.Flock
	log     *logrus.Logger

	flushThreshold int
}

// Open opens the engine over the given data directory. The directory
// is exclusively locked: a second engine on the same directory fails
// fast instead of corrupting shared state.
func Open(cfg Config) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("engine: Dir is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("engine: Logger is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("engine: creating %s: %w", cfg.Dir, err)
	}

	lock := flock.New(filepath.Join(cfg.Dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("engine: locking %s: %w", cfg.Dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("engine: %s is in use by another instance", cfg.Dir)
	}

	policy, err := chunker.New(cfg.Chunker)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	db, err := meta.Open(meta.Config{
		Path:   filepath.Join(cfg.Dir, indexFile),
		Logger: cfg.Logger,
	})
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	blockCache := cache.New(cfg.CacheBudget)
	blocks, err := block.Open(block.Config{
		Path:          filepath.Join(cfg.Dir, blockFile),
		Key:           cfg.Key,
		ZstdThreshold: cfg.ZstdThreshold,
		Cache:         blockCache,
		Logger:        cfg.Logger,
	})
	if err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}

	threshold := cfg.FlushThreshold
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}

	cfg.Logger.WithFields(logrus.Fields{
		"dir":     cfg.Dir,
		"chunker": policy.Name(),
	}).Info("engine opened")

	return &Engine{
		db:             db,
		blocks:         blocks,
		chunks:         policy,
		handles:        handle.NewTable(),
		cache:          blockCache,
		lock:           lock,
		log:            cfg.Logger,
		flushThreshold: threshold,
	}, nil
}

// Close flushes every open handle, then closes the stores and releases
// the instance lock.
func (e *Engine) Close() error {
	ctx := context.Background()
	for _, h := range e.handles.All() {
		if err := e.FlushHandle(ctx, h); err != nil {
			e.log.WithError(err).WithField("ino", h.Ino()).
				Error("flush on shutdown failed")
		}
	}
	var firstErr error
	if err := e.blocks.Close(); err != nil {
		firstErr = err
	}
	if err := e.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("engine: releasing lock: %w", err)
	}
	e.log.Info("engine closed")
	return firstErr
}

// DB exposes the metadata index, for the sweeper and the stat command.
func (e *Engine) DB() *meta.DB { return e.db }

// Blocks exposes the block store, for the sweeper.
func (e *Engine) Blocks() *block.Store { return e.blocks }

// CacheStats reports block cache statistics.
func (e *Engine) CacheStats() cache.Stats { return e.cache.Stats() }
