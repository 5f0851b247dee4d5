// Package gc reclaims block payloads whose reference count has reached
// zero, and stray payloads left behind by crashes between a payload
// write and its index commit.
package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sbstp/nightshift/pkg/block"
	"github.com/sbstp/nightshift/pkg/codec"
	"github.com/sbstp/nightshift/pkg/meta"
)

// Options configures a Sweeper.
type Options struct {
	DB        *meta.DB
	Blocks    *block.Store
	BatchSize int
	Logger    *logrus.Logger
}

// Report summarizes one sweep pass.
type Report struct {
	Swept   int // zero-ref blocks reclaimed
	Orphans int // payloads with no index row reclaimed
}

// Sweeper removes unreferenced block payloads. Deletion is two-step:
// the index row goes first, inside a write transaction that re-checks
// the refcount, and only then the payload. A block resurrected by a
// concurrent write is protected at the payload delete: the store
// refuses it while the writer is pinned, and reprobes the index row
// for a writer that already committed and settled.
type Sweeper struct {
	db        *meta.DB
	blocks    *block.Store
	batchSize int
	log       *logrus.Logger
}

// NewSweeper wires the index and block store for garbage collection.
func NewSweeper(opts Options) *Sweeper {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sweeper{
		db:        opts.DB,
		blocks:    opts.Blocks,
		batchSize: opts.BatchSize,
		log:       log,
	}
}

// Sweep performs one full GC pass: zero-ref blocks, then orphaned
// payloads. Returns what was reclaimed.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	if s.db == nil || s.blocks == nil {
		return Report{}, fmt.Errorf("gc sweeper missing dependencies")
	}
	var report Report
	swept, err := s.sweepZeroRef(ctx)
	report.Swept = swept
	if err != nil {
		return report, err
	}
	orphans, err := s.sweepOrphans(ctx)
	report.Orphans = orphans
	return report, err
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			report, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.WithError(err).Warn("gc sweep failed")
			} else if report.Swept > 0 || report.Orphans > 0 {
				s.log.WithFields(logrus.Fields{
					"swept":   report.Swept,
					"orphans": report.Orphans,
				}).Debug("gc sweep")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

func (s *Sweeper) limit() int {
	if s.batchSize <= 0 {
		return 128
	}
	return s.batchSize
}

func (s *Sweeper) sweepZeroRef(ctx context.Context) (int, error) {
	limit := s.limit()
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var doomed []codec.Digest
		err := s.db.WriteTx(ctx, func(tx *meta.Tx) error {
			doomed = doomed[:0]
			candidates, err := meta.ZeroRefDigests(tx, limit)
			if err != nil {
				return err
			}
			for _, digest := range candidates {
				if s.blocks.Pinned(digest) {
					continue
				}
				deleted, err := meta.DeleteBlockIfUnreferenced(tx, digest)
				if err != nil {
					return err
				}
				if deleted {
					doomed = append(doomed, digest)
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		for _, digest := range doomed {
			removed, err := s.blocks.SweepPayload(digest, s.rowProbe(ctx))
			if err != nil {
				return total, err
			}
			if removed {
				total++
			}
		}
		if len(doomed) < limit {
			return total, nil
		}
	}
}

// sweepOrphans reclaims payloads with no index row. The row check runs
// inside a write transaction, so it is serialized against any writer
// that might be registering the digest; a writer that registers after
// our commit rewrites the payload it finds missing.
func (s *Sweeper) sweepOrphans(ctx context.Context) (int, error) {
	var stored []codec.Digest
	err := s.blocks.ForEachPayload(func(digest codec.Digest) error {
		stored = append(stored, digest)
		return nil
	})
	if err != nil {
		return 0, err
	}

	var total int
	for _, digest := range stored {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if s.blocks.Pinned(digest) {
			continue
		}
		orphan := false
		err := s.db.WriteTx(ctx, func(tx *meta.Tx) error {
			exists, err := meta.HasBlock(tx, digest)
			orphan = !exists
			return err
		})
		if err != nil {
			return total, err
		}
		if !orphan {
			continue
		}
		removed, err := s.blocks.SweepPayload(digest, s.rowProbe(ctx))
		if err != nil {
			return total, err
		}
		if removed {
			total++
		}
	}
	return total, nil
}

// rowProbe builds the index-row check SweepPayload runs before
// deleting a payload.
func (s *Sweeper) rowProbe(ctx context.Context) block.RowProbe {
	return func(digest codec.Digest) (bool, error) {
		var exists bool
		err := s.db.ReadTx(ctx, func(tx *meta.Tx) error {
			var err error
			exists, err = meta.HasBlock(tx, digest)
			return err
		})
		return exists, err
	}
}
