// Package block stores encrypted, compressed block payloads keyed by
// the blake3 digest of their plaintext. Payloads live in a bbolt
// repository; reference counts and decode records live in the metadata
// index so they commit atomically with segment updates. A payload is
// always written and synced before the index transaction that
// references it commits, so a committed reference never points at a
// missing payload.
package block

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/sbstp/nightshift/pkg/cache"
	"github.com/sbstp/nightshift/pkg/codec"
	"github.com/sbstp/nightshift/pkg/fserr"
	"github.com/sbstp/nightshift/pkg/meta"
)

var payloadBucket = []byte("payloads")

// payloadVersion is the first byte of every stored payload record.
const payloadVersion = 0x01

// payloadHeaderSize is [version][compression tag][plain length, big endian].
const payloadHeaderSize = 1 + 1 + 8

// Config configures the block store.
type Config struct {
	// Path is the bbolt repository file. Created if absent.
	Path string

	// Key is the AEAD key protecting every payload.
	Key [codec.KeySize]byte

	// ZstdThreshold is the block size above which the high-ratio codec
	// is selected. Non-positive uses the codec default.
	ZstdThreshold int

	// Cache holds decoded plaintexts. May be nil.
	Cache *cache.Cache

	// Logger receives operational messages. Required.
	Logger *logrus.Logger
}

// Store is the payload repository. Safe for concurrent use.
type Store struct {
	db        *bolt.DB
	key       [codec.KeySize]byte
	threshold int
	cache     *cache.Cache
	log       *logrus.Logger

	// inflight pins digests from the moment Put runs until the index
	// transaction referencing them settles, so the sweeper never
	// reclaims a payload that is about to become referenced.
	mu       sync.Mutex
	inflight map[codec.Digest]int
}

// Open opens (creating if needed) the payload repository.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("block: Path is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("block: Logger is required")
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("block: opening %s: %w", cfg.Path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(payloadBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("block: creating bucket: %w", err)
	}
	cfg.Logger.WithField("path", cfg.Path).Debug("block store opened")
	return &Store{
		db:        db,
		key:       cfg.Key,
		threshold: cfg.ZstdThreshold,
		cache:     cfg.Cache,
		log:       cfg.Logger,
		inflight:  make(map[codec.Digest]int),
	}, nil
}

// Close closes the repository.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("block: close: %w", err)
	}
	return nil
}

// Put stores plain as a block, deduplicating by content. One reference
// is taken per call: putting the same bytes N times yields a refcount
// of N with a single stored payload. The payload is durable in the
// repository before Put returns, ahead of tx's commit.
//
// The returned digest is pinned against sweeping; the caller must
// settle it with Settle once tx has committed or aborted.
func (s *Store) Put(tx *meta.Tx, plain []byte) (codec.Digest, error) {
	digest := codec.Sum(plain)
	s.pin(digest)

	if err := s.put(tx, digest, plain); err != nil {
		s.Settle(digest)
		return codec.Digest{}, err
	}
	return digest, nil
}

func (s *Store) put(tx *meta.Tx, digest codec.Digest, plain []byte) error {
	compressed, algo, err := codec.Compress(plain, codec.Select(len(plain), s.threshold))
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "put block", digest.Short(), err)
	}

	existed, err := meta.RegisterBlock(tx, digest, algo, int64(len(plain)))
	if err != nil {
		return err
	}

	err = s.db.Update(func(btx *bolt.Tx) error {
		bucket := btx.Bucket(payloadBucket)
		if existed && bucket.Get(digest[:]) != nil {
			return nil
		}
		sealed, err := codec.Encrypt(compressed, s.key[:], digest)
		if err != nil {
			return err
		}
		record := make([]byte, payloadHeaderSize+len(sealed))
		record[0] = payloadVersion
		record[1] = byte(algo)
		binary.BigEndian.PutUint64(record[2:], uint64(len(plain)))
		copy(record[payloadHeaderSize:], sealed)
		return bucket.Put(digest[:], record)
	})
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "put block", digest.Short(), err)
	}
	return nil
}

// Get fetches and decodes the payload for digest, verifying the
// plaintext hashes back to the digest. The returned slice may be
// shared with the cache; callers must not modify it.
func (s *Store) Get(digest codec.Digest) ([]byte, error) {
	if plain, ok := s.cache.Get(digest); ok {
		return plain, nil
	}

	var record []byte
	err := s.db.View(func(btx *bolt.Tx) error {
		if value := btx.Bucket(payloadBucket).Get(digest[:]); value != nil {
			record = make([]byte, len(value))
			copy(record, value)
		}
		return nil
	})
	if err != nil {
		return nil, fserr.Wrap(fserr.KindStorage, "get block", digest.Short(), err)
	}
	if record == nil {
		return nil, fserr.E(fserr.KindNotFound, "get block", digest.Short())
	}

	plain, err := s.decode(digest, record)
	if err != nil {
		return nil, err
	}
	s.cache.Set(digest, plain)
	return plain, nil
}

func (s *Store) decode(digest codec.Digest, record []byte) ([]byte, error) {
	if len(record) < payloadHeaderSize {
		return nil, fserr.Wrap(fserr.KindCorruptBlock, "get block", digest.Short(),
			fmt.Errorf("record is %d bytes, minimum is %d", len(record), payloadHeaderSize))
	}
	if record[0] != payloadVersion {
		return nil, fserr.Wrap(fserr.KindCorruptBlock, "get block", digest.Short(),
			fmt.Errorf("unsupported record version %d", record[0]))
	}
	algo := codec.Compression(record[1])
	plainLen := binary.BigEndian.Uint64(record[2:payloadHeaderSize])

	compressed, err := codec.Decrypt(record[payloadHeaderSize:], s.key[:], digest)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindCorruptBlock, "get block", digest.Short(), err)
	}
	plain, err := codec.Decompress(compressed, algo, int(plainLen))
	if err != nil {
		return nil, fserr.Wrap(fserr.KindCorruptBlock, "get block", digest.Short(), err)
	}
	if codec.Sum(plain) != digest {
		return nil, fserr.Wrap(fserr.KindCorruptBlock, "get block", digest.Short(),
			fmt.Errorf("decoded content does not hash to its address"))
	}
	return plain, nil
}

// Retain takes n additional references on an existing block, pinning
// the digest like Put does. Block sharing between files (server-side
// copy) uses this instead of re-encoding the payload.
func (s *Store) Retain(tx *meta.Tx, digest codec.Digest, n int) error {
	s.pin(digest)
	if err := meta.RetainBlock(tx, digest, n); err != nil {
		s.Settle(digest)
		return err
	}
	return nil
}

// Settle releases the sweep pins on the given digests. Callers invoke
// it exactly once per Put or Retain, after the enclosing index
// transaction has committed or aborted.
func (s *Store) Settle(digests ...codec.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, digest := range digests {
		if s.inflight[digest] <= 1 {
			delete(s.inflight, digest)
		} else {
			s.inflight[digest]--
		}
	}
}

// Pinned reports whether digest is currently pinned by an unsettled
// write. The sweeper skips pinned digests.
func (s *Store) Pinned(digest codec.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[digest] > 0
}

func (s *Store) pin(digest codec.Digest) {
	s.mu.Lock()
	s.inflight[digest]++
	s.mu.Unlock()
}

// DeletePayload removes the stored payload for digest and drops it
// from the cache.
func (s *Store) DeletePayload(digest codec.Digest) error {
	err := s.db.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(payloadBucket).Delete(digest[:])
	})
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "delete block", digest.Short(), err)
	}
	s.cache.Delete(digest)
	return nil
}

// RowProbe reports whether the metadata index currently holds a row
// for digest. The sweeper hands one to SweepPayload so the payload
// delete can detect a block resurrected by a writer that already
// committed and settled.
type RowProbe func(digest codec.Digest) (bool, error)

// SweepPayload removes the payload for digest unless the digest is
// pinned by an unsettled write or live reprobes a committed index row.
// Both checks run under the pin lock: Put pins before it touches the
// repository and unpins only after its transaction resolves, so a
// concurrent writer is either still pinned or has a row the probe
// sees. Returns whether the payload was removed.
func (s *Store) SweepPayload(digest codec.Digest, live RowProbe) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[digest] > 0 {
		return false, nil
	}
	if live != nil {
		exists, err := live(digest)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}
	err := s.db.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(payloadBucket).Delete(digest[:])
	})
	if err != nil {
		return false, fserr.Wrap(fserr.KindStorage, "sweep block", digest.Short(), err)
	}
	s.cache.Delete(digest)
	return true, nil
}

// HasPayload reports whether a payload is stored for digest.
func (s *Store) HasPayload(digest codec.Digest) (bool, error) {
	var found bool
	err := s.db.View(func(btx *bolt.Tx) error {
		found = btx.Bucket(payloadBucket).Get(digest[:]) != nil
		return nil
	})
	if err != nil {
		return false, fserr.Wrap(fserr.KindStorage, "probe block", digest.Short(), err)
	}
	return found, nil
}

// ForEachPayload calls fn for every stored payload digest. The
// sweeper's orphan scan uses this to find payloads with no index row.
func (s *Store) ForEachPayload(fn func(digest codec.Digest) error) error {
	err := s.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(payloadBucket).ForEach(func(k, v []byte) error {
			if len(k) != codec.DigestSize {
				return fmt.Errorf("malformed payload key of %d bytes", len(k))
			}
			var digest codec.Digest
			copy(digest[:], k)
			return fn(digest)
		})
	})
	if err != nil {
		return fserr.Wrap(fserr.KindStorage, "scan blocks", "", err)
	}
	return nil
}
