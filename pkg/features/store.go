// Package features provides the FeatureStore: persistent key-value access to
// precomputed feature vectors, one vector per (feature set, sound id) pair.
//
// Vectors are produced by an external extraction pipeline and delivered as
// bulk files. LoadBulk reads such a file and populates a BadgerDB instance;
// Get and GetMany then serve lookups without touching the file again.
//
// Key Structure:
//   - Vectors: 0x01 + featureSet + 0x00 + soundID -> msgpack([]float64)
//   - Dimensions: 0x02 + featureSet -> msgpack(int)
//
// Example:
//
//	store, err := features.Open(features.Options{DataDir: "./data/features"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	n, err := store.LoadBulk(ctx, "AUDIOSET_FEATURES", "/data/as_embeddings.json")
//	vecs, err := store.GetMany("AUDIOSET_FEATURES", []string{"1234", "5678"})
//
// Thread Safety:
//
//	Lookups may run concurrently. Bulk loads are exclusive with each other
//	and with lookups, so a reader never sees a half-loaded feature set.
package features

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/orneryd/soundgraph/pkg/logging"
)

const (
	prefixVector = byte(0x01)
	prefixDims   = byte(0x02)
)

var (
	// ErrNotFound is returned when no vector exists for a sound id.
	ErrNotFound = errors.New("feature vector not found")
	// ErrLoad is returned when a bulk file is missing, malformed or has
	// inconsistent dimensionality.
	ErrLoad = errors.New("feature load error")
	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("feature store closed")
)

// Options configures the BadgerDB-backed store.
type Options struct {
	// DataDir is the directory for badger files. Ignored when InMemory.
	DataDir string
	// InMemory keeps everything in RAM. Used by tests and by deployments
	// that reload the bulk file on every start.
	InMemory bool
	// SyncWrites forces fsync after each write.
	SyncWrites bool
	// Logger receives badger's internal messages at debug level and the
	// store's own messages. Zero value uses logging.With("features").
	Logger *zerolog.Logger
}

// Store is a BadgerDB-backed FeatureStore.
type Store struct {
	db  *badger.DB
	log zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) a feature store.
func Open(opts Options) (*Store, error) {
	log := logging.With("features")
	if opts.Logger != nil {
		log = *opts.Logger
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	// Feature vectors are small and written once; keep the footprint low.
	badgerOpts = badgerOpts.
		WithLogger(&badgerLogger{log: log}).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open feature store: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// OpenInMemory opens a throwaway in-memory store.
func OpenInMemory() (*Store, error) {
	nop := zerolog.Nop()
	return Open(Options{InMemory: true, Logger: &nop})
}

func vectorKey(featureSet, id string) []byte {
	key := make([]byte, 0, 2+len(featureSet)+len(id))
	key = append(key, prefixVector)
	key = append(key, featureSet...)
	key = append(key, 0x00)
	key = append(key, id...)
	return key
}

func vectorPrefix(featureSet string) []byte {
	key := make([]byte, 0, 2+len(featureSet))
	key = append(key, prefixVector)
	key = append(key, featureSet...)
	key = append(key, 0x00)
	return key
}

func dimsKey(featureSet string) []byte {
	return append([]byte{prefixDims}, featureSet...)
}

// Get returns the vector for id in featureSet, or ErrNotFound.
func (s *Store) Get(featureSet, id string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var vec []float64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(vectorKey(featureSet, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &vec)
		})
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// GetMany returns the vectors for the ids that exist. Missing ids are
// omitted; callers treat them as unknown and exclude them.
func (s *Store) GetMany(featureSet string, ids []string) (map[string][]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make(map[string][]float64, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(vectorKey(featureSet, id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var vec []float64
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &vec)
			}); err != nil {
				return fmt.Errorf("decoding vector %s: %w", id, err)
			}
			out[id] = vec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put stores a single vector. The vector must match the dimensionality
// already recorded for featureSet, if any.
func (s *Store) Put(featureSet, id string, vec []float64) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector for %s", ErrLoad, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		dims, err := readDims(txn, featureSet)
		if err != nil {
			return err
		}
		if dims == 0 {
			if err := writeDims(txn, featureSet, len(vec)); err != nil {
				return err
			}
		} else if dims != len(vec) {
			return fmt.Errorf("%w: %s has %d dimensions, expected %d", ErrLoad, id, len(vec), dims)
		}
		data, err := msgpack.Marshal(vec)
		if err != nil {
			return err
		}
		return txn.Set(vectorKey(featureSet, id), data)
	})
}

// Dimensions returns the recorded dimensionality of featureSet, or 0 if
// nothing has been loaded for it.
func (s *Store) Dimensions(featureSet string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	var dims int
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		dims, err = readDims(txn, featureSet)
		return err
	})
	return dims, err
}

// Count returns the number of vectors stored for featureSet.
func (s *Store) Count(featureSet string) (int, error) {
	n := 0
	err := s.Each(featureSet, func(string, []float64) error {
		n++
		return nil
	})
	return n, err
}

// Each calls fn for every vector of featureSet in key order. Iteration stops
// at the first error returned by fn.
func (s *Store) Each(featureSet string, fn func(id string, vec []float64) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	prefix := vectorPrefix(featureSet)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(prefix):])
			var vec []float64
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &vec)
			}); err != nil {
				return fmt.Errorf("decoding vector %s: %w", id, err)
			}
			if err := fn(id, vec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// RunGC runs value-log garbage collection. Returns nil when there was
// nothing to collect.
func (s *Store) RunGC() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

func readDims(txn *badger.Txn, featureSet string) (int, error) {
	item, err := txn.Get(dimsKey(featureSet))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var dims int
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &dims)
	})
	return dims, err
}

func writeDims(txn *badger.Txn, featureSet string, dims int) error {
	data, err := msgpack.Marshal(dims)
	if err != nil {
		return err
	}
	return txn.Set(dimsKey(featureSet), data)
}

// badgerLogger routes badger's internal logging through zerolog. Badger is
// chatty at info level, so everything below warning goes to debug.
type badgerLogger struct {
	log zerolog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}
