package features

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// LoadBulk reads a bulk feature file and stores every vector under
// featureSet. Returns the number of vectors loaded.
//
// The file holds one or more JSON objects mapping sound id to vector. A
// single object covering the whole dataset and JSON-lines (one small object
// per line) are both accepted:
//
//	{"1234": [0.1, 0.2, ...], "5678": [0.3, 0.1, ...]}
//
//	{"1234": [0.1, 0.2, ...]}
//	{"5678": [0.3, 0.1, ...]}
//
// The whole file is validated before anything is written. Malformed JSON,
// empty vectors and vectors whose length differs from the rest (or from
// what was already stored for featureSet) fail with ErrLoad.
func (s *Store) LoadBulk(ctx context.Context, featureSet, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	defer f.Close()
	return s.LoadBulkReader(ctx, featureSet, f)
}

// LoadBulkReader is LoadBulk over an arbitrary reader.
func (s *Store) LoadBulkReader(ctx context.Context, featureSet string, r io.Reader) (int, error) {
	start := time.Now()

	vectors, dims, err := decodeBulk(ctx, r)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	if len(vectors) == 0 {
		s.log.Warn().Str("feature_set", featureSet).Msg("bulk file contained no vectors")
		return 0, nil
	}

	err = s.db.View(func(txn *badger.Txn) error {
		existing, err := readDims(txn, featureSet)
		if err != nil {
			return err
		}
		if existing != 0 && existing != dims {
			return fmt.Errorf("%w: %s already holds %d-dimensional vectors, file has %d",
				ErrLoad, featureSet, existing, dims)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for id, vec := range vectors {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		data, err := msgpack.Marshal(vec)
		if err != nil {
			return 0, fmt.Errorf("encoding vector %s: %w", id, err)
		}
		if err := wb.Set(vectorKey(featureSet, id), data); err != nil {
			return 0, fmt.Errorf("writing vector %s: %w", id, err)
		}
	}
	dimsData, err := msgpack.Marshal(dims)
	if err != nil {
		return 0, err
	}
	if err := wb.Set(dimsKey(featureSet), dimsData); err != nil {
		return 0, err
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flushing feature batch: %w", err)
	}

	s.log.Info().
		Str("feature_set", featureSet).
		Int("vectors", len(vectors)).
		Int("dimensions", dims).
		Dur("elapsed", time.Since(start)).
		Msg("bulk features loaded")

	return len(vectors), nil
}

func decodeBulk(ctx context.Context, r io.Reader) (map[string][]float64, int, error) {
	dec := json.NewDecoder(bufio.NewReaderSize(r, 1<<20))
	vectors := make(map[string][]float64)
	dims := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		var chunk map[string][]float64
		err := dec.Decode(&chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: malformed bulk file: %v", ErrLoad, err)
		}

		// Sorted so the first offending id reported is stable.
		ids := make([]string, 0, len(chunk))
		for id := range chunk {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			vec := chunk[id]
			if len(vec) == 0 {
				return nil, 0, fmt.Errorf("%w: empty vector for %s", ErrLoad, id)
			}
			if dims == 0 {
				dims = len(vec)
			} else if len(vec) != dims {
				return nil, 0, fmt.Errorf("%w: %s has %d dimensions, expected %d", ErrLoad, id, len(vec), dims)
			}
			vectors[id] = vec
		}
	}
	return vectors, dims, nil
}
