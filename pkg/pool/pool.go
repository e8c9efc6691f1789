// Package pool provides bounded fan-out for CPU-bound per-node work and
// scratch-object pooling for the graph builders.
//
// Graph construction issues one nearest-neighbor query per candidate and
// common-neighbor counting touches every node pair, so both run on a bounded
// set of goroutines rather than on the request goroutine alone.
//
// Usage:
//
//	err := pool.ForEach(ctx, len(ids), 0, func(ctx context.Context, i int) error {
//		return visit(ids[i])
//	})
//
//	set := pool.GetIDSet()
//	defer pool.PutIDSet(set)
package pool

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PoolConfig configures worker fan-out and object pooling.
type PoolConfig struct {
	// Enabled controls whether scratch objects are pooled
	Enabled bool

	// MaxSize limits the size of objects returned to the pools
	MaxSize int

	// Workers is the default fan-out for ForEach. Zero means GOMAXPROCS.
	Workers int
}

var globalConfig = PoolConfig{
	Enabled: true,
	MaxSize: 4096,
}

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	globalConfig = config
	initPools()
}

func initPools() {
	idSetPool = sync.Pool{
		New: func() any {
			return make(map[string]struct{}, 16)
		},
	}
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

// Workers returns the effective default fan-out.
func Workers() int {
	if globalConfig.Workers > 0 {
		return globalConfig.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// =============================================================================
// Fan-out
// =============================================================================

// ForEach calls fn for every index in [0, n) on at most workers goroutines
// (Workers() when workers <= 0). The first error cancels the context passed
// to the remaining calls and is returned.
func ForEach(ctx context.Context, n, workers int, fn func(ctx context.Context, i int) error) error {
	if n <= 0 {
		return ctx.Err()
	}
	if workers <= 0 {
		workers = Workers()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i // per-iteration copy; go.mod targets go 1.21 loop semantics
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Map runs fn over every index like ForEach and collects the results in
// index order.
func Map[T any](ctx context.Context, n, workers int, fn func(ctx context.Context, i int) (T, error)) ([]T, error) {
	out := make([]T, max(n, 0))
	err := ForEach(ctx, n, workers, func(ctx context.Context, i int) error {
		v, err := fn(ctx, i)
		if err != nil {
			return err
		}
		out[i] = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// ID Set Pool
// =============================================================================

var idSetPool = sync.Pool{
	New: func() any {
		return make(map[string]struct{}, 16)
	},
}

// GetIDSet returns an empty set from the pool.
func GetIDSet() map[string]struct{} {
	if !globalConfig.Enabled {
		return make(map[string]struct{}, 16)
	}
	m := idSetPool.Get().(map[string]struct{})
	clear(m)
	return m
}

// PutIDSet returns a set to the pool.
func PutIDSet(m map[string]struct{}) {
	if !globalConfig.Enabled || m == nil {
		return
	}
	if len(m) > globalConfig.MaxSize {
		return
	}
	clear(m)
	idSetPool.Put(m)
}
