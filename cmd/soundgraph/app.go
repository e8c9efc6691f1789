package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/orneryd/soundgraph/pkg/cluster"
	"github.com/orneryd/soundgraph/pkg/community"
	"github.com/orneryd/soundgraph/pkg/config"
	"github.com/orneryd/soundgraph/pkg/features"
	"github.com/orneryd/soundgraph/pkg/logging"
	"github.com/orneryd/soundgraph/pkg/math/vector"
	"github.com/orneryd/soundgraph/pkg/pool"
	"github.com/orneryd/soundgraph/pkg/search"
)

// app is the wired service: feature store, vector index and clustering
// engine built from one Config.
type app struct {
	cfg    *config.Config
	store  *features.Store
	index  *search.VectorIndex
	engine *cluster.Engine
	log    zerolog.Logger
}

// loadConfig resolves the --config flag and initializes logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    cmd.ErrOrStderr(),
	})
	pool.Configure(pool.PoolConfig{
		Enabled: true,
		MaxSize: 4096,
		Workers: cfg.Clustering.Workers,
	})
	return cfg, nil
}

func openStore(cfg *config.Config) (*features.Store, error) {
	if cfg.Features.InMemory {
		return features.OpenInMemory()
	}
	if err := os.MkdirAll(cfg.Features.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating feature store directory: %w", err)
	}
	return features.Open(features.Options{
		DataDir:    cfg.Features.DataDir,
		SyncWrites: cfg.Features.SyncWrites,
	})
}

// indexConfig maps the index section and every non-reference feature set
// to a VectorIndex configuration.
func indexConfig(cfg *config.Config) search.Config {
	sc := search.Config{
		Backend: cfg.Index.Backend,
		HNSW: search.HNSWConfig{
			M:              cfg.Index.HNSWM,
			EfConstruction: cfg.Index.HNSWEfConstruction,
			EfSearch:       cfg.Index.HNSWEfSearch,
			Seed:           1,
		},
		DefaultPreset:      cfg.Index.DefaultPreset,
		AllowedDescriptors: cfg.Index.AllowedDescriptors,
		MinimumPoints:      cfg.Index.MinimumPoints,
		Path:               cfg.Index.Path,
	}
	for _, set := range cfg.IndexedFeatureSets() {
		sc.Presets = append(sc.Presets, search.Preset{
			Name:        set.Name,
			Descriptors: set.VectorDescriptors(),
			Metric:      vector.Metric(set.Metric),
		})
	}
	return sc
}

// engineOptions maps the clustering section to engine options.
func engineOptions(cfg *config.Config) cluster.Options {
	c := cfg.Clustering
	opts := cluster.Options{
		FeatureSet:          c.FeatureSet,
		ReferenceFeatureSet: cfg.ReferenceFeatureSet(),
		K:                   c.KDefault,
		MaxNeighborDistance: c.MaxNeighborDistance,
		GraphMode:           c.GraphMode,
		Mode:                community.Mode(c.CommunityDetectionMode),
		CliqueK:             c.CliqueK,
		Resolution:          c.Resolution,
		Seed:                c.Seed,
		MaxClusters:         c.MaxClusters,
		MaxResults:          c.MaxResults,
		SaveResultsDir:      c.SaveResultsDir,
		CacheTTL:            c.CacheDuration(),
		CacheSize:           c.CacheSize,
		Workers:             c.Workers,
	}
	for _, set := range cfg.IndexedFeatureSets() {
		opts.FeatureSets = append(opts.FeatureSets, cluster.FeatureSet{
			Name:   set.Name,
			Metric: vector.Metric(set.Metric),
		})
	}
	return opts
}

// newApp opens the store, bulk-loads dataset files, and builds the index
// and engine. Any load failure is fatal: the service must not run on a
// partially loaded index.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, log: logging.With("soundgraph")}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening feature store: %w", err)
	}
	a.store = store

	for _, set := range cfg.FeatureSets {
		if set.DatasetFile == "" {
			continue
		}
		n, err := store.LoadBulk(ctx, set.Name, set.DatasetFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("loading %s: %w", set.Name, err)
		}
		a.log.Info().Str("feature_set", set.Name).Int("vectors", n).Str("file", set.DatasetFile).Msg("dataset loaded")
	}

	index, err := search.NewVectorIndex(indexConfig(cfg))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.index = index

	restored, err := a.restoreSnapshot()
	if err != nil {
		a.Close()
		return nil, err
	}
	if !restored {
		for _, set := range cfg.IndexedFeatureSets() {
			if len(set.Descriptors) > 0 {
				// filled through add_point
				continue
			}
			if err := indexFeatureSet(index, store, set.Name); err != nil {
				a.Close()
				return nil, fmt.Errorf("indexing %s: %w", set.Name, err)
			}
		}
	}
	a.log.Info().Int("points", index.Len()).Strs("presets", index.Presets()).Msg("index ready")

	engine, err := cluster.NewEngine(index, store, engineOptions(cfg))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine
	return a, nil
}

// restoreSnapshot loads the index snapshot when configured and present.
func (a *app) restoreSnapshot() (bool, error) {
	path := a.cfg.Index.Path
	if !a.cfg.Index.LoadOnStart || path == "" {
		return false, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := a.index.Load(path); err != nil {
		return false, err
	}
	return true, nil
}

// indexFeatureSet adds every stored vector of featureSet to the index as
// the descriptor of the same name, merging into points that already exist.
func indexFeatureSet(index *search.VectorIndex, store *features.Store, featureSet string) error {
	return store.Each(featureSet, func(id string, vec []float64) error {
		p, ok := index.GetPoint(id)
		if !ok {
			return index.AddPoint(search.NewPoint(id, featureSet, vec))
		}
		p.Descriptors[featureSet] = vec
		return index.ReplacePoint(p)
	})
}

func (a *app) featureSetNames() []string {
	names := make([]string, len(a.cfg.FeatureSets))
	for i, set := range a.cfg.FeatureSets {
		names[i] = set.Name
	}
	return names
}

// Close releases the feature store.
func (a *app) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
