// Package config loads SoundGraph configuration from layered sources.
//
// Values are resolved in order, later layers winning:
//  1. Built-in defaults (Default)
//  2. An optional YAML file, from the path given to Load or SOUNDGRAPH_CONFIG
//  3. Environment variables prefixed with SOUNDGRAPH_
//
// Environment variables map onto dotted keys by their first underscore:
// SOUNDGRAPH_CLUSTERING_MAX_NEIGHBOR_DISTANCE sets
// clustering.max_neighbor_distance, SOUNDGRAPH_SERVER_PORT sets
// server.port. List values such as index.allowed_descriptors accept a
// comma separated string.
//
// Example Usage:
//
//	cfg, err := config.Load(configPath)
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	fmt.Printf("Listening on %s\n", cfg.Server.Addr())
//
// Example YAML:
//
//	server:
//	  port: 8008
//	index:
//	  backend: hnsw
//	  path: /var/lib/soundgraph/index.sgix
//	feature_sets:
//	  - name: AUDIOSET_FEATURES
//	    dataset_file: /data/audioset.json
//	  - name: TAG_FEATURES
//	    dataset_file: /data/tags.jsonl
//	    reference: true
//	clustering:
//	  community_detection_mode: disjoint
//	  cache_ttl: 600
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SOUNDGRAPH_"

// ConfigPathEnvVar overrides the config file path when Load is given none.
const ConfigPathEnvVar = EnvPrefix + "CONFIG"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all SoundGraph configuration.
//
// Configuration is organized into logical sections:
//   - Server: HTTP listener and metrics
//   - Index: the shared vector index and its snapshot
//   - Features: the persistent feature store
//   - FeatureSets: named feature sets, their dataset files and metrics
//   - Clustering: graph construction, community detection and caching
//   - Logging: level and format
type Config struct {
	Server      ServerConfig       `koanf:"server"`
	Index       IndexConfig        `koanf:"index"`
	Features    FeaturesConfig     `koanf:"features"`
	FeatureSets []FeatureSetConfig `koanf:"feature_sets" validate:"dive"`
	Clustering  ClusteringConfig   `koanf:"clustering"`
	Logging     LoggingConfig      `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Address to bind to
	Address string `koanf:"address"`
	// Port for HTTP connections (default 8008)
	Port         int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"min=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"min=0"`
	IdleTimeout  time.Duration `koanf:"idle_timeout" validate:"min=0"`
	// RequestTimeout bounds handler time. Zero disables it; callers
	// usually enforce their own deadline.
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"min=0"`
	// MaxRequestSize limits request bodies in bytes
	MaxRequestSize int64 `koanf:"max_request_size" validate:"min=0"`
	// MetricsEnabled exposes /metrics
	MetricsEnabled bool `koanf:"metrics_enabled"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// IndexConfig holds vector index settings.
type IndexConfig struct {
	// Path of the index snapshot used by save and at startup
	Path string `koanf:"path"`
	// Backend is flat, hnsw or kdtree
	Backend            string `koanf:"backend" validate:"oneof=flat hnsw kdtree"`
	HNSWM              int    `koanf:"hnsw_m" validate:"min=0"`
	HNSWEfConstruction int    `koanf:"hnsw_ef_construction" validate:"min=0"`
	HNSWEfSearch       int    `koanf:"hnsw_ef_search" validate:"min=0"`
	// DefaultPreset answers requests naming no preset or an unknown one.
	// Empty means the first non-reference feature set.
	DefaultPreset     string `koanf:"default_preset"`
	DefaultNumResults int    `koanf:"default_num_results" validate:"min=1"`
	// MinimumPoints refuses searches on smaller indexes. Zero disables it.
	MinimumPoints      int      `koanf:"minimum_points" validate:"min=0"`
	AllowedDescriptors []string `koanf:"allowed_descriptors"`
	// LoadOnStart restores the snapshot at Path when it exists
	LoadOnStart bool `koanf:"load_on_start"`
}

// FeaturesConfig holds feature store settings.
type FeaturesConfig struct {
	DataDir    string `koanf:"data_dir"`
	InMemory   bool   `koanf:"in_memory"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// FeatureSetConfig describes one named feature set.
type FeatureSetConfig struct {
	Name string `koanf:"name" validate:"required"`
	// DatasetFile is bulk loaded into the feature store at startup
	DatasetFile string `koanf:"dataset_file"`
	// Descriptors are the point descriptors forming the vector. Empty
	// means a single descriptor named after the feature set, filled from
	// DatasetFile.
	Descriptors []string `koanf:"descriptors"`
	Metric      string   `koanf:"metric" validate:"omitempty,oneof=euclidean cosine manhattan"`
	// Reference marks the set used for external clustering metrics. It is
	// never indexed or clustered on.
	Reference bool `koanf:"reference"`
}

// VectorDescriptors returns the descriptor names forming the vector.
func (f FeatureSetConfig) VectorDescriptors() []string {
	if len(f.Descriptors) > 0 {
		return f.Descriptors
	}
	return []string{f.Name}
}

// ClusteringConfig holds clustering settings.
type ClusteringConfig struct {
	// FeatureSet is clustered on when a request names none
	FeatureSet string `koanf:"feature_set"`
	// KDefault is the neighbor count. Zero means ceil(log2 N).
	KDefault               int     `koanf:"k_default" validate:"min=0"`
	MaxNeighborDistance    float64 `koanf:"max_neighbor_distance" validate:"min=0"`
	CommunityDetectionMode string  `koanf:"community_detection_mode" validate:"oneof=disjoint overlapping"`
	GraphMode              string  `koanf:"graph_mode" validate:"oneof=knn common_neighbors"`
	CliqueK                int     `koanf:"clique_k" validate:"min=2"`
	Resolution             float64 `koanf:"resolution" validate:"gt=0"`
	Seed                   int64   `koanf:"seed"`
	MaxClusters            int     `koanf:"max_clusters" validate:"min=0"`
	MaxResults             int     `koanf:"max_results" validate:"min=0"`
	SaveResultsDir         string  `koanf:"save_results_dir"`
	// CacheTTL is in seconds. Zero disables result caching.
	CacheTTL  int `koanf:"cache_ttl" validate:"min=0"`
	CacheSize int `koanf:"cache_size" validate:"min=0"`
	Workers   int `koanf:"workers" validate:"min=0"`
}

// CacheDuration returns CacheTTL as a duration.
func (c ClusteringConfig) CacheDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string `koanf:"level"`
	// Format (json, console)
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        "0.0.0.0",
			Port:           8008,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   5 * time.Minute,
			IdleTimeout:    2 * time.Minute,
			MaxRequestSize: 10 << 20,
			MetricsEnabled: true,
		},
		Index: IndexConfig{
			Path:               "./data/index.sgix",
			Backend:            "flat",
			HNSWM:              16,
			HNSWEfConstruction: 200,
			HNSWEfSearch:       100,
			DefaultNumResults:  15,
			LoadOnStart:        true,
		},
		Features: FeaturesConfig{
			DataDir: "./data/features",
		},
		FeatureSets: []FeatureSetConfig{
			{Name: "AUDIOSET_FEATURES", Metric: "euclidean"},
		},
		Clustering: ClusteringConfig{
			MaxNeighborDistance:    20,
			CommunityDetectionMode: "disjoint",
			GraphMode:              "knn",
			CliqueK:                5,
			Resolution:             1,
			MaxClusters:            8,
			MaxResults:             1000,
			CacheSize:              256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load resolves the configuration from defaults, the YAML file at path
// (or $SOUNDGRAPH_CONFIG when path is empty) and the environment, then
// validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envTransformFunc maps SOUNDGRAPH_SECTION_SOME_KEY to section.some_key.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// sliceConfigPaths are parsed from comma separated strings when set from
// the environment.
var sliceConfigPaths = []string{
	"index.allowed_descriptors",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field consistency.
//
// Returns nil if configuration is valid, or an error wrapping
// ErrInvalidConfig describing the first problem.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	seen := make(map[string]bool, len(c.FeatureSets))
	var indexed, references int
	for _, fs := range c.FeatureSets {
		if seen[fs.Name] {
			return fmt.Errorf("%w: duplicate feature set %q", ErrInvalidConfig, fs.Name)
		}
		seen[fs.Name] = true
		if fs.Reference {
			references++
			continue
		}
		indexed++
		if c.Index.Backend == "kdtree" && fs.Metric != "" && fs.Metric != "euclidean" {
			return fmt.Errorf("%w: kdtree backend requires the euclidean metric, %s uses %s",
				ErrInvalidConfig, fs.Name, fs.Metric)
		}
	}
	if indexed == 0 {
		return fmt.Errorf("%w: at least one non-reference feature set is required", ErrInvalidConfig)
	}
	if references > 1 {
		return fmt.Errorf("%w: at most one reference feature set is allowed", ErrInvalidConfig)
	}

	for _, name := range []string{c.Index.DefaultPreset, c.Clustering.FeatureSet} {
		if name == "" {
			continue
		}
		fs, ok := c.FeatureSet(name)
		if !ok {
			return fmt.Errorf("%w: feature set %q is not defined", ErrInvalidConfig, name)
		}
		if fs.Reference {
			return fmt.Errorf("%w: reference feature set %q cannot be a default", ErrInvalidConfig, name)
		}
	}
	return nil
}

// FeatureSet looks up a feature set by name.
func (c *Config) FeatureSet(name string) (FeatureSetConfig, bool) {
	for _, fs := range c.FeatureSets {
		if fs.Name == name {
			return fs, true
		}
	}
	return FeatureSetConfig{}, false
}

// ReferenceFeatureSet returns the name of the reference feature set, or "".
func (c *Config) ReferenceFeatureSet() string {
	for _, fs := range c.FeatureSets {
		if fs.Reference {
			return fs.Name
		}
	}
	return ""
}

// IndexedFeatureSets returns the non-reference feature sets in order.
func (c *Config) IndexedFeatureSets() []FeatureSetConfig {
	out := make([]FeatureSetConfig, 0, len(c.FeatureSets))
	for _, fs := range c.FeatureSets {
		if !fs.Reference {
			out = append(out, fs)
		}
	}
	return out
}

// String returns a one-line summary safe for logging.
//
// Example:
//
//	log.Printf("Starting with config: %s", cfg)
//	// Output: Config{HTTP: 0.0.0.0:8008, Backend: flat, FeatureSets: [AUDIOSET_FEATURES], Clustering: disjoint/knn, DataDir: ./data/features}
func (c *Config) String() string {
	names := make([]string, len(c.FeatureSets))
	for i, fs := range c.FeatureSets {
		names[i] = fs.Name
		if fs.Reference {
			names[i] += "(ref)"
		}
	}
	dataDir := c.Features.DataDir
	if c.Features.InMemory {
		dataDir = "memory"
	}
	return fmt.Sprintf(
		"Config{HTTP: %s, Backend: %s, FeatureSets: [%s], Clustering: %s/%s, DataDir: %s}",
		c.Server.Addr(),
		c.Index.Backend,
		strings.Join(names, " "),
		c.Clustering.CommunityDetectionMode, c.Clustering.GraphMode,
		dataDir,
	)
}
