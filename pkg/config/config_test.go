package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "soundgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8008, cfg.Server.Port)
	assert.Equal(t, "flat", cfg.Index.Backend)
	assert.Equal(t, 15, cfg.Index.DefaultNumResults)
	assert.Equal(t, 20.0, cfg.Clustering.MaxNeighborDistance)
	assert.Equal(t, 8, cfg.Clustering.MaxClusters)
	assert.Equal(t, 1000, cfg.Clustering.MaxResults)
	assert.Equal(t, "disjoint", cfg.Clustering.CommunityDetectionMode)
	assert.Zero(t, cfg.Clustering.CacheDuration())
	assert.Empty(t, cfg.ReferenceFeatureSet())
}

func TestLoad_DefaultsOnly(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
	require.Len(t, cfg.FeatureSets, 1)
	assert.Equal(t, "AUDIOSET_FEATURES", cfg.FeatureSets[0].Name)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9100
  read_timeout: 10s
index:
  backend: hnsw
  default_preset: mfcc
feature_sets:
  - name: AUDIOSET_FEATURES
    dataset_file: /data/audioset.json
  - name: mfcc
    descriptors: [".lowlevel.mfcc.mean"]
    metric: cosine
  - name: TAGS
    dataset_file: /data/tags.jsonl
    reference: true
clustering:
  community_detection_mode: overlapping
  clique_k: 4
  cache_ttl: 600
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	// untouched keys keep their defaults
	assert.Equal(t, 5*time.Minute, cfg.Server.WriteTimeout)
	assert.Equal(t, "hnsw", cfg.Index.Backend)
	assert.Equal(t, "mfcc", cfg.Index.DefaultPreset)

	require.Len(t, cfg.FeatureSets, 3)
	assert.Equal(t, "TAGS", cfg.ReferenceFeatureSet())
	assert.Len(t, cfg.IndexedFeatureSets(), 2)

	mfcc, ok := cfg.FeatureSet("mfcc")
	require.True(t, ok)
	assert.Equal(t, []string{".lowlevel.mfcc.mean"}, mfcc.VectorDescriptors())
	audioset, _ := cfg.FeatureSet("AUDIOSET_FEATURES")
	assert.Equal(t, []string{"AUDIOSET_FEATURES"}, audioset.VectorDescriptors())

	assert.Equal(t, "overlapping", cfg.Clustering.CommunityDetectionMode)
	assert.Equal(t, 4, cfg.Clustering.CliqueK)
	assert.Equal(t, 10*time.Minute, cfg.Clustering.CacheDuration())
}

func TestLoad_PathFromEnv(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9200\n")
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "clustering:\n  max_neighbor_distance: 12\n")
	t.Setenv("SOUNDGRAPH_CLUSTERING_MAX_NEIGHBOR_DISTANCE", "5")
	t.Setenv("SOUNDGRAPH_SERVER_PORT", "9300")
	t.Setenv("SOUNDGRAPH_INDEX_ALLOWED_DESCRIPTORS", ".lowlevel.mfcc.mean, .sfx.duration,")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5.0, cfg.Clustering.MaxNeighborDistance)
	assert.Equal(t, 9300, cfg.Server.Port)
	assert.Equal(t, []string{".lowlevel.mfcc.mean", ".sfx.duration"}, cfg.Index.AllowedDescriptors)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("invalid value", func(t *testing.T) {
		path := writeConfig(t, "index:\n  backend: annoy\n")
		_, err := Load(path)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{
			name:   "bad port",
			mutate: func(c *Config) { c.Server.Port = 0 },
			want:   "Port",
		},
		{
			name:   "unknown mode",
			mutate: func(c *Config) { c.Clustering.CommunityDetectionMode = "hierarchical" },
			want:   "CommunityDetectionMode",
		},
		{
			name:   "unknown graph mode",
			mutate: func(c *Config) { c.Clustering.GraphMode = "mst" },
			want:   "GraphMode",
		},
		{
			name:   "unnamed feature set",
			mutate: func(c *Config) { c.FeatureSets = append(c.FeatureSets, FeatureSetConfig{}) },
			want:   "Name",
		},
		{
			name: "duplicate feature set",
			mutate: func(c *Config) {
				c.FeatureSets = append(c.FeatureSets, FeatureSetConfig{Name: "AUDIOSET_FEATURES"})
			},
			want: "duplicate feature set",
		},
		{
			name:   "only reference sets",
			mutate: func(c *Config) { c.FeatureSets[0].Reference = true },
			want:   "non-reference",
		},
		{
			name: "two reference sets",
			mutate: func(c *Config) {
				c.FeatureSets = append(c.FeatureSets,
					FeatureSetConfig{Name: "a", Reference: true},
					FeatureSetConfig{Name: "b", Reference: true})
			},
			want: "at most one reference",
		},
		{
			name: "kdtree with cosine",
			mutate: func(c *Config) {
				c.Index.Backend = "kdtree"
				c.FeatureSets[0].Metric = "cosine"
			},
			want: "kdtree backend requires the euclidean metric",
		},
		{
			name:   "undefined default preset",
			mutate: func(c *Config) { c.Index.DefaultPreset = "missing" },
			want:   `"missing" is not defined`,
		},
		{
			name: "reference as clustering default",
			mutate: func(c *Config) {
				c.FeatureSets = append(c.FeatureSets, FeatureSetConfig{Name: "TAGS", Reference: true})
				c.Clustering.FeatureSet = "TAGS"
			},
			want: "cannot be a default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.want)
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestEnvTransformFunc(t *testing.T) {
	assert.Equal(t, "server.port", envTransformFunc("SOUNDGRAPH_SERVER_PORT"))
	assert.Equal(t, "clustering.max_neighbor_distance", envTransformFunc("SOUNDGRAPH_CLUSTERING_MAX_NEIGHBOR_DISTANCE"))
	assert.Equal(t, "index.hnsw_ef_search", envTransformFunc("SOUNDGRAPH_INDEX_HNSW_EF_SEARCH"))
}

func TestString(t *testing.T) {
	cfg := Default()
	cfg.FeatureSets = append(cfg.FeatureSets, FeatureSetConfig{Name: "TAGS", Reference: true})

	s := cfg.String()
	assert.Contains(t, s, "HTTP: 0.0.0.0:8008")
	assert.Contains(t, s, "AUDIOSET_FEATURES TAGS(ref)")
	assert.Contains(t, s, "disjoint/knn")

	cfg.Features.InMemory = true
	assert.Contains(t, cfg.String(), "DataDir: memory")
}
