package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/soundgraph/pkg/cluster"
	"github.com/orneryd/soundgraph/pkg/config"
	"github.com/orneryd/soundgraph/pkg/eval"
	"github.com/orneryd/soundgraph/pkg/server"
)

const dataset = `{"1": [0, 0], "2": [0.1, 0], "3": [0, 0.1],
"4": [10, 10], "5": [10.1, 10], "6": [10, 10.1]}`

// testConfig returns an in-memory configuration with one feature set
// loaded from a temporary dataset file.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "audioset.json")
	require.NoError(t, os.WriteFile(path, []byte(dataset), 0o600))

	cfg := config.Default()
	cfg.Features.InMemory = true
	cfg.Index.Path = filepath.Join(dir, "index.sgix")
	cfg.FeatureSets = []config.FeatureSetConfig{
		{Name: "AUDIOSET_FEATURES", DatasetFile: path},
	}
	cfg.Clustering.KDefault = 2
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestIndexConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Index.Backend = "hnsw"
	cfg.FeatureSets = []config.FeatureSetConfig{
		{Name: "AUDIOSET_FEATURES"},
		{Name: "lowlevel", Descriptors: []string{".lowlevel.mfcc.mean"}, Metric: "cosine"},
		{Name: "TAGS", Reference: true},
	}

	sc := indexConfig(cfg)
	assert.Equal(t, "hnsw", sc.Backend)
	require.Len(t, sc.Presets, 2, "reference sets are not indexed")
	assert.Equal(t, []string{"AUDIOSET_FEATURES"}, sc.Presets[0].Descriptors)
	assert.Equal(t, []string{".lowlevel.mfcc.mean"}, sc.Presets[1].Descriptors)
	assert.EqualValues(t, "cosine", sc.Presets[1].Metric)

	opts := engineOptions(cfg)
	assert.Equal(t, "TAGS", opts.ReferenceFeatureSet)
	assert.Len(t, opts.FeatureSets, 2)
	assert.EqualValues(t, "disjoint", opts.Mode)
	assert.Zero(t, opts.CacheTTL)
}

func TestNewApp(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	assert.Equal(t, 6, a.index.Len())
	assert.True(t, a.index.Contains("4"))

	res, err := a.engine.ClusterPoints(context.Background(), cluster.Request{
		QueryParams: "test",
		SoundIDs:    []string{"1", "2", "3", "4", "5", "6"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Communities, 2)
}

func TestNewApp_MissingDataset(t *testing.T) {
	cfg := testConfig(t)
	cfg.FeatureSets[0].DatasetFile = filepath.Join(t.TempDir(), "missing.json")

	_, err := newApp(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewApp_RestoresSnapshot(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)
	require.NoError(t, a.index.DeletePoint("6"))
	require.NoError(t, a.index.Save(""))

	b := newTestApp(t, cfg)
	assert.Equal(t, 5, b.index.Len(), "snapshot wins over the feature store")
	assert.False(t, b.index.Contains("6"))

	cfg.Index.LoadOnStart = false
	c := newTestApp(t, cfg)
	assert.Equal(t, 6, c.index.Len())
}

func TestParseThresholds(t *testing.T) {
	tests := []struct {
		in      string
		want    eval.Thresholds
		wantErr bool
	}{
		{in: "q=0.5", want: eval.Thresholds{Modularity: 0.5, RandIndex: 0.7, Purity: 0.7}},
		{in: "rand=0.9, purity=0.8", want: eval.Thresholds{Modularity: 0.3, RandIndex: 0.9, Purity: 0.8}},
		{in: "modularity=0.1", want: eval.Thresholds{Modularity: 0.1, RandIndex: 0.7, Purity: 0.7}},
		{in: "recall=0.5", wantErr: true},
		{in: "q", wantErr: true},
		{in: "q=abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseThresholds(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("4\n5,6\n\n"), 0o600))

	ids, err := readIDs("1, 2,3", path)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "6"}, ids)

	_, err = readIDs("", filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestHTTPClusterer(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv, err := server.New(&server.ServiceState{Index: a.index, Engine: a.engine}, nil, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c := &httpClusterer{url: ts.URL}
	out, err := c.Cluster(context.Background(), []string{"1", "2", "3", "4", "5", "6"})
	require.NoError(t, err)
	assert.Len(t, out.Communities, 2)

	out, err = c.Cluster(context.Background(), []string{"97", "98"})
	require.NoError(t, err)
	assert.Empty(t, out.Communities)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("SoundGraph v%s (%s)\n", version, commit), out)
}

func TestLoadCommand(t *testing.T) {
	dir := t.TempDir()
	datasetPath := filepath.Join(dir, "audioset.json")
	require.NoError(t, os.WriteFile(datasetPath, []byte(dataset), 0o600))
	configPath := filepath.Join(dir, "soundgraph.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(
		"features:\n  data_dir: %s\nlogging:\n  level: error\n", filepath.Join(dir, "features"))), 0o600))

	out, err := runCLI(t, "load", "--config", configPath, "--job-id", "job-1", "AUDIOSET_FEATURES", datasetPath)
	require.NoError(t, err)
	assert.Equal(t, "Loaded 6 vectors into AUDIOSET_FEATURES (job job-1)\n", out)

	_, err = runCLI(t, "load", "--config", configPath, "AUDIOSET_FEATURES", filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestClusterCommand(t *testing.T) {
	dir := t.TempDir()
	datasetPath := filepath.Join(dir, "audioset.json")
	require.NoError(t, os.WriteFile(datasetPath, []byte(dataset), 0o600))
	configPath := filepath.Join(dir, "soundgraph.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(`
features:
  in_memory: true
index:
  path: %s
feature_sets:
  - name: AUDIOSET_FEATURES
    dataset_file: %s
clustering:
  k_default: 2
logging:
  level: error
`, filepath.Join(dir, "index.sgix"), datasetPath)), 0o600))

	out, err := runCLI(t, "cluster", "--config", configPath, "--ids", "1,2,3,4,5,6")
	require.NoError(t, err)
	assert.Contains(t, out, "Communities")

	_, err = runCLI(t, "cluster", "--config", configPath)
	assert.Error(t, err, "ids are required")
}
