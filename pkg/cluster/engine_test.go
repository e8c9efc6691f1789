package cluster

import (
	"context"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/soundgraph/pkg/community"
	"github.com/orneryd/soundgraph/pkg/eval"
	"github.com/orneryd/soundgraph/pkg/features"
	"github.com/orneryd/soundgraph/pkg/logging"
	"github.com/orneryd/soundgraph/pkg/math/vector"
	"github.com/orneryd/soundgraph/pkg/search"
)

const testSet = "audioset"

// twoClusters holds three sounds near [0,0] and three near [10,10].
var twoClusters = map[string][]float64{
	"1": {0, 0},
	"2": {0.1, 0},
	"3": {0, 0.1},
	"4": {10, 10},
	"5": {10.1, 10},
	"6": {10, 10.1},
}

func newTestIndex(t *testing.T, points map[string][]float64) *search.VectorIndex {
	t.Helper()
	nop := logging.Nop()
	ix, err := search.NewVectorIndex(search.Config{
		Presets: []search.Preset{{Name: testSet, Descriptors: []string{testSet}, Metric: vector.MetricEuclidean}},
		Logger:  &nop,
	})
	require.NoError(t, err)
	for id, vec := range points {
		require.NoError(t, ix.AddPoint(search.NewPoint(id, testSet, vec)))
	}
	return ix
}

func newTestStore(t *testing.T, featureSet string, points map[string][]float64) *features.Store {
	t.Helper()
	store, err := features.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for id, vec := range points {
		require.NoError(t, store.Put(featureSet, id, vec))
	}
	return store
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.FeatureSet = testSet
	opts.K = 2
	nop := logging.Nop()
	opts.Logger = &nop
	return opts
}

func sortedCommunities(cs [][]string) [][]string {
	out := make([][]string, len(cs))
	for i, c := range cs {
		out[i] = append([]string(nil), c...)
		sort.Strings(out[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func allIDs() []string { return []string{"1", "2", "3", "4", "5", "6"} }

func TestClusterPointsTwoClusters(t *testing.T) {
	engine, err := NewEngine(newTestIndex(t, twoClusters), nil, testOptions())
	require.NoError(t, err)

	res, err := engine.ClusterPoints(context.Background(), Request{QueryParams: "q=test", SoundIDs: allIDs()})
	require.NoError(t, err)
	require.False(t, res.Empty())

	assert.Equal(t, [][]string{{"1", "2", "3"}, {"4", "5", "6"}}, sortedCommunities(res.Communities))
	require.NotNil(t, res.Modularity)
	assert.Greater(t, *res.Modularity, 0.3)
	assert.Equal(t, []float64{1, 1}, res.IntraRatios)
	assert.Nil(t, res.External, "no reference feature set configured")

	for _, id := range allIDs() {
		assert.InDelta(t, 1.0, res.Centralities[id], 1e-12, id)
	}

	require.NotNil(t, res.Graph)
	assert.Len(t, res.Graph.Nodes, 6)
	assert.Len(t, res.Graph.Links, 6)
	for _, n := range res.Graph.Nodes {
		require.NotNil(t, n.Group, n.ID)
		require.NotNil(t, n.GroupCentrality, n.ID)
		assert.Equal(t, res.Partition[n.ID], *n.Group)
	}

	resp := res.Response()
	assert.False(t, resp.Error)
	assert.Equal(t, res.Communities, resp.Result)
}

func TestClusterPointsEmpty(t *testing.T) {
	engine, err := NewEngine(newTestIndex(t, twoClusters), nil, testOptions())
	require.NoError(t, err)

	for _, ids := range [][]string{nil, {"1"}, {"404", "405"}} {
		res, err := engine.ClusterPoints(context.Background(), Request{SoundIDs: ids})
		require.NoError(t, err)
		assert.True(t, res.Empty(), "ids %v", ids)

		data, err := json.Marshal(res.Response())
		require.NoError(t, err)
		assert.JSONEq(t, `{"error": false, "result": null, "graph": null}`, string(data))
	}
}

func TestClusterPointsFromFeatureStore(t *testing.T) {
	store := newTestStore(t, "mfcc", twoClusters)
	reference := map[string][]float64{
		"1": {1, 0}, "2": {1, 0},
		"4": {0, 1}, "5": {0, 1},
	}
	for id, vec := range reference {
		require.NoError(t, store.Put("tags", id, vec))
	}

	opts := testOptions()
	opts.FeatureSet = "mfcc"
	opts.ReferenceFeatureSet = "tags"
	engine, err := NewEngine(nil, store, opts)
	require.NoError(t, err)

	res, err := engine.ClusterPoints(context.Background(), Request{SoundIDs: append(allIDs(), "unknown")})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "2", "3"}, {"4", "5", "6"}}, sortedCommunities(res.Communities))

	require.NotNil(t, res.External)
	assert.Equal(t, 4, res.External.Samples)
	require.NotNil(t, res.External.AverageMutualInformation)
	assert.Greater(t, *res.External.AverageMutualInformation, 0.0)
	require.NotNil(t, res.External.Silhouette)
	assert.InDelta(t, 1.0, *res.External.Silhouette, 1e-9)
}

func TestClusterPointsMaxClusters(t *testing.T) {
	points := map[string][]float64{}
	ids := []string{}
	for c := 0; c < 4; c++ {
		base := float64(c) * 100
		for j, off := range [][]float64{{0, 0}, {0.1, 0}, {0, 0.1}} {
			id := string(rune('a'+c)) + string(rune('0'+j))
			points[id] = []float64{base + off[0], base + off[1]}
			ids = append(ids, id)
		}
	}

	opts := testOptions()
	opts.MaxClusters = 2
	engine, err := NewEngine(newTestIndex(t, points), nil, opts)
	require.NoError(t, err)

	res, err := engine.ClusterPoints(context.Background(), Request{SoundIDs: ids})
	require.NoError(t, err)
	assert.Equal(t, 4, res.NumDetected)
	require.Len(t, res.Communities, 2)
	assert.Len(t, res.IntraRatios, 2)
	assert.Len(t, res.Graph.Nodes, 6)
	assert.Len(t, res.Partition, 6)
	for _, members := range res.Communities {
		assert.Len(t, members, 3)
	}
	for id, c := range res.Partition {
		assert.Contains(t, res.Communities[c], id)
	}
}

func TestClusterPointsMaxResults(t *testing.T) {
	opts := testOptions()
	opts.MaxResults = 3
	engine, err := NewEngine(newTestIndex(t, twoClusters), nil, opts)
	require.NoError(t, err)

	res, err := engine.ClusterPoints(context.Background(), Request{SoundIDs: allIDs()})
	require.NoError(t, err)
	for id := range res.Partition {
		assert.Contains(t, []string{"1", "2", "3"}, id)
	}
}

func TestClusterPointsOverlapping(t *testing.T) {
	opts := testOptions()
	opts.Mode = community.ModeOverlapping
	opts.CliqueK = 3
	engine, err := NewEngine(newTestIndex(t, twoClusters), nil, opts)
	require.NoError(t, err)

	res, err := engine.ClusterPoints(context.Background(), Request{SoundIDs: allIDs()})
	require.NoError(t, err)
	assert.Nil(t, res.Modularity)
	assert.Equal(t, [][]string{{"1", "2", "3"}, {"4", "5", "6"}}, sortedCommunities(res.Communities))
}

func TestClusterPointsCommonNeighbors(t *testing.T) {
	opts := testOptions()
	opts.GraphMode = GraphCommonNeighbors
	engine, err := NewEngine(newTestIndex(t, twoClusters), nil, opts)
	require.NoError(t, err)

	res, err := engine.ClusterPoints(context.Background(), Request{SoundIDs: allIDs()})
	require.NoError(t, err)
	for id, c := range res.Partition {
		assert.Contains(t, res.Communities[c], id)
	}
	assert.LessOrEqual(t, len(res.Communities), 6)
}

func TestClusterPointsCache(t *testing.T) {
	opts := testOptions()
	opts.CacheTTL = time.Minute
	engine, err := NewEngine(newTestIndex(t, twoClusters), nil, opts)
	require.NoError(t, err)

	first, err := engine.ClusterPoints(context.Background(), Request{SoundIDs: allIDs()})
	require.NoError(t, err)
	reversed := []string{"6", "5", "4", "3", "2", "1"}
	second, err := engine.ClusterPoints(context.Background(), Request{SoundIDs: reversed})
	require.NoError(t, err)
	assert.Same(t, first, second)

	stats, ok := engine.CacheStats()
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Hits)

	engine.InvalidateCache()
	third, err := engine.ClusterPoints(context.Background(), Request{SoundIDs: allIDs()})
	require.NoError(t, err)
	assert.NotSame(t, first, third)

	noCache, err := NewEngine(newTestIndex(t, twoClusters), nil, testOptions())
	require.NoError(t, err)
	_, ok = noCache.CacheStats()
	assert.False(t, ok)
}

func TestClusterPointsConcurrent(t *testing.T) {
	engine, err := NewEngine(newTestIndex(t, twoClusters), nil, testOptions())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.ClusterPoints(context.Background(), Request{SoundIDs: allIDs()})
			if err == nil && len(res.Communities) != 2 {
				t.Errorf("communities = %v", res.Communities)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestSaveResults(t *testing.T) {
	opts := testOptions()
	opts.SaveResultsDir = t.TempDir()
	engine, err := NewEngine(newTestIndex(t, twoClusters), nil, opts)
	require.NoError(t, err)

	res, err := engine.ClusterPoints(context.Background(), Request{QueryParams: "q=rain", SoundIDs: allIDs()})
	require.NoError(t, err)

	path := engine.DumpPath(res)
	require.NotEmpty(t, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	for _, key := range []string{
		"query_params", "sound_ids", "num_clusters", "graph", "features", "modularity",
		"ratio_intra_community_edges", "average_mutual_information", "silouhette_coeff",
		"calinski_harabaz_score", "communities",
	} {
		assert.Contains(t, got, key)
	}
	assert.Equal(t, "q=rain", got["query_params"])
	assert.Equal(t, testSet, got["features"])
	assert.EqualValues(t, 2, got["num_clusters"])
}

func TestClusterPointsUnknownFeatureSet(t *testing.T) {
	store := newTestStore(t, "mfcc", twoClusters)

	engine, err := NewEngine(newTestIndex(t, twoClusters), store, testOptions())
	require.NoError(t, err)
	_, err = engine.ClusterPoints(context.Background(), Request{FeatureSet: "nope", SoundIDs: allIDs()})
	assert.ErrorIs(t, err, ErrUnknownFeatureSet)

	// a configured set with no stored vectors clusters to an empty result
	opts := testOptions()
	opts.FeatureSets = []FeatureSet{{Name: "empty", Metric: vector.MetricEuclidean}}
	engine, err = NewEngine(newTestIndex(t, twoClusters), store, opts)
	require.NoError(t, err)
	res, err := engine.ClusterPoints(context.Background(), Request{FeatureSet: "empty", SoundIDs: allIDs()})
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

// blockingSource holds GetMany until release is closed.
type blockingSource struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	vectors map[string][]float64
}

func (s *blockingSource) GetMany(_ string, ids []string) (map[string][]float64, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	out := make(map[string][]float64, len(ids))
	for _, id := range ids {
		if v, ok := s.vectors[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func TestClusterPointsCallerCancellation(t *testing.T) {
	src := &blockingSource{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		vectors: twoClusters,
	}
	engine, err := NewEngine(nil, src, testOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := engine.ClusterPoints(ctx, Request{SoundIDs: allIDs()})
		first <- err
	}()
	<-src.entered

	second := make(chan *Result, 1)
	go func() {
		res, err := engine.ClusterPoints(context.Background(), Request{SoundIDs: allIDs()})
		if err != nil {
			t.Errorf("second caller: %v", err)
		}
		second <- res
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(src.release)
	res := <-second
	require.NotNil(t, res)
	assert.Len(t, res.Communities, 2)
}

func TestFingerprint(t *testing.T) {
	engine, err := NewEngine(newTestIndex(t, twoClusters), nil, testOptions())
	require.NoError(t, err)

	a := engine.Fingerprint(Request{QueryParams: "q", SoundIDs: []string{"1", "2"}})
	b := engine.Fingerprint(Request{QueryParams: "q", SoundIDs: []string{"2", "1"}})
	c := engine.Fingerprint(Request{QueryParams: "q", SoundIDs: []string{"1", "3"}})
	d := engine.Fingerprint(Request{QueryParams: "q", FeatureSet: "other", SoundIDs: []string{"1", "2"}})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestKNearestNeighbors(t *testing.T) {
	engine, err := NewEngine(newTestIndex(t, twoClusters), nil, testOptions())
	require.NoError(t, err)

	got, err := engine.KNearestNeighbors(context.Background(), "1", 2, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	ids := []string{got[0].ID, got[1].ID}
	sort.Strings(ids)
	assert.Equal(t, []string{"2", "3"}, ids)
	assert.LessOrEqual(t, got[0].Distance, got[1].Distance)

	_, err = engine.KNearestNeighbors(context.Background(), "404", 2, "")
	assert.ErrorIs(t, err, search.ErrNotFound)

	storeOnly, err := NewEngine(nil, newTestStore(t, "mfcc", twoClusters), testOptions())
	require.NoError(t, err)
	_, err = storeOnly.KNearestNeighbors(context.Background(), "1", 2, "")
	assert.ErrorIs(t, err, ErrNoIndex)
}

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(nil, nil, testOptions())
	assert.Error(t, err)

	ix := newTestIndex(t, twoClusters)

	opts := testOptions()
	opts.GraphMode = "mutual"
	_, err = NewEngine(ix, nil, opts)
	assert.Error(t, err)

	opts = testOptions()
	opts.Mode = "fuzzy"
	_, err = NewEngine(ix, nil, opts)
	assert.Error(t, err)

	opts = testOptions()
	opts.FeatureSets = []FeatureSet{{Name: "x", Metric: "chebyshev"}}
	_, err = NewEngine(ix, nil, opts)
	assert.Error(t, err)
}

func TestEvaluateWithHarness(t *testing.T) {
	engine, err := NewEngine(newTestIndex(t, twoClusters), nil, testOptions())
	require.NoError(t, err)

	harness := eval.NewHarness(engine.Evaluate)
	harness.AddTestCase(eval.TestCase{
		Name:     "two blobs",
		SoundIDs: allIDs(),
		Expected: [][]string{{"1", "2", "3"}, {"4", "5", "6"}},
	})
	result, err := harness.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.PassedTests)
	assert.Equal(t, 1.0, result.Aggregate.RandIndex)
	assert.Equal(t, 1.0, result.Aggregate.Purity)
}

func TestParseIDs(t *testing.T) {
	assert.Equal(t, []string{"1", "2", "3"}, ParseIDs(" 1, 2,,3 "))
	assert.Empty(t, ParseIDs(""))
}
