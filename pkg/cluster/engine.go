// Package cluster turns a set of sound ids into communities of similar
// sounds.
//
// A request runs the whole pipeline: build a nearest-neighbor graph over
// the requested sounds, partition it, trim it to at most MaxClusters
// communities by dropping the loosest ones, score every sound's
// centrality, and, when a reference feature set is configured, compare the
// partition against it.
//
// Example:
//
//	engine, err := cluster.NewEngine(index, store, cluster.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	res, err := engine.ClusterPoints(ctx, cluster.Request{
//		QueryParams: "q=drums",
//		SoundIDs:    ids,
//	})
//	if err != nil {
//		return err
//	}
//	writeJSON(w, res.Response())
//
// ELI12 (Explain Like I'm 12):
//
// Every sound points at the few sounds that sound most like it. Those
// arrows make a web. Groups of sounds that mostly point at each other
// become a cluster. If there are too many clusters, the messiest ones are
// thrown away so the listener only sees a handful of tidy groups.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/orneryd/soundgraph/pkg/cache"
	"github.com/orneryd/soundgraph/pkg/community"
	"github.com/orneryd/soundgraph/pkg/eval"
	sg "github.com/orneryd/soundgraph/pkg/graph"
	"github.com/orneryd/soundgraph/pkg/logging"
	"github.com/orneryd/soundgraph/pkg/math/vector"
	"github.com/orneryd/soundgraph/pkg/search"
)

// Graph construction modes.
const (
	GraphKNN             = "knn"
	GraphCommonNeighbors = "common_neighbors"
)

// Defaults carried over from the clustering service settings.
const (
	DefaultMaxClusters         = 8
	DefaultMaxResults          = 1000
	DefaultMaxNeighborDistance = 20
)

var (
	// ErrUnknownFeatureSet is returned when neither the index nor the
	// feature store can serve the requested feature set.
	ErrUnknownFeatureSet = errors.New("unknown feature set")
	// ErrNoIndex is returned by KNearestNeighbors on an engine without a
	// vector index.
	ErrNoIndex = errors.New("no vector index loaded")
)

// VectorSource looks up feature vectors, omitting unknown ids.
type VectorSource interface {
	GetMany(featureSet string, ids []string) (map[string][]float64, error)
}

// FeatureSet describes a feature set the engine may cluster on.
type FeatureSet struct {
	Name   string
	Metric vector.Metric
}

// Options configures an Engine.
type Options struct {
	// FeatureSet is used when a request names none.
	FeatureSet string
	// FeatureSets lists the metric of each feature set served from the
	// VectorSource. Unlisted sets use euclidean distance.
	FeatureSets []FeatureSet
	// ReferenceFeatureSet names the vectors external metrics compare
	// against. Empty disables external metrics.
	ReferenceFeatureSet string

	// K is the neighbor count. Zero means ceil(log2 N).
	K                   int
	MaxNeighborDistance float64
	GraphMode           string
	Mode                community.Mode
	CliqueK             int
	Resolution          float64
	Seed                int64

	// MaxClusters caps the number of communities returned.
	MaxClusters int
	// MaxResults caps the number of sounds clustered per request.
	MaxResults int

	// SaveResultsDir receives one JSON dump per request when set.
	SaveResultsDir string
	// CacheTTL keeps results for identical requests. Zero disables caching.
	CacheTTL  time.Duration
	CacheSize int
	Workers   int

	Logger *zerolog.Logger
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxNeighborDistance: DefaultMaxNeighborDistance,
		GraphMode:           GraphKNN,
		Mode:                community.ModeDisjoint,
		CliqueK:             community.DefaultCliqueSize,
		Resolution:          1,
		MaxClusters:         DefaultMaxClusters,
		MaxResults:          DefaultMaxResults,
		CacheSize:           256,
	}
}

// Request is one clustering call.
type Request struct {
	// QueryParams identifies the search that produced SoundIDs. It is only
	// used for logging, fingerprinting and dumps.
	QueryParams string
	FeatureSet  string
	SoundIDs    []string
}

// Result is a computed clustering.
type Result struct {
	Communities  [][]string
	Partition    map[string]int
	Graph        *sg.NodeLink
	Modularity   *float64
	IntraRatios  []float64
	Centralities map[string]float64
	External     *eval.ExternalMetrics
	// NumDetected is the community count before trimming to MaxClusters.
	NumDetected int
	FeatureSet  string
	Fingerprint string
	Elapsed     time.Duration
}

// Empty reports whether no sound made it into the graph.
func (r *Result) Empty() bool { return r.Graph == nil }

// Response is the wire form of a clustering result. Result and Graph are
// both null when no requested sound was known.
type Response struct {
	Error  bool         `json:"error"`
	Result [][]string   `json:"result"`
	Graph  *sg.NodeLink `json:"graph"`
}

// Response returns the wire form of r.
func (r *Result) Response() Response {
	if r.Empty() {
		return Response{}
	}
	return Response{Result: r.Communities, Graph: r.Graph}
}

// Outcome adapts r for the evaluation harness.
func (r *Result) Outcome() *eval.Outcome {
	return &eval.Outcome{
		Communities: r.Communities,
		Modularity:  r.Modularity,
		IntraRatios: r.IntraRatios,
		External:    r.External,
	}
}

// Engine runs clustering requests. It is safe for concurrent use.
type Engine struct {
	opts    Options
	index   *search.VectorIndex
	source  VectorSource
	metrics map[string]vector.Metric
	cache   *cache.ResultCache[*Result]
	flight  singleflight.Group
	log     zerolog.Logger
}

// NewEngine returns an engine searching index and reading vectors from
// source. Either may be nil, but not both.
func NewEngine(index *search.VectorIndex, source VectorSource, opts Options) (*Engine, error) {
	if index == nil && source == nil {
		return nil, errors.New("cluster: an index or a vector source is required")
	}
	if opts.GraphMode == "" {
		opts.GraphMode = GraphKNN
	}
	if opts.GraphMode != GraphKNN && opts.GraphMode != GraphCommonNeighbors {
		return nil, fmt.Errorf("cluster: unknown graph mode %q", opts.GraphMode)
	}
	if opts.Mode == "" {
		opts.Mode = community.ModeDisjoint
	}
	if opts.Mode != community.ModeDisjoint && opts.Mode != community.ModeOverlapping {
		return nil, fmt.Errorf("cluster: unknown community detection mode %q", opts.Mode)
	}
	if opts.CliqueK <= 0 {
		opts.CliqueK = community.DefaultCliqueSize
	}
	if opts.FeatureSet == "" && index != nil {
		opts.FeatureSet = index.DefaultPreset()
	}

	e := &Engine{
		opts:    opts,
		index:   index,
		source:  source,
		metrics: make(map[string]vector.Metric, len(opts.FeatureSets)),
		log:     logging.With("cluster"),
	}
	if opts.Logger != nil {
		e.log = *opts.Logger
	}
	for _, fs := range opts.FeatureSets {
		m, err := vector.ParseMetric(string(fs.Metric))
		if err != nil {
			return nil, fmt.Errorf("cluster: feature set %q: %w", fs.Name, err)
		}
		e.metrics[fs.Name] = m
	}
	if opts.CacheTTL > 0 {
		e.cache = cache.NewResultCache[*Result](opts.CacheSize, opts.CacheTTL)
	}
	return e, nil
}

// CacheStats returns result cache statistics. ok is false when caching is
// disabled.
func (e *Engine) CacheStats() (stats cache.CacheStats, ok bool) {
	if e.cache == nil {
		return cache.CacheStats{}, false
	}
	return e.cache.Stats(), true
}

// InvalidateCache drops every cached result. The server calls it after
// add_point and delete_point so cached clusterings never outlive the
// index they were computed from.
func (e *Engine) InvalidateCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// Fingerprint identifies a request for caching and dumps. The order of
// SoundIDs does not matter.
func (e *Engine) Fingerprint(req Request) string {
	ids := append([]string(nil), req.SoundIDs...)
	sort.Strings(ids)
	return cache.Key(
		req.QueryParams,
		e.featureSet(req),
		strings.Join(ids, ","),
		string(e.opts.Mode),
		e.opts.GraphMode,
	)
}

func (e *Engine) featureSet(req Request) string {
	if req.FeatureSet != "" {
		return req.FeatureSet
	}
	return e.opts.FeatureSet
}

// ClusterPoints clusters req.SoundIDs. Unknown ids are dropped; when none
// remain the result is Empty, not an error.
//
// Concurrent identical requests share one computation, and with a cache
// TTL configured repeated requests are answered from memory.
func (e *Engine) ClusterPoints(ctx context.Context, req Request) (*Result, error) {
	key := e.Fingerprint(req)
	if e.cache != nil {
		if res, ok := e.cache.Get(key); ok {
			return res, nil
		}
	}

	// The shared computation must not die with whichever caller started
	// it; each caller still stops waiting when its own ctx ends.
	leaderCtx := context.WithoutCancel(ctx)
	ch := e.flight.DoChan(key, func() (interface{}, error) {
		res, err := e.cluster(leaderCtx, req, key)
		if err != nil {
			return nil, err
		}
		if e.cache != nil {
			e.cache.Put(key, res)
		}
		return res, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Evaluate clusters ids with the default feature set. It satisfies
// eval.ClusterFunc.
func (e *Engine) Evaluate(ctx context.Context, ids []string) (*eval.Outcome, error) {
	res, err := e.ClusterPoints(ctx, Request{QueryParams: "eval", SoundIDs: ids})
	if err != nil {
		return nil, err
	}
	return res.Outcome(), nil
}

func (e *Engine) cluster(ctx context.Context, req Request, fingerprint string) (*Result, error) {
	start := time.Now()
	featureSet := e.featureSet(req)

	ids := req.SoundIDs
	if e.opts.MaxResults > 0 && len(ids) > e.opts.MaxResults {
		ids = ids[:e.opts.MaxResults]
	}
	e.log.Info().
		Int("points", len(ids)).
		Strs("head", ids[:min(len(ids), 20)]).
		Str("query", req.QueryParams).
		Str("feature_set", featureSet).
		Msg("clustering request")

	res := &Result{FeatureSet: featureSet, Fingerprint: fingerprint}

	g, err := e.buildGraph(ctx, featureSet, ids)
	if err != nil {
		return nil, err
	}
	if g.NumNodes() == 0 {
		res.Elapsed = time.Since(start)
		return res, nil
	}

	var detected community.Result
	if e.opts.Mode == community.ModeOverlapping {
		detected = community.DetectOverlapping(g, e.opts.CliqueK)
	} else {
		detected = community.DetectDisjoint(g, community.Options{
			Resolution: e.opts.Resolution,
			Seed:       e.opts.Seed,
		})
	}
	res.NumDetected = detected.NumCommunities()
	ratios := eval.IntraCommunityRatios(g, detected.Communities)

	if e.opts.MaxClusters > 0 {
		for detected.NumCommunities() > e.opts.MaxClusters && detected.NumCommunities() > 2 {
			g, detected, ratios, err = community.RemoveLowestQualityCommunity(g, detected, ratios)
			if err != nil {
				return nil, err
			}
		}
	}

	res.Communities = detected.Communities
	res.Partition = detected.Partition
	res.Modularity = detected.Modularity
	res.IntraRatios = ratios
	res.Centralities = eval.PointCentralities(g, detected.Communities)
	nl := g.NodeLink(detected.Partition, res.Centralities)
	res.Graph = &nl
	res.External = e.externalMetrics(detected.Partition)
	res.Elapsed = time.Since(start)

	e.logSummary(res)
	if e.opts.SaveResultsDir != "" {
		if err := e.saveResults(req, ids, res); err != nil {
			e.log.Warn().Err(err).Msg("failed to save clustering results")
		}
	}
	return res, nil
}

// buildGraph searches the shared index when it has a preset for
// featureSet, and otherwise a throwaway index over the requested vectors
// from the vector source.
func (e *Engine) buildGraph(ctx context.Context, featureSet string, ids []string) (*sg.Graph, error) {
	searcher, err := e.searcherFor(featureSet, ids)
	if err != nil {
		return nil, err
	}

	builder := sg.NewBuilder(searcher, sg.WithWorkers(e.opts.Workers), sg.WithLogger(e.log))
	opts := sg.Options{
		FeatureSet:  featureSet,
		K:           e.opts.K,
		MaxDistance: e.opts.MaxNeighborDistance,
	}
	if e.opts.GraphMode == GraphCommonNeighbors {
		return builder.BuildCommonNeighbors(ctx, ids, opts)
	}
	return builder.BuildKNN(ctx, ids, opts)
}

func (e *Engine) searcherFor(featureSet string, ids []string) (sg.Searcher, error) {
	if e.index != nil && e.index.HasPreset(featureSet) {
		return e.index, nil
	}
	if e.source != nil {
		vectors, err := e.source.GetMany(featureSet, ids)
		if err != nil {
			return nil, fmt.Errorf("loading %s features: %w", featureSet, err)
		}
		_, configured := e.metrics[featureSet]
		if len(vectors) > 0 || configured {
			return e.transientIndex(featureSet, vectors)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFeatureSet, featureSet)
}

func (e *Engine) transientIndex(featureSet string, vectors map[string][]float64) (*search.VectorIndex, error) {
	metric, ok := e.metrics[featureSet]
	if !ok {
		metric = vector.MetricEuclidean
	}
	nop := logging.Nop()
	ix, err := search.NewVectorIndex(search.Config{
		Backend: search.BackendFlat,
		Presets: []search.Preset{{Name: featureSet, Descriptors: []string{featureSet}, Metric: metric}},
		Logger:  &nop,
	})
	if err != nil {
		return nil, err
	}
	for id, vec := range vectors {
		if err := ix.AddPoint(search.NewPoint(id, featureSet, vec)); err != nil {
			return nil, fmt.Errorf("indexing %s features of %s: %w", featureSet, id, err)
		}
	}
	return ix, nil
}

func (e *Engine) externalMetrics(partition map[string]int) *eval.ExternalMetrics {
	if e.opts.ReferenceFeatureSet == "" || e.source == nil {
		return nil
	}
	ids := make([]string, 0, len(partition))
	for id := range partition {
		ids = append(ids, id)
	}
	reference, err := e.source.GetMany(e.opts.ReferenceFeatureSet, ids)
	if err != nil {
		e.log.Warn().Err(err).Str("feature_set", e.opts.ReferenceFeatureSet).Msg("reference features unavailable")
		return nil
	}
	if reference == nil {
		reference = map[string][]float64{}
	}
	return eval.ComputeExternal(partition, reference)
}

func (e *Engine) logSummary(res *Result) {
	var avgRatio float64
	for _, r := range res.IntraRatios {
		avgRatio += r
	}
	if len(res.IntraRatios) > 0 {
		avgRatio /= float64(len(res.IntraRatios))
	}

	ev := e.log.Info().
		Int("points", len(res.Partition)).
		Int("communities", len(res.Communities)).
		Float64("avg_intra_ratio", avgRatio).
		Dur("elapsed", res.Elapsed)
	ev = optionalFloat(ev, "modularity", res.Modularity)
	if ext := res.External; ext != nil {
		ev = optionalFloat(ev, "ami", ext.AverageMutualInformation)
		ev = optionalFloat(ev, "silhouette", ext.Silhouette)
		ev = optionalFloat(ev, "calinski_harabasz", ext.CalinskiHarabasz)
	}
	ev.Msg("clustering done")
}

func optionalFloat(ev *zerolog.Event, key string, v *float64) *zerolog.Event {
	if v == nil {
		return ev.Str(key, "n/a")
	}
	return ev.Float64(key, *v)
}

// KNearestNeighbors returns the k sounds closest to id in the index under
// featureSet (the default preset when empty or unknown).
func (e *Engine) KNearestNeighbors(ctx context.Context, id string, k int, featureSet string) ([]search.Neighbor, error) {
	if e.index == nil {
		return nil, ErrNoIndex
	}
	if featureSet == "" {
		featureSet = e.opts.FeatureSet
	}
	res, err := e.index.SearchNearestNeighbors(ctx, id, k, search.SearchOptions{Preset: featureSet})
	if err != nil {
		return nil, err
	}
	return res.Neighbors, nil
}

// ParseIDs splits a comma separated id list, dropping blanks.
func ParseIDs(s string) []string {
	parts := strings.Split(s, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}
