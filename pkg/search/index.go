// Package search provides the vector index behind similarity search: points
// with named descriptors, per-preset nearest-neighbor backends, candidate
// filtering and snapshot persistence.
//
// A preset names an ordered list of descriptors and a distance metric. Every
// point holding all of a preset's descriptors is indexed under that preset by
// the concatenation of their values.
//
// Example:
//
//	idx, _ := search.NewVectorIndex(search.Config{
//		Backend: search.BackendHNSW,
//		Presets: []search.Preset{{
//			Name:        "lowlevel",
//			Descriptors: []string{".lowlevel.mfcc.mean"},
//			Metric:      vector.MetricEuclidean,
//		}},
//	})
//	_ = idx.AddPoint(point)
//	res, err := idx.SearchNearestNeighbors(ctx, "1234", 10, search.SearchOptions{})
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/orneryd/soundgraph/pkg/logging"
	"github.com/orneryd/soundgraph/pkg/math/vector"
)

var (
	ErrNotFound          = errors.New("point not found")
	ErrDuplicateID       = errors.New("point already exists")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrUnknownPreset     = errors.New("unknown preset")
	ErrInvalidConfig     = errors.New("invalid index config")
	ErrIO                = errors.New("index i/o error")
	ErrNotEnoughPoints   = errors.New("not enough datapoints")
)

// NotEnoughPointsError is returned by searches while the index holds fewer
// points than Config.MinimumPoints.
type NotEnoughPointsError struct {
	Have, Need int
}

func (e *NotEnoughPointsError) Error() string {
	return fmt.Sprintf("Not enough datapoints in the dataset (%d < %d).", e.Have, e.Need)
}

func (e *NotEnoughPointsError) Unwrap() error { return ErrNotEnoughPoints }

// Preset is a named descriptor layout plus the metric used to compare it.
type Preset struct {
	Name        string
	Descriptors []string
	Metric      vector.Metric
}

// Config configures a VectorIndex.
type Config struct {
	// Backend is one of BackendFlat (default), BackendHNSW or BackendKDTree.
	Backend string
	HNSW    HNSWConfig
	Presets []Preset
	// DefaultPreset is used when a request names no preset or an unknown
	// one. Defaults to the first preset.
	DefaultPreset string
	// AllowedDescriptors restricts the field names filters and targets may
	// use. Empty means every descriptor or label present in the index.
	AllowedDescriptors []string
	// MinimumPoints makes searches fail until the index holds this many
	// points. Zero disables the guard.
	MinimumPoints int
	// Path is the default snapshot location for Save.
	Path   string
	Logger *zerolog.Logger
}

type presetIndex struct {
	Preset
	backend Backend
	members *roaring.Bitmap
	dims    int
}

// VectorIndex owns the loaded points and one Backend per preset.
//
// Queries take a shared lock and mutations an exclusive one, so a search
// never observes a half-applied insert or delete.
type VectorIndex struct {
	cfg Config
	log zerolog.Logger

	mu      sync.RWMutex
	points  map[uint32]*Point
	ords    map[string]uint32
	nextOrd uint32
	all     *roaring.Bitmap
	presets map[string]*presetIndex
	order   []string
	// fieldRefs counts how many points carry each descriptor or label name.
	fieldRefs map[string]int
	allowed   map[string]bool
}

// NewVectorIndex validates cfg and returns an empty index.
func NewVectorIndex(cfg Config) (*VectorIndex, error) {
	if len(cfg.Presets) == 0 {
		return nil, fmt.Errorf("%w: at least one preset is required", ErrInvalidConfig)
	}

	log := logging.With("search")
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	ix := &VectorIndex{
		cfg:       cfg,
		log:       log,
		fieldRefs: make(map[string]int),
	}
	if len(cfg.AllowedDescriptors) > 0 {
		ix.allowed = make(map[string]bool, len(cfg.AllowedDescriptors))
		for _, name := range cfg.AllowedDescriptors {
			ix.allowed[name] = true
		}
	}

	seen := make(map[string]bool)
	presets := make([]Preset, 0, len(cfg.Presets))
	for _, p := range cfg.Presets {
		if p.Name == "" || len(p.Descriptors) == 0 {
			return nil, fmt.Errorf("%w: preset needs a name and descriptors", ErrInvalidConfig)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("%w: duplicate preset %q", ErrInvalidConfig, p.Name)
		}
		seen[p.Name] = true
		metric, err := vector.ParseMetric(string(p.Metric))
		if err != nil {
			return nil, fmt.Errorf("%w: preset %q: %v", ErrInvalidConfig, p.Name, err)
		}
		p.Metric = metric
		if _, err := newBackend(cfg.Backend, p.Metric, cfg.HNSW); err != nil {
			return nil, err
		}
		presets = append(presets, p)
		ix.order = append(ix.order, p.Name)
	}
	ix.cfg.Presets = presets
	if cfg.DefaultPreset == "" {
		ix.cfg.DefaultPreset = cfg.Presets[0].Name
	} else if !seen[cfg.DefaultPreset] {
		return nil, fmt.Errorf("%w: default preset %q is not defined", ErrInvalidConfig, cfg.DefaultPreset)
	}

	ix.reset()
	return ix, nil
}

// reset drops every point and rebuilds empty backends. Caller holds mu or
// owns ix exclusively.
func (ix *VectorIndex) reset() {
	ix.points = make(map[uint32]*Point)
	ix.ords = make(map[string]uint32)
	ix.nextOrd = 0
	ix.all = roaring.New()
	ix.fieldRefs = make(map[string]int)
	ix.presets = make(map[string]*presetIndex, len(ix.cfg.Presets))
	for _, p := range ix.cfg.Presets {
		backend, _ := newBackend(ix.cfg.Backend, p.Metric, ix.cfg.HNSW)
		ix.presets[p.Name] = &presetIndex{Preset: p, backend: backend, members: roaring.New()}
	}
}

// Presets returns the preset names in configuration order.
func (ix *VectorIndex) Presets() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]string(nil), ix.order...)
}

// DefaultPreset returns the preset used when none is named.
func (ix *VectorIndex) DefaultPreset() string { return ix.cfg.DefaultPreset }

// HasPreset reports whether name is a configured preset.
func (ix *VectorIndex) HasPreset(name string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.presets[name]
	return ok
}

// preset resolves name, falling back to the default for empty or unknown
// names. Callers hold mu.
func (ix *VectorIndex) preset(name string) *presetIndex {
	if p, ok := ix.presets[name]; ok {
		return p
	}
	return ix.presets[ix.cfg.DefaultPreset]
}

// AddPoint inserts p. It fails with ErrDuplicateID when the id exists;
// overwriting requires ReplacePoint.
func (ix *VectorIndex) AddPoint(p *Point) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("point id is required")
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, exists := ix.ords[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	return ix.insertLocked(p.clone())
}

// ReplacePoint inserts p, overwriting any point with the same id.
func (ix *VectorIndex) ReplacePoint(p *Point) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("point id is required")
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.checkDims(p); err != nil {
		return err
	}
	if ord, exists := ix.ords[p.ID]; exists {
		ix.removeLocked(ord)
	}
	return ix.insertLocked(p.clone())
}

// checkDims verifies p against every preset it would join. A preset whose
// only member is p itself accepts any size.
func (ix *VectorIndex) checkDims(p *Point) error {
	for _, ps := range ix.presets {
		vec, ok := p.vectorFor(ps.Descriptors)
		if !ok || ps.dims == 0 || len(vec) == ps.dims {
			continue
		}
		if ord, exists := ix.ords[p.ID]; exists && ps.members.GetCardinality() == 1 && ps.members.Contains(ord) {
			continue
		}
		return fmt.Errorf("%w: preset %q expects %d values, point %s has %d",
			ErrDimensionMismatch, ps.Name, ps.dims, p.ID, len(vec))
	}
	return nil
}

func (ix *VectorIndex) insertLocked(p *Point) error {
	if err := ix.checkDims(p); err != nil {
		return err
	}

	ord := ix.nextOrd
	ix.nextOrd++
	ix.points[ord] = p
	ix.ords[p.ID] = ord
	ix.all.Add(ord)

	for _, ps := range ix.presets {
		vec, ok := p.vectorFor(ps.Descriptors)
		if !ok {
			continue
		}
		ps.dims = len(vec)
		ps.backend.Insert(ord, vec)
		ps.members.Add(ord)
	}
	for name := range p.Descriptors {
		ix.fieldRefs[name]++
	}
	for name := range p.Labels {
		ix.fieldRefs[name]++
	}
	return nil
}

// DeletePoint removes the point with the given id.
func (ix *VectorIndex) DeletePoint(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ord, ok := ix.ords[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ix.removeLocked(ord)
	return nil
}

func (ix *VectorIndex) removeLocked(ord uint32) {
	p := ix.points[ord]
	for _, ps := range ix.presets {
		if !ps.members.Contains(ord) {
			continue
		}
		ps.backend.Delete(ord)
		ps.members.Remove(ord)
		if ps.members.IsEmpty() {
			ps.dims = 0
		}
	}
	for name := range p.Descriptors {
		ix.dropField(name)
	}
	for name := range p.Labels {
		ix.dropField(name)
	}
	ix.all.Remove(ord)
	delete(ix.ords, p.ID)
	delete(ix.points, ord)
}

func (ix *VectorIndex) dropField(name string) {
	if ix.fieldRefs[name] <= 1 {
		delete(ix.fieldRefs, name)
		return
	}
	ix.fieldRefs[name]--
}

// Contains reports whether id is in the index.
func (ix *VectorIndex) Contains(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.ords[id]
	return ok
}

// GetPoint returns a copy of the point with the given id.
func (ix *VectorIndex) GetPoint(id string) (*Point, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ord, ok := ix.ords[id]
	if !ok {
		return nil, false
	}
	return ix.points[ord].clone(), true
}

// Len returns the number of points.
func (ix *VectorIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.points)
}

// PointNames returns every point id, integers in numeric order.
func (ix *VectorIndex) PointNames() []string {
	ix.mu.RLock()
	ids := make([]string, 0, len(ix.ords))
	for id := range ix.ords {
		ids = append(ids, id)
	}
	ix.mu.RUnlock()
	sortIDs(ids)
	return ids
}

// DescriptorNames returns the field names filters and targets may use.
func (ix *VectorIndex) DescriptorNames() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var names []string
	if ix.allowed != nil {
		for name := range ix.allowed {
			names = append(names, name)
		}
	} else {
		for name := range ix.fieldRefs {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// KnownDescriptor reports whether filters and targets may use name.
func (ix *VectorIndex) KnownDescriptor(name string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.knownLocked(name)
}

func (ix *VectorIndex) knownLocked(name string) bool {
	if ix.allowed != nil {
		return ix.allowed[name]
	}
	return ix.fieldRefs[name] > 0
}

// CandidateSet is a precomputed restriction of the index to some ids. Build
// it once with Candidates and reuse it across many searches.
type CandidateSet struct {
	bm      *roaring.Bitmap
	missing []string
}

// Candidates resolves ids against the index. Ids not in the index are
// recorded in Missing and otherwise ignored.
func (ix *VectorIndex) Candidates(ids []string) *CandidateSet {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.candidatesLocked(ids)
}

func (ix *VectorIndex) candidatesLocked(ids []string) *CandidateSet {
	cs := &CandidateSet{bm: roaring.New()}
	for _, id := range ids {
		if ord, ok := ix.ords[id]; ok {
			cs.bm.Add(ord)
		} else {
			cs.missing = append(cs.missing, id)
		}
	}
	return cs
}

// Len returns the number of resolved candidates.
func (c *CandidateSet) Len() int { return int(c.bm.GetCardinality()) }

// Missing returns the ids that were not in the index.
func (c *CandidateSet) Missing() []string { return c.missing }

// Neighbor is one search hit. It encodes as the pair [id, distance].
type Neighbor struct {
	ID       string
	Distance float64
}

func (n Neighbor) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{n.ID, n.Distance})
}

func (n *Neighbor) UnmarshalJSON(data []byte) error {
	var pair []interface{}
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("neighbor must be an [id, distance] pair")
	}
	id, ok := pair[0].(string)
	if !ok {
		return fmt.Errorf("neighbor id must be a string")
	}
	dist, ok := pair[1].(float64)
	if !ok {
		return fmt.Errorf("neighbor distance must be a number")
	}
	n.ID, n.Distance = id, dist
	return nil
}

// Result is a page of neighbors plus the number of candidates that were
// eligible before paging.
type Result struct {
	Neighbors []Neighbor `json:"results"`
	Count     int        `json:"count"`
}

// SearchOptions narrows SearchNearestNeighbors.
type SearchOptions struct {
	// Preset selects the descriptor layout. Unknown names use the default.
	Preset string
	// Candidates restricts results to a subset. Nil means every point.
	Candidates *CandidateSet
	Offset     int
}

func (ix *VectorIndex) guardLocked() error {
	if ix.cfg.MinimumPoints > 0 && len(ix.points) < ix.cfg.MinimumPoints {
		return &NotEnoughPointsError{Have: len(ix.points), Need: ix.cfg.MinimumPoints}
	}
	return nil
}

// SearchNearestNeighbors returns up to k points closest to id, ascending by
// distance and never including id itself. It fails with ErrNotFound when id
// is not in the index, not among opts.Candidates, or lacks the preset's
// descriptors. Fewer than k available neighbors is not an error.
func (ix *VectorIndex) SearchNearestNeighbors(ctx context.Context, id string, k int, opts SearchOptions) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if err := ix.guardLocked(); err != nil {
		return Result{}, err
	}

	ord, ok := ix.ords[id]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if opts.Candidates != nil && !opts.Candidates.bm.Contains(ord) {
		return Result{}, fmt.Errorf("%w: %s is not among the candidates", ErrNotFound, id)
	}
	ps := ix.preset(opts.Preset)
	if !ps.members.Contains(ord) {
		return Result{}, fmt.Errorf("%w: %s has no %s descriptors", ErrNotFound, id, ps.Name)
	}
	query, _ := ix.points[ord].vectorFor(ps.Descriptors)

	eligible := ps.members
	if opts.Candidates != nil {
		eligible = roaring.And(ps.members, opts.Candidates.bm)
	}
	accept := func(o uint32) bool { return o != ord && eligible.Contains(o) }

	offset := max(opts.Offset, 0)
	found := ps.backend.Search(query, k+offset, accept)
	res := Result{
		Neighbors: ix.page(found, offset),
		Count:     int(eligible.GetCardinality()) - 1,
	}
	if len(res.Neighbors) == 0 {
		ix.log.Info().Str("id", id).Str("preset", ps.Name).Msg("no nearest neighbors found")
	}
	return res, nil
}

func (ix *VectorIndex) page(found []candidate, offset int) []Neighbor {
	if offset >= len(found) {
		return []Neighbor{}
	}
	found = found[offset:]
	out := make([]Neighbor, len(found))
	for i, c := range found {
		out[i] = Neighbor{ID: ix.points[c.ord].ID, Distance: c.dist}
	}
	return out
}
