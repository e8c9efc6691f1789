package search

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Point is one sound in the index: its id plus named descriptor values.
//
// Numeric descriptors hold one value (scalars such as ".lowlevel.pitch.mean")
// or several (".lowlevel.mfcc.mean"). String descriptors such as
// ".tonal.key_key" live in Labels and can only be filtered on.
type Point struct {
	ID          string               `msgpack:"id" json:"id"`
	Descriptors map[string][]float64 `msgpack:"d" json:"descriptors"`
	Labels      map[string]string    `msgpack:"l,omitempty" json:"labels,omitempty"`
}

// NewPoint builds a point holding a single descriptor. This is the shape of
// points loaded from a bulk feature file.
func NewPoint(id, descriptor string, values []float64) *Point {
	return &Point{
		ID:          id,
		Descriptors: map[string][]float64{descriptor: values},
	}
}

func (p *Point) clone() *Point {
	c := &Point{
		ID:          p.ID,
		Descriptors: make(map[string][]float64, len(p.Descriptors)),
	}
	for k, v := range p.Descriptors {
		c.Descriptors[k] = append([]float64(nil), v...)
	}
	if len(p.Labels) > 0 {
		c.Labels = make(map[string]string, len(p.Labels))
		for k, v := range p.Labels {
			c.Labels[k] = v
		}
	}
	return c
}

// vectorFor concatenates the given descriptors. ok is false when the point
// lacks any of them.
func (p *Point) vectorFor(descriptors []string) (vec []float64, ok bool) {
	for _, name := range descriptors {
		v, found := p.Descriptors[name]
		if !found || len(v) == 0 {
			return nil, false
		}
		vec = append(vec, v...)
	}
	return vec, len(vec) > 0
}

// ParseAnalysis reads an analysis file (YAML or JSON, which is a YAML
// subset) and flattens it into a Point. Nested keys are joined with dots and
// prefixed with one, so {"lowlevel": {"pitch": {"mean": 220}}} becomes the
// descriptor ".lowlevel.pitch.mean" = [220].
//
// Lists of numbers become multi-valued descriptors. Strings become labels.
// Anything else (booleans, nested lists) is ignored.
func ParseAnalysis(id string, data []byte) (*Point, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing analysis file: %w", err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("analysis file is empty")
	}

	p := &Point{
		ID:          id,
		Descriptors: make(map[string][]float64),
		Labels:      make(map[string]string),
	}
	flatten("", doc, p)

	if len(p.Descriptors) == 0 {
		return nil, fmt.Errorf("analysis file has no numeric descriptors")
	}
	if len(p.Labels) == 0 {
		p.Labels = nil
	}
	return p, nil
}

// ReadAnalysisFile reads and parses the analysis file at path.
func ReadAnalysisFile(path, id string) (*Point, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading analysis file: %w", err)
	}
	return ParseAnalysis(id, data)
}

func flatten(prefix string, node map[string]interface{}, p *Point) {
	for key, value := range node {
		name := prefix + "." + key
		switch v := value.(type) {
		case map[string]interface{}:
			flatten(name, v, p)
		case string:
			p.Labels[name] = v
		case []interface{}:
			if values, ok := numericList(v); ok {
				p.Descriptors[name] = values
			}
		default:
			if f, ok := toFloat(v); ok {
				p.Descriptors[name] = []float64{f}
			}
		}
	}
}

func numericList(items []interface{}) ([]float64, bool) {
	if len(items) == 0 {
		return nil, false
	}
	out := make([]float64, len(items))
	for i, item := range items {
		f, ok := toFloat(item)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// sortIDs orders ids numerically when both sides are integers and
// lexically otherwise. Sound ids are integers in practice.
func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
}

func lessID(a, b string) bool {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		return ai < bi
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	}
	return a < b
}
