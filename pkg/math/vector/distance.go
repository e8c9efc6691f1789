// Package vector provides the distance metrics used by the similarity index
// and the clustering engine.
//
// All functions operate on float64 slices. Feature vectors are produced by an
// external extraction pipeline with float64 precision, so there is no float32
// fast path here.
//
// Main Functions:
//   - Euclidean: L2 distance (the default metric for audio features)
//   - Manhattan: L1 distance
//   - CosineDistance: 1 - cosine similarity, in [0, 2]
//   - Metric.Distance: dispatch by configured metric name
package vector

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Metric names a distance function.
type Metric string

const (
	MetricEuclidean Metric = "euclidean"
	MetricCosine    Metric = "cosine"
	MetricManhattan Metric = "manhattan"
)

// ParseMetric resolves a metric name (case-insensitive). An empty name
// resolves to euclidean.
func ParseMetric(name string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(name))) {
	case "", MetricEuclidean:
		return MetricEuclidean, nil
	case MetricCosine:
		return MetricCosine, nil
	case MetricManhattan:
		return MetricManhattan, nil
	}
	return "", fmt.Errorf("unknown distance metric %q", name)
}

// Distance returns the distance between a and b under m.
// Mismatched or empty vectors are infinitely far apart.
func (m Metric) Distance(a, b []float64) float64 {
	switch m {
	case MetricCosine:
		return CosineDistance(a, b)
	case MetricManhattan:
		return Manhattan(a, b)
	default:
		return Euclidean(a, b)
	}
}

// Euclidean returns the L2 distance between a and b.
//
// Example:
//
//	Euclidean([]float64{0, 0}, []float64{3, 4}) // 5
func Euclidean(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	return floats.Distance(a, b, 2)
}

// Manhattan returns the L1 distance between a and b.
func Manhattan(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	return floats.Distance(a, b, 1)
}

// CosineDistance returns 1 - cos(a, b). Zero vectors are treated as
// orthogonal to everything, giving a distance of 1.
func CosineDistance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - floats.Dot(a, b)/(na*nb)
}

// SquaredEuclidean returns the squared L2 distance. The kd-tree backend
// compares squared distances to avoid a sqrt per visited node.
func SquaredEuclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Concat joins descriptor values into a single feature vector.
func Concat(parts ...[]float64) []float64 {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]float64, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
