package vector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricDistance(t *testing.T) {
	tests := []struct {
		name     string
		metric   Metric
		a        []float64
		b        []float64
		expected float64
	}{
		{"euclidean 3-4-5", MetricEuclidean, []float64{0, 0}, []float64{3, 4}, 5},
		{"euclidean identical", MetricEuclidean, []float64{1, 2, 3}, []float64{1, 2, 3}, 0},
		{"manhattan", MetricManhattan, []float64{0, 0}, []float64{3, 4}, 7},
		{"cosine identical", MetricCosine, []float64{1, 0}, []float64{2, 0}, 0},
		{"cosine orthogonal", MetricCosine, []float64{1, 0}, []float64{0, 1}, 1},
		{"cosine opposite", MetricCosine, []float64{1, 0}, []float64{-1, 0}, 2},
		{"cosine zero vector", MetricCosine, []float64{0, 0}, []float64{1, 1}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.metric.Distance(tt.a, tt.b)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Fatalf("%s.Distance(%v, %v) = %v, want %v", tt.metric, tt.a, tt.b, got, tt.expected)
			}
		})
	}
}

func TestDistanceMismatchedDimensions(t *testing.T) {
	for _, m := range []Metric{MetricEuclidean, MetricManhattan, MetricCosine} {
		assert.True(t, math.IsInf(m.Distance([]float64{1}, []float64{1, 2}), 1), "metric %s", m)
		assert.True(t, math.IsInf(m.Distance(nil, nil), 1), "metric %s", m)
	}
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("")
	require.NoError(t, err)
	assert.Equal(t, MetricEuclidean, m)

	m, err = ParseMetric(" Cosine ")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m)

	_, err = ParseMetric("hamming")
	assert.Error(t, err)
}

func TestSquaredEuclideanMatchesEuclidean(t *testing.T) {
	a := []float64{1.5, -2, 7}
	b := []float64{0.5, 3, 1}
	assert.InDelta(t, Euclidean(a, b)*Euclidean(a, b), SquaredEuclidean(a, b), 1e-9)
}

func TestConcat(t *testing.T) {
	assert.Equal(t, []float64{1, 2, 3, 4}, Concat([]float64{1}, []float64{2, 3}, nil, []float64{4}))
	assert.Empty(t, Concat())
}
