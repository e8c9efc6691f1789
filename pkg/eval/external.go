package eval

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ExternalMetrics compares a partition with reference features. Each field
// is nil when it is undefined for the labelled sample, e.g. silhouette
// needs at least two clusters and fewer clusters than samples.
type ExternalMetrics struct {
	AverageMutualInformation *float64 `json:"average_mutual_information"`
	Silhouette               *float64 `json:"silouhette_coeff"`
	CalinskiHarabasz         *float64 `json:"calinski_harabaz_score"`
	// Samples is the number of partitioned sounds that had reference
	// features.
	Samples int `json:"samples"`
}

// ComputeExternal scores partition against reference feature vectors.
// Sounds without a reference vector are left out. It returns nil when no
// reference features are configured (reference is nil).
func ComputeExternal(partition map[string]int, reference map[string][]float64) *ExternalMetrics {
	if reference == nil {
		return nil
	}

	ids := make([]string, 0, len(partition))
	for id := range partition {
		if _, ok := reference[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	dims := -1
	var features [][]float64
	var labels []int
	for _, id := range ids {
		f := reference[id]
		if dims < 0 {
			dims = len(f)
		}
		if len(f) != dims || dims == 0 {
			continue
		}
		features = append(features, f)
		labels = append(labels, partition[id])
	}

	m := &ExternalMetrics{Samples: len(features)}
	if len(features) == 0 {
		return m
	}
	m.AverageMutualInformation = ptr(AverageMutualInformation(features, labels))

	k := countDistinct(labels)
	if k >= 2 && k < len(features) {
		m.Silhouette = ptr(Silhouette(features, labels))
		m.CalinskiHarabasz = ptr(CalinskiHarabasz(features, labels))
	}
	return m
}

func ptr(v float64) *float64 { return &v }

func countDistinct(labels []int) int {
	seen := make(map[int]bool)
	for _, l := range labels {
		seen[l] = true
	}
	return len(seen)
}

// AverageMutualInformation treats every feature column as a discrete
// variable and returns the mean of its mutual information with labels, in
// nats.
func AverageMutualInformation(features [][]float64, labels []int) float64 {
	if len(features) == 0 {
		return 0
	}
	cols := len(features[0])
	labelP := distribution(len(labels), func(yield func(any)) {
		for _, l := range labels {
			yield(l)
		}
	})
	hy := stat.Entropy(labelP)

	var sum float64
	for j := 0; j < cols; j++ {
		hx := stat.Entropy(distribution(len(features), func(yield func(any)) {
			for _, f := range features {
				yield(f[j])
			}
		}))
		type pair struct {
			x float64
			y int
		}
		hxy := stat.Entropy(distribution(len(features), func(yield func(any)) {
			for i, f := range features {
				yield(pair{x: f[j], y: labels[i]})
			}
		}))
		sum += math.Max(0, hx+hy-hxy)
	}
	return sum / float64(cols)
}

// distribution returns the empirical probabilities of the yielded values in
// first-seen order.
func distribution(n int, each func(func(any))) []float64 {
	counts := make(map[any]int)
	var order []any
	each(func(v any) {
		if _, ok := counts[v]; !ok {
			order = append(order, v)
		}
		counts[v]++
	})
	p := make([]float64, len(order))
	for i, v := range order {
		p[i] = float64(counts[v]) / float64(n)
	}
	return p
}

// Silhouette returns the mean silhouette coefficient under euclidean
// distance. Samples alone in their cluster score 0.
func Silhouette(features [][]float64, labels []int) float64 {
	n := len(features)
	if n == 0 {
		return 0
	}
	sizes := make(map[int]int)
	for _, l := range labels {
		sizes[l]++
	}

	var total float64
	for i := 0; i < n; i++ {
		if sizes[labels[i]] == 1 {
			continue
		}
		sums := make(map[int]float64)
		for j := 0; j < n; j++ {
			if i != j {
				sums[labels[j]] += floats.Distance(features[i], features[j], 2)
			}
		}
		a := sums[labels[i]] / float64(sizes[labels[i]]-1)
		b := math.Inf(1)
		for l, s := range sums {
			if l != labels[i] {
				b = math.Min(b, s/float64(sizes[l]))
			}
		}
		if d := math.Max(a, b); d > 0 && !math.IsInf(b, 1) {
			total += (b - a) / d
		}
	}
	return total / float64(n)
}

// CalinskiHarabasz returns the variance ratio criterion: between-cluster
// dispersion over within-cluster dispersion, each normalised by its degrees
// of freedom. It is 1 when every cluster is a single point.
func CalinskiHarabasz(features [][]float64, labels []int) float64 {
	n := len(features)
	if n == 0 {
		return 0
	}
	dims := len(features[0])

	mean := make([]float64, dims)
	centroids := make(map[int][]float64)
	sizes := make(map[int]int)
	for i, f := range features {
		floats.Add(mean, f)
		c, ok := centroids[labels[i]]
		if !ok {
			c = make([]float64, dims)
			centroids[labels[i]] = c
		}
		floats.Add(c, f)
		sizes[labels[i]]++
	}
	floats.Scale(1/float64(n), mean)
	for l, c := range centroids {
		floats.Scale(1/float64(sizes[l]), c)
	}

	var between, within float64
	for l, c := range centroids {
		d := floats.Distance(c, mean, 2)
		between += float64(sizes[l]) * d * d
	}
	for i, f := range features {
		d := floats.Distance(f, centroids[labels[i]], 2)
		within += d * d
	}

	k := len(centroids)
	if within == 0 || k < 2 {
		return 1
	}
	return between * float64(n-k) / (within * float64(k-1))
}
