// Package eval measures the quality of sound clusterings.
//
// Two families of metrics are computed:
//   - Graph metrics, derived from the similarity graph alone: the ratio of
//     intra-community edges per community and each sound's centrality
//     inside its community.
//   - External metrics, derived from a reference feature set that was not
//     used to build the graph: average mutual information between the
//     partition and each reference feature, silhouette coefficient and
//     Calinski-Harabasz score.
//
// The Harness runs labelled test suites through a clustering function and
// compares the detected communities against expected groupings with
// pair-counting Rand index and purity.
//
// Example usage:
//
//	harness := eval.NewHarness(engine.Evaluate)
//	harness.AddTestCase(eval.TestCase{
//	    Name:     "drums vs pads",
//	    SoundIDs: []string{"1", "2", "3", "4", "5", "6"},
//	    Expected: [][]string{{"1", "2", "3"}, {"4", "5", "6"}},
//	})
//
//	results, err := harness.Run(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Rand index: %.2f\n", results.Aggregate.RandIndex)
//
// ELI12 (Explain Like I'm 12):
//
// Imagine sorting a box of toy sounds into piles. The graph metrics ask
// "are the piles tight, with sounds mostly pointing at sounds in the same
// pile?". The external metrics ask "if I look at the sounds with a
// different pair of glasses, do the piles still make sense?". The harness
// is the answer key: somebody already sorted these sounds by hand, and we
// count how often the machine agrees.
package eval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Outcome is what a clustering run reports back to the harness.
type Outcome struct {
	Communities [][]string       `json:"communities"`
	Modularity  *float64         `json:"modularity"`
	IntraRatios []float64        `json:"ratio_intra_community_edges"`
	External    *ExternalMetrics `json:"external,omitempty"`
}

// ClusterFunc clusters the given sounds.
type ClusterFunc func(ctx context.Context, ids []string) (*Outcome, error)

// TestCase defines a single labelled clustering scenario.
type TestCase struct {
	// Name is a human-readable identifier for this test
	Name string `json:"name"`

	// SoundIDs are the sounds to cluster
	SoundIDs []string `json:"sound_ids"`

	// Expected is the hand-made grouping. Sounds that appear in no group
	// are ignored by the agreement metrics.
	Expected [][]string `json:"expected"`

	// Tags for grouping and filtering test cases
	Tags []string `json:"tags,omitempty"`
}

// TestSuite is a collection of test cases.
type TestSuite struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Version     string     `json:"version"`
	Created     time.Time  `json:"created"`
	TestCases   []TestCase `json:"test_cases"`
}

// Metrics contains the computed metrics of one run, or their mean over a
// suite.
type Metrics struct {
	Communities       float64 `json:"communities"`
	Modularity        float64 `json:"modularity"`
	AverageIntraRatio float64 `json:"average_intra_ratio"`

	// RandIndex is the fraction of sound pairs on which the detected and
	// expected groupings agree (same group in both, or different in both).
	RandIndex float64 `json:"rand_index"`

	// Purity is the fraction of sounds whose community's majority expected
	// group is their own.
	Purity float64 `json:"purity"`

	// Coverage is the fraction of requested sounds that ended up in a
	// community.
	Coverage float64 `json:"coverage"`
}

// TestResult contains results for a single test case.
type TestResult struct {
	TestCase TestCase      `json:"test_case"`
	Metrics  Metrics       `json:"metrics"`
	Outcome  *Outcome      `json:"outcome,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// EvalResult contains the complete evaluation results.
type EvalResult struct {
	// Suite info
	SuiteName string        `json:"suite_name"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`

	// Aggregate metrics (averaged across successful test cases)
	Aggregate Metrics `json:"aggregate"`

	// Per-test results
	Results []TestResult `json:"results"`

	// Summary statistics
	TotalTests  int `json:"total_tests"`
	PassedTests int `json:"passed_tests"`
	FailedTests int `json:"failed_tests"`

	// Thresholds used for pass/fail
	Thresholds Thresholds `json:"thresholds"`
}

// Thresholds define minimum acceptable metric values.
type Thresholds struct {
	Modularity float64 `json:"modularity"`
	RandIndex  float64 `json:"rand_index"`
	Purity     float64 `json:"purity"`
}

// DefaultThresholds returns sensible default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Modularity: 0.3, // Clearly better than a random partition
		RandIndex:  0.7,
		Purity:     0.7,
	}
}

// ErrNoTestCases is returned by Run when nothing was added.
var ErrNoTestCases = errors.New("no test cases defined")

// Harness is the main evaluation harness.
type Harness struct {
	cluster    ClusterFunc
	suiteName  string
	testCases  []TestCase
	thresholds Thresholds
	mu         sync.RWMutex
}

// NewHarness creates a new evaluation harness.
func NewHarness(cluster ClusterFunc) *Harness {
	return &Harness{
		cluster:    cluster,
		suiteName:  "default",
		testCases:  make([]TestCase, 0),
		thresholds: DefaultThresholds(),
	}
}

// SetThresholds sets the pass/fail thresholds.
func (h *Harness) SetThresholds(t Thresholds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.thresholds = t
}

// AddTestCase adds a single test case.
func (h *Harness) AddTestCase(tc TestCase) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.testCases = append(h.testCases, tc)
}

// AddTestCases adds multiple test cases.
func (h *Harness) AddTestCases(cases []TestCase) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.testCases = append(h.testCases, cases...)
}

// LoadSuite loads a test suite from a JSON file.
func (h *Harness) LoadSuite(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read suite file: %w", err)
	}

	var suite TestSuite
	if err := json.Unmarshal(data, &suite); err != nil {
		return fmt.Errorf("failed to parse suite JSON: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if suite.Name != "" {
		h.suiteName = suite.Name
	}
	h.testCases = append(h.testCases, suite.TestCases...)

	return nil
}

// Run executes the evaluation and returns results.
func (h *Harness) Run(ctx context.Context) (*EvalResult, error) {
	h.mu.RLock()
	cases := make([]TestCase, len(h.testCases))
	copy(cases, h.testCases)
	thresholds := h.thresholds
	name := h.suiteName
	h.mu.RUnlock()

	if len(cases) == 0 {
		return nil, ErrNoTestCases
	}

	startTime := time.Now()
	results := make([]TestResult, 0, len(cases))
	for _, tc := range cases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results = append(results, h.runTestCase(ctx, tc))
	}

	passed, failed := countPassFail(results, thresholds)

	return &EvalResult{
		SuiteName:   name,
		Timestamp:   startTime,
		Duration:    time.Since(startTime),
		Aggregate:   computeAggregate(results),
		Results:     results,
		TotalTests:  len(results),
		PassedTests: passed,
		FailedTests: failed,
		Thresholds:  thresholds,
	}, nil
}

func (h *Harness) runTestCase(ctx context.Context, tc TestCase) TestResult {
	start := time.Now()

	outcome, err := h.cluster(ctx, tc.SoundIDs)
	if err != nil {
		return TestResult{
			TestCase: tc,
			Error:    err.Error(),
			Duration: time.Since(start),
		}
	}

	return TestResult{
		TestCase: tc,
		Metrics:  computeMetrics(tc, outcome),
		Outcome:  outcome,
		Duration: time.Since(start),
	}
}

func computeMetrics(tc TestCase, o *Outcome) Metrics {
	m := Metrics{Communities: float64(len(o.Communities))}
	if o.Modularity != nil {
		m.Modularity = *o.Modularity
	}
	if len(o.IntraRatios) > 0 {
		var sum float64
		for _, r := range o.IntraRatios {
			sum += r
		}
		m.AverageIntraRatio = sum / float64(len(o.IntraRatios))
	}

	detected := labelsOf(o.Communities)
	expected := labelsOf(tc.Expected)

	if requested := len(dedupe(tc.SoundIDs)); requested > 0 {
		m.Coverage = float64(len(detected)) / float64(requested)
	}
	m.RandIndex = randIndex(detected, expected)
	m.Purity = purity(o.Communities, expected)
	return m
}

func computeAggregate(results []TestResult) Metrics {
	var agg Metrics
	valid := 0
	for _, r := range results {
		if r.Error != "" {
			continue
		}
		valid++
		agg.Communities += r.Metrics.Communities
		agg.Modularity += r.Metrics.Modularity
		agg.AverageIntraRatio += r.Metrics.AverageIntraRatio
		agg.RandIndex += r.Metrics.RandIndex
		agg.Purity += r.Metrics.Purity
		agg.Coverage += r.Metrics.Coverage
	}
	if valid > 0 {
		n := float64(valid)
		agg.Communities /= n
		agg.Modularity /= n
		agg.AverageIntraRatio /= n
		agg.RandIndex /= n
		agg.Purity /= n
		agg.Coverage /= n
	}
	return agg
}

func countPassFail(results []TestResult, t Thresholds) (passed, failed int) {
	for _, r := range results {
		if r.Error == "" &&
			r.Metrics.Modularity >= t.Modularity &&
			r.Metrics.RandIndex >= t.RandIndex &&
			r.Metrics.Purity >= t.Purity {
			passed++
		} else {
			failed++
		}
	}
	return
}

// === Agreement metrics ===

// labelsOf maps every member to the index of the first group it appears in.
func labelsOf(groups [][]string) map[string]int {
	out := make(map[string]int)
	for i, g := range groups {
		for _, id := range g {
			if _, ok := out[id]; !ok {
				out[id] = i
			}
		}
	}
	return out
}

func dedupe(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// randIndex counts pair agreements over the sounds labelled in both
// groupings. Fewer than two shared sounds score 0.
func randIndex(detected, expected map[string]int) float64 {
	shared := make([]string, 0, len(expected))
	for id := range expected {
		if _, ok := detected[id]; ok {
			shared = append(shared, id)
		}
	}
	if len(shared) < 2 {
		return 0
	}

	var agree, pairs int
	for i := 0; i < len(shared); i++ {
		for j := i + 1; j < len(shared); j++ {
			a, b := shared[i], shared[j]
			if (detected[a] == detected[b]) == (expected[a] == expected[b]) {
				agree++
			}
			pairs++
		}
	}
	return float64(agree) / float64(pairs)
}

// purity assigns each community its most common expected group and counts
// the sounds that match it.
func purity(communities [][]string, expected map[string]int) float64 {
	var matched, total int
	for _, members := range communities {
		counts := make(map[int]int)
		best := 0
		for _, id := range members {
			label, ok := expected[id]
			if !ok {
				continue
			}
			total++
			counts[label]++
			best = max(best, counts[label])
		}
		matched += best
	}
	if total == 0 {
		return 0
	}
	return float64(matched) / float64(total)
}
