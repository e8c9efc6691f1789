package eval

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Agreement Metric Tests
// =============================================================================

func TestRandIndex(t *testing.T) {
	expected := labelsOf([][]string{{"a", "b"}, {"c", "d", "e"}})

	t.Run("identical", func(t *testing.T) {
		detected := labelsOf([][]string{{"c", "d", "e"}, {"a", "b"}})
		assert.Equal(t, 1.0, randIndex(detected, expected))
	})

	t.Run("partial", func(t *testing.T) {
		detected := labelsOf([][]string{{"a", "b", "c"}, {"d", "e"}})
		assert.InDelta(t, 0.6, randIndex(detected, expected), 1e-12)
	})

	t.Run("too_few_shared", func(t *testing.T) {
		detected := labelsOf([][]string{{"a", "x"}})
		assert.Equal(t, 0.0, randIndex(detected, expected))
	})
}

func TestPurity(t *testing.T) {
	expected := labelsOf([][]string{{"a", "b"}, {"c", "d", "e"}})

	assert.Equal(t, 1.0, purity([][]string{{"a", "b"}, {"c", "d", "e"}}, expected))
	assert.InDelta(t, 0.8, purity([][]string{{"a", "b", "c"}, {"d", "e"}}, expected), 1e-12)
	assert.Equal(t, 0.0, purity([][]string{{"x"}}, expected))
}

// =============================================================================
// Harness Integration Tests
// =============================================================================

func fixedCluster(communities [][]string, q float64) ClusterFunc {
	return func(_ context.Context, ids []string) (*Outcome, error) {
		return &Outcome{
			Communities: communities,
			Modularity:  &q,
			IntraRatios: []float64{1, 0.5},
		}, nil
	}
}

func TestHarnessBasic(t *testing.T) {
	harness := NewHarness(fixedCluster([][]string{{"1", "2", "3"}, {"4", "5", "6"}}, 0.45))
	harness.AddTestCase(TestCase{
		Name:     "two groups",
		SoundIDs: []string{"1", "2", "3", "4", "5", "6"},
		Expected: [][]string{{"1", "2", "3"}, {"4", "5", "6"}},
	})

	result, err := harness.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.TotalTests)
	assert.Equal(t, 1, result.PassedTests)
	assert.Equal(t, 0, result.FailedTests)
	assert.Equal(t, 2.0, result.Aggregate.Communities)
	assert.Equal(t, 1.0, result.Aggregate.RandIndex)
	assert.Equal(t, 1.0, result.Aggregate.Purity)
	assert.Equal(t, 1.0, result.Aggregate.Coverage)
	assert.InDelta(t, 0.75, result.Aggregate.AverageIntraRatio, 1e-12)
	assert.InDelta(t, 0.45, result.Aggregate.Modularity, 1e-12)
}

func TestHarnessFailures(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	harness := NewHarness(func(_ context.Context, ids []string) (*Outcome, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		q := 0.1
		return &Outcome{Communities: [][]string{ids}, Modularity: &q}, nil
	})
	harness.AddTestCases([]TestCase{
		{Name: "errors", SoundIDs: []string{"1"}},
		{Name: "below threshold", SoundIDs: []string{"1", "2"}, Expected: [][]string{{"1"}, {"2"}}},
	})

	result, err := harness.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.FailedTests)
	assert.Equal(t, "boom", result.Results[0].Error)
	// aggregate ignores errored runs
	assert.InDelta(t, 0.1, result.Aggregate.Modularity, 1e-12)
}

func TestHarnessNoCases(t *testing.T) {
	_, err := NewHarness(fixedCluster(nil, 0)).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoTestCases)
}

func TestLoadSuite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "suite.json")
	suite := `{
  "name": "freesound-sample",
  "test_cases": [
    {"name": "pads", "sound_ids": ["1", "2"], "expected": [["1", "2"]]}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(suite), 0o644))

	harness := NewHarness(fixedCluster([][]string{{"1", "2"}}, 0.5))
	require.NoError(t, harness.LoadSuite(path))

	result, err := harness.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "freesound-sample", result.SuiteName)
	assert.Equal(t, "pads", result.Results[0].TestCase.Name)

	assert.Error(t, harness.LoadSuite(filepath.Join(dir, "missing.json")))
}

// =============================================================================
// Reporter Tests
// =============================================================================

func TestReporter(t *testing.T) {
	harness := NewHarness(fixedCluster([][]string{{"1", "2"}, {"3"}}, 0.2))
	harness.AddTestCase(TestCase{Name: "x", SoundIDs: []string{"1", "2", "3"}})
	result, err := harness.Run(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	r := NewReporter(&buf)

	r.PrintSummary(result)
	assert.Contains(t, buf.String(), "Rand index")

	buf.Reset()
	r.PrintDetails(result)
	assert.Contains(t, buf.String(), "Test 1: x")

	buf.Reset()
	r.PrintCompact(result)
	if !strings.HasPrefix(buf.String(), "[FAIL] 0/1 tests") {
		t.Fatalf("compact = %q", buf.String())
	}

	buf.Reset()
	ami := 0.5
	r.PrintOutcome(&Outcome{
		Communities: [][]string{{"1", "2"}},
		IntraRatios: []float64{1},
		External:    &ExternalMetrics{AverageMutualInformation: &ami, Samples: 2},
	})
	assert.Contains(t, buf.String(), "Silhouette: n/a")

	buf.Reset()
	require.NoError(t, r.PrintJSON(result))
	assert.Contains(t, buf.String(), `"suite_name": "default"`)

	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, r.SaveJSON(result, path))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
