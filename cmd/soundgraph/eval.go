package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/orneryd/soundgraph/pkg/eval"
)

func newEvalCmd() *cobra.Command {
	evalCmd := &cobra.Command{
		Use:   "eval",
		Short: "Run a clustering evaluation suite",
		Long: `Cluster every test case of a suite and compare the communities with the
expected groupings (Rand index, purity, modularity).

Clustering runs in-process unless --url points at a running server.`,
		RunE: runEval,
	}
	evalCmd.Flags().String("suite", "", "Path to test suite JSON file (required)")
	evalCmd.Flags().String("url", "", "SoundGraph server URL; empty clusters in-process")
	evalCmd.Flags().String("output", "summary", "Output format: summary, detailed, json, compact")
	evalCmd.Flags().String("save", "", "Save results to JSON file")
	evalCmd.Flags().String("threshold", "", "Override thresholds (q=0.3,rand=0.7,purity=0.7)")
	_ = evalCmd.MarkFlagRequired("suite")
	return evalCmd
}

func runEval(cmd *cobra.Command, args []string) error {
	suitePath, _ := cmd.Flags().GetString("suite")
	serverURL, _ := cmd.Flags().GetString("url")
	output, _ := cmd.Flags().GetString("output")
	savePath, _ := cmd.Flags().GetString("save")
	thresholds, _ := cmd.Flags().GetString("threshold")

	var clusterFn eval.ClusterFunc
	if serverURL != "" {
		clusterFn = (&httpClusterer{url: strings.TrimRight(serverURL, "/")}).Cluster
	} else {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		clusterFn = a.engine.Evaluate
	}

	harness := eval.NewHarness(clusterFn)
	if err := harness.LoadSuite(suitePath); err != nil {
		return fmt.Errorf("loading suite: %w", err)
	}
	if thresholds != "" {
		t, err := parseThresholds(thresholds)
		if err != nil {
			return err
		}
		harness.SetThresholds(t)
	}

	result, err := harness.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	reporter := eval.NewReporter(cmd.OutOrStdout())
	switch output {
	case "detailed":
		reporter.PrintSummary(result)
		reporter.PrintDetails(result)
	case "json":
		if err := reporter.PrintJSON(result); err != nil {
			return err
		}
	case "compact":
		reporter.PrintCompact(result)
	default:
		reporter.PrintSummary(result)
	}

	if savePath != "" {
		if err := reporter.SaveJSON(result, savePath); err != nil {
			return fmt.Errorf("saving results: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Results saved to %s\n", savePath)
	}

	if result.FailedTests > 0 {
		return fmt.Errorf("%d of %d test cases failed", result.FailedTests, result.TotalTests)
	}
	return nil
}

// parseThresholds reads "q=0.3,rand=0.7,purity=0.7". Unset keys keep their
// defaults.
func parseThresholds(s string) (eval.Thresholds, error) {
	t := eval.DefaultThresholds()
	for _, part := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return t, fmt.Errorf("invalid threshold %q", part)
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return t, fmt.Errorf("invalid threshold %q: %w", part, err)
		}
		switch strings.ToLower(key) {
		case "q", "modularity":
			t.Modularity = v
		case "rand":
			t.RandIndex = v
		case "purity":
			t.Purity = v
		default:
			return t, fmt.Errorf("unknown threshold %q", key)
		}
	}
	return t, nil
}

// httpClusterer clusters through a running server's cluster_points
// endpoint.
type httpClusterer struct {
	url    string
	client *http.Client
}

// Cluster satisfies eval.ClusterFunc.
func (c *httpClusterer) Cluster(ctx context.Context, ids []string) (*eval.Outcome, error) {
	if c.client == nil {
		c.client = &http.Client{Timeout: 5 * time.Minute}
	}

	params := url.Values{
		"query_params": {"eval"},
		"sound_ids":    {strings.Join(ids, ",")},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/clustering/cluster_points",
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cluster_points: HTTP %d", resp.StatusCode)
	}

	var body struct {
		Error  bool            `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Error {
		var msg string
		_ = json.Unmarshal(body.Result, &msg)
		return nil, fmt.Errorf("cluster_points: %s", msg)
	}

	out := &eval.Outcome{}
	if len(body.Result) > 0 && string(body.Result) != "null" {
		if err := json.Unmarshal(body.Result, &out.Communities); err != nil {
			return nil, err
		}
	}
	return out, nil
}
