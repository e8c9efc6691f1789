package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orneryd/soundgraph/pkg/cluster"
	"github.com/orneryd/soundgraph/pkg/eval"
)

func newClusterCmd() *cobra.Command {
	clusterCmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster a set of sounds offline and print a quality report",
		RunE:  runCluster,
	}
	clusterCmd.Flags().String("ids", "", "Comma separated sound ids")
	clusterCmd.Flags().String("ids-file", "", "File with sound ids, comma or newline separated")
	clusterCmd.Flags().String("feature-set", "", "Feature set to cluster on (default: clustering.feature_set)")
	clusterCmd.Flags().String("query", "cli", "Query label used for logs and dumps")
	clusterCmd.Flags().Bool("json", false, "Print the full result as JSON")
	return clusterCmd
}

// readIDs merges --ids and the contents of --ids-file.
func readIDs(ids, idsFile string) ([]string, error) {
	out := cluster.ParseIDs(ids)
	if idsFile != "" {
		data, err := os.ReadFile(idsFile)
		if err != nil {
			return nil, fmt.Errorf("reading ids file: %w", err)
		}
		out = append(out, cluster.ParseIDs(strings.ReplaceAll(string(data), "\n", ","))...)
	}
	return out, nil
}

func runCluster(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	idsFlag, _ := cmd.Flags().GetString("ids")
	idsFile, _ := cmd.Flags().GetString("ids-file")
	ids, err := readIDs(idsFlag, idsFile)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("no sound ids given: use --ids or --ids-file")
	}
	featureSet, _ := cmd.Flags().GetString("feature-set")
	query, _ := cmd.Flags().GetString("query")
	asJSON, _ := cmd.Flags().GetBool("json")

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.ClusterPoints(cmd.Context(), cluster.Request{
		QueryParams: query,
		FeatureSet:  featureSet,
		SoundIDs:    ids,
	})
	if err != nil {
		return err
	}

	reporter := eval.NewReporter(cmd.OutOrStdout())
	if asJSON {
		return reporter.PrintJSON(res)
	}
	if res.Empty() {
		fmt.Fprintln(cmd.OutOrStdout(), "No graph could be built: none of the sounds have close enough neighbors.")
		return nil
	}
	reporter.PrintOutcome(res.Outcome())
	if path := a.engine.DumpPath(res); path != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Results saved to %s\n", path)
	}
	return nil
}
