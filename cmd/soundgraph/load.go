package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/orneryd/soundgraph/pkg/logging"
)

func newLoadCmd() *cobra.Command {
	loadCmd := &cobra.Command{
		Use:   "load <feature_set> <file>",
		Short: "Bulk-load a feature file into the persistent feature store",
		Long: `Read a JSON or JSON-lines file mapping sound id to feature vector and
store every vector under feature_set. The whole file is validated first;
nothing is written when any vector is malformed.`,
		Args: cobra.ExactArgs(2),
		RunE: runLoad,
	}
	loadCmd.Flags().String("job-id", "", "Identifier for this load in the logs (default: random)")
	return loadCmd
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Features.InMemory {
		return errors.New("load requires a persistent feature store (features.in_memory is set)")
	}
	featureSet, path := args[0], args[1]
	jobID, _ := cmd.Flags().GetString("job-id")
	if jobID == "" {
		jobID = uuid.NewString()
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening feature store: %w", err)
	}
	defer store.Close()

	n, err := store.LoadBulk(cmd.Context(), featureSet, path)
	if err != nil {
		return err
	}
	log := logging.With("load")
	log.Info().
		Str("job_id", jobID).
		Str("feature_set", featureSet).
		Int("vectors", n).
		Msg("bulk load finished")
	if err := store.RunGC(); err != nil {
		return fmt.Errorf("compacting feature store: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d vectors into %s (job %s)\n", n, featureSet, jobID)
	return nil
}
