// Package main provides the SoundGraph CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "soundgraph",
		Short: "SoundGraph - content-based sound similarity and clustering",
		Long: `SoundGraph serves nearest-neighbor search and graph clustering over
audio feature vectors.

Features:
  • Similarity search with flat, HNSW and k-d tree backends
  • Range queries with a field:[min TO max] filter language
  • k-NN graph construction with Louvain or k-clique communities
  • Cluster quality metrics against reference features`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file (default: $SOUNDGRAPH_CONFIG)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "SoundGraph v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newLoadCmd())
	rootCmd.AddCommand(newClusterCmd())
	rootCmd.AddCommand(newEvalCmd())
	return rootCmd
}
