package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

const seedEnv = "NANOATTN_SEED"

func main() {
	cobra.CheckErr(NewCLI().ExecuteContext(context.Background()))
}

// NewCLI builds the attn command tree
func NewCLI() *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "attn",
		Short: "Multi-head attention with an incremental KV cache",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().Uint64("seed", defaultSeed(), "Seed for random weights and sampling (env "+seedEnv+")")

	rootCmd.AddCommand(
		newGenerateCmd(),
		newInitCmd(),
		newVerifyCmd(),
		newInspectCmd(),
		newBenchCmd(),
	)

	return rootCmd
}

func defaultSeed() uint64 {
	if s := os.Getenv(seedEnv); s != "" {
		seed, err := strconv.ParseUint(s, 10, 64)
		if err == nil {
			return seed
		}
		fmt.Fprintf(os.Stderr, "ignoring invalid %s=%q\n", seedEnv, s)
	}
	return 0
}
