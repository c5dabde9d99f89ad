// spendcoach CLI - operate the intervention engine from the command line.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quantumlife/spendcoach/internal/app"
	"github.com/quantumlife/spendcoach/internal/config"
)

var (
	// Config
	configPath string

	// Version
	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coach",
		Short: "spendcoach - behavioral spending interventions",
		Long: `spendcoach watches a user's transactions, infers spending behaviors
and decides when a short intervention is worth sending.

Commands here operate directly on the configured storage. Run coachd
for the HTTP API and background jobs.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file (.yaml or .json)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(respondCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(winsCmd())
	rootCmd.AddCommand(celebrateCmd())
	rootCmd.AddCommand(recalibrateCmd())
	rootCmd.AddCommand(ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp opens the configured stack, runs fn and flushes pending events
// into the ledger and metrics before closing.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	err = fn(ctx, a)
	a.Flush(ctx)
	return err
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "spendcoach %s\n", version)
		},
	}
}

// initCmd writes a default config and prepares storage
func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if _, err := os.Stat(configPath); err == nil && !force {
				fmt.Fprintf(out, "Config already exists at %s (use --force to overwrite)\n", configPath)
				return nil
			}

			cfg := config.Default()
			if err := cfg.Save(configPath); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(out, "Wrote %s\n", configPath)

			// Opening runs migrations
			a, err := app.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprintf(out, "Storage ready (%s)\n", cfg.Storage.Backend)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Next steps:")
			fmt.Fprintln(out, "   coach ingest -f transactions.jsonl  - evaluate transactions")
			fmt.Fprintln(out, "   coach profile <user>                - inspect a profile")
			fmt.Fprintln(out, "   coachd                              - run the API")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}
