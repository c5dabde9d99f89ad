package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantumlife/spendcoach/internal/app"
	"github.com/quantumlife/spendcoach/internal/core"
	"github.com/quantumlife/spendcoach/internal/ledger"
	"github.com/quantumlife/spendcoach/internal/storage"
)

// printJSON indents when stdout is a terminal and writes one line otherwise
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func profileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile <user>",
		Short: "Show a user's profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Profile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
}

// ingestCmd reads JSON lines of transactions, stores each and evaluates it
func ingestCmd() *cobra.Command {
	var file string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Store and evaluate transactions from a JSON lines file",
		Long: `Reads one transaction object per line:

  {"id":"t1","user_id":"u1","merchant":"Cafe","category":"food","amount":4.5,"occurred_at":"2026-04-15T08:30:00Z"}

Use -f - to read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := ingest(ctx, a, r, func(res interface{}) {
					if !quiet {
						printJSON(cmd.OutOrStdout(), res)
					}
				})
				fmt.Fprintf(cmd.ErrOrStderr(), "processed %d, skipped %d, delivered %d\n", stats.processed, stats.skipped, stats.delivered)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON lines file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the summary")
	return cmd
}

type ingestStats struct {
	processed, skipped, delivered int
}

func ingest(ctx context.Context, a *app.App, r io.Reader, emit func(interface{})) (ingestStats, error) {
	var stats ingestStats
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var tx core.Transaction
		if err := json.Unmarshal([]byte(text), &tx); err != nil {
			return stats, fmt.Errorf("line %d: %w: %v", line, core.ErrInvalidInput, err)
		}
		if err := a.Store.AppendTransaction(ctx, tx); err != nil {
			return stats, fmt.Errorf("line %d: %w", line, err)
		}
		res, err := a.Engine.ProcessTransaction(ctx, tx)
		if err != nil {
			return stats, fmt.Errorf("line %d: %w", line, err)
		}
		stats.processed++
		if res.Skipped {
			stats.skipped++
		}
		if res.Intervention != nil {
			stats.delivered++
		}
		emit(res)
	}
	return stats, scanner.Err()
}

func respondCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "respond <user> <intervention-id> <engaged|dismissed|ignored>",
		Short: "Record a user's response to an intervention",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := core.ParseResponse(args[2])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RecordResponse(ctx, args[0], args[1], resp)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user>",
		Short: "Return a user to observing and clear the streak",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Reset(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s reset to %s\n", p.UserID, p.UserState)
				return nil
			})
		},
	}
}

func winsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wins <user>",
		Short: "List a user's wins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wins, err := a.Engine.Wins(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(wins) == 0 {
					fmt.Fprintln(out, "No wins yet.")
					return nil
				}
				for _, w := range wins {
					mark := " "
					if w.Celebrated {
						mark = "*"
					}
					fmt.Fprintf(out, "%s %s  %-18s %-16s %s\n", mark, w.ID, w.BehaviorType, w.WinType, w.Message)
				}
				return nil
			})
		},
	}
}

func celebrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "celebrate <user> <win-id>",
		Short: "Celebrate a win",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, changed, err := a.Engine.CelebrateWin(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if !changed {
					fmt.Fprintln(cmd.OutOrStdout(), "Already celebrated.")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "streak %d (longest %d), %d wins\n", p.CurrentStreak, p.LongestStreak, p.TotalWins)
				return nil
			})
		},
	}
}

// statusCmd prints storage row counts. Counts are only available on SQLite.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show storage backend and row counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "backend: %s\n", a.Config.Storage.Backend)
				if repo, ok := a.Store.(*storage.SQLiteRepository); ok {
					st, err := repo.DB().Stats(ctx)
					if err != nil {
						return err
					}
					if p := repo.DB().Path(); p != "" {
						fmt.Fprintf(out, "database: %s\n", p)
					}
					fmt.Fprintf(out, "profiles: %d\ninterventions: %d (%d answered)\nwins: %d\ntransactions: %d\n",
						st.Profiles, st.Interventions, st.Responded, st.Wins, st.Transactions)
				}
				if a.Ledger != nil {
					n, err := a.Ledger.Count(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "ledger entries: %d\n", n)
				}
				return nil
			})
		},
	}
}

func recalibrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalibrate",
		Short: "Recompute seasonal factors for every user that is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.RecalibrateAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recalibrated %d users\n", n)
				return nil
			})
		},
	}
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the audit ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check every hash link in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Ledger == nil {
					return errors.New("ledger is disabled in config")
				}
				count, err := a.Ledger.Count(ctx)
				if err != nil {
					return err
				}
				if err := a.Ledger.VerifyChain(ctx); err != nil {
					return fmt.Errorf("ledger invalid: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ledger valid: %d entries\n", count)
				return nil
			})
		},
	})

	var user, action string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Ledger == nil {
					return errors.New("ledger is disabled in config")
				}
				entries, err := a.Ledger.Query(ctx, ledger.QueryOptions{UserID: user, Action: action, Limit: limit})
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%6d  %s  %-24s %-10s %s/%s\n",
						e.Seq, e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.UserID, e.EntityType, e.EntityID)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&user, "user", "", "filter by user")
	list.Flags().StringVar(&action, "action", "", "filter by action")
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	cmd.AddCommand(list)

	return cmd
}
