package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/rforgeon/substrate/internal/confirmation"
)

// withApp loads the configuration, builds the app without telemetry and
// runs fn against it.
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSyncCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Long: `Export pending observations to the outbox, import new batches from
every enabled peer and clean up old batches, once.

The cycle report is printed even when some peers fail.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				report, err := a.coord.SyncNow(ctx)
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
				return errors.Join(err, report.PeerErrors())
			})
		},
	}
}

func newStatsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show knowledge base statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				stats, err := a.svc.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newRebuildCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the database from the observation log",
		Long: `Discard the database contents and replay observations.jsonl into it.

Stop the daemon before rebuilding.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				report, err := a.svc.Rebuild(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

// newTransitionCmd builds confirm, reject and stale.
func newTransitionCmd(flags *globalFlags, action, short string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   action + " <observation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				var transition func(context.Context, string, string) (*confirmation.PromotionResult, error)
				switch action {
				case "confirm":
					transition = a.svc.Confirm
				case "reject":
					transition = a.svc.Reject
				default:
					transition = a.svc.MarkStale
				}
				res, err := transition(ctx, args[0], reason)
				if err != nil {
					return err
				}
				if res.Message == confirmation.MsgNotFound {
					return fmt.Errorf("observation %s not found", args[0])
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded with the status change")
	return cmd
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check substrate server health",
		Long: `Check the health status of a running substrate server.

Examples:
  # Check health
  substrate health

  # Check health on a different server
  substrate health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/health", flags.serverURL)
			client := &http.Client{Timeout: 5 * time.Second}

			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", url, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, readErr := io.ReadAll(resp.Body)
				if readErr != nil {
					return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
				}
				return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
			}

			var health map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %v\n", health["status"])
			return nil
		},
	}
}
