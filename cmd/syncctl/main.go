// Package main provides syncctl, an operator CLI that runs reconciliation
// and reads against the live stores without going through the API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nft-state-sync/internal/app"
	"github.com/nft-state-sync/internal/config"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/ratelimit"
	"github.com/nft-state-sync/internal/storage"
	"github.com/nft-state-sync/internal/types"
	"github.com/nft-state-sync/internal/worker"
)

const programName = "syncctl"

var globalFlags = struct {
	debug   bool
	timeout time.Duration
}{}

// withApp loads the configuration, wires the components and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	level := logging.ParseLogLevel(cfg.Logging.Level)
	if globalFlags.debug {
		level = logging.LevelDebug
	}
	logger := logging.InitGlobalLogger(level, logging.ParseLogFormat(cfg.Logging.Format)).Component(programName)

	ctx, cancel := context.WithTimeout(cmd.Context(), globalFlags.timeout)
	defer cancel()

	a, err := app.Build(ctx, cfg, app.Options{Priority: ratelimit.PriorityLow, Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(logging.WithLogger(ctx, logger), a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func auditCommand() *cobra.Command {
	var manual bool
	cmd := &cobra.Command{
		Use:   "audit <contract>",
		Short: "Reconcile a collection against the chain and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason := types.ReasonPeriodicAudit
			if manual {
				reason = types.ReasonManualSync
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Reconciler.Handle(ctx, types.NewSyncTask(reason, args[0], "", time.Now()))
				if report != nil {
					if perr := printJSON(report); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&manual, "manual", false, "Also refresh the owner of every stored unlisted token")
	return cmd
}

func syncCommand() *cobra.Command {
	var listingID string
	cmd := &cobra.Command{
		Use:   "sync <contract> [tokenId]",
		Short: "Apply a listing event for one token and print the report",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenID := ""
			if len(args) == 2 {
				tokenID = args[1]
			}
			task := types.NewSyncTask(types.ReasonListingEvent, args[0], tokenID, time.Now())
			task.ListingID = listingID
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Reconciler.Handle(ctx, task)
				if report != nil {
					if perr := printJSON(report); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&listingID, "listing", "", "Marketplace listing id to resolve the token from")
	return cmd
}

func enqueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <contract>",
		Short: "Queue a manual sync for a worker to pick up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ticket, err := worker.Submit(ctx, a.Queue, a.Metrics, types.NewSyncTask(types.ReasonManualSync, args[0], "", time.Now()))
				if err != nil {
					return err
				}
				return printJSON(ticket)
			})
		},
	}
}

func mintedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "minted <contract>",
		Short: "Compare the minted count on chain with the stored records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := types.NewAssetKey(args[0], "0")
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				minted, err := a.Chain.GetMintedCount(ctx, key.ContractAddress)
				if err != nil {
					return err
				}
				stored, err := a.Store.Count(ctx, storage.Filter{ContractAddress: key.ContractAddress})
				if err != nil {
					return err
				}
				missing := new(big.Int).Sub(minted, big.NewInt(stored))
				if missing.Sign() < 0 {
					missing.SetInt64(0)
				}
				return printJSON(map[string]interface{}{
					"contractAddress": key.ContractAddress,
					"minted":          minted.String(),
					"stored":          stored,
					"missing":         missing.String(),
				})
			})
		},
	}
}

func assetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "asset <contract> <tokenId>",
		Short: "Read one asset through the user-facing pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := types.NewAssetKey(args[0], args[1])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				view := a.Reads.Asset(ctx, key)
				return printJSON(map[string]interface{}{
					"asset":      view.Value,
					"provenance": view.Provenance,
					"stale":      view.Stale,
				})
			})
		},
	}
}

func resolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <uri>...",
		Short: "Resolve metadata locators through the gateway list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				urls := a.Media.ResolveAll(ctx, args)
				resolved := make(map[string]string, len(args))
				for i, uri := range args {
					resolved[uri] = urls[i]
				}
				return printJSON(resolved)
			})
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Operate the NFT state sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&globalFlags.timeout, "timeout", 5*time.Minute, "overall deadline of the command")

	rootCmd.AddCommand(
		auditCommand(),
		syncCommand(),
		enqueueCommand(),
		mintedCommand(),
		assetCommand(),
		resolveCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		stop()
		os.Exit(1)
	}
}
