package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/anyulbade/vpos-engine/internal/app"
	"github.com/anyulbade/vpos-engine/internal/config"
	"github.com/anyulbade/vpos-engine/internal/service"
)

// withApp loads the configuration, builds the engine and hands it to fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (any, error)) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.RepoBackend == "memory" {
		return fmt.Errorf("posctl needs the postgres backend; REPO_BACKEND is memory")
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reconcileCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
		abandoned time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reconcile [payment-id]",
		Short: "Query the bank for unresolved payments",
		Long: `Without an argument, reconciles every UNKNOWN or SUBMITTED payment last
touched before --older-than and fails 3-D Secure sessions abandoned for
longer than --abandoned-3ds. With a payment id, reconciles that payment only.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				if len(args) == 1 {
					txn, err := a.Reconcile.Reconcile(ctx, args[0])
					if err != nil {
						return nil, err
					}
					return map[string]string{"id": txn.ID, "status": string(txn.Status)}, nil
				}

				report, err := a.Reconcile.ReconcilePending(ctx, olderThan, limit)
				if err != nil {
					return nil, err
				}
				expired, err := a.Reconcile.ExpireAbandoned3DS(ctx, abandoned, limit)
				if err != nil {
					return nil, err
				}
				return struct {
					Reconciled service.ReconcileReport `json:"reconciled"`
					Expired3DS int                     `json:"expired_3ds"`
				}{report, expired}, nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 2*time.Minute, "only payments idle at least this long")
	cmd.Flags().DurationVar(&abandoned, "abandoned-3ds", 30*time.Minute, "fail 3-D Secure sessions idle this long")
	cmd.Flags().IntVarP(&limit, "limit", "n", 500, "maximum payments per pass")
	return cmd
}

func expireHoldsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "expire-holds",
		Short: "Release pre-authorizations past their capture deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Holds.ExpireHolds(ctx, time.Now(), limit)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 500, "maximum holds per pass")
	return cmd
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-idempotency",
		Short: "Delete idempotency keys past their retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				n, err := a.Guard.Purge(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]int64{"purged": n}, nil
			})
		},
	}
}
