// Package main provides the ledger gateway entry point. The gateway relays
// contract calls for clients without a connected signer of their own.
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxledger/internal/app"
	"github.com/drfirst/go-rxledger/internal/ledger/backend"
	"github.com/drfirst/go-rxledger/internal/ledger/memchain"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
)

const serviceName = "ledger-gateway"

func main() {
	var sender string
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Serve the ledger fallback API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := app.SignalContext()
			defer stop()
			return run(ctx, sender)
		},
	}
	rootCmd.Flags().StringVar(&sender, "sender", "0x00000000000000000000000000000000000000b0", "address gateway transactions are sent from")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, sender string) error {
	rt, err := app.New(ctx, serviceName)
	if err != nil {
		return err
	}
	defer rt.Close()

	keys := rt.Config.GatewayKeyMap()
	if len(keys) == 0 {
		return errors.New("GATEWAY_API_KEYS is required")
	}

	chain := memchain.New(sender)
	srv := backend.NewServer(chain, rt.Logger).WithSigners(chain.Signer)

	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler(rt.Registry))
	r.Mount("/", srv.Routes(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, app.NewServer(rt.Config.Port, r), rt.Logger)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				rt.Logger.Debug("ledger state", zap.Int("prescriptions", chain.Len()))
			}
		}
	})

	rt.Logger.Info("starting ledger gateway",
		zap.String("port", rt.Config.Port),
		zap.String("sender", sender),
		zap.Int("clients", len(keys)))
	if err := g.Wait(); err != nil {
		rt.Logger.Error("gateway error", zap.Error(err))
		return err
	}
	return nil
}
