package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/infra/api"
	pg "entitlement-service/internal/infra/db/postgres"
	"entitlement-service/internal/infra/metrics"
	"entitlement-service/internal/infra/sched"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(flags *rootFlags) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook endpoint, effect relay and sweepers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			metrics.MustRegister()
			metrics.SetBuildInfo(version, commit)

			a, closeFn, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			if migrate {
				if err := pg.Migrate(ctx, a.pool); err != nil {
					return err
				}
				logger.Info().Msg("migrations applied")
			}

			// Workers outlive ctx so in-flight effects finish during shutdown.
			a.workers.Start(context.Background())
			defer a.workers.Stop()

			srv := a.httpServer()
			reconciler := sched.NewPaymentReconciler(a.reconcile, cfg.Reconcile, logger)
			watcher := sched.NewSubscriptionWatcher(cfg.Reconcile, a.subs, a.outbox, a.pool, logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info().Str("addr", srv.Addr).Msg("http server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return a.relay.Run(gctx) })
			g.Go(func() error { return reconciler.Run(gctx) })
			g.Go(func() error { return watcher.Run(gctx) })

			err = g.Wait()
			logger.Info().Msg("shutting down")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply migrations before serving")
	return cmd
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			pool, err := pg.Connect(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := pg.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			logger.Info().Msg("migrations applied")
			return nil
		},
	}
}

func newReconcileCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one stale purchase and refund repair sweep, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, closeFn, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			stale, refunds := sched.NewPaymentReconciler(a.reconcile, cfg.Reconcile, logger).RunOnce(cmd.Context())
			// Effects enqueued by the sweep are delivered by the next serve process.
			fmt.Fprintf(cmd.OutOrStdout(), "stale purchases reconciled: %d\nrefunds repaired: %d\n", stale, refunds)
			return nil
		},
	}
}

func newSeedCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert a demo program catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			pool, err := pg.Connect(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()

			programs := pg.NewProgramRepo(pool)
			for _, p := range demoPrograms(time.Now().UTC()) {
				if err := programs.Save(cmd.Context(), nil, p); err != nil {
					return fmt.Errorf("seed %s: %w", p.ID, err)
				}
				logger.Info().Str("program_id", p.ID).Msg("program seeded")
			}
			return nil
		},
	}
}

func demoPrograms(now time.Time) []*model.Program {
	premium := model.TierPremium
	elite := model.TierElite
	return []*model.Program{
		{ID: "prog-strength-101", Title: "Strength Foundations", Price: 2900, Currency: "usd", CreatedAt: now},
		{ID: "prog-mobility", Title: "Daily Mobility", Price: 1900, Currency: "usd", RequiredTier: &premium, CreatedAt: now},
		{ID: "prog-marathon", Title: "Marathon Build", Price: 4900, Currency: "usd", RequiredTier: &elite, CreatedAt: now},
	}
}

func newTokenCmd(flags *rootFlags) *cobra.Command {
	var (
		email string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			tok, err := api.NewAuthenticator(cfg.Auth.JWTSecret).Mint(args[0], email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
