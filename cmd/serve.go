package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/securecookie"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/wodsched/internal/auth"
	"github.com/example/wodsched/internal/booking"
	"github.com/example/wodsched/internal/clock"
	"github.com/example/wodsched/internal/config"
	"github.com/example/wodsched/internal/db"
	"github.com/example/wodsched/internal/migrate"
	"github.com/example/wodsched/internal/nubapp"
	"github.com/example/wodsched/internal/store"
	"github.com/example/wodsched/internal/web"
)

func newServeCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the booking scheduler and the status dashboard",
		Long: `Runs booking cycles on a timer, respecting each class's booking window,
watches full classes for freed places, and serves the status dashboard.

Booked days and attempt history go to Postgres when WODSCHED_DATABASE_URL
is set, otherwise to the JSON state file from the config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			env, err := config.FromEnv()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log := slog.Default()

			var ledger booking.Ledger
			if env.DatabaseURL != "" {
				d, err := db.Open(ctx, env.DatabaseURL)
				if err != nil {
					return err
				}
				defer d.Close()
				if err := d.Ping(ctx); err != nil {
					return fmt.Errorf("db ping: %w", err)
				}
				if migrateUp {
					if err := migrate.Up(ctx, d); err != nil {
						return err
					}
				}
				ledger = store.NewPostgres(d)
				log.Info("using postgres ledger")
			} else {
				f, err := store.OpenFile(cfg.Serve.StateFile)
				if err != nil {
					return err
				}
				ledger = f
				log.Info("using state file ledger", "path", cfg.Serve.StateFile)
			}

			client, err := nubapp.New(nubapp.Config{
				BaseURL:            cfg.App.BaseURL,
				ApplicationID:      cfg.App.ApplicationID,
				CategoryActivityID: cfg.App.CategoryActivityID,
				Location:           cfg.Location(),
			})
			if err != nil {
				return err
			}

			exec := &booking.Executor{Ledger: ledger, Clock: clock.Real{}, Log: log.With("component", "executor")}
			board := booking.NewBoard(cfg)
			if recent, err := ledger.RecentAttempts(ctx, 50); err == nil {
				board.Hydrate(recent)
			} else {
				log.Warn("could not preload attempt history", "error", err)
			}

			orch := &booking.Orchestrator{
				Config:         cfg,
				Opener:         booking.NubappOpener(client),
				Exec:           exec,
				Ledger:         ledger,
				Board:          board,
				Clock:          clock.Real{},
				Log:            log.With("component", "orchestrator"),
				RespectWindows: true,
				CycleInterval:  cfg.Serve.CycleInterval.Std(),
				MaxConcurrent:  cfg.Serve.MaxConcurrent,
			}
			orch.Waitlist = booking.NewWaitlist(booking.WaitlistConfig{
				Sessions:    orch,
				Exec:        exec,
				Clock:       clock.Real{},
				Log:         log.With("component", "waitlist"),
				Interval:    cfg.Serve.WaitlistInterval.Std(),
				StillWanted: orch.StillWanted,
				OnAttempt: func(a booking.Attempt) {
					board.AddAttempt(a)
					if a.Outcome == booking.OutcomeBooked {
						board.MarkBookedTarget(a.Login, a.Day, a.At)
					}
				},
			})

			authStore, err := dashboardAuth(cfg, env)
			if err != nil {
				return err
			}
			ws := &web.Server{Auth: authStore, Status: orch, Log: log.With("component", "web")}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return orch.Run(ctx) })
			g.Go(func() error { return web.Start(ctx, log, env.ListenAddr, ws.Routes()) })

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info("shut down cleanly")
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}

// dashboardAuth builds the dashboard guard. Cookie keys are only demanded
// when a dashboard account is actually configured; an open dashboard gets
// throwaway keys since it never issues cookies.
func dashboardAuth(cfg config.Config, env config.Env) (*auth.Store, error) {
	if !cfg.Dashboard.Enabled() {
		return auth.NewStore(
			securecookie.GenerateRandomKey(32),
			securecookie.GenerateRandomKey(32),
			"", "",
		), nil
	}
	hashKey, blockKey, err := env.CookieKeys()
	if err != nil {
		return nil, err
	}
	return auth.NewStore(hashKey, blockKey, cfg.Dashboard.Username, cfg.Dashboard.PasswordHash), nil
}
