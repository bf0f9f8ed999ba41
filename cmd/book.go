package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/wodsched/internal/booking"
	"github.com/example/wodsched/internal/clock"
	"github.com/example/wodsched/internal/config"
	"github.com/example/wodsched/internal/nubapp"
	"github.com/example/wodsched/internal/schedule"
	"github.com/example/wodsched/internal/store"
)

func newBookCmd() *cobra.Command {
	var (
		login    string
		password string
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "book [day ...]",
		Short: "Book the configured classes right now and exit",
		Long: `Runs one booking pass for every configured user and exits. Booking windows
are ignored: whatever the platform lets you book now gets booked now. Name
weekdays to restrict the pass, or use --user to book for a single login.

Exits non-zero when any attempt fails on auth or on the network, so cron
and systemd timers notice.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			days, err := normalizeDays(cfg, args)
			if err != nil {
				return err
			}
			if err := narrowUsers(&cfg, login, password, days); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			client, err := nubapp.New(nubapp.Config{
				BaseURL:            cfg.App.BaseURL,
				ApplicationID:      cfg.App.ApplicationID,
				CategoryActivityID: cfg.App.CategoryActivityID,
				Location:           cfg.Location(),
			})
			if err != nil {
				return err
			}

			// One-shot runs leave dedup to the platform; only serve mode
			// carries a durable ledger.
			ledger := store.NewMemory()
			exec := &booking.Executor{Ledger: ledger, Clock: clock.Real{}, DryRun: dryRun}
			orch := &booking.Orchestrator{
				Config:        cfg,
				Opener:        booking.NubappOpener(client),
				Exec:          exec,
				Ledger:        ledger,
				Board:         booking.NewBoard(cfg),
				Clock:         clock.Real{},
				MaxConcurrent: cfg.Serve.MaxConcurrent,
			}
			orch.Waitlist = booking.NewWaitlist(booking.WaitlistConfig{
				Sessions:    orch,
				Exec:        exec,
				Clock:       clock.Real{},
				Interval:    cfg.Serve.WaitlistInterval.Std(),
				StillWanted: orch.StillWanted,
			})

			orch.RunCycle(ctx)

			return reportCycle(ctx, cmd.OutOrStdout(), ledger, orch.Snapshot())
		},
	}

	cmd.Flags().StringVarP(&login, "user", "u", "", "book only for this login (may be outside the config file)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password for --user when it is not in the config file")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "log in and match slots, but do not book")
	return cmd
}

// normalizeDays validates positional day arguments against configured slots.
func normalizeDays(cfg config.Config, args []string) ([]string, error) {
	var days []string
	for _, a := range args {
		day := strings.ToLower(strings.TrimSpace(a))
		if _, err := schedule.ParseWeekday(day); err != nil {
			return nil, err
		}
		if _, ok := cfg.Pref(day); !ok {
			return nil, fmt.Errorf("no slot configured for %s", day)
		}
		days = append(days, day)
	}
	return days, nil
}

// narrowUsers restricts cfg.Users to what the flags and day arguments ask
// for. An unknown --user login books ad hoc with explicit password and days.
func narrowUsers(cfg *config.Config, login, password string, days []string) error {
	if login == "" {
		if len(days) == 0 {
			return nil
		}
		var kept []config.User
		for _, u := range cfg.Users {
			mine := intersect(cfg.DaysOf(u), days)
			if len(mine) == 0 {
				continue
			}
			u.Days = mine
			kept = append(kept, u)
		}
		if len(kept) == 0 {
			return fmt.Errorf("no configured user wants %s", strings.Join(days, ", "))
		}
		cfg.Users = kept
		return nil
	}

	if u, ok := cfg.UserByLogin(login); ok {
		if password != "" {
			u.Password = password
		}
		if len(days) > 0 {
			u.Days = days
		}
		cfg.Users = []config.User{u}
		return nil
	}
	if password == "" {
		return fmt.Errorf("login %s is not in the config file, --password is required", login)
	}
	if len(days) == 0 {
		return fmt.Errorf("login %s is not in the config file, name the days to book", login)
	}
	cfg.Users = []config.User{{Name: login, Login: login, Password: password, Days: days}}
	return nil
}

func intersect(have, want []string) []string {
	var out []string
	for _, h := range have {
		for _, w := range want {
			if h == w {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

// reportCycle prints one line per attempt and flags the run as failed when
// anything went wrong that a retry could fix.
func reportCycle(ctx context.Context, w io.Writer, ledger booking.Ledger, snap booking.Snapshot) error {
	attempts, err := ledger.RecentAttempts(ctx, 0)
	if err != nil {
		return err
	}

	var failed int
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		line := fmt.Sprintf("%-16s %s %s %s", a.Outcome, a.Login, a.Day, schedule.DateKey(a.Date))
		if a.Reason != "" {
			line += "  (" + a.Reason + ")"
		}
		fmt.Fprintln(w, line)
		if a.Outcome == booking.OutcomeAuthFailed || a.Outcome == booking.OutcomeTransient {
			failed++
		}
	}
	for _, u := range snap.Users {
		for _, ts := range u.Targets {
			if ts.State == "blocked" || ts.State == "error" {
				fmt.Fprintf(w, "%-16s %s %s  (%s)\n", ts.State, u.Login, ts.Day, ts.Detail)
				failed++
			}
		}
	}
	for _, e := range snap.Waiting {
		fmt.Fprintf(w, "%-16s %s %s %s  (class full, serve mode keeps watching)\n",
			"waiting_list", e.Login, e.Day, schedule.DateKey(e.Date))
	}

	if failed > 0 {
		return fmt.Errorf("%d booking attempts failed", failed)
	}
	return nil
}
