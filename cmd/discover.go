package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/wodsched/internal/config"
	"github.com/example/wodsched/internal/nubapp"
)

func newDiscoverCmd() *cobra.Command {
	var (
		login    string
		password string
		appID    string
		baseURL  string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List the activity categories your gym account can see",
		Long: `Logs in and prints every activity category with its id, so you can fill
category_activity_id in the config file. Works before the config file is
complete: pass --application-id and credentials directly if needed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The config file is optional here; discover is how you build it.
			cfg, cfgErr := loadConfig(cmd)
			if cfgErr == nil {
				if baseURL == "" {
					baseURL = cfg.App.BaseURL
				}
				if appID == "" {
					appID = cfg.App.ApplicationID
				}
				if login == "" && len(cfg.Users) > 0 {
					login = cfg.Users[0].Login
					if password == "" {
						password = cfg.Users[0].Password
					}
				}
			}
			if baseURL == "" {
				baseURL = config.DefaultBaseURL
			}
			if appID == "" {
				return fmt.Errorf("application id unknown: pass --application-id or point --config at a config file")
			}
			if login == "" || password == "" {
				return fmt.Errorf("credentials unknown: pass --user and --password or configure a user")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, 30*time.Second)
			defer cancelTimeout()

			client, err := nubapp.New(nubapp.Config{
				BaseURL:       baseURL,
				ApplicationID: appID,
			})
			if err != nil {
				return err
			}

			sess, err := client.Open(ctx, login, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (user id %s, application %s)\n\n",
				sess.Login(), sess.UserID(), sess.ApplicationID())

			cats, err := sess.Categories(ctx)
			if err != nil {
				return err
			}
			if len(cats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no activity categories visible to this account")
				return nil
			}
			for _, c := range cats {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", c.ID, c.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&login, "user", "u", "", "login to authenticate with (default: first configured user)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password for --user")
	cmd.Flags().StringVar(&appID, "application-id", "", "gym application id (default: from the config file)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "platform base URL (default: from the config file)")
	return cmd
}
