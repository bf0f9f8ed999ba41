package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/example/wodsched/internal/config"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "wodsched",
		Short: "Books recurring gym classes for the whole household",
		Long: `wodsched logs in to a nubapp-based gym booking site with each configured
user's credentials and books their weekly classes: one-shot with "book",
or continuously with "serve", which also watches full classes for freed
places and serves a status dashboard.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
			lvl := slog.LevelInfo
			if env, err := config.FromEnv(); err == nil && strings.EqualFold(env.LogLevel, "debug") {
				lvl = slog.LevelDebug
			}
			if verbose {
				lvl = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
		},
	}

	root.PersistentFlags().StringP("config", "c", "wodsched.yaml", "path to the YAML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newBookCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newDiscoverCmd())

	return root
}

// loadConfig reads the config file named by the persistent --config flag.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(path)
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
