package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/wodsched/internal/auth"
)

func newKeysCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate dashboard cookie keys (and optionally a password hash)",
		RunE: func(cmd *cobra.Command, args []string) error {
			hash := make([]byte, 32)
			block := make([]byte, 32)
			if _, err := rand.Read(hash); err != nil {
				return err
			}
			if _, err := rand.Read(block); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "export WODSCHED_COOKIE_HASH_KEY=%s\n", base64.StdEncoding.EncodeToString(hash))
			fmt.Fprintf(os.Stdout, "export WODSCHED_COOKIE_BLOCK_KEY=%s\n", base64.StdEncoding.EncodeToString(block))

			if password != "" {
				h, err := auth.HashPassword(password)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "\n# dashboard section for the config file:\n")
				fmt.Fprintf(os.Stdout, "# dashboard:\n#   username: <pick one>\n#   password_hash: %q\n", h)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "also print a bcrypt hash of this dashboard password")
	return cmd
}
