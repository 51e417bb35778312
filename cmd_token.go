package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"relay-service/internal/auth"
)

var tokenTTL time.Duration

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

// tokenCmd signs development tokens with the configured secret.
var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Print a signed session token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		tok, err := auth.NewToken(cfg.Auth.JWTSecret, args[0], tokenTTL)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}
