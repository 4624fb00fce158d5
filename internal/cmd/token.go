package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/zfogg/livecache/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user>",
	Short: "Issue a bearer token for a user",
	Long:  "Issue a bearer token signed with server.jwt_secret, for testing the API and --remote watches.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Server.JWTSecret == "" {
			return errors.New("server.jwt_secret is not configured")
		}
		tokens, err := auth.NewTokens([]byte(cfg.Server.JWTSecret), cfg.Server.TokenTTL)
		if err != nil {
			return err
		}
		token, expires, err := tokens.Issue(args[0])
		if err != nil {
			return err
		}
		return printResult(map[string]interface{}{"token": token, "expires_at": expires}, func() {
			printInfo("%s", token)
			printSuccess("valid until %s", expires.Format(time.RFC3339))
		})
	},
}
