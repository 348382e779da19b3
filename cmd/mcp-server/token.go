package main

import (
	"fmt"
	"time"

	"github.com/agentuity/mcp-sse/authentication"
	"github.com/agentuity/mcp-sse/config"
	"github.com/agentuity/mcp-sse/env"
	"github.com/agentuity/mcp-sse/tui"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var errMissingSecret = errors.New("a shared secret is required (--secret or MCP_AUTH_SECRET)")

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the shared secret",
		Args:  cobra.NoArgs,
		RunE:  runToken,
	}
	cmd.Flags().String("secret", "", "shared secret (env MCP_AUTH_SECRET)")
	cmd.Flags().String("expires", "24h", "token lifetime such as 12h or 7d, 0 for none")
	return cmd
}

func runToken(cmd *cobra.Command, _ []string) error {
	secret := env.FlagOrEnv(cmd, "secret", "MCP_AUTH_SECRET", "")
	if secret == "" && tui.HasTTY {
		var err error
		if secret, err = tui.Password("Shared secret", "The MCP_AUTH_SECRET configured on the server"); err != nil {
			return errors.Wrap(err, "reading secret")
		}
	}
	if secret == "" {
		return errMissingSecret
	}

	expires, _ := cmd.Flags().GetString("expires")
	lifetime, err := config.ParseDuration(expires)
	if err != nil {
		return err
	}
	var opts []authentication.TokenOpt
	if lifetime > 0 {
		opts = append(opts, authentication.WithExpiration(time.Now().Add(lifetime)))
	}
	token, err := authentication.NewBearerToken(secret, opts...)
	if err != nil {
		return errors.Wrap(err, "minting token")
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	if lifetime > 0 {
		tui.ShowSuccess(cmd.ErrOrStderr(), "token valid for %s", lifetime)
	}
	return nil
}
