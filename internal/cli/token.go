package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cometa-rocks/wsrelay/internal/auth"
	"github.com/cometa-rocks/wsrelay/internal/config"
	"github.com/cometa-rocks/wsrelay/internal/hub"
)

// TokenCmd returns the token command.
func TokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a handshake token for an identity",
		Long: `Print a signed token a client can present in its hello message when the
relay runs with JWT_SECRET. The secret defaults to the relay configuration.

Usage:
  relay token --user-id 1 --email me@example.com --department 3 --permission view_accounts`,
		RunE: runToken,
	}

	cmd.Flags().String("secret", "", "Signing secret (defaults to JWT_SECRET)")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	addIdentityFlags(cmd)

	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	secret, _ := cmd.Flags().GetString("secret")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	if secret == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		secret = cfg.JWTSecret
	}
	if secret == "" {
		return errors.New("no signing secret: pass --secret or set JWT_SECRET")
	}

	id := identityFromFlags(cmd)
	if err := hub.ValidateIdentity(id); err != nil {
		return err
	}

	token, err := auth.IssueToken(secret, id, ttl)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
