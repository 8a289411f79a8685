package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/tinyland-inc/tinysip/cmd/tinysip/internal"
	"github.com/tinyland-inc/tinysip/pkg/client"
)

func NewLoginCommand() *cobra.Command {
	var sipURI, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange SIP credentials for a session token",
		Args:  cobra.NoArgs,
		Example: `  tinysip login --user sip:alice@example.com
  export TINYSIP_TOKEN=$(tinysip login --user sip:alice@example.com --password secret --quiet)`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sipURI == "" {
				return errors.New("--user is required")
			}
			if password == "" {
				pw, err := readPassword()
				if err != nil {
					return err
				}
				password = pw
			}

			cfg, err := internal.LoadConfig()
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			c, err := client.New(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Request.Timeout.Std())
			defer cancel()
			cred, err := c.Login(ctx, sipURI, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			quiet, _ := cmd.Flags().GetBool("quiet")
			if quiet {
				fmt.Fprintln(cmd.OutOrStdout(), cred.Token)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Logged in as %s\n", internal.Logo, cred.UserID)
			if !cred.ExpiresAt.IsZero() {
				fmt.Fprintf(cmd.OutOrStdout(), "  Expires: %s\n", cred.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  export TINYSIP_TOKEN=%s\n", cred.Token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sipURI, "user", "u", "", "SIP URI to log in as")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (prompted when empty)")
	cmd.Flags().BoolP("quiet", "q", false, "Print only the token")

	return cmd
}

func readPassword() (string, error) {
	rl, err := readline.New("")
	if err != nil {
		return "", fmt.Errorf("error initializing readline: %w", err)
	}
	defer rl.Close()

	pw, err := rl.ReadPassword("Password: ")
	if err != nil {
		return "", err
	}
	return string(pw), nil
}
