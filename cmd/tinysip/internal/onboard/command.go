package onboard

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/tinysip/cmd/tinysip/internal"
	"github.com/tinyland-inc/tinysip/pkg/config"
)

func NewOnboardCommand() *cobra.Command {
	var force bool
	var apiBase, wsURL string

	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		Example: `  tinysip onboard
  tinysip onboard --api-base https://chat.example/api --ws-url wss://chat.example/ws/events`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := internal.GetConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}

			cfg := config.DefaultConfig()
			if apiBase != "" {
				cfg.Server.APIBase = apiBase
			}
			if wsURL != "" {
				cfg.Server.WSURL = wsURL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.SaveConfig(path, cfg); err != nil {
				return fmt.Errorf("error saving config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s Config written to %s\n", internal.Logo, path)
			fmt.Fprintln(cmd.OutOrStdout(), "Set TINYSIP_TOKEN or run `tinysip login` to get a session token.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	cmd.Flags().StringVar(&apiBase, "api-base", "", "Request API base URL")
	cmd.Flags().StringVar(&wsURL, "ws-url", "", "Push channel websocket URL")

	return cmd
}
