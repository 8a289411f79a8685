// TinySIP - Realtime chat and call client for SIP messaging servers
// License: MIT
//
// Copyright (c) 2026 TinySIP contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/tinysip/cmd/tinysip/internal"
	"github.com/tinyland-inc/tinysip/cmd/tinysip/internal/chat"
	"github.com/tinyland-inc/tinysip/cmd/tinysip/internal/dashboard"
	"github.com/tinyland-inc/tinysip/cmd/tinysip/internal/events"
	"github.com/tinyland-inc/tinysip/cmd/tinysip/internal/login"
	"github.com/tinyland-inc/tinysip/cmd/tinysip/internal/onboard"
	"github.com/tinyland-inc/tinysip/cmd/tinysip/internal/version"
)

func NewTinysipCommand() *cobra.Command {
	short := fmt.Sprintf("%s tinysip - realtime chat and call client v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:          "tinysip",
		Short:        short,
		Example:      "tinysip events",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&internal.ConfigPath, "config", "c", "",
		"Config file path (default: ~/.tinysip/config.json)")

	cmd.AddCommand(
		onboard.NewOnboardCommand(),
		login.NewLoginCommand(),
		events.NewEventsCommand(),
		chat.NewChatCommand(),
		dashboard.NewDashboardCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewTinysipCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
