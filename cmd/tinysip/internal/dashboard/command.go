package dashboard

import (
	"github.com/spf13/cobra"
)

func NewDashboardCommand() *cobra.Command {
	var debug bool
	var once bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:     "dashboard",
		Aliases: []string{"d"},
		Short:   "Follow the dashboard over the best available transport",
		Args:    cobra.NoArgs,
		Example: `  tinysip dashboard
  tinysip dashboard --once`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return dashboardCmd(cmd.OutOrStdout(), debug, once, metricsAddr)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&once, "once", false, "Fetch one snapshot and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}
