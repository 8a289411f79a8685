package events

import (
	"github.com/spf13/cobra"
)

func NewEventsCommand() *cobra.Command {
	var debug bool
	var metricsAddr string
	var kinds []string

	cmd := &cobra.Command{
		Use:     "events",
		Aliases: []string{"e"},
		Short:   "Connect the push channel and print incoming events",
		Args:    cobra.NoArgs,
		Example: `  tinysip events
  tinysip events --kind MESSAGE_RECEIVED --kind INCOMING_CALL
  tinysip events --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return eventsCmd(cmd.OutOrStdout(), debug, metricsAddr, kinds)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().StringSliceVarP(&kinds, "kind", "k", nil, "Only print these event kinds (default: all known kinds)")

	return cmd
}
