package chat

import (
	"github.com/spf13/cobra"
)

func NewChatCommand() *cobra.Command {
	var debug bool
	var session string

	cmd := &cobra.Command{
		Use:     "chat",
		Aliases: []string{"c"},
		Short:   "Interactive chat and call console",
		Args:    cobra.NoArgs,
		Example: `  tinysip chat
  tinysip chat --session 8c1f0d`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return chatCmd(debug, session)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVarP(&session, "session", "s", "", "Session to open on start")

	return cmd
}
