// vibestation - remote coding-agent station
//
// Bridges a coding agent's event stream to operators on Telegram and a
// companion web app, with at-least-once delivery through a persistent
// outbox.

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nyxandro/remote-vibe-station-sub000/cmd/vibestation/internal/gateway"
	"github.com/nyxandro/remote-vibe-station-sub000/cmd/vibestation/internal/version"
)

func NewVibestationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "vibestation",
		Short:   "Remote coding-agent station",
		Example: "vibestation gateway",
	}

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewVibestationCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
