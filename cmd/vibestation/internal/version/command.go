package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nyxandro/remote-vibe-station-sub000/cmd/vibestation/internal"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("vibestation %s", internal.GetVersion())
			if commit := internal.GetGitCommit(); commit != "" {
				fmt.Printf(" (git: %s)", commit)
			}
			fmt.Println()
		},
	}
}
