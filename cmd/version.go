package cmd

import (
	"fmt"

	"github.com/DeftSolutions-dev/Discord-Voice-Logger-Bot/voicelog"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			voicelog.Version,
			voicelog.CommitSHA,
			voicelog.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
