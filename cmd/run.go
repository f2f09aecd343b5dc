package cmd

import (
	"log"

	"github.com/DeftSolutions-dev/Discord-Voice-Logger-Bot/voicelog"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the voice logger bot and API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := voicelog.New(cfg)
		if err != nil {
			log.Fatalf("error creating voice logger: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running voice logger: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
