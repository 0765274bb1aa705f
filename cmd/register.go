package cmd

import (
	"fmt"

	"github.com/duckyblender/duckgpt/duckgpt"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Overwrite the guild's slash commands, without starting the bot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := duckgpt.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		created, err := bot.RegisterCommands(cmd.Context())
		if err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}

		out := cmd.OutOrStdout()
		for _, c := range created {
			fmt.Fprintf(out, "registered /%s (id: %s)\n", c.Name, c.ID)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(registerCmd)
}
