package cmd

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/duckyblender/duckgpt/duckgpt"
	"github.com/spf13/cobra"
)

var checkModels bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models offered by /llm",
	Long: "List the models offered by /llm. With --check, the ollama server " +
		"is asked which of them are installed.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var missing []string
		if checkModels {
			var err error
			missing, err = duckgpt.MissingModels(cmd.Context(), cfg.Ollama)
			if err != nil {
				return fmt.Errorf("error checking models: %w", err)
			}
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		if checkModels {
			fmt.Fprintln(w, "NAME\tIDENTIFIER\tINSTALLED")
		} else {
			fmt.Fprintln(w, "NAME\tIDENTIFIER")
		}
		for _, m := range duckgpt.Models() {
			if !checkModels {
				fmt.Fprintf(w, "%s\t%s\n", m, m.Identifier())
				continue
			}
			fmt.Fprintf(
				w,
				"%s\t%s\t%t\n",
				m,
				m.Identifier(),
				!slices.Contains(missing, m.Identifier()),
			)
		}
		return w.Flush()
	},
}

//nolint:gochecknoinits
func init() {
	modelsCmd.Flags().BoolVar(
		&checkModels,
		"check",
		false,
		"check which models are installed on the ollama server",
	)
	rootCmd.AddCommand(modelsCmd)
}
