package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liuyunc/mkviewer/pkg/protocol"
)

var showHTML bool

var showCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print a converted document",
	Long: `Fetch, convert and print one document. The plain text is printed by
default; --html prints the preview markup instead.

Examples:
  mkviewer-cli show guides/install.md
  mkviewer-cli show reports/2023.docx --html`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entry, err := GetEngine().Docs.Get(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, protocol.DocumentResponse{
				Key:         entry.Key,
				Fingerprint: entry.Fingerprint,
				Type:        entry.Type,
				Text:        entry.Text,
				HTML:        entry.Render,
			})
		}
		if showHTML {
			fmt.Fprintln(cmd.OutOrStdout(), entry.Render)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), entry.Text)
		return nil
	},
}

func init() {
	showCmd.Flags().BoolVar(&showHTML, "html", false, "print the HTML preview")
	rootCmd.AddCommand(showCmd)
}
