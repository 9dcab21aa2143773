package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liuyunc/mkviewer/pkg/protocol"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List previewable documents",
	Long: `List every Markdown, DOCX and DOC object under the configured prefix,
sorted case-insensitively.

Example:
  mkviewer-cli list`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, err := GetEngine().Docs.ListDocuments(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, protocol.DocumentListResponse{Documents: docs})
		}
		out := cmd.OutOrStdout()
		for _, d := range docs {
			fmt.Fprintf(out, "%-8s %s  %s\n", d.Type, d.Fingerprint, d.Key)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
