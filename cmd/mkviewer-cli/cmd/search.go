package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liuyunc/mkviewer/pkg/protocol"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over indexed documents",
	Long: `Search document content. Matches are shown with highlighted fragments,
or a snippet around the first match when the backend returns none.

Example:
  mkviewer-cli search "install guide"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		hits, err := GetEngine().Search.Search(cmd.Context(), query)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, protocol.SearchResponse{Query: query, Hits: hits})
		}

		out := cmd.OutOrStdout()
		if len(hits) == 0 {
			fmt.Fprintln(out, "No results found")
			return nil
		}
		for _, h := range hits {
			fmt.Fprintf(out, "%6.2f  %s\n", h.Score, h.Key)
			for _, f := range h.Fragments {
				fmt.Fprintf(out, "        %s\n", f)
			}
			if h.Snippet != "" {
				fmt.Fprintf(out, "        %s\n", h.Snippet)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
}
