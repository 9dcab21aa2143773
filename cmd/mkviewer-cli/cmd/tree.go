package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liuyunc/mkviewer/pkg/models"
	"github.com/liuyunc/mkviewer/pkg/protocol"
	"github.com/liuyunc/mkviewer/pkg/tree"
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Display the document tree",
	Long: `Display the navigation tree: directories first, then files, each
sorted case-insensitively.

Example:
  mkviewer-cli tree`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e := GetEngine()
		root, _, err := e.Docs.Tree(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			dirs, files := tree.CountNodes(root)
			return printJSON(cmd, protocol.TreeResponse{Prefix: e.Docs.Prefix(), Root: root, Dirs: dirs, Files: files})
		}

		out := cmd.OutOrStdout()
		tree.Walk(root, tree.Visitor{
			EnterDir: func(node *models.TreeNode, depth int) {
				fmt.Fprintf(out, "%s%s/\n", strings.Repeat("  ", depth), node.Name)
			},
			File: func(key string, depth int) {
				fmt.Fprintf(out, "%s%s\n", strings.Repeat("  ", depth), models.TitleOf(key))
			},
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(treeCmd)
}
