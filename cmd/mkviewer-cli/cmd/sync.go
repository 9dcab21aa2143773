package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liuyunc/mkviewer/pkg/protocol"
)

var syncForce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the search index with storage",
	Long: `Delete indexed documents that are no longer in storage and index new
or changed ones. --force reindexes every document.

Examples:
  mkviewer-cli sync
  mkviewer-cli sync --force`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := GetEngine().Sync(cmd.Context(), syncForce)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, protocol.SyncResponse{SyncOutcome: *out, Message: out.Message()})
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.Message())
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVarP(&syncForce, "force", "f", false, "reindex unchanged documents too")
	rootCmd.AddCommand(syncCmd)
}
