package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liuyunc/mkviewer/pkg/protocol"
)

var urlCmd = &cobra.Command{
	Use:   "url <key>",
	Short: "Print a time-limited download link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e := GetEngine()
		url, err := e.Docs.DownloadURL(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, protocol.DownloadResponse{
				Key:       args[0],
				URL:       url,
				ExpiresIn: int64(e.Docs.PresignTTL().Seconds()),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), url)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(urlCmd)
}
