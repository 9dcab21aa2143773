package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/liuyunc/mkviewer/internal/app"
	"github.com/liuyunc/mkviewer/internal/config"
	"github.com/liuyunc/mkviewer/internal/logging"
)

var (
	configPath string
	verbose    bool
	asJSON     bool
	engine     *app.App
)

var rootCmd = &cobra.Command{
	Use:   "mkviewer-cli",
	Short: "Browse and search the document knowledge base",
	Long: `mkviewer-cli works against the same object store and search index as
the mkviewer server. Configuration comes from the file given with
--config (or MKVIEWER_CONFIG) and the usual environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if verbose {
			if err := logging.Init(logging.Config{Level: "debug", Format: "console", OutputPath: "stderr"}); err != nil {
				return err
			}
		} else {
			logging.InitNop()
		}

		path := configPath
		if path == "" {
			path = os.Getenv("MKVIEWER_CONFIG")
		}
		cfg, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		engine, err = app.New(cmd.Context(), cfg)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if engine == nil {
			return nil
		}
		err := engine.Close()
		engine = nil
		return err
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
}

// GetEngine returns the engine built for the running command.
func GetEngine() *app.App {
	return engine
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
