package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	dbPath     string
	logLevel   string
	codeDir    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "flowengine",
		Short:         "flowengine runs workflow automations defined as step chains",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "settings file (default ~/.flowengine/settings.json)")
	cmd.PersistentFlags().StringVar(&flags.dbPath, "db-path", "", "database path")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&flags.codeDir, "code-dir", "", "directory holding one module directory per CODE step")

	cmd.AddCommand(newInitCmd(flags))
	cmd.AddCommand(newValidateCmd(flags))
	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newTestStepCmd(flags))
	cmd.AddCommand(newResumeCmd(flags))
	cmd.AddCommand(newRetryCmd(flags))
	cmd.AddCommand(newRunsCmd(flags))
	cmd.AddCommand(newBatchCmd(flags))
	cmd.AddCommand(newDiagramCmd(flags))
	cmd.AddCommand(newPiecesCmd(flags))
	cmd.AddCommand(newSecretsCmd(flags))
	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// config loads the layered configuration and applies explicit flags on top.
func (f *rootFlags) config() (Config, error) {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.dbPath != "" {
		cfg.DBPath = f.dbPath
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.codeDir != "" {
		cfg.CodeDir = f.codeDir
	}
	return cfg, nil
}

// open builds the app for one command. Logs go to the command's stderr so
// stdout carries only results.
func (f *rootFlags) open(cmd *cobra.Command) (*app, error) {
	cfg, err := f.config()
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
