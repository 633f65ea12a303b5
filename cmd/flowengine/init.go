package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type initOptions struct {
	ListenAddr  string
	BaseURL     string
	PoolSize    int
	MaxAttempts int
	StepTimeout time.Duration
	RunTimeout  time.Duration
}

func newInitCmd(root *rootFlags) *cobra.Command {
	opts := initOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write settings.json and create the data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.OutOrStdout(), root, opts)
		},
	}

	def := defaultConfig()
	cmd.Flags().StringVar(&opts.ListenAddr, "listen-addr", def.ListenAddr, "TCP listen address for the SSE server")
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "", "public base URL (derived from listen-addr if empty)")
	cmd.Flags().IntVar(&opts.PoolSize, "pool-size", def.PoolSize, "batch worker pool size")
	cmd.Flags().IntVar(&opts.MaxAttempts, "max-attempts", def.MaxAttempts, "attempts per step when retryOnFailure is set")
	cmd.Flags().DurationVar(&opts.StepTimeout, "step-timeout", def.StepTimeout.Std(), "timeout for one piece action call")
	cmd.Flags().DurationVar(&opts.RunTimeout, "run-timeout", 0, "timeout for a whole run (0 = none)")

	return cmd
}

func runInit(out io.Writer, root *rootFlags, opts initOptions) error {
	cfg := defaultConfig()
	cfg.ListenAddr = opts.ListenAddr
	cfg.BaseURL = opts.BaseURL
	cfg.PoolSize = opts.PoolSize
	cfg.MaxAttempts = opts.MaxAttempts
	cfg.StepTimeout = Duration(opts.StepTimeout)
	cfg.RunTimeout = Duration(opts.RunTimeout)
	if root.dbPath != "" {
		cfg.DBPath = root.dbPath
	}
	if root.logLevel != "" {
		cfg.LogLevel = root.logLevel
	}
	if root.codeDir != "" {
		cfg.CodeDir = root.codeDir
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	path := root.configPath
	if path == "" {
		path = settingsPath()
	}
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(cfg.DBPath), cfg.CodeDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Fprintf(out, "Config written to %s\n", path)

	if pid, ok := signalRunningServer(); ok {
		fmt.Fprintf(out, "Signaled running server (PID %d) to reload configuration\n", pid)
	}
	return nil
}

// signalRunningServer sends SIGHUP to a running flowengine server (via pidfile).
func signalRunningServer() (int, bool) {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, false
	}
	return pid, true
}
