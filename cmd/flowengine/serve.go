package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/pkg/mcp"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	var sse bool

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"mcp"},
		Short:   "Serve the flow tools over MCP (stdio, or SSE with --sse)",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcp.NewFlowServer(mcp.FlowServerDeps{
				Service:   a.service,
				Validator: a.validator,
				Pieces:    a.pieces,
				Constants: a.cfg.Constants(),
				Version:   version,
				Logger:    a.logger,
			})

			ctx := cmd.Context()
			if !sse {
				return srv.Serve(ctx)
			}

			if err := writePIDFile(); err != nil {
				a.logger.WarnContext(ctx, "pid file not written; init cannot signal this server", "error", err)
			} else {
				defer os.Remove(pidPath())
			}
			stopReload := watchReload(ctx, root, a)
			defer stopReload()

			return srv.ServeSSE(ctx, a.cfg.ListenAddr, a.cfg.BaseURL)
		},
	}

	cmd.Flags().BoolVar(&sse, "sse", false, "serve SSE on the configured listen address instead of stdio")

	return cmd
}

func writePIDFile() error {
	if err := os.MkdirAll(filepath.Dir(pidPath()), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// watchReload re-reads the configuration on SIGHUP. Only the log level is
// applied live; other changes are logged as needing a restart.
func watchReload(ctx context.Context, root *rootFlags, a *app) func() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})

	go func() {
		current := a.cfg
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-hup:
				next, err := root.config()
				if err == nil {
					err = next.validate()
				}
				if err != nil {
					a.logger.ErrorContext(ctx, "config reload failed", "error", err)
					continue
				}
				current = applyReload(ctx, a.logger, a.level, current, next)
			}
		}
	}()

	return func() {
		signal.Stop(hup)
		close(done)
	}
}

// applyReload applies the live-reloadable part of next and returns the config
// now in effect.
func applyReload(ctx context.Context, logger *slog.Logger, level *slog.LevelVar, current, next Config) Config {
	d := diffConfigs(current, next)
	if d.LogLevelChanged {
		level.Set(logging.ParseLevel(next.LogLevel))
		current.LogLevel = next.LogLevel
		logger.InfoContext(ctx, "log level changed", "level", next.LogLevel)
	}
	if len(d.RestartNeeded) > 0 {
		logger.WarnContext(ctx, "config changes need a restart", "fields", d.RestartNeeded)
	}
	return current
}
