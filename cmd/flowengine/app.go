package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/internal/isolation"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/internal/pieces"
	"github.com/rendis/flowengine/internal/sandbox"
	"github.com/rendis/flowengine/internal/secrets"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/internal/validation"
)

var errNoVault = errors.New("vault is disabled: set FLOWENGINE_VAULT_PASSPHRASE")

// app bundles the long-lived services one command invocation needs.
type app struct {
	cfg       Config
	level     *slog.LevelVar
	logger    *slog.Logger
	store     *store.LibSQLStore
	vault     secrets.Vault
	pieces    *pieces.Registry
	validator *validation.FlowValidator
	engine    *engine.Engine
	service   *engine.Service
}

// newApp wires the store, vault, piece registry, validator, sandbox and
// engine from cfg. Callers must Close the app.
func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(logOut, level)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(dbURI(cfg.DBPath))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, level: level, logger: logger, store: st}
	if err := a.wire(); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	if a.cfg.VaultPassphrase != "" {
		v, err := secrets.NewAESVault(a.store, secrets.VaultConfig{Passphrase: a.cfg.VaultPassphrase})
		if err != nil {
			return err
		}
		a.vault = v
	}

	a.pieces = pieces.NewRegistry()
	if err := pieces.RegisterCore(a.pieces, pieces.HTTPConfig{DefaultTimeout: a.cfg.StepTimeout.Std()}); err != nil {
		return err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	if a.validator, err = validation.NewFlowValidator(a.pieces, cel); err != nil {
		return err
	}

	limits := isolation.ResourceLimits{
		Timeout:      a.cfg.CodeTimeout.Std(),
		AllowNetwork: a.cfg.AllowNetwork,
	}
	if a.cfg.CodeDir != "" {
		limits.ModuleRoots = []string{a.cfg.CodeDir}
	}
	scratch := filepath.Join(filepath.Dir(a.cfg.DBPath), "scratch")
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	processOpts := append([]sandbox.ProcessOption{sandbox.WithScratchDir(scratch)}, a.cfg.processOptions()...)
	process := sandbox.NewProcessRunner(isolation.NewIsolator(a.logger), limits, processOpts...)
	code := sandbox.NewRouter(sandbox.NewLuaRunner(a.cfg.CodeTimeout.Std()), process)

	opts := []engine.Option{
		engine.WithPieces(a.pieces),
		engine.WithCodeRunner(code),
		engine.WithInputValidator(a.validator),
		engine.WithEventLog(store.NewEventLog(a.store)),
		engine.WithLogger(a.logger),
		engine.WithCircuitBreaker(engine.DefaultCircuitBreakerConfig()),
	}
	if a.vault != nil {
		opts = append(opts, engine.WithVault(a.vault))
	}
	if a.engine, err = engine.New(opts...); err != nil {
		return err
	}
	a.service = engine.NewService(a.engine, a.store, a.logger, engine.WithFlowChecker(a.validator))
	return nil
}

// requireVault fails commands that manage connections when no passphrase is set.
func (a *app) requireVault() (secrets.Vault, error) {
	if a.vault == nil {
		return nil, errNoVault
	}
	return a.vault, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func dbURI(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}
