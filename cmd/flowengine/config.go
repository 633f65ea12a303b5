package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/pieces"
	"github.com/rendis/flowengine/internal/sandbox"
	"github.com/rendis/flowengine/pkg/schema"
)

// Config holds all flowengine configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string   `json:"listen_addr" validate:"required"`
	BaseURL       string   `json:"base_url" validate:"omitempty,url"`
	DBPath        string   `json:"db_path" validate:"required"`
	LogLevel      string   `json:"log_level" validate:"oneof=debug info warn warning error"`
	PoolSize      int      `json:"pool_size" validate:"min=1,max=256"`
	CodeDir       string   `json:"code_dir"`
	StepTimeout   Duration `json:"step_timeout" validate:"min=0"`
	RunTimeout    Duration `json:"run_timeout" validate:"min=0"`
	CodeTimeout   Duration `json:"code_timeout" validate:"min=0"`
	MaxAttempts   int      `json:"max_attempts" validate:"min=1,max=20"`
	RetryInterval Duration `json:"retry_interval" validate:"min=0"`
	AllowNetwork  bool     `json:"allow_network"`

	// Interpreters overrides the command per script language, e.g.
	// {"python": ["python3.12", "-I"]}.
	Interpreters map[string][]string `json:"interpreters,omitempty" validate:"dive,keys,oneof=python javascript shell,endkeys,min=1,dive,required"`

	// VaultPassphrase is read from the environment only and never written to disk.
	VaultPassphrase string `json:"-"`
}

// Duration is a time.Duration that reads and writes as "30s" in settings.json.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or nanoseconds: %s", b)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func defaultConfig() Config {
	return Config{
		ListenAddr:    ":4100",
		DBPath:        filepath.Join(flowengineDir(), "flowengine.db"),
		LogLevel:      "info",
		PoolSize:      10,
		CodeDir:       filepath.Join(flowengineDir(), "code"),
		StepTimeout:   Duration(30 * time.Second),
		CodeTimeout:   Duration(10 * time.Second),
		MaxAttempts:   engine.DefaultMaxAttempts,
		RetryInterval: Duration(engine.DefaultRetryInterval),
	}
}

func flowengineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowengine"
	}
	return filepath.Join(home, ".flowengine")
}

func settingsPath() string {
	return filepath.Join(flowengineDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(flowengineDir(), "flowengine.pid")
}

// loadConfig layers defaults, the settings file at path and FLOWENGINE_* env
// vars. A missing settings file is not an error; a malformed one is.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, schema.NewErrorf(schema.ErrCodeValidation, "invalid settings file %s: %v", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read settings: %w", err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup("FLOWENGINE_" + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup("FLOWENGINE_" + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "FLOWENGINE_%s: %q is not a number", name, v)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *Duration) error {
		v, ok := lookup("FLOWENGINE_" + name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "FLOWENGINE_%s: %v", name, err)
		}
		*dst = Duration(d)
		return nil
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("BASE_URL", &cfg.BaseURL)
	str("SERVER_URL", &cfg.BaseURL)
	str("DB_PATH", &cfg.DBPath)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("CODE_DIR", &cfg.CodeDir)
	str("VAULT_PASSPHRASE", &cfg.VaultPassphrase)
	if v, ok := lookup("FLOWENGINE_ALLOW_NETWORK"); ok && v != "" {
		cfg.AllowNetwork = v == "true" || v == "1"
	}

	return errors.Join(
		num("POOL_SIZE", &cfg.PoolSize),
		num("MAX_ATTEMPTS", &cfg.MaxAttempts),
		dur("STEP_TIMEOUT", &cfg.StepTimeout),
		dur("RUN_TIMEOUT", &cfg.RunTimeout),
		dur("CODE_TIMEOUT", &cfg.CodeTimeout),
		dur("RETRY_INTERVAL", &cfg.RetryInterval),
	)
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// validate reports every invalid field in one VALIDATION_ERROR.
func (c Config) validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		name := jsonName(fe.StructField())
		fields = append(fields, name)
		details[name] = fmt.Sprintf("failed %q (value %v)", fe.Tag(), fe.Value())
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid configuration: %s", strings.Join(fields, ", ")).
		WithDetails(details)
}

func jsonName(field string) string {
	switch field {
	case "ListenAddr":
		return "listen_addr"
	case "BaseURL":
		return "base_url"
	case "DBPath":
		return "db_path"
	case "LogLevel":
		return "log_level"
	case "PoolSize":
		return "pool_size"
	case "StepTimeout":
		return "step_timeout"
	case "RunTimeout":
		return "run_timeout"
	case "CodeTimeout":
		return "code_timeout"
	case "MaxAttempts":
		return "max_attempts"
	case "RetryInterval":
		return "retry_interval"
	}
	if strings.HasPrefix(field, "Interpreters") {
		return "interpreters"
	}
	return field
}

// Constants builds the engine settings every run started by this process uses.
func (c Config) Constants() engine.EngineConstants {
	ec := engine.DefaultConstants()
	ec.BaseCodeDirectory = c.CodeDir
	ec.Server = pieces.ServerInfo{URL: c.BaseURL}
	ec.MaxAttempts = c.MaxAttempts
	ec.RetryInterval = c.RetryInterval.Std()
	ec.StepTimeout = c.StepTimeout.Std()
	ec.RunTimeout = c.RunTimeout.Std()
	return ec
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.BaseURL != new.BaseURL {
		d.RestartNeeded = append(d.RestartNeeded, "base_url")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.CodeDir != new.CodeDir {
		d.RestartNeeded = append(d.RestartNeeded, "code_dir")
	}
	if !maps.EqualFunc(old.Interpreters, new.Interpreters, slices.Equal[[]string]) {
		d.RestartNeeded = append(d.RestartNeeded, "interpreters")
	}
	return d
}

// processOptions turns the interpreter overrides into runner options, in
// language order.
func (c Config) processOptions() []sandbox.ProcessOption {
	var opts []sandbox.ProcessOption
	for _, lang := range slices.Sorted(maps.Keys(c.Interpreters)) {
		opts = append(opts, sandbox.WithInterpreter(lang, c.Interpreters[lang]...))
	}
	return opts
}
