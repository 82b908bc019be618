// Package config loads the runtime configuration of convergectl. Layers, each
// overriding the previous one: built-in defaults, the YAML config file, then
// CONVERGE_* environment variables. Command-line flags are applied by the
// caller on top of the result.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/system"
)

// EnvPrefix marks environment variables read by Load. A double underscore
// separates nesting levels: CONVERGE_BACKUP__KEEP sets backup.keep.
const EnvPrefix = "CONVERGE_"

type Config struct {
	Home string `koanf:"home"`
	User string `koanf:"user"`

	Concurrency int           `koanf:"concurrency" validate:"gte=0"`
	Timeout     time.Duration `koanf:"timeout" validate:"gte=0"`

	Backup    Backup    `koanf:"backup"`
	Elevation Elevation `koanf:"elevation"`
	Packages  Packages  `koanf:"packages"`

	StateDir          string `koanf:"state_dir" validate:"required"`
	MetricsFile       string `koanf:"metrics_file"`
	Reporter          string `koanf:"reporter" validate:"oneof=auto emoji plain none"`
	EnvFile           string `koanf:"env_file"`
	RollbackOnFailure bool   `koanf:"rollback_on_failure"`
}

type Backup struct {
	// Enabled snapshots files before they are overwritten. Disabling it
	// overwrites in place without a copy.
	Enabled bool `koanf:"enabled"`

	// Keep is the number of snapshots retained per file, 0 keeps all.
	Keep int `koanf:"keep" validate:"gte=0"`
}

type Elevation struct {
	Command     string `koanf:"command" validate:"required"`
	Interactive bool   `koanf:"interactive"`
}

type Packages struct {
	Config    string `koanf:"config" validate:"required"`
	AURHelper string `koanf:"aur_helper"`
}

// Defaults returns the built-in configuration layer.
func Defaults() map[string]any {
	return map[string]any{
		"concurrency":           0,
		"timeout":               "10m",
		"backup.enabled":        true,
		"backup.keep":           0,
		"elevation.command":     "sudo",
		"elevation.interactive": true,
		"packages.config":       system.DefaultPacmanConfig,
		"packages.aur_helper":   "paru",
		"state_dir":             filepath.Join(xdg.StateHome, "converge"),
		"reporter":              "auto",
	}
}

// DefaultFile is $XDG_CONFIG_HOME/converge/config.yaml.
func DefaultFile() string {
	return filepath.Join(xdg.ConfigHome, "converge", "config.yaml")
}

// Load builds the configuration. An explicit path must exist; without one
// the default file is read if present.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrConfig, "failed to load defaults")
	}

	explicit := path != ""
	if !explicit {
		path = DefaultFile()
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, cerrors.Wrapf(err, cerrors.ErrConfig, "failed to load config from %s", path)
		}
	} else if explicit {
		return nil, cerrors.Wrapf(err, cerrors.ErrConfig, "config file %s", path)
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrConfig, "failed to load environment")
	}

	var cfg Config
	conf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, conf); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrConfig, "failed to decode configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints. Violations are configuration errors
// naming the offending keys.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return cerrors.Wrap(err, cerrors.ErrConfig, "invalid configuration")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return cerrors.Newf(cerrors.ErrConfig, "invalid configuration: %s", strings.Join(msgs, "; "))
}

// HistoryDir is where run reports are kept.
func (c *Config) HistoryDir() string {
	return filepath.Join(c.StateDir, "runs")
}

// ValidateStateDir makes sure path exists and is writable, creating it if
// necessary.
func ValidateStateDir(path string) error {
	if path == "" {
		return cerrors.New(cerrors.ErrConfig, "state directory is empty")
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return cerrors.Wrapf(err, cerrors.ErrPrecondition, "state directory %q does not exist and could not be created", path)
		}
		return nil
	}
	if err != nil {
		return cerrors.Wrapf(err, cerrors.ErrPrecondition, "cannot access state directory %q", path)
	}
	if !info.IsDir() {
		return cerrors.Newf(cerrors.ErrConfig, "state path %q is not a directory", path)
	}

	f, err := os.CreateTemp(path, ".converge-write-test-*")
	if err != nil {
		return cerrors.Wrapf(err, cerrors.ErrPrecondition, "state directory %q is not writable", path)
	}
	f.Close()
	os.Remove(f.Name())

	return nil
}
