// Package config loads the static configuration of the hosted services
// plane: logging, shutdown timeout, debug API, the VFS symlink bound and
// the root mount.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (HELIUM_*) (highest priority)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// No setting is bound to a CLI flag; the --config flag only chooses the
// file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full static configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// API configures the debug/introspection HTTP endpoint.
	API APIConfig `mapstructure:"api"`

	// VFS configures the VFS server.
	VFS VFSConfig `mapstructure:"vfs"`

	// Root configures the root filesystem mount.
	Root RootConfig `mapstructure:"root"`
}

// LoggingConfig mirrors internal/logger's Config.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output"`
}

// APIConfig configures the debug HTTP server (health, metrics, process and
// mount listings).
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_with=Enabled,omitempty,hostname_port"`
}

// VFSConfig tunes the VFS server.
type VFSConfig struct {
	// MaxSymlinkExpansions bounds one path resolution.
	MaxSymlinkExpansions int `mapstructure:"max_symlink_expansions" validate:"gt=0"`
}

// RootConfig names the filesystem server mounted at "/".
type RootConfig struct {
	FsPort string `mapstructure:"fs_port" validate:"required"`
	Args   string `mapstructure:"args"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		ShutdownTimeout: 10 * time.Second,
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9155",
		},
		VFS: VFSConfig{
			MaxSymlinkExpansions: 40,
		},
		Root: RootConfig{
			FsPort: "memfs-server",
		},
	}
}

// Load reads the configuration from the optional file path, the
// environment and the defaults, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := Defaults()
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
	v.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)
	v.SetDefault("api.enabled", defaults.API.Enabled)
	v.SetDefault("api.listen", defaults.API.Listen)
	v.SetDefault("vfs.max_symlink_expansions", defaults.VFS.MaxSymlinkExpansions)
	v.SetDefault("root.fs_port", defaults.Root.FsPort)
	v.SetDefault("root.args", defaults.Root.Args)

	v.SetEnvPrefix("HELIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration invariants.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if ok := asValidationErrors(err, &errs); ok && len(errs) > 0 {
			first := errs[0]
			return fmt.Errorf("config: field %q fails %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}
