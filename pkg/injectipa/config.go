package injectipa

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override config keys.
// Dots in keys become underscores: INJECTIPA_ARCHIVE_BACKEND.
const EnvPrefix = "INJECTIPA"

// Backend names.
const (
	BackendExternal = "external"
	BackendNative   = "native"
	BackendOptool   = "optool"
)

// Config holds the injector settings.
type Config struct {
	StagingRoot string         `mapstructure:"staging_root"`
	OutputDir   string         `mapstructure:"output_dir"`
	LogLevel    string         `mapstructure:"log_level"`
	Archive     ArchiveConfig  `mapstructure:"archive"`
	Injector    InjectorConfig `mapstructure:"injector"`
	Tools       ToolsConfig    `mapstructure:"tools"`
	Preview     PreviewConfig  `mapstructure:"preview"`
}

// ArchiveConfig selects the archive codec.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"` // external or native
}

// InjectorConfig selects the binary patcher.
type InjectorConfig struct {
	Backend string `mapstructure:"backend"` // optool or native
}

// ToolsConfig names the external programs. Bare names are looked up on PATH.
type ToolsConfig struct {
	Unzip  string `mapstructure:"unzip"`
	Zip    string `mapstructure:"zip"`
	Ar     string `mapstructure:"ar"`
	Tar    string `mapstructure:"tar"`
	Optool string `mapstructure:"optool"`
}

// PreviewConfig controls the metadata scanner.
type PreviewConfig struct {
	Workers int `mapstructure:"workers"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		StagingRoot: os.TempDir(),
		LogLevel:    "info",
		Archive:     ArchiveConfig{Backend: BackendExternal},
		Injector:    InjectorConfig{Backend: BackendOptool},
		Tools: ToolsConfig{
			Unzip:  "unzip",
			Zip:    "zip",
			Ar:     "ar",
			Tar:    "tar",
			Optool: "optool",
		},
		Preview: PreviewConfig{Workers: 4},
	}
}

// LoadConfig merges defaults, the optional YAML file at path and INJECTIPA_*
// environment variables. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("staging_root", defaults.StagingRoot)
	v.SetDefault("output_dir", defaults.OutputDir)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("archive.backend", defaults.Archive.Backend)
	v.SetDefault("injector.backend", defaults.Injector.Backend)
	v.SetDefault("tools.unzip", defaults.Tools.Unzip)
	v.SetDefault("tools.zip", defaults.Tools.Zip)
	v.SetDefault("tools.ar", defaults.Tools.Ar)
	v.SetDefault("tools.tar", defaults.Tools.Tar)
	v.SetDefault("tools.optool", defaults.Tools.Optool)
	v.SetDefault("preview.workers", defaults.Preview.Workers)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.StagingRoot == "" {
		cfg.StagingRoot = os.TempDir()
	}
	return cfg, nil
}

// Validate rejects unknown backends, bad log levels and non-positive worker
// counts.
func (c *Config) Validate() error {
	switch c.Archive.Backend {
	case BackendExternal, BackendNative:
	default:
		return fmt.Errorf("unknown archive backend %q (want %s or %s)", c.Archive.Backend, BackendExternal, BackendNative)
	}
	switch c.Injector.Backend {
	case BackendOptool, BackendNative:
	default:
		return fmt.Errorf("unknown injector backend %q (want %s or %s)", c.Injector.Backend, BackendOptool, BackendNative)
	}
	if c.Preview.Workers < 1 {
		return fmt.Errorf("preview.workers must be positive, got %d", c.Preview.Workers)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return nil
}

// NewCodec returns the configured archive codec.
func (c *Config) NewCodec(logger *log.Logger) Codec {
	if c.Archive.Backend == BackendNative {
		return NativeCodec{}
	}
	return &ExternalCodec{Unzip: c.Tools.Unzip, Zip: c.Tools.Zip, Logger: logger}
}

// NewPatcher returns the configured binary patcher.
func (c *Config) NewPatcher(logger *log.Logger) Patcher {
	if c.Injector.Backend == BackendNative {
		return &NativePatcher{Logger: logger}
	}
	return &OptoolPatcher{Tool: c.Tools.Optool, Logger: logger}
}

// NewExtractor returns a package extractor using the configured tools.
func (c *Config) NewExtractor(logger *log.Logger) *PackageExtractor {
	return &PackageExtractor{Ar: c.Tools.Ar, Tar: c.Tools.Tar, ScratchRoot: c.StagingRoot, Logger: logger}
}

// NewScanner returns a preview scanner.
func (c *Config) NewScanner(logger *log.Logger) *Scanner {
	return &Scanner{Codec: c.NewCodec(logger), StagingRoot: c.StagingRoot, Workers: c.Preview.Workers, Logger: logger}
}
