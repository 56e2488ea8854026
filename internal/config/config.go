// Package config loads the subsystem configuration from defaults, an
// optional cadence.yaml, and CADENCE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the extension subsystem. Path fields left
// empty in the file derive from DataDir.
type Config struct {
	// DataDir is the root under which all derived paths live.
	DataDir string `mapstructure:"data_dir"`

	// InstallDir holds one directory per installed extension.
	InstallDir string `mapstructure:"install_dir"`

	// ArtifactDir retains downloaded package files keyed by id.
	ArtifactDir string `mapstructure:"artifact_dir"`

	// DatabasePath is the SQLite registry file.
	DatabasePath string `mapstructure:"database_path"`

	// TrustPolicyPath is the trust.toml policy file. A missing file means
	// the default policy.
	TrustPolicyPath string `mapstructure:"trust_policy_path"`

	// SideloadDir is watched for dropped package files.
	SideloadDir string `mapstructure:"sideload_dir"`

	// Repositories seeds the repository set on first run.
	Repositories []string `mapstructure:"repositories"`

	// HTTPTimeout bounds repository manifest and download requests.
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`

	// CallTimeout bounds a single extension call (search, resolve).
	CallTimeout time.Duration `mapstructure:"call_timeout"`

	// LoadTimeout bounds extension instantiation.
	LoadTimeout time.Duration `mapstructure:"load_timeout"`

	// UnloadTimeout bounds extension teardown; a hung extension is killed
	// when it expires.
	UnloadTimeout time.Duration `mapstructure:"unload_timeout"`

	// UpdateCheckInterval schedules background update checks. Zero
	// disables them.
	UpdateCheckInterval time.Duration `mapstructure:"update_check_interval"`

	// AllowNetwork gates outbound HTTP for extensions holding the network
	// capability. Off means no extension gets network access at all.
	AllowNetwork bool `mapstructure:"allow_network"`

	// MaxManifestBytes caps a fetched repository manifest document.
	MaxManifestBytes int64 `mapstructure:"max_manifest_bytes"`

	// MaxPackageBytes caps a downloaded package artifact.
	MaxPackageBytes int64 `mapstructure:"max_package_bytes"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

const defaultDataDir = "./cadence"

// Load reads the configuration. A non-empty path names the config file and
// must exist; with an empty path a cadence.yaml in the working directory is
// used when present. Environment variables prefixed CADENCE_ override file
// values (CADENCE_INSTALL_DIR, CADENCE_LOG_LEVEL, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CADENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("cadence")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.DerivePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	cfg := &Config{
		DataDir:             defaultDataDir,
		HTTPTimeout:         30 * time.Second,
		CallTimeout:         10 * time.Second,
		LoadTimeout:         30 * time.Second,
		UnloadTimeout:       2 * time.Second,
		UpdateCheckInterval: 6 * time.Hour,
		AllowNetwork:        true,
		MaxManifestBytes:    1 << 20,
		MaxPackageBytes:     64 << 20,
		LogLevel:            "info",
	}
	cfg.DerivePaths()
	return cfg
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("install_dir", "")
	v.SetDefault("artifact_dir", "")
	v.SetDefault("database_path", "")
	v.SetDefault("trust_policy_path", "")
	v.SetDefault("sideload_dir", "")
	v.SetDefault("repositories", []string{})
	v.SetDefault("http_timeout", d.HTTPTimeout)
	v.SetDefault("call_timeout", d.CallTimeout)
	v.SetDefault("load_timeout", d.LoadTimeout)
	v.SetDefault("unload_timeout", d.UnloadTimeout)
	v.SetDefault("update_check_interval", d.UpdateCheckInterval)
	v.SetDefault("allow_network", d.AllowNetwork)
	v.SetDefault("max_manifest_bytes", d.MaxManifestBytes)
	v.SetDefault("max_package_bytes", d.MaxPackageBytes)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_json", false)
}

// DerivePaths fills the path fields left empty from DataDir.
func (c *Config) DerivePaths() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.InstallDir == "" {
		c.InstallDir = filepath.Join(c.DataDir, "extensions")
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = filepath.Join(c.DataDir, "artifacts")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "cadence.db")
	}
	if c.TrustPolicyPath == "" {
		c.TrustPolicyPath = filepath.Join(c.DataDir, "trust.toml")
	}
	if c.SideloadDir == "" {
		c.SideloadDir = filepath.Join(c.DataDir, "sideload")
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"http_timeout":          c.HTTPTimeout,
		"call_timeout":          c.CallTimeout,
		"load_timeout":          c.LoadTimeout,
		"unload_timeout":        c.UnloadTimeout,
		"update_check_interval": c.UpdateCheckInterval,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative, got %s", name, d)
		}
	}
	if c.MaxManifestBytes < 0 || c.MaxPackageBytes < 0 {
		return errors.New("config: size limits must not be negative")
	}
	return nil
}
