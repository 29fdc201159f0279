// Package config provides configuration loading for reticle: Viper-backed
// file search across standard locations plus RETICLE_-prefixed environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

func defaultSocketPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".reticle", "reticle.sock")
}

func defaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".reticle", "sessions.db")
}

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for reticle.yaml/.yml in
// standard locations. The search requires an explicit YAML extension to
// avoid matching the "reticle" binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("reticle")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("RETICLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".reticle"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "reticle"))
		}
	} else {
		paths = append(paths, "/etc/reticle")
	}
	return findConfigFileInPaths(paths)
}

func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "reticle"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds each scalar config key for environment variable
// support. Arrays (stdio.allowlist) are config-file-only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.socket_path")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("stdio.work_dir")

	_ = viper.BindEnv("remote.listen_addr")
	_ = viper.BindEnv("remote.upstream_url")

	_ = viper.BindEnv("recorder.db_path")

	_ = viper.BindEnv("event_bus.ui_channel_size")
	_ = viper.BindEnv("event_bus.observation_channel_size")

	_ = viper.BindEnv("observability.metrics_enabled")
	_ = viper.BindEnv("observability.metrics_addr")
	_ = viper.BindEnv("observability.tracing_enabled")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and validates.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults but does
// not validate, for flows where CLI flags override fields before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file loaded, or empty
// if none was found.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
