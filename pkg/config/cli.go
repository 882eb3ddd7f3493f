package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultAPIBaseURL is used when neither flags, env nor config name an API.
	DefaultAPIBaseURL = "http://localhost:8000"
	cliEnvPrefix      = "PLATFORMHUB"
	cliDirName        = "platformhub"
)

// CLIConfig holds settings for the platformhub command line tool.
type CLIConfig struct {
	APIBaseURL      string        `mapstructure:"api_url"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Realtime        bool          `mapstructure:"realtime"`
	Polling         bool          `mapstructure:"polling"`
	LogLevel        string        `mapstructure:"log_level"`
	Output          string        `mapstructure:"output"`
	CredentialsFile string        `mapstructure:"credentials_file"`
}

// Dir returns the per-user configuration directory for the CLI.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, cliDirName), nil
}

// NewCLIViper returns a viper instance with CLI defaults, env bindings and
// either the explicit config file or the default search path configured.
func NewCLIViper(configFile string) *viper.Viper {
	v := viper.New()
	v.SetDefault("api_url", DefaultAPIBaseURL)
	v.SetDefault("poll_interval", 5*time.Second)
	v.SetDefault("realtime", true)
	v.SetDefault("polling", true)
	v.SetDefault("log_level", "warn")
	v.SetDefault("output", "table")
	v.SetDefault("credentials_file", "")

	v.SetEnvPrefix(cliEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		return v
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir, err := Dir(); err == nil {
		v.AddConfigPath(dir)
	}
	return v
}

// LoadCLIConfig reads the config file (a missing file is not an error) and
// decodes the merged settings.
func LoadCLIConfig(v *viper.Viper) (CLIConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return CLIConfig{}, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg CLIConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return CLIConfig{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.APIBaseURL = strings.TrimSpace(cfg.APIBaseURL)
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.CredentialsFile == "" {
		dir, err := Dir()
		if err != nil {
			return CLIConfig{}, err
		}
		cfg.CredentialsFile = filepath.Join(dir, "credentials.json")
	}
	return cfg, nil
}

// SaveAPIBaseURL persists the API address into the CLI config file.
func SaveAPIBaseURL(v *viper.Viper, apiURL string) error {
	path := v.ConfigFileUsed()
	if path == "" {
		dir, err := Dir()
		if err != nil {
			return err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	v.Set("api_url", strings.TrimSpace(apiURL))
	return v.WriteConfigAs(path)
}
