package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PRPFLOW"

// Loader loads configuration with Viper.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader with defaults and environment bindings.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	// Short aliases documented for operators.
	_ = v.BindEnv("git.bot_token", EnvPrefix+"_BOT_TOKEN", EnvPrefix+"_GIT_BOT_TOKEN")
	_ = v.BindEnv("agent.binary_path", EnvPrefix+"_AGENT_BINARY", EnvPrefix+"_AGENT_BINARY_PATH")

	return &Loader{v: v}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("agent.binary_path", d.Agent.BinaryPath)
	v.SetDefault("agent.model", d.Agent.Model)
	v.SetDefault("agent.enrich_timeout", d.Agent.EnrichTimeout)
	v.SetDefault("agent.execute_timeout", d.Agent.ExecuteTimeout)
	v.SetDefault("agent.revise_timeout", d.Agent.ReviseTimeout)
	v.SetDefault("git.author_name", d.Git.AuthorName)
	v.SetDefault("git.author_email", d.Git.AuthorEmail)
	v.SetDefault("git.bot_token", d.Git.BotToken)
	v.SetDefault("lock.dir", d.Lock.Dir)
	v.SetDefault("lock.ttl", d.Lock.TTL)
	v.SetDefault("run.max_iterations", d.Run.MaxIterations)
	v.SetDefault("run.status_dir", d.Run.StatusDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
}

// SearchPaths returns the config files tried by Load, in priority order.
func SearchPaths() []string {
	var paths []string
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		paths = append(paths, p)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "prpflow", "config.yaml"))
	}
	return append(paths, "prpflow.yaml")
}

// Load reads the first config file found in [SearchPaths]. With no file the
// defaults and environment overrides are used.
func (l *Loader) Load() (*Config, error) {
	for _, p := range SearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return l.LoadFromFile(p)
		}
	}
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return nil, fmt.Errorf("config file %s: %w", p, os.ErrNotExist)
	}
	return l.unmarshal()
}

// LoadFromFile reads configuration from path.
func (l *Loader) LoadFromFile(path string) (*Config, error) {
	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := l.unmarshal()
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(path)
	for i, p := range cfg.Projects {
		if p.Path != "" && !filepath.IsAbs(p.Path) {
			cfg.Projects[i].Path = filepath.Join(base, p.Path)
		}
	}
	return cfg, nil
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigFileUsed returns the file loaded, or "".
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}
