// Package config provides configuration loading for prpflow.
//
// Configuration is loaded using Viper from a YAML file with environment
// variable overrides. Defaults cover everything except the project list.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (PRPFLOW_ prefix, e.g. PRPFLOW_RUN_MAX_ITERATIONS)
//  2. Config file named by PRPFLOW_CONFIG
//  3. User config directory: $XDG_CONFIG_HOME/prpflow/config.yaml
//  4. ./prpflow.yaml
//  5. [DefaultConfig] defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrUnknownProject is returned by [Config.Project] for an unknown name.
var ErrUnknownProject = errors.New("unknown project")

// Config is the root configuration structure.
type Config struct {
	Agent     AgentConfig     `mapstructure:"agent"`
	Git       GitConfig       `mapstructure:"git"`
	Lock      LockConfig      `mapstructure:"lock"`
	Run       RunConfig       `mapstructure:"run"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Projects  []Project       `mapstructure:"projects"`
}

// AgentConfig controls the coding-agent CLI.
type AgentConfig struct {
	// BinaryPath is the agent CLI. Overridden by PRPFLOW_AGENT_BINARY.
	BinaryPath     string        `mapstructure:"binary_path"`
	Model          string        `mapstructure:"model"`
	EnrichTimeout  time.Duration `mapstructure:"enrich_timeout"`
	ExecuteTimeout time.Duration `mapstructure:"execute_timeout"`
	ReviseTimeout  time.Duration `mapstructure:"revise_timeout"`
}

// GitConfig holds the bot identity used for commits and pushes.
type GitConfig struct {
	AuthorName  string `mapstructure:"author_name"`
	AuthorEmail string `mapstructure:"author_email"`
	// BotToken is overridden by PRPFLOW_BOT_TOKEN.
	BotToken string `mapstructure:"bot_token"`
}

// Credentials returns the bot credentials threaded into workflows.
func (g GitConfig) Credentials() Credentials {
	return Credentials{Name: g.AuthorName, Email: g.AuthorEmail, Token: g.BotToken}
}

// Credentials are the bot identity and token. The zero value means "use
// whatever git and gh are already configured with".
type Credentials struct {
	Name  string
	Email string
	Token string
}

// Configured reports whether any bot credential is set.
func (c Credentials) Configured() bool {
	return c.Name != "" || c.Email != "" || c.Token != ""
}

// LockConfig controls the per-project lock.
type LockConfig struct {
	// Dir holds lock markers. Empty means <user cache dir>/prpflow/locks.
	Dir string        `mapstructure:"dir"`
	TTL time.Duration `mapstructure:"ttl"`
}

// RunConfig bounds a single project run.
type RunConfig struct {
	MaxIterations int `mapstructure:"max_iterations"`
	// StatusDir holds last-run summaries. Empty means <user cache dir>/prpflow/runs.
	StatusDir string `mapstructure:"status_dir"`
}

// LogConfig controls slog output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Insecure     bool   `mapstructure:"insecure"`
}

// Validation holds the project's best-effort validation commands. Each is
// run through `sh -c` in the repository root; empty commands are skipped.
type Validation struct {
	Build  string `mapstructure:"build"`
	Test   string `mapstructure:"test"`
	Format string `mapstructure:"format"`
}

// Project is one repository under automation.
type Project struct {
	Name string `mapstructure:"name"`
	// Path is the repository checkout.
	Path string `mapstructure:"path"`
	// Plan is the plan document, relative to Path unless absolute.
	Plan string `mapstructure:"plan"`
	// EnrichDir holds enrichment artifacts, relative to Path unless absolute.
	EnrichDir string `mapstructure:"enrich_dir"`
	// MainBranch overrides default-branch detection.
	MainBranch        string        `mapstructure:"main_branch"`
	Validation        Validation    `mapstructure:"validation"`
	ValidationTimeout time.Duration `mapstructure:"validation_timeout"`
}

// Default project-relative locations.
const (
	DefaultPlanFile  = "prps.yaml"
	DefaultEnrichDir = "PRPs"
)

// PlanPath returns the absolute plan document path.
func (p Project) PlanPath() string {
	return p.resolve(p.Plan, DefaultPlanFile)
}

// EnrichPath returns the absolute enrichment directory.
func (p Project) EnrichPath() string {
	return p.resolve(p.EnrichDir, DefaultEnrichDir)
}

func (p Project) resolve(path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.Path, path)
}

// DefaultConfig returns a new [Config] with defaults.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			BinaryPath:     "claude",
			EnrichTimeout:  15 * time.Minute,
			ExecuteTimeout: 30 * time.Minute,
			ReviseTimeout:  20 * time.Minute,
		},
		Git: GitConfig{
			AuthorName:  "",
			AuthorEmail: "",
		},
		Lock: LockConfig{
			TTL: 45 * time.Minute,
		},
		Run: RunConfig{
			MaxIterations: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "prpflow",
		},
	}
}

// StateDirs returns the lock and status directories, falling back to
// subdirectories of the user cache dir for unset values.
func (c *Config) StateDirs() (lockDir, statusDir string, err error) {
	lockDir, statusDir = c.Lock.Dir, c.Run.StatusDir
	if lockDir != "" && statusDir != "" {
		return lockDir, statusDir, nil
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", "", fmt.Errorf("resolve state dir: %w", err)
	}
	if lockDir == "" {
		lockDir = filepath.Join(cache, "prpflow", "locks")
	}
	if statusDir == "" {
		statusDir = filepath.Join(cache, "prpflow", "runs")
	}
	return lockDir, statusDir, nil
}

// Project returns the project named name.
func (c *Config) Project(name string) (Project, error) {
	for _, p := range c.Projects {
		if p.Name == name {
			return p, nil
		}
	}
	return Project{}, fmt.Errorf("%w: %s", ErrUnknownProject, name)
}

// Select returns the named projects in the given order, or every project
// when names is empty.
func (c *Config) Select(names []string) ([]Project, error) {
	if len(names) == 0 {
		return c.Projects, nil
	}
	out := make([]Project, 0, len(names))
	for _, n := range names {
		p, err := c.Project(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Validate checks for missing or duplicate project names and paths.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Projects))
	for i, p := range c.Projects {
		if p.Name == "" {
			return fmt.Errorf("projects[%d]: name is required", i)
		}
		if p.Path == "" {
			return fmt.Errorf("project %s: path is required", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("project %s: duplicate name", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
