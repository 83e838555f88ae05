// Package config handles application configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sevir/fetch/internal/adapter"
	"github.com/sevir/fetch/pkg/models"
)

// ErrUnknownWorkspace is returned when a workspace name is neither configured
// nor a usable path.
var ErrUnknownWorkspace = errors.New("unknown workspace")

// Store backends.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	Server     ServerConfig      `json:"server" yaml:"server"`
	Harness    HarnessConfig     `json:"harness" yaml:"harness"`
	Tasks      TasksConfig       `json:"tasks" yaml:"tasks"`
	Store      StoreConfig       `json:"store" yaml:"store"`
	Agents     AgentsConfig      `json:"agents" yaml:"agents"`
	Workspaces map[string]string `json:"workspaces,omitempty" yaml:"workspaces,omitempty"`
	Log        LogConfig         `json:"log" yaml:"log"`
	LogDir     string            `json:"log_dir" yaml:"log_dir"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// HarnessConfig bounds the agent processes.
type HarnessConfig struct {
	MaxConcurrent  int      `json:"max_concurrent" yaml:"max_concurrent"`
	DefaultTimeout Duration `json:"default_timeout" yaml:"default_timeout"`
	KillGrace      Duration `json:"kill_grace" yaml:"kill_grace"`
}

// TasksConfig holds task admission and retry defaults.
type TasksConfig struct {
	DefaultAgent         string   `json:"default_agent" yaml:"default_agent"`
	MaxRetries           int      `json:"max_retries" yaml:"max_retries"`
	RetryInitialInterval Duration `json:"retry_initial_interval" yaml:"retry_initial_interval"`
}

// StoreConfig selects where tasks are persisted.
type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	Path    string `json:"path" yaml:"path"`
	DSN     string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// AgentConfig overrides how one built-in agent is invoked.
type AgentConfig struct {
	Binary    string            `json:"binary,omitempty" yaml:"binary,omitempty"`
	Model     string            `json:"model,omitempty" yaml:"model,omitempty"`
	ExtraArgs []string          `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// CustomAgentConfig defines an agent entirely from configuration. Args and
// Stdin may use the {goal} and {workspace} placeholders.
type CustomAgentConfig struct {
	Name             string            `json:"name" yaml:"name"`
	Command          string            `json:"command" yaml:"command"`
	Args             []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Stdin            string            `json:"stdin,omitempty" yaml:"stdin,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	QuestionPatterns []string          `json:"question_patterns,omitempty" yaml:"question_patterns,omitempty"`
	CreatedPatterns  []string          `json:"created_patterns,omitempty" yaml:"created_patterns,omitempty"`
	ModifiedPatterns []string          `json:"modified_patterns,omitempty" yaml:"modified_patterns,omitempty"`
	DeletedPatterns  []string          `json:"deleted_patterns,omitempty" yaml:"deleted_patterns,omitempty"`
	CompletePatterns []string          `json:"complete_patterns,omitempty" yaml:"complete_patterns,omitempty"`
}

// AgentsConfig configures the built-in and custom agents.
type AgentsConfig struct {
	Claude           AgentConfig         `json:"claude" yaml:"claude"`
	ClaudeStreamJSON bool                `json:"claude_stream_json" yaml:"claude_stream_json"`
	Copilot          AgentConfig         `json:"copilot" yaml:"copilot"`
	Gemini           AgentConfig         `json:"gemini" yaml:"gemini"`
	OpenCode         AgentConfig         `json:"opencode" yaml:"opencode"`
	Custom           []CustomAgentConfig `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Duration accepts Go duration strings ("90s", "30m") in YAML and JSON.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Dir returns the default fetch home directory.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fetch")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := Dir()
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Harness: HarnessConfig{
			MaxConcurrent:  2,
			DefaultTimeout: Duration(30 * time.Minute),
			KillGrace:      Duration(5 * time.Second),
		},
		Tasks: TasksConfig{
			DefaultAgent:         string(models.DefaultAgent()),
			MaxRetries:           0,
			RetryInitialInterval: Duration(5 * time.Second),
		},
		Store: StoreConfig{
			Backend: StoreFile,
			Path:    filepath.Join(dir, "tasks.json"),
		},
		LogDir: filepath.Join(dir, "logs"),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a file (supports JSON and YAML). An empty
// path looks for ~/.fetch/config.yaml then ~/.fetch/config.json and falls
// back to defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		yamlPath := filepath.Join(Dir(), "config.yaml")
		jsonPath := filepath.Join(Dir(), "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
		} else {
			return cfg, nil
		}
	}
	path = expandHome(path)
	baseDir := filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	// Store path, log dir and workspaces resolve relative to the config file.
	cfg.Store.Path = resolvePath(cfg.Store.Path, baseDir)
	cfg.LogDir = resolvePath(cfg.LogDir, baseDir)
	for name, p := range cfg.Workspaces {
		cfg.Workspaces[name] = resolvePath(p, baseDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "", StoreFile:
	case StorePostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Harness.MaxConcurrent < 0 {
		return errors.New("harness.max_concurrent must not be negative")
	}
	if c.Tasks.MaxRetries < 0 {
		return errors.New("tasks.max_retries must not be negative")
	}
	seen := make(map[string]bool)
	for _, a := range c.Agents.Custom {
		if a.Name == "" || a.Command == "" {
			return errors.New("custom agents need a name and a command")
		}
		if seen[a.Name] {
			return fmt.Errorf("custom agent %q defined twice", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// Save saves configuration to a file; the format follows the extension.
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(Dir(), "config.yaml")
	}
	path = expandHome(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AdapterOptions converts the agents section into registry options.
func (c *Config) AdapterOptions() adapter.Options {
	settings := func(a AgentConfig) adapter.Settings {
		return adapter.Settings{
			Binary:    expandHome(a.Binary),
			Model:     a.Model,
			ExtraArgs: a.ExtraArgs,
			Env:       a.Env,
		}
	}
	opts := adapter.Options{
		Settings: map[models.AgentVariant]adapter.Settings{
			models.AgentClaude:   settings(c.Agents.Claude),
			models.AgentCopilot:  settings(c.Agents.Copilot),
			models.AgentGemini:   settings(c.Agents.Gemini),
			models.AgentOpenCode: settings(c.Agents.OpenCode),
		},
		ClaudeStreamJSON: c.Agents.ClaudeStreamJSON,
	}
	for _, a := range c.Agents.Custom {
		opts.Custom = append(opts.Custom, adapter.CustomSpec{
			Name:             a.Name,
			Command:          expandHome(a.Command),
			Args:             a.Args,
			Stdin:            a.Stdin,
			Env:              a.Env,
			QuestionPatterns: a.QuestionPatterns,
			CreatedPatterns:  a.CreatedPatterns,
			ModifiedPatterns: a.ModifiedPatterns,
			DeletedPatterns:  a.DeletedPatterns,
			CompletePatterns: a.CompletePatterns,
		})
	}
	return opts
}

// DefaultAgent returns the variant "auto" resolves to.
func (c *Config) DefaultAgent() models.AgentVariant {
	v := models.AgentVariant(strings.TrimSpace(c.Tasks.DefaultAgent))
	if v == "" || v == models.AgentAuto {
		return models.DefaultAgent()
	}
	return v
}

// ResolveWorkspace maps a workspace name to a directory. Configured names win;
// otherwise absolute paths, "~" paths and existing relative directories are
// accepted as-is. The directory must exist.
func (c *Config) ResolveWorkspace(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnknownWorkspace)
	}

	path, ok := c.Workspaces[name]
	if !ok {
		path = expandHome(name)
		if !filepath.IsAbs(path) && !strings.ContainsRune(name, filepath.Separator) && name != "." {
			return "", fmt.Errorf("%w: %s (known: %s)", ErrUnknownWorkspace, name, strings.Join(c.WorkspaceNames(), ", "))
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve workspace %s: %w", name, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnknownWorkspace, name, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrUnknownWorkspace, abs)
	}
	return abs, nil
}

// WorkspaceNames lists configured workspace names, sorted.
func (c *Config) WorkspaceNames() []string {
	names := make([]string, 0, len(c.Workspaces))
	for n := range c.Workspaces {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func isYAML(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	// "~user/..." forms are not expanded.
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
