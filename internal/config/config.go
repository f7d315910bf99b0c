// Package config provides configuration management for autobuildr.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the process configuration.
type Config struct {
	Service      ServiceConfig      `toml:"service"`
	API          APIConfig          `toml:"api"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Kernel       KernelConfig       `toml:"kernel"`
	LLM          LLMConfig          `toml:"llm"`
	Logging      LoggingConfig      `toml:"logging"`
	Security     SecurityConfig     `toml:"security"`
}

// ServiceConfig contains process-level settings.
type ServiceConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	DataDir         string `toml:"data_dir"`
	PIDFile         string `toml:"pid_file"`
	ShutdownTimeout int    `toml:"shutdown_timeout_seconds"`
	MaxRequestSize  int64  `toml:"max_request_size_bytes"`
}

// APIConfig contains httpapi settings (spec.md §6's HTTP adapter options).
type APIConfig struct {
	Enabled         bool     `toml:"enabled"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit_per_minute"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	RequestTimeout  int      `toml:"request_timeout_seconds"`
	AllowRemoteBind bool     `toml:"allow_remote_bind"`
}

// OrchestratorConfig maps to spec.md §6's ORCHESTRATOR_MAX_CONCURRENCY and
// USE_KERNEL configuration options.
type OrchestratorConfig struct {
	MaxConcurrency int `toml:"max_concurrency"`
	// UseKernel is recognized for interface parity with spec.md §6's
	// configuration table; the legacy (non-kernel) execution path was
	// decided against in SPEC_FULL.md's Open Question resolutions, so
	// the value loaded here is not read: runs always go through the kernel.
	UseKernel bool `toml:"use_kernel"`
}

// KernelConfig supplies the Harness Kernel's default budgets and retry
// schedule, absent a more specific value on a given AgentSpec.
type KernelConfig struct {
	DefaultMaxTurns       int     `toml:"default_max_turns"`
	DefaultTimeoutSeconds int     `toml:"default_timeout_seconds"`
	PerHourTurnLimit      int     `toml:"per_hour_turn_limit"`
	RetryMaxAttempts      int     `toml:"retry_max_attempts"`
	RetryInitialBackoffMs int     `toml:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int     `toml:"retry_max_backoff_ms"`
	RetryMultiplier       float64 `toml:"retry_multiplier"`
}

// LLMConfig configures the illustrative Turn Executor's completion calls.
// It intentionally has no vendor-specific fields: the Turn Executor
// contract (spec.md §4.2) is vendor-neutral, and this section only
// carries the parameters any llm.Provider implementation needs.
type LLMConfig struct {
	Provider    string `toml:"provider"`
	APIKey      string `toml:"api_key"`
	Model       string `toml:"model"`
	MaxTokens   int    `toml:"max_tokens"`
	TimeoutSecs int    `toml:"timeout_seconds"`

	// PlanningModel, ExecutionModel, and ValidationModel override Model
	// for the three AgentSpec.TaskType groups the Turn Executor routes
	// between (documentation/custom, coding/refactoring, audit/testing
	// respectively). Empty falls back to Model for that group.
	PlanningModel   string `toml:"planning_model"`
	ExecutionModel  string `toml:"execution_model"`
	ValidationModel string `toml:"validation_model"`

	// MCPServerCommand launches the stdio MCP server the illustrative
	// executor dispatches tool calls to (empty runs tool-free turns).
	MCPServerCommand string      `toml:"mcp_server_command"`
	MCPServerArgs    StringSlice `toml:"mcp_server_args"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string      `toml:"level"`
	Format     string      `toml:"format"`
	Output     StringSlice `toml:"output"`
	TimeFormat string      `toml:"time_format"`
	MaxSizeMB  int         `toml:"max_size_mb"`
	MaxBackups int         `toml:"max_backups"`
	MaxAgeDays int         `toml:"max_age_days"`
	Compress   bool        `toml:"compress"`
}

// StringSlice is a custom type that can unmarshal from either a string or []string.
type StringSlice []string

// UnmarshalTOML implements toml.Unmarshaler for flexible config parsing.
func (s *StringSlice) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case string:
		*s = []string{v}
	case []interface{}:
		result := make([]string, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected string in array, got %T", item)
			}
			result[i] = str
		}
		*s = result
	default:
		return fmt.Errorf("expected string or array, got %T", data)
	}
	return nil
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	TLSEnabled  bool   `toml:"tls_enabled"`
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
	CORSEnabled bool   `toml:"cors_enabled"`
}

// DefaultConfig returns the default configuration with all values set.
// Environment variables AUTOBUILDR_HOST and AUTOBUILDR_PORT can override
// the httpapi bind address.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()

	host := "127.0.0.1"
	if envHost := os.Getenv("AUTOBUILDR_HOST"); envHost != "" {
		host = envHost
	}

	port := 8430
	if envPort := os.Getenv("AUTOBUILDR_PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			port = p
		}
	}

	return &Config{
		Service: ServiceConfig{
			Host:            host,
			Port:            port,
			DataDir:         dataDir,
			PIDFile:         filepath.Join(dataDir, "autobuildr.pid"),
			ShutdownTimeout: 30,
			MaxRequestSize:  10 * 1024 * 1024,
		},
		API: APIConfig{
			Enabled:         true,
			APIKey:          "",
			RateLimit:       100,
			AllowedOrigins:  []string{"http://localhost:*", "http://127.0.0.1:*"},
			RequestTimeout:  60,
			AllowRemoteBind: false,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrency: 3,
			UseKernel:      true,
		},
		Kernel: KernelConfig{
			DefaultMaxTurns:       50,
			DefaultTimeoutSeconds: 1800,
			PerHourTurnLimit:      600,
			RetryMaxAttempts:      5,
			RetryInitialBackoffMs: 500,
			RetryMaxBackoffMs:     30000,
			RetryMultiplier:       2.0,
		},
		LLM: LLMConfig{
			Provider:    "",
			APIKey:      os.Getenv("AUTOBUILDR_LLM_API_KEY"),
			Model:       "",
			MaxTokens:   4096,
			TimeoutSecs: 60,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     StringSlice{"file"},
			TimeFormat: "15:04:05.000",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Security: SecurityConfig{
			TLSEnabled:  false,
			TLSCertFile: "",
			TLSKeyFile:  "",
			CORSEnabled: true,
		},
	}
}

// DefaultDataDir returns the default service data directory based on OS.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "autobuildr")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "autobuildr")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "autobuildr")
	default:
		xdgData := os.Getenv("XDG_DATA_HOME")
		if xdgData != "" {
			return filepath.Join(xdgData, "autobuildr")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".autobuildr")
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.toml")
}

// Load loads configuration from a file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.expandPaths()

	return cfg, nil
}

// LoadFromString loads configuration from a TOML string, merging with defaults.
func LoadFromString(tomlStr string) (*Config, error) {
	cfg := DefaultConfig()

	expanded := os.ExpandEnv(tomlStr)

	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config string: %w", err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// expandPaths expands tilde in path fields.
func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expandTilde := func(path string) string {
		if strings.HasPrefix(path, "~/") {
			return filepath.Join(home, path[2:])
		}
		return path
	}

	c.Service.DataDir = expandTilde(c.Service.DataDir)
	c.Service.PIDFile = expandTilde(c.Service.PIDFile)
	c.Security.TLSCertFile = expandTilde(c.Security.TLSCertFile)
	c.Security.TLSKeyFile = expandTilde(c.Security.TLSKeyFile)
}

// Save saves the configuration to a file in TOML format.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// WriteExampleConfig writes an example config file with comments.
func WriteExampleConfig(path string) error {
	example := `# autobuildr configuration file
# All values shown are defaults - uncomment and modify as needed

[service]
host = "127.0.0.1"
port = 8430
# data_dir = "~/.autobuildr"
# pid_file = "~/.autobuildr/autobuildr.pid"
shutdown_timeout_seconds = 30
max_request_size_bytes = 10485760

[api]
enabled = true
api_key = ""
rate_limit_per_minute = 100
allowed_origins = ["http://localhost:*", "http://127.0.0.1:*"]
request_timeout_seconds = 60
allow_remote_bind = false

[orchestrator]
# Concurrent agent runs in flight at once, clamped to [1,5].
max_concurrency = 3
use_kernel = true

[kernel]
default_max_turns = 50
default_timeout_seconds = 1800
per_hour_turn_limit = 600
retry_max_attempts = 5
retry_initial_backoff_ms = 500
retry_max_backoff_ms = 30000
retry_multiplier = 2.0

[llm]
provider = ""
api_key = "${AUTOBUILDR_LLM_API_KEY}"
model = ""
max_tokens = 4096
timeout_seconds = 60
planning_model = ""
execution_model = ""
validation_model = ""
mcp_server_command = ""
mcp_server_args = []

[logging]
level = "info"
format = "text"
output = ["file"]
time_format = "15:04:05.000"
max_size_mb = 100
max_backups = 5
max_age_days = 30
compress = true

[security]
tls_enabled = false
# tls_cert_file = "/path/to/cert.pem"
# tls_key_file = "/path/to/key.pem"
cors_enabled = true
`

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	return os.WriteFile(path, []byte(example), 0644)
}

// Address returns the full address string for the httpapi server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Service.Host, c.Service.Port)
}

// LogPath returns the path to the service log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.Service.DataDir, "logs", "autobuildr.log")
}

// PIDPath returns the path to the PID file.
func (c *Config) PIDPath() string {
	if c.Service.PIDFile != "" {
		return c.Service.PIDFile
	}
	return filepath.Join(c.Service.DataDir, "autobuildr.pid")
}

// EnsureDirectories creates all necessary service-level directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Service.DataDir,
		filepath.Dir(c.LogPath()),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// FeatureDBPath returns the project-relative SQLite database path, per
// spec.md §6's filesystem layout (`<project>/features.db`).
func FeatureDBPath(projectDir string) string {
	return filepath.Join(projectDir, "features.db")
}

// ArtifactsDir returns the project-relative artifact root, per spec.md §6
// (`<project>/.autobuildr/artifacts/<run_id>/<sha256>.blob`).
func ArtifactsDir(projectDir string) string {
	return filepath.Join(projectDir, ".autobuildr", "artifacts")
}

// GeneratedAgentsDir returns the project-relative materialization output
// directory for `--materialize-agents` (spec.md §6: "optional agent
// snapshots, materialization only; never executed").
func GeneratedAgentsDir(projectDir string) string {
	return filepath.Join(projectDir, ".claude", "agents", "generated")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Service.Port)
	}

	if c.Service.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout_seconds must be at least 1")
	}

	if c.API.RateLimit < 0 {
		return fmt.Errorf("rate_limit_per_minute cannot be negative")
	}

	if c.Orchestrator.MaxConcurrency < 1 || c.Orchestrator.MaxConcurrency > 5 {
		return fmt.Errorf("orchestrator.max_concurrency must be between 1 and 5")
	}

	if c.Kernel.DefaultMaxTurns < 1 || c.Kernel.DefaultMaxTurns > 500 {
		return fmt.Errorf("kernel.default_max_turns must be between 1 and 500")
	}

	if c.Kernel.DefaultTimeoutSeconds < 60 || c.Kernel.DefaultTimeoutSeconds > 7200 {
		return fmt.Errorf("kernel.default_timeout_seconds must be between 60 and 7200")
	}

	if c.Security.TLSEnabled {
		if c.Security.TLSCertFile == "" || c.Security.TLSKeyFile == "" {
			return fmt.Errorf("TLS enabled but cert/key files not specified")
		}
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c

	clone.API.AllowedOrigins = make([]string, len(c.API.AllowedOrigins))
	copy(clone.API.AllowedOrigins, c.API.AllowedOrigins)

	clone.Logging.Output = make(StringSlice, len(c.Logging.Output))
	copy(clone.Logging.Output, c.Logging.Output)

	return &clone
}
