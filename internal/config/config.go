package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode represents the execution mode of the host
type Mode string

const (
	// ModeDaemon runs without reading stdin
	ModeDaemon Mode = "daemon"
	// ModeInteractive additionally runs the operator console
	ModeInteractive Mode = "interactive"
)

// Gateway names
const (
	GatewayTelegram  = "telegram"
	GatewayWebSocket = "websocket"
)

// TokenEnv overrides the configured token when set
const TokenEnv = "MODBOT_TOKEN"

// Config represents the host configuration
type Config struct {
	// Mode specifies the execution mode
	Mode Mode `yaml:"mode"`

	// LogLevel specifies the logging level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// Token is the gateway credential
	Token string `yaml:"token"`

	// Gateway selects the gateway implementation
	Gateway string `yaml:"gateway"`

	// Features are requested from the gateway on top of what modules ask for
	Features []string `yaml:"features,omitempty"`

	// CredentialRetries is how many times a rejected token is re-prompted
	CredentialRetries int `yaml:"credential_retries"`

	// ShutdownTimeout bounds the whole shutdown sequence (in seconds)
	ShutdownTimeout int `yaml:"shutdown_timeout"`

	// PublishTimeout is the timeout for publishing bus messages (in seconds)
	PublishTimeout int `yaml:"publish_timeout"`

	Modules   ModulesConfig   `yaml:"modules"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	WebSocket WebSocketConfig `yaml:"websocket"`

	path string
}

// ModulesConfig controls discovery and lifecycle policies
type ModulesConfig struct {
	// Dir is scanned for module artifacts
	Dir string `yaml:"dir"`

	// DataDir holds one configuration directory per module
	DataDir string `yaml:"data_dir"`

	// StrictDependencies excludes modules with unresolved dependencies
	StrictDependencies bool `yaml:"strict_dependencies"`

	// ReverseShutdown disables modules in reverse resolved order
	ReverseShutdown bool `yaml:"reverse_shutdown"`
}

// TelegramConfig contains Telegram gateway settings
type TelegramConfig struct {
	// Workers is the number of goroutines consuming updates
	Workers int `yaml:"workers"`

	// PollTimeout is the long poll timeout (in seconds)
	PollTimeout int `yaml:"poll_timeout"`

	// APIEndpoint overrides the Bot API endpoint format
	APIEndpoint string `yaml:"api_endpoint,omitempty"`

	// ChatsFile records the chats the bot is in; defaults to a file in
	// the modules data directory
	ChatsFile string `yaml:"chats_file,omitempty"`

	Debug bool `yaml:"debug,omitempty"`
}

// WebSocketConfig contains WebSocket gateway settings
type WebSocketConfig struct {
	// Addr is the listen address
	Addr string `yaml:"addr"`

	// AllowedOrigins restricts browser clients; empty allows all
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// keys missing from the file keep their defaults; an explicit zero is kept
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.path = path

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads configuration from a file or returns default config.
// The default config remembers path so SetToken can create the file.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" || !fileExists(path) {
		cfg := DefaultConfig()
		cfg.path = path
		cfg.applyEnv()
		return cfg, nil
	}
	return Load(path)
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. A missing file is not an error. Existing variables win.
func LoadEnvFile(path string) error {
	if path == "" || !fileExists(path) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Mode:              ModeInteractive,
		LogLevel:          "info",
		Gateway:           GatewayTelegram,
		CredentialRetries: 3,
		ShutdownTimeout:   30,
		PublishTimeout:    5,
		Modules: ModulesConfig{
			Dir:     "modules",
			DataDir: "data",
		},
		Telegram: TelegramConfig{
			Workers:     4,
			PollTimeout: 60,
		},
		WebSocket: WebSocketConfig{
			Addr: ":8080",
		},
	}
}

// applyDefaults applies default values to missing configuration
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Gateway == "" {
		c.Gateway = def.Gateway
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = def.PublishTimeout
	}
	if c.Modules.Dir == "" {
		c.Modules.Dir = def.Modules.Dir
	}
	if c.Modules.DataDir == "" {
		c.Modules.DataDir = def.Modules.DataDir
	}
	if c.Telegram.Workers == 0 {
		c.Telegram.Workers = def.Telegram.Workers
	}
	if c.Telegram.PollTimeout == 0 {
		c.Telegram.PollTimeout = def.Telegram.PollTimeout
	}
	if c.WebSocket.Addr == "" {
		c.WebSocket.Addr = def.WebSocket.Addr
	}
}

func (c *Config) applyEnv() {
	if token := os.Getenv(TokenEnv); token != "" {
		c.Token = token
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Mode != ModeDaemon && c.Mode != ModeInteractive {
		return fmt.Errorf("invalid mode: %s (must be 'daemon' or 'interactive')", c.Mode)
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	if c.Gateway != GatewayTelegram && c.Gateway != GatewayWebSocket {
		return fmt.Errorf("invalid gateway: %s (must be '%s' or '%s')", c.Gateway, GatewayTelegram, GatewayWebSocket)
	}

	if c.CredentialRetries < 0 {
		return fmt.Errorf("credential retries must not be negative")
	}
	if c.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}
	if c.PublishTimeout < 1 {
		return fmt.Errorf("publish timeout must be at least 1 second")
	}
	if c.Telegram.Workers < 1 {
		return fmt.Errorf("telegram workers must be at least 1")
	}

	return nil
}

// ShutdownTimeoutDuration returns ShutdownTimeout as a duration
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// PublishTimeoutDuration returns PublishTimeout as a duration
func (c *Config) PublishTimeoutDuration() time.Duration {
	return time.Duration(c.PublishTimeout) * time.Second
}

// TelegramChatsFile returns where the Telegram gateway keeps its chats
func (c *Config) TelegramChatsFile() string {
	if c.Telegram.ChatsFile != "" {
		return c.Telegram.ChatsFile
	}
	return filepath.Join(c.Modules.DataDir, "telegram-chats.yml")
}

// Path returns the file the configuration was loaded from, if any
func (c *Config) Path() string {
	return c.path
}

// SetToken replaces the token and persists it to the file the
// configuration came from
func (c *Config) SetToken(token string) error {
	c.Token = token
	if c.path == "" {
		return nil
	}
	return c.Save(c.path)
}

// Save writes the configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
