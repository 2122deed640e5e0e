package module

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the name of a module's private configuration file
const ConfigFile = "config.yml"

// Config is a module's private key/value configuration, persisted as YAML
// under the module's data directory
type Config struct {
	mu     sync.RWMutex
	path   string
	values map[string]interface{}
}

// OpenConfig loads dir/config.yml, creating the directory and an empty file
// when they do not exist
func OpenConfig(dir string) (*Config, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create module data directory: %w", err)
	}

	c := &Config{
		path:   filepath.Join(dir, ConfigFile),
		values: make(map[string]interface{}),
	}

	data, err := os.ReadFile(c.path)
	switch {
	case os.IsNotExist(err):
		if err := c.Save(); err != nil {
			return nil, err
		}
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read module config: %w", err)
	}

	if err := yaml.Unmarshal(data, &c.values); err != nil {
		return nil, fmt.Errorf("failed to parse module config %s: %w", c.path, err)
	}
	if c.values == nil {
		c.values = make(map[string]interface{})
	}

	return c, nil
}

// NewMemoryConfig returns a configuration that is never persisted
func NewMemoryConfig() *Config {
	return &Config{values: make(map[string]interface{})}
}

// Path returns the backing file, empty for in-memory configurations
func (c *Config) Path() string {
	return c.path
}

// Get retrieves a value by key
func (c *Config) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString retrieves a string value
func (c *Config) GetString(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt retrieves an int value
func (c *Config) GetInt(key string) (int, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	i, ok := v.(int)
	return i, ok
}

// GetBool retrieves a bool value
func (c *Config) GetBool(key string) (bool, bool) {
	v, ok := c.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// SetDefault stores value only when key is absent
func (c *Config) SetDefault(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[key]; !ok {
		c.values[key] = value
	}
}

// Set stores a value by key
func (c *Config) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Save writes the configuration to disk
func (c *Config) Save() error {
	if c.path == "" {
		return nil
	}

	c.mu.RLock()
	data, err := yaml.Marshal(c.values)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal module config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write module config: %w", err)
	}
	return nil
}
