/*
Config package
*/
package config

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config - process configuration: a .env file in the working directory
// overlaid with ENV variables.
type Config struct {
	mu sync.RWMutex
	v  *viper.Viper
}

// New - read .env and ENV variables
func New() (*Config, error) {
	v, err := load()
	if err != nil {
		return nil, err
	}

	return &Config{v: v}, nil
}

func load() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("dotenv")
	v.AddConfigPath(".") // look for config in the working directory
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var typeErr viper.ConfigFileNotFoundError
		if !errors.As(err, &typeErr) {
			return nil, err
		}
	}

	return v, nil
}

// Reset drops every default and override set so far and re-reads the sources.
func (c *Config) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := load()
	if err != nil {
		v = viper.New()
		v.AutomaticEnv()
	}

	c.v = v
}

func (c *Config) SetDefault(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.v.SetDefault(key, value)
}

func (c *Config) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.v.Set(key, value)
}

func (c *Config) IsSet(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.v.IsSet(key)
}

func (c *Config) GetString(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.v.GetString(key)
}

// GetStringSlice also splits comma separated elements, as env values arrive
// as a single string.
func (c *Config) GetStringSlice(key string) []string {
	c.mu.RLock()
	raw := c.v.GetStringSlice(key)
	c.mu.RUnlock()

	values := make([]string, 0, len(raw))
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				values = append(values, part)
			}
		}
	}

	return values
}

func (c *Config) GetInt(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.v.GetInt(key)
}

func (c *Config) GetBool(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.v.GetBool(key)
}

func (c *Config) GetFloat64(key string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.v.GetFloat64(key)
}

func (c *Config) GetDuration(key string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.v.GetDuration(key)
}
