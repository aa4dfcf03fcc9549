package auth

import (
	"errors"

	"github.com/joeshaw/envdecode"
)

// Config holds the default login credentials used when Login is called
// without explicit ones.
type Config struct {
	Email    string `env:"MCP_API_EMAIL"`
	Password string `env:"MCP_API_PASSWORD"`
}

// ConfigFromEnv loads a Config from MCP_API_EMAIL and MCP_API_PASSWORD.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, err
	}
	return cfg, nil
}
