package apiclient

import (
	"errors"
	"time"

	"github.com/joeshaw/envdecode"
)

// DefaultTimeout bounds each remote call when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Config describes the remote API endpoint.
type Config struct {
	// BaseURL is the API root, e.g. https://api.example.com. ENV: MCP_API_BASE_URL
	BaseURL string `env:"MCP_API_BASE_URL"`
	// Timeout applies per request. ENV: MCP_API_TIMEOUT
	Timeout time.Duration `env:"MCP_API_TIMEOUT,default=30s"`
	// AutoLogin makes TestConnection log in after a successful probe. ENV: MCP_API_AUTO_LOGIN
	AutoLogin bool `env:"MCP_API_AUTO_LOGIN,default=false"`
}

// ConfigFromEnv loads a Config from MCP_API_* environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, err
	}
	return cfg, nil
}
