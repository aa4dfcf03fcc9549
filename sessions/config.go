package sessions

import (
	"errors"
	"time"

	"github.com/ggoodman/mcp-toolserver/storage/redis"
	"github.com/joeshaw/envdecode"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	DefaultMaxEntries    = 10000
)

// Config controls session expiry and backend selection. Zero values fall back
// to the defaults above.
type Config struct {
	// TTL is how long a session survives without an update. ENV: MCP_SESSION_TTL
	TTL time.Duration `env:"MCP_SESSION_TTL,default=30m"`
	// SweepInterval is the period of Run's expiry sweep. ENV: MCP_SESSION_SWEEP_INTERVAL
	SweepInterval time.Duration `env:"MCP_SESSION_SWEEP_INTERVAL,default=5m"`
	// MaxEntries bounds the memory backend. ENV: MCP_SESSION_MAX_ENTRIES
	MaxEntries int `env:"MCP_SESSION_MAX_ENTRIES,default=10000"`

	// RedisEnabled selects the Redis backend when RedisURL is also set.
	RedisEnabled bool   `env:"MCP_SESSION_REDIS_ENABLED,default=false"`
	RedisURL     string `env:"MCP_SESSION_REDIS_URL"`
	RedisPrefix  string `env:"MCP_SESSION_REDIS_PREFIX,default=mcp:sessions:"`
}

// ConfigFromEnv loads a Config from MCP_SESSION_* environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

// UsesRedis reports whether the configuration selects the Redis backend.
func (c Config) UsesRedis() bool {
	return c.RedisEnabled && c.RedisURL != ""
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = redis.DefaultKeyPrefix
	}
	return c
}
