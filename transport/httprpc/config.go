package httprpc

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// DefaultMaxBodyBytes bounds POST bodies when Config.MaxBodyBytes is zero.
const DefaultMaxBodyBytes = 1 << 20

// Config controls the HTTP transport. A zero Port binds an ephemeral port.
type Config struct {
	Host string `env:"MCP_HTTP_HOST,default=127.0.0.1"`
	Port int    `env:"MCP_HTTP_PORT,default=3000"`

	// CORSOrigin is "*" or a comma-separated list of allowed origins.
	CORSOrigin      string `env:"MCP_HTTP_CORS_ORIGIN,default=*"`
	CORSCredentials bool   `env:"MCP_HTTP_CORS_CREDENTIALS,default=false"`

	// TrustedProxies is a comma-separated list of IPs or CIDRs whose
	// X-Forwarded-For header is believed.
	TrustedProxies string `env:"MCP_HTTP_TRUSTED_PROXIES"`

	RateLimitEnabled bool          `env:"MCP_HTTP_RATE_LIMIT_ENABLED,default=false"`
	RateLimit        int           `env:"MCP_HTTP_RATE_LIMIT,default=100"`
	RateLimitWindow  time.Duration `env:"MCP_HTTP_RATE_LIMIT_WINDOW,default=60s"`

	MaxBodyBytes int64 `env:"MCP_HTTP_MAX_BODY_BYTES,default=1048576"`

	// Debug logs every request at debug level. ENV: MCP_DEBUG
	Debug bool `env:"MCP_DEBUG,default=false"`
}

// ConfigFromEnv loads a Config from MCP_HTTP_* environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTrustedProxies accepts bare addresses and CIDR prefixes.
func parseTrustedProxies(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, entry := range splitList(s) {
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
	}
	return out, nil
}
