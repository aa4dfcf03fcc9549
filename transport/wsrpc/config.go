package wsrpc

import (
	"errors"
	"strings"

	"github.com/joeshaw/envdecode"
)

// DefaultMaxPayload bounds inbound frames when Config.MaxPayload is zero.
const DefaultMaxPayload = 1 << 20

// Config controls the WebSocket transport.
type Config struct {
	Host string `env:"MCP_WS_HOST,default=127.0.0.1"`
	Port int    `env:"MCP_WS_PORT,default=3001"`
	Path string `env:"MCP_WS_PATH,default=/sse"`

	// TLSCert and TLSKey enable wss:// when both are set.
	TLSCert string `env:"MCP_WS_TLS_CERT"`
	TLSKey  string `env:"MCP_WS_TLS_KEY"`

	// AllowedOrigins is a comma-separated list of host patterns accepted
	// in the Origin header. Empty means same-origin only.
	AllowedOrigins string `env:"MCP_WS_ALLOWED_ORIGINS"`

	Compression bool  `env:"MCP_WS_COMPRESSION,default=false"`
	MaxPayload  int64 `env:"MCP_WS_MAX_PAYLOAD,default=1048576"`
}

// ConfigFromEnv loads a Config from MCP_WS_* environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, err
	}
	return cfg, nil
}

// TLS reports whether the transport serves wss://.
func (c Config) TLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

func (c Config) originPatterns() []string {
	var out []string
	for _, part := range strings.Split(c.AllowedOrigins, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
