// Package config carries the process-level settings the transports consume:
// the operating port, the pipe-vs-HTTP mode switch, and the log destination,
// plus the optional knobs around them. The core runs identically however
// these are supplied; environment variables are the base layer, a TOML file
// overrides them, and command-line flags override both (applied by cmd).
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
)

// Duration parses "15s"-style strings from both envdecode and TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Decode implements envdecode.Decoder.
func (d *Duration) Decode(repl string) error {
	return d.UnmarshalText([]byte(repl))
}

// Config is the full runtime configuration.
type Config struct {
	// Port for HTTP mode. ENV: PORT
	Port int `env:"PORT,default=3001" toml:"port"`
	// Stdio selects pipe mode instead of HTTP. ENV: STDIO
	Stdio bool `env:"STDIO,default=false" toml:"stdio"`
	// LogFile is the log destination path; empty logs to stderr. ENV: LOG_FILE
	LogFile string `env:"LOG_FILE" toml:"log_file"`
	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info" toml:"log_level"`

	// ServerName is surfaced by the readiness banner. ENV: SERVER_NAME
	ServerName string `env:"SERVER_NAME,default=sessiongate" toml:"server_name"`
	// EndpointPath is the session endpoint. ENV: ENDPOINT_PATH
	EndpointPath string `env:"ENDPOINT_PATH,default=/mcp" toml:"endpoint_path"`
	// JSONResponse selects synchronous JSON bodies over SSE response streams.
	// ENV: JSON_RESPONSE
	JSONResponse bool `env:"JSON_RESPONSE,default=false" toml:"json_response"`
	// LegacySSE mounts the backward-compatible push-stream endpoints.
	// ENV: LEGACY_SSE
	LegacySSE bool `env:"LEGACY_SSE,default=false" toml:"legacy_sse"`

	// RedisAddr enables Redis-backed event history when set; empty keeps
	// per-session in-memory rings. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR" toml:"redis_addr"`

	// ShutdownGrace bounds the whole shutdown sweep. ENV: SHUTDOWN_GRACE
	ShutdownGrace Duration `env:"SHUTDOWN_GRACE,default=15s" toml:"shutdown_grace"`
	// SessionCloseTimeout bounds each individual session close during
	// shutdown. ENV: SESSION_CLOSE_TIMEOUT
	SessionCloseTimeout Duration `env:"SESSION_CLOSE_TIMEOUT,default=5s" toml:"session_close_timeout"`
}

// Load builds the configuration from the environment, overlaid with the
// TOML file at path when non-empty.
func Load(path string) (*Config, error) {
	var cfg Config
	// Defaults come from struct tags; a fully defaulted config never errors.
	_ = envdecode.Decode(&cfg)

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the transports cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if len(c.EndpointPath) == 0 || c.EndpointPath[0] != '/' {
		return fmt.Errorf("endpoint path %q must start with /", c.EndpointPath)
	}
	return nil
}
