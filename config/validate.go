package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	MaxSignatureSkew = 10 * time.Minute
)

// Validate checks the configuration before any component is started.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen address is required")
	}
	switch c.StorageBackend {
	case "leveldb", "bolt", "memory":
	default:
		return fmt.Errorf("storage: unknown backend %q", c.StorageBackend)
	}
	if err := c.Params.Validate(); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	if _, err := c.GenesisTime(); err != nil {
		return fmt.Errorf("clock: genesis: %w", err)
	}
	if c.Clock.BlockInterval <= 0 {
		return errors.New("clock: block interval must be positive")
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	g := c.Gateway
	if g.SignatureSkew <= 0 || g.SignatureSkew > MaxSignatureSkew {
		return fmt.Errorf("gateway: signature skew must be in (0, %s]", MaxSignatureSkew)
	}
	if g.RateLimit.RatePerSecond < 0 || g.RateLimit.Burst < 0 {
		return errors.New("gateway: rate limit must not be negative")
	}
	if g.RateLimit.RatePerSecond > 0 && g.RateLimit.Burst == 0 {
		return errors.New("gateway: rate limit burst must be positive")
	}
	if g.Auth.Enabled && strings.TrimSpace(g.Auth.HMACSecret) == "" {
		return errors.New("gateway: auth enabled without hmacSecret")
	}
	if c.Observability.Tracing && strings.TrimSpace(c.Observability.OTLPEndpoint) == "" {
		return errors.New("observability: tracing requires an OTLP endpoint")
	}
	return nil
}
