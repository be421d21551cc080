package config

import "time"

// Clock maps wall time onto the ledger's block heights.
type Clock struct {
	// Genesis is the RFC 3339 instant of height 0.
	Genesis       string        `toml:"Genesis" yaml:"genesis"`
	BlockInterval time.Duration `toml:"BlockInterval" yaml:"blockInterval"`
}

// Log controls the structured logger and its optional rotating file sink.
type Log struct {
	Level      string `toml:"Level" yaml:"level"`
	Format     string `toml:"Format" yaml:"format"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
}

type RateLimit struct {
	RatePerSecond float64 `toml:"RatePerSecond" yaml:"ratePerSecond"`
	Burst         int     `toml:"Burst" yaml:"burst"`
}

// Auth configures the optional bearer-token gate in front of the gateway.
type Auth struct {
	Enabled    bool          `toml:"Enabled" yaml:"enabled"`
	HMACSecret string        `toml:"HMACSecret" yaml:"hmacSecret"`
	Issuer     string        `toml:"Issuer" yaml:"issuer"`
	Audience   string        `toml:"Audience" yaml:"audience"`
	ScopeClaim string        `toml:"ScopeClaim" yaml:"scopeClaim"`
	ClockSkew  time.Duration `toml:"ClockSkew" yaml:"clockSkew"`
}

type Gateway struct {
	ReadTimeout  time.Duration `toml:"ReadTimeout" yaml:"readTimeout"`
	WriteTimeout time.Duration `toml:"WriteTimeout" yaml:"writeTimeout"`
	IdleTimeout  time.Duration `toml:"IdleTimeout" yaml:"idleTimeout"`
	// SignatureSkew bounds the age of a signed request's timestamp.
	SignatureSkew time.Duration `toml:"SignatureSkew" yaml:"signatureSkew"`
	NonceTTL      time.Duration `toml:"NonceTTL" yaml:"nonceTTL"`
	RateLimit     RateLimit     `toml:"RateLimit" yaml:"rateLimit"`
	Auth          Auth          `toml:"Auth" yaml:"auth"`
	// TokenFaucet exposes an unauthenticated mint endpoint for local networks.
	TokenFaucet bool `toml:"TokenFaucet" yaml:"tokenFaucet"`
}

type Observability struct {
	ServiceName  string `toml:"ServiceName" yaml:"serviceName"`
	Environment  string `toml:"Environment" yaml:"environment"`
	Metrics      bool   `toml:"Metrics" yaml:"metrics"`
	Tracing      bool   `toml:"Tracing" yaml:"tracing"`
	OTLPEndpoint string `toml:"OTLPEndpoint" yaml:"otlpEndpoint"`
	OTLPInsecure bool   `toml:"OTLPInsecure" yaml:"otlpInsecure"`
}
