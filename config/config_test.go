package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"batpay/crypto"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, filepath.Join(dir, "operator.keystore"), cfg.OperatorKeystorePath)
	require.Equal(t, filepath.Join(dir, "batpay-data", "journal.db"), cfg.JournalPath)
	require.FileExists(t, path)

	key, err := cfg.LoadOperatorKey()
	require.NoError(t, err)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Params, reloaded.Params)
	again, err := reloaded.LoadOperatorKey()
	require.NoError(t, err)
	require.Equal(t, key.Address(), again.Address())
}

func TestLoadParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	contents := `ListenAddress = "127.0.0.1:9000"
DataDir = "./data"
StorageBackend = "bolt"

[Clock]
Genesis = "2025-06-01T00:00:00Z"
BlockInterval = "5s"

[Params]
MaxBulk = 10
MaxTransfer = 20
ChallengeBlocks = 30
ChallengeStepBlocks = 4
CollectStake = 1000
ChallengeStake = 100
UnlockBlocks = 8
MaxCollectAmount = 500000
InstantSlot = 100

[Log]
Level = "debug"
Format = "text"

[Gateway]
SignatureSkew = "1m"

[Gateway.RateLimit]
RatePerSecond = 2.5
Burst = 5
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Equal(t, "bolt", cfg.StorageBackend)
	require.Equal(t, filepath.Join("./data", "ledger.bolt"), cfg.LedgerPath())
	require.Equal(t, 5*time.Second, cfg.Clock.BlockInterval)
	require.Equal(t, uint32(10), cfg.Params.MaxBulk)
	require.Equal(t, uint32(100), cfg.Params.InstantSlot)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, time.Minute, cfg.Gateway.SignatureSkew)
	require.Equal(t, 5, cfg.Gateway.RateLimit.Burst)
	require.Equal(t, 10*time.Minute, cfg.Gateway.NonceTTL)

	genesis, err := cfg.GenesisTime()
	require.NoError(t, err)
	require.Equal(t, 2025, genesis.Year())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "OperatorKeystorePath")
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	keystore := filepath.Join(dir, "op.keystore")
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, crypto.SaveToKeystore(keystore, key, "", crypto.KeystoreLight))

	path := filepath.Join(dir, "node.yaml")
	contents := `listen: ":7000"
storageBackend: memory
operatorKeystorePath: ` + keystore + `
params:
  maxBulk: 1
  maxTransfer: 2
  challengeBlocks: 3
  challengeStepBlocks: 4
  collectStake: 5
  challengeStake: 6
  unlockBlocks: 7
  maxCollectAmount: 8
  instantSlot: 9
gateway:
  auth:
    enabled: true
    hmacSecret: s3cret
    issuer: batpay
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.ListenAddress)
	require.Equal(t, "memory", cfg.StorageBackend)
	require.Equal(t, uint64(8), cfg.Params.MaxCollectAmount)
	require.True(t, cfg.Gateway.Auth.Enabled)
	require.Equal(t, "scope", cfg.Gateway.Auth.ScopeClaim)
	require.Equal(t, keystore, cfg.OperatorKeystorePath)

	loaded, err := cfg.LoadOperatorKey()
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())
}

func TestLoadRejectsUnknownTOMLKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("ListenAddres = \":1\"\n"), 0o644))
	_, err := Load(path)
	require.ErrorContains(t, err, "unknown key")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"listen", func(c *Config) { c.ListenAddress = " " }, "listen address"},
		{"backend", func(c *Config) { c.StorageBackend = "rocks" }, "unknown backend"},
		{"params", func(c *Config) { c.Params.CollectStake = 0 }, "collectStake can't be zero"},
		{"genesis", func(c *Config) { c.Clock.Genesis = "yesterday" }, "genesis"},
		{"interval", func(c *Config) { c.Clock.BlockInterval = 0 }, "block interval"},
		{"level", func(c *Config) { c.Log.Level = "loud" }, "log"},
		{"format", func(c *Config) { c.Log.Format = "xml" }, "unknown format"},
		{"skew", func(c *Config) { c.Gateway.SignatureSkew = time.Hour }, "signature skew"},
		{"burst", func(c *Config) { c.Gateway.RateLimit.Burst = 0 }, "burst"},
		{"auth", func(c *Config) { c.Gateway.Auth.Enabled = true }, "hmacSecret"},
		{"tracing", func(c *Config) { c.Observability.Tracing = true }, "OTLP endpoint"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.want == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tc.want), err.Error())
		})
	}
}
