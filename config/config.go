package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"batpay/crypto"
	"batpay/native/batpay"
)

// KeystorePassphraseEnv names the environment variable holding the operator
// keystore passphrase.
const KeystorePassphraseEnv = "BATPAY_KEYSTORE_PASSPHRASE"

type Config struct {
	ListenAddress string `toml:"ListenAddress" yaml:"listen"`
	DataDir       string `toml:"DataDir" yaml:"dataDir"`
	// StorageBackend is one of leveldb, bolt or memory.
	StorageBackend string `toml:"StorageBackend" yaml:"storageBackend"`
	JournalPath    string `toml:"JournalPath" yaml:"journalPath"`
	// OperatorKeystorePath holds the key whose address identifies the ledger
	// instance in collect signatures.
	OperatorKeystorePath string        `toml:"OperatorKeystorePath" yaml:"operatorKeystorePath"`
	Clock                Clock         `toml:"Clock" yaml:"clock"`
	Params               batpay.Params `toml:"Params" yaml:"params"`
	Log                  Log           `toml:"Log" yaml:"log"`
	Gateway              Gateway       `toml:"Gateway" yaml:"gateway"`
	Observability        Observability `toml:"Observability" yaml:"observability"`
}

type format int

const (
	formatTOML format = iota
	formatYAML
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatTOML
	}
}

// Load loads the configuration from the given path. TOML is assumed unless
// the file ends in .yaml or .yml. A missing file is created with defaults and
// a fresh operator keystore.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	switch formatOf(path) {
	case formatYAML:
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration for a local single-operator ledger.
func Default() *Config {
	return &Config{
		ListenAddress:  ":8080",
		DataDir:        "./batpay-data",
		StorageBackend: "leveldb",
		Clock: Clock{
			Genesis:       "2024-01-01T00:00:00Z",
			BlockInterval: 15 * time.Second,
		},
		Params: batpay.RecommendedParams(),
		Log: Log{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Gateway: Gateway{
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   120 * time.Second,
			SignatureSkew: 2 * time.Minute,
			NonceTTL:      10 * time.Minute,
			RateLimit:     RateLimit{RatePerSecond: 20, Burst: 40},
			Auth:          Auth{ScopeClaim: "scope", ClockSkew: 2 * time.Minute},
		},
		Observability: Observability{
			ServiceName: "batpayd",
			Environment: "local",
			Metrics:     true,
		},
	}
}

func (c *Config) applyDefaults(path string) {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = filepath.Join(filepath.Dir(path), "batpay-data")
	}
	if strings.TrimSpace(c.JournalPath) == "" {
		c.JournalPath = filepath.Join(c.DataDir, "journal.db")
	}
	if strings.TrimSpace(c.Observability.ServiceName) == "" {
		c.Observability.ServiceName = "batpayd"
	}
	if c.Gateway.Auth.ScopeClaim == "" {
		c.Gateway.Auth.ScopeClaim = "scope"
	}
}

// LedgerPath is where the selected storage backend keeps its files.
func (c *Config) LedgerPath() string {
	if c.StorageBackend == "bolt" {
		return filepath.Join(c.DataDir, "ledger.bolt")
	}
	return filepath.Join(c.DataDir, "ledger")
}

// GenesisTime parses Clock.Genesis.
func (c *Config) GenesisTime() (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(c.Clock.Genesis))
}

// LoadOperatorKey decrypts the operator keystore with the passphrase from
// KeystorePassphraseEnv.
func (c *Config) LoadOperatorKey() (*crypto.PrivateKey, error) {
	return crypto.LoadFromKeystore(c.OperatorKeystorePath, os.Getenv(KeystorePassphraseEnv))
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, os.Getenv(KeystorePassphraseEnv)); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, os.Getenv(KeystorePassphraseEnv)); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.DataDir = filepath.Join(filepath.Dir(path), "batpay-data")
	cfg.OperatorKeystorePath = keystorePath
	cfg.applyDefaults(path)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if formatOf(path) == formatYAML {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
