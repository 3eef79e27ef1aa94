package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddress     = ":8545"
	defaultEnvironment       = "local"
	defaultRequestsPerMinute = 600
	defaultBurst             = 60
)

type Config struct {
	ListenAddress string           `toml:"ListenAddress" yaml:"listen_address"`
	Environment   string           `toml:"Environment" yaml:"environment"`
	LogFile       string           `toml:"LogFile" yaml:"log_file"`
	AuthSecret    string           `toml:"AuthSecret" yaml:"auth_secret"`
	RateLimit     RateLimit        `toml:"RateLimit" yaml:"rate_limit"`
	Telemetry     Telemetry        `toml:"Telemetry" yaml:"telemetry"`
	Accounts      []GenesisAccount `toml:"Accounts" yaml:"accounts"`
}

// Default returns the configuration written when no file exists.
func Default() *Config {
	return &Config{
		ListenAddress: defaultListenAddress,
		Environment:   defaultEnvironment,
		RateLimit: RateLimit{
			RequestsPerMinute: defaultRequestsPerMinute,
			Burst:             defaultBurst,
		},
		Accounts: []GenesisAccount{},
	}
}

// Load loads the configuration from the given path. TOML is the default
// format; files ending in .yaml or .yml are decoded as YAML. A missing file is
// created with defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if isYAML(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = defaultEnvironment
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = defaultRequestsPerMinute
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = defaultBurst
	}
	if c.Accounts == nil {
		c.Accounts = []GenesisAccount{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
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

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Amount parses the configured balance as a base-10 integer.
func (a GenesisAccount) Amount() (*uint256.Int, error) {
	return parseUintAmount(a.Balance)
}

func parseUintAmount(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	amount, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return amount, nil
}
