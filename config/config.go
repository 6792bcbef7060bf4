package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"loanvault/crypto"
)

// Config is the on-disk daemon configuration. Addresses are bech32 strings
// with the lv prefix.
type Config struct {
	ListenAddress       string   `toml:"ListenAddress"`
	DataDir             string   `toml:"DataDir"`
	ChainID             uint64   `toml:"ChainID"`
	DomainName          string   `toml:"DomainName"`
	DomainVersion       string   `toml:"DomainVersion"`
	VerifyingAddress    string   `toml:"VerifyingAddress"`
	CustodyAddress      string   `toml:"CustodyAddress"`
	VaultAssetAddress   string   `toml:"VaultAssetAddress"`
	FeeBps              uint64   `toml:"FeeBps"`
	MinPrincipal        string   `toml:"MinPrincipal"`
	AllowedVerifiers    []string `toml:"AllowedVerifiers"`
	AdminAddresses      []string `toml:"AdminAddresses"`
	FeeClaimerAddresses []string `toml:"FeeClaimerAddresses"`
	RepayerAddresses    []string `toml:"RepayerAddresses"`
	PausedModules       []string `toml:"PausedModules"`
}

const (
	defaultListenAddress = "127.0.0.1:8545"
	defaultDomainName    = "LoanVault"
	defaultDomainVersion = "2"
	defaultChainID       = 1
	defaultFeeBps        = 50
)

// Load reads the configuration at path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(path string) {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = filepath.Join(filepath.Dir(path), "data")
	}
	if c.ChainID == 0 {
		c.ChainID = defaultChainID
	}
	if strings.TrimSpace(c.DomainName) == "" {
		c.DomainName = defaultDomainName
	}
	if strings.TrimSpace(c.DomainVersion) == "" {
		c.DomainVersion = defaultDomainVersion
	}
	if strings.TrimSpace(c.MinPrincipal) == "" {
		c.MinPrincipal = "0"
	}
	if c.AllowedVerifiers == nil {
		c.AllowedVerifiers = []string{}
	}
	if c.AdminAddresses == nil {
		c.AdminAddresses = []string{}
	}
	if c.FeeClaimerAddresses == nil {
		c.FeeClaimerAddresses = []string{}
	}
	if c.RepayerAddresses == nil {
		c.RepayerAddresses = []string{}
	}
	if c.PausedModules == nil {
		c.PausedModules = []string{}
	}
}

// Validate checks every address field decodes and the fee stays inside the
// basis point scale.
func (c *Config) Validate() error {
	if c.FeeBps > 10_000 {
		return fmt.Errorf("config: FeeBps %d exceeds 10000", c.FeeBps)
	}
	for field, value := range map[string]string{
		"VerifyingAddress":  c.VerifyingAddress,
		"CustodyAddress":    c.CustodyAddress,
		"VaultAssetAddress": c.VaultAssetAddress,
	} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, err := crypto.DecodeAddress(value); err != nil {
			return fmt.Errorf("config: %s: %w", field, err)
		}
	}
	for _, v := range c.AllowedVerifiers {
		if _, err := crypto.DecodeAddress(v); err != nil {
			return fmt.Errorf("config: AllowedVerifiers entry %q: %w", v, err)
		}
	}
	for field, list := range map[string][]string{
		"AdminAddresses":      c.AdminAddresses,
		"FeeClaimerAddresses": c.FeeClaimerAddresses,
		"RepayerAddresses":    c.RepayerAddresses,
	} {
		for _, a := range list {
			if _, err := crypto.DecodeAddress(a); err != nil {
				return fmt.Errorf("config: %s entry %q: %w", field, a, err)
			}
		}
	}
	return nil
}

// Address decodes one of the bech32 address fields into its raw form. Empty
// fields resolve to the zero address.
func Address(value string) ([20]byte, error) {
	if strings.TrimSpace(value) == "" {
		return [20]byte{}, nil
	}
	decoded, err := crypto.DecodeAddress(value)
	if err != nil {
		return [20]byte{}, err
	}
	return decoded.Raw(), nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: defaultListenAddress,
		ChainID:       defaultChainID,
		DomainName:    defaultDomainName,
		DomainVersion: defaultDomainVersion,
		FeeBps:        defaultFeeBps,
		MinPrincipal:  "0",
	}
	cfg.applyDefaults(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
