// Package node assembles a running node: database, per-chain pipelines,
// contract runtime, network overlay, web API and the minting workers.
package node

import (
	"fmt"
	"os"

	"github.com/naoina/toml"
)

// Config is the node configuration, loadable from a TOML file and
// overridable from the command line.
type Config struct {
	// DataDir holds the database; empty runs fully in memory.
	DataDir string

	// Host is the public base URL peers reach this node at, e.g.
	// "https://node0.example.net".
	Host string

	// Port the web API listens on.
	Port int

	// Chains this node serves and mints on.
	Chains []string

	// Bootnodes are peer base URLs contacted at startup.
	Bootnodes []string

	// KeyHex is the 32-byte wallet private key in hex. Empty disables
	// minting; the node still relays and serves.
	KeyHex string

	// EnableHTTPS switches the API to TLS using CertPath/KeyPath.
	EnableHTTPS bool
	CertPath    string
	KeyPath     string

	// DatabaseCache and DatabaseHandles tune the backing store.
	DatabaseCache   int
	DatabaseHandles int
}

// DefaultConfig returns a local single-chain setup.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		Chains:          []string{"mainnet"},
		DatabaseCache:   128,
		DatabaseHandles: 256,
	}
}

// LoadConfig reads a TOML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %v", path, err)
	}
	return cfg, nil
}

// ListenAddr returns the API bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// PublicHost returns the announced base URL, derived from the port when not
// configured explicitly.
func (c *Config) PublicHost() string {
	if c.Host != "" {
		return c.Host
	}
	scheme := "http"
	if c.EnableHTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://localhost:%d", scheme, c.Port)
}

// Sanitize validates the configuration.
func (c *Config) Sanitize() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("no chains configured")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.EnableHTTPS && (c.CertPath == "" || c.KeyPath == "") {
		return fmt.Errorf("https enabled without cert or key path")
	}
	return nil
}
