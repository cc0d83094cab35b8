package attestation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gaurav137/tpm-verifier/pkg/tpmwire"
)

// Config holds the server's process-wide configuration. It is loaded once
// at startup and treated as immutable for the lifetime of the process; it
// is never reloaded mid-request.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `yaml:"listenAddr"`

	// BinDir names the directory containing the policy verifier
	// executable. Overridden by the BINDIR environment variable;
	// defaults to the current working directory.
	BinDir string `yaml:"binDir"`

	// QuotePCRs lists the PCR indices the client's selection must match
	// exactly, per hash algorithm name ("sha1", "sha256", "sha384",
	// "sha512").
	QuotePCRs map[string][]int `yaml:"quotePCRs"`

	// RequireEventLog controls whether a request with no eventlog part
	// is rejected. The reference implementation accepts it; this spec
	// defers the choice to the operator (§9 open question).
	RequireEventLog bool `yaml:"requireEventLog"`

	// IMAPCR is the PCR index IMA log entries are expected to extend.
	IMAPCR int `yaml:"imaPCR"`

	// MinNonceLen is the minimum accepted nonce length in bytes.
	MinNonceLen int `yaml:"minNonceLen"`
}

// DefaultConfig returns the configuration this server falls back to when
// no config file is given.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       ":8443",
		BinDir:           ".",
		QuotePCRs:        map[string][]int{"sha256": sequence(0, 16)},
		RequireEventLog:  false,
		IMAPCR:           tpmwire.DefaultIMAPCR,
		MinNonceLen:      8,
	}
}

func sequence(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

// LoadConfig reads a YAML config file at path, layering it over
// DefaultConfig, then applies the BINDIR environment variable, which
// always wins over both the file and the default (matching the
// reference implementation's process-wide BINDIR override).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("attestation: reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("attestation: parsing config file %s: %w", path, err)
		}
	}

	if bindir := os.Getenv("BINDIR"); bindir != "" {
		cfg.BinDir = bindir
	}
	if cfg.BinDir == "" {
		cfg.BinDir = "."
	}

	return cfg, cfg.Validate()
}

// Validate checks the loaded configuration is self-consistent.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("attestation: listenAddr must not be empty")
	}
	if c.MinNonceLen < 8 {
		return fmt.Errorf("attestation: minNonceLen must be >= 8, got %d", c.MinNonceLen)
	}
	if len(c.QuotePCRs) == 0 {
		return fmt.Errorf("attestation: quotePCRs must name at least one algorithm/PCR set")
	}
	for name, pcrs := range c.QuotePCRs {
		alg, ok := algorithmByName(name)
		if !ok {
			return fmt.Errorf("attestation: quotePCRs names unknown algorithm %q", name)
		}
		if !alg.Valid() {
			return fmt.Errorf("attestation: quotePCRs algorithm %q is not supported", name)
		}
		if len(pcrs) == 0 {
			return fmt.Errorf("attestation: quotePCRs[%s] must list at least one PCR", name)
		}
	}
	return nil
}

// ExpectedSelection derives the tpmwire.PcrSelection the quote verifier
// requires from the configured QuotePCRs map.
func (c *Config) ExpectedSelection() (tpmwire.PcrSelection, error) {
	sel := make(tpmwire.PcrSelection, len(c.QuotePCRs))
	for name, pcrs := range c.QuotePCRs {
		alg, ok := algorithmByName(name)
		if !ok {
			return nil, fmt.Errorf("attestation: quotePCRs names unknown algorithm %q", name)
		}
		idxs := make(map[int]bool, len(pcrs))
		for _, p := range pcrs {
			idxs[p] = true
		}
		sel[alg] = idxs
	}
	return sel, nil
}

func algorithmByName(name string) (tpmwire.Algorithm, bool) {
	switch name {
	case "sha1":
		return tpmwire.AlgSHA1, true
	case "sha256":
		return tpmwire.AlgSHA256, true
	case "sha384":
		return tpmwire.AlgSHA384, true
	case "sha512":
		return tpmwire.AlgSHA512, true
	default:
		return 0, false
	}
}
