package config

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// TLSVersion represents a supported TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

// ParseTLSVersion converts a string to a TLSVersion. Empty selects 1.2.
func ParseTLSVersion(version string) (TLSVersion, error) {
	if version == "" {
		return TLSVersion12, nil
	}
	switch v := TLSVersion(strings.TrimSpace(version)); v {
	case TLSVersion12, TLSVersion13:
		return v, nil
	default:
		return "", fmt.Errorf("unsupported TLS version %q", version)
	}
}

func (v TLSVersion) uint16() uint16 {
	if v == TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// TLSConfig represents TLS termination for the admin server.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" toml:"cert_file" json:"cert_file" split_words:"true"`
	KeyFile    string `yaml:"key_file" toml:"key_file" json:"key_file" split_words:"true"`
	MinVersion string `yaml:"min_version" toml:"min_version" json:"min_version" split_words:"true"`
}

// Validate checks that an enabled config names its key pair.
func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("tls: cert_file and key_file are required when enabled")
	}
	if _, err := ParseTLSVersion(c.MinVersion); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return nil
}

// Build loads the key pair. It returns nil when TLS is disabled.
func (c TLSConfig) Build() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	version, err := ParseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load admin certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   version.uint16(),
	}, nil
}
