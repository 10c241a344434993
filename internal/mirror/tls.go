package mirror

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/cockroachdb/errors"
)

// TLSConfig holds the user-facing TLS settings for origin connections.
type TLSConfig struct {
	MinVersion         string `toml:"min_version,omitempty"`
	CACertPath         string `toml:"ca_cert_path,omitempty"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify,omitempty"`
}

// Check validates the configuration.
func (c *TLSConfig) Check() error {
	if _, err := parseTLSVersion(c.MinVersion); err != nil {
		return err
	}
	if c.CACertPath != "" {
		if _, err := os.Stat(c.CACertPath); err != nil {
			return errors.Wrap(err, "ca_cert_path")
		}
	}
	return nil
}

func parseTLSVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, errors.New("unsupported TLS version: " + v)
	}
}

// BuildTLSConfig converts the settings into a *tls.Config.
func (c *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	minVersion, err := parseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:         minVersion,
		InsecureSkipVerify: c.InsecureSkipVerify, // #nosec G402 - explicit user opt-in for broken origins
	}

	if c.CACertPath != "" {
		pem, err := os.ReadFile(c.CACertPath) // #nosec G304 - path comes from validated config
		if err != nil {
			return nil, errors.Wrap(err, "TLS CA certificate")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no PEM certificates found in " + c.CACertPath)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
