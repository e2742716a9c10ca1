package dbconn

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/migadu/tenantdb/pkg/pool"
)

// buildTLSConfig turns endpoint TLS settings into a client configuration.
// Files are read on every call so rotated material is used by the next dial.
// A nil config with a nil error means TLS is disabled.
func buildTLSConfig(settings pool.TLSSettings, host string) (*tls.Config, error) {
	mode := strings.ToLower(settings.Mode)
	if mode == "" || mode == "disable" {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if settings.CertFile != "" || settings.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	switch mode {
	case "require":
		cfg.InsecureSkipVerify = true
		return cfg, nil
	case "verify-ca", "verify-full":
	default:
		return nil, fmt.Errorf("unknown TLS mode %q", settings.Mode)
	}

	if settings.CAFile == "" {
		return nil, fmt.Errorf("TLS mode %s requires a CA file", mode)
	}
	pem, err := os.ReadFile(settings.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", settings.CAFile)
	}
	cfg.RootCAs = roots

	if mode == "verify-full" {
		cfg.ServerName = settings.ServerName
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		return cfg, nil
	}

	// verify-ca checks the chain but not the host name.
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("server presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			c, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs = append(certs, c)
		}
		opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
		for _, c := range certs[1:] {
			opts.Intermediates.AddCert(c)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
	return cfg, nil
}
