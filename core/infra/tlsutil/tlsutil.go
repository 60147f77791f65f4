// Package tlsutil builds client TLS configs from file paths, either supplied
// directly or read from <PREFIX>_TLS_* environment variables.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// Files names the PEM material for a client TLS config.
type Files struct {
	CA         string
	Cert       string
	Key        string
	ServerName string
	Insecure   bool
}

// Empty reports whether no TLS setting was provided.
func (f Files) Empty() bool {
	return f.CA == "" && f.Cert == "" && f.Key == "" && f.ServerName == "" && !f.Insecure
}

// FilesFromEnv reads <prefix>_TLS_CA, _CERT, _KEY, _SERVER_NAME and _INSECURE.
func FilesFromEnv(prefix string) Files {
	get := func(suffix string) string {
		return strings.TrimSpace(os.Getenv(prefix + "_TLS_" + suffix))
	}
	return Files{
		CA:         get("CA"),
		Cert:       get("CERT"),
		Key:        get("KEY"),
		ServerName: get("SERVER_NAME"),
		Insecure:   ParseBool(get("INSECURE")),
	}
}

// Build returns existing unchanged when files is empty, otherwise a copy of
// existing with the requested material applied.
func Build(name string, existing *tls.Config, files Files) (*tls.Config, error) {
	if files.Empty() {
		return existing, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if existing != nil {
		cfg = existing.Clone()
	}
	if files.ServerName != "" {
		cfg.ServerName = files.ServerName
	}
	if files.Insecure {
		cfg.InsecureSkipVerify = true
	}
	if files.CA != "" {
		pem, err := os.ReadFile(files.CA)
		if err != nil {
			return nil, fmt.Errorf("%s tls ca read: %w", name, err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("%s tls ca parse: %s", name, files.CA)
		}
		cfg.RootCAs = pool
	}
	if files.Cert != "" || files.Key != "" {
		if files.Cert == "" || files.Key == "" {
			return nil, fmt.Errorf("%s tls cert/key must be set together", name)
		}
		cert, err := tls.LoadX509KeyPair(files.Cert, files.Key)
		if err != nil {
			return nil, fmt.Errorf("%s tls keypair: %w", name, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ParseBool accepts the usual truthy spellings.
func ParseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
