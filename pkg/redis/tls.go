package redis

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	envconfig "github.com/mb6226/iranvault/pkg/config"
)

// ErrIncompleteKeyPair is returned when only one of the client cert and key is configured.
var ErrIncompleteKeyPair = errors.New("redis tls: client cert and key must be set together")

// TLSOptions describes TLS for the Redis connection. Nothing is built unless Enabled is set.
type TLSOptions struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CAFile     string `json:"caFile" yaml:"caFile"`
	CertFile   string `json:"certFile" yaml:"certFile"`
	KeyFile    string `json:"keyFile" yaml:"keyFile"`
	ServerName string `json:"serverName" yaml:"serverName"`
}

// TLSOptionsFromEnv reads TLS options from environment variables.
//
// Supported envs:
// - REDIS_TLS=true/false
// - REDIS_CACERT=/path/to/ca.pem
// - REDIS_CERT, REDIS_KEY=client pair, set together
// - REDIS_SERVER_NAME=redis.internal
func TLSOptionsFromEnv() TLSOptions {
	return TLSOptions{
		Enabled:    envconfig.GetEnvBool("REDIS_TLS", false),
		CAFile:     envconfig.GetEnv("REDIS_CACERT", ""),
		CertFile:   envconfig.GetEnv("REDIS_CERT", ""),
		KeyFile:    envconfig.GetEnv("REDIS_KEY", ""),
		ServerName: envconfig.GetEnv("REDIS_SERVER_NAME", ""),
	}
}

// Build returns the tls.Config for go-redis, or nil when TLS is disabled.
func (o TLSOptions) Build() (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	if (o.CertFile == "") != (o.KeyFile == "") {
		return nil, ErrIncompleteKeyPair
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: o.ServerName}

	if o.CAFile != "" {
		pool, err := o.rootCAs()
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" {
		pair, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("redis tls: load key pair %s: %w", o.CertFile, err)
		}
		cfg.Certificates = append(cfg.Certificates, pair)
	}
	return cfg, nil
}

// rootCAs is the system pool plus the certificates in CAFile.
func (o TLSOptions) rootCAs() (*x509.CertPool, error) {
	pem, err := os.ReadFile(o.CAFile)
	if err != nil {
		return nil, fmt.Errorf("redis tls: read ca %s: %w", o.CAFile, err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("redis tls: ca %s contains no certificate", o.CAFile)
	}
	return pool, nil
}
