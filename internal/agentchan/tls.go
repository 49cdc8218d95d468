package agentchan

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/grpc/credentials"
)

// CertsExist reports whether a usable cert/key/ca triple is present in dir,
// the same node.crt/node.key/ca.crt layout the teacher's security package
// uses.
func CertsExist(dir string) bool {
	for _, name := range []string{"node.crt", "node.key", "ca.crt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

func loadKeyPair(dir string) (tls.Certificate, error) {
	return tls.LoadX509KeyPair(filepath.Join(dir, "node.crt"), filepath.Join(dir, "node.key"))
}

func loadCAPool(dir string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	if err != nil {
		return nil, fmt.Errorf("read ca.crt: %w", err)
	}
	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("decode ca.crt: not a PEM certificate")
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca.crt: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	return pool, nil
}

// ClientTLS builds client-side mTLS credentials from a cert directory laid
// out by the engine's provisioning step.
func ClientTLS(certDir string) (credentials.TransportCredentials, error) {
	cert, err := loadKeyPair(certDir)
	if err != nil {
		return nil, fmt.Errorf("agentchan: load client certificate: %w", err)
	}
	pool, err := loadCAPool(certDir)
	if err != nil {
		return nil, fmt.Errorf("agentchan: load CA: %w", err)
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}), nil
}

// ServerTLS builds server-side mTLS credentials requiring every agent to
// present a certificate signed by the same CA.
func ServerTLS(certDir string) (credentials.TransportCredentials, error) {
	cert, err := loadKeyPair(certDir)
	if err != nil {
		return nil, fmt.Errorf("agentchan: load server certificate: %w", err)
	}
	pool, err := loadCAPool(certDir)
	if err != nil {
		return nil, fmt.Errorf("agentchan: load CA: %w", err)
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}), nil
}
