package rpc_interface

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const certValidity = 14 * 30 * 24 * time.Hour

var (
	tlsKeyFile        = "key.pem"
	tlsCertFile       = "cert.pem"
	serialNumberLimit = new(big.Int).Lsh(big.NewInt(1), 128)
)

// generateTLSKeyPair creates a self-signed certificate and its key in the
// given location, unless they already exist.
func generateTLSKeyPair(location string, extraIPs, extraDomains []string) error {
	keyPath := filepath.Join(location, tlsKeyFile)
	certPath := filepath.Join(location, tlsCertFile)
	if fileExists(keyPath) && fileExists(certPath) {
		return nil
	}
	if err := os.MkdirAll(location, 0700); err != nil {
		return err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return err
	}

	ips := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	for _, ip := range extraIPs {
		ips = append(ips, net.ParseIP(ip))
	}
	domains := append([]string{"localhost"}, extraDomains...)
	if host, err := os.Hostname(); err == nil {
		domains = append(domains, host)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"connector autogenerated cert"},
			CommonName:   "localhost",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           ips,
		DNSNames:              domains,
	}

	certBytes, err := x509.CreateCertificate(
		rand.Reader, template, template, &key.PublicKey, key,
	)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %s", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %s", err)
	}

	if err := writePem(certPath, "CERTIFICATE", certBytes, 0644); err != nil {
		return err
	}
	return writePem(keyPath, "EC PRIVATE KEY", keyBytes, 0600)
}

func writePem(path, blockType string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer f.Close()

	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: data})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
