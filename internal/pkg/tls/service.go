package tls

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

const (
	certValidity = 365 * 24 * time.Hour
	renewBefore  = 30 * 24 * time.Hour
)

// Service manages the self-signed certificate served by the dashboard API
type Service struct {
	certDir  string
	certPath string
	keyPath  string
	hosts    []string
	now      func() time.Time
}

// NewService stores the pair under certDir. Extra hosts are added to the
// certificate next to localhost and the machine's hostname.
func NewService(certDir string, hosts ...string) *Service {
	return &Service{
		certDir:  certDir,
		certPath: filepath.Join(certDir, "lightsout.crt"),
		keyPath:  filepath.Join(certDir, "lightsout.key"),
		hosts:    hosts,
		now:      time.Now,
	}
}

// GenerateSelfSignedCert writes a new pair unless a usable one is already on disk
func (s *Service) GenerateSelfSignedCert() error {
	if err := os.MkdirAll(s.certDir, 0755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}

	if s.certificateExists() && s.certificateValid() {
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := s.now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Lights Out"},
			CommonName:   "lightsout-server",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	s.addHosts(&template)

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := writePEM(s.keyPath, "PRIVATE KEY", keyDER, 0600); err != nil {
		return err
	}
	if err := writePEM(s.certPath, "CERTIFICATE", certDER, 0644); err != nil {
		return err
	}

	return nil
}

// GetCertPath returns the certificate and key paths
func (s *Service) GetCertPath() (string, string, error) {
	if !s.certificateExists() {
		return "", "", fmt.Errorf("certificate files do not exist in %s", s.certDir)
	}
	return s.certPath, s.keyPath, nil
}

// RenewCertificate discards the current pair and issues a new one
func (s *Service) RenewCertificate() error {
	for _, p := range []string{s.certPath, s.keyPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return s.GenerateSelfSignedCert()
}

func (s *Service) certificateExists() bool {
	_, certErr := os.Stat(s.certPath)
	_, keyErr := os.Stat(s.keyPath)
	return certErr == nil && keyErr == nil
}

// certificateValid reports whether the stored certificate parses and has
// more than renewBefore left
func (s *Service) certificateValid() bool {
	cert, err := s.loadCertificate()
	if err != nil {
		return false
	}
	return cert.NotAfter.After(s.now().Add(renewBefore))
}

func (s *Service) loadCertificate() (*x509.Certificate, error) {
	data, err := os.ReadFile(s.certPath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate block in %s", s.certPath)
	}
	return x509.ParseCertificate(block.Bytes)
}

func (s *Service) addHosts(template *x509.Certificate) {
	template.IPAddresses = append(template.IPAddresses, net.IPv4(127, 0, 0, 1), net.IPv6loopback)
	template.DNSNames = append(template.DNSNames, "localhost")

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		template.DNSNames = append(template.DNSNames, hostname)
	}

	for _, h := range s.hosts {
		if h == "" || h == "0.0.0.0" || h == "::" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	return nil
}
