package runtime

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/InsulaLabs/drive/config"
)

// ensureKeys writes a self-signed cert and key to the configured tls paths
// unless both files already exist.
func ensureKeys(logger *slog.Logger, cfg *config.Node) error {
	_, certErr := os.Stat(cfg.TLS.Cert)
	_, keyErr := os.Stat(cfg.TLS.Key)
	if certErr == nil && keyErr == nil {
		return nil
	}

	for _, p := range []string{cfg.TLS.Cert, cfg.TLS.Key} {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return fmt.Errorf("failed to create keys directory for %s: %w", p, err)
		}
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"drive-local"},
			CommonName:   "drived",
		},
		NotBefore: notBefore,
		NotAfter:  notBefore.AddDate(10, 0, 0),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	template.DNSNames = []string{"localhost"}
	template.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}

	for _, hostPort := range []string{cfg.HttpBinding, cfg.ClientDomain} {
		if hostPort == "" {
			continue
		}
		host, _, err := net.SplitHostPort(hostPort)
		if err != nil {
			host = hostPort
		}
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if host != "" {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	template.IPAddresses = removeDuplicateIPs(template.IPAddresses)
	template.DNSNames = removeDuplicateStrings(template.DNSNames)

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	if err := os.WriteFile(cfg.TLS.Cert, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", cfg.TLS.Cert, err)
	}
	logger.Info("Generated certificate", "path", cfg.TLS.Cert)

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	if err := os.WriteFile(cfg.TLS.Key, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", cfg.TLS.Key, err)
	}
	logger.Info("Generated private key", "path", cfg.TLS.Key)
	return nil
}

func removeDuplicateIPs(ips []net.IP) []net.IP {
	seen := make(map[string]bool)
	result := []net.IP{}
	for _, ip := range ips {
		if ip == nil {
			continue
		}
		ipStr := ip.String()
		if _, ok := seen[ipStr]; !ok {
			seen[ipStr] = true
			result = append(result, ip)
		}
	}
	return result
}

func removeDuplicateStrings(s []string) []string {
	seen := make(map[string]bool)
	result := []string{}
	for _, item := range s {
		if _, ok := seen[item]; !ok {
			seen[item] = true
			result = append(result, item)
		}
	}
	return result
}
