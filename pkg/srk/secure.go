package srk

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const certificateName = "srkstore.crt"
const keyName = "srkstore.key"

// LoadDevCertificate returns the self-signed serving certificate kept in dir,
// creating it first if it does not exist. It is meant for local development
// only; production deployments terminate TLS in front of the gateway.
func LoadDevCertificate(dir string, hosts []string) (*tls.Certificate, error) {
	certPath := filepath.Join(dir, certificateName)
	keyPath := filepath.Join(dir, keyName)

	_, errCert := os.Stat(certPath)
	_, errKey := os.Stat(keyPath)
	if os.IsNotExist(errCert) || os.IsNotExist(errKey) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errors.Wrap(err, "Failed to create certificate directory "+dir)
		}
		if err := createDevCertificate(certPath, keyPath, hosts); err != nil {
			return nil, err
		}
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to load certificate")
	}
	return &cert, nil
}

func newCertificateTemplate() (x509.Certificate, error) {
	var notBefore = time.Now()
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return x509.Certificate{}, errors.Wrap(err, "Failed to generate serial number")
	}

	return x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"srkstore development"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
	}, nil
}

func createDevCertificate(certPath, keyPath string, hosts []string) error {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}

	template, err := newCertificateTemplate()
	if err != nil {
		return err
	}
	template.KeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return errors.Wrap(err, "Failed to create certificate")
	}
	if err := writePEM(certPath, "CERTIFICATE", certBytes, 0644); err != nil {
		return err
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	return writePEM(keyPath, "PRIVATE KEY", keyBytes, 0600)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrap(err, "Failed to create "+path)
	}
	if err := pem.Encode(out, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		out.Close()
		return errors.Wrap(err, "Failed to write "+path)
	}
	return out.Close()
}
