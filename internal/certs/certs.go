package certs

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"
)

const defaultSerialBits = 128

// GenerateKey creates a fresh ECDSA P-256 keypair, the default for both
// account keys and certificate keys.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certs: failed to generate key: %w", err)
	}
	return key, nil
}

// EncodePrivateKey encodes a crypto.Signer (RSA or ECDSA) into PEM format.
func EncodePrivateKey(key crypto.Signer) ([]byte, error) {
	var pemType string
	var keyBytes []byte
	var err error

	switch k := key.(type) {
	case *rsa.PrivateKey:
		pemType = "RSA PRIVATE KEY"
		keyBytes = x509.MarshalPKCS1PrivateKey(k)
	case *ecdsa.PrivateKey:
		pemType = "EC PRIVATE KEY"
		keyBytes, err = x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("certs: unable to marshal ECDSA private key: %w", err)
		}
	default:
		return nil, errors.New("certs: unsupported private key type")
	}

	return pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: keyBytes}), nil
}

// ParsePrivateKey parses a PEM-encoded private key (RSA, ECDSA or PKCS#8).
func ParsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("certs: failed to decode PEM block containing private key")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certs: failed to parse private key: %w", err)
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certs: failed to parse private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certs: failed to parse private key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("certs: PKCS#8 key does not implement crypto.Signer")
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("certs: unsupported private key type: %s", block.Type)
	}
}

// EncodeCertificate encodes an x509 certificate into PEM format.
func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// ParseCertificateChain parses a PEM bundle into the certificates it
// contains, leaf first. An empty or undecodable bundle is an error.
func ParseCertificateChain(pemBytes []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certs: failed to parse certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("certs: no certificate found in PEM data")
	}
	return chain, nil
}

// KeyMatchesCert reports whether key is the private counterpart of the
// certificate's public key.
func KeyMatchesCert(key crypto.Signer, cert *x509.Certificate) bool {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		priv, ok := key.(*rsa.PrivateKey)
		return ok && pub.Equal(&priv.PublicKey)
	case *ecdsa.PublicKey:
		priv, ok := key.(*ecdsa.PrivateKey)
		return ok && pub.Equal(&priv.PublicKey)
	default:
		return false
	}
}

// SANsMatch reports whether the certificate covers exactly the given domain
// set, nothing more and nothing less. Order does not matter here; the CN
// ordering constraint is enforced when the CSR is built.
func SANsMatch(cert *x509.Certificate, domains []string) bool {
	if len(cert.DNSNames) != len(domains) {
		return false
	}
	got := append([]string(nil), cert.DNSNames...)
	want := append([]string(nil), domains...)
	sort.Strings(got)
	sort.Strings(want)
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// CreateCSR builds a DER-encoded certificate signing request covering
// exactly the given domains, with the first domain as the common name.
func CreateCSR(key crypto.Signer, domains []string) ([]byte, error) {
	if len(domains) == 0 {
		return nil, errors.New("certs: CSR requires at least one domain")
	}
	template := x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, fmt.Errorf("certs: failed to create CSR: %w", err)
	}
	return der, nil
}

func generateSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), defaultSerialBits)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("certs: failed to generate serial number: %w", err)
	}
	if serialNumber.Sign() != 1 {
		return nil, errors.New("certs: generated non-positive serial number")
	}
	return serialNumber, nil
}

// idPeAcmeIdentifier is the ACME TLS-ALPN-01 extension OID (RFC 8737).
var idPeAcmeIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// CreateTLSALPNCert mints the short-lived self-signed certificate presented
// during a tls-alpn-01 handshake: single SAN, critical acmeIdentifier
// extension carrying the SHA-256 digest of the key authorization.
func CreateTLSALPNCert(domain, keyAuthorization string) ([]byte, []byte, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, nil, err
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, nil, err
	}

	digest := sha256.Sum256([]byte(keyAuthorization))
	extValue, err := asn1.Marshal(digest[:])
	if err != nil {
		return nil, nil, fmt.Errorf("certs: failed to marshal acmeIdentifier digest: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-1 * time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{{
			Id:       idPeAcmeIdentifier,
			Critical: true,
			Value:    extValue,
		}},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("certs: failed to create tls-alpn-01 certificate: %w", err)
	}

	keyPEM, err := EncodePrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return keyPEM, certPEM, nil
}

// CreateFallbackCert generates the self-signed certificate the serving layer
// presents for a domain whose managed certificate is not yet available.
func CreateFallbackCert(commonName string, domains []string, lifetime time.Duration) ([]byte, []byte, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, nil, err
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: commonName},
		DNSNames:              domains,
		NotBefore:             time.Now().Add(-1 * time.Minute),
		NotAfter:              time.Now().Add(lifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("certs: failed to create fallback certificate: %w", err)
	}

	keyPEM, err := EncodePrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return keyPEM, certPEM, nil
}

// ChainPEM concatenates certificates into a single PEM bundle, leaf first.
func ChainPEM(chain []*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, cert := range chain {
		buf.Write(EncodeCertificate(cert))
	}
	return buf.Bytes()
}
